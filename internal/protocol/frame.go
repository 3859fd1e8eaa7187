package protocol

import (
	"fmt"
	"io"
)

const headerLen = 4

// Framer adds and removes the 3-byte little-endian length + 1-byte
// sequence-id header described in spec.md's byte transport layer. It tracks
// the sequence counter modulo 256, mirroring the donor's
// readMySQLPoolPacket/writeMySQLPoolPacket but adding multi-frame
// continuation for payloads >= MaxPayloadLen.
type Framer struct {
	rw  io.ReadWriter
	seq byte
}

// NewFramer wraps a byte stream. The sequence counter starts at zero, as it
// does at session start per spec.md's Connection invariants.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw}
}

// Seq returns the current sequence counter.
func (f *Framer) Seq() byte {
	return f.seq
}

// ResetSeq resets the sequence counter to zero. Called immediately before
// sending a command packet and before the first handshake-response frame,
// per spec.md's Connection invariants.
func (f *Framer) ResetSeq() {
	f.seq = 0
}

// SetRW swaps the underlying stream in place, used when upgrading to TLS
// after the handshake's capability exchange. The sequence counter is left
// untouched — frames continue on the same logical sequence.
func (f *Framer) SetRW(rw io.ReadWriter) {
	f.rw = rw
}

// flusher is implemented by transports (notably compress.Stream) that buffer
// writes until a logical message is complete.
type flusher interface {
	Flush() error
}

// Send writes payload as one or more frames, splitting at MaxPayloadLen and
// incrementing the sequence counter once per frame written. A payload whose
// length is an exact multiple of MaxPayloadLen is followed by one empty
// continuation frame, per spec.md's S5 scenario.
func (f *Framer) Send(payload []byte) error {
	if err := f.send(payload); err != nil {
		return err
	}
	if fl, ok := f.rw.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

func (f *Framer) send(payload []byte) error {
	for {
		chunk := payload
		if len(chunk) > MaxPayloadLen {
			chunk = payload[:MaxPayloadLen]
		}
		hdr := make([]byte, headerLen)
		hdr[0] = byte(len(chunk))
		hdr[1] = byte(len(chunk) >> 8)
		hdr[2] = byte(len(chunk) >> 16)
		hdr[3] = f.seq
		f.seq++

		if _, err := f.rw.Write(hdr); err != nil {
			return fmt.Errorf("protocol: write frame header: %w", err)
		}
		if len(chunk) > 0 {
			if _, err := f.rw.Write(chunk); err != nil {
				return fmt.Errorf("protocol: write frame payload: %w", err)
			}
		}

		payload = payload[len(chunk):]
		if len(chunk) < MaxPayloadLen {
			return nil
		}
		if len(payload) == 0 {
			// Exact multiple: one more, empty, frame terminates the message.
			continue
		}
	}
}

// Recv reassembles one logical message out of one or more frames, validating
// that the sequence id advances by exactly one per frame and matches what
// the caller expects next. A mismatch is a fatal protocol error per
// spec.md's ordering guarantee (§5).
func (f *Framer) Recv() ([]byte, error) {
	var out []byte
	for {
		hdr := make([]byte, headerLen)
		if _, err := io.ReadFull(f.rw, hdr); err != nil {
			return nil, fmt.Errorf("protocol: read frame header: %w", err)
		}
		length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
		seq := hdr[3]
		if seq != f.seq {
			return nil, fmt.Errorf("protocol: sequence mismatch: want %d got %d", f.seq, seq)
		}
		f.seq++

		if length > 0 {
			chunk := make([]byte, length)
			if _, err := io.ReadFull(f.rw, chunk); err != nil {
				return nil, fmt.Errorf("protocol: read frame payload: %w", err)
			}
			out = append(out, chunk...)
		}

		if length < MaxPayloadLen {
			return out, nil
		}
		// Exactly MaxPayloadLen bytes: a continuation frame follows, which may
		// be the empty terminator frame described in spec.md's S5 scenario.
	}
}
