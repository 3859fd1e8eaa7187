// Package compress implements the optional MySQL compressed-packet envelope
// described in spec.md's §4.2: a 7-byte header wrapping one or more framer
// packets, with its own sequence counter independent of the uncompressed
// framer's. Both zlib (CLIENT.COMPRESS) and zstd
// (CLIENT.ZSTD_COMPRESSION_ALGORITHM) are supported.
package compress

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	envelopeHeaderLen = 7
	// minCompressSize below which a payload is sent uncompressed inside the
	// envelope (uncomplen == 0), mirroring the donor zlib packer's
	// minCompressSize threshold.
	minCompressSize = 50
)

// Algorithm names the negotiated compression algorithm.
type Algorithm int

const (
	None Algorithm = iota
	Zlib
	Zstd
)

// Codec compresses and decompresses payloads for one connection's compressed
// envelope. It owns a second, independent sequence counter as required by
// spec.md's "Compressed envelope" design.
type Codec struct {
	rw        io.ReadWriter
	algorithm Algorithm
	level     int // zstd level 1-22, meaningful only when algorithm == Zstd
	seq       byte

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder

	// pending is not read or written by any method; Stream keeps the
	// decompressed bytes not yet consumed in its own readBuf/readPos.
	pending []byte
}

// NewCodec wraps the underlying stream with a compression envelope.
func NewCodec(rw io.ReadWriter, algo Algorithm, zstdLevel int) (*Codec, error) {
	c := &Codec{rw: rw, algorithm: algo, level: zstdLevel}
	if algo == Zstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)))
		if err != nil {
			return nil, fmt.Errorf("compress: creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("compress: creating zstd decoder: %w", err)
		}
		c.zstdEnc, c.zstdDec = enc, dec
	}
	return c, nil
}

// ResetSeq resets the compression sequence counter to zero. Called together
// with the framer's ResetSeq at command boundaries, per spec.md's "Two read
// paths" design note.
func (c *Codec) ResetSeq() {
	c.seq = 0
}

func (c *Codec) compress(payload []byte) (body []byte, uncompLen int) {
	if len(payload) < minCompressSize {
		return payload, 0
	}
	switch c.algorithm {
	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		_, _ = w.Write(payload)
		_ = w.Close()
		return buf.Bytes(), len(payload)
	case Zstd:
		out := c.zstdEnc.EncodeAll(payload, nil)
		return out, len(payload)
	default:
		return payload, 0
	}
}

// SendEnvelope wraps one already-framed payload (raw frame bytes produced by
// protocol.Framer.Send's header+body, concatenated by the caller) in one
// compressed envelope and writes it.
func (c *Codec) SendEnvelope(rawFrame []byte) error {
	body, uncompLen := c.compress(rawFrame)

	hdr := make([]byte, envelopeHeaderLen)
	hdr[0] = byte(len(body))
	hdr[1] = byte(len(body) >> 8)
	hdr[2] = byte(len(body) >> 16)
	hdr[3] = c.seq
	c.seq++
	hdr[4] = byte(uncompLen)
	hdr[5] = byte(uncompLen >> 8)
	hdr[6] = byte(uncompLen >> 16)

	if _, err := c.rw.Write(hdr); err != nil {
		return fmt.Errorf("compress: write envelope header: %w", err)
	}
	if _, err := c.rw.Write(body); err != nil {
		return fmt.Errorf("compress: write envelope body: %w", err)
	}
	return nil
}

// RecvEnvelope reads and decompresses exactly one envelope, returning the
// uncompressed raw frame bytes it carried.
func (c *Codec) RecvEnvelope() ([]byte, error) {
	hdr := make([]byte, envelopeHeaderLen)
	if _, err := io.ReadFull(c.rw, hdr); err != nil {
		return nil, fmt.Errorf("compress: read envelope header: %w", err)
	}
	complen := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq := hdr[3]
	uncomplen := int(hdr[4]) | int(hdr[5])<<8 | int(hdr[6])<<16

	if seq != c.seq {
		return nil, fmt.Errorf("compress: sequence mismatch: want %d got %d", c.seq, seq)
	}
	c.seq++

	body := make([]byte, complen)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return nil, fmt.Errorf("compress: read envelope body: %w", err)
	}

	if uncomplen == 0 {
		return body, nil
	}

	switch c.algorithm {
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("compress: zlib reader: %w", err)
		}
		defer r.Close()
		out := make([]byte, uncomplen)
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("compress: zlib decompress: %w", err)
		}
		return out, nil
	case Zstd:
		out, err := c.zstdDec.DecodeAll(body, make([]byte, 0, uncomplen))
		if err != nil {
			return nil, fmt.Errorf("compress: zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compress: uncomplen > 0 but no algorithm negotiated")
	}
}

// Stream adapts a Codec to the io.ReadWriter shape protocol.Framer expects,
// so the framer can run unmodified on top of the compressed envelope: every
// logical message the framer writes is buffered and flushed as exactly one
// envelope, and reads are served from the buffer of the most recently
// decompressed envelope, pulling a new one when it runs dry. This mirrors
// the donor packettransceiver's buffer+index bookkeeping
// (packetDecompressor.readNext), generalized to zstd.
type Stream struct {
	codec    *Codec
	writeBuf bytes.Buffer
	readBuf  []byte
	readPos  int
}

// NewStream wraps codec for framer use.
func NewStream(codec *Codec) *Stream {
	return &Stream{codec: codec}
}

// Write buffers data for the next Flush.
func (s *Stream) Write(p []byte) (int, error) {
	return s.writeBuf.Write(p)
}

// Flush sends everything buffered by Write as a single compressed envelope.
func (s *Stream) Flush() error {
	if s.writeBuf.Len() == 0 {
		return nil
	}
	payload := append([]byte(nil), s.writeBuf.Bytes()...)
	s.writeBuf.Reset()
	return s.codec.SendEnvelope(payload)
}

// Read serves bytes from the most recently decompressed envelope, pulling a
// new one from the underlying transport when the buffer is exhausted.
func (s *Stream) Read(p []byte) (int, error) {
	for s.readPos >= len(s.readBuf) {
		out, err := s.codec.RecvEnvelope()
		if err != nil {
			return 0, err
		}
		s.readBuf = out
		s.readPos = 0
	}
	n := copy(p, s.readBuf[s.readPos:])
	s.readPos += n
	return n, nil
}

// ResetSeq resets the wrapped codec's compression sequence counter.
func (s *Stream) ResetSeq() {
	s.codec.ResetSeq()
}
