package protocol

import (
	"bytes"
	"testing"
)

func TestPacketReadFixedInt(t *testing.T) {
	p := NewPacket([]byte{0x01, 0x02, 0x03, 0x04})
	v, err := p.ReadFixedInt(4)
	if err != nil {
		t.Fatalf("ReadFixedInt: %v", err)
	}
	want := uint64(0x04030201)
	if v != want {
		t.Errorf("got %#x, want %#x", v, want)
	}
}

func TestPacketLenencIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 250, 251, 65535, 65536, 16777215, 16777216, 1 << 40}
	for _, v := range cases {
		buf := PutLenencInt(nil, v)
		p := NewPacket(buf)
		got, ok, err := p.ReadLenencInt()
		if err != nil {
			t.Fatalf("value %d: %v", v, err)
		}
		if !ok {
			t.Fatalf("value %d: unexpected NULL", v)
		}
		if got != v {
			t.Errorf("value %d: round-tripped to %d", v, got)
		}
		if p.Len() != 0 {
			t.Errorf("value %d: %d unread bytes remain", v, p.Len())
		}
	}
}

func TestPacketLenencIntNull(t *testing.T) {
	p := NewPacket([]byte{0xFB})
	_, ok, err := p.ReadLenencInt()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected NULL sentinel")
	}
}

func TestPacketLenencStringRoundTrip(t *testing.T) {
	s := []byte("hello, mysql")
	buf := PutLenencString(nil, s)
	p := NewPacket(buf)
	got, ok, err := p.ReadLenencString()
	if err != nil || !ok {
		t.Fatalf("ReadLenencString: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, s) {
		t.Errorf("got %q, want %q", got, s)
	}
}

func TestPacketNullString(t *testing.T) {
	p := NewPacket([]byte("abc\x00def"))
	s, err := p.ReadNullString()
	if err != nil {
		t.Fatalf("ReadNullString: %v", err)
	}
	if string(s) != "abc" {
		t.Errorf("got %q, want %q", s, "abc")
	}
	rest := p.ReadRestOfPacket()
	if string(rest) != "def" {
		t.Errorf("rest = %q, want %q", rest, "def")
	}
}

func TestClassifyFirstByte(t *testing.T) {
	cases := []struct {
		first  byte
		length int
		want   PacketKind
	}{
		{0x00, 7, KindOK},
		{0xFF, 9, KindErr},
		{0xFE, 5, KindEOF},
		{0xFE, 200, KindGeneric},
		{0x03, 1, KindGeneric},
	}
	for _, c := range cases {
		if got := ClassifyFirstByte(c.first, c.length); got != c.want {
			t.Errorf("ClassifyFirstByte(%#x, %d) = %v, want %v", c.first, c.length, got, c.want)
		}
	}
}
