package handshake

import (
	"bytes"
	"testing"

	"github.com/mysqlwire/mysqlwire/internal/protocol"
)

func buildHandshakeV10(salt []byte, pluginName string) []byte {
	var buf []byte
	buf = append(buf, 10) // protocol version
	buf = protocol.PutNullString(buf, "8.0.34-mysqlwire-test")
	buf = protocol.PutFixedInt(buf, 7, 4) // thread id
	buf = append(buf, salt[:8]...)
	buf = append(buf, 0) // filler
	buf = protocol.PutFixedInt(buf, 0xFFFF, 2)
	buf = append(buf, 0x2d) // charset
	buf = protocol.PutFixedInt(buf, 2, 2)
	buf = protocol.PutFixedInt(buf, 0xFFFF, 2)
	buf = append(buf, byte(len(salt)+1))
	buf = append(buf, make([]byte, 10)...)
	part2 := append(append([]byte(nil), salt[8:]...), 0)
	buf = append(buf, part2...)
	buf = protocol.PutNullString(buf, pluginName)
	return buf
}

func TestParseHandshakeV10(t *testing.T) {
	salt := bytes.Repeat([]byte{0x5A}, 20)
	raw := buildHandshakeV10(salt, "mysql_native_password")

	h, err := ParseHandshakeV10(raw)
	if err != nil {
		t.Fatalf("ParseHandshakeV10: %v", err)
	}
	if h.ProtocolVersion != 10 {
		t.Errorf("protocol version = %d, want 10", h.ProtocolVersion)
	}
	if h.ThreadID != 7 {
		t.Errorf("thread id = %d, want 7", h.ThreadID)
	}
	if !bytes.Equal(h.Salt, salt) {
		t.Errorf("salt = %x, want %x", h.Salt, salt)
	}
	if h.AuthPluginName != "mysql_native_password" {
		t.Errorf("auth plugin = %q", h.AuthPluginName)
	}
	if h.ServerCapability&ClientProtocol41 == 0 {
		t.Error("expected CLIENT_PROTOCOL_41 to be set")
	}
}

func TestParseHandshakeV10DefaultsPluginWhenAbsent(t *testing.T) {
	// Minimal handshake: protocol version + version string + thread id +
	// 8-byte salt + filler + 2-byte capabilities, nothing more.
	var raw []byte
	raw = append(raw, 10)
	raw = protocol.PutNullString(raw, "5.5.8")
	raw = protocol.PutFixedInt(raw, 1, 4)
	raw = append(raw, bytes.Repeat([]byte{0x11}, 8)...)
	raw = append(raw, 0)
	raw = protocol.PutFixedInt(raw, 0, 2)

	h, err := ParseHandshakeV10(raw)
	if err != nil {
		t.Fatalf("ParseHandshakeV10: %v", err)
	}
	if h.AuthPluginName != "mysql_native_password" {
		t.Errorf("expected default plugin, got %q", h.AuthPluginName)
	}
}

// TestAuthSwitchRequestAdvancesSequenceByOne covers part of spec.md's
// testable property 6: it parses an AuthSwitchRequest to caching-sha2 and
// checks that sending one 32-byte reply frame advances the sequence by one.
func TestAuthSwitchRequestAdvancesSequenceByOne(t *testing.T) {
	newSalt := bytes.Repeat([]byte{0x11}, 20)
	var raw []byte
	raw = append(raw, 0xFE)
	raw = protocol.PutNullString(raw, "caching_sha2_password")
	raw = append(raw, newSalt...)
	raw = append(raw, 0)

	asr, err := ParseAuthSwitchRequest(raw)
	if err != nil {
		t.Fatalf("ParseAuthSwitchRequest: %v", err)
	}
	if asr.PluginName != "caching_sha2_password" {
		t.Errorf("plugin name = %q", asr.PluginName)
	}
	if !bytes.Equal(asr.Salt, newSalt) {
		t.Errorf("salt = %x, want %x", asr.Salt, newSalt)
	}

	var conn bytes.Buffer
	f := protocol.NewFramer(&conn)
	f.ResetSeq()
	before := f.Seq()
	if err := f.Send(make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	if f.Seq() != before+1 {
		t.Errorf("sequence advanced by %d, want 1", f.Seq()-before)
	}
}

func TestBuildSSLRequestIs32Bytes(t *testing.T) {
	req := BuildSSLRequest(ClientSSL|ClientProtocol41, 0x2d)
	if len(req) != 32 {
		t.Fatalf("SSLRequest length = %d, want 32", len(req))
	}
}

func TestBuildHandshakeResponse41SecureConnection(t *testing.T) {
	resp := BuildHandshakeResponse41(HandshakeResponse41Params{
		ClientFlags:  CapabilitiesBundle | ClientConnectWithDB,
		CharsetID:    0x2d,
		Username:     "root",
		AuthResponse: bytes.Repeat([]byte{0xAA}, 20),
		Database:     "mydb",
		PluginName:   "mysql_native_password",
		SecureConn:   true,
	})

	p := protocol.NewPacket(resp)
	if _, err := p.ReadFixedInt(4); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ReadFixedInt(4); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ReadByte(); err != nil {
		t.Fatal(err)
	}
	if err := p.Skip(23); err != nil {
		t.Fatal(err)
	}
	user, err := p.ReadNullString()
	if err != nil || string(user) != "root" {
		t.Fatalf("username = %q, err=%v", user, err)
	}
	authResp, ok, err := p.ReadLenencString()
	if err != nil || !ok || len(authResp) != 20 {
		t.Fatalf("auth response decode failed: ok=%v err=%v len=%d", ok, err, len(authResp))
	}
	db, err := p.ReadNullString()
	if err != nil || string(db) != "mydb" {
		t.Fatalf("database = %q, err=%v", db, err)
	}
}
