// Package handshake implements the MySQL connection-phase protocol: parsing
// the server's initial HandshakeV10 packet, the capability bits, building
// the optional SSLRequest and HandshakeResponse41, and parsing
// AuthSwitchRequest — spec.md §4.3. The TLS upgrade itself is performed by
// the root package's Connection, not here.
package handshake

import (
	"fmt"

	"github.com/mysqlwire/mysqlwire/internal/protocol"
)

// Capability bits this package negotiates, named as in the MySQL manual.
const (
	ClientLongPassword                 = 1 << 0
	ClientFoundRows                    = 1 << 1
	ClientLongFlag                     = 1 << 2
	ClientConnectWithDB                = 1 << 3
	ClientNoSchema                     = 1 << 4
	ClientCompress                     = 1 << 5
	ClientODBC                         = 1 << 6
	ClientLocalFiles                   = 1 << 7
	ClientIgnoreSpace                  = 1 << 8
	ClientProtocol41                   = 1 << 9
	ClientInteractive                  = 1 << 10
	ClientSSL                          = 1 << 11
	ClientIgnoreSIGPIPE                = 1 << 12
	ClientTransactions                 = 1 << 13
	ClientReserved                     = 1 << 14
	ClientSecureConnection             = 1 << 15
	ClientMultiStatements              = 1 << 16
	ClientMultiResults                 = 1 << 17
	ClientPSMultiResults               = 1 << 18
	ClientPluginAuth                   = 1 << 19
	ClientConnectAttrs                 = 1 << 20
	ClientPluginAuthLenencClientData   = 1 << 21
	ClientCanHandleExpiredPasswords    = 1 << 22
	ClientSessionTrack                 = 1 << 23
	ClientDeprecateEOF                 = 1 << 24
	ClientZstdCompressionAlgorithm     = 1 << 26
)

// CapabilitiesBundle is the core connection-phase capability set this
// client always requests, matching spec.md §4.3's "CLIENT.CAPABILITIES" line.
const CapabilitiesBundle = ClientLongPassword | ClientProtocol41 | ClientSecureConnection |
	ClientPluginAuth | ClientTransactions

// HandshakeV10 is the parsed form of the server's initial handshake packet.
type HandshakeV10 struct {
	ProtocolVersion  byte
	ServerVersion    string
	ThreadID         uint32
	Salt             []byte // 20 bytes for plugins this client supports
	ServerCapability uint32
	Charset          byte
	ServerStatus     uint16
	AuthPluginName   string
}

// ParseHandshakeV10 decodes the server's initial handshake, per spec.md
// §4.3's byte layout.
func ParseHandshakeV10(raw []byte) (*HandshakeV10, error) {
	p := protocol.NewPacket(raw)

	if p.Len() < 1 {
		return nil, fmt.Errorf("handshake: empty packet")
	}
	protoVer, err := p.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("handshake: reading protocol version: %w", err)
	}

	serverVersion, err := p.ReadNullString()
	if err != nil {
		return nil, fmt.Errorf("handshake: reading server version: %w", err)
	}

	threadID, err := p.ReadFixedInt(4)
	if err != nil {
		return nil, fmt.Errorf("handshake: reading thread id: %w", err)
	}

	saltPart1, _, err := p.ReadFixedString(8)
	if err != nil {
		return nil, fmt.Errorf("handshake: reading salt part 1: %w", err)
	}
	salt := append([]byte(nil), saltPart1...)

	if err := p.Skip(1); err != nil { // filler
		return nil, fmt.Errorf("handshake: reading filler: %w", err)
	}

	capLo, err := p.ReadFixedInt(2)
	if err != nil {
		return nil, fmt.Errorf("handshake: reading capabilities low: %w", err)
	}
	capabilities := uint32(capLo)

	h := &HandshakeV10{
		ProtocolVersion: protoVer,
		ServerVersion:   string(serverVersion),
		ThreadID:        uint32(threadID),
	}

	if p.Len() == 0 {
		h.Salt = padSalt(salt)
		h.ServerCapability = capabilities
		h.AuthPluginName = "mysql_native_password"
		return h, nil
	}

	charsetByte, err := p.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("handshake: reading charset: %w", err)
	}
	status, err := p.ReadFixedInt(2)
	if err != nil {
		return nil, fmt.Errorf("handshake: reading status flags: %w", err)
	}
	capHi, err := p.ReadFixedInt(2)
	if err != nil {
		return nil, fmt.Errorf("handshake: reading capabilities high: %w", err)
	}
	capabilities |= uint32(capHi) << 16

	saltLen, err := p.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("handshake: reading salt length: %w", err)
	}
	if err := p.Skip(10); err != nil { // reserved
		return nil, fmt.Errorf("handshake: reading reserved bytes: %w", err)
	}

	part2Len := int(saltLen) - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if part2Len > p.Len() {
		part2Len = p.Len()
	}
	if part2Len > 0 {
		part2, _, err := p.ReadFixedString(part2Len)
		if err != nil {
			return nil, fmt.Errorf("handshake: reading salt part 2: %w", err)
		}
		part2 = trimTrailingNull(part2)
		salt = append(salt, part2...)
	}

	pluginName := "mysql_native_password"
	if capabilities&ClientPluginAuth != 0 && p.Len() > 0 {
		name, err := p.ReadNullString()
		if err != nil {
			// Some servers omit the trailing NUL on the final field; fall
			// back to rest-of-packet rather than failing the handshake.
			name = p.ReadRestOfPacket()
		}
		if len(name) > 0 {
			pluginName = string(name)
		}
	}

	h.Salt = padSalt(salt)
	h.ServerCapability = capabilities
	h.Charset = charsetByte
	h.ServerStatus = uint16(status)
	h.AuthPluginName = pluginName
	return h, nil
}

func padSalt(salt []byte) []byte {
	if len(salt) >= 20 {
		return salt[:20]
	}
	out := make([]byte, 20)
	copy(out, salt)
	return out
}

func trimTrailingNull(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}

// AuthSwitchRequest is a server-initiated change of authentication plugin
// mid-handshake, per spec.md §4.3.
type AuthSwitchRequest struct {
	PluginName string
	Salt       []byte
}

// ParseAuthSwitchRequest decodes a 0xFE-prefixed AuthSwitchRequest packet.
func ParseAuthSwitchRequest(raw []byte) (*AuthSwitchRequest, error) {
	p := protocol.NewPacket(raw)
	if _, err := p.ReadByte(); err != nil { // 0xFE marker
		return nil, fmt.Errorf("handshake: reading AuthSwitchRequest marker: %w", err)
	}
	name, err := p.ReadNullString()
	if err != nil {
		return nil, fmt.Errorf("handshake: reading AuthSwitchRequest plugin name: %w", err)
	}
	salt := trimTrailingNull(p.ReadRestOfPacket())
	return &AuthSwitchRequest{PluginName: string(name), Salt: salt}, nil
}

// BuildSSLRequest builds the short 32-byte SSLRequest frame sent before the
// TLS handshake, per spec.md §4.3.
func BuildSSLRequest(clientFlags uint32, charsetID byte) []byte {
	buf := make([]byte, 0, 32)
	buf = protocol.PutFixedInt(buf, uint64(clientFlags), 4)
	buf = protocol.PutFixedInt(buf, 1, 4) // max_packet_size literal 1, per spec.md
	buf = append(buf, charsetID)
	buf = append(buf, make([]byte, 23)...)
	return buf
}

// HandshakeResponse41Params carries the fields needed to build a
// HandshakeResponse41 packet.
type HandshakeResponse41Params struct {
	ClientFlags  uint32
	CharsetID    byte
	Username     string
	AuthResponse []byte
	Database     string
	PluginName   string
	SecureConn   bool // whether CLIENT_SECURE_CONNECTION is negotiated
	ZstdLevel    *byte
}

// BuildHandshakeResponse41 builds the HandshakeResponse41 packet body, per
// spec.md §4.3's field layout.
func BuildHandshakeResponse41(p HandshakeResponse41Params) []byte {
	buf := make([]byte, 0, 64+len(p.Username)+len(p.AuthResponse)+len(p.Database))
	buf = protocol.PutFixedInt(buf, uint64(p.ClientFlags), 4)
	buf = protocol.PutFixedInt(buf, 1, 4) // max_packet_size literal 1
	buf = append(buf, p.CharsetID)
	buf = append(buf, make([]byte, 23)...)
	buf = protocol.PutNullString(buf, p.Username)

	if p.SecureConn {
		buf = protocol.PutLenencInt(buf, uint64(len(p.AuthResponse)))
		buf = append(buf, p.AuthResponse...)
	} else {
		buf = append(buf, p.AuthResponse...)
		buf = append(buf, 0)
	}

	if p.ClientFlags&ClientConnectWithDB != 0 {
		buf = protocol.PutNullString(buf, p.Database)
	}
	if p.ClientFlags&ClientPluginAuth != 0 {
		buf = protocol.PutNullString(buf, p.PluginName)
	}
	if p.ClientFlags&ClientZstdCompressionAlgorithm != 0 && p.ZstdLevel != nil {
		buf = append(buf, *p.ZstdLevel)
	}
	return buf
}
