package mysqlwire

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mysqlwire/mysqlwire/internal/auth"
	"github.com/mysqlwire/mysqlwire/internal/charset"
	"github.com/mysqlwire/mysqlwire/internal/compress"
	"github.com/mysqlwire/mysqlwire/internal/handshake"
	"github.com/mysqlwire/mysqlwire/internal/protocol"
)

// MySQL command opcodes, per spec.md §4.5.
const (
	comQuit        byte = 0x01
	comQuery       byte = 0x03
	comProcessKill byte = 0x0c
	comPing        byte = 0x0e
)

// SERVER_STATUS bits this package inspects directly.
const serverStatusInTrans = 0x0001

// Connection is the session handle for one authenticated MySQL wire
// connection. It is single-threaded, cooperative, and synchronous, per
// spec.md §5: callers must not share a Connection across goroutines. The
// "busy" flag below enforces that by construction rather than silently
// interleaving half-frames.
type Connection struct {
	opts Options

	transport net.Conn
	framer    *protocol.Framer
	codec     *compress.Codec

	serverCapability uint32
	clientCapability uint32

	protocolVersion byte
	serverVersion   string
	threadID        uint32

	charsetName string
	charsetID   byte

	serverStatus uint16
	authPlugin   string
	hostInfo     string

	result *Result

	mu       sync.Mutex
	busy     bool
	closed   bool
	poisoned bool
}

// Connect dials, performs the HandshakeV10 exchange, authenticates, and runs
// the sql_mode/init_command bootstrap, per spec.md §4.3–§4.4 and the
// cymysql-derived bootstrap ordering recorded in SPEC_FULL.md §11.
func Connect(ctx context.Context, o Options) (*Connection, error) {
	if o.Charset == "" {
		o.Charset = charset.Default
	}
	charsetID, err := charset.IDByName(o.Charset)
	if err != nil {
		return nil, &ProgrammingError{DatabaseError{Message: err.Error(), Err: err}}
	}

	conn, hostInfo, err := dialTransport(ctx, o)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		opts:        o,
		transport:   conn,
		framer:      protocol.NewFramer(conn),
		charsetName: o.Charset,
		charsetID:   charsetID,
		hostInfo:    hostInfo,
	}

	if err := c.handshakeAndAuth(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	if err := c.bootstrap(ctx); err != nil {
		c.Close()
		return nil, err
	}

	slog.Info("mysqlwire: connection established", "host", hostInfo, "server_version", c.serverVersion, "thread_id", c.threadID)
	return c, nil
}

// bootstrap runs sql_mode then init_command as plain queries immediately
// after a successful handshake, discarding their results, per SPEC_FULL.md
// §11 (cymysql connections.py ordering).
func (c *Connection) bootstrap(ctx context.Context) error {
	if c.opts.SQLMode != "" {
		if _, err := c.Query(ctx, "SET sql_mode="+quoteString(c.opts.SQLMode)); err != nil {
			return err
		}
	}
	if c.opts.InitCommand != "" {
		if _, err := c.Query(ctx, c.opts.InitCommand); err != nil {
			return err
		}
	}
	return nil
}

func quoteString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}

// handshakeAndAuth implements spec.md §4.3–§4.4: parse HandshakeV10, build
// the capability bitmask, optionally upgrade to TLS, send
// HandshakeResponse41, and resolve whatever auth exchange the server
// requests (fast path, AuthSwitchRequest, or caching-sha2 full auth).
func (c *Connection) handshakeAndAuth(ctx context.Context) error {
	raw, err := c.framer.Recv()
	if err != nil {
		return wrapOperationalError(err, "reading initial handshake")
	}
	hs, err := handshake.ParseHandshakeV10(raw)
	if err != nil {
		return wrapOperationalError(err, "parsing handshake")
	}
	c.protocolVersion = hs.ProtocolVersion
	c.serverVersion = hs.ServerVersion
	c.threadID = hs.ThreadID
	c.serverCapability = hs.ServerCapability

	clientFlags := handshake.CapabilitiesBundle | handshake.ClientMultiStatements | c.opts.ClientFlags
	if c.opts.DB != "" {
		clientFlags |= handshake.ClientConnectWithDB
	}
	useSSL := c.opts.SSL != nil && hs.ServerCapability&handshake.ClientSSL != 0
	if useSSL {
		clientFlags |= handshake.ClientSSL
	}

	var zstdLevel *byte
	compressAlgo := compress.None
	switch c.opts.Compress {
	case "zlib":
		if hs.ServerCapability&handshake.ClientCompress != 0 {
			clientFlags |= handshake.ClientCompress
			compressAlgo = compress.Zlib
		}
	case "zstd":
		if hs.ServerCapability&handshake.ClientZstdCompressionAlgorithm != 0 {
			clientFlags |= handshake.ClientZstdCompressionAlgorithm
			compressAlgo = compress.Zstd
			lvl := byte(c.opts.ZstdCompressionLevel)
			zstdLevel = &lvl
		}
	}
	c.clientCapability = clientFlags

	if useSSL {
		c.framer.ResetSeq()
		sslReq := handshake.BuildSSLRequest(clientFlags, c.charsetID)
		if err := c.framer.Send(sslReq); err != nil {
			return wrapOperationalError(err, "sending SSLRequest")
		}
		tlsConn, err := c.upgradeTLS(ctx)
		if err != nil {
			return wrapOperationalError(err, "TLS upgrade")
		}
		c.transport = tlsConn
		c.framer.SetRW(tlsConn)
	}

	pluginName := hs.AuthPluginName
	if !auth.Supported(pluginName) {
		return newNotSupportedError("authentication plugin %q is not supported", pluginName)
	}
	scramble, err := scrambleFor(pluginName, c.opts.Passwd, hs.Salt)
	if err != nil {
		return err
	}

	c.framer.ResetSeq()
	resp := handshake.BuildHandshakeResponse41(handshake.HandshakeResponse41Params{
		ClientFlags:  clientFlags,
		CharsetID:    c.charsetID,
		Username:     c.opts.User,
		AuthResponse: scramble,
		Database:     c.opts.DB,
		PluginName:   pluginName,
		SecureConn:   clientFlags&handshake.ClientSecureConnection != 0,
		ZstdLevel:    zstdLevel,
	})
	if err := c.framer.Send(resp); err != nil {
		return wrapOperationalError(err, "sending HandshakeResponse41")
	}

	if err := c.resolveAuthExchange(pluginName, hs.Salt); err != nil {
		return err
	}

	if compressAlgo != compress.None {
		codec, err := compress.NewCodec(c.transport, compressAlgo, c.opts.ZstdCompressionLevel)
		if err != nil {
			return wrapOperationalError(err, "creating compression codec")
		}
		c.codec = codec
		c.framer.SetRW(compress.NewStream(codec))
	}

	c.authPlugin = pluginName
	return nil
}

func (c *Connection) upgradeTLS(ctx context.Context) (*tls.Conn, error) {
	cfg := &tls.Config{InsecureSkipVerify: c.opts.SSL.CA == ""} //nolint:gosec // CA-path pinning is out of scope per spec.md
	if c.opts.SSL.Cert != "" && c.opts.SSL.Key != "" {
		cert, err := tls.LoadX509KeyPair(c.opts.SSL.Cert, c.opts.SSL.Key)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	tlsConn := tls.Client(c.transport, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return tlsConn, nil
}

func scrambleFor(plugin, password string, salt []byte) ([]byte, error) {
	switch plugin {
	case auth.Native:
		return auth.ScrambleNative(password, salt), nil
	case auth.CachingSHA2:
		return auth.ScrambleCachingSHA2(password, salt), nil
	case auth.ClearText:
		return auth.ClearPassword(password), nil
	default:
		return nil, newNotSupportedError("authentication plugin %q is not supported", plugin)
	}
}

// resolveAuthExchange reads the server's reply to HandshakeResponse41 and
// drives whichever continuation spec.md §4.3–§4.4 requires: a plain
// OK/ERR, an AuthSwitchRequest, or the caching-sha2 continuation byte.
func (c *Connection) resolveAuthExchange(pluginName string, salt []byte) error {
	raw, err := c.framer.Recv()
	if err != nil {
		return wrapOperationalError(err, "reading auth response")
	}
	if len(raw) == 0 {
		return newInterfaceError("empty auth response")
	}

	switch protocol.ClassifyFirstByte(raw[0], len(raw)) {
	case protocol.KindOK:
		return nil
	case protocol.KindErr:
		return parseErrPacket(raw, c.clientCapability)
	}

	if raw[0] == 0xFE { // AuthSwitchRequest
		asr, err := handshake.ParseAuthSwitchRequest(raw)
		if err != nil {
			return wrapOperationalError(err, "parsing AuthSwitchRequest")
		}
		if !auth.Supported(asr.PluginName) {
			return newNotSupportedError("authentication plugin %q is not supported", asr.PluginName)
		}
		scramble, err := scrambleFor(asr.PluginName, c.opts.Passwd, asr.Salt)
		if err != nil {
			return err
		}
		if err := c.framer.Send(scramble); err != nil {
			return wrapOperationalError(err, "sending AuthSwitchRequest response")
		}
		return c.resolveAuthExchange(asr.PluginName, asr.Salt)
	}

	if pluginName == auth.CachingSHA2 && len(raw) >= 2 && raw[0] == 0x01 {
		return c.resolveCachingSHA2Continuation(raw[1], salt)
	}

	return newInterfaceError("unexpected auth response, first byte 0x%02x", raw[0])
}

func (c *Connection) resolveCachingSHA2Continuation(status byte, salt []byte) error {
	switch status {
	case auth.StatusFastAuthSuccess:
		raw, err := c.framer.Recv()
		if err != nil {
			return wrapOperationalError(err, "reading fast-auth-success OK")
		}
		if protocol.ClassifyFirstByte(raw[0], len(raw)) == protocol.KindErr {
			return parseErrPacket(raw, c.clientCapability)
		}
		return nil
	case auth.StatusPerformFullAuth:
		secure := c.isSecureTransport()
		var payload []byte
		if secure {
			payload = auth.FullAuthCleartext(c.opts.Passwd)
		} else {
			if err := c.framer.Send(auth.RequestPublicKeyByte()); err != nil {
				return wrapOperationalError(err, "requesting RSA public key")
			}
			keyRaw, err := c.framer.Recv()
			if err != nil {
				return wrapOperationalError(err, "reading RSA public key")
			}
			if len(keyRaw) < 1 {
				return newInterfaceError("empty RSA public key packet")
			}
			pemKey := keyRaw[1:] // strip leading status byte
			ciphertext, err := auth.EncryptFullAuthPassword(c.opts.Passwd, salt, pemKey)
			if err != nil {
				return wrapOperationalError(err, "encrypting full-auth password")
			}
			payload = ciphertext
		}
		if err := c.framer.Send(payload); err != nil {
			return wrapOperationalError(err, "sending full-auth payload")
		}
		raw, err := c.framer.Recv()
		if err != nil {
			return wrapOperationalError(err, "reading full-auth result")
		}
		if protocol.ClassifyFirstByte(raw[0], len(raw)) == protocol.KindErr {
			return parseErrPacket(raw, c.clientCapability)
		}
		return nil
	default:
		return newInterfaceError("unexpected caching-sha2 continuation status 0x%02x", status)
	}
}

// isSecureTransport reports whether the underlying transport is already
// confidential (TLS or a UNIX domain socket), per spec.md §4.4's full-auth
// branch.
func (c *Connection) isSecureTransport() bool {
	if _, ok := c.transport.(*tls.Conn); ok {
		return true
	}
	if c.transport.RemoteAddr() != nil && c.transport.RemoteAddr().Network() == "unix" {
		return true
	}
	return false
}

// acquire marks the connection busy for the duration of one command, per
// spec.md §5's single-owner invariant, and rejects use of a closed or
// poisoned connection.
func (c *Connection) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newInterfaceError("connection is closed")
	}
	if c.poisoned {
		return newInterfaceError("connection is poisoned after a prior transport failure")
	}
	if c.busy {
		return newInterfaceError("connection is already in use by another command")
	}
	c.busy = true
	return nil
}

func (c *Connection) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Connection) poison() {
	c.mu.Lock()
	c.poisoned = true
	c.mu.Unlock()
}

// resetSeq resets the framer's frame-level sequence counter and, if
// compression is active, the envelope sequence counter, at every command
// boundary — both per spec.md §4.2.
func (c *Connection) resetSeq() {
	c.framer.ResetSeq()
	if c.codec != nil {
		c.codec.ResetSeq()
	}
}

// sendCommand writes opcode+arg as a single command packet after resetting
// sequence counters, per spec.md §4.5.
func (c *Connection) sendCommand(opcode byte, arg []byte) error {
	if c.framer == nil {
		return newInterfaceError("connection has no transport")
	}
	c.resetSeq()
	payload := make([]byte, 1+len(arg))
	payload[0] = opcode
	copy(payload[1:], arg)
	if err := c.framer.Send(payload); err != nil {
		c.poison()
		return wrapOperationalError(err, "sending command 0x%02x", opcode)
	}
	return nil
}

func (c *Connection) recvPacket() ([]byte, error) {
	raw, err := c.framer.Recv()
	if err != nil {
		c.poison()
		return nil, wrapOperationalError(err, "reading response packet")
	}
	return raw, nil
}

// maxQueryLen is the largest SQL payload this client accepts locally, per
// spec.md §4.5's "0xFFFFFF - 1" rejection rule.
const maxQueryLen = protocol.MaxPayloadLen - 1

// Query issues COM_QUERY and returns the decoded response: an OK-only
// Result, or a Result with buffered rows, per spec.md §4.6.
func (c *Connection) Query(ctx context.Context, sql string) (*Result, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	if len(sql) > maxQueryLen {
		return nil, newInterfaceError("query text of %d bytes exceeds the %d byte limit", len(sql), maxQueryLen)
	}
	if c.result != nil && !c.result.drained {
		return nil, newInterfaceError("previous result set must be drained before issuing another command")
	}

	if err := c.sendCommand(comQuery, []byte(sql)); err != nil {
		return nil, err
	}
	res, err := newResultFromCommand(c)
	if err != nil {
		c.poison()
		return nil, err
	}
	c.result = res
	return res, nil
}

// Ping sends COM_PING. When reconnect is true and the ping fails at the
// transport level, it redials and re-runs the full handshake+auth using the
// connection's stored Options before retrying the ping once, per spec.md
// §4.5 and scenario S6.
func (c *Connection) Ping(ctx context.Context, reconnect bool) error {
	if err := c.acquire(); err != nil {
		return err
	}

	err := c.pingOnce()
	if err == nil {
		c.release()
		return nil
	}
	if !reconnect {
		c.release()
		return err
	}
	c.release()

	slog.Warn("mysqlwire: ping failed, attempting reconnect", "error", err)
	if err := c.reconnect(ctx); err != nil {
		return wrapOperationalError(err, "reconnecting after failed ping")
	}

	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	return c.pingOnce()
}

func (c *Connection) pingOnce() error {
	if err := c.sendCommand(comPing, nil); err != nil {
		return err
	}
	res, err := newResultFromCommand(c)
	if err != nil {
		c.poison()
		return err
	}
	c.result = res
	return nil
}

// reconnect tears down the current transport and redials+reauthenticates
// in place, matching the donor's "dial on demand" pattern generalized to a
// single long-lived Connection instead of a pool slot.
func (c *Connection) reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.transport != nil {
		c.transport.Close()
	}
	c.mu.Unlock()

	conn, hostInfo, err := dialTransport(ctx, c.opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.transport = conn
	c.framer = protocol.NewFramer(conn)
	c.codec = nil
	c.hostInfo = hostInfo
	c.poisoned = false
	c.closed = false
	c.result = nil
	c.mu.Unlock()

	if err := c.handshakeAndAuth(ctx); err != nil {
		conn.Close()
		c.poison()
		return err
	}
	return c.bootstrap(ctx)
}

// Kill sends COM_PROCESS_KILL against threadID on this connection, the
// same dispatch path as Query/Ping/Quit per spec.md's command table.
func (c *Connection) Kill(ctx context.Context, threadID uint32) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	if c.result != nil && !c.result.drained {
		return newInterfaceError("previous result set must be drained before issuing another command")
	}

	arg := protocol.PutFixedInt(nil, uint64(threadID), 4)
	if err := c.sendCommand(comProcessKill, arg); err != nil {
		return err
	}
	res, err := newResultFromCommand(c)
	if err != nil {
		c.poison()
		return err
	}
	c.result = res
	return nil
}

// Quit is best-effort: it sends COM_QUIT and always closes the transport
// afterward, swallowing any transport error encountered while sending it,
// per spec.md §4.5 and §6.
func (c *Connection) Quit() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.framer != nil {
		c.resetSeq()
		payload := []byte{comQuit}
		_ = c.framer.Send(payload) // best-effort; errors are swallowed per spec.md
	}

	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

// Close is an alias for Quit: it sends COM_QUIT best-effort then closes the
// transport, per spec.md §6's exit conditions.
func (c *Connection) Close() error {
	return c.Quit()
}

// Autocommit toggles autocommit mode via the fixed SQL text cymysql uses,
// per SPEC_FULL.md §11.
func (c *Connection) Autocommit(ctx context.Context, on bool) error {
	text := "SET AUTOCOMMIT = 0"
	if on {
		text = "SET AUTOCOMMIT = 1"
	}
	_, err := c.Query(ctx, text)
	return err
}

// Begin, Commit, and Rollback issue the fixed SQL texts cymysql uses for
// transaction control, per SPEC_FULL.md §11.
func (c *Connection) Begin(ctx context.Context) error {
	_, err := c.Query(ctx, "BEGIN")
	return err
}

func (c *Connection) Commit(ctx context.Context) error {
	_, err := c.Query(ctx, "COMMIT")
	return err
}

func (c *Connection) Rollback(ctx context.Context) error {
	_, err := c.Query(ctx, "ROLLBACK")
	return err
}

// SetCharset changes the connection's default character set by issuing
// "SET NAMES <charset>" and updating the locally tracked charset id.
func (c *Connection) SetCharset(ctx context.Context, name string) error {
	id, err := charset.IDByName(name)
	if err != nil {
		return &ProgrammingError{DatabaseError{Message: err.Error(), Err: err}}
	}
	if _, err := c.Query(ctx, "SET NAMES "+name); err != nil {
		return err
	}
	c.charsetName = name
	c.charsetID = id
	return nil
}

// CharacterSetName returns the connection's current character set name,
// reinstated from cymysql's character_set_name() per SPEC_FULL.md §11.
func (c *Connection) CharacterSetName() string {
	return c.charsetName
}

// ServerVersion returns the server version string sent during the
// handshake, reinstated from cymysql's get_server_info() per SPEC_FULL.md
// §11.
func (c *Connection) ServerVersion() string {
	return c.serverVersion
}

// ThreadID returns this connection's server-assigned thread id, reinstated
// from cymysql's thread_id() per SPEC_FULL.md §11.
func (c *Connection) ThreadID() uint32 {
	return c.threadID
}

// InTransaction reports whether the last observed server status carried
// SERVER_STATUS_IN_TRANS.
func (c *Connection) InTransaction() bool {
	return c.serverStatus&serverStatusInTrans != 0
}

// HostInfo returns the diagnostic host-info string recorded at dial time,
// per spec.md §4.1.
func (c *Connection) HostInfo() string {
	return c.hostInfo
}
