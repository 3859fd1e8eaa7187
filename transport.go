package mysqlwire

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialTransport opens the byte transport described in spec.md §4.1: a UNIX
// domain connection when a socket path resolves, else TCP with
// TCP_NODELAY and SO_KEEPALIVE set. Connection failures are surfaced as
// OperationalError, matching the donor's dial() wrapping style.
func dialTransport(ctx context.Context, o Options) (net.Conn, string, error) {
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if sock := resolveUnixSocket(o); sock != "" {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "unix", sock)
		if err != nil {
			return nil, "", wrapOperationalError(err, "connecting to unix socket %s", sock)
		}
		return conn, fmt.Sprintf("Localhost via UNIX socket (%s)", sock), nil
	}

	host := o.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", o.Port))
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, "", wrapOperationalError(err, "connecting to %s", addr)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, fmt.Sprintf("socket %s", addr), nil
}
