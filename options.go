package mysqlwire

import (
	"os"
	"os/user"
	"time"

	"github.com/mysqlwire/mysqlwire/internal/charset"
)

// unixSocketCandidates are probed, in order, when Host is local and Port is
// the default 3306, per spec.md §6.
var unixSocketCandidates = []string{
	"/var/lib/mysql/mysql.sock",
	"/var/run/mysql/mysql.sock",
	"/var/run/mysql.sock",
	"/var/mysql/mysql.sock",
}

// SSLOptions configures the TLS upgrade performed after capability
// exchange, per spec.md §4.3. CA-path/cipher pinning is explicitly out of
// scope (spec.md's Non-goals).
type SSLOptions struct {
	Key  string
	Cert string
	CA   string
}

// Options is the session configuration table from spec.md §6.
type Options struct {
	Host string
	Port int

	UnixSocket string

	User   string
	Passwd string
	DB     string

	Charset string

	ClientFlags uint32

	ConnectTimeout time.Duration

	SSL *SSLOptions

	// Compress selects "zlib" or "zstd"; empty disables compression.
	Compress              string
	ZstdCompressionLevel  int

	InitCommand string
	SQLMode     string
}

// DefaultOptions returns an Options populated with spec.md §6's defaults:
// port 3306, the current OS user, utf8mb4, and a zstd level of 3.
func DefaultOptions() Options {
	o := Options{
		Port:                 3306,
		Charset:              charset.Default,
		ZstdCompressionLevel: 3,
	}
	if u, err := user.Current(); err == nil {
		o.User = u.Username
	} else if name := os.Getenv("USER"); name != "" {
		o.User = name
	}
	return o
}

// isLocalHost reports whether host names this machine for the purposes of
// the UNIX-domain-socket auto-probe in spec.md §6.
func isLocalHost(host string) bool {
	return host == "" || host == "localhost" || host == "127.0.0.1"
}

// resolveUnixSocket returns the effective UNIX-domain socket path to use,
// applying spec.md §6's auto-probe rule: only when host is local, the port
// is the default 3306, no explicit socket was given, and a candidate path
// actually exists on disk.
func resolveUnixSocket(o Options) string {
	if o.UnixSocket != "" {
		return o.UnixSocket
	}
	if !isLocalHost(o.Host) || o.Port != 3306 {
		return ""
	}
	for _, candidate := range unixSocketCandidates {
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate
		}
	}
	return ""
}
