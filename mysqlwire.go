// Package mysqlwire implements the core of a MySQL client/server wire
// protocol client: framed packet transport with optional zlib/zstd
// compression, the HandshakeV10 connection phase with pluggable
// authentication (mysql_native_password, caching_sha2_password,
// mysql_clear_password), COM_QUERY/COM_PING/COM_QUIT/COM_PROCESS_KILL
// command dispatch, and a result-set reader supporting lazy and eager row
// consumption.
//
// The package does not implement a user-facing cursor API, SQL value
// escaping, prepared statements, or DSN parsing beyond the programmatic
// Options struct — those are left to callers, per the scope this library
// targets.
package mysqlwire

import "context"

// Open is a convenience wrapper around Connect using DefaultOptions()
// merged with the given host, user, password, and database, for callers
// that don't need the full Options table.
func Open(ctx context.Context, host, user, passwd, db string) (*Connection, error) {
	o := DefaultOptions()
	o.Host = host
	o.User = user
	o.Passwd = passwd
	o.DB = db
	return Connect(ctx, o)
}
