package mysqlwire

import (
	"fmt"

	"github.com/mysqlwire/mysqlwire/internal/charset"
	"github.com/mysqlwire/mysqlwire/internal/protocol"
)

// serverMoreResultsExists is the status bit a terminating EOF carries when a
// multi-statement COM_QUERY has another result set waiting, per spec.md
// §4.6.
const serverMoreResultsExists = 0x0008

// FieldDescriptor is the per-column metadata decoded from one
// column-definition packet. Only Name, Type, Flags, Charset, and
// ColumnLength influence row decoding; the rest is retained for the
// user-visible description tuple, per spec.md §3.
type FieldDescriptor struct {
	Catalog      string
	Schema       string
	Table        string
	OrigTable    string
	Name         string
	OrigName     string
	Charset      uint16
	ColumnLength uint32
	Type         byte
	Flags        uint16
	Decimals     byte
}

func parseFieldDescriptor(raw []byte) (*FieldDescriptor, error) {
	p := protocol.NewPacket(raw)

	readLenStr := func(field string) ([]byte, error) {
		s, ok, err := p.ReadLenencString()
		if err != nil {
			return nil, fmt.Errorf("mysqlwire: reading field %s: %w", field, err)
		}
		if !ok {
			return nil, nil
		}
		return s, nil
	}

	catalog, err := readLenStr("catalog")
	if err != nil {
		return nil, err
	}
	schema, err := readLenStr("schema")
	if err != nil {
		return nil, err
	}
	table, err := readLenStr("table")
	if err != nil {
		return nil, err
	}
	origTable, err := readLenStr("orig_table")
	if err != nil {
		return nil, err
	}
	name, err := readLenStr("name")
	if err != nil {
		return nil, err
	}
	origName, err := readLenStr("orig_name")
	if err != nil {
		return nil, err
	}

	if err := p.Skip(1); err != nil { // length of fixed fields, always 0x0c
		return nil, fmt.Errorf("mysqlwire: reading field fixed-length marker: %w", err)
	}
	charset, err := p.ReadFixedInt(2)
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: reading field charset: %w", err)
	}
	colLen, err := p.ReadFixedInt(4)
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: reading field column length: %w", err)
	}
	typeCode, err := p.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: reading field type: %w", err)
	}
	flags, err := p.ReadFixedInt(2)
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: reading field flags: %w", err)
	}
	decimals, err := p.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: reading field decimals: %w", err)
	}

	return &FieldDescriptor{
		Catalog:      string(catalog),
		Schema:       string(schema),
		Table:        string(table),
		OrigTable:    string(origTable),
		Name:         string(name),
		OrigName:     string(origName),
		Charset:      uint16(charset),
		ColumnLength: uint32(colLen),
		Type:         typeCode,
		Flags:        uint16(flags),
		Decimals:     decimals,
	}, nil
}

// Row is one decoded row: nil at index i means SQL NULL for column i.
type Row []*string

// Result is the active result-set state following a command that may
// produce rows, per spec.md §3. At most one Result is active on a
// Connection at a time; it borrows the Connection only for the duration of
// reading and must not outlive it.
type Result struct {
	conn *Connection

	FieldCount  uint64
	Fields      []*FieldDescriptor
	Description [][2]string // (name, type) projection, for user-visible description

	AffectedRows uint64
	InsertID     uint64
	ServerStatus uint16
	WarningCount uint16
	Message      string

	HasResult bool
	HasNext   bool

	rows    []Row
	nextRow int
	drained bool
}

// newResultFromCommand sends nothing; it reads the single response packet a
// command already triggered and classifies it as OK, ERR, or the start of a
// ResultSet, per spec.md §4.6.
func newResultFromCommand(c *Connection) (*Result, error) {
	raw, err := c.recvPacket()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, newInterfaceError("empty response packet")
	}

	kind := protocol.ClassifyFirstByte(raw[0], len(raw))
	switch kind {
	case protocol.KindOK:
		return parseOKResult(c, raw)
	case protocol.KindErr:
		return nil, parseErrPacket(raw, c.serverCapability)
	default:
		return readResultSetHeader(c, raw)
	}
}

func parseOKResult(c *Connection, raw []byte) (*Result, error) {
	p := protocol.NewPacket(raw)
	if _, err := p.ReadByte(); err != nil { // 0x00 marker
		return nil, fmt.Errorf("mysqlwire: reading OK marker: %w", err)
	}
	affected, _, err := p.ReadLenencInt()
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: reading affected_rows: %w", err)
	}
	insertID, _, err := p.ReadLenencInt()
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: reading insert_id: %w", err)
	}
	status, err := p.ReadFixedInt(2)
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: reading status: %w", err)
	}
	warnings, err := p.ReadFixedInt(2)
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: reading warning count: %w", err)
	}
	message := p.ReadRestOfPacket()

	r := &Result{
		conn:         c,
		AffectedRows: affected,
		InsertID:     insertID,
		ServerStatus: uint16(status),
		WarningCount: uint16(warnings),
		Message:      string(message),
		HasResult:    false,
		drained:      true,
	}
	c.serverStatus = r.ServerStatus
	return r, nil
}

func parseErrPacket(raw []byte, clientCapability uint32) error {
	p := protocol.NewPacket(raw)
	if _, err := p.ReadByte(); err != nil { // 0xFF marker
		return fmt.Errorf("mysqlwire: reading ERR marker: %w", err)
	}
	code, err := p.ReadFixedInt(2)
	if err != nil {
		return fmt.Errorf("mysqlwire: reading error code: %w", err)
	}
	sqlState := ""
	if p.Len() > 0 && p.Peek() == '#' {
		if _, err := p.ReadByte(); err != nil {
			return err
		}
		state, _, err := p.ReadFixedString(5)
		if err != nil {
			return fmt.Errorf("mysqlwire: reading sql state: %w", err)
		}
		sqlState = string(state)
	}
	message := p.ReadRestOfPacket()
	return errFromERRPacket(uint16(code), sqlState, string(message))
}

func readResultSetHeader(c *Connection, raw []byte) (*Result, error) {
	p := protocol.NewPacket(raw)
	fieldCount, ok, err := p.ReadLenencInt()
	if err != nil || !ok {
		return nil, fmt.Errorf("mysqlwire: reading field_count: %w", err)
	}

	r := &Result{conn: c, FieldCount: fieldCount, HasResult: true}
	r.Fields = make([]*FieldDescriptor, 0, fieldCount)
	r.Description = make([][2]string, 0, fieldCount)

	for i := uint64(0); i < fieldCount; i++ {
		colRaw, err := c.recvPacket()
		if err != nil {
			return nil, err
		}
		fd, err := parseFieldDescriptor(colRaw)
		if err != nil {
			return nil, err
		}
		r.Fields = append(r.Fields, fd)
		r.Description = append(r.Description, [2]string{fd.Name, fieldTypeName(fd.Type)})
	}

	// Column-definitions EOF.
	eofRaw, err := c.recvPacket()
	if err != nil {
		return nil, err
	}
	if protocol.ClassifyFirstByte(eofRaw[0], len(eofRaw)) != protocol.KindEOF {
		return nil, newInterfaceError("expected EOF after column definitions, got first byte 0x%02x", eofRaw[0])
	}

	if err := r.fetchAllRows(); err != nil {
		return nil, err
	}
	return r, nil
}

// fetchAllRows is the eager read_rest_rowdata_packet() path: it buffers every
// row up front until the terminating EOF, recording SERVER_MORE_RESULTS_EXISTS
// for next_result(), per spec.md §4.6.
func (r *Result) fetchAllRows() error {
	for {
		raw, err := r.conn.recvPacket()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return newInterfaceError("empty row packet")
		}
		if protocol.ClassifyFirstByte(raw[0], len(raw)) == protocol.KindEOF {
			p := protocol.NewPacket(raw)
			if _, err := p.ReadByte(); err != nil {
				return err
			}
			warnings, err := p.ReadFixedInt(2)
			if err != nil {
				return err
			}
			status, err := p.ReadFixedInt(2)
			if err != nil {
				return err
			}
			r.WarningCount = uint16(warnings)
			r.ServerStatus = uint16(status)
			r.HasNext = r.ServerStatus&serverMoreResultsExists != 0
			r.conn.serverStatus = r.ServerStatus
			r.drained = true
			return nil
		}

		row, err := decodeRow(raw, r.Fields)
		if err != nil {
			return err
		}
		r.rows = append(r.rows, row)
	}
}

// decodeRow decodes one row packet, transcoding each column's bytes through
// charset.Decode per its field descriptor's collation id so a latin1 column
// comes back as valid UTF-8 rather than raw Latin-1 bytes misread as UTF-8.
func decodeRow(raw []byte, fields []*FieldDescriptor) (Row, error) {
	p := protocol.NewPacket(raw)
	row := make(Row, len(fields))
	for i, fd := range fields {
		s, ok, err := p.ReadLenencString()
		if err != nil {
			return nil, fmt.Errorf("mysqlwire: reading row column %d: %w", i, err)
		}
		if !ok {
			row[i] = nil
			continue
		}
		val := charset.Decode(byte(fd.Charset), s)
		row[i] = &val
	}
	return row, nil
}

// Fetchone returns the next buffered row, or (nil, false) once every row has
// been consumed — the lazy fetchone() mode from spec.md §4.6, implemented
// atop the eagerly-buffered slice since this implementation always reads the
// full result set up front.
func (r *Result) Fetchone() (Row, bool) {
	if r.nextRow >= len(r.rows) {
		return nil, false
	}
	row := r.rows[r.nextRow]
	r.nextRow++
	return row, true
}

// Rows returns every buffered row at once (the eager path).
func (r *Result) Rows() []Row {
	return r.rows
}

// NextResult advances to the next result set of a multi-statement query
// without sending another command, per spec.md §4.6 and scenario S4. It
// returns false once no further result set is pending.
func (c *Connection) NextResult() (*Result, bool, error) {
	if c.result == nil || !c.result.HasNext {
		return nil, false, nil
	}
	next, err := newResultFromCommand(c)
	if err != nil {
		return nil, false, err
	}
	c.result = next
	return next, true, nil
}

// fieldTypeName maps a handful of common MySQL column type codes to a
// human-readable name for the description projection. Types outside this
// small set are rendered by their numeric code; interpreting the full type
// table is the caller's concern (spec.md's out-of-scope type-conversion
// tables).
func fieldTypeName(code byte) string {
	switch code {
	case 0x00, 0xf6:
		return "DECIMAL"
	case 0x01:
		return "TINY"
	case 0x02:
		return "SHORT"
	case 0x03:
		return "LONG"
	case 0x04:
		return "FLOAT"
	case 0x05:
		return "DOUBLE"
	case 0x06:
		return "NULL"
	case 0x07:
		return "TIMESTAMP"
	case 0x08:
		return "LONGLONG"
	case 0x09:
		return "INT24"
	case 0x0a:
		return "DATE"
	case 0x0b:
		return "TIME"
	case 0x0c:
		return "DATETIME"
	case 0x0d:
		return "YEAR"
	case 0xfc:
		return "BLOB"
	case 0xfd:
		return "VAR_STRING"
	case 0xfe:
		return "STRING"
	default:
		return fmt.Sprintf("TYPE_%d", code)
	}
}
