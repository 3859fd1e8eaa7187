// Package charset supplies the two lookup tables spec.md treats as external
// collaborators: charset name -> numeric id (as sent in HandshakeResponse41)
// and charset id -> Go text encoding name. Only the charsets this repo's
// handshake and result-decoding paths are expected to exercise are listed;
// an unknown charset is a ProgrammingError raised before any network I/O,
// per spec.md's design note.
package charset

import "fmt"

// idByName maps a MySQL charset name to its numeric collation id, using each
// charset's default collation — the same id MySQL's own clients send in
// HandshakeResponse41's character_set byte.
var idByName = map[string]byte{
	"utf8mb4": 45, // utf8mb4_general_ci
	"utf8":    33, // utf8_general_ci
	"latin1":  8,  // latin1_swedish_ci
	"ascii":   11, // ascii_general_ci
	"binary":  63, // binary
}

// encodingByID maps a numeric collation id back to the Go encoding name used
// to decode textual column values.
var encodingByID = map[byte]string{
	45: "utf8mb4",
	33: "utf8",
	8:  "latin1",
	11: "ascii",
	63: "binary",
}

// IDByName returns the numeric collation id for a charset name.
func IDByName(name string) (byte, error) {
	id, ok := idByName[name]
	if !ok {
		return 0, fmt.Errorf("charset: unknown charset %q", name)
	}
	return id, nil
}

// EncodingByID returns the text encoding name for a numeric collation id.
func EncodingByID(id byte) (string, error) {
	enc, ok := encodingByID[id]
	if !ok {
		return "", fmt.Errorf("charset: unknown charset id %d", id)
	}
	return enc, nil
}

// Decode converts raw column bytes sent under collation id into a Go
// string guaranteed to be valid UTF-8, the encoding every row value this
// package hands back to callers is expected to be in. Only latin1 needs
// an actual transcode: its single-byte codepoints equal their Unicode
// code points one-to-one (ISO-8859-1 is a subset of Unicode by
// construction), so each byte widens directly to a rune. utf8mb4/utf8/
// ascii columns are passed through unchanged since their wire bytes are
// already valid UTF-8 (ascii being a UTF-8 subset); binary columns are
// opaque and passed through as raw bytes reinterpreted as a string.
func Decode(id byte, raw []byte) string {
	enc, err := EncodingByID(id)
	if err != nil || enc != "latin1" {
		return string(raw)
	}

	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

// Default is the charset spec.md §6 names as the default.
const Default = "utf8mb4"
