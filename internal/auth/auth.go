// Package auth implements the MySQL client authentication plugins named in
// spec.md §4.4: mysql_native_password, caching_sha2_password (including its
// full-authentication RSA sub-protocol), and mysql_clear_password.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Plugin names as sent on the wire.
const (
	Native      = "mysql_native_password"
	CachingSHA2 = "caching_sha2_password"
	ClearText   = "mysql_clear_password"
)

// Supported reports whether this package can compute a scramble for the
// named plugin. Any other plugin is a NotSupportedError per spec.md §7.
func Supported(plugin string) bool {
	switch plugin {
	case Native, CachingSHA2, ClearText:
		return true
	default:
		return false
	}
}

// xorBytes XORs a with b, cyclically repeating the shorter operand, per
// spec.md's "pads the shorter operand by cyclic repetition" note.
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

// ScrambleNative computes the mysql_native_password response:
// SHA1(password) XOR SHA1(salt || SHA1(SHA1(password))). An empty password
// yields an empty response.
func ScrambleNative(password string, salt []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h1 := sha1.Sum([]byte(password)) //nolint:gosec
	h2 := sha1.Sum(h1[:])            //nolint:gosec
	h := sha1.New()                  //nolint:gosec
	h.Write(salt)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	return xorBytes(h1[:], h3)
}

// ScrambleCachingSHA2 computes the caching_sha2_password first-exchange
// response: SHA256(password) XOR SHA256(SHA256(SHA256(password)) || salt).
func ScrambleCachingSHA2(password string, salt []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h1 := sha256.Sum256([]byte(password))
	h2 := sha256.Sum256(h1[:])
	h := sha256.New()
	h.Write(h2[:])
	h.Write(salt)
	h3 := h.Sum(nil)
	return xorBytes(h1[:], h3)
}

// ClearPassword returns the mysql_clear_password response: the UTF-8
// password followed by a NUL byte.
func ClearPassword(password string) []byte {
	out := make([]byte, len(password)+1)
	copy(out, password)
	return out
}

// Caching-sha2 continuation status bytes, per spec.md §4.4.
const (
	StatusFastAuthSuccess = 0x03
	StatusPerformFullAuth = 0x04

	requestPublicKeyByte byte = 0x02
)

// FullAuthCleartext builds the plaintext password+NUL payload sent in lieu
// of RSA encryption when the transport is already secure (TLS or a UNIX
// domain socket), per spec.md's caching-sha2 full-authentication branch.
func FullAuthCleartext(password string) []byte {
	return ClearPassword(password)
}

// EncryptFullAuthPassword XOR-encodes password+NUL against salt and encrypts
// the result with the server's RSA public key using RSA-OAEP with a SHA-1
// mask generation function, matching MySQL's use of PKCS#1 v2 OAEP with
// SHA-1 (spec.md §4.4).
func EncryptFullAuthPassword(password string, salt []byte, pemKey []byte) ([]byte, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("auth: server public key is not valid PEM")
	}
	pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing server public key: %w", err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: server public key is not RSA")
	}

	plain := xorBytes(append([]byte(password), 0), salt)
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plain, nil) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("auth: RSA-OAEP encrypt: %w", err)
	}
	return ciphertext, nil
}

// RequestPublicKeyByte is the single byte the client sends to ask the server
// for its RSA public key during caching-sha2 full authentication.
func RequestPublicKeyByte() []byte {
	return []byte{requestPublicKeyByte}
}
