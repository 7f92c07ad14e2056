// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// encoding and the content-hash identifiers used by every record in the
// kernel logs. A record's id is the lowercase-hex SHA-256 of its canonical
// byte encoding with the id field itself excluded.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ID is a 256-bit content hash rendered as 64 lowercase hex characters.
type ID = string

// ZeroID is the defined zero value used as the genesis prev_commit link.
const ZeroID ID = "0000000000000000000000000000000000000000000000000000000000000000"

// Encode returns the RFC 8785 canonical JSON encoding of v.
func Encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the content hash of v's canonical encoding.
func Hash(v interface{}) (ID, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// MustHash is Hash for values that cannot fail to encode (closed structs
// with no custom marshalers). It panics on encoding failure.
func MustHash(v interface{}) ID {
	id, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return id
}

// HashBytes computes the SHA-256 hash of raw bytes as lowercase hex.
func HashBytes(data []byte) ID {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ValidID reports whether s is a well-formed content hash.
func ValidID(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
