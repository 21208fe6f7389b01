// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization so that patch, conflict and audit identifiers are
// reproducible across processes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the canonical JSON form of v.
//
// v is marshalled with encoding/json so struct tags apply, then rewritten
// with sorted keys, ES6 number formatting and minimal string escaping.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ShortID returns prefix + "-" + the first 16 hex characters of Hash(v).
func ShortID(prefix string, v any) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return prefix + "-" + h[:16], nil
}
