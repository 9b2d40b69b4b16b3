// Package canonical produces the canonical JSON form used for request
// hashing: RFC 8785 (JCS) serialization over NFC-normalized strings.
// Two payloads that are JSON-equal modulo key order, whitespace, escape
// choices, or Unicode composition hash identically.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Transform returns the canonical form of a raw JSON document.
func Transform(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	return transformValue(v)
}

// TransformValue returns the canonical form of an already-decoded value.
func TransformValue(v any) ([]byte, error) {
	return transformValue(v)
}

func transformValue(v any) ([]byte, error) {
	interim, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(interim)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical form of raw.
func Hash(raw []byte) (string, error) {
	c, err := Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// HashValue is Hash over an already-decoded value.
func HashValue(v any) (string, error) {
	c, err := transformValue(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two raw JSON documents share a canonical form.
func Equal(a, b []byte) (bool, error) {
	ca, err := Transform(a)
	if err != nil {
		return false, err
	}
	cb, err := Transform(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// normalize applies NFC to every string in the value tree, keys included.
// JCS sorts by UTF-16 code units, so composition differences would
// otherwise produce distinct canonical forms for visually identical text.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case string:
		return norm.NFC.String(t)
	default:
		return v
	}
}
