// Package canonical produces a deterministic byte encoding for arbitrary
// Go values and the content-addressed identifier derived from it.
//
// Determinism requirements: object keys sorted lexicographically, no
// insignificant whitespace, integers unquoted and without exponent
// notation, unicode preserved rather than escaped, NaN/Inf forbidden.
// encoding/json already sorts map[string]any keys and omits whitespace
// with a compact encoder, but it escapes unicode and renders some integer
// types inconsistently depending on how they arrived (float64 from a prior
// json.Unmarshal vs. int64 from Go code), so Marshal normalizes the value
// into a key-sorted, type-stable intermediate form before handing it to
// json.Marshal.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ID is a lowercase hex-encoded SHA-256 digest.
type ID string

// Marshal produces the canonical byte encoding of v.
func Marshal(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: normalize: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}

	// json.Encoder.Encode appends a trailing newline; canonical bytes must
	// be exact.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the lowercase hex SHA-256 digest of b.
func Hash(b []byte) ID {
	sum := sha256.Sum256(b)
	return ID(hex.EncodeToString(sum[:]))
}

// MarshalAndHash is a convenience for Hash(Marshal(v)).
func MarshalAndHash(v any) (ID, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// normalize walks v, converting it into a form where encoding/json's
// default map/slice handling is already canonical: sorted map keys (via
// sortedMap), no floating-point surprises, and NaN/Inf rejected outright.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	return normalizeGeneric(generic)
}

func normalizeGeneric(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := sortedMap{keys: keys, values: make(map[string]any, len(val))}
		for _, k := range keys {
			nv, err := normalizeGeneric(val[k])
			if err != nil {
				return nil, err
			}
			out.values[k] = nv
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			nv, err := normalizeGeneric(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil

	case json.Number:
		return normalizeNumber(val)

	default:
		return val, nil
	}
}

func normalizeNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("canonical: invalid number %q: %w", n.String(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canonical: NaN/Inf not representable: %v", f)
	}
	return f, nil
}

// sortedMap marshals to JSON with its keys in the fixed order captured at
// normalization time, regardless of what encoding/json's own map-key
// sorting would otherwise produce — kept explicit so the ordering is a
// property of this package, not an implementation detail of the standard
// library map encoder.
type sortedMap struct {
	keys   []string
	values map[string]any
}

func (m sortedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
