// Package codec provides the canonical serialization used for hashing and
// signing: deterministic JSON with sorted keys and no insignificant
// whitespace, plus the SHA-256-based hash and merkle-root helpers built on
// top of it.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Canonical marshals v into deterministic JSON: object keys sorted
// lexicographically at every nesting level, no insignificant whitespace.
// It round-trips through encoding/json twice (once to get a generic tree,
// once to re-emit it sorted) so that struct field ordering, json tags, and
// custom MarshalJSON implementations (Hash, Address, Amount, ...) are all
// honored exactly as encoding/json would render them on their own.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case json.Number:
		buf.WriteString(val.String())
		return nil

	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}

// Hash returns the SHA-256 hash of v's canonical encoding.
func Hash(v any) (types.Hash, error) {
	data, err := Canonical(v)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}

// MustHash is like Hash but panics on error. Reserved for call sites where
// the input type is known to always be canonically encodable (e.g. within
// tests or after validation has already succeeded).
func MustHash(v any) types.Hash {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
