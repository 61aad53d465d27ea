package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Canonical integers must round-trip through IEEE 754 doubles.
const (
	maxCanonicalInt = 1<<53 - 1
	minCanonicalInt = -(1<<53 - 1)
)

// MarshalCanonical produces canonical JSON for hashing and signing.
// This is the ONLY serialization used for content-addressed identity.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units
//  2. No insignificant whitespace
//  3. No HTML escaping (< > & are emitted literally)
//  4. Strings are NFC normalized
//  5. Only integers in [-(2^53)+1, (2^53)-1]; floats are an error
//
// Values that are not already generic JSON (map[string]any, []any, ...)
// are passed through encoding/json first, so struct tags are honoured.
func MarshalCanonical(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeRaw re-encodes a raw JSON document in canonical form.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	v, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeObject decodes a raw JSON object preserving integer precision.
func DecodeObject(raw []byte) (map[string]any, error) {
	v, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	return obj, nil
}

func toGeneric(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, json.Number, int, int64, []any, map[string]any:
		return v, nil
	case json.RawMessage:
		return decodeGeneric(v.(json.RawMessage))
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode %T: %w", v, err)
	}
	return decodeGeneric(raw)
}

func decodeGeneric(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON value")
	}
	return v, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeCanonicalString(buf, val)
	case json.Number:
		n, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil {
			return fmt.Errorf("non-integer number %q forbidden in canonical JSON", string(val))
		}
		return writeCanonicalInt(buf, n)
	case int:
		return writeCanonicalInt(buf, int64(val))
	case int64:
		return writeCanonicalInt(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		buf.WriteByte('{')
		for i, k := range SortedKeys(val) {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		// Typed composites nested in generic values (map[string]int64,
		// []string, structs) go through encoding/json like top-level ones.
		generic, err := toGeneric(v)
		if err != nil {
			return err
		}
		return writeCanonical(buf, generic)
	}
	return nil
}

func writeCanonicalInt(buf *bytes.Buffer, n int64) error {
	if n > maxCanonicalInt || n < minCanonicalInt {
		return fmt.Errorf("integer %d out of canonical JSON range", n)
	}
	buf.WriteString(strconv.FormatInt(n, 10))
	return nil
}

// writeCanonicalString escapes only the quote, the backslash and control
// characters. U+2028 and U+2029 are emitted literally.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	const hex = "0123456789abcdef"
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf.WriteString(`\"`)
		case c == '\\':
			buf.WriteString(`\\`)
		case c == '\b':
			buf.WriteString(`\b`)
		case c == '\f':
			buf.WriteString(`\f`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c == '\t':
			buf.WriteString(`\t`)
		case c < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hex[c>>4])
			buf.WriteByte(hex[c&0xf])
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
}

// SortedKeys returns the keys of obj in canonical order (UTF-16 code units).
// Go's string comparison uses UTF-8 bytes, which differs for astral runes.
func SortedKeys[V any](obj map[string]V) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
