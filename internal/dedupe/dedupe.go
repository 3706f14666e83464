// Copyright 2025 James Ross

// Package dedupe computes the deterministic fingerprint used to collapse
// logically identical task submissions (spec.md §4.3, C3).
package dedupe

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Key returns the 64-char lowercase hex SHA-256 of the canonical JSON form
// of {"type": name, "params": params}. Identical inputs always produce
// identical keys; this function is pure.
func Key(typeName string, params any) (string, error) {
	canon, err := canonicalize(map[string]any{"type": typeName, "params": params})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize renders v as minimal JSON with every object's keys sorted
// lexicographically at every depth and no insignificant whitespace.
func canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	case string:
		return encodeString(buf, val)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case float64:
		return encodeNumber(buf, val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			fmt.Fprintf(buf, "%d", i)
			return nil
		}
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("dedupe: invalid number %q: %w", val.String(), err)
		}
		return encodeNumber(buf, f)
	default:
		// Fall back through encoding/json for arbitrary struct/map inputs so
		// callers can pass typed params, not just decoded JSON.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("dedupe: marshal %T: %w", v, err)
		}
		var generic any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("dedupe: decode canonical form: %w", err)
		}
		return encode(buf, generic)
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, e := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, e); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(raw)
	return nil
}

func encodeNumber(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("dedupe: non-finite number %v is not valid JSON", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		fmt.Fprintf(buf, "%d", int64(f))
		return nil
	}
	fmt.Fprintf(buf, "%s", strconvFormat(f))
	return nil
}

func strconvFormat(f float64) string {
	// Minimal round-trippable form, matching encoding/json's own float
	// formatting so canonical output stays stable across Go versions.
	b, _ := json.Marshal(f)
	return string(b)
}
