// Package wire converts JSON documents between the backend's snake_case key
// convention and the camelCase keys used by in-memory models. Translation is
// applied at the network boundary only, in both directions.
package wire

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
)

// SnakeCase converts "householdId" to "household_id".
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CamelCase converts "household_id" to "householdId". Leading underscores
// are preserved.
func CamelCase(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	upperNext := false
	leading := true
	for _, r := range s {
		if r == '_' {
			if leading {
				b.WriteRune(r)
				continue
			}
			upperNext = true
			continue
		}
		leading = false
		if upperNext {
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToSnake rewrites every object key in doc to snake_case.
func ToSnake(doc []byte) ([]byte, error) { return rewrite(doc, SnakeCase) }

// ToCamel rewrites every object key in doc to camelCase.
func ToCamel(doc []byte) ([]byte, error) { return rewrite(doc, CamelCase) }

// Marshal encodes v and converts it to the snake_case wire form.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ToSnake(b)
}

// Unmarshal converts a snake_case wire document to camelCase and decodes it
// into v.
func Unmarshal(doc []byte, v any) error {
	b, err := ToCamel(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func rewrite(doc []byte, keyFn func(string) string) ([]byte, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return doc, nil
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(convert(v, keyFn))
}

func convert(v any, keyFn func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[keyFn(k)] = convert(val, keyFn)
		}
		return out
	case []any:
		for i := range t {
			t[i] = convert(t[i], keyFn)
		}
		return t
	default:
		return v
	}
}
