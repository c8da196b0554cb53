package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNestedParam is returned when a params value cannot be flattened into a
// query string value.
var ErrNestedParam = errors.New("nested object params cannot be encoded in a query string")

// ErrParamsNotObject is returned by Err when params held a JSON value other
// than an object or null.
var ErrParamsNotObject = errors.New("params must be a JSON object")

// Params is an ordered mapping of parameter names to raw JSON values. Order
// follows the inbound JSON object so the query string and body that get signed
// match what the caller sent.
type Params struct {
	keys   []string
	values map[string]json.RawMessage
	// other holds a non-object value as received.
	other json.RawMessage
}

// NewParams builds Params from alternating key/value pairs. Values are
// JSON-encoded; it panics on an odd argument count.
func NewParams(kv ...any) Params {
	if len(kv)%2 != 0 {
		panic("model: NewParams needs key/value pairs")
	}
	var p Params
	for i := 0; i < len(kv); i += 2 {
		raw, err := json.Marshal(kv[i+1])
		if err != nil {
			panic(fmt.Sprintf("model: NewParams value for %v: %v", kv[i], err))
		}
		p.Set(fmt.Sprint(kv[i]), raw)
	}
	return p
}

// Set assigns a raw JSON value, keeping the original position of an existing key.
func (p *Params) Set(key string, value json.RawMessage) {
	if p.values == nil {
		p.values = make(map[string]json.RawMessage)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the raw JSON value for key.
func (p Params) Get(key string) (json.RawMessage, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Keys returns the parameter names in order.
func (p Params) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Len returns the number of parameters.
func (p Params) Len() int {
	return len(p.keys)
}

// Err reports whether the decoded value was not an object.
func (p Params) Err() error {
	if p.other != nil {
		return fmt.Errorf("%w: got %s", ErrParamsNotObject, jsonKind(p.other))
	}
	return nil
}

// UnmarshalJSON records key order of a JSON object. Null leaves Params empty.
// Any other value is kept aside and reported by Err, so a request body with
// odd params still decodes.
func (p *Params) UnmarshalJSON(data []byte) error {
	*p = Params{}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		p.other = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
		return nil
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("params: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("params: unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("params: value for %q: %w", key, err)
		}
		p.Set(key, raw)
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// MarshalJSON emits a compact JSON object in key order.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := json.Compact(&buf, p.values[k]); err != nil {
			return nil, fmt.Errorf("params: value for %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// QueryString encodes the params as key=value pairs joined by '&', in order.
// Arrays are joined with commas; nested objects are rejected.
func (p Params) QueryString() (string, error) {
	var b strings.Builder
	for i, k := range p.keys {
		v, err := queryValue(p.values[k])
		if err != nil {
			return "", fmt.Errorf("param %q: %w", k, err)
		}
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	return b.String(), nil
}

// queryValue flattens one raw JSON value into its query string form.
func queryValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return "", err
		}
		parts := make([]string, len(items))
		for i, item := range items {
			s, err := queryValue(item)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ","), nil
	case '{':
		return "", ErrNestedParam
	default:
		// numbers, booleans and null keep their literal text
		return string(raw), nil
	}
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func jsonKind(raw json.RawMessage) string {
	switch raw[0] {
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	default:
		return "number"
	}
}
