package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DuplicateKeyError is raised when a JSON object contains a duplicate key
// at any nesting level.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string { return fmt.Sprintf("canon: duplicate JSON key %q", e.Key) }
func (e *DuplicateKeyError) Kind() string  { return "DuplicateKey" }

// DecodeStrict parses raw JSON into a generic map[string]interface{}/
// []interface{} tree, rejecting any object that contains a duplicate key
// at any nesting level. It is the object_pairs_hook-equivalent used by
// every parser in this module that must reject key-smuggling ambiguity.
func DecodeStrict(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	// Ensure no trailing garbage after the single top-level value.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("canon: trailing data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (interface{}, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return nil, fmt.Errorf("canon: unexpected delimiter %v", t)
		}
	case string, json.Number, bool, nil:
		return t, nil
	default:
		return nil, fmt.Errorf("canon: unexpected token %v", tok)
	}
}

func decodeObject(dec *json.Decoder) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if delim, ok := tok.(json.Delim); ok && delim == '}' {
			return out, nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("canon: expected object key, got %v", tok)
		}
		if _, exists := out[key]; exists {
			return nil, &DuplicateKeyError{Key: key}
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
}

func decodeArray(dec *json.Decoder) ([]interface{}, error) {
	var out []interface{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if delim, ok := tok.(json.Delim); ok && delim == ']' {
			if out == nil {
				out = []interface{}{}
			}
			return out, nil
		}
		val, err := decodeFromToken(dec, tok)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
}
