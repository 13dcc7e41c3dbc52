package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Header is a single key/value metadata entry attached to a record.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered list of metadata entries. Unlike a map, it preserves
// the order entries were added in, both through database storage and on the
// broker message.
type Headers []Header

// Get returns the value of the first header with the given key.
func (h Headers) Get(key string) (string, bool) {
	for _, hdr := range h {
		if hdr.Key == key {
			return hdr.Value, true
		}
	}
	return "", false
}

// MarshalJSON encodes the headers as a JSON object, keeping entry order.
func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, hdr := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(hdr.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(hdr.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into headers, keeping document order.
func (h *Headers) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("headers: expected JSON object, got %v", tok)
	}

	var headers Headers
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("headers: expected string key, got %v", keyTok)
		}

		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("headers: value for key %q: %w", key, err)
		}

		headers = append(headers, Header{Key: key, Value: value})
	}

	*h = headers
	return nil
}
