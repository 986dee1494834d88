package serializer

import gojson "github.com/goccy/go-json"

// GoJSON is a JSON serializer backed by github.com/goccy/go-json.
//
// Headers and commit payloads store the serializer name alongside their
// bytes; reading existing data selects the serializer by that name rather
// than by whatever Default currently is.
type GoJSON struct{}

// Serialize encodes the value to JSON.
func (GoJSON) Serialize(v any) ([]byte, error) { return gojson.Marshal(v) }

// Deserialize decodes the JSON data into v.
func (GoJSON) Deserialize(data []byte, v any) error { return gojson.Unmarshal(data, v) }

// Name returns the unique name of the serializer ("go-json").
func (GoJSON) Name() string { return "go-json" }

// Append encodes the value to JSON and appends it to dst.
func (GoJSON) Append(dst []byte, v any) ([]byte, error) {
	b, err := gojson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(dst, b...), nil
}
