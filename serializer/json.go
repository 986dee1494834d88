package serializer

import "encoding/json"

// JSON is the standard-library JSON serializer.
//
// It is the most portable, lowest-dependency option and is kept as a
// fallback target for ByName even though GoJSON is the default.
type JSON struct{}

// Serialize encodes the value to JSON.
func (JSON) Serialize(v any) ([]byte, error) { return json.Marshal(v) }

// Deserialize decodes the JSON data into v.
func (JSON) Deserialize(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the serializer ("json").
func (JSON) Name() string { return "json" }

// Default is the default serializer used when no Option overrides it.
//
// NOTE: this affects only newly written headers and commit payloads.
// Existing persisted data is self-describing and is opened by selecting
// the serializer named in it, not by Default.
var Default Serializer = GoJSON{}
