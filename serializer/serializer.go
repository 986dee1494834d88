// Package serializer centralizes commit-payload and header encoding.
//
// evsrc treats serializer selection as a breaking-change boundary: headers
// and commit payloads record the serializer name they were written with, so
// changing the default never strands data already on disk.
package serializer

import "fmt"

// Serializer encodes/decodes values. Implementations must be safe for
// concurrent use.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	Name() string
}

// ByName returns a built-in serializer by its stable name.
//
// Headers and commit payloads are self-describing: they store the serializer name
// alongside the bytes it produced, so a reader can always select the
// matching serializer regardless of which one is configured as Default.
func ByName(name string) (Serializer, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// MustSerialize is a helper for internal tests.
func MustSerialize(s Serializer, v any) []byte {
	if s == nil {
		s = Default
	}
	b, err := s.Serialize(v)
	if err != nil {
		panic(fmt.Errorf("serializer %s failed: %w", s.Name(), err))
	}
	return b
}
