package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestByName(t *testing.T) {
	s, ok := ByName("json")
	require.True(t, ok)
	assert.Equal(t, "json", s.Name())

	s, ok = ByName("go-json")
	require.True(t, ok)
	assert.Equal(t, "go-json", s.Name())

	_, ok = ByName("msgpack")
	assert.False(t, ok)
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []Serializer{JSON{}, GoJSON{}} {
		t.Run(s.Name(), func(t *testing.T) {
			in := fixture{Name: "alpha", Count: 3}
			b, err := s.Serialize(in)
			require.NoError(t, err)

			var out fixture
			require.NoError(t, s.Deserialize(b, &out))
			assert.Equal(t, in, out)
		})
	}
}
