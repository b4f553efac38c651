package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/stepflow/engine/core"
)

type codecEvent struct {
	Kind    string    `json:"kind"`
	ID      uuid.UUID `json:"id"`
	Payload string    `json:"payload"`
}

func (e codecEvent) EventType() string        { return e.Kind }
func (e codecEvent) CorrelationID() uuid.UUID { return e.ID }

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec()
	codec.Register("CodecEvent", DecodeJSON[codecEvent])

	original := codecEvent{Kind: "CodecEvent", ID: uuid.New(), Payload: "данные"}
	data, err := codec.Encode(original)
	require.NoError(t, err)

	decoded, err := codec.Decode("CodecEvent", data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	// Повторная сериализация дает идентичный payload
	again, err := codec.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestCodecUnknownType(t *testing.T) {
	codec := NewCodec()
	_, err := codec.Decode("Unknown", []byte(`{}`))
	require.Error(t, err)

	var engineErr *core.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, core.ErrDeserializationFailed, engineErr.Code)
}

func TestCodecMalformedPayload(t *testing.T) {
	codec := NewCodec()
	codec.Register("CodecEvent", DecodeJSON[codecEvent])

	_, err := codec.Decode("CodecEvent", []byte(`{not-json`))
	require.Error(t, err)

	var engineErr *core.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, core.ErrDeserializationFailed, engineErr.Code)
}

func TestCodecKnownTypes(t *testing.T) {
	codec := NewCodec()
	codec.Register("A", DecodeJSON[codecEvent])
	codec.Register("B", DecodeJSON[codecEvent])

	types := codec.KnownTypes()
	assert.ElementsMatch(t, []string{"A", "B"}, types)
}
