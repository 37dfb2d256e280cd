package signing

import (
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Эталон: sha256(`{"correlation_id":"c1","id":"e1","name":"verdict.allow","payload":{"a":"x","b":1}}`)
const goldenEventHash = "1f608e3f04677e38436f7f6335bc3701980e950ea337ab30a1dc648b291074ee"

func TestComputeEventHashGolden(t *testing.T) {
	h, err := ComputeEventHash(map[string]any{
		"id":             "e1",
		"name":           "verdict.allow",
		"payload":        map[string]any{"b": 1, "a": "x"},
		"correlation_id": "c1",
		"received_by":    "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, goldenEventHash, hex.EncodeToString(h))
}

func TestComputeEventHashStructMatchesMap(t *testing.T) {
	h, err := ComputeEventHash(Event{
		ID:            "e1",
		Name:          "verdict.allow",
		Payload:       map[string]any{"a": "x", "b": 1},
		CorrelationID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, goldenEventHash, hex.EncodeToString(h))
}

func TestComputeEventHashDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	first := map[string]any{}
	first["id"] = "e1"
	first["source"] = "gateway"
	first["at"] = at
	first["payload"] = map[string]any{"x": []any{1, 2}, "y": nil}

	second := map[string]any{}
	second["payload"] = map[string]any{"y": nil, "x": []any{1, 2}}
	second["at"] = at
	second["source"] = "gateway"
	second["id"] = "e1"

	h1, err := ComputeEventHash(first)
	require.NoError(t, err)
	h2, err := ComputeEventHash(second)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)

	second["source"] = "console"
	h3, err := ComputeEventHash(second)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestComputeEventHashAbsentVersusEmpty(t *testing.T) {
	absent, err := ComputeEventHash(map[string]any{"id": "e1"})
	require.NoError(t, err)
	empty, err := ComputeEventHash(map[string]any{"id": "e1", "name": ""})
	require.NoError(t, err)
	assert.NotEqual(t, absent, empty)
}

func TestComputeEventHashRejectsNonObject(t *testing.T) {
	_, err := ComputeEventHash([]string{"id"})
	require.Error(t, err)
}

func TestComputeEventHashRejectsUnsafeIntegers(t *testing.T) {
	cases := map[string]any{
		"above 2^53":      map[string]any{"payload": map[string]any{"amount": json.Number("9007199254740993")}},
		"2^53":            map[string]any{"payload": map[string]any{"amount": json.Number("9007199254740992")}},
		"negative":        map[string]any{"payload": map[string]any{"amount": json.Number("-9007199254740993")}},
		"exponent form":   map[string]any{"payload": map[string]any{"amount": json.Number("1e20")}},
		"nested in array": map[string]any{"payload": []any{1, map[string]any{"n": json.Number("18446744073709551615")}}},
		"raw json":        json.RawMessage(`{"id":"e1","payload":{"amount":9007199254740993}}`),
		"top-level field": map[string]any{"id": json.Number("12345678901234567890")},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ComputeEventHash(event)
			assert.ErrorIs(t, err, ErrUnsafeInteger)
		})
	}
}

func TestComputeEventHashSafeNumbers(t *testing.T) {
	limit, err := ComputeEventHash(json.RawMessage(`{"payload":{"amount":9007199254740991}}`))
	require.NoError(t, err)
	below, err := ComputeEventHash(json.RawMessage(`{"payload":{"amount":9007199254740990}}`))
	require.NoError(t, err)
	assert.NotEqual(t, limit, below)

	_, err = ComputeEventHash(map[string]any{"payload": map[string]any{"ratio": 0.25, "count": 3}})
	assert.NoError(t, err)

	// Большие числа в неподписываемых полях не мешают
	_, err = ComputeEventHash(json.RawMessage(`{"id":"e1","received_at":9007199254740993}`))
	assert.NoError(t, err)
}
