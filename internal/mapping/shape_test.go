package mapping

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePayload(t *testing.T, raw string) any {
	t.Helper()

	var payload any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))

	return payload
}

func TestFingerprint_IgnoresKeyOrder(t *testing.T) {
	a := decodePayload(t, `{"name": "pump", "radius": 0.1, "active": true}`)
	b := decodePayload(t, `{"active": false, "radius": 99.5, "name": "valve"}`)

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_IgnoresScalarValues(t *testing.T) {
	a := decodePayload(t, `{"id": "123", "count": 1}`)
	b := decodePayload(t, `{"id": "456", "count": 9000}`)

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_SensitiveToValueType(t *testing.T) {
	a := decodePayload(t, `{"id": "123"}`)
	b := decodePayload(t, `{"id": 123}`)

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_SensitiveToKeyRename(t *testing.T) {
	a := decodePayload(t, `{"id": "123"}`)
	b := decodePayload(t, `{"identifier": "123"}`)

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_SensitiveToAddedKey(t *testing.T) {
	a := decodePayload(t, `{"id": "123"}`)
	b := decodePayload(t, `{"id": "123", "extra": "x"}`)

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_SensitiveToNesting(t *testing.T) {
	flat := decodePayload(t, `{"type": "EQUIP"}`)
	nested := decodePayload(t, `{"meta": {"type": "EQUIP"}}`)

	assert.NotEqual(t, Fingerprint(flat), Fingerprint(nested))
}

func TestFingerprint_ArrayElementsShareWildcardPath(t *testing.T) {
	// element count and position must not matter, only element structure
	one := decodePayload(t, `{"items": [{"id": "a"}]}`)
	three := decodePayload(t, `{"items": [{"id": "a"}, {"id": "b"}, {"id": "c"}]}`)

	assert.Equal(t, Fingerprint(one), Fingerprint(three))
}

func TestFingerprint_MixedElementTypesWiden(t *testing.T) {
	uniform := decodePayload(t, `{"items": ["a", "b"]}`)
	mixed := decodePayload(t, `{"items": ["a", 1]}`)

	assert.NotEqual(t, Fingerprint(uniform), Fingerprint(mixed))
}

func TestFingerprint_EmptyArrayStillContributesToken(t *testing.T) {
	withArray := decodePayload(t, `{"items": []}`)
	withScalar := decodePayload(t, `{"items": 1}`)

	assert.NotEqual(t, Fingerprint(withArray), Fingerprint(withScalar))
}

func TestFingerprint_RootEmptyContainersDiffer(t *testing.T) {
	assert.NotEqual(t, Fingerprint([]any{}), Fingerprint(map[string]any{}))
}

func TestFingerprint_RootArrayDistinctFromObjectShape(t *testing.T) {
	element := map[string]any{"a": "x"}

	assert.NotEqual(t, Fingerprint([]any{element}), Fingerprint(element))
}

func TestFingerprint_NullDistinctFromString(t *testing.T) {
	a := decodePayload(t, `{"id": null}`)
	b := decodePayload(t, `{"id": "x"}`)

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_Deterministic(t *testing.T) {
	payload := decodePayload(t, `{"car": {"parts": [{"id": "p1", "price": 2.5}]}, "name": "sedan"}`)

	first := Fingerprint(payload)

	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Fingerprint(payload))
	}
}
