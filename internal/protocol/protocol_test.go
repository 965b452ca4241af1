package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDPrefixes(t *testing.T) {
	assert.True(t, IsController("controller-abc"))
	assert.False(t, IsController("synth-abc"))
	assert.True(t, IsSynth("synth-abc"))
	assert.False(t, IsSynth("controller-abc"))

	assert.True(t, ValidID("synth-1"))
	assert.True(t, ValidID("controller-1"))
	assert.True(t, ValidID("synth-9b2d1c3a-5f60-4f4e-b1ad-0e1f2a3b4c5d"))
	assert.False(t, ValidID("synth-"))
	assert.False(t, ValidID("controller-"))
	assert.False(t, ValidID("viewer-1"))
	assert.False(t, ValidID(""))

	// Ids become store key components; separators would let one client's id
	// alias another client's key space.
	assert.False(t, ValidID("synth-a/b"))
	assert.False(t, ValidID("controller-a/../b"))
	assert.False(t, ValidID("synth-a b"))
	assert.False(t, ValidID("synth-a\n"))
}

func TestMintClientID(t *testing.T) {
	id, err := MintClientID(TypeSynth)
	require.NoError(t, err)
	assert.True(t, IsSynth(id))

	id, err = MintClientID(TypeController)
	require.NoError(t, err)
	assert.True(t, IsController(id))

	other, err := MintClientID(TypeController)
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	_, err = MintClientID("viewer")
	require.Error(t, err)
}

func TestEnvelopeKeepsSignalingPayloadOpaque(t *testing.T) {
	raw := []byte(`{"type":"offer","target":"controller-abc","data":{"sdp":"v=0...","nested":{"x":1}}}`)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, VerbOffer, env.Type)
	assert.Equal(t, "controller-abc", env.Target)
	assert.JSONEq(t, `{"sdp":"v=0...","nested":{"x":1}}`, string(env.Data))

	out := Marshal(SignalFrame{Type: env.Type, Source: "synth-a", Data: env.Data})
	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &frame))
	assert.JSONEq(t, `"synth-a"`, string(frame["source"]))
	assert.JSONEq(t, `{"sdp":"v=0...","nested":{"x":1}}`, string(frame["data"]))
	_, hasTarget := frame["target"]
	assert.False(t, hasTarget)
}

func TestActiveControllerNullLeader(t *testing.T) {
	out := Marshal(ActiveController{Type: VerbActiveController, Timestamp: 42})
	assert.JSONEq(t, `{"type":"active-controller","controllerId":null,"timestamp":42}`, string(out))
}
