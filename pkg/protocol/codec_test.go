package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "github")
	body = appendString(body, 99, "from a newer plugin")
	body = protowire.AppendTag(body, 100, protowire.VarintType)
	body = protowire.AppendVarint(body, 7)
	body = appendUint32(body, 3, 1)

	var env []byte
	env = appendMessage(env, protowire.Number(KindIdentity), body)
	env = appendString(env, 42, "unknown envelope field")

	msg, err := Unmarshal(env)
	require.NoError(t, err)

	id, ok := msg.(*Identity)
	require.True(t, ok, "expected *Identity, got %T", msg)
	assert.Equal(t, "github", id.Name)
	assert.Equal(t, uint32(1), id.Protocol)
}

func TestUnmarshalRejectsTwoMessages(t *testing.T) {
	a, err := Marshal(&Hello{ProtocolVersion: 1})
	require.NoError(t, err)
	b, err := Marshal(&PlanRequest{RunID: "x"})
	require.NoError(t, err)

	_, err = Unmarshal(append(a, b...))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestUnmarshalWrongWireType(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType) // name must be bytes
	body = protowire.AppendVarint(body, 5)

	env := appendMessage(nil, protowire.Number(KindIdentity), body)
	_, err := Unmarshal(env)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestUnmarshalRejectsOversizedProtocolVersion(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "github")
	body = protowire.AppendTag(body, 3, protowire.VarintType)
	body = protowire.AppendVarint(body, 1<<32+1)

	env := appendMessage(nil, protowire.Number(KindIdentity), body)
	_, err := Unmarshal(env)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "overflows uint32")
}

func TestMarshalIsDeterministic(t *testing.T) {
	msg := &PlanRequest{
		RunID: "r",
		Jobs: []Job{{
			JobID:      "test",
			InstanceID: "test-a-b-c",
			Matrix:     map[string]string{"z": "1", "a": "2", "m": "3"},
			Definition: map[string]any{"k1": 1.0, "k2": "v", "k3": []any{"x"}},
		}},
		Settings: map[string]any{"b": true, "a": "x"},
	}

	first, err := Marshal(msg)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(msg)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestMarshalRejectsUnencodableStruct(t *testing.T) {
	_, err := Marshal(&Identity{Name: "p", Metadata: map[string]any{"ch": make(chan int)}})
	require.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{in: "", want: StrategyReplace},
		{in: "replace", want: StrategyReplace},
		{in: "append", want: StrategyAppend},
		{in: "structural-merge", want: StrategyStructuralMerge},
		{in: "merge", want: StrategyStructuralMerge},
		{in: "overlay", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasErrors(t *testing.T) {
	assert.False(t, HasErrors(nil))
	assert.False(t, HasErrors([]Diagnostic{{Level: LevelInfo}, {Level: LevelWarning}}))
	assert.True(t, HasErrors([]Diagnostic{{Level: LevelInfo}, {Level: LevelError}}))
}

func TestLocationString(t *testing.T) {
	assert.Equal(t, "cigen.yaml", Location{File: "cigen.yaml"}.String())
	assert.Equal(t, "cigen.yaml:3", Location{File: "cigen.yaml", Line: 3}.String())
	assert.Equal(t, "cigen.yaml:3:7", Location{File: "cigen.yaml", Line: 3, Column: 7}.String())
}
