package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/aiva/internal/domain"
)

var echoImpl = ExecutorFunc(func(ctx context.Context, call Call) (json.RawMessage, error) {
	return call.Args, nil
})

func readFileDescriptor() domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:         "read_file",
		Capabilities: []string{"fs:read"},
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}, "limit": {"type": "integer", "minimum": 1}},
			"required": ["path"]
		}`),
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(readFileDescriptor(), echoImpl))

	same := readFileDescriptor()
	same.InputSchema = json.RawMessage(`{"required":["path"],"type":"object","properties":{"limit":{"minimum":1,"type":"integer"},"path":{"type":"string"}}}`)
	assert.NoError(t, r.Register(same, echoImpl))

	conflicting := readFileDescriptor()
	conflicting.Capabilities = []string{"fs:write"}
	assert.ErrorIs(t, r.Register(conflicting, echoImpl), ErrConflict)

	assert.Len(t, r.Descriptors(), 1)
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	desc := readFileDescriptor()
	desc.InputSchema = json.RawMessage(`{"type":`)
	assert.Error(t, r.Register(desc, echoImpl))
	assert.Error(t, r.Register(domain.ToolDescriptor{}, echoImpl))
	assert.Error(t, r.Register(readFileDescriptor(), nil))
}

func TestSealedRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(readFileDescriptor(), echoImpl))
	r.Seal()
	assert.True(t, r.Sealed())

	err := r.Register(domain.ToolDescriptor{Name: "bash"}, echoImpl)
	assert.ErrorIs(t, err, ErrSealed)

	desc, impl, ok := r.Lookup("read_file")
	require.True(t, ok)
	assert.Equal(t, []string{"fs:read"}, desc.Capabilities)
	out, err := impl.Execute(context.Background(), Call{Args: json.RawMessage(`{"path":"a"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"a"}`, string(out))

	_, _, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestValidateArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(readFileDescriptor(), echoImpl))

	tests := []struct {
		name       string
		args       string
		missing    []string
		violations bool
	}{
		{"valid", `{"path":"notes.txt"}`, nil, false},
		{"missing", `{}`, []string{"path"}, false},
		{"empty string counts as missing", `{"path":""}`, []string{"path"}, false},
		{"null args", `null`, []string{"path"}, false},
		{"wrong type", `{"path":"a","limit":0}`, nil, true},
		{"not an object", `[1,2]`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.ValidateArgs("read_file", json.RawMessage(tt.args))
			require.NoError(t, err)
			assert.Equal(t, tt.missing, v.Missing)
			assert.Equal(t, tt.violations, len(v.Violations) > 0)
			assert.Equal(t, len(tt.missing) == 0 && !tt.violations, v.OK())
		})
	}

	_, err := r.ValidateArgs("nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"path"}, r.Required("read_file"))
}

func TestValidateResult(t *testing.T) {
	r := NewRegistry()
	desc := domain.ToolDescriptor{
		Name:         "recall",
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}},"required":["value"]}`),
	}
	require.NoError(t, r.Register(desc, echoImpl))

	assert.NoError(t, r.ValidateResult("recall", json.RawMessage(`{"value":"x"}`)))
	assert.Error(t, r.ValidateResult("recall", json.RawMessage(`{"value":3}`)))
	assert.Error(t, r.ValidateResult("recall", json.RawMessage(`not json`)))
}

func TestDescriptorsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"write_file", "bash", "list_dir"} {
		require.NoError(t, r.Register(domain.ToolDescriptor{Name: name}, echoImpl))
	}
	var names []string
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"bash", "list_dir", "write_file"}, names)
}
