package callable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(ctx context.Context, inputs map[string]any, config map[string]any) (map[string]any, error) {
	return map[string]any{"out": inputs["in"]}, nil
}

func TestRegistry_Resolve(t *testing.T) {
	registry := NewRegistry()
	registry.Register("demo", "echo", echo)

	fn, err := registry.Resolve("demo", "echo")
	require.NoError(t, err)

	outputs, err := fn(context.Background(), map[string]any{"in": 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, outputs["out"])
}

func TestRegistry_MissingCallable(t *testing.T) {
	registry := NewRegistry()
	registry.Register("demo", "echo", echo)

	testCases := []struct {
		name   string
		module string
		fn     string
	}{
		{name: "unknown module", module: "nope", fn: "echo"},
		{name: "unknown function", module: "demo", fn: "nope"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.Resolve(tc.module, tc.fn)
			require.Error(t, err)
			assert.True(t, IsMissingCallable(err))
		})
	}
}

func TestRegistry_SchemaValidation(t *testing.T) {
	registry := NewRegistry()

	schema := map[string]any{
		"type":     "object",
		"required": []any{"in"},
		"properties": map[string]any{
			"in": map[string]any{"type": "number"},
		},
	}

	require.NoError(t, registry.RegisterWithSchema("demo", "echo", echo, schema))

	fn, err := registry.Resolve("demo", "echo")
	require.NoError(t, err)

	outputs, err := fn(context.Background(), map[string]any{"in": 7.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7.0, outputs["out"])

	_, err = fn(context.Background(), map[string]any{"in": "not a number"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid inputs")

	_, err = fn(context.Background(), map[string]any{}, nil)
	require.Error(t, err)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	registry := NewRegistry()
	registry.Register("demo", "fn", echo)
	registry.Register("demo", "fn", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		return map[string]any{"out": "replaced"}, nil
	})

	fn, err := registry.Resolve("demo", "fn")
	require.NoError(t, err)

	outputs, err := fn(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "replaced", outputs["out"])
}
