package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirl-dev/wirlflow/pkg/wirl"
)

func TestApplyReducer_Replace(t *testing.T) {
	value, err := applyReducer(wirl.ReducerReplace, "ch", "old", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", value)

	// Idempotent under identical writes.
	again, err := applyReducer(wirl.ReducerReplace, "ch", value, "new")
	require.NoError(t, err)
	assert.Equal(t, value, again)
}

func TestApplyReducer_AppendPreservesOrder(t *testing.T) {
	value, err := applyReducer(wirl.ReducerAppend, "ch", nil, []any{1, 2})
	require.NoError(t, err)

	value, err = applyReducer(wirl.ReducerAppend, "ch", value, []any{3})
	require.NoError(t, err)

	assert.Equal(t, []any{1, 2, 3}, value)
}

func TestApplyReducer_AppendRejectsNonList(t *testing.T) {
	testCases := []struct {
		name string
		prev any
		next any
	}{
		{name: "scalar write", prev: []any{1}, next: "nope"},
		{name: "scalar prior", prev: 42, next: []any{1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := applyReducer(wirl.ReducerAppend, "ch", tc.prev, tc.next)
			require.Error(t, err)
			assert.True(t, IsReducerError(err))
		})
	}
}

func TestApplyReducer_MergeLastWriterWins(t *testing.T) {
	prev := map[string]any{"a": 1, "b": 1}
	next := map[string]any{"b": 2, "c": 2}

	value, err := applyReducer(wirl.ReducerMerge, "ch", prev, next)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 2}, value)
}

func TestApplyReducer_MergeRejectsNonObject(t *testing.T) {
	_, err := applyReducer(wirl.ReducerMerge, "ch", map[string]any{}, []any{1})
	require.Error(t, err)
	assert.True(t, IsReducerError(err))
}

func TestApplyReducer_MissingPriorIsEmpty(t *testing.T) {
	appended, err := applyReducer(wirl.ReducerAppend, "ch", nil, []any{"x"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, appended)

	merged, err := applyReducer(wirl.ReducerMerge, "ch", nil, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, merged)
}
