package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTemplate = `
workflow Sum {
    inputs {
        int x;
    }
    outputs {
        int y = A.out;
    }

    node A {
        call add_one;
        inputs {
            int value = x;
        }
        outputs {
            int out;
        }
    }
}
`

func writeTemplate(t *testing.T, dir, name, source string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(source), 0o600))

	return path
}

func TestLoader_List(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "sum.wirl", validTemplate)
	writeTemplate(t, dir, "other.wirl", validTemplate)
	writeTemplate(t, dir, "ignored.txt", "not a template")

	loader := NewLoader(dir)

	templates, err := loader.List()
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "other", templates[0].ID)
	assert.Equal(t, "sum", templates[1].ID)
}

func TestLoader_ListRecursive(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "reports")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	writeTemplate(t, nested, "daily.wirl", validTemplate)

	loader := NewLoader(dir)

	templates, err := loader.List()
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "daily", templates[0].ID)
}

func TestLoader_Get(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "sum.wirl", validTemplate)

	loader := NewLoader(dir)

	info, err := loader.Get("sum")
	require.NoError(t, err)
	assert.Equal(t, "sum", info.ID)

	_, err = loader.Get("missing")
	assert.True(t, IsTemplateNotFound(err))
}

func TestLoader_LoadCompilesAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "sum.wirl", validTemplate)

	loader := NewLoader(dir)

	graph, hash, err := loader.Load("sum")
	require.NoError(t, err)
	assert.Equal(t, "Sum", graph.Name)
	assert.Len(t, hash, 64)

	again, hashAgain, err := loader.Load("sum")
	require.NoError(t, err)
	assert.Same(t, graph, again)
	assert.Equal(t, hash, hashAgain)
}

func TestLoader_LoadInvalidTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "broken.wirl", "workflow Broken {")

	loader := NewLoader(dir)

	_, _, err := loader.Load("broken")
	assert.Error(t, err)
}
