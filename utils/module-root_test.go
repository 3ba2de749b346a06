package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/x\n"), 0o644))
	nested := filepath.Join(root, "internal", "jobs")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	got, err := ModuleRoot(nested)
	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestModuleRootOutsideModule(t *testing.T) {
	_, err := ModuleRoot(t.TempDir())
	assert.ErrorIs(t, err, ErrNoModuleRoot)
}
