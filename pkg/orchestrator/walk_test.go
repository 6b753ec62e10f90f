package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkLocalFilesReturnsRelativePOSIXPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("y"), 0o644))

	files, err := walkLocalFiles(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt"}, files)
}
