package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-rollout/internal/config"
)

func writeImages(t *testing.T, root, class string, names ...string) {
	t.Helper()
	dir := filepath.Join(root, class)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(class+"/"+name), 0o644))
	}
}

func newLoader(t *testing.T, root string, cacheSize int) *Loader {
	t.Helper()
	l, err := NewLoader(config.DatasetConfig{TestDir: root, Classes: []string{"cat", "dog"}}, cacheSize, nil)
	require.NoError(t, err)
	return l
}

func TestScanLimitsPerClassAndFiltersExtensions(t *testing.T) {
	root := t.TempDir()
	writeImages(t, root, "cat", "c3.jpg", "c1.jpg", "c2.jpg", "notes.txt")
	writeImages(t, root, "dog", "d1.JPG", "d2.png")

	samples, err := newLoader(t, root, 0).Scan("", 2)
	require.NoError(t, err)

	require.Len(t, samples, 3)
	assert.Equal(t, filepath.Join(root, "cat", "c1.jpg"), samples[0].Path)
	assert.Equal(t, filepath.Join(root, "cat", "c2.jpg"), samples[1].Path)
	assert.Equal(t, "dog", samples[2].Label)
}

func TestScanSkipsMissingClassDirectory(t *testing.T) {
	root := t.TempDir()
	writeImages(t, root, "dog", "d1.jpg")

	samples, err := newLoader(t, root, 0).Scan("", 0)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "dog", samples[0].Label)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := newLoader(t, filepath.Join(t.TempDir(), "absent"), 0).Scan("", 0)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReadUsesCache(t *testing.T) {
	root := t.TempDir()
	writeImages(t, root, "cat", "c1.jpg")
	path := filepath.Join(root, "cat", "c1.jpg")
	l := newLoader(t, root, 4)

	first, err := l.Read(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	second, err := l.Read(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
