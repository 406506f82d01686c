package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-jobs/internal/storage/local"
)

func TestNewCreatesMissingRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "artifacts", "nested")
	s, err := local.New(root)
	require.NoError(t, err)

	info, err := os.Stat(s.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is cleaned up")
}

func TestNewRejectsBadRoots(t *testing.T) {
	t.Parallel()

	_, err := local.New("  ")
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(file)
	require.ErrorContains(t, err, "not a directory")
}

func TestPutObjectWritesDigest(t *testing.T) {
	t.Parallel()

	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "digests/job-1.md", "text/markdown", strings.NewReader("# Digest\n"))
	require.NoError(t, err)

	want := filepath.Join(s.Root(), "digests", "job-1.md")
	assert.Equal(t, "file://"+filepath.ToSlash(want), uri)
	body, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "# Digest\n", string(body))

	// Rewrites replace the previous artifact.
	_, err = s.PutObject(context.Background(), "digests/job-1.md", "text/markdown", strings.NewReader("# Again\n"))
	require.NoError(t, err)
	body, err = os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "# Again\n", string(body))

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestPutObjectRejectsEscapes(t *testing.T) {
	t.Parallel()

	s, err := local.New(t.TempDir())
	require.NoError(t, err)

	for _, path := range []string{"", "../outside.md", "digests/../../outside.md", "."} {
		_, err := s.PutObject(context.Background(), path, "", strings.NewReader("x"))
		assert.Error(t, err, path)
	}
}
