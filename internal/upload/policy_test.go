package upload

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	t.Run("full file", func(t *testing.T) {
		p, err := ParsePolicy(strings.NewReader("allowed_extensions: [.PDF, xlsx]\nmax_size_mb: 25\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{"pdf", "xlsx"}, p.AllowedExtensions)
		assert.Equal(t, int64(25*1024*1024), p.MaxSizeBytes)
	})

	t.Run("missing keys keep defaults", func(t *testing.T) {
		p, err := ParsePolicy(strings.NewReader("max_size_mb: 1\n"))
		require.NoError(t, err)
		assert.Equal(t, DefaultAllowedExtensions, p.AllowedExtensions)
		assert.Equal(t, int64(1024*1024), p.MaxSizeBytes)
	})

	t.Run("explicit empty list is kept", func(t *testing.T) {
		p, err := ParsePolicy(strings.NewReader("allowed_extensions: []\n"))
		require.NoError(t, err)
		assert.Empty(t, p.AllowedExtensions)
		assert.False(t, p.Validate(FileMeta{Name: "a.pdf", Size: 1}).Accepted)
	})

	t.Run("negative size", func(t *testing.T) {
		_, err := ParsePolicy(strings.NewReader("max_size_mb: -1\n"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := ParsePolicy(strings.NewReader("allowed_extensions: [pdf\n"))
		assert.Error(t, err)
	})
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload_policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("allowed_extensions: [doc]\n"), 0644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc"}, p.AllowedExtensions)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestPolicyStore(t *testing.T) {
	store := NewPolicyStore(DefaultPolicy())

	got := store.Get()
	got.AllowedExtensions[0] = "exe"
	assert.Equal(t, "pdf", store.Get().AllowedExtensions[0], "Get must return a copy")

	store.Set(Policy{AllowedExtensions: []string{".TXT"}, MaxSizeBytes: 5})
	assert.Equal(t, Policy{AllowedExtensions: []string{"txt"}, MaxSizeBytes: 5}, store.Get())
}
