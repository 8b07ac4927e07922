package poster

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskLoader(t *testing.T) {
	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\n0000")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "art.png"), png, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes"), []byte("plain words"), 0o600))

	l := NewDiskLoader(dir, 0)

	t.Run("reads and sniffs", func(t *testing.T) {
		files, err := l.Load(context.Background(), []string{"art.png", filepath.Join(dir, "notes")})
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "art.png", files[0].Name)
		assert.Equal(t, "image/png", files[0].MIME)
		assert.Equal(t, png, files[0].Data)
		assert.Equal(t, "text/plain; charset=utf-8", files[1].MIME)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := l.Load(context.Background(), []string{"gone.png"})
		assert.ErrorContains(t, err, "gone.png")
	})

	t.Run("size limit", func(t *testing.T) {
		_, err := NewDiskLoader(dir, 4).Load(context.Background(), []string{"art.png"})
		assert.ErrorContains(t, err, "byte limit")
	})

	t.Run("absolute path inside root", func(t *testing.T) {
		files, err := l.Load(context.Background(), []string{filepath.Join(dir, "notes")})
		require.NoError(t, err)
		assert.Equal(t, "notes", files[0].Name)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := l.Load(ctx, []string{"art.png"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDiskLoaderConfinedToRoot(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("keep out"), 0o600))

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("fine"), 0o600))
	l := NewDiskLoader(root, 0)

	for name, path := range map[string]string{
		"absolute":  secret,
		"traversal": filepath.Join("..", filepath.Base(outside), "secret.txt"),
		"etc":       "/etc/passwd",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := l.Load(context.Background(), []string{path})
			assert.ErrorIs(t, err, ErrOutsideRoot)
		})
	}

	t.Run("symlink escape", func(t *testing.T) {
		link := filepath.Join(root, "link.txt")
		if err := os.Symlink(secret, link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		_, err := l.Load(context.Background(), []string{"link.txt"})
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("inside", func(t *testing.T) {
		files, err := l.Load(context.Background(), []string{"ok.txt"})
		require.NoError(t, err)
		assert.Equal(t, []byte("fine"), files[0].Data)
	})
}
