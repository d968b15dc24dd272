package blobstore

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "uploads"), filepath.Join(dir, "images.db"), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreWritesBlobAndIndexRow(t *testing.T) {
	store := newTestStore(t, 0)

	data := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A}
	path, err := store.Store("alice", "cat.png", data)
	require.NoError(t, err)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
	assert.True(t, strings.HasSuffix(path, "cat.png"), "stored name keeps the original filename: %s", path)

	images, err := store.List(10)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "cat.png", images[0].Filename)
	assert.Equal(t, path, images[0].StoredPath)
	assert.Equal(t, int64(len(data)), images[0].Size)
	assert.Equal(t, "alice", images[0].Sender)
	assert.False(t, images[0].ReceivedAt.IsZero())
}

func TestStoreRejectsOversizedBlob(t *testing.T) {
	store := newTestStore(t, 8)

	_, err := store.Store("alice", "big.png", make([]byte, 9))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlobTooLarge)

	images, err := store.List(10)
	require.NoError(t, err)
	assert.Empty(t, images, "rejected blob leaves no index row")
}

func TestStoreAtLimitSucceeds(t *testing.T) {
	store := newTestStore(t, 8)

	_, err := store.Store("alice", "ok.png", make([]byte, 8))
	assert.NoError(t, err)
}

func TestStoreSameFilenameNeverCollides(t *testing.T) {
	store := newTestStore(t, 0)

	pathA, err := store.Store("alice", "photo.jpg", []byte("aaaa"))
	require.NoError(t, err)
	pathB, err := store.Store("bob", "photo.jpg", []byte("bbbb"))
	require.NoError(t, err)

	assert.NotEqual(t, pathA, pathB)

	a, _ := os.ReadFile(pathA)
	b, _ := os.ReadFile(pathB)
	assert.Equal(t, []byte("aaaa"), a)
	assert.Equal(t, []byte("bbbb"), b)
}

func TestStoreConcurrentUploads(t *testing.T) {
	store := newTestStore(t, 0)

	const uploads = 20
	var wg sync.WaitGroup
	errs := make(chan error, uploads)

	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Store("stress", "shot.png", []byte("payload"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	images, err := store.List(uploads * 2)
	require.NoError(t, err)
	assert.Len(t, images, uploads)
}

func TestIndexFailureDoesNotFailUpload(t *testing.T) {
	store := newTestStore(t, 0)

	// Kill the index out from under the store; the blob write itself
	// must still succeed so the sender is not told their image was lost
	require.NoError(t, store.db.Close())

	path, err := store.Store("alice", "cat.png", []byte("bytes"))
	require.NoError(t, err)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), onDisk)
}

func TestStoreSanitizesHostileFilenames(t *testing.T) {
	store := newTestStore(t, 0)
	uploadDir := store.dir

	tests := []struct {
		name     string
		filename string
	}{
		{"path traversal", "../../etc/passwd"},
		{"absolute path", "/etc/shadow"},
		{"bare dots", ".."},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := store.Store("mallory", tt.filename, []byte("x"))
			require.NoError(t, err)

			// The blob always lands inside the upload directory
			rel, err := filepath.Rel(uploadDir, path)
			require.NoError(t, err)
			assert.False(t, strings.HasPrefix(rel, ".."), "escaped upload dir: %s", path)
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "cat.png", sanitizeFilename("cat.png"))
	assert.Equal(t, "passwd", sanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "shadow", sanitizeFilename("/etc/shadow"))
	assert.Equal(t, "unnamed", sanitizeFilename(""))
	assert.Equal(t, "unnamed", sanitizeFilename(".."))
	assert.Equal(t, "unnamed", sanitizeFilename("."))
}

func TestListLimitAndOrder(t *testing.T) {
	store := newTestStore(t, 0)

	for _, name := range []string{"first.png", "second.png", "third.png"} {
		_, err := store.Store("alice", name, []byte("x"))
		require.NoError(t, err)
	}

	images, err := store.List(2)
	require.NoError(t, err)
	require.Len(t, images, 2)

	// Newest first
	assert.Equal(t, "third.png", images[0].Filename)
	assert.Equal(t, "second.png", images[1].Filename)
}
