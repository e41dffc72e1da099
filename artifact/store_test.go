package artifact

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := OpenFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func TestStore_RoundTripExactBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 5000)
	payload = append(payload, 0x00, 0xff, 0x10)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			meta, err := s.Put(payload, Meta{ToolName: "fetch"})
			require.NoError(t, err)
			assert.Equal(t, ContentID(payload), meta.ID)
			assert.Equal(t, len(payload), meta.Size)
			assert.False(t, meta.CreatedAt.IsZero())

			got, err := s.Get(meta.ID)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestStore_WriteOnce(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first, err := s.Put([]byte("alpha"), Meta{ID: "notes", Summary: "first"})
			require.NoError(t, err)

			again, err := s.Put([]byte("alpha"), Meta{ID: "notes", Summary: "second"})
			require.NoError(t, err, "same id and same bytes is a no-op")
			assert.Equal(t, first, again)

			_, err = s.Put([]byte("beta"), Meta{ID: "notes"})
			assert.ErrorIs(t, err, ErrConflict)

			got, err := s.Get("notes")
			require.NoError(t, err)
			assert.Equal(t, "alpha", string(got))

			st, err := s.Stats()
			require.NoError(t, err)
			assert.Equal(t, 1, st.Count)
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Get("art_missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Nil(t, got)

			_, err = s.Stat("art_missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RejectsUnsafeIDs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"../escape", "a/b", ".hidden", "x..y"} {
				_, err := s.Put([]byte("x"), Meta{ID: id})
				assert.ErrorIs(t, err, ErrInvalidID, id)
			}
		})
	}
}

func TestStore_ListFilters(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put([]byte("a"), Meta{ToolName: "fetch", Tags: []string{"web"}, SourceURL: "https://example.com/a"})
			require.NoError(t, err)
			_, err = s.Put([]byte("b"), Meta{ToolName: "grep", SessionID: "s1"})
			require.NoError(t, err)
			_, err = s.Put([]byte("c"), Meta{ToolName: "fetch", Tags: []string{"web", "docs"}})
			require.NoError(t, err)

			all, err := s.List(Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			fetch, err := s.List(Filter{ToolName: "fetch"})
			require.NoError(t, err)
			assert.Len(t, fetch, 2)

			docs, err := s.List(Filter{Tag: "docs"})
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, ContentID([]byte("c")), docs[0].ID)

			byURL, err := s.List(Filter{SourceURL: "example.com"})
			require.NoError(t, err)
			assert.Len(t, byURL, 1)

			limited, err := s.List(Filter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			st, err := s.Stats()
			require.NoError(t, err)
			assert.Equal(t, Stats{Count: 3, TotalBytes: 3}, st)
		})
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			errs := make(chan error, 64)
			for i := 0; i < 32; i++ {
				wg.Add(2)
				go func(i int) {
					defer wg.Done()
					_, err := s.Put([]byte(fmt.Sprintf("payload-%d", i)), Meta{})
					errs <- err
				}(i)
				go func() {
					defer wg.Done()
					_, err := s.Put([]byte("shared"), Meta{ID: "shared"})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}

			st, err := s.Stats()
			require.NoError(t, err)
			assert.Equal(t, 33, st.Count)
		})
	}
}

func TestFileStore_ReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	meta, err := s.Put([]byte("persist me"), Meta{ToolName: "fetch", Tags: []string{"keep"}})
	require.NoError(t, err)

	reopened, err := OpenFileStore(dir)
	require.NoError(t, err)

	got, err := reopened.Get(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist me", string(got))

	stat, err := reopened.Stat(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.SHA256, stat.SHA256)
	assert.True(t, stat.HasTag("keep"))

	_, err = reopened.Put([]byte("different"), Meta{ID: meta.ID})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestFileStore_IndexFailureRollsBackObject(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	index := filepath.Join(dir, indexFile)
	require.NoError(t, os.Mkdir(index, 0o700))

	content := []byte("unindexed payload")
	_, err = s.Put(content, Meta{ToolName: "fetch"})
	require.Error(t, err)

	id := ContentID(content)
	_, statErr := os.Stat(s.objectPath(id))
	assert.ErrorIs(t, statErr, fs.ErrNotExist)
	_, err = s.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	entries, err := os.ReadDir(filepath.Join(dir, objectsDir))
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, os.Remove(index))
	meta, err := s.Put(content, Meta{ToolName: "fetch"})
	require.NoError(t, err)
	assert.Equal(t, id, meta.ID)
	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestMeta_Pointer(t *testing.T) {
	m := Meta{ID: "art_1", Size: 10, Summary: "ten bytes"}
	assert.Equal(t, Pointer{ID: "art_1", Size: 10, Summary: "ten bytes"}, m.Pointer())
}
