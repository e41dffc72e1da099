package artifact

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	objectsDir = "objects"
	indexFile  = "index.jsonl"

	// maxIndexLine bounds a single metadata line in the index.
	maxIndexLine = 1 << 20
)

// FileStore keeps payloads as files under dir/objects and appends one JSON
// metadata line per artifact to dir/index.jsonl.
type FileStore struct {
	dir   string
	index map[string]Meta
	order []string
	mu    sync.RWMutex
	now   func() time.Time
}

// OpenFileStore opens (or creates) a store rooted at dir and rebuilds the
// in-memory index from index.jsonl.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, objectsDir), 0o700); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	s := &FileStore{
		dir:   dir,
		index: make(map[string]Meta),
		now:   time.Now,
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) loadIndex() error {
	f, err := os.Open(filepath.Join(s.dir, indexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening artifact index: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxIndexLine)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m Meta
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return fmt.Errorf("artifact index line %d: %w", line, err)
		}
		if _, seen := s.index[m.ID]; !seen {
			s.order = append(s.order, m.ID)
		}
		s.index[m.ID] = m
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading artifact index: %w", err)
	}
	return nil
}

func (s *FileStore) objectPath(id string) string {
	return filepath.Join(s.dir, objectsDir, id)
}

// Put writes the payload to a temp file, renames it into place, then appends
// the metadata line. Writers are serialized; readers never see a partial
// payload.
func (s *FileStore) Put(content []byte, meta Meta) (Meta, error) {
	prepared, err := prepare(content, meta, s.now())
	if err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.index[prepared.ID]; ok {
		return reconcile(existing, prepared)
	}

	line, err := json.Marshal(prepared)
	if err != nil {
		return Meta{}, fmt.Errorf("encoding artifact metadata: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dir, objectsDir), ".tmp-"+prepared.ID+"-*")
	if err != nil {
		return Meta{}, fmt.Errorf("creating artifact temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Meta{}, fmt.Errorf("writing artifact %s: %w", prepared.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Meta{}, fmt.Errorf("closing artifact %s: %w", prepared.ID, err)
	}
	if err := os.Rename(tmpName, s.objectPath(prepared.ID)); err != nil {
		os.Remove(tmpName)
		return Meta{}, fmt.Errorf("committing artifact %s: %w", prepared.ID, err)
	}

	// No object may stay committed without its index line.
	if err := s.appendIndex(line); err != nil {
		os.Remove(s.objectPath(prepared.ID))
		return Meta{}, err
	}

	s.index[prepared.ID] = prepared
	s.order = append(s.order, prepared.ID)
	return prepared, nil
}

func (s *FileStore) appendIndex(line []byte) error {
	idx, err := os.OpenFile(filepath.Join(s.dir, indexFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening artifact index: %w", err)
	}
	if _, err := idx.Write(append(line, '\n')); err != nil {
		idx.Close()
		return fmt.Errorf("appending artifact index: %w", err)
	}
	if err := idx.Close(); err != nil {
		return fmt.Errorf("closing artifact index: %w", err)
	}
	return nil
}

// Get reads the payload for id.
func (s *FileStore) Get(id string) ([]byte, error) {
	s.mu.RLock()
	_, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	data, err := os.ReadFile(s.objectPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (payload missing)", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading artifact %s: %w", id, err)
	}
	return data, nil
}

// Stat returns the metadata for id.
func (s *FileStore) Stat(id string) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// List returns matching artifacts in write order.
func (s *FileStore) List(filter Filter) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Meta, 0, len(s.order))
	for _, id := range s.order {
		if m := s.index[id]; filter.matches(m) {
			out = append(out, m)
		}
	}
	return applyLimit(out, filter.Limit), nil
}

// Stats returns the artifact count and total payload size.
func (s *FileStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Count: len(s.index)}
	for _, m := range s.index {
		st.TotalBytes += m.Size
	}
	return st, nil
}
