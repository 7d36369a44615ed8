package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SessionStore persists session metadata. Mutate is the only write path after
// Create: it applies fn inside the store's per-session exclusion region, so
// concurrent chunk arrivals and the completion check-and-assemble sequence are
// serialized per session. fn returning an error discards the mutation.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
}

const metadataFile = "metadata.json"

// FSStore keeps session metadata as JSON files under root/sessions/<id>/,
// with a keyed in-process mutex providing the single-writer discipline.
type FSStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &FSStore{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

func (f *FSStore) sessionDir(id string) string {
	return filepath.Join(f.root, "sessions", id)
}

func (f *FSStore) lock(id string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[id]
	if !ok {
		l = &sync.Mutex{}
		f.locks[id] = l
	}
	return l
}

func (f *FSStore) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, id)
}

func (f *FSStore) Create(_ context.Context, s *Session) error {
	dir := f.sessionDir(s.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return f.save(dir, s)
}

// save writes metadata atomically via tmp file + rename.
func (f *FSStore) save(dir string, s *Session) error {
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFile)); err != nil {
		return fmt.Errorf("persist session metadata: %w", err)
	}
	return nil
}

func (f *FSStore) load(dir string) (*Session, error) {
	payload, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session metadata: %w", err)
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return &s, nil
}

func (f *FSStore) Get(_ context.Context, id string) (*Session, error) {
	l := f.lock(id)
	l.Lock()
	defer l.Unlock()
	return f.load(f.sessionDir(id))
}

func (f *FSStore) Mutate(_ context.Context, id string, fn func(*Session) error) (*Session, error) {
	l := f.lock(id)
	l.Lock()
	defer l.Unlock()

	dir := f.sessionDir(id)
	s, err := f.load(dir)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := f.save(dir, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *FSStore) Delete(_ context.Context, id string) error {
	l := f.lock(id)
	l.Lock()
	defer l.Unlock()
	if err := os.RemoveAll(f.sessionDir(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	f.forget(id)
	return nil
}

func (f *FSStore) List(_ context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	out := make([]*Session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := f.load(f.sessionDir(entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
