package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists job records. Like the session store, Mutate is the only
// write path after Create and runs under a per-job exclusion region, which is
// what makes the terminal transition at-most-once under racing updates.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Mutate(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Job, error)
}

const recordFile = "record.json"

// FSStore keeps one record.json per job under root/jobs/<id>/.
type FSStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "jobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	return &FSStore{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

func (f *FSStore) jobDir(id string) string {
	return filepath.Join(f.root, "jobs", id)
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

func (f *FSStore) Create(_ context.Context, j *Job) error {
	dir := f.jobDir(j.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return f.save(dir, j)
}

func (f *FSStore) save(dir string, j *Job) error {
	payload, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	tmp := filepath.Join(dir, recordFile+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write job record: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, recordFile)); err != nil {
		return fmt.Errorf("persist job record: %w", err)
	}
	return nil
}

func (f *FSStore) load(dir string) (*Job, error) {
	payload, err := os.ReadFile(filepath.Join(dir, recordFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("read job record: %w", err)
	}
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job record: %w", err)
	}
	return &j, nil
}

func (f *FSStore) Get(_ context.Context, id string) (*Job, error) {
	l := f.lock(id)
	l.Lock()
	defer l.Unlock()
	return f.load(f.jobDir(id))
}

func (f *FSStore) Mutate(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	l := f.lock(id)
	l.Lock()
	defer l.Unlock()

	dir := f.jobDir(id)
	j, err := f.load(dir)
	if err != nil {
		return nil, err
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	if err := f.save(dir, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (f *FSStore) Delete(_ context.Context, id string) error {
	l := f.lock(id)
	l.Lock()
	defer l.Unlock()
	if err := os.RemoveAll(f.jobDir(id)); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	f.mu.Lock()
	delete(f.locks, id)
	f.mu.Unlock()
	return nil
}

func (f *FSStore) List(_ context.Context) ([]*Job, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, "jobs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}
	out := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := f.load(f.jobDir(entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
