package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"hub/internal/types"
)

var (
	bucketSessions = []byte("sessions")
	bucketWorkers  = []byte("workers")
)

type bboltRepository struct {
	db       *bolt.DB
	sessions SessionStore
	workers  WorkerStore
}

func NewBboltRepository(path string) (Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltRepository{
		db:       db,
		sessions: &bboltSessionStore{db: db},
		workers:  &bboltWorkerStore{db: db},
	}, nil
}

func initSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSessions, bucketWorkers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *bboltRepository) Sessions() SessionStore {
	return r.sessions
}

func (r *bboltRepository) Workers() WorkerStore {
	return r.workers
}

func (r *bboltRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type bboltSessionStore struct {
	db *bolt.DB
	mu sync.Mutex
}

func (s *bboltSessionStore) List(ctx context.Context, status types.SessionStatus) ([]*types.Session, error) {
	out := make([]*types.Session, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if status != "" && session.Status != status {
				return nil
			}
			copySession := session
			out = append(out, &copySession)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (s *bboltSessionStore) Get(ctx context.Context, id string) (*types.Session, bool, error) {
	var (
		out *types.Session
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(id))
		if len(raw) == 0 {
			return nil
		}
		var session types.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		out = &session
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

func (s *bboltSessionStore) Create(ctx context.Context, session *types.Session) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session == nil || strings.TrimSpace(session.ID) == "" {
		return nil, errors.New("session requires an id")
	}
	stored := types.CloneSession(session)
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return errors.New("sessions bucket missing")
		}
		maxPosition := 0
		if err := b.ForEach(func(k, v []byte) error {
			var existing types.Session
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Position > maxPosition {
				maxPosition = existing.Position
			}
			return nil
		}); err != nil {
			return err
		}
		stored.Position = maxPosition + 1
		raw, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return b.Put([]byte(stored.ID), raw)
	})
	if err != nil {
		return nil, err
	}
	return types.CloneSession(stored), nil
}

func (s *bboltSessionStore) Update(ctx context.Context, session *types.Session) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session == nil || strings.TrimSpace(session.ID) == "" {
		return nil, errors.New("session requires an id")
	}
	stored := types.CloneSession(session)
	stored.UpdatedAt = time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return errors.New("sessions bucket missing")
		}
		key := []byte(stored.ID)
		if b.Get(key) == nil {
			return ErrSessionNotFound
		}
		raw, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	})
	if err != nil {
		return nil, err
	}
	return types.CloneSession(stored), nil
}

func (s *bboltSessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return errors.New("sessions bucket missing")
		}
		key := []byte(id)
		if b.Get(key) == nil {
			return ErrSessionNotFound
		}
		return b.Delete(key)
	})
}

func (s *bboltSessionStore) SetNeedsInput(ctx context.Context, id string, needsInput bool) error {
	return s.mutate(id, func(session *types.Session) {
		session.NeedsInput = needsInput
	})
}

func (s *bboltSessionStore) mutate(id string, apply func(*types.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return errors.New("sessions bucket missing")
		}
		key := []byte(id)
		raw := b.Get(key)
		if raw == nil {
			return ErrSessionNotFound
		}
		var session types.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		apply(&session)
		session.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&session)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
}

func (s *bboltSessionStore) ActiveCountOnWorker(ctx context.Context, workerID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.Status == types.SessionStatusActive && session.TargetWorkerID == workerID {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *bboltSessionStore) QueuedOnWorker(ctx context.Context, workerID string) ([]*types.Session, error) {
	all, err := s.List(ctx, types.SessionStatusQueued)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Session, 0, len(all))
	for _, session := range all {
		if session.TargetWorkerID == workerID {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *bboltSessionStore) LatestResumable(ctx context.Context, workerID, workingDirectory string) (*types.Session, bool, error) {
	var latest *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.TargetWorkerID != workerID || session.WorkingDirectory != workingDirectory {
				return nil
			}
			if !session.Status.Terminal() || strings.TrimSpace(session.ResumeToken) == "" {
				return nil
			}
			if latest == nil || session.UpdatedAt.After(latest.UpdatedAt) {
				copySession := session
				latest = &copySession
			}
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return latest, latest != nil, nil
}

type bboltWorkerStore struct {
	db *bolt.DB
	mu sync.Mutex
}

func (s *bboltWorkerStore) List(ctx context.Context) ([]*types.Worker, error) {
	out := make([]*types.Worker, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			copyWorker := worker
			out = append(out, &copyWorker)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type == types.WorkerTypeLocal
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *bboltWorkerStore) Get(ctx context.Context, id string) (*types.Worker, bool, error) {
	var (
		out *types.Worker
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(id))
		if len(raw) == 0 {
			return nil
		}
		var worker types.Worker
		if err := json.Unmarshal(raw, &worker); err != nil {
			return err
		}
		out = &worker
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

func (s *bboltWorkerStore) GetLocal(ctx context.Context) (*types.Worker, bool, error) {
	workers, err := s.List(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, worker := range workers {
		if worker.Type == types.WorkerTypeLocal {
			return worker, true, nil
		}
	}
	return nil, false, nil
}

func (s *bboltWorkerStore) Create(ctx context.Context, worker *types.Worker) (*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if worker == nil || strings.TrimSpace(worker.ID) == "" {
		return nil, errors.New("worker requires an id")
	}
	if worker.Type == types.WorkerTypeLocal {
		if _, ok, err := s.GetLocal(ctx); err != nil {
			return nil, err
		} else if ok {
			return nil, ErrLocalWorker
		}
	}
	stored := types.CloneWorker(worker)
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		if b == nil {
			return errors.New("workers bucket missing")
		}
		return b.Put([]byte(stored.ID), raw)
	}); err != nil {
		return nil, err
	}
	return types.CloneWorker(stored), nil
}

func (s *bboltWorkerStore) Update(ctx context.Context, worker *types.Worker) (*types.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if worker == nil || strings.TrimSpace(worker.ID) == "" {
		return nil, errors.New("worker requires an id")
	}
	stored := types.CloneWorker(worker)
	stored.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		if b == nil {
			return errors.New("workers bucket missing")
		}
		key := []byte(stored.ID)
		if b.Get(key) == nil {
			return ErrWorkerNotFound
		}
		return b.Put(key, raw)
	}); err != nil {
		return nil, err
	}
	return types.CloneWorker(stored), nil
}

func (s *bboltWorkerStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		if b == nil {
			return errors.New("workers bucket missing")
		}
		key := []byte(id)
		if b.Get(key) == nil {
			return ErrWorkerNotFound
		}
		return b.Delete(key)
	})
}
