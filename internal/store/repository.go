package store

import (
	"context"
	"errors"

	"hub/internal/types"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrWorkerNotFound  = errors.New("worker not found")
	ErrLocalWorker     = errors.New("local worker already exists")
)

// Repository is the durable source of truth for sessions and workers.
// Runtime-only state (live process handles, OS pids of remote processes)
// never goes through it.
type Repository interface {
	Sessions() SessionStore
	Workers() WorkerStore
	Close() error
}

type SessionStore interface {
	// List returns sessions ordered by position. An empty status matches all.
	List(ctx context.Context, status types.SessionStatus) ([]*types.Session, error)
	Get(ctx context.Context, id string) (*types.Session, bool, error)
	// Create assigns the next queue position and persists the session.
	Create(ctx context.Context, session *types.Session) (*types.Session, error)
	Update(ctx context.Context, session *types.Session) (*types.Session, error)
	Delete(ctx context.Context, id string) error
	SetNeedsInput(ctx context.Context, id string, needsInput bool) error
	// ActiveCountOnWorker counts sessions with status active targeting the
	// given worker.
	ActiveCountOnWorker(ctx context.Context, workerID string) (int, error)
	// QueuedOnWorker returns queued sessions targeting the worker, lowest
	// position first.
	QueuedOnWorker(ctx context.Context, workerID string) ([]*types.Session, error)
	// LatestResumable returns the most recently updated terminal session on
	// the worker with a matching working directory and a resume token.
	LatestResumable(ctx context.Context, workerID, workingDirectory string) (*types.Session, bool, error)
}

type WorkerStore interface {
	List(ctx context.Context) ([]*types.Worker, error)
	Get(ctx context.Context, id string) (*types.Worker, bool, error)
	GetLocal(ctx context.Context) (*types.Worker, bool, error)
	Create(ctx context.Context, worker *types.Worker) (*types.Worker, error)
	Update(ctx context.Context, worker *types.Worker) (*types.Worker, error)
	Delete(ctx context.Context, id string) error
}
