package daemon

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"hub/internal/logging"
	"hub/internal/sshtun"
	"hub/internal/store"
	"hub/internal/types"
)

// TunnelControl is the connection-lifecycle slice of the SSH tunnel the
// registry drives.
type TunnelControl interface {
	Connect(worker *types.Worker) error
	Disconnect(workerID string) error
	IsConnected(workerID string) bool
}

// WorkerRegistry manages the pool of execution targets: the local singleton
// plus any number of remote workers. SSH credentials are validated before
// any SSH operation is attempted.
type WorkerRegistry struct {
	repo   store.Repository
	tunnel TunnelControl
	logger logging.Logger
}

func NewWorkerRegistry(repo store.Repository, tunnel TunnelControl, logger logging.Logger) *WorkerRegistry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &WorkerRegistry{repo: repo, tunnel: tunnel, logger: logger}
}

// EnsureLocalWorker provisions the local worker on first startup and keeps
// its concurrency limit in sync with configuration afterwards.
func (r *WorkerRegistry) EnsureLocalWorker(ctx context.Context, slots int) (*types.Worker, error) {
	if slots <= 0 {
		slots = 1
	}
	worker, found, err := r.repo.Workers().GetLocal(ctx)
	if err != nil {
		return nil, unavailableError("worker lookup failed", err)
	}
	if found {
		if worker.MaxConcurrentSessions != slots {
			worker.MaxConcurrentSessions = slots
			worker, err = r.repo.Workers().Update(ctx, worker)
			if err != nil {
				return nil, unavailableError("worker update failed", err)
			}
		}
		return worker, nil
	}
	now := time.Now().UTC()
	worker, err = r.repo.Workers().Create(ctx, &types.Worker{
		ID:                    uuid.NewString(),
		Type:                  types.WorkerTypeLocal,
		Name:                  "local",
		MaxConcurrentSessions: slots,
		Status:                types.WorkerStatusConnected,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	if err != nil {
		return nil, unavailableError("local worker create failed", err)
	}
	r.logger.Info("local_worker_provisioned",
		logging.F("worker_id", worker.ID), logging.F("slots", slots))
	return worker, nil
}

type CreateWorkerRequest struct {
	Name                  string `json:"name"`
	MaxConcurrentSessions int    `json:"max_concurrent_sessions,omitempty"`
	SSHHost               string `json:"ssh_host"`
	SSHUser               string `json:"ssh_user"`
	SSHKeyPath            string `json:"ssh_key_path"`
	SSHPort               int    `json:"ssh_port,omitempty"`
}

type UpdateWorkerRequest struct {
	Name                  *string `json:"name,omitempty"`
	MaxConcurrentSessions *int    `json:"max_concurrent_sessions,omitempty"`
	SSHHost               *string `json:"ssh_host,omitempty"`
	SSHUser               *string `json:"ssh_user,omitempty"`
	SSHKeyPath            *string `json:"ssh_key_path,omitempty"`
	SSHPort               *int    `json:"ssh_port,omitempty"`
}

// Create registers a remote worker and attempts its first connection. The
// worker is persisted either way; a failed connect leaves it disconnected
// and surfaces the error to the caller.
func (r *WorkerRegistry) Create(ctx context.Context, req CreateWorkerRequest) (*types.Worker, error) {
	name := strings.TrimSpace(req.Name)
	host := strings.TrimSpace(req.SSHHost)
	user := strings.TrimSpace(req.SSHUser)
	keyPath := strings.TrimSpace(req.SSHKeyPath)
	if name == "" || host == "" || user == "" || keyPath == "" {
		return nil, invalidError("name, ssh_host, ssh_user and ssh_key_path are required", nil)
	}
	if err := sshtun.ValidateKeyFile(keyPath); err != nil {
		return nil, invalidError(err.Error(), err)
	}
	slots := req.MaxConcurrentSessions
	if slots <= 0 {
		slots = 1
	}
	now := time.Now().UTC()
	worker, err := r.repo.Workers().Create(ctx, &types.Worker{
		ID:                    uuid.NewString(),
		Type:                  types.WorkerTypeRemote,
		Name:                  name,
		MaxConcurrentSessions: slots,
		SSHHost:               host,
		SSHUser:               user,
		SSHKeyPath:            keyPath,
		SSHPort:               req.SSHPort,
		Status:                types.WorkerStatusDisconnected,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	if err != nil {
		return nil, unavailableError("worker create failed", err)
	}
	return r.connectAndPersist(ctx, worker)
}

func (r *WorkerRegistry) Update(ctx context.Context, id string, req UpdateWorkerRequest) (*types.Worker, error) {
	worker, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if worker.Type == types.WorkerTypeLocal {
		if req.Name != nil || req.SSHHost != nil || req.SSHUser != nil || req.SSHKeyPath != nil || req.SSHPort != nil {
			return nil, conflictError("only the concurrency limit of the local worker can change", nil)
		}
		if req.MaxConcurrentSessions != nil && *req.MaxConcurrentSessions > 0 {
			worker.MaxConcurrentSessions = *req.MaxConcurrentSessions
		}
		updated, err := r.repo.Workers().Update(ctx, worker)
		if err != nil {
			return nil, unavailableError("worker update failed", err)
		}
		return updated, nil
	}

	sshChanged := req.SSHHost != nil || req.SSHUser != nil || req.SSHKeyPath != nil || req.SSHPort != nil
	if sshChanged {
		// Editing connection details under a running process would orphan it.
		active, err := r.repo.Sessions().ActiveCountOnWorker(ctx, id)
		if err != nil {
			return nil, unavailableError("active count failed", err)
		}
		if active > 0 {
			return nil, conflictError("worker has active sessions", nil)
		}
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		worker.Name = strings.TrimSpace(*req.Name)
	}
	if req.MaxConcurrentSessions != nil && *req.MaxConcurrentSessions > 0 {
		worker.MaxConcurrentSessions = *req.MaxConcurrentSessions
	}
	if req.SSHHost != nil {
		worker.SSHHost = strings.TrimSpace(*req.SSHHost)
	}
	if req.SSHUser != nil {
		worker.SSHUser = strings.TrimSpace(*req.SSHUser)
	}
	if req.SSHKeyPath != nil {
		worker.SSHKeyPath = strings.TrimSpace(*req.SSHKeyPath)
	}
	if req.SSHPort != nil {
		worker.SSHPort = *req.SSHPort
	}
	if sshChanged {
		if err := sshtun.ValidateKeyFile(worker.SSHKeyPath); err != nil {
			return nil, invalidError(err.Error(), err)
		}
	}
	worker, err = r.repo.Workers().Update(ctx, worker)
	if err != nil {
		return nil, unavailableError("worker update failed", err)
	}
	if !sshChanged {
		return worker, nil
	}
	return r.connectAndPersist(ctx, worker)
}

func (r *WorkerRegistry) Delete(ctx context.Context, id string) error {
	worker, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	if worker.Type == types.WorkerTypeLocal {
		return conflictError("cannot delete the local worker", nil)
	}
	active, err := r.repo.Sessions().ActiveCountOnWorker(ctx, id)
	if err != nil {
		return unavailableError("active count failed", err)
	}
	if active > 0 {
		return conflictError("worker has active sessions", nil)
	}
	_ = r.tunnel.Disconnect(id)
	if err := r.repo.Workers().Delete(ctx, id); err != nil {
		return unavailableError("worker delete failed", err)
	}
	return nil
}

func (r *WorkerRegistry) Connect(ctx context.Context, id string) (*types.Worker, error) {
	worker, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if worker.Type == types.WorkerTypeLocal {
		return worker, nil
	}
	if err := sshtun.ValidateKeyFile(worker.SSHKeyPath); err != nil {
		return nil, invalidError(err.Error(), err)
	}
	return r.connectAndPersist(ctx, worker)
}

func (r *WorkerRegistry) Disconnect(ctx context.Context, id string) (*types.Worker, error) {
	worker, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if worker.Type == types.WorkerTypeLocal {
		return nil, conflictError("cannot disconnect the local worker", nil)
	}
	_ = r.tunnel.Disconnect(id)
	worker.Status = types.WorkerStatusDisconnected
	worker, err = r.repo.Workers().Update(ctx, worker)
	if err != nil {
		return nil, unavailableError("worker update failed", err)
	}
	return worker, nil
}

func (r *WorkerRegistry) List(ctx context.Context) ([]*types.Worker, error) {
	workers, err := r.repo.Workers().List(ctx)
	if err != nil {
		return nil, unavailableError("worker list failed", err)
	}
	return workers, nil
}

func (r *WorkerRegistry) Get(ctx context.Context, id string) (*types.Worker, error) {
	return r.get(ctx, id)
}

// ReconnectAll re-establishes tunnels for persisted remote workers after a
// daemon restart. Failures just leave workers disconnected.
func (r *WorkerRegistry) ReconnectAll(ctx context.Context) {
	workers, err := r.repo.Workers().List(ctx)
	if err != nil {
		r.logger.Warn("worker_reconnect_list_failed", logging.F("error", err))
		return
	}
	for _, worker := range workers {
		if worker.Type != types.WorkerTypeRemote {
			continue
		}
		if _, err := r.connectAndPersist(ctx, worker); err != nil {
			r.logger.Warn("worker_reconnect_failed",
				logging.F("worker_id", worker.ID), logging.F("error", err))
		}
	}
}

func (r *WorkerRegistry) get(ctx context.Context, id string) (*types.Worker, error) {
	worker, found, err := r.repo.Workers().Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, unavailableError("worker lookup failed", err)
	}
	if !found {
		return nil, notFoundError("worker not found", store.ErrWorkerNotFound)
	}
	return worker, nil
}

func (r *WorkerRegistry) connectAndPersist(ctx context.Context, worker *types.Worker) (*types.Worker, error) {
	connectErr := r.tunnel.Connect(worker)
	if connectErr != nil {
		worker.Status = types.WorkerStatusDisconnected
	} else {
		worker.Status = types.WorkerStatusConnected
	}
	updated, err := r.repo.Workers().Update(ctx, worker)
	if err != nil {
		return nil, unavailableError("worker update failed", err)
	}
	if connectErr != nil {
		return updated, unavailableError("ssh connect failed", connectErr)
	}
	return updated, nil
}
