package types

import "time"

type WorkerType string

const (
	WorkerTypeLocal  WorkerType = "local"
	WorkerTypeRemote WorkerType = "remote"
)

type WorkerStatus string

const (
	WorkerStatusConnected    WorkerStatus = "connected"
	WorkerStatusDisconnected WorkerStatus = "disconnected"
)

type Worker struct {
	ID                    string       `json:"id"`
	Type                  WorkerType   `json:"type"`
	Name                  string       `json:"name"`
	MaxConcurrentSessions int          `json:"max_concurrent_sessions"`
	SSHHost               string       `json:"ssh_host,omitempty"`
	SSHUser               string       `json:"ssh_user,omitempty"`
	SSHKeyPath            string       `json:"ssh_key_path,omitempty"`
	SSHPort               int          `json:"ssh_port,omitempty"`
	Status                WorkerStatus `json:"status"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

func CloneWorker(w *Worker) *Worker {
	if w == nil {
		return nil
	}
	out := *w
	return &out
}
