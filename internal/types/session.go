package types

import "time"

type SessionStatus string

const (
	SessionStatusQueued    SessionStatus = "queued"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is final. Terminal sessions keep their
// resume token and may be reopened through a continue request.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

type Session struct {
	ID               string        `json:"id"`
	WorkingDirectory string        `json:"working_directory"`
	Title            string        `json:"title,omitempty"`
	Status           SessionStatus `json:"status"`
	TargetWorkerID   string        `json:"target_worker_id,omitempty"`
	PID              *int          `json:"pid,omitempty"`
	ResumeToken      string        `json:"resume_token,omitempty"`
	NeedsInput       bool          `json:"needs_input,omitempty"`
	Locked           bool          `json:"locked,omitempty"`
	Worktree         bool          `json:"worktree,omitempty"`
	Position         int           `json:"position"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func CloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.PID != nil {
		pid := *s.PID
		out.PID = &pid
	}
	return &out
}
