package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"hub/internal/logging"
	"hub/internal/proc"
	"hub/internal/types"
)

// shellSession is the optional secondary interactive shell a session can
// host, with an independent lifecycle from the agent process. Scrollback is
// kept in memory and mirrored to disk so a reconnecting viewer can replay
// recent output.
type shellSession struct {
	process proc.Process

	mu   sync.Mutex
	ring []byte
	cap  int
	file *os.File
}

func (s *shellSession) append(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_, _ = s.file.Write(chunk)
	}
	s.ring = append(s.ring, chunk...)
	if s.cap > 0 && len(s.ring) > s.cap {
		s.ring = s.ring[len(s.ring)-s.cap:]
	}
}

func (s *shellSession) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.ring))
	copy(out, s.ring)
	return out
}

type ShellStatusResponse struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// OpenShell starts the session's shell process if it is not already running.
// Opening twice is idempotent.
func (o *Orchestrator) OpenShell(ctx context.Context, id string) (*ShellStatusResponse, error) {
	session, err := o.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if existing := o.shells[id]; existing != nil {
		pid := existing.process.PID()
		o.mu.Unlock()
		return &ShellStatusResponse{Running: true, PID: pid}, nil
	}
	o.mu.Unlock()

	worker, err := o.resolveWorker(ctx, session.TargetWorkerID)
	if err != nil {
		return nil, err
	}
	if err := o.checkWorkerReachable(worker); err != nil {
		return nil, err
	}

	var process proc.Process
	if worker.Type == types.WorkerTypeRemote {
		process, err = o.remoteShell.Spawn(id, worker.ID, session.WorkingDirectory, nil)
	} else {
		process, err = o.local.SpawnCommand(id, session.WorkingDirectory, o.shellCommand, nil, nil)
	}
	if err != nil {
		return nil, unavailableError("shell spawn failed", err)
	}

	sh := &shellSession{
		process: process,
		cap:     o.scrollback,
		file:    o.openShellLog(id),
	}
	// Seed the ring from the persisted log so replay survives shell
	// restarts, not just client reconnects.
	if tail := o.readShellLogTail(id); len(tail) > 0 {
		sh.ring = tail
	}

	o.mu.Lock()
	if o.shells[id] != nil {
		// Lost the race to a concurrent open.
		winner := o.shells[id]
		pid := winner.process.PID()
		o.mu.Unlock()
		_ = process.Kill()
		return &ShellStatusResponse{Running: true, PID: pid}, nil
	}
	o.shells[id] = sh
	o.mu.Unlock()

	go o.shellPump(id, sh)
	o.logger.Info("shell_opened", logging.F("session_id", id), logging.F("pid", process.PID()))
	return &ShellStatusResponse{Running: true, PID: process.PID()}, nil
}

func (o *Orchestrator) CloseShell(ctx context.Context, id string) error {
	o.mu.Lock()
	sh := o.shells[id]
	o.mu.Unlock()
	if sh == nil {
		return conflictError("shell is not open", nil)
	}
	return sh.process.Kill()
}

func (o *Orchestrator) ShellStatus(ctx context.Context, id string) (*ShellStatusResponse, error) {
	if _, err := o.GetSession(ctx, id); err != nil {
		return nil, err
	}
	o.mu.Lock()
	sh := o.shells[id]
	o.mu.Unlock()
	if sh == nil {
		return &ShellStatusResponse{Running: false}, nil
	}
	return &ShellStatusResponse{Running: true, PID: sh.process.PID()}, nil
}

// SendShellInput writes raw bytes to the shell process.
func (o *Orchestrator) SendShellInput(ctx context.Context, id string, data []byte) error {
	o.mu.Lock()
	sh := o.shells[id]
	o.mu.Unlock()
	if sh == nil {
		return conflictError("shell is not open", nil)
	}
	if err := sh.process.Write(data); err != nil {
		return unavailableError("shell write failed", err)
	}
	return nil
}

func (o *Orchestrator) ResizeShell(ctx context.Context, id string, cols, rows uint16) error {
	o.mu.Lock()
	sh := o.shells[id]
	o.mu.Unlock()
	if sh == nil {
		return nil
	}
	return sh.process.Resize(cols, rows)
}

// ShellScrollback returns the replay buffer for a session's shell channel:
// the live ring when the shell is running, the persisted tail otherwise.
func (o *Orchestrator) ShellScrollback(id string) []byte {
	o.mu.Lock()
	sh := o.shells[id]
	o.mu.Unlock()
	if sh != nil {
		return sh.snapshot()
	}
	return o.readShellLogTail(id)
}

func (o *Orchestrator) shellPump(id string, sh *shellSession) {
	for chunk := range sh.process.Data() {
		sh.append(chunk)
		o.sink.Output(id, types.ChannelShell, chunk)
	}
	exit := <-sh.process.Exit()
	o.mu.Lock()
	if o.shells[id] == sh {
		delete(o.shells, id)
	}
	o.mu.Unlock()
	if sh.file != nil {
		_ = sh.file.Close()
	}
	o.logger.Info("shell_exited", logging.F("session_id", id), logging.F("code", exit.Code))
}

func (o *Orchestrator) closeShellRuntime(id string) {
	o.mu.Lock()
	sh := o.shells[id]
	o.mu.Unlock()
	if sh != nil {
		_ = sh.process.Kill()
	}
}

func (o *Orchestrator) shellLogPath(id string) string {
	if o.sessionsDir == "" {
		return ""
	}
	return filepath.Join(o.sessionsDir, id, "shell.log")
}

func (o *Orchestrator) openShellLog(id string) *os.File {
	path := o.shellLogPath(id)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		o.logger.Warn("shell_log_dir_failed", logging.F("session_id", id), logging.F("error", err))
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		o.logger.Warn("shell_log_open_failed", logging.F("session_id", id), logging.F("error", err))
		return nil
	}
	return f
}

func (o *Orchestrator) readShellLogTail(id string) []byte {
	path := o.shellLogPath(id)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if o.scrollback > 0 && len(data) > o.scrollback {
		data = data[len(data)-o.scrollback:]
	}
	return data
}
