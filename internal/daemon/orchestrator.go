package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hub/internal/logging"
	"hub/internal/proc"
	"hub/internal/store"
	"hub/internal/types"
)

// LocalBackend spawns PTY-backed processes on the hub's own machine.
type LocalBackend interface {
	Spawn(sessionID, workingDirectory string, args, extraEnv []string) (proc.Process, error)
	SpawnCommand(sessionID, workingDirectory, command string, args, extraEnv []string) (proc.Process, error)
}

// RemoteBackend spawns processes on a remote worker over its SSH connection.
type RemoteBackend interface {
	Spawn(sessionID, workerID, workingDirectory string, args []string) (proc.Process, error)
}

// WorkerLink is the slice of the SSH tunnel the orchestrator needs: liveness
// checks before admission and one-shot commands for directory bootstrap.
type WorkerLink interface {
	IsConnected(workerID string) bool
	Exec(ctx context.Context, workerID, command string) (string, error)
}

// EventSink receives everything the orchestrator publishes: raw terminal
// output per channel and the session state-change envelopes.
type EventSink interface {
	Broadcast(event types.StreamEvent)
	Output(sessionID string, channel types.ChannelKind, chunk []byte)
}

type OrchestratorOptions struct {
	Repo          store.Repository
	Local         LocalBackend
	Remote        RemoteBackend
	RemoteShell   RemoteBackend
	Link          WorkerLink
	Sink          EventSink
	Logger        logging.Logger
	KillGrace     time.Duration
	SessionsDir   string
	CallbackURL   string
	ShellCommand  string
	Scrollback    int
	NewClassifier func() proc.OutputClassifier
}

// Orchestrator owns session records and their state machine. All transitions
// for a session are serialized through its mutex, and exit events are the
// only writer of terminal state: Kill just requests termination and lets the
// resulting exit perform the transition.
type Orchestrator struct {
	repo          store.Repository
	local         LocalBackend
	remote        RemoteBackend
	remoteShell   RemoteBackend
	link          WorkerLink
	sink          EventSink
	logger        logging.Logger
	killGrace     time.Duration
	sessionsDir   string
	callbackURL   string
	shellCommand  string
	scrollback    int
	newClassifier func() proc.OutputClassifier

	mu      sync.Mutex
	running map[string]*runningSession
	// pending counts spawns in flight per worker so concurrent creates
	// cannot both pass the admission check while neither is active yet.
	pending map[string]int
	shells  map[string]*shellSession
}

type runningSession struct {
	process    proc.Process
	workerID   string
	classifier proc.OutputClassifier
	logFile    *os.File

	needsInput bool
	lastInput  time.Time
	forceTimer *time.Timer
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	killGrace := opts.KillGrace
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Orchestrator{
		repo:          opts.Repo,
		local:         opts.Local,
		remote:        opts.Remote,
		remoteShell:   opts.RemoteShell,
		link:          opts.Link,
		sink:          opts.Sink,
		logger:        logger,
		killGrace:     killGrace,
		sessionsDir:   opts.SessionsDir,
		callbackURL:   opts.CallbackURL,
		shellCommand:  opts.ShellCommand,
		scrollback:    opts.Scrollback,
		newClassifier: opts.NewClassifier,
		running:       make(map[string]*runningSession),
		pending:       make(map[string]int),
		shells:        make(map[string]*shellSession),
	}
}

type CreateSessionRequest struct {
	WorkingDirectory string `json:"working_directory"`
	Title            string `json:"title,omitempty"`
	TargetWorkerID   string `json:"target_worker_id,omitempty"`
	Worktree         bool   `json:"worktree,omitempty"`
	StartFresh       bool   `json:"start_fresh,omitempty"`
}

// CreateSession creates a new session, or reopens a prior one on the same
// worker and working directory when it left a resume token behind. The
// continued flag tells the caller which of the two happened.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateSessionRequest) (session *types.Session, continued bool, err error) {
	workingDirectory := strings.TrimSpace(req.WorkingDirectory)
	if workingDirectory == "" {
		return nil, false, invalidError("working_directory is required", nil)
	}
	if !filepath.IsAbs(workingDirectory) {
		return nil, false, invalidError("working_directory must be absolute", nil)
	}

	worker, err := o.resolveWorker(ctx, req.TargetWorkerID)
	if err != nil {
		return nil, false, err
	}
	if err := o.checkWorkerReachable(worker); err != nil {
		return nil, false, err
	}

	if !req.StartFresh {
		// Reopen semantics: an already running session for the same spot is
		// returned as-is, and a finished one with a resume token is
		// continued instead of starting over.
		if existing := o.activeSessionAt(ctx, worker.ID, workingDirectory); existing != nil {
			return existing, true, nil
		}
		prior, found, err := o.repo.Sessions().LatestResumable(ctx, worker.ID, workingDirectory)
		if err != nil {
			return nil, false, unavailableError("session lookup failed", err)
		}
		if found {
			resumed, err := o.ContinueSession(ctx, prior.ID)
			if err != nil {
				return nil, false, err
			}
			return resumed, true, nil
		}
	}

	id := uuid.NewString()
	if req.Worktree {
		workingDirectory, err = o.ensureWorktree(ctx, worker, workingDirectory, id)
		if err != nil {
			return nil, false, err
		}
	}
	now := time.Now().UTC()
	created, err := o.repo.Sessions().Create(ctx, &types.Session{
		ID:               id,
		WorkingDirectory: workingDirectory,
		Title:            strings.TrimSpace(req.Title),
		Status:           types.SessionStatusQueued,
		TargetWorkerID:   worker.ID,
		Worktree:         req.Worktree,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return nil, false, unavailableError("session create failed", err)
	}
	o.logger.Info("session_created",
		logging.F("session_id", created.ID),
		logging.F("worker_id", worker.ID),
		logging.F("cwd", workingDirectory),
	)

	admitted, err := o.admit(ctx, created, worker, nil)
	if err != nil {
		return nil, false, err
	}
	return admitted, false, nil
}

// ContinueSession re-admits a finished session so the wrapped CLI resumes
// the same conversation via its resume token.
func (o *Orchestrator) ContinueSession(ctx context.Context, id string) (*types.Session, error) {
	session, found, err := o.repo.Sessions().Get(ctx, id)
	if err != nil {
		return nil, unavailableError("session lookup failed", err)
	}
	if !found {
		return nil, notFoundError("session not found", store.ErrSessionNotFound)
	}
	if o.isRunning(id) || session.Status == types.SessionStatusActive {
		return nil, conflictError("session is already active", nil)
	}
	worker, err := o.resolveWorker(ctx, session.TargetWorkerID)
	if err != nil {
		return nil, err
	}
	if err := o.checkWorkerReachable(worker); err != nil {
		return nil, err
	}

	if session.Status.Terminal() {
		session.Status = types.SessionStatusQueued
		session, err = o.repo.Sessions().Update(ctx, session)
		if err != nil {
			return nil, unavailableError("session update failed", err)
		}
	}
	return o.admit(ctx, session, worker, continueArgs(session))
}

// KillSession requests termination of the live process. The state transition
// happens when the exit event arrives; if none does within the grace window
// the orchestrator forces the transition itself rather than leaving the
// session stuck active.
func (o *Orchestrator) KillSession(ctx context.Context, id string) error {
	o.mu.Lock()
	rs := o.running[id]
	if rs == nil {
		o.mu.Unlock()
		return conflictError("session is not active", nil)
	}
	if rs.forceTimer == nil {
		rs.forceTimer = time.AfterFunc(o.killGrace+2*time.Second, func() {
			o.forceExit(id)
		})
	}
	process := rs.process
	o.mu.Unlock()

	o.logger.Info("session_kill_requested", logging.F("session_id", id))
	return process.Kill()
}

// SendInput writes newline-normalized text to the session's process and
// clears the needs-input flag.
func (o *Orchestrator) SendInput(ctx context.Context, id, text string) error {
	o.mu.Lock()
	rs := o.running[id]
	if rs == nil {
		o.mu.Unlock()
		return conflictError("session is not active", nil)
	}
	rs.lastInput = time.Now()
	process := rs.process
	o.mu.Unlock()

	if err := process.Write(normalizeInput(text)); err != nil {
		return unavailableError("input write failed", err)
	}
	o.setNeedsInput(ctx, id, rs, false, "")
	return nil
}

// ResizeSession forwards a terminal resize; it is a no-op for inactive
// sessions.
func (o *Orchestrator) ResizeSession(ctx context.Context, id string, cols, rows uint16) error {
	o.mu.Lock()
	rs := o.running[id]
	o.mu.Unlock()
	if rs == nil {
		return nil
	}
	return rs.process.Resize(cols, rows)
}

func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if o.isRunning(id) {
		return conflictError("cannot delete an active session", nil)
	}
	session, found, err := o.repo.Sessions().Get(ctx, id)
	if err != nil {
		return unavailableError("session lookup failed", err)
	}
	if !found {
		return notFoundError("session not found", store.ErrSessionNotFound)
	}
	if session.Locked {
		return conflictError("session is locked", nil)
	}
	o.closeShellRuntime(id)
	if err := o.repo.Sessions().Delete(ctx, id); err != nil {
		return unavailableError("session delete failed", err)
	}
	if o.sessionsDir != "" {
		_ = os.RemoveAll(filepath.Join(o.sessionsDir, id))
	}
	return nil
}

func (o *Orchestrator) ListSessions(ctx context.Context, status string) ([]*types.Session, error) {
	status = strings.TrimSpace(status)
	switch types.SessionStatus(status) {
	case "", types.SessionStatusQueued, types.SessionStatusActive,
		types.SessionStatusCompleted, types.SessionStatusFailed:
	default:
		return nil, invalidError(fmt.Sprintf("unknown status %q", status), nil)
	}
	sessions, err := o.repo.Sessions().List(ctx, types.SessionStatus(status))
	if err != nil {
		return nil, unavailableError("session list failed", err)
	}
	return sessions, nil
}

func (o *Orchestrator) GetSession(ctx context.Context, id string) (*types.Session, error) {
	session, found, err := o.repo.Sessions().Get(ctx, id)
	if err != nil {
		return nil, unavailableError("session lookup failed", err)
	}
	if !found {
		return nil, notFoundError("session not found", store.ErrSessionNotFound)
	}
	return session, nil
}

// RecoverActiveSessions fails over sessions persisted as active by a
// previous daemon run. Their processes died with that daemon, so without
// this sweep the records would hold their worker's admission slots forever
// while kill and continue both refuse to touch them. Runs once on startup
// before the API starts serving.
func (o *Orchestrator) RecoverActiveSessions(ctx context.Context) {
	sessions, err := o.repo.Sessions().List(ctx, types.SessionStatusActive)
	if err != nil {
		o.logger.Error("recover_list_failed", logging.F("error", err))
		return
	}
	workers := make(map[string]struct{})
	for _, session := range sessions {
		if o.isRunning(session.ID) {
			continue
		}
		o.logger.Warn("stale_active_session_recovered",
			logging.F("session_id", session.ID),
			logging.F("worker_id", session.TargetWorkerID),
		)
		session.Status = types.SessionStatusFailed
		session.PID = nil
		session.NeedsInput = false
		updated, err := o.repo.Sessions().Update(ctx, session)
		if err != nil {
			o.logger.Error("recover_persist_failed",
				logging.F("session_id", session.ID), logging.F("error", err))
			continue
		}
		o.sink.Broadcast(types.StreamEvent{
			Type:      types.EventSessionFailed,
			SessionID: updated.ID,
			Session:   updated,
			TS:        time.Now().UTC().Format(time.RFC3339Nano),
		})
		workers[session.TargetWorkerID] = struct{}{}
	}
	for workerID := range workers {
		o.onWorkerSlotFreed(workerID)
	}
}

// Close kills every live process. Used on daemon shutdown.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	processes := make([]proc.Process, 0, len(o.running)+len(o.shells))
	for _, rs := range o.running {
		processes = append(processes, rs.process)
	}
	for _, sh := range o.shells {
		processes = append(processes, sh.process)
	}
	o.mu.Unlock()
	for _, p := range processes {
		_ = p.Kill()
	}
}

func (o *Orchestrator) isRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[id] != nil
}

func (o *Orchestrator) resolveWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		worker, found, err := o.repo.Workers().GetLocal(ctx)
		if err != nil {
			return nil, unavailableError("worker lookup failed", err)
		}
		if !found {
			return nil, unavailableError("no local worker provisioned", nil)
		}
		return worker, nil
	}
	worker, found, err := o.repo.Workers().Get(ctx, workerID)
	if err != nil {
		return nil, unavailableError("worker lookup failed", err)
	}
	if !found {
		return nil, notFoundError("worker not found", store.ErrWorkerNotFound)
	}
	return worker, nil
}

// checkWorkerReachable fails fast instead of queueing against a dead target.
func (o *Orchestrator) checkWorkerReachable(worker *types.Worker) error {
	if worker.Type != types.WorkerTypeRemote {
		return nil
	}
	if worker.Status != types.WorkerStatusConnected || o.link == nil || !o.link.IsConnected(worker.ID) {
		return unavailableError(fmt.Sprintf("worker %s is not connected", worker.ID), nil)
	}
	return nil
}

func (o *Orchestrator) activeSessionAt(ctx context.Context, workerID, workingDirectory string) *types.Session {
	sessions, err := o.repo.Sessions().List(ctx, types.SessionStatusActive)
	if err != nil {
		return nil
	}
	for _, session := range sessions {
		if session.TargetWorkerID == workerID && session.WorkingDirectory == workingDirectory {
			return session
		}
	}
	return nil
}

func continueArgs(session *types.Session) []string {
	if session.ResumeToken != "" {
		return []string{"--resume", session.ResumeToken}
	}
	return []string{"--continue"}
}

// normalizeInput converts any newline convention to the carriage return a
// PTY expects for Enter, and guarantees the text is submitted.
func normalizeInput(text string) []byte {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n", "\r")
	if !strings.HasSuffix(text, "\r") {
		text += "\r"
	}
	return []byte(text)
}

func (o *Orchestrator) spawnProcess(session *types.Session, worker *types.Worker, args []string) (proc.Process, error) {
	if worker.Type == types.WorkerTypeRemote {
		return o.remote.Spawn(session.ID, worker.ID, session.WorkingDirectory, args)
	}
	extraEnv := []string{
		"HUB_SESSION_ID=" + session.ID,
	}
	if o.callbackURL != "" {
		extraEnv = append(extraEnv, "HUB_CALLBACK_URL="+o.callbackURL)
	}
	return o.local.Spawn(session.ID, session.WorkingDirectory, args, extraEnv)
}

func (o *Orchestrator) openAgentLog(id string) *os.File {
	if o.sessionsDir == "" {
		return nil
	}
	dir := filepath.Join(o.sessionsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Warn("agent_log_dir_failed", logging.F("session_id", id), logging.F("error", err))
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "agent.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		o.logger.Warn("agent_log_open_failed", logging.F("session_id", id), logging.F("error", err))
		return nil
	}
	return f
}

// pump forwards process output to the realtime sink, watches it for the idle
// marker, and drives the terminal transition when the process exits.
func (o *Orchestrator) pump(id string, rs *runningSession) {
	for chunk := range rs.process.Data() {
		if rs.logFile != nil {
			_, _ = rs.logFile.Write(chunk)
		}
		o.sink.Output(id, types.ChannelAgent, chunk)
		if rs.classifier != nil {
			if c := rs.classifier.Classify(chunk); c.Idle {
				o.setNeedsInput(context.Background(), id, rs, true, c.IdlePattern)
			}
		}
	}
	exit := <-rs.process.Exit()
	o.finishSession(id, exit, false)
}

func (o *Orchestrator) setNeedsInput(ctx context.Context, id string, rs *runningSession, needsInput bool, pattern string) {
	o.mu.Lock()
	if o.running[id] != rs || rs.needsInput == needsInput {
		o.mu.Unlock()
		return
	}
	rs.needsInput = needsInput
	idleSeconds := 0.0
	if needsInput && !rs.lastInput.IsZero() {
		idleSeconds = time.Since(rs.lastInput).Seconds()
	}
	o.mu.Unlock()

	if err := o.repo.Sessions().SetNeedsInput(ctx, id, needsInput); err != nil {
		o.logger.Warn("needs_input_persist_failed", logging.F("session_id", id), logging.F("error", err))
	}
	o.sink.Broadcast(types.StreamEvent{
		Type:        types.EventNeedsInputChanged,
		SessionID:   id,
		NeedsInput:  needsInput,
		Pattern:     pattern,
		IdleSeconds: idleSeconds,
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// forceExit runs when a killed process never delivered its exit event within
// the grace window.
func (o *Orchestrator) forceExit(id string) {
	o.mu.Lock()
	rs := o.running[id]
	o.mu.Unlock()
	if rs == nil {
		return
	}
	o.logger.Warn("kill_grace_expired", logging.F("session_id", id))
	o.finishSession(id, proc.ExitEvent{Code: 1}, true)
}

// finishSession performs the single terminal transition for a session. The
// running-map entry is the guard: whoever removes it wins, so a forced
// transition and a late real exit can never both apply.
func (o *Orchestrator) finishSession(id string, exit proc.ExitEvent, forced bool) {
	ctx := context.Background()
	o.mu.Lock()
	rs := o.running[id]
	if rs == nil {
		o.mu.Unlock()
		return
	}
	delete(o.running, id)
	if rs.forceTimer != nil {
		rs.forceTimer.Stop()
	}
	workerID := rs.workerID
	o.mu.Unlock()

	if rs.logFile != nil {
		_ = rs.logFile.Close()
	}

	session, found, err := o.repo.Sessions().Get(ctx, id)
	if err != nil || !found {
		o.logger.Error("exit_session_lookup_failed",
			logging.F("session_id", id), logging.F("error", err))
		o.onWorkerSlotFreed(workerID)
		return
	}
	if exit.Code == 0 {
		session.Status = types.SessionStatusCompleted
	} else {
		session.Status = types.SessionStatusFailed
	}
	session.PID = nil
	session.NeedsInput = false
	if exit.ResumeToken != "" {
		session.ResumeToken = exit.ResumeToken
	}
	updated, err := o.repo.Sessions().Update(ctx, session)
	if err != nil {
		o.logger.Error("exit_persist_failed", logging.F("session_id", id), logging.F("error", err))
		updated = session
	}

	eventType := types.EventSessionCompleted
	if updated.Status == types.SessionStatusFailed {
		eventType = types.EventSessionFailed
	}
	o.sink.Broadcast(types.StreamEvent{
		Type:        eventType,
		SessionID:   id,
		Session:     updated,
		ResumeToken: exit.ResumeToken,
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	})
	o.logger.Info("session_exited",
		logging.F("session_id", id),
		logging.F("code", exit.Code),
		logging.F("status", string(updated.Status)),
		logging.F("forced", forced),
	)
	o.onWorkerSlotFreed(workerID)
}
