package daemon

import (
	"context"
	"time"

	"hub/internal/logging"
	"hub/internal/types"
)

// admit attempts to activate a session against its worker's concurrency
// limit. When the worker is saturated the session simply stays queued. The
// pending counter reserves the slot before the spawn so the process start
// can happen off the lock without letting a concurrent admit oversubscribe
// the worker.
func (o *Orchestrator) admit(ctx context.Context, session *types.Session, worker *types.Worker, args []string) (*types.Session, error) {
	o.mu.Lock()
	active, err := o.repo.Sessions().ActiveCountOnWorker(ctx, worker.ID)
	if err != nil {
		o.mu.Unlock()
		return nil, unavailableError("active count failed", err)
	}
	if active+o.pending[worker.ID] >= worker.MaxConcurrentSessions {
		o.mu.Unlock()
		return session, nil
	}
	o.pending[worker.ID]++
	o.mu.Unlock()

	process, err := o.spawnProcess(session, worker, args)
	if err != nil {
		o.mu.Lock()
		o.pending[worker.ID]--
		o.mu.Unlock()
		o.logger.Error("spawn_failed",
			logging.F("session_id", session.ID),
			logging.F("worker_id", worker.ID),
			logging.F("error", err),
		)
		session.Status = types.SessionStatusFailed
		session.PID = nil
		if updated, uerr := o.repo.Sessions().Update(ctx, session); uerr == nil {
			session = updated
		}
		o.sink.Broadcast(types.StreamEvent{
			Type:      types.EventSessionFailed,
			SessionID: session.ID,
			Session:   session,
			TS:        time.Now().UTC().Format(time.RFC3339Nano),
		})
		return nil, unavailableError("process spawn failed", err)
	}

	pid := process.PID()
	session.Status = types.SessionStatusActive
	session.PID = &pid
	session.NeedsInput = false
	updated, err := o.repo.Sessions().Update(ctx, session)
	if err != nil {
		_ = process.Kill()
		o.mu.Lock()
		o.pending[worker.ID]--
		o.mu.Unlock()
		return nil, unavailableError("session activate failed", err)
	}

	rs := &runningSession{
		process:   process,
		workerID:  worker.ID,
		logFile:   o.openAgentLog(updated.ID),
		lastInput: time.Now(),
	}
	if o.newClassifier != nil {
		rs.classifier = o.newClassifier()
	}
	o.mu.Lock()
	o.pending[worker.ID]--
	o.running[updated.ID] = rs
	o.mu.Unlock()
	go o.pump(updated.ID, rs)

	o.sink.Broadcast(types.StreamEvent{
		Type:      types.EventSessionActivated,
		SessionID: updated.ID,
		Session:   updated,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
	})
	o.logger.Info("session_activated",
		logging.F("session_id", updated.ID),
		logging.F("worker_id", worker.ID),
		logging.F("pid", pid),
	)
	return updated, nil
}

// onWorkerSlotFreed promotes queued sessions on the worker, lowest position
// first, until the queue is empty or the worker is saturated again. Running
// until saturation also covers a concurrency limit that was raised while
// sessions sat queued.
func (o *Orchestrator) onWorkerSlotFreed(workerID string) {
	ctx := context.Background()
	worker, found, err := o.repo.Workers().Get(ctx, workerID)
	if err != nil || !found {
		return
	}
	if err := o.checkWorkerReachable(worker); err != nil {
		o.logger.Warn("promotion_skipped_worker_unreachable", logging.F("worker_id", workerID))
		return
	}
	for {
		queued, err := o.repo.Sessions().QueuedOnWorker(ctx, workerID)
		if err != nil || len(queued) == 0 {
			return
		}
		head := queued[0]
		promoted, err := o.admit(ctx, head, worker, continueOrFreshArgs(head))
		if err != nil {
			// Spawn failure normally transitioned the head to failed and
			// the next iteration considers the new head. If even that
			// persist failed the head is still queued; stop rather than
			// re-admitting the same session in a hot loop.
			current, found, gerr := o.repo.Sessions().Get(ctx, head.ID)
			if gerr != nil || !found || current.Status == types.SessionStatusQueued {
				o.logger.Error("promotion_halted",
					logging.F("worker_id", workerID),
					logging.F("session_id", head.ID),
				)
				return
			}
			continue
		}
		if promoted.Status != types.SessionStatusActive {
			return
		}
	}
}

// continueOrFreshArgs picks the argument set for a queued session being
// promoted: one that ran before resumes, one that never started runs fresh.
func continueOrFreshArgs(session *types.Session) []string {
	if session.ResumeToken != "" {
		return continueArgs(session)
	}
	return nil
}
