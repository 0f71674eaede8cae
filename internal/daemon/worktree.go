package daemon

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"hub/internal/logging"
	"hub/internal/types"
)

// ensureWorktree creates a fresh git worktree next to the base checkout and
// returns its path. The agent then runs in isolation from the base working
// tree. Locally this shells out to git; remotely it goes through the
// worker's SSH connection.
func (o *Orchestrator) ensureWorktree(ctx context.Context, worker *types.Worker, baseDir, sessionID string) (string, error) {
	suffix := sessionID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	path := baseDir + "-" + suffix

	if worker.Type == types.WorkerTypeRemote {
		command := fmt.Sprintf("git -C %s worktree add %s", quoteArg(baseDir), quoteArg(path))
		if out, err := o.link.Exec(ctx, worker.ID, command); err != nil {
			return "", invalidError("directory create failed", fmt.Errorf("%s: %w", strings.TrimSpace(out), err))
		}
	} else {
		cmd := exec.CommandContext(ctx, "git", "-C", baseDir, "worktree", "add", path)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", invalidError("directory create failed", fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
		}
	}
	o.logger.Info("worktree_created",
		logging.F("session_id", sessionID),
		logging.F("worker_id", worker.ID),
		logging.F("path", path),
	)
	return path, nil
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>()*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
