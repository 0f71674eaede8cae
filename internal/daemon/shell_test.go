package daemon

import (
	"bytes"
	"context"
	"testing"

	"hub/internal/types"
)

func openTestShell(t *testing.T, f *orchFixture) (*types.Session, *fakeProcess) {
	t.Helper()
	ctx := context.Background()
	session, _, err := f.orch.CreateSession(ctx, CreateSessionRequest{WorkingDirectory: "/repo"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	status, err := f.orch.OpenShell(ctx, session.ID)
	if err != nil {
		t.Fatalf("open shell: %v", err)
	}
	if !status.Running || status.PID == 0 {
		t.Fatalf("unexpected shell status %+v", status)
	}
	// The shell spawn shares the session id, so this is the shell process.
	return session, f.local.proc(session.ID)
}

func TestOpenShellIsIdempotent(t *testing.T) {
	f := newOrchFixture(t, 1, func(opts *OrchestratorOptions) {
		opts.ShellCommand = "/bin/bash"
	})
	session, _ := openTestShell(t, f)

	before := f.local.spawnCount()
	status, err := f.orch.OpenShell(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("reopen shell: %v", err)
	}
	if !status.Running {
		t.Fatal("reopened shell not running")
	}
	if f.local.spawnCount() != before {
		t.Fatalf("idempotent open spawned again: %d -> %d", before, f.local.spawnCount())
	}
}

func TestShellInputPassesThroughRaw(t *testing.T) {
	f := newOrchFixture(t, 1, nil)
	session, shell := openTestShell(t, f)

	raw := []byte{0x1b, '[', 'A', '\n'}
	if err := f.orch.SendShellInput(context.Background(), session.ID, raw); err != nil {
		t.Fatalf("send shell input: %v", err)
	}
	if !bytes.Equal(shell.written(), raw) {
		t.Fatalf("shell input altered: %v", shell.written())
	}
}

func TestShellScrollbackRingAndDiskReplay(t *testing.T) {
	f := newOrchFixture(t, 1, nil)
	ctx := context.Background()
	session, shell := openTestShell(t, f)

	shell.emit([]byte("$ ls\n"))
	shell.emit([]byte("README.md\n"))
	waitFor(t, "scrollback from ring", func() bool {
		return bytes.Equal(f.orch.ShellScrollback(session.ID), []byte("$ ls\nREADME.md\n"))
	})

	// After the shell exits the replay buffer comes from the log on disk.
	shell.exitNow(0, "")
	waitFor(t, "shell to stop", func() bool {
		status, err := f.orch.ShellStatus(ctx, session.ID)
		return err == nil && !status.Running
	})
	if got := f.orch.ShellScrollback(session.ID); !bytes.Equal(got, []byte("$ ls\nREADME.md\n")) {
		t.Fatalf("disk scrollback = %q", got)
	}
}

func TestShellScrollbackCappedToLimit(t *testing.T) {
	f := newOrchFixture(t, 1, func(opts *OrchestratorOptions) {
		opts.Scrollback = 8
	})
	session, shell := openTestShell(t, f)

	shell.emit([]byte("0123456789abcdef"))
	waitFor(t, "capped scrollback", func() bool {
		return bytes.Equal(f.orch.ShellScrollback(session.ID), []byte("89abcdef"))
	})
}

func TestCloseShellRequiresOpenShell(t *testing.T) {
	f := newOrchFixture(t, 1, nil)
	ctx := context.Background()
	session, _, err := f.orch.CreateSession(ctx, CreateSessionRequest{WorkingDirectory: "/repo"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := f.orch.CloseShell(ctx, session.ID); errorKind(t, err) != ServiceErrorConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestShellStatusNotRunningByDefault(t *testing.T) {
	f := newOrchFixture(t, 1, nil)
	ctx := context.Background()
	session, _, err := f.orch.CreateSession(ctx, CreateSessionRequest{WorkingDirectory: "/repo"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	status, err := f.orch.ShellStatus(ctx, session.ID)
	if err != nil {
		t.Fatalf("shell status: %v", err)
	}
	if status.Running {
		t.Fatal("shell reported running before open")
	}
}
