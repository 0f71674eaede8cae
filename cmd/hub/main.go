package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"text/tabwriter"

	hubclient "hub/internal/client"
	"hub/internal/config"
	"hub/internal/daemon"
	"hub/internal/logging"
	"hub/internal/proc"
	"hub/internal/sshtun"
	"hub/internal/store"
	"hub/internal/types"
)

const usageText = `hub runs and streams interactive coding-agent sessions.

Usage:
  hub <command> [flags]

Commands:
  daemon    run the hub daemon
  ps        list sessions
  create    create (or reopen) a session
  kill      kill an active session
  send      send input to an active session
  workers   manage workers (list, add, rm, connect)
  help      show help

Examples:
  hub daemon
  hub create --cwd /path/to/repo
  hub workers add --name build1 --host build1.example.com --user ci --key ~/.ssh/id_ed25519
  hub send <id> "run the tests"
`

const version = "dev"

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
	case "daemon":
		exitOnErr("daemon", runDaemon(args[1:]))
	case "ps":
		exitOnErr("ps", runPS(args[1:]))
	case "create":
		exitOnErr("create", runCreate(args[1:]))
	case "kill":
		exitOnErr("kill", runKill(args[1:]))
	case "send":
		exitOnErr("send", runSend(args[1:]))
	case "workers":
		exitOnErr("workers", runWorkers(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel()))

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	sessionsDir, err := config.SessionsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(sessionsDir, 0o700); err != nil {
		return err
	}

	tokenPath, err := config.TokenPath()
	if err != nil {
		return err
	}
	token, err := daemon.LoadOrCreateToken(tokenPath)
	if err != nil {
		return err
	}

	dbPath, err := config.DBPath()
	if err != nil {
		return err
	}
	repo, err := store.NewBboltRepository(dbPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	tunnel := sshtun.New(cfg.SSHExecTimeout(), logger.With(logging.F("component", "sshtun")))
	opener := daemon.NewTunnelOpener(tunnel)

	local := &proc.LocalSpawner{
		Command:       cfg.AgentCommand(),
		BaseArgs:      cfg.AgentArgs(),
		KillGrace:     cfg.KillGrace(),
		NewClassifier: proc.NewAgentOutputClassifier,
		Logger:        logger.With(logging.F("component", "local")),
	}
	remote := &proc.RemoteBridge{
		Opener:   opener,
		Command:  cfg.AgentCommand(),
		BaseArgs: cfg.AgentArgs(),
		Logger:   logger.With(logging.F("component", "remote")),
	}
	remoteShell := &proc.RemoteBridge{
		Opener:  opener,
		Command: "bash",
		BaseArgs: []string{
			"-l",
		},
		Logger: logger.With(logging.F("component", "remote_shell")),
	}

	gateway := daemon.NewGateway(nil, logger.With(logging.F("component", "gateway")))
	orchestrator := daemon.NewOrchestrator(daemon.OrchestratorOptions{
		Repo:          repo,
		Local:         local,
		Remote:        remote,
		RemoteShell:   remoteShell,
		Link:          tunnel,
		Sink:          gateway,
		Logger:        logger.With(logging.F("component", "orchestrator")),
		KillGrace:     cfg.KillGrace(),
		SessionsDir:   sessionsDir,
		CallbackURL:   cfg.DaemonBaseURL(),
		ShellCommand:  cfg.ShellCommand(),
		Scrollback:    cfg.ScrollbackBytes(),
		NewClassifier: proc.NewAgentOutputClassifier,
	})
	gateway.Bind(orchestrator)

	workers := daemon.NewWorkerRegistry(repo, tunnel, logger.With(logging.F("component", "workers")))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := workers.EnsureLocalWorker(ctx, cfg.LocalSlots()); err != nil {
		return err
	}
	orchestrator.RecoverActiveSessions(ctx)

	d := daemon.New(cfg.DaemonAddress(), token, buildVersion(), orchestrator, workers, gateway, logger)
	return d.Run(ctx)
}

func runPS(args []string) error {
	fs := flag.NewFlagSet("ps", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	status := fs.String("status", "", "filter by status (queued|active|completed|failed)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	client, err := hubclient.New()
	if err != nil {
		return err
	}
	sessions, err := client.ListSessions(ctx, *status)
	if err != nil {
		return err
	}
	printSessions(sessions)
	return nil
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cwd := fs.String("cwd", "", "working directory (defaults to the current directory)")
	title := fs.String("title", "", "session title")
	worker := fs.String("worker", "", "target worker id (defaults to the local worker)")
	worktree := fs.Bool("worktree", false, "run in a fresh git worktree")
	fresh := fs.Bool("fresh", false, "start fresh instead of continuing a prior session")
	if err := fs.Parse(args); err != nil {
		return err
	}
	directory := *cwd
	if directory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		directory = wd
	}

	ctx := context.Background()
	client, err := hubclient.New()
	if err != nil {
		return err
	}
	session, continued, err := client.CreateSession(ctx, daemon.CreateSessionRequest{
		WorkingDirectory: directory,
		Title:            *title,
		TargetWorkerID:   *worker,
		Worktree:         *worktree,
		StartFresh:       *fresh,
	})
	if err != nil {
		return err
	}
	if continued {
		fmt.Fprintf(os.Stdout, "%s (continued)\n", session.ID)
	} else {
		fmt.Fprintln(os.Stdout, session.ID)
	}
	return nil
}

func runKill(args []string) error {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("kill requires a session id")
	}

	ctx := context.Background()
	client, err := hubclient.New()
	if err != nil {
		return err
	}
	if err := client.KillSession(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "ok")
	return nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("send requires a session id and text")
	}

	ctx := context.Background()
	client, err := hubclient.New()
	if err != nil {
		return err
	}
	if err := client.SendInput(ctx, fs.Arg(0), fs.Arg(1)); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "ok")
	return nil
}

func runWorkers(args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		return runWorkersList()
	case "add":
		return runWorkersAdd(args[1:])
	case "rm":
		return runWorkersRemove(args[1:])
	case "connect":
		return runWorkersConnect(args[1:])
	default:
		return fmt.Errorf("unknown workers subcommand: %s", args[0])
	}
}

func runWorkersList() error {
	ctx := context.Background()
	client, err := hubclient.New()
	if err != nil {
		return err
	}
	workers, err := client.ListWorkers(ctx)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTYPE\tNAME\tSLOTS\tSTATUS\tHOST")
	for _, worker := range workers {
		host := "-"
		if worker.Type == types.WorkerTypeRemote {
			host = fmt.Sprintf("%s@%s", worker.SSHUser, worker.SSHHost)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n",
			worker.ID, worker.Type, worker.Name,
			worker.MaxConcurrentSessions, worker.Status, host)
	}
	return writer.Flush()
}

func runWorkersAdd(args []string) error {
	fs := flag.NewFlagSet("workers add", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	name := fs.String("name", "", "worker name")
	host := fs.String("host", "", "ssh host")
	user := fs.String("user", "", "ssh user")
	key := fs.String("key", "", "path to an unencrypted ssh private key")
	port := fs.Int("port", 0, "ssh port (default 22)")
	slots := fs.Int("slots", 1, "max concurrent sessions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	client, err := hubclient.New()
	if err != nil {
		return err
	}
	worker, err := client.CreateWorker(ctx, daemon.CreateWorkerRequest{
		Name:                  *name,
		SSHHost:               *host,
		SSHUser:               *user,
		SSHKeyPath:            *key,
		SSHPort:               *port,
		MaxConcurrentSessions: *slots,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, worker.ID)
	return nil
}

func runWorkersRemove(args []string) error {
	fs := flag.NewFlagSet("workers rm", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("workers rm requires a worker id")
	}

	ctx := context.Background()
	client, err := hubclient.New()
	if err != nil {
		return err
	}
	if err := client.DeleteWorker(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "ok")
	return nil
}

func runWorkersConnect(args []string) error {
	fs := flag.NewFlagSet("workers connect", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("workers connect requires a worker id")
	}

	ctx := context.Background()
	client, err := hubclient.New()
	if err != nil {
		return err
	}
	worker, err := client.ConnectWorker(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, worker.Status)
	return nil
}

func printSessions(sessions []*types.Session) {
	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATUS\tWORKER\tPID\tCWD\tTITLE")
	for _, session := range sessions {
		pid := "-"
		if session.PID != nil {
			pid = fmt.Sprintf("%d", *session.PID)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			session.ID, session.Status, session.TargetWorkerID,
			pid, session.WorkingDirectory, session.Title)
	}
	_ = writer.Flush()
}

func exitOnErr(label string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s error: %v\n", label, err)
	os.Exit(1)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return version
}
