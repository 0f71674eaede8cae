// Package sshtun maintains one multiplexed SSH connection per remote worker
// and exposes the two operations the hub needs over it: one-shot command
// execution and long-lived interactive shell channels. SSH's native channel
// multiplexing carries both over the single TCP connection.
package sshtun

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"hub/internal/logging"
	"hub/internal/types"
)

var ErrWorkerNotConnected = errors.New("worker is not connected")

const (
	defaultSSHPort    = 22
	dialTimeout       = 10 * time.Second
	defaultExecWindow = 10 * time.Second
)

type Tunnel struct {
	mu          sync.Mutex
	clients     map[string]*ssh.Client
	execTimeout time.Duration
	logger      logging.Logger
}

func New(execTimeout time.Duration, logger logging.Logger) *Tunnel {
	if execTimeout <= 0 {
		execTimeout = defaultExecWindow
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Tunnel{
		clients:     make(map[string]*ssh.Client),
		execTimeout: execTimeout,
		logger:      logger,
	}
}

// Connect establishes (or replaces) the SSH connection for a remote worker.
func (t *Tunnel) Connect(worker *types.Worker) error {
	if worker == nil || worker.Type != types.WorkerTypeRemote {
		return errors.New("connect requires a remote worker")
	}
	signer, err := LoadSigner(worker.SSHKeyPath)
	if err != nil {
		return err
	}
	port := worker.SSHPort
	if port <= 0 {
		port = defaultSSHPort
	}
	addr := worker.SSHHost + ":" + strconv.Itoa(port)
	cfg := &ssh.ClientConfig{
		User:            worker.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	t.mu.Lock()
	previous := t.clients[worker.ID]
	t.clients[worker.ID] = client
	t.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	t.logger.Info("worker_connected", logging.F("worker_id", worker.ID), logging.F("addr", addr))
	return nil
}

func (t *Tunnel) Disconnect(workerID string) error {
	t.mu.Lock()
	client := t.clients[workerID]
	delete(t.clients, workerID)
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	t.logger.Info("worker_disconnected", logging.F("worker_id", workerID))
	return client.Close()
}

func (t *Tunnel) IsConnected(workerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clients[workerID] != nil
}

func (t *Tunnel) client(workerID string) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	client := t.clients[workerID]
	if client == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotConnected, workerID)
	}
	return client, nil
}

// Exec runs a one-shot command on the worker and returns its combined
// output. The call is bounded by the configured exec timeout so a hung
// remote shell cannot block session creation indefinitely.
func (t *Tunnel) Exec(ctx context.Context, workerID, command string) (string, error) {
	client, err := t.client(workerID)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, t.execTimeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", fmt.Errorf("exec %q on %s: %w", command, workerID, ctx.Err())
	case res := <-done:
		_ = session.Close()
		if res.err != nil {
			return string(res.out), fmt.Errorf("exec %q on %s: %w", command, workerID, res.err)
		}
		return string(res.out), nil
	}
}

// Shell opens a long-lived interactive channel with a PTY of the given size.
func (t *Tunnel) Shell(workerID string, cols, rows int) (*Shell, error) {
	client, err := t.client(workerID)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		_ = session.Close()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, err
	}

	sh := &Shell{
		session: session,
		stdin:   stdin,
		data:    make(chan []byte, 64),
		done:    make(chan error, 1),
	}
	var pumps sync.WaitGroup
	pumps.Add(2)
	go sh.pump(&pumps, stdout)
	go sh.pump(&pumps, stderr)
	go func() {
		pumps.Wait()
		err := session.Wait()
		close(sh.data)
		sh.done <- normalizeWaitError(err)
	}()
	return sh, nil
}

// normalizeWaitError maps a remote command's own exit status to a clean
// channel close; only transport-level failures are surfaced as errors.
func normalizeWaitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return nil
	}
	return err
}

// Shell is one interactive channel. It satisfies the process bridge's
// channel contract.
type Shell struct {
	session *ssh.Session
	stdin   interface {
		Write(p []byte) (int, error)
		Close() error
	}
	data chan []byte
	done chan error

	closeOnce sync.Once
}

func (s *Shell) pump(pumps *sync.WaitGroup, r interface {
	Read(p []byte) (int, error)
}) {
	defer pumps.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.data <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *Shell) SetWindow(rows, cols int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		err = s.session.Close()
	})
	return err
}

func (s *Shell) Data() <-chan []byte {
	return s.data
}

func (s *Shell) Done() <-chan error {
	return s.done
}
