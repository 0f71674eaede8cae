package proc

import (
	"fmt"
	"strings"
	"sync"

	"hub/internal/logging"
)

const (
	remoteCols = 120
	remoteRows = 40

	ctrlC = byte(0x03)
)

// ShellChannel is a long-lived interactive channel on a remote worker,
// multiplexed over that worker's SSH connection. Done yields exactly once:
// nil for a clean channel close, non-nil for a transport-level error.
type ShellChannel interface {
	Write(p []byte) (int, error)
	SetWindow(rows, cols int) error
	Close() error
	Data() <-chan []byte
	Done() <-chan error
}

// ShellOpener opens interactive channels on remote workers.
type ShellOpener interface {
	Shell(workerID string, cols, rows int) (ShellChannel, error)
}

// RemoteBridge creates processes backed by a remote worker's SSH shell
// channel, translating the agent-CLI invocation into a remote command line.
type RemoteBridge struct {
	Opener ShellOpener
	// Command is the agent CLI executable on the remote host.
	Command  string
	BaseArgs []string
	Logger   logging.Logger
}

func (b *RemoteBridge) Spawn(sessionID, workerID, workingDirectory string, args []string) (Process, error) {
	full := append(append([]string{}, b.BaseArgs...), args...)
	command := composeRemoteCommand(workingDirectory, b.Command, full)
	return b.SpawnCommand(sessionID, workerID, command)
}

// SpawnCommand opens a shell channel and runs one composed command line on
// it. Used directly for secondary shell sessions.
func (b *RemoteBridge) SpawnCommand(sessionID, workerID, command string) (Process, error) {
	channel, err := b.Opener.Shell(workerID, remoteCols, remoteRows)
	if err != nil {
		return nil, err
	}
	if _, err := channel.Write([]byte(command + "\n")); err != nil {
		_ = channel.Close()
		return nil, err
	}

	logger := b.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	p := &remoteProcess{
		sessionID: sessionID,
		channel:   channel,
		data:      make(chan []byte, 64),
		exit:      make(chan ExitEvent, 1),
		logger:    logger.With(logging.F("session_id", sessionID), logging.F("worker_id", workerID)),
	}
	go p.pump()
	return p, nil
}

func composeRemoteCommand(workingDirectory, command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, command)
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return fmt.Sprintf("cd %s && %s", shellQuote(workingDirectory), strings.Join(parts, " "))
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>()*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type remoteProcess struct {
	sessionID string
	channel   ShellChannel
	logger    logging.Logger

	data chan []byte
	exit chan ExitEvent

	killOnce sync.Once
}

func (p *remoteProcess) SessionID() string {
	return p.sessionID
}

// PID is always 0: there is no local OS pid for a remote process.
func (p *remoteProcess) PID() int {
	return 0
}

func (p *remoteProcess) Write(b []byte) error {
	_, err := p.channel.Write(b)
	return err
}

func (p *remoteProcess) Resize(cols, rows uint16) error {
	return p.channel.SetWindow(int(rows), int(cols))
}

func (p *remoteProcess) Data() <-chan []byte {
	return p.data
}

func (p *remoteProcess) Exit() <-chan ExitEvent {
	return p.exit
}

func (p *remoteProcess) Kill() error {
	p.killOnce.Do(func() {
		// Interrupt first so the CLI can shut down; the channel close is
		// the hard stop.
		_, _ = p.channel.Write([]byte{ctrlC})
		_ = p.channel.Close()
	})
	return nil
}

func (p *remoteProcess) pump() {
	for {
		select {
		case chunk, ok := <-p.channel.Data():
			if !ok {
				p.finish(nil)
				return
			}
			p.data <- chunk
		case err := <-p.channel.Done():
			// Drain any output that raced with the close.
			for {
				select {
				case chunk, ok := <-p.channel.Data():
					if !ok {
						p.finish(err)
						return
					}
					p.data <- chunk
				default:
					p.finish(err)
					return
				}
			}
		}
	}
}

func (p *remoteProcess) finish(err error) {
	close(p.data)
	if err != nil {
		// An SSH-level failure is indistinguishable from a crash; surface
		// it as an abnormal exit rather than swallowing it.
		p.logger.Warn("remote_channel_error", logging.F("error", err))
		p.exit <- ExitEvent{Code: 1}
		return
	}
	p.exit <- ExitEvent{Code: 0}
}
