package proc

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"hub/internal/logging"
)

const (
	defaultCols = 120
	defaultRows = 40
)

// LocalSpawner creates processes backed by a local PTY running the agent CLI.
type LocalSpawner struct {
	// Command is the agent CLI executable.
	Command string
	// BaseArgs precede call-specific arguments on every invocation.
	BaseArgs []string
	// KillGrace is the window between SIGTERM and SIGKILL.
	KillGrace     time.Duration
	NewClassifier func() OutputClassifier
	Logger        logging.Logger
}

func (s *LocalSpawner) Spawn(sessionID, workingDirectory string, args, extraEnv []string) (Process, error) {
	full := append(append([]string{}, s.BaseArgs...), args...)
	return s.SpawnCommand(sessionID, workingDirectory, s.Command, full, extraEnv)
}

// SpawnCommand starts an arbitrary command on a PTY. The orchestrator uses it
// for secondary shell sessions; agent sessions go through Spawn.
func (s *LocalSpawner) SpawnCommand(sessionID, workingDirectory, command string, args, extraEnv []string) (Process, error) {
	if command == "" {
		return nil, errors.New("command is required")
	}
	cmd := exec.Command(command, args...)
	if workingDirectory != "" {
		cmd.Dir = workingDirectory
	}
	cmd.Env = append(os.Environ(), extraEnv...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		return nil, err
	}

	logger := s.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	var classifier OutputClassifier
	if s.NewClassifier != nil {
		classifier = s.NewClassifier()
	}
	p := &localProcess{
		sessionID: sessionID,
		cmd:       cmd,
		ptmx:      ptmx,
		killGrace: s.killGrace(),
		data:      make(chan []byte, 64),
		exit:      make(chan ExitEvent, 1),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.With(logging.F("session_id", sessionID)),
	}
	go p.readLoop(classifier)
	go p.waitLoop()
	return p, nil
}

func (s *LocalSpawner) killGrace() time.Duration {
	if s.KillGrace <= 0 {
		return 5 * time.Second
	}
	return s.KillGrace
}

type localProcess struct {
	sessionID string
	cmd       *exec.Cmd
	ptmx      *os.File
	killGrace time.Duration
	logger    logging.Logger

	data     chan []byte
	exit     chan ExitEvent
	readDone chan struct{}
	done     chan struct{}

	killOnce sync.Once

	mu          sync.Mutex
	resumeToken string
}

func (p *localProcess) SessionID() string {
	return p.sessionID
}

func (p *localProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *localProcess) Write(b []byte) error {
	_, err := p.ptmx.Write(b)
	return err
}

func (p *localProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *localProcess) Kill() error {
	p.killOnce.Do(func() {
		process := p.cmd.Process
		if process == nil {
			return
		}
		_ = process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-p.done:
			case <-time.After(p.killGrace):
				p.logger.Warn("kill_escalated", logging.F("grace", p.killGrace))
				_ = process.Kill()
			}
		}()
	})
	return nil
}

func (p *localProcess) Data() <-chan []byte {
	return p.data
}

func (p *localProcess) Exit() <-chan ExitEvent {
	return p.exit
}

func (p *localProcess) readLoop(classifier OutputClassifier) {
	defer close(p.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if classifier != nil {
				if c := classifier.Classify(chunk); c.ResumeToken != "" {
					p.mu.Lock()
					p.resumeToken = c.ResumeToken
					p.mu.Unlock()
				}
			}
			p.data <- chunk
		}
		if err != nil {
			// EIO is the normal end of a PTY stream once the child exits.
			return
		}
	}
}

func (p *localProcess) waitLoop() {
	<-p.readDone
	err := p.cmd.Wait()
	_ = p.ptmx.Close()

	code := 0
	if err != nil {
		code = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if code == 0 {
				code = 1
			}
		}
	}
	p.mu.Lock()
	token := p.resumeToken
	p.mu.Unlock()

	close(p.data)
	p.exit <- ExitEvent{Code: code, ResumeToken: token}
	close(p.done)
}
