package config

import (
	"errors"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultDaemonAddress   = "127.0.0.1:7070"
	defaultAgentCommand    = "claude"
	defaultShellCommand    = ""
	defaultKillGraceSecs   = 5
	defaultExecTimeoutSecs = 10
	defaultLocalSlots      = 3
	defaultScrollbackBytes = 256 * 1024
)

type Config struct {
	Daemon   DaemonConfig   `toml:"daemon"`
	Logging  LoggingConfig  `toml:"logging"`
	Agent    AgentConfig    `toml:"agent"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Shell    ShellConfig    `toml:"shell"`
}

type DaemonConfig struct {
	Address string `toml:"address"`
	// LocalSlots is the concurrency limit provisioned for the local worker.
	LocalSlots int `toml:"local_slots"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

type AgentConfig struct {
	// Command is the interactive agent CLI the hub wraps.
	Command string `toml:"command"`
	// Args are prepended to every invocation, before first-run or
	// continue-specific flags.
	Args []string `toml:"args"`
}

type TimeoutsConfig struct {
	KillGraceSeconds int `toml:"kill_grace_seconds"`
	SSHExecSeconds   int `toml:"ssh_exec_seconds"`
}

type ShellConfig struct {
	// Command overrides the shell started for secondary shell sessions.
	// Empty means $SHELL, falling back to /bin/bash.
	Command         string `toml:"command"`
	ScrollbackBytes int    `toml:"scrollback_bytes"`
}

func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			Address:    defaultDaemonAddress,
			LocalSlots: defaultLocalSlots,
		},
		Logging: LoggingConfig{Level: "info"},
		Agent:   AgentConfig{Command: defaultAgentCommand},
		Timeouts: TimeoutsConfig{
			KillGraceSeconds: defaultKillGraceSecs,
			SSHExecSeconds:   defaultExecTimeoutSecs,
		},
		Shell: ShellConfig{ScrollbackBytes: defaultScrollbackBytes},
	}
}

func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	return loadFromPath(path)
}

func loadFromPath(path string) (Config, error) {
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func (c Config) DaemonAddress() string {
	addr := strings.TrimSpace(c.Daemon.Address)
	if addr == "" {
		return defaultDaemonAddress
	}
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimRight(addr, "/")
	if addr == "" {
		return defaultDaemonAddress
	}
	return addr
}

func (c Config) DaemonBaseURL() string {
	return "http://" + c.DaemonAddress()
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (c Config) LocalSlots() int {
	if c.Daemon.LocalSlots <= 0 {
		return defaultLocalSlots
	}
	return c.Daemon.LocalSlots
}

func (c Config) AgentCommand() string {
	command := strings.TrimSpace(c.Agent.Command)
	if command == "" {
		return defaultAgentCommand
	}
	return command
}

func (c Config) AgentArgs() []string {
	out := make([]string, 0, len(c.Agent.Args))
	for _, raw := range c.Agent.Args {
		if arg := strings.TrimSpace(raw); arg != "" {
			out = append(out, arg)
		}
	}
	return out
}

func (c Config) KillGrace() time.Duration {
	secs := c.Timeouts.KillGraceSeconds
	if secs <= 0 {
		secs = defaultKillGraceSecs
	}
	return time.Duration(secs) * time.Second
}

func (c Config) SSHExecTimeout() time.Duration {
	secs := c.Timeouts.SSHExecSeconds
	if secs <= 0 {
		secs = defaultExecTimeoutSecs
	}
	return time.Duration(secs) * time.Second
}

func (c Config) ShellCommand() string {
	if command := strings.TrimSpace(c.Shell.Command); command != "" {
		return command
	}
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return shell
	}
	return "/bin/bash"
}

func (c Config) ScrollbackBytes() int {
	if c.Shell.ScrollbackBytes <= 0 {
		return defaultScrollbackBytes
	}
	return c.Shell.ScrollbackBytes
}
