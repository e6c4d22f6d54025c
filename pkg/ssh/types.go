package ssh

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// ConnectionConfig holds SSH connection parameters for one target host
type ConnectionConfig struct {
	Address            string
	Port               int
	User               string
	KeyPath            string
	Timeout            time.Duration
	KnownHostsPath     string // default ~/.edensetup/known_hosts
	InsecureSkipVerify bool
}

func (c *ConnectionConfig) key() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return c.User + "@" + c.Address + ":" + strconv.Itoa(port)
}

// CommandResult holds the outcome of one remote or local command
type CommandResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes shell commands on a target
type Runner interface {
	Run(ctx context.Context, command string) (*CommandResult, error)
	Close() error
}

// ShellQuote wraps a value in single quotes with POSIX escaping.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
