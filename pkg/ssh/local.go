package ssh

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// LocalRunner runs commands on this machine, for local deployments
type LocalRunner struct{}

func NewLocalRunner() *LocalRunner { return &LocalRunner{} }

func (LocalRunner) Run(ctx context.Context, command string) (*CommandResult, error) {
	result := &CommandResult{Command: command}
	start := time.Now()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = strings.TrimSpace(stdout.String())
	result.Stderr = strings.TrimSpace(stderr.String())
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		return result, err
	}
	return result, nil
}

func (LocalRunner) Close() error { return nil }
