package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"edensetup/pkg/logging"
	"edensetup/pkg/ssh"
)

const (
	aptUpgradableCmd = "LC_ALL=C apt list --upgradable 2>/dev/null"
	pipOutdatedCmd   = "pip list --outdated --format=json 2>/dev/null || echo []"
)

// ShellProber inspects the host over SSH (or locally) with plain package
// manager commands instead of the custom ansible module.
type ShellProber struct {
	pool      *ssh.Pool
	local     ssh.Runner
	platform  string
	timeout   time.Duration
	retries   int
	logger    logging.Logger
	runnerFor func(target Target) ssh.Runner
}

// NewShellProber creates a prober. platform is the package reported as a git
// checkout of the instance directory (web2py).
func NewShellProber(pool *ssh.Pool, platform string, timeout time.Duration, logger logging.Logger) *ShellProber {
	p := &ShellProber{
		pool:     pool,
		local:    ssh.NewLocalRunner(),
		platform: platform,
		timeout:  timeout,
		retries:  2,
		logger:   logger,
	}
	p.runnerFor = p.defaultRunner
	return p
}

func (p *ShellProber) defaultRunner(target Target) ssh.Runner {
	if target.Local {
		return p.local
	}
	return p.pool.For(&ssh.ConnectionConfig{
		Address: target.Host,
		Port:    22,
		User:    target.RemoteUser,
		KeyPath: target.PrivateKey,
		Timeout: p.timeout,
	})
}

func (p *ShellProber) Fetch(ctx context.Context, target Target) (*Response, error) {
	runner := p.runnerFor(target)

	policy := retrypolicy.NewBuilder[*ssh.CommandResult]().
		HandleIf(func(res *ssh.CommandResult, err error) bool {
			// a command that ran and exited non-zero is an answer, not a transport failure
			return err != nil && (res == nil || res.ExitCode < 0) && ctx.Err() == nil
		}).
		WithBackoff(time.Second, 5*time.Second).
		WithMaxRetries(p.retries).
		OnRetry(func(e failsafe.ExecutionEvent[*ssh.CommandResult]) {
			p.logger.WithFields(logging.Fields{
				"host":    target.Host,
				"attempt": e.Attempts(),
				"error":   e.LastError(),
			}).Warn("Retrying package probe connection")
		}).
		Build()

	run := func(cmd string) (*ssh.CommandResult, error) {
		return failsafe.With(policy).WithContext(ctx).Get(func() (*ssh.CommandResult, error) {
			return runner.Run(ctx, cmd)
		})
	}

	apt, err := run(aptUpgradableCmd)
	if err != nil && (apt == nil || apt.ExitCode < 0) {
		p.logger.WithError(err).WithField("host", target.Host).Warn("Package probe could not reach host")
		return &Response{Dark: true}, nil
	}

	packages := parseAptUpgradable(apt.Stdout)

	if pip, err := run(pipOutdatedCmd); err == nil {
		pipPkgs, perr := parsePipOutdated(pip.Stdout)
		if perr != nil {
			return nil, perr
		}
		packages = append(packages, pipPkgs...)
	}

	if p.platform != "" {
		dir := ssh.ShellQuote(target.WebPath())
		git, err := run(fmt.Sprintf("cd %s && git rev-parse --short HEAD && git fetch -q && git rev-parse --short @{u}", dir))
		if err == nil {
			if pkg, ok := parseGitRevisions(p.platform, git.Stdout); ok {
				packages = append(packages, pkg)
			}
		}
	}

	return &Response{Contacted: map[string]HostResult{target.Host: {Packages: packages}}}, nil
}

// parseAptUpgradable reads "name/suite av arch [upgradable from: cv]" lines.
func parseAptUpgradable(out string) []Package {
	var pkgs []Package
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		slash := strings.IndexByte(line, '/')
		marker := strings.Index(line, "[upgradable from: ")
		if slash <= 0 || marker < 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		cv := strings.TrimSuffix(line[marker+len("[upgradable from: "):], "]")
		pkgs = append(pkgs, Package{Name: line[:slash], CV: cv, AV: fields[1], Type: TypeOS})
	}
	return pkgs
}

func parsePipOutdated(out string) ([]Package, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	var rows []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Latest  string `json:"latest_version"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		return nil, fmt.Errorf("decode pip output: %w", err)
	}
	pkgs := make([]Package, 0, len(rows))
	for _, r := range rows {
		pkgs = append(pkgs, Package{Name: r.Name, CV: r.Version, AV: r.Latest, Type: TypePip})
	}
	return pkgs, nil
}

// parseGitRevisions reads "HEAD\nupstream"; the checkout is only reported
// when upstream has moved.
func parseGitRevisions(name, out string) (Package, bool) {
	lines := strings.Fields(out)
	if len(lines) != 2 || lines[0] == lines[1] {
		return Package{}, false
	}
	return Package{Name: name, CV: lines[0], AV: lines[1], Type: TypeGit}, true
}
