package probe

import (
	"context"
	"encoding/json"
	"fmt"

	"edensetup/pkg/ansible"
	"edensetup/pkg/logging"
)

// ModuleRunner is satisfied by *ansible.Runner.
type ModuleRunner interface {
	RunModule(ctx context.Context, opts ansible.ModuleOptions) ([]byte, error)
}

// AnsibleProber runs the custom "upgrade" module ad hoc against the host.
type AnsibleProber struct {
	runner     ModuleRunner
	modulePath string
	logger     logging.Logger
}

func NewAnsibleProber(runner ModuleRunner, modulePath string, logger logging.Logger) *AnsibleProber {
	return &AnsibleProber{runner: runner, modulePath: modulePath, logger: logger}
}

// json stdout callback document, reduced to what the probe reads
type callbackDoc struct {
	Plays []struct {
		Tasks []struct {
			Hosts map[string]json.RawMessage `json:"hosts"`
		} `json:"tasks"`
	} `json:"plays"`
	Stats map[string]struct {
		Unreachable int `json:"unreachable"`
	} `json:"stats"`
}

type moduleResult struct {
	Unreachable bool      `json:"unreachable"`
	Failed      bool      `json:"failed"`
	Msg         string    `json:"msg"`
	Packages    []Package `json:"packages"`
}

func (p *AnsibleProber) Fetch(ctx context.Context, target Target) (*Response, error) {
	opts := ansible.ModuleOptions{
		Host:       target.Host,
		Module:     "upgrade",
		Args:       "web2py_path=" + target.WebPath(),
		ModulePath: p.modulePath,
		Local:      target.Local,
		Become:     true,
	}
	if !target.Local && target.PrivateKey != "" && target.RemoteUser != "" {
		opts.RemoteUser = target.RemoteUser
		opts.PrivateKey = target.PrivateKey
	}

	out, err := p.runner.RunModule(ctx, opts)
	if err != nil {
		p.logger.WithError(err).WithField("host", target.Host).Warn("Upgrade probe produced no result")
		return &Response{Dark: true}, nil
	}
	return parseCallback(out, target.Host)
}

func parseCallback(out []byte, host string) (*Response, error) {
	var doc callbackDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("decode probe output: %w", err)
	}

	if st, ok := doc.Stats[host]; ok && st.Unreachable > 0 {
		return &Response{Dark: true}, nil
	}

	for _, play := range doc.Plays {
		for _, task := range play.Tasks {
			raw, ok := task.Hosts[host]
			if !ok {
				continue
			}
			var res moduleResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return nil, fmt.Errorf("decode probe result for %s: %w", host, err)
			}
			if res.Unreachable {
				return &Response{Dark: true}, nil
			}
			if res.Failed {
				return nil, fmt.Errorf("upgrade module failed on %s: %s", host, res.Msg)
			}
			return &Response{Contacted: map[string]HostResult{host: {Packages: res.Packages}}}, nil
		}
	}

	return &Response{Dark: true}, nil
}
