// Package probe fetches the upgradable-package inventory of a deployment host.
package probe

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// ErrUnreachableHost is returned when the probe could not contact the host.
// No state may be changed on the back of such a response.
var ErrUnreachableHost = errors.New("host unreachable")

const (
	TypeOS  = "os"
	TypePip = "pip"
	TypeGit = "git"
)

// Package is one upgradable package reported by the host.
type Package struct {
	Name string `json:"name"`
	CV   string `json:"cv"`
	AV   string `json:"av"`
	Type string `json:"type"`
}

// HostResult is the per-host body of a probe response.
type HostResult struct {
	Packages []Package `json:"packages"`
}

// Response mirrors the shape the upgrade module returns: dark means the
// host could not be contacted.
type Response struct {
	Dark      bool                  `json:"dark"`
	Contacted map[string]HostResult `json:"contacted"`
}

// Packages returns the packages reported for host, or ErrUnreachableHost
// when the response is dark or lacks the host.
func (r *Response) Packages(host string) ([]Package, error) {
	if r == nil || r.Dark {
		return nil, ErrUnreachableHost
	}
	res, ok := r.Contacted[host]
	if !ok {
		return nil, fmt.Errorf("%w: no result for %s", ErrUnreachableHost, host)
	}
	return res.Packages, nil
}

// Target identifies the host to inspect and how to reach it.
type Target struct {
	Host       string
	Local      bool
	RemoteUser string
	PrivateKey string // absolute path, remote only
	Prepop     string // instance lives in /home/<prepop>
}

// WebPath is where the platform checkout of the instance lives.
func (t Target) WebPath() string {
	return path.Join("/home", t.Prepop)
}

// Prober inspects a host.
type Prober interface {
	Fetch(ctx context.Context, target Target) (*Response, error)
}
