package ansible

import (
	"os"
	"regexp"
	"strings"
)

const (
	PrepopProd = "prod"
	PrepopTest = "test"
	PrepopDemo = "demo"

	DemoBeforeProd = "beforeprod"
	DemoAfterProd  = "afterprod"

	DefaultRolesPath = "../private/playbook/roles/"
)

// RenderConfig carries installation-wide settings the renderer needs.
type RenderConfig struct {
	RolesPath     string
	PublicURL     string
	BecomeKeyword string
}

var roleNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidRoleName reports whether name can be used as a single role directory
// under the roles path.
func ValidRoleName(name string) bool {
	return roleNamePattern.MatchString(name)
}

func (c RenderConfig) role(name string) string {
	prefix := c.RolesPath
	if prefix == "" {
		prefix = DefaultRolesPath
	}
	return prefix + name
}

// DeploymentRequest is what an operator asked to install.
type DeploymentRequest struct {
	Host          string
	Local         bool
	RemoteUser    string
	Password      string
	WebServer     string
	DatabaseType  string
	Prepop        string
	PrepopOptions []string
	Distro        string
	Hostname      string
	Template      string
	Sitename      string
	DemoPhase     string // empty, beforeprod or afterprod
}

// RenderDeployment builds the deployment play and the tag filter to run it with.
func RenderDeployment(cfg RenderConfig, req DeploymentRequest) (Play, []string) {
	roles := []string{cfg.role("common"), cfg.role(req.WebServer)}
	if req.WebServer == "cherokee" {
		roles = append(roles, cfg.role("uwsgi"))
	}
	roles = append(roles, cfg.role(req.DatabaseType), cfg.role("configure"))

	vars := DeploymentVars{
		Password:      req.Password,
		Template:      req.Template,
		WebServer:     req.WebServer,
		Prepop:        req.Prepop,
		Distro:        req.Distro,
		PrepopOptions: strings.Join(req.PrepopOptions, ","),
		Hostname:      req.Hostname,
		Sitename:      req.Sitename,
		DemoType:      "na",
	}
	if vars.Template == "" {
		vars.Template = "default"
	}
	if vars.Hostname == "" {
		vars.Hostname, _ = os.Hostname()
	}
	if vars.Sitename == "" {
		vars.Sitename = cfg.PublicURL
	}
	if req.DemoPhase != "" {
		vars.DemoType = req.DemoPhase
	}

	play := Play{
		Hosts:         req.Host,
		Become:        true,
		BecomeKeyword: cfg.BecomeKeyword,
		Vars:          vars,
		Roles:         roles,
	}
	if req.Local {
		play.Connection = "local"
	} else {
		play.RemoteUser = req.RemoteUser
	}

	return play, TagsFor(req.Prepop, req.DemoPhase)
}

// TagsFor selects the role tags a run is restricted to.
func TagsFor(prepop, demoPhase string) []string {
	switch {
	case demoPhase == DemoAfterProd:
		return []string{"demo"}
	case prepop == PrepopTest:
		return []string{"test"}
	default:
		return []string{"all"}
	}
}

// UpgradeRequest lists the packages to upgrade on one host.
type UpgradeRequest struct {
	Host       string
	Local      bool
	RemoteUser string
	System     []string
	Pip        []string
	Git        []GitPackage
}

// RenderUpgrade builds the single-role upgrade play.
func RenderUpgrade(cfg RenderConfig, req UpgradeRequest) (Play, []string) {
	vars := UpgradeVars{
		SystemPackages: nonNil(req.System),
		PipPackages:    nonNil(req.Pip),
		GitPackages:    req.Git,
	}
	if vars.GitPackages == nil {
		vars.GitPackages = []GitPackage{}
	}

	play := Play{
		Hosts:         req.Host,
		Become:        true,
		BecomeKeyword: cfg.BecomeKeyword,
		Vars:          vars,
		Roles:         []string{cfg.role("upgrades")},
	}
	if req.Local {
		play.Connection = "local"
	} else {
		play.RemoteUser = req.RemoteUser
	}
	return play, []string{"all"}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
