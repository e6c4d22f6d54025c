package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"edensetup/internal/scheduler"
	"edensetup/internal/store"
	"edensetup/pkg/ansible"
	"edensetup/pkg/logging"
)

const (
	PrepopNone = "none"
	DemoNone   = "none"

	localHost = "127.0.0.1"
)

// DeployRequest is an operator's request to install an instance.
type DeployRequest struct {
	Name          string
	Local         bool
	Host          string
	RemoteUser    string
	PrivateKey    string // stored key name
	WebServer     string
	DatabaseType  string
	DBPassword    string
	Distro        string
	Template      string
	Prepop        string
	PrepopOptions []string
	Hostname      string
	Sitename      string
}

// Scope is the lock scope the request competes in.
func (r DeployRequest) Scope() string {
	if r.Local {
		return store.LocalScope
	}
	return r.Host
}

func (s *Service) validate(req *DeployRequest) error {
	if req.Local {
		req.Host = localHost
		req.RemoteUser = ""
		req.PrivateKey = ""
	} else {
		req.Host = strings.TrimSpace(req.Host)
		if req.Host == "" {
			return fmt.Errorf("%w: host is required for a remote deployment", ErrInvalidRequest)
		}
		if req.RemoteUser == "" || req.PrivateKey == "" {
			return fmt.Errorf("%w: remote deployments need a remote user and private key", ErrInvalidRequest)
		}
		if s.keys != nil && !s.keys.Exists(req.PrivateKey) {
			return fmt.Errorf("%w: private key %q has not been uploaded", ErrInvalidRequest, req.PrivateKey)
		}
	}
	if req.WebServer == "" || req.DatabaseType == "" {
		return fmt.Errorf("%w: web server and database type are required", ErrInvalidRequest)
	}
	if err := roleName("web server", req.WebServer); err != nil {
		return err
	}
	if err := roleName("database type", req.DatabaseType); err != nil {
		return err
	}
	switch req.Prepop {
	case ansible.PrepopProd, ansible.PrepopTest, ansible.PrepopDemo, PrepopNone:
	case "":
		req.Prepop = ansible.PrepopProd
	default:
		return fmt.Errorf("%w: unknown prepop %q", ErrInvalidRequest, req.Prepop)
	}
	if req.Template == "" {
		req.Template = "default"
	}
	if s.cfg.TemplatesDir != "" {
		ok, err := knownTemplate(s.cfg.TemplatesDir, req.Template)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: unknown template %q", ErrInvalidRequest, req.Template)
		}
	}
	return nil
}

func roleName(field, v string) error {
	if !ansible.ValidRoleName(v) {
		return fmt.Errorf("%w: invalid %s %q", ErrInvalidRequest, field, v)
	}
	return nil
}

// DemoPhase derives the phase of a demo install from whether a production
// instance is already COMPLETED on the host.
func DemoPhase(prepop string, prodCompleted bool) string {
	if prepop != ansible.PrepopDemo {
		return DemoNone
	}
	if prodCompleted {
		return ansible.DemoAfterProd
	}
	return ansible.DemoBeforeProd
}

// admit applies the ordering rules against the COMPLETED kinds on the host.
func admit(prepop string, completed map[string]bool) error {
	if prepop == ansible.PrepopTest && !completed[ansible.PrepopProd] {
		return reject(ReasonProdFirst)
	}
	if completed[prepop] {
		return reject(ReasonAlreadyInstalled)
	}
	return nil
}

func connectionFor(local bool) (function, connection string) {
	if local {
		return store.FunctionDeployLocally, store.ConnectionLocal
	}
	return store.FunctionDeploy, store.ConnectionRemote
}

func taskName(playbook string) string {
	return strings.TrimSuffix(filepath.Base(playbook), filepath.Ext(playbook))
}

// Deploy admits a deployment, writes its playbook and queues its job. The
// record and its job are written together under the host's scope lock.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (d *store.Deployment, err error) {
	defer func() { s.record("deploy", err) }()

	if err := s.validate(&req); err != nil {
		return nil, err
	}
	scope := req.Scope()
	log := s.logger.WithFields(logging.Fields{"scope": scope, "prepop": req.Prepop, "host": req.Host})

	var playbook string
	defer func() {
		if err != nil && playbook != "" {
			_ = os.Remove(playbook)
		}
	}()

	var completed map[string]bool
	rules := func(tx Repository) error {
		var err error
		if completed, err = tx.CompletedPrepops(ctx, scope); err != nil {
			return cannotAdmit(err)
		}
		return admit(req.Prepop, completed)
	}

	err = s.locks.BeginDeploy(ctx, scope, rules, func(tx Repository) error {
		var err error
		demoPhase := DemoPhase(req.Prepop, completed[ansible.PrepopProd])

		renderPhase := demoPhase
		if renderPhase == DemoNone {
			renderPhase = ""
		}
		play, tags := ansible.RenderDeployment(s.cfg.Render, ansible.DeploymentRequest{
			Host:          req.Host,
			Local:         req.Local,
			RemoteUser:    req.RemoteUser,
			Password:      req.DBPassword,
			WebServer:     req.WebServer,
			DatabaseType:  req.DatabaseType,
			Prepop:        req.Prepop,
			PrepopOptions: req.PrepopOptions,
			Distro:        req.Distro,
			Hostname:      req.Hostname,
			Template:      req.Template,
			Sitename:      req.Sitename,
			DemoPhase:     renderPhase,
		})
		playbook, err = ansible.WritePlaybook(s.cfg.PlaybookDir, "deployment", []ansible.Play{play}, s.now())
		if err != nil {
			return err
		}

		function, connection := connectionFor(req.Local)
		job, err := scheduler.NewJob(scheduler.Task{
			Name:       taskName(playbook),
			Function:   function,
			Args:       s.jobArgs(playbook, req.Host, req.RemoteUser, req.PrivateKey, req.Local, tags),
			Timeout:    s.cfg.Timeout,
			SyncOutput: s.cfg.SyncOutput,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		d = &store.Deployment{
			Name:          req.Name,
			Scope:         scope,
			Host:          req.Host,
			Connection:    connection,
			WebServer:     req.WebServer,
			DatabaseType:  req.DatabaseType,
			DBPassword:    req.DBPassword,
			Distro:        req.Distro,
			Template:      req.Template,
			Prepop:        req.Prepop,
			PrepopOptions: req.PrepopOptions,
			DemoPhase:     demoPhase,
			Hostname:      req.Hostname,
			Sitename:      req.Sitename,
			RemoteUser:    req.RemoteUser,
			PrivateKey:    req.PrivateKey,
			RepoURL:       s.cfg.RepoURL,
			JobID:         job.ID,
			JobStatus:     job.Status,
		}
		if err := tx.InsertDeployment(ctx, d); err != nil {
			return fmt.Errorf("insert deployment: %w", err)
		}
		return nil
	})
	if err != nil {
		var ae *AdmissionError
		if errors.As(err, &ae) {
			log.WithField("reason", ae.Reason).Info("Deployment rejected")
		}
		return nil, err
	}

	s.dispatch(ctx, d.JobID)
	log.WithFields(logging.Fields{"deployment_id": d.ID, "job_id": d.JobID, "demo_phase": d.DemoPhase}).Info("Deployment queued")
	return d, nil
}

func (s *Service) jobArgs(playbook, host, remoteUser, key string, local bool, tags []string) store.JobArgs {
	args := store.JobArgs{
		Playbook: playbook,
		Hosts:    []string{host},
		OnlyTags: tags,
	}
	if local {
		args.Connection = store.ConnectionLocal
		return args
	}
	args.RemoteUser = remoteUser
	if s.keys != nil {
		args.PrivateKey = s.keys.Path(key)
	}
	return args
}
