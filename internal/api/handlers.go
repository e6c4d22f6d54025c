// Package api serves the deployment operations over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"edensetup/internal/probe"
	"edensetup/internal/setup"
	"edensetup/internal/store"
	"edensetup/pkg/logging"
)

// Service is the part of setup.Service the API exposes.
type Service interface {
	Deploy(ctx context.Context, req setup.DeployRequest) (*store.Deployment, error)
	Get(ctx context.Context, id int64) (*store.Deployment, error)
	List(ctx context.Context) ([]store.Deployment, error)
	Status(ctx context.Context, id int64) (*setup.Status, error)
	Refresh(ctx context.Context, id int64) (*setup.RefreshResult, error)
	ListUpgradable(ctx context.Context, id int64) ([]store.Package, error)
	SubmitUpgrade(ctx context.Context, id int64, packageIDs []int64) (*store.Upgrade, error)
	UpgradeStatus(ctx context.Context, id int64) (*setup.UpgradeState, error)
	Templates() ([]string, error)
	PrepopOptions(template string) ([]string, error)
	StoreKey(name string, r io.Reader) (string, error)
}

// LogReader returns a job's execution log.
type LogReader interface {
	Read(job string) ([]byte, error)
}

type Handlers struct {
	svc    Service
	logs   LogReader
	logger logging.Logger
}

func NewHandlers(svc Service, logs LogReader, logger logging.Logger) *Handlers {
	return &Handlers{svc: svc, logs: logs, logger: logger}
}

// Register mounts the routes under /api.
func (h *Handlers) Register(r gin.IRouter) {
	g := r.Group("/api")
	g.GET("/templates", h.ListTemplates)
	g.GET("/templates/:name/prepop", h.ListPrepopOptions)
	g.POST("/keys", h.UploadKey)

	g.GET("/deployments", h.ListDeployments)
	g.POST("/deployments", h.CreateDeployment)
	g.GET("/deployments/:id", h.GetDeployment)
	g.GET("/deployments/:id/log", h.GetLog)
	g.POST("/deployments/:id/refresh", h.Refresh)
	g.GET("/deployments/:id/upgrades", h.ListUpgradable)
	g.POST("/deployments/:id/upgrades", h.SubmitUpgrade)
	g.GET("/deployments/:id/upgrades/latest", h.UpgradeStatus)
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var ae *setup.AdmissionError
	switch {
	case errors.As(err, &ae) && ae.Err != nil:
		return http.StatusServiceUnavailable
	case errors.Is(err, setup.ErrAdmissionConflict):
		return http.StatusConflict
	case errors.Is(err, probe.ErrUnreachableHost):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, setup.ErrInvalidRequest), errors.Is(err, setup.ErrNotRefreshed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	c.JSON(code, errorResponse{Error: err.Error()})
}

func deploymentID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid deployment id"})
		return 0, false
	}
	return id, true
}

type deploymentView struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name,omitempty"`
	Host          string     `json:"host"`
	Connection    string     `json:"connection"`
	WebServer     string     `json:"web_server"`
	DatabaseType  string     `json:"database_type"`
	Distro        string     `json:"distro,omitempty"`
	Template      string     `json:"template"`
	Prepop        string     `json:"prepop"`
	PrepopOptions []string   `json:"prepop_options,omitempty"`
	DemoPhase     string     `json:"demo_phase"`
	Hostname      string     `json:"hostname,omitempty"`
	Sitename      string     `json:"sitename,omitempty"`
	RemoteUser    string     `json:"remote_user,omitempty"`
	PrivateKey    string     `json:"private_key,omitempty"`
	RepoURL       string     `json:"repo_url,omitempty"`
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	LastRefreshed *time.Time `json:"last_refreshed,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func viewOf(d *store.Deployment) deploymentView {
	v := deploymentView{
		ID:            d.ID,
		Name:          d.Name,
		Host:          d.Host,
		Connection:    d.Connection,
		WebServer:     d.WebServer,
		DatabaseType:  d.DatabaseType,
		Distro:        d.Distro,
		Template:      d.Template,
		Prepop:        d.Prepop,
		PrepopOptions: d.PrepopOptions,
		DemoPhase:     d.DemoPhase,
		Hostname:      d.Hostname,
		Sitename:      d.Sitename,
		RemoteUser:    d.RemoteUser,
		PrivateKey:    d.PrivateKey,
		RepoURL:       d.RepoURL,
		JobID:         d.JobID,
		Status:        string(d.JobStatus),
		CreatedAt:     d.CreatedAt,
	}
	if d.LastRefreshed.Valid {
		t := d.LastRefreshed.Time
		v.LastRefreshed = &t
	}
	return v
}

type deployRequest struct {
	Name          string   `json:"name"`
	Local         bool     `json:"local"`
	Host          string   `json:"host"`
	RemoteUser    string   `json:"remote_user"`
	PrivateKey    string   `json:"private_key"`
	WebServer     string   `json:"web_server" binding:"required"`
	DatabaseType  string   `json:"database_type" binding:"required"`
	DBPassword    string   `json:"db_password"`
	Distro        string   `json:"distro"`
	Template      string   `json:"template"`
	Prepop        string   `json:"prepop"`
	PrepopOptions []string `json:"prepop_options"`
	Hostname      string   `json:"hostname"`
	Sitename      string   `json:"sitename"`
}

func (h *Handlers) CreateDeployment(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	d, err := h.svc.Deploy(c.Request.Context(), setup.DeployRequest{
		Name:          req.Name,
		Local:         req.Local,
		Host:          req.Host,
		RemoteUser:    req.RemoteUser,
		PrivateKey:    req.PrivateKey,
		WebServer:     req.WebServer,
		DatabaseType:  req.DatabaseType,
		DBPassword:    req.DBPassword,
		Distro:        req.Distro,
		Template:      req.Template,
		Prepop:        req.Prepop,
		PrepopOptions: req.PrepopOptions,
		Hostname:      req.Hostname,
		Sitename:      req.Sitename,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, viewOf(d))
}

func (h *Handlers) ListDeployments(c *gin.Context) {
	ds, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	views := make([]deploymentView, 0, len(ds))
	for i := range ds {
		views = append(views, viewOf(&ds[i]))
	}
	c.JSON(http.StatusOK, gin.H{"deployments": views})
}

type statusView struct {
	deploymentView
	RunOutput string `json:"run_output,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

func (h *Handlers) GetDeployment(c *gin.Context) {
	id, ok := deploymentID(c)
	if !ok {
		return
	}
	st, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, statusView{
		deploymentView: viewOf(st.Deployment),
		RunOutput:      st.Job.RunOutput,
		Traceback:      st.Job.Traceback,
	})
}

func (h *Handlers) GetLog(c *gin.Context) {
	id, ok := deploymentID(c)
	if !ok {
		return
	}
	st, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	body, err := h.logs.Read(st.Job.TaskName)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", body)
}

func (h *Handlers) Refresh(c *gin.Context) {
	id, ok := deploymentID(c)
	if !ok {
		return
	}
	res, err := h.svc.Refresh(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	names := func(pkgs []probe.Package) []string {
		out := make([]string, 0, len(pkgs))
		for _, p := range pkgs {
			out = append(out, p.Name)
		}
		return out
	}
	c.JSON(http.StatusOK, gin.H{
		"deployment_id": res.DeploymentID,
		"refreshed_at":  res.RefreshedAt,
		"new":           names(res.Plan.New),
		"upgradable":    names(res.Plan.Upgrade),
		"up_to_date":    res.Plan.UpToDate,
	})
}

type packageView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	CV   string `json:"cv"`
	AV   string `json:"av"`
	Type string `json:"type"`
}

func (h *Handlers) ListUpgradable(c *gin.Context) {
	id, ok := deploymentID(c)
	if !ok {
		return
	}
	pkgs, err := h.svc.ListUpgradable(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	views := make([]packageView, 0, len(pkgs))
	for _, p := range pkgs {
		views = append(views, packageView{ID: p.ID, Name: p.Name, CV: p.CV, AV: p.AV, Type: p.Type})
	}
	c.JSON(http.StatusOK, gin.H{"packages": views})
}

type upgradeRequest struct {
	PackageIDs []int64 `json:"package_ids" binding:"required"`
}

type upgradeView struct {
	ID           int64     `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (h *Handlers) SubmitUpgrade(c *gin.Context) {
	id, ok := deploymentID(c)
	if !ok {
		return
	}
	var req upgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	u, err := h.svc.SubmitUpgrade(c.Request.Context(), id, req.PackageIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, upgradeView{
		ID: u.ID, DeploymentID: u.DeploymentID, JobID: u.JobID, Status: string(u.JobStatus), CreatedAt: u.CreatedAt,
	})
}

func (h *Handlers) UpgradeStatus(c *gin.Context) {
	id, ok := deploymentID(c)
	if !ok {
		return
	}
	st, err := h.svc.UpgradeStatus(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	u := st.Upgrade
	c.JSON(http.StatusOK, upgradeView{
		ID: u.ID, DeploymentID: u.DeploymentID, JobID: u.JobID, Status: string(u.JobStatus), Message: st.Message, CreatedAt: u.CreatedAt,
	})
}

func (h *Handlers) ListTemplates(c *gin.Context) {
	names, err := h.svc.Templates()
	if err != nil {
		h.fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"templates": names})
}

func (h *Handlers) ListPrepopOptions(c *gin.Context) {
	opts, err := h.svc.PrepopOptions(c.Param("name"))
	if errors.Is(err, setup.ErrInvalidRequest) {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if opts == nil {
		opts = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"prepop_options": opts})
}

// UploadKey stores a private key sent as the multipart field "key".
func (h *Handlers) UploadKey(c *gin.Context) {
	fh, err := c.FormFile("key")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "multipart field \"key\" is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	name, err := h.svc.StoreKey(fh.Filename, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": name})
}
