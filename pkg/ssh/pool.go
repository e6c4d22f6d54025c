package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Pool reuses one SSH connection per user@host:port
type Pool struct {
	mu          sync.Mutex
	connections map[string]*Client
	timeout     time.Duration
	newClient   func(config *ConnectionConfig) (*Client, error)
}

// NewPool creates a pool; timeout applies to dials that set none
func NewPool(timeout time.Duration) *Pool {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Pool{
		connections: make(map[string]*Client),
		timeout:     timeout,
		newClient:   NewClient,
	}
}

// Get returns a live connection, redialing when the cached one fails a ping
func (p *Pool) Get(ctx context.Context, config *ConnectionConfig) (*Client, error) {
	key := config.key()

	p.mu.Lock()
	client, ok := p.connections[key]
	p.mu.Unlock()

	if ok {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx)
		cancel()
		if err == nil {
			return client, nil
		}
		_ = p.CloseHost(config)
	}

	if config.Timeout == 0 {
		config.Timeout = p.timeout
	}
	client, err := p.newClient(config)
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.connections[key]; ok {
		_ = client.Close()
		return existing, nil
	}
	p.connections[key] = client
	return client, nil
}

// Run executes command on the host, retrying once on a dropped connection
func (p *Pool) Run(ctx context.Context, config *ConnectionConfig, command string) (*CommandResult, error) {
	client, err := p.Get(ctx, config)
	if err != nil {
		return nil, err
	}
	result, err := client.Run(ctx, command)
	if err != nil && droppedConnection(err) {
		_ = p.CloseHost(config)
		if client, err = p.Get(ctx, config); err != nil {
			return result, err
		}
		return client.Run(ctx, command)
	}
	return result, err
}

func droppedConnection(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") || strings.Contains(msg, "use of closed network connection")
}

// CloseHost drops the cached connection for one host
func (p *Pool) CloseHost(config *ConnectionConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := config.key()
	if client, ok := p.connections[key]; ok {
		delete(p.connections, key)
		return client.Close()
	}
	return nil
}

// Close closes every cached connection
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, client := range p.connections {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	p.connections = make(map[string]*Client)
	return errors.Join(errs...)
}

// hostRunner binds a pool and a config into a Runner
type hostRunner struct {
	pool   *Pool
	config *ConnectionConfig
}

// For returns a Runner for one host backed by the pool
func (p *Pool) For(config *ConnectionConfig) Runner {
	return &hostRunner{pool: p, config: config}
}

func (h *hostRunner) Run(ctx context.Context, command string) (*CommandResult, error) {
	return h.pool.Run(ctx, h.config, command)
}

func (h *hostRunner) Close() error { return h.pool.CloseHost(h.config) }
