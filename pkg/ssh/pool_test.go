package ssh

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPoolRedialsAfterFailedPing(t *testing.T) {
	t.Parallel()

	pool := NewPool(2 * time.Second)
	var created []*Client
	pool.newClient = func(config *ConnectionConfig) (*Client, error) {
		client := &Client{config: config}
		if len(created) == 0 {
			client.pingFunc = func(context.Context) error { return errors.New("stale connection") }
		} else {
			client.pingFunc = func(context.Context) error { return nil }
		}
		created = append(created, client)
		return client, nil
	}

	config := &ConnectionConfig{Address: "10.0.0.5", Port: 22, User: "admin"}

	first, err := pool.Get(context.Background(), config)
	if err != nil {
		t.Fatal(err)
	}
	second, err := pool.Get(context.Background(), config)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 || first == second || second != created[1] {
		t.Fatalf("expected a redial after the failed ping, created %d", len(created))
	}
	if config.Timeout != 2*time.Second {
		t.Fatalf("pool timeout not applied: %s", config.Timeout)
	}

	third, err := pool.Get(context.Background(), config)
	if err != nil || third != second {
		t.Fatalf("healthy connection not reused: %v", err)
	}
}

func TestPoolDialError(t *testing.T) {
	pool := NewPool(0)
	pool.newClient = func(*ConnectionConfig) (*Client, error) { return nil, errors.New("refused") }
	if _, err := pool.Get(context.Background(), &ConnectionConfig{Address: "h", User: "u"}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestLocalRunner(t *testing.T) {
	res, err := NewLocalRunner().Run(context.Background(), "echo hello; echo oops >&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "hello" || res.Stderr != "oops" || res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = NewLocalRunner().Run(context.Background(), "exit 3")
	if err == nil || res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %+v %v", res, err)
	}
}
