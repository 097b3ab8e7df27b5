package ipcclient_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/callback"
	"github.com/shardhub/shardhub/internal/dispatch"
	"github.com/shardhub/shardhub/internal/hub"
	"github.com/shardhub/shardhub/internal/ipcclient"
	"github.com/shardhub/shardhub/internal/metrics"
	"github.com/shardhub/shardhub/internal/protocol"
)

func testLog() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
}

func startTestHub(t *testing.T, token string) string {
	t.Helper()
	log := testLog()
	h := hub.New(token, log, metrics.New())

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, uri, token string, info protocol.InfoRecord) *ipcclient.Client {
	t.Helper()
	return ipcclient.New(ipcclient.Config{URI: uri, Token: token, Reconnect: false}, testLog(),
		func() protocol.InfoRecord { return info })
}

func TestHandshakeSucceedsAndAssignsUID(t *testing.T) {
	url := startTestHub(t, "secret")
	c := newTestClient(t, url, "secret", protocol.BrainInfo{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	if err := c.WaitUntilReady(ctx); err != nil {
		t.Fatalf("client never became ready: %v", err)
	}
	if c.UID() == 0 {
		t.Fatal("expected a nonzero hub-assigned uid")
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	url := startTestHub(t, "secret")
	c := newTestClient(t, url, "wrong", protocol.BrainInfo{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Run(ctx)
	if err != ipcclient.ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCommandFanOutAndResponse(t *testing.T) {
	url := startTestHub(t, "secret")

	server := newTestClient(t, url, "secret", protocol.ServerInfo{})
	worker := newTestClient(t, url, "secret", protocol.ClusterInfo{})

	g := dispatch.NewCommandGroup()
	_ = g.Add("echo", func(ctx context.Context, from protocol.UID, data json.RawMessage) (any, error) {
		var payload map[string]string
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	if err := worker.Dispatcher().IncludeCommands(g); err != nil {
		t.Fatalf("IncludeCommands: %v", err)
	}

	// The hub's presence broadcast runs on a 5s tick (spec §4.7), so the
	// server needs up to that long to learn the worker's uid.
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	go server.Run(ctx)
	go worker.Run(ctx)

	if err := server.WaitUntilReady(ctx); err != nil {
		t.Fatalf("server never ready: %v", err)
	}
	if err := worker.WaitUntilReady(ctx); err != nil {
		t.Fatalf("worker never ready: %v", err)
	}

	waitUntilPresent(t, ctx, server, worker.UID())

	results, err := server.SendCommand(ctx, []protocol.UID{worker.UID()}, "echo", map[string]string{"hi": "there"}, time.Second)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	res, ok := results[worker.UID()]
	if !ok {
		t.Fatalf("expected a result for worker uid, got %v", results)
	}
	if res.Kind != callback.ResultOk {
		t.Fatalf("expected ResultOk, got %+v", res)
	}
}

func TestCommandNoResponseOnDisconnect(t *testing.T) {
	url := startTestHub(t, "secret")

	server := newTestClient(t, url, "secret", protocol.ServerInfo{})
	worker := newTestClient(t, url, "secret", protocol.ClusterInfo{})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	go server.Run(ctx)
	go worker.Run(workerCtx)

	if err := server.WaitUntilReady(ctx); err != nil {
		t.Fatalf("server never ready: %v", err)
	}
	if err := worker.WaitUntilReady(ctx); err != nil {
		t.Fatalf("worker never ready: %v", err)
	}
	waitUntilPresent(t, ctx, server, worker.UID())
	workerUID := worker.UID()

	workerCancel()
	_ = worker.Close()

	results, err := server.SendCommand(ctx, []protocol.UID{workerUID}, "never_registered", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if res := results[workerUID]; res.Kind != callback.ResultNoResponse {
		t.Fatalf("expected ResultNoResponse after disconnect, got %+v", res)
	}
}

func waitUntilPresent(t *testing.T, ctx context.Context, c *ipcclient.Client, uid protocol.UID) {
	t.Helper()
	deadline := time.After(7 * time.Second)
	for {
		if c.Presence().Has(uid) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("uid %d never appeared in presence", uid)
		case <-ctx.Done():
			t.Fatalf("context done waiting for uid %d", uid)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
