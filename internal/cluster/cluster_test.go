package cluster

import (
	"context"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/hub"
	"github.com/shardhub/shardhub/internal/ipcclient"
	"github.com/shardhub/shardhub/internal/metrics"
	"github.com/shardhub/shardhub/internal/protocol"
)

func TestClusterIDUsesSmallestShard(t *testing.T) {
	if got := ClusterID([]int{5, 4, 6}, 2); got != 2 {
		t.Fatalf("expected cluster id 2 for smallest shard 4 with 2 shards/cluster, got %d", got)
	}
}

func TestStaticBotLifecycle(t *testing.T) {
	b := &StaticBot{}
	if b.ReadyShardCount() != 0 {
		t.Fatal("a fresh StaticBot must report zero ready shards")
	}
	if err := b.Start(context.Background(), []int{0, 1, 2}, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if b.ReadyShardCount() != 3 {
		t.Fatalf("expected 3 ready shards after Start, got %d", b.ReadyShardCount())
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.ReadyShardCount() != 0 {
		t.Fatal("expected zero ready shards after Close")
	}
}

func TestReadyMatchesBotShardCount(t *testing.T) {
	c := &Cluster{cfg: Config{ShardIDs: []int{0, 1}}, bot: &StaticBot{}}
	if c.Ready() {
		t.Fatal("expected not ready before the bot starts any shards")
	}
	_ = c.bot.Start(context.Background(), []int{0, 1}, 2)
	if !c.Ready() {
		t.Fatal("expected ready once the bot reports every assigned shard")
	}
}

func testLog() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
}

func startTestHub(t *testing.T, token string) (hostPort string, host string, port int) {
	t.Helper()
	h := hub.New(token, testLog(), metrics.New())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	hostStr, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return u.Host, hostStr, portNum
}

// TestClusterStopEventStopsRun drives a real hub and a peer ipc client that
// sends the cluster_stop event, confirming Cluster.Run returns.
func TestClusterStopEventStopsRun(t *testing.T) {
	wsURL, host, port := startTestHub(t, "secret")

	c := New(Config{HubHost: host, HubPort: port, Token: "secret", ShardIDs: []int{0, 1}, ShardCount: 2}, testLog(), &StaticBot{})

	peerURI := "ws://" + wsURL
	peer := ipcclient.New(ipcclient.Config{URI: peerURI, Token: "secret", Reconnect: false}, testLog(),
		func() protocol.InfoRecord { return protocol.BrainInfo{} })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	if err := c.ipc.WaitUntilReady(ctx); err != nil {
		t.Fatalf("cluster ipc never ready: %v", err)
	}
	go peer.Run(ctx)
	if err := peer.WaitUntilReady(ctx); err != nil {
		t.Fatalf("peer ipc never ready: %v", err)
	}

	deadline := time.Now().Add(8 * time.Second)
	for !peer.Presence().Has(c.ipc.UID()) {
		if time.Now().After(deadline) {
			t.Fatal("peer never learned the cluster's uid")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := peer.SendEvent([]protocol.UID{c.ipc.UID()}, "cluster_stop", struct{}{}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}

	select {
	case <-runDone:
	case <-ctx.Done():
		t.Fatal("Run never returned after cluster_stop")
	}
}
