// Package cluster implements the worker role: one process owning a shard
// range of some externally-driven bot runtime. The bot runtime itself
// (gateway connection, event loop) is explicitly out of scope (spec §1
// Non-goals); Bot is the seam a real implementation plugs into.
//
// Grounded on hikari_clusters/cluster.py (the ClusterLauncher
// fork-target shape, the Ready/cluster_id properties, the cluster_stop
// event) and the teacher's agent lifecycle (start/run/close sequencing).
package cluster

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/dispatch"
	"github.com/shardhub/shardhub/internal/ipcclient"
	"github.com/shardhub/shardhub/internal/protocol"
)

// Bot is the externally-supplied runtime a Cluster supervises. A real
// implementation would wrap a gateway client; shardhub only needs to know
// how many of its assigned shards are currently connected.
type Bot interface {
	Start(ctx context.Context, shardIDs []int, shardCount int) error
	Close(ctx context.Context) error
	ReadyShardCount() int
}

// Config configures a Cluster.
type Config struct {
	HubHost string
	HubPort int
	Token   string

	ShardIDs   []int
	ShardCount int
	ServerUID  protocol.UID

	CertificatePath string
}

// ClusterID derives the stable cluster identity from its shard assignment,
// matching ClusterInfo.get_cluster_id.
func ClusterID(shardIDs []int, shardsPerCluster int) int {
	smallest := shardIDs[0]
	for _, s := range shardIDs[1:] {
		if s < smallest {
			smallest = s
		}
	}
	return protocol.ClusterID(smallest, shardsPerCluster)
}

// Cluster is the worker role client.
type Cluster struct {
	cfg Config
	log zerolog.Logger
	bot Bot

	ipc *ipcclient.Client

	mu     sync.Mutex
	stopCh chan struct{}
}

// New wires a Cluster's ipc client and event handlers around bot,
// unstarted.
func New(cfg Config, log zerolog.Logger, bot Bot) *Cluster {
	log = log.With().Str("component", "cluster").Logger()
	c := &Cluster{cfg: cfg, log: log, bot: bot, stopCh: make(chan struct{})}

	uri := ipcclient.GetURI(cfg.HubHost, cfg.HubPort, false)
	c.ipc = ipcclient.New(ipcclient.Config{URI: uri, Token: cfg.Token, Reconnect: true}, log, c.info)

	eg := dispatch.NewEventGroup()
	eg.Add("cluster_stop", func(ctx context.Context, from protocol.UID, data json.RawMessage) error {
		c.Stop()
		return nil
	})
	c.ipc.Dispatcher().IncludeEvents(eg)

	return c
}

// Ready reports whether every assigned shard is currently connected,
// resolving spec §9's Open Question the same way the original does:
// len(shards_ready) == len(shard_ids).
func (c *Cluster) Ready() bool {
	return c.bot.ReadyShardCount() == len(c.cfg.ShardIDs)
}

func (c *Cluster) info() protocol.InfoRecord {
	return protocol.ClusterInfo{
		UID:       c.ipc.UID(),
		ServerUID: c.cfg.ServerUID,
		ShardIDs:  c.cfg.ShardIDs,
		Ready:     c.Ready(),
	}
}

// Run connects to the hub, starts the bot on the assigned shard range, and
// blocks until ctx is done or a cluster_stop event (or Stop) fires.
func (c *Cluster) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.bot.Start(runCtx, c.cfg.ShardIDs, c.cfg.ShardCount); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.ipc.Run(runCtx) }()

	var runErr error
	select {
	case <-c.stopCh:
	case <-runCtx.Done():
	case runErr = <-errCh:
	}

	cancel()
	_ = c.bot.Close(context.Background())
	return runErr
}

// Stop triggers a graceful shutdown, matching Cluster.stop() /
// cluster_stop's handler in the original. Closing ipc unblocks its
// receiveLoop immediately instead of waiting on the read deadline, per
// spec §5's shutdown bound.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	_ = c.ipc.Close()
}
