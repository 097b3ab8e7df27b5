// Package brain implements the coordinator role: it hosts the hub
// (internal/hub) and runs the placement controller, grounded on
// hikari_clusters/brain.py's _get_next_cluster_to_launch and its
// waiting_for invalidation rule.
package brain

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/callback"
	"github.com/shardhub/shardhub/internal/ipcclient"
	"github.com/shardhub/shardhub/internal/metrics"
	"github.com/shardhub/shardhub/internal/presence"
	"github.com/shardhub/shardhub/internal/protocol"
)

const tickInterval = 1 * time.Second

// commandSender is the subset of ipcclient.Client the placement controller
// needs, narrowed so the controller can be driven by a fake in tests
// instead of a live hub connection.
type commandSender interface {
	SendCommand(ctx context.Context, to []protocol.UID, name string, data any, timeout time.Duration) (map[protocol.UID]callback.Result, error)
}

// LaunchClusterData is the payload of the launch_cluster command sent to
// the chosen server.
type LaunchClusterData struct {
	ShardIDs   []int `json:"shard_ids"`
	ShardCount int   `json:"shard_count"`
}

// waitTarget mirrors spec §3's brain-only placement state.
type waitTarget struct {
	serverUID     protocol.UID
	smallestShard int
}

// Controller is the brain's placement loop: one tick per second deciding
// which server, if any, should launch the next cluster.
type Controller struct {
	log zerolog.Logger
	ipc commandSender
	reg *presence.Registry
	m   *metrics.Registry

	totalServers      int
	clustersPerServer int
	shardsPerCluster  int

	mu         sync.Mutex
	waitingFor *waitTarget
}

// NewController creates a Controller. Shard counts are derived from the
// three configured quantities, matching spec §4.8.
func NewController(log zerolog.Logger, ipc commandSender, reg *presence.Registry, m *metrics.Registry, totalServers, clustersPerServer, shardsPerCluster int) *Controller {
	return &Controller{
		log:               log.With().Str("component", "placement").Logger(),
		ipc:               ipc,
		reg:               reg,
		m:                 m,
		totalServers:      totalServers,
		clustersPerServer: clustersPerServer,
		shardsPerCluster:  shardsPerCluster,
	}
}

// TotalClusters is total_servers * clusters_per_server.
func (c *Controller) TotalClusters() int { return c.totalServers * c.clustersPerServer }

// TotalShards is total_clusters * shards_per_cluster.
func (c *Controller) TotalShards() int { return c.TotalClusters() * c.shardsPerCluster }

// Run ticks once a second until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.m.PlacementAttempts.Inc()
			c.tick(ctx)
		}
	}
}

// WaitingFor re-validates and returns the current placement target, per
// spec §4.8: "read on every access, not on notification." Clears the slot
// if the target server disappeared, or if its smallest shard is now live.
func (c *Controller) WaitingFor() (protocol.UID, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingForLocked()
}

func (c *Controller) waitingForLocked() (protocol.UID, int, bool) {
	if c.waitingFor == nil {
		return 0, 0, false
	}
	servers := c.reg.Servers()
	if _, ok := servers[c.waitingFor.serverUID]; !ok {
		c.waitingFor = nil
		return 0, 0, false
	}
	live := c.reg.AllLiveShards()
	if _, ok := live[c.waitingFor.smallestShard]; ok {
		c.waitingFor = nil
		return 0, 0, false
	}
	return c.waitingFor.serverUID, c.waitingFor.smallestShard, true
}

// HandleClusterDied clears waitingFor if it matches smallestShardID,
// preserving the exact equality check from the original implementation so
// a stale death event cannot clobber a newer launch attempt.
func (c *Controller) HandleClusterDied(smallestShardID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitingFor != nil && c.waitingFor.smallestShard == smallestShardID {
		c.waitingFor = nil
	}
}

func (c *Controller) tick(ctx context.Context) {
	servers := c.reg.Servers()
	if len(servers) == 0 {
		return
	}

	for _, cl := range c.reg.Clusters() {
		if !cl.Ready {
			return
		}
	}

	if _, _, waiting := c.WaitingFor(); waiting {
		return
	}

	uids := make([]protocol.UID, 0, len(servers))
	for u := range servers {
		uids = append(uids, u)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var chosen protocol.ServerInfo
	var found bool
	for _, u := range uids {
		s := servers[u]
		if len(s.ClusterUIDs) < c.clustersPerServer {
			chosen = s
			found = true
			break
		}
	}
	if !found {
		return
	}

	live := c.reg.AllLiveShards()
	needed := make([]int, 0, c.TotalShards())
	for s := 0; s < c.TotalShards(); s++ {
		if _, ok := live[s]; !ok {
			needed = append(needed, s)
		}
	}
	if len(needed) == 0 {
		return
	}
	sort.Ints(needed)

	n := c.shardsPerCluster
	if n > len(needed) {
		n = len(needed)
	}
	shardIDs := append([]int(nil), needed[:n]...)

	c.log.Info().Uint64("server_uid", chosen.UID).Ints("shard_ids", shardIDs).Msg("launching cluster")

	cmdCtx, cancel := context.WithTimeout(ctx, ipcclient.DefaultCommandTimeout+time.Second)
	defer cancel()
	if _, err := c.ipc.SendCommand(cmdCtx, []protocol.UID{chosen.UID}, "launch_cluster",
		LaunchClusterData{ShardIDs: shardIDs, ShardCount: c.TotalShards()}, ipcclient.DefaultCommandTimeout); err != nil {
		c.log.Error().Err(err).Msg("failed to send launch_cluster")
		return
	}

	c.m.PlacementLaunches.Inc()
	c.mu.Lock()
	c.waitingFor = &waitTarget{serverUID: chosen.UID, smallestShard: shardIDs[0]}
	c.mu.Unlock()
}
