// Package server implements the host-agent role: it supervises cluster
// worker subprocesses on one machine and reports their exit to the brain.
//
// Grounded on hikari_clusters/server.py (cluster_processes map keyed by
// smallest shard id, the 5s dead-process reaper, the launch_cluster
// command and server_stop event) and the teacher's process-spawning idiom
// in internal/agent, generalized from "spawn one persistent agent process"
// to "spawn N worker subprocesses of varying shard ranges."
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/dispatch"
	"github.com/shardhub/shardhub/internal/ipcclient"
	"github.com/shardhub/shardhub/internal/metrics"
	"github.com/shardhub/shardhub/internal/protocol"
	"github.com/shirou/gopsutil/v3/process"
)

const reapInterval = 5 * time.Second

// Config configures a Server.
type Config struct {
	HubHost string
	HubPort int
	Token   string

	// BinaryPath is the shardhub binary re-exec'd as `BinaryPath
	// cluster-worker ...` for each launched cluster, per the
	// fork-and-exec-with-a-distinct-subcommand design (spec §9).
	BinaryPath string

	CertificatePath string
}

// launchClusterData is the launch_cluster command payload sent by the
// brain, matching the field names server.py's handler reads off pl.data.
type launchClusterData struct {
	ShardIDs   []int `json:"shard_ids"`
	ShardCount int   `json:"shard_count"`
}

type supervisedProcess struct {
	cmd      *exec.Cmd
	shardIDs []int
	dead     chan struct{}
}

func (p *supervisedProcess) smallestShard() int {
	min := p.shardIDs[0]
	for _, s := range p.shardIDs[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

func (p *supervisedProcess) isDead() bool {
	select {
	case <-p.dead:
		return true
	default:
		return false
	}
}

// Server is the host-agent role client.
type Server struct {
	cfg Config
	log zerolog.Logger

	ipc     *ipcclient.Client
	metrics *metrics.Registry

	mu        sync.Mutex
	processes map[int]*supervisedProcess

	stopCh chan struct{}
}

// New wires a Server's ipc client and command/event handlers, unstarted.
func New(cfg Config, log zerolog.Logger, m *metrics.Registry) *Server {
	log = log.With().Str("component", "server").Logger()
	s := &Server{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		processes: make(map[int]*supervisedProcess),
		stopCh:    make(chan struct{}),
	}

	uri := ipcclient.GetURI(cfg.HubHost, cfg.HubPort, false)
	s.ipc = ipcclient.New(ipcclient.Config{URI: uri, Token: cfg.Token, Reconnect: true}, log, s.info)

	cg := dispatch.NewCommandGroup()
	_ = cg.Add("launch_cluster", s.handleLaunchCluster)
	if err := s.ipc.Dispatcher().IncludeCommands(cg); err != nil {
		panic(err)
	}

	eg := dispatch.NewEventGroup()
	eg.Add("server_stop", func(ctx context.Context, from protocol.UID, data json.RawMessage) error {
		s.Stop()
		return nil
	})
	s.ipc.Dispatcher().IncludeEvents(eg)

	return s
}

// info builds this server's ServerInfo. Its cluster_uids are the UID of
// every cluster owned by this server, read off the ipc client's own
// presence view (a cluster's ClusterInfo comes from its own self-announce,
// so this is necessarily an approximation of "my own children" filtered by
// server_uid equality, matching Server.clusters in the original).
func (s *Server) info() protocol.InfoRecord {
	mine := make([]protocol.UID, 0)
	self := s.ipc.UID()
	for uid, c := range s.ipc.Presence().Clusters() {
		if c.ServerUID == self {
			mine = append(mine, uid)
		}
	}
	return protocol.ServerInfo{UID: self, ClusterUIDs: mine}
}

func (s *Server) handleLaunchCluster(ctx context.Context, from protocol.UID, data json.RawMessage) (any, error) {
	var d launchClusterData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if len(d.ShardIDs) == 0 {
		return nil, fmt.Errorf("server: launch_cluster with empty shard_ids")
	}

	args := []string{
		"cluster-worker",
		"--ipc-host", s.cfg.HubHost,
		"--ipc-port", strconv.Itoa(s.cfg.HubPort),
		"--ipc-token", s.cfg.Token,
		"--server-uid", strconv.FormatUint(s.ipc.UID(), 10),
		"--shard-count", strconv.Itoa(d.ShardCount),
		"--shard-ids", joinInts(d.ShardIDs),
	}
	if s.cfg.CertificatePath != "" {
		args = append(args, "--certificate-path", s.cfg.CertificatePath)
	}

	cmd := exec.CommandContext(context.Background(), s.cfg.BinaryPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("server: spawn cluster worker: %w", err)
	}

	sp := &supervisedProcess{cmd: cmd, shardIDs: d.ShardIDs, dead: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(sp.dead)
	}()

	s.mu.Lock()
	s.processes[sp.smallestShard()] = sp
	count := len(s.processes)
	s.mu.Unlock()

	s.metrics.SupervisedWorkers.Set(float64(count))
	s.log.Info().Ints("shard_ids", d.ShardIDs).Int("pid", cmd.Process.Pid).Msg("launched cluster worker")
	return nil, nil
}

// Run starts the ipc client and the reap/metrics loop, blocking until ctx
// is done or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.ipc.Run(runCtx) }()
	go s.reapLoop(runCtx)

	select {
	case <-s.stopCh:
		cancel()
		return nil
	case <-runCtx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop triggers a graceful shutdown, matching server.py's SIGINT path.
// Closing ipc unblocks its receiveLoop immediately instead of waiting on
// the read deadline, per spec §5's shutdown bound.
func (s *Server) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	_ = s.ipc.Close()
}

func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
			s.sampleMetrics()
		}
	}
}

// reapOnce mirrors Server._loop_cleanup_processes: for every tracked
// process that has exited, report cluster_died to the brain and forget it.
func (s *Server) reapOnce(ctx context.Context) {
	brain, ok := s.ipc.Presence().Brain()
	if !ok {
		return
	}

	s.mu.Lock()
	var dead []int
	for smallest, p := range s.processes {
		if p.isDead() {
			dead = append(dead, smallest)
		}
	}
	for _, smallest := range dead {
		delete(s.processes, smallest)
	}
	count := len(s.processes)
	s.mu.Unlock()

	s.metrics.SupervisedWorkers.Set(float64(count))

	for _, smallest := range dead {
		s.metrics.WorkerDeaths.Inc()
		data := struct {
			SmallestShardID int `json:"smallest_shard_id"`
		}{SmallestShardID: smallest}
		if err := s.ipc.SendEvent([]protocol.UID{brain.UID}, "cluster_died", data); err != nil {
			s.log.Error().Err(err).Int("smallest_shard_id", smallest).Msg("failed to report cluster_died")
		}
	}
}

func (s *Server) sampleMetrics() {
	s.mu.Lock()
	procs := make(map[int]*supervisedProcess, len(s.processes))
	for k, v := range s.processes {
		procs[k] = v
	}
	s.mu.Unlock()

	for smallest, p := range procs {
		if p.isDead() {
			continue
		}
		gp, err := process.NewProcess(int32(p.cmd.Process.Pid))
		if err != nil {
			continue
		}
		label := strconv.Itoa(smallest)
		if pct, err := gp.CPUPercent(); err == nil {
			s.metrics.WorkerCPUPercent.WithLabelValues(label).Set(pct)
		}
		if mem, err := gp.MemoryInfo(); err == nil && mem != nil {
			s.metrics.WorkerRSSBytes.WithLabelValues(label).Set(float64(mem.RSS))
		}
	}
}

func joinInts(ints []int) string {
	parts := make([]string, len(ints))
	for i, v := range ints {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
