package brain

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shardhub/shardhub/internal/dispatch"
	"github.com/shardhub/shardhub/internal/hub"
	"github.com/shardhub/shardhub/internal/ipcclient"
	"github.com/shardhub/shardhub/internal/metrics"
	"github.com/shardhub/shardhub/internal/protocol"
	"golang.org/x/time/rate"
)

// Config configures a Brain.
type Config struct {
	Host string
	Port int

	// OpsAddr is the separate listener address for /health, /metrics and
	// /status, kept apart from the hub's own accept path per spec §6.1.
	OpsAddr string

	Token string

	TotalServers      int
	ClustersPerServer int
	ShardsPerCluster  int

	AcceptRatePerSecond float64
	AcceptBurst         int
}

// clusterDiedData is the payload of the cluster_died event, matching
// server.py's Event(["cluster_died"], {"smallest_shard_id": ...}).
type clusterDiedData struct {
	SmallestShardID int `json:"smallest_shard_id"`
}

// statusResponse is the /status endpoint's JSON body.
type statusResponse struct {
	Servers    []protocol.ServerInfo  `json:"servers"`
	Clusters   []protocol.ClusterInfo `json:"clusters"`
	WaitingFor *waitingForView        `json:"waiting_for,omitempty"`
}

type waitingForView struct {
	ServerUID     protocol.UID `json:"server_uid"`
	SmallestShard int          `json:"smallest_shard"`
}

// Brain is the coordinator role client: it hosts the hub, is itself one of
// the hub's clients, and runs the placement controller.
type Brain struct {
	cfg Config
	log zerolog.Logger

	hub        *hub.Hub
	ipc        *ipcclient.Client
	controller *Controller
	metrics    *metrics.Registry

	wsServer  *http.Server
	opsServer *http.Server

	cancel context.CancelFunc
}

// New wires a Brain's hub, ipc client, placement controller and both HTTP
// listeners, registers its event handlers, and returns it unstarted.
func New(cfg Config, log zerolog.Logger) *Brain {
	log = log.With().Str("component", "brain").Logger()
	m := metrics.New()
	h := hub.New(cfg.Token, log, m)

	b := &Brain{cfg: cfg, log: log, hub: h, metrics: m}

	uri := ipcclient.GetURI(cfg.Host, cfg.Port, false)
	b.ipc = ipcclient.New(ipcclient.Config{URI: uri, Token: cfg.Token, Reconnect: true}, log, b.info)
	b.controller = NewController(log, b.ipc, b.ipc.Presence(), m, cfg.TotalServers, cfg.ClustersPerServer, cfg.ShardsPerCluster)

	b.ipc.Dispatcher().IncludeEvents(b.eventGroup())
	b.buildServers()
	return b
}

func (b *Brain) info() protocol.InfoRecord {
	return protocol.BrainInfo{UID: b.ipc.UID()}
}

// eventGroup registers brain_stop (stop the brain only), shutdown
// (broadcast server_stop to every known server, then stop the brain),
// and cluster_died (forward to the placement controller), matching
// brain.py's module-level EventGroup and its brain_stop/shutdown
// asymmetry.
func (b *Brain) eventGroup() *dispatch.EventGroup {
	g := dispatch.NewEventGroup()

	g.Add("brain_stop", func(ctx context.Context, from protocol.UID, data json.RawMessage) error {
		b.Stop()
		return nil
	})

	g.Add("shutdown", func(ctx context.Context, from protocol.UID, data json.RawMessage) error {
		servers := b.ipc.Presence().Servers()
		uids := make([]protocol.UID, 0, len(servers))
		for u := range servers {
			uids = append(uids, u)
		}
		if len(uids) > 0 {
			if err := b.ipc.SendEvent(uids, "server_stop", struct{}{}); err != nil {
				b.log.Error().Err(err).Msg("failed to broadcast server_stop")
			}
		}
		b.Stop()
		return nil
	})

	g.Add("cluster_died", func(ctx context.Context, from protocol.UID, data json.RawMessage) error {
		var d clusterDiedData
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		b.controller.HandleClusterDied(d.SmallestShardID)
		return nil
	})

	return g
}

func (b *Brain) buildServers() {
	mux := http.NewServeMux()
	mux.Handle("/", b.rateLimited(b.hub))
	b.wsServer = &http.Server{Addr: net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port)), Handler: mux}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(b.requireToken).Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		b.metrics.Handler().ServeHTTP(w, r)
	})
	r.With(b.requireToken).Get("/status", b.handleStatus)
	b.opsServer = &http.Server{Addr: b.cfg.OpsAddr, Handler: r}
}

func (b *Brain) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		want := "Bearer " + b.cfg.Token
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Brain) rateLimited(next http.Handler) http.Handler {
	limit := rate.Limit(b.cfg.AcceptRatePerSecond)
	if limit <= 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, b.cfg.AcceptBurst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Brain) handleStatus(w http.ResponseWriter, r *http.Request) {
	servers := b.ipc.Presence().Servers()
	clusters := b.ipc.Presence().Clusters()

	resp := statusResponse{}
	for _, s := range servers {
		resp.Servers = append(resp.Servers, s)
	}
	for _, c := range clusters {
		resp.Clusters = append(resp.Clusters, c)
	}
	if uid, shard, ok := b.controller.WaitingFor(); ok {
		resp.WaitingFor = &waitingForView{ServerUID: uid, SmallestShard: shard}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Run starts the hub, the brain's own ipc connection to it, both HTTP
// listeners, and the placement controller, blocking until ctx is done or a
// brain_stop/shutdown event cancels the derived context.
func (b *Brain) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- b.wsServer.ListenAndServe() }()
	go func() { errCh <- b.opsServer.ListenAndServe() }()
	go b.hub.Run(runCtx)
	go func() { errCh <- b.ipc.Run(runCtx) }()
	go func() { _ = b.controller.Run(runCtx) }()

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			b.log.Error().Err(err).Msg("component exited with error")
		}
		cancel()
	}

	b.shutdownServers()
	return nil
}

// Stop signals Run's context to cancel and closes the brain's own ipc
// connection, mirroring the original's stop()/stop_future resolution.
// Closing ipc unblocks its receiveLoop immediately instead of waiting on
// the read deadline, per spec §5's shutdown bound.
func (b *Brain) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	_ = b.ipc.Close()
}

func (b *Brain) shutdownServers() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.wsServer.Shutdown(ctx)
	_ = b.opsServer.Shutdown(ctx)
}
