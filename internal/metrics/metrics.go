// Package metrics wires the hub server and the process supervisor into a
// dedicated Prometheus registry, grounded on the client_golang usage in
// adred-codev-ws_poc/go-server and usernameisnull-chat.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric shardhub exposes, scraped from a single
// /metrics route.
type Registry struct {
	reg *prometheus.Registry

	ConnectedClients   prometheus.Gauge
	MessagesForwarded  prometheus.Counter
	AuthFailures       prometheus.Counter
	PlacementAttempts  prometheus.Counter
	PlacementLaunches  prometheus.Counter
	SupervisedWorkers  prometheus.Gauge
	WorkerDeaths       prometheus.Counter
	WorkerCPUPercent   *prometheus.GaugeVec
	WorkerRSSBytes     *prometheus.GaugeVec
}

// New creates a Registry and registers every metric with it.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardhub", Name: "hub_connected_clients",
			Help: "Number of clients currently connected to the hub.",
		}),
		MessagesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardhub", Name: "hub_messages_forwarded_total",
			Help: "Total number of payload frames forwarded by the hub.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardhub", Name: "hub_auth_failures_total",
			Help: "Total number of handshakes rejected for a bad token.",
		}),
		PlacementAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardhub", Name: "brain_placement_ticks_total",
			Help: "Total number of placement controller ticks.",
		}),
		PlacementLaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardhub", Name: "brain_launch_cluster_total",
			Help: "Total number of launch_cluster commands issued.",
		}),
		SupervisedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardhub", Name: "server_supervised_workers",
			Help: "Number of cluster worker processes currently supervised.",
		}),
		WorkerDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardhub", Name: "server_worker_deaths_total",
			Help: "Total number of supervised worker processes observed to exit.",
		}),
		WorkerCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardhub", Name: "server_worker_cpu_percent",
			Help: "CPU percent sampled per supervised worker.",
		}, []string{"smallest_shard_id"}),
		WorkerRSSBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardhub", Name: "server_worker_rss_bytes",
			Help: "RSS bytes sampled per supervised worker.",
		}, []string{"smallest_shard_id"}),
	}

	reg.MustRegister(
		m.ConnectedClients, m.MessagesForwarded, m.AuthFailures,
		m.PlacementAttempts, m.PlacementLaunches,
		m.SupervisedWorkers, m.WorkerDeaths,
		m.WorkerCPUPercent, m.WorkerRSSBytes,
	)
	return m
}

// Handler returns the Prometheus exposition HTTP handler for this registry.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
