package brain

import (
	"fmt"

	"github.com/shardhub/shardhub/internal/config"
)

// LoadFromEnv builds a Config from SHARDHUB_* environment variables,
// grounded on the teacher's config.LoadFromEnv error-accumulation shape.
func LoadFromEnv() (Config, error) {
	var errs []string

	token, err := config.RequireEnv("SHARDHUB_TOKEN")
	if err != nil {
		errs = append(errs, err.Error())
	}

	cfg := Config{
		Host:                config.GetEnv("SHARDHUB_BRAIN_HOST", "0.0.0.0"),
		Port:                config.GetEnvInt("SHARDHUB_BRAIN_PORT", 13254),
		OpsAddr:             config.GetEnv("SHARDHUB_BRAIN_OPS_ADDR", ":9090"),
		Token:               token,
		TotalServers:        config.GetEnvInt("SHARDHUB_TOTAL_SERVERS", 1),
		ClustersPerServer:   config.GetEnvInt("SHARDHUB_CLUSTERS_PER_SERVER", 1),
		ShardsPerCluster:    config.GetEnvInt("SHARDHUB_SHARDS_PER_CLUSTER", 1),
		AcceptRatePerSecond: float64(config.GetEnvInt("SHARDHUB_ACCEPT_RATE_PER_SECOND", 5)),
		AcceptBurst:         config.GetEnvInt("SHARDHUB_ACCEPT_BURST", 10),
	}

	if cfg.TotalServers <= 0 {
		errs = append(errs, "SHARDHUB_TOTAL_SERVERS must be positive")
	}
	if cfg.ClustersPerServer <= 0 {
		errs = append(errs, "SHARDHUB_CLUSTERS_PER_SERVER must be positive")
	}
	if cfg.ShardsPerCluster <= 0 {
		errs = append(errs, "SHARDHUB_SHARDS_PER_CLUSTER must be positive")
	}

	if err := config.JoinErrors(errs); err != nil {
		return Config{}, fmt.Errorf("brain: invalid configuration: %w", err)
	}
	return cfg, nil
}
