package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/shardhub/shardhub/internal/cluster"
	"github.com/shardhub/shardhub/internal/protocol"
	"github.com/spf13/cobra"
)

func newClusterWorkerCmd() *cobra.Command {
	var (
		ipcHost         string
		ipcPort         int
		ipcToken        string
		serverUID       uint64
		shardCount      int
		shardIDsRaw     string
		certificatePath string
	)

	cmd := &cobra.Command{
		Use:    "cluster-worker",
		Short:  "Run a single cluster worker (always launched by a server, not by hand)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			shardIDs, err := parseShardIDs(shardIDsRaw)
			if err != nil {
				return err
			}

			cfg := cluster.Config{
				HubHost:         ipcHost,
				HubPort:         ipcPort,
				Token:           ipcToken,
				ShardIDs:        shardIDs,
				ShardCount:      shardCount,
				ServerUID:       protocol.UID(serverUID),
				CertificatePath: certificatePath,
			}

			c := cluster.New(cfg, log, &cluster.StaticBot{})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Ints("shard_ids", shardIDs).Msg("shardhub cluster worker starting")
			return c.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&ipcHost, "ipc-host", "", "hub host")
	cmd.Flags().IntVar(&ipcPort, "ipc-port", 13254, "hub port")
	cmd.Flags().StringVar(&ipcToken, "ipc-token", "", "hub auth token")
	cmd.Flags().Uint64Var(&serverUID, "server-uid", 0, "owning server's hub UID")
	cmd.Flags().IntVar(&shardCount, "shard-count", 0, "total shard count across the fleet")
	cmd.Flags().StringVar(&shardIDsRaw, "shard-ids", "", "comma-separated shard ids assigned to this cluster")
	cmd.Flags().StringVar(&certificatePath, "certificate-path", "", "TLS certificate path, if any")

	return cmd
}

func parseShardIDs(raw string) ([]int, error) {
	if raw == "" {
		return nil, fmt.Errorf("cluster-worker: --shard-ids is required")
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("cluster-worker: invalid shard id %q: %w", p, err)
		}
		ids[i] = n
	}
	return ids, nil
}
