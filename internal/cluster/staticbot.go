package cluster

import (
	"context"
	"sync/atomic"
)

// StaticBot is a Bot that reports every assigned shard ready immediately
// after Start and never disconnects on its own. It exists so the
// cluster-worker subcommand is runnable without a real gateway client,
// which spec §1 explicitly excludes; a real deployment supplies its own
// Bot.
type StaticBot struct {
	ready atomic.Int32
}

// Start marks every shard ready at once.
func (b *StaticBot) Start(ctx context.Context, shardIDs []int, shardCount int) error {
	b.ready.Store(int32(len(shardIDs)))
	return nil
}

// Close marks every shard not ready.
func (b *StaticBot) Close(ctx context.Context) error {
	b.ready.Store(0)
	return nil
}

// ReadyShardCount implements Bot.
func (b *StaticBot) ReadyShardCount() int {
	return int(b.ready.Load())
}
