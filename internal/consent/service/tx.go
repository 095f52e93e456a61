package service

import (
	"context"
	"sync"
	"time"

	dErrors "trainshare/pkg/domain-errors"
)

// Mutations against a consent id (or, for create, a trainer/client pair) must
// be serialized so a revoke/update race cannot both observe ACTIVE. Instead
// of a single global lock, keys are distributed across N shards by an FNV-1a
// hash, reducing contention under concurrent load.
const numTxShards = 128

// defaultTxTimeout bounds how long a mutation may hold its shard.
const defaultTxTimeout = 5 * time.Second

type shardedTx struct {
	shards  [numTxShards]sync.Mutex
	timeout time.Duration
}

func newShardedTx() *shardedTx {
	return &shardedTx{timeout: defaultTxTimeout}
}

// Run executes fn while holding the shard for key. The context gains a
// deadline when it has none, and cancellation is re-checked after the lock is
// acquired so a caller that gave up while queued does not mutate anyway.
func (t *shardedTx) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := hashKey(key) % numTxShards
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(ctx)
}

// hashKey uses FNV-1a for better distribution than simple multiply-add.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
