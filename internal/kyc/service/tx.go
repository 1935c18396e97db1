package service

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"kycgate/internal/kyc/ports"
	dErrors "kycgate/pkg/domain-errors"
)

// numTxShards spreads in-memory transactions across independent locks keyed
// by session so unrelated sessions do not contend.
const numTxShards = 64

// defaultTxTimeout is the maximum duration for a transaction.
const defaultTxTimeout = 5 * time.Second

// MemoryTx serializes transactional blocks for the in-memory stores. It gives
// isolation between blocks on the same shard but no rollback: in-memory
// stores apply each write immediately. Audit entries raised inside a block
// are written once the shard is released, whatever the block returned, since
// the writes they describe already happened.
type MemoryTx struct {
	shards  [numTxShards]sync.Mutex
	timeout time.Duration
}

func NewMemoryTx() *MemoryTx {
	return &MemoryTx{}
}

type txShardKey struct{}

// WithTxShard pins the shard used by RunInTx, typically to a session ID.
func WithTxShard(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, txShardKey{}, key)
}

func (t *MemoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
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

	parent := ctx
	ctx, batch := ports.DeferAudit(ctx)
	err := t.runLocked(ctx, fn)
	batch.Flush(parent)
	return err
}

func (t *MemoryTx) runLocked(ctx context.Context, fn func(ctx context.Context) error) error {
	shard := t.selectShard(ctx)
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(ctx)
}

func (t *MemoryTx) selectShard(ctx context.Context) int {
	key, ok := ctx.Value(txShardKey{}).(string)
	if !ok || key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % numTxShards)
}
