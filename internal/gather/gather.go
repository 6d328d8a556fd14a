// Package gather provides the collective barrier that exchanges every
// process's evaluation shard with every other process. A gather blocks until
// all participants have contributed; it is all-or-nothing and not cancellable
// once every side has committed to the round.
package gather

import (
	"context"
	"sort"

	"github.com/boxeval/box-eval/internal/eval"
)

// Gather is the all-to-all exchange primitive. AllGather contributes this
// process's shard and returns every participant's shard, ordered by rank, so
// downstream merging is deterministic regardless of arrival order.
type Gather interface {
	AllGather(ctx context.Context, shard eval.Shard) ([]eval.Shard, error)
	Rank() int
	World() int
	Close() error
}

// Noop is the single-participant gather: an identity exchange.
type Noop struct{}

// NewNoop returns a gather for a world of one.
func NewNoop() *Noop {
	return &Noop{}
}

// AllGather returns the caller's shard unchanged.
func (n *Noop) AllGather(_ context.Context, shard eval.Shard) ([]eval.Shard, error) {
	shard.Rank = 0
	return []eval.Shard{shard}, nil
}

// Rank returns 0.
func (n *Noop) Rank() int { return 0 }

// World returns 1.
func (n *Noop) World() int { return 1 }

// Close is a no-op.
func (n *Noop) Close() error { return nil }

func sortByRank(shards []eval.Shard) {
	sort.SliceStable(shards, func(i, j int) bool { return shards[i].Rank < shards[j].Rank })
}
