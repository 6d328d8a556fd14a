package gather

import (
	"context"
	"sync"

	"github.com/boxeval/box-eval/internal/eval"
	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
)

// Group is an in-process collective for workers sharing one address space.
// Each worker holds one participant handle; AllGather blocks until all of
// them have contributed the current round.
type Group struct {
	world int

	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[int]eval.Shard
	gen      int
	snapshot []eval.Shard
	closed   bool
}

// NewGroup creates a collective for world participants.
func NewGroup(world int) *Group {
	g := &Group{
		world:   world,
		pending: make(map[int]eval.Shard, world),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Participant returns the handle for one rank.
func (g *Group) Participant(rank int) Gather {
	return &participant{group: g, rank: rank}
}

// Close releases all waiters with an error.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.cond.Broadcast()
	return nil
}

func (g *Group) allGather(ctx context.Context, rank int, shard eval.Shard) ([]eval.Shard, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.GatherError("gather aborted before contribution", err)
	}
	if rank < 0 || rank >= g.world {
		return nil, apperrors.ValidationError("gather rank out of range")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, apperrors.New(apperrors.CodeUnavailable, "gather group is closed")
	}
	if _, dup := g.pending[rank]; dup {
		return nil, apperrors.ValidationError("rank contributed twice to the same round")
	}

	shard.Rank = rank
	g.pending[rank] = shard

	if len(g.pending) == g.world {
		// Last contributor assembles the round in rank order and wakes the rest.
		out := make([]eval.Shard, 0, g.world)
		for _, s := range g.pending {
			out = append(out, s)
		}
		sortByRank(out)
		g.snapshot = out
		g.pending = make(map[int]eval.Shard, g.world)
		g.gen++
		g.cond.Broadcast()
		return out, nil
	}

	// Block until the round completes. The collective is all-or-nothing: a
	// missing participant stalls everyone, which is the accepted contract.
	gen := g.gen
	for g.gen == gen && !g.closed {
		g.cond.Wait()
	}
	if g.closed {
		return nil, apperrors.New(apperrors.CodeUnavailable, "gather group closed while waiting")
	}
	return g.snapshot, nil
}

type participant struct {
	group *Group
	rank  int
}

func (p *participant) AllGather(ctx context.Context, shard eval.Shard) ([]eval.Shard, error) {
	return p.group.allGather(ctx, p.rank, shard)
}

func (p *participant) Rank() int { return p.rank }

func (p *participant) World() int { return p.group.world }

func (p *participant) Close() error { return nil }
