package gather

import (
	"context"
	"testing"
	"time"

	"github.com/boxeval/box-eval/internal/bus"
	"github.com/boxeval/box-eval/internal/eval"
	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
)

func testShard(rank int, imgIDs []int64) eval.Shard {
	p := eval.DefaultParams()
	return eval.Shard{
		Rank:    rank,
		ImgIDs:  imgIDs,
		Results: eval.EmptyResultSet([]int{1, 2}, p.AreaRng),
	}
}

func TestNoopAllGather(t *testing.T) {
	g := NewNoop()
	defer g.Close()

	if g.Rank() != 0 || g.World() != 1 {
		t.Fatalf("noop rank/world = %d/%d, want 0/1", g.Rank(), g.World())
	}

	shard := testShard(7, []int64{1, 2})
	out, err := g.AllGather(context.Background(), shard)
	if err != nil {
		t.Fatalf("AllGather: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d shards, want 1", len(out))
	}
	if out[0].Rank != 0 {
		t.Fatalf("noop must normalize rank to 0, got %d", out[0].Rank)
	}
	if out[0].Results != shard.Results {
		t.Fatal("noop must return the caller's result set unchanged")
	}
}

func TestGroupAllGather(t *testing.T) {
	const world = 3
	group := NewGroup(world)
	defer group.Close()

	type result struct {
		shards []eval.Shard
		err    error
	}
	results := make(chan result, world)

	// Contribute in reverse rank order to exercise reordering.
	for rank := world - 1; rank >= 0; rank-- {
		go func(rank int) {
			p := group.Participant(rank)
			shards, err := p.AllGather(context.Background(), testShard(rank, []int64{int64(rank + 1)}))
			results <- result{shards, err}
		}(rank)
	}

	for i := 0; i < world; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("AllGather: %v", r.err)
		}
		if len(r.shards) != world {
			t.Fatalf("got %d shards, want %d", len(r.shards), world)
		}
		for rank, s := range r.shards {
			if s.Rank != rank {
				t.Fatalf("shard %d has rank %d, want rank order", rank, s.Rank)
			}
			if len(s.ImgIDs) != 1 || s.ImgIDs[0] != int64(rank+1) {
				t.Fatalf("shard %d carries img ids %v", rank, s.ImgIDs)
			}
		}
	}
}

func TestGroupSecondRound(t *testing.T) {
	const world = 2
	group := NewGroup(world)
	defer group.Close()

	for round := 0; round < 2; round++ {
		errs := make(chan error, world)
		for rank := 0; rank < world; rank++ {
			go func(rank int) {
				_, err := group.Participant(rank).AllGather(context.Background(), testShard(rank, nil))
				errs <- err
			}(rank)
		}
		for i := 0; i < world; i++ {
			if err := <-errs; err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
		}
	}
}

func TestGroupRankOutOfRange(t *testing.T) {
	group := NewGroup(2)
	defer group.Close()

	_, err := group.Participant(5).AllGather(context.Background(), testShard(5, nil))
	if !apperrors.IsAppError(err, apperrors.CodeValidation) {
		t.Fatalf("got %v, want %s", err, apperrors.CodeValidation)
	}
}

func TestGroupCloseReleasesWaiters(t *testing.T) {
	group := NewGroup(2)

	errs := make(chan error, 1)
	go func() {
		_, err := group.Participant(0).AllGather(context.Background(), testShard(0, nil))
		errs <- err
	}()

	// Give the waiter time to block before closing.
	time.Sleep(20 * time.Millisecond)
	group.Close()

	select {
	case err := <-errs:
		if !apperrors.IsAppError(err, apperrors.CodeUnavailable) {
			t.Fatalf("got %v, want %s", err, apperrors.CodeUnavailable)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
}

func TestBusGatherExchange(t *testing.T) {
	const world = 2
	b := bus.NewMemoryBus()
	defer b.Close()

	gathers := make([]*BusGather, world)
	for rank := 0; rank < world; rank++ {
		g, err := NewBusGather(b, "", rank, world, 5*time.Second, nil)
		if err != nil {
			t.Fatalf("NewBusGather rank %d: %v", rank, err)
		}
		defer g.Close()
		gathers[rank] = g
	}

	type result struct {
		shards []eval.Shard
		err    error
	}
	results := make(chan result, world)
	for rank := 0; rank < world; rank++ {
		go func(rank int) {
			shards, err := gathers[rank].AllGather(context.Background(), testShard(rank, []int64{int64(10 + rank)}))
			results <- result{shards, err}
		}(rank)
	}

	for i := 0; i < world; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("AllGather: %v", r.err)
		}
		if len(r.shards) != world {
			t.Fatalf("got %d shards, want %d", len(r.shards), world)
		}
		for rank, s := range r.shards {
			if s.Rank != rank {
				t.Fatalf("shard %d has rank %d, want rank order", rank, s.Rank)
			}
			if len(s.ImgIDs) != 1 || s.ImgIDs[0] != int64(10+rank) {
				t.Fatalf("shard %d carries img ids %v", rank, s.ImgIDs)
			}
			if s.Results == nil {
				t.Fatalf("shard %d lost its result set", rank)
			}
		}
	}
}

func TestBusGatherTimeout(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	g, err := NewBusGather(b, "", 0, 2, 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewBusGather: %v", err)
	}
	defer g.Close()

	_, err = g.AllGather(context.Background(), testShard(0, nil))
	if !apperrors.IsAppError(err, apperrors.CodeGather) {
		t.Fatalf("got %v, want %s", err, apperrors.CodeGather)
	}
}

func TestBusGatherValidation(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	if _, err := NewBusGather(b, "", 0, 0, time.Second, nil); !apperrors.IsAppError(err, apperrors.CodeValidation) {
		t.Fatalf("world 0: got %v, want %s", err, apperrors.CodeValidation)
	}
	if _, err := NewBusGather(b, "", 3, 2, time.Second, nil); !apperrors.IsAppError(err, apperrors.CodeValidation) {
		t.Fatalf("rank out of range: got %v, want %s", err, apperrors.CodeValidation)
	}
}
