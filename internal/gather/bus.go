package gather

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boxeval/box-eval/internal/bus"
	"github.com/boxeval/box-eval/internal/eval"
	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
	"github.com/boxeval/box-eval/internal/pkg/logger"
)

// shardEnvelope is the wire form of one rank's contribution to one gather
// round. Rounds are numbered locally; all participants call AllGather the
// same number of times in the same order, so round numbers agree.
type shardEnvelope struct {
	Round   int             `json:"round"`
	Rank    int             `json:"rank"`
	ImgIDs  []int64         `json:"img_ids"`
	Results *eval.ResultSet `json:"results"`
}

// BusGather runs the gather collective over an event bus. Each participant
// publishes its shard and waits until one shard per rank has arrived for the
// current round. Late or missing ranks fail the round after the timeout.
type BusGather struct {
	bus     bus.Bus
	topic   string
	rank    int
	world   int
	timeout time.Duration
	log     *logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	rounds map[int]map[int]eval.Shard
	round  int
	closed bool
}

// NewBusGather creates a gather for the given rank in a world of the given
// size and subscribes to the shard topic immediately, so shards from faster
// ranks are never missed.
func NewBusGather(b bus.Bus, topic string, rank, world int, timeout time.Duration, log *logger.Logger) (*BusGather, error) {
	if world < 1 {
		return nil, apperrors.ValidationError("gather world size must be at least 1")
	}
	if rank < 0 || rank >= world {
		return nil, apperrors.ValidationError("gather rank out of range")
	}
	if topic == "" {
		topic = bus.TopicEvalShard
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if log == nil {
		log = logger.Default()
	}

	g := &BusGather{
		bus:     b,
		topic:   topic,
		rank:    rank,
		world:   world,
		timeout: timeout,
		log:     log.WithRank(rank),
		rounds:  make(map[int]map[int]eval.Shard),
	}
	g.cond = sync.NewCond(&g.mu)

	if err := b.Subscribe(context.Background(), topic, g.handleShard); err != nil {
		return nil, apperrors.GatherError("subscribing to shard topic", err)
	}
	return g, nil
}

// handleShard receives one rank's shard from the bus and files it under its
// round. The payload arrives as decoded JSON, so it is remarshalled into the
// envelope type.
func (g *BusGather) handleShard(_ context.Context, event bus.Event) error {
	env, err := decodeEnvelope(event.Payload)
	if err != nil {
		g.log.Warn("dropping malformed shard event", "event_id", event.ID, "error", err)
		return nil
	}
	if env.Rank < 0 || env.Rank >= g.world {
		g.log.Warn("dropping shard with out-of-range rank", "rank", env.Rank, "world", g.world)
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	if _, ok := g.rounds[env.Round]; !ok {
		g.rounds[env.Round] = make(map[int]eval.Shard, g.world)
	}
	// First shard per (round, rank) wins; duplicates come from bus redelivery.
	if _, dup := g.rounds[env.Round][env.Rank]; !dup {
		g.rounds[env.Round][env.Rank] = eval.Shard{
			Rank:    env.Rank,
			ImgIDs:  env.ImgIDs,
			Results: env.Results,
		}
		g.cond.Broadcast()
	}
	return nil
}

func decodeEnvelope(payload any) (*shardEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var env shardEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Results == nil {
		return nil, fmt.Errorf("shard envelope has no result set")
	}
	return &env, nil
}

// AllGather publishes this process's shard and blocks until every rank's
// shard for the round has arrived, then returns all shards ordered by rank.
func (g *BusGather) AllGather(ctx context.Context, shard eval.Shard) ([]eval.Shard, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeUnavailable, "gather is closed")
	}
	round := g.round
	g.round++
	shard.Rank = g.rank
	// Insert the local shard directly; the bus may not loop messages back.
	if _, ok := g.rounds[round]; !ok {
		g.rounds[round] = make(map[int]eval.Shard, g.world)
	}
	g.rounds[round][g.rank] = shard
	g.mu.Unlock()

	env := shardEnvelope{
		Round:   round,
		Rank:    g.rank,
		ImgIDs:  shard.ImgIDs,
		Results: shard.Results,
	}
	event := bus.Event{
		ID:        fmt.Sprintf("shard-%d-%d", round, g.rank),
		Type:      bus.TopicEvalShard,
		Source:    fmt.Sprintf("rank-%d", g.rank),
		Timestamp: time.Now().UnixNano(),
		Payload:   env,
	}
	if err := g.bus.Publish(ctx, g.topic, event); err != nil {
		return nil, apperrors.GatherError("publishing shard", err)
	}

	g.log.Debug("shard published, waiting for peers", "round", round, "world", g.world)

	// The deadline timer wakes the cond loop; cond.Wait cannot observe the
	// context directly.
	deadline := time.Now().Add(g.timeout)
	timer := time.AfterFunc(g.timeout, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.rounds[round]) < g.world && !g.closed {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.GatherError("gather cancelled", err)
		}
		if !time.Now().Before(deadline) {
			missing := g.world - len(g.rounds[round])
			return nil, apperrors.GatherError(
				fmt.Sprintf("gather round %d timed out waiting for %d of %d ranks", round, missing, g.world), nil)
		}
		g.cond.Wait()
	}
	if g.closed {
		return nil, apperrors.New(apperrors.CodeUnavailable, "gather closed while waiting")
	}

	out := make([]eval.Shard, 0, g.world)
	for _, s := range g.rounds[round] {
		out = append(out, s)
	}
	delete(g.rounds, round)
	sortByRank(out)
	return out, nil
}

// Rank returns this process's rank.
func (g *BusGather) Rank() int { return g.rank }

// World returns the number of participants.
func (g *BusGather) World() int { return g.world }

// Close releases waiters and stops accepting shards. The bus itself is owned
// by the caller and stays open.
func (g *BusGather) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.cond.Broadcast()
	return nil
}
