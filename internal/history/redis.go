package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/boxeval/box-eval/internal/pkg/errors"
)

// RedisStore provides Redis-backed persistence for metric history.
// Each metric is a sorted set keyed by timestamp, so range queries over time
// are cheap; members carry the timestamp too, so equal values at different
// times stay distinct.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeHistory, "parsing redis URL", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeHistory, "connecting to redis", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisStore{
		client: client,
		prefix: "boxeval:metrics:",
		ttl:    ttl,
	}, nil
}

// Save records one point for a metric.
func (s *RedisStore) Save(ctx context.Context, metric string, p Point) error {
	key := s.prefix + metric

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(p.Timestamp.Unix()),
		Member: encodeMember(p),
	})
	// Trim points that aged out.
	minScore := time.Now().Add(-s.ttl).Unix()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", minScore))

	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeHistory, "saving data point", err)
	}
	return nil
}

// SaveAll records a full result set with a shared timestamp, in one pipeline.
func (s *RedisStore) SaveAll(ctx context.Context, results map[string]float64, at time.Time) error {
	if len(results) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	minScore := time.Now().Add(-s.ttl).Unix()
	for metric, value := range results {
		key := s.prefix + metric
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.Unix()),
			Member: encodeMember(Point{Timestamp: at, Value: value}),
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", minScore))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeHistory, "saving result set", err)
	}
	return nil
}

// Load returns the points for a metric since the given time, oldest first.
func (s *RedisStore) Load(ctx context.Context, metric string, since time.Time) ([]Point, error) {
	key := s.prefix + metric

	results, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeHistory, "loading history", err)
	}

	points := make([]Point, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		p, err := decodeMember(member)
		if err != nil {
			// Skip entries written by older or foreign code.
			continue
		}
		points = append(points, p)
	}
	return points, nil
}

// Metrics returns the recorded metric names.
func (s *RedisStore) Metrics(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, s.prefix+"*").Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeHistory, "listing metrics", err)
	}

	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = strings.TrimPrefix(key, s.prefix)
	}
	return names, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeMember(p Point) string {
	return fmt.Sprintf("%d:%g", p.Timestamp.UnixNano(), p.Value)
}

func decodeMember(member string) (Point, error) {
	idx := strings.IndexByte(member, ':')
	if idx < 0 {
		return Point{}, fmt.Errorf("malformed member %q", member)
	}
	nanos, err := strconv.ParseInt(member[:idx], 10, 64)
	if err != nil {
		return Point{}, err
	}
	value, err := strconv.ParseFloat(member[idx+1:], 64)
	if err != nil {
		return Point{}, err
	}
	return Point{Timestamp: time.Unix(0, nanos), Value: value}, nil
}
