// Package history persists evaluation metric time series, so successive runs
// against the same dataset can be compared.
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Point is one recorded metric value.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Store persists metric points.
type Store interface {
	// Save records one point for a metric.
	Save(ctx context.Context, metric string, p Point) error

	// SaveAll records a full result set in one operation.
	SaveAll(ctx context.Context, results map[string]float64, at time.Time) error

	// Load returns the points for a metric since the given time, oldest first.
	Load(ctx context.Context, metric string, since time.Time) ([]Point, error)

	// Metrics returns the recorded metric names.
	Metrics(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-process Store for single-host runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	points map[string][]Point
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string][]Point)}
}

// Save records one point.
func (s *MemoryStore) Save(_ context.Context, metric string, p Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[metric] = append(s.points[metric], p)
	return nil
}

// SaveAll records a full result set with a shared timestamp.
func (s *MemoryStore) SaveAll(ctx context.Context, results map[string]float64, at time.Time) error {
	for metric, value := range results {
		if err := s.Save(ctx, metric, Point{Timestamp: at, Value: value}); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the points for a metric since the given time, oldest first.
func (s *MemoryStore) Load(_ context.Context, metric string, since time.Time) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Point
	for _, p := range s.points[metric] {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Metrics returns the recorded metric names, sorted.
func (s *MemoryStore) Metrics(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.points))
	for name := range s.points {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
