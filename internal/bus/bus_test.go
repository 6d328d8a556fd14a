package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/boxeval/box-eval/internal/pkg/errors"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	var got []Event

	err := b.Subscribe(context.Background(), TopicEvalShard, func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), TopicEvalShard, Event{ID: "e1", Type: "eval.shard"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !b.DrainTimeout(time.Second) {
		t.Fatal("handlers did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("got events %+v, want one event e1", got)
	}
}

func TestMemoryBusNoSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	if err := b.Publish(context.Background(), "nobody.listens", Event{ID: "e1"}); err != nil {
		t.Fatalf("publish without subscribers should succeed, got %v", err)
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	handler := func(_ context.Context, _ Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := b.Subscribe(context.Background(), TopicEvalCompleted, handler); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	if err := b.Publish(context.Background(), TopicEvalCompleted, Event{ID: "e1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !b.DrainTimeout(time.Second) {
		t.Fatal("handlers did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := b.Publish(context.Background(), TopicEvalShard, Event{ID: "e1"})
	if !errors.IsAppError(err, errors.CodeUnavailable) {
		t.Fatalf("publish on closed bus: got %v, want %s", err, errors.CodeUnavailable)
	}

	err = b.Subscribe(context.Background(), TopicEvalShard, func(context.Context, Event) error { return nil })
	if !errors.IsAppError(err, errors.CodeUnavailable) {
		t.Fatalf("subscribe on closed bus: got %v, want %s", err, errors.CodeUnavailable)
	}
}

func TestParseKafkaBrokers(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"localhost:9092", 1},
		{"a:9092, b:9092 ,c:9092", 3},
	}
	for _, tt := range tests {
		got := ParseKafkaBrokers(tt.in)
		if len(got) != tt.want {
			t.Errorf("ParseKafkaBrokers(%q) = %v, want %d brokers", tt.in, got, tt.want)
		}
		for _, broker := range got {
			if broker != "" && (broker[0] == ' ' || broker[len(broker)-1] == ' ') {
				t.Errorf("broker %q not trimmed", broker)
			}
		}
	}
}

func TestNewKafkaBusValidation(t *testing.T) {
	_, err := NewKafkaBus(KafkaConfig{})
	if !errors.IsAppError(err, errors.CodeValidation) {
		t.Fatalf("empty brokers: got %v, want %s", err, errors.CodeValidation)
	}

	_, err = NewKafkaBus(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if !errors.IsAppError(err, errors.CodeValidation) {
		t.Fatalf("empty consumer group: got %v, want %s", err, errors.CodeValidation)
	}
}
