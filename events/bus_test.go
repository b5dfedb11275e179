package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/GoCodeAlone/taskmarket/market"
)

func TestBus_PublishAndSubscribe(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var received []*market.Event
	unsub := bus.Subscribe(func(_ context.Context, ev *market.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
		return nil
	})
	defer unsub()

	ev := &market.Event{Type: market.EventTaskCreated, TaskID: 1}
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if received[0].Type != market.EventTaskCreated || received[0].TaskID != 1 {
		t.Errorf("received event = %+v", received[0])
	}
	if received[0].ID == "" {
		t.Error("event ID not stamped")
	}
	if received[0].At.IsZero() {
		t.Error("event time not stamped")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var calls int
	unsub := bus.Subscribe(func(context.Context, *market.Event) error {
		calls++
		return nil
	})

	bus.Publish(context.Background(), &market.Event{Type: market.EventTaskCreated})
	unsub()
	bus.Publish(context.Background(), &market.Event{Type: market.EventTaskAssigned})

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestBus_HandlerErrorSurfaces(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	unsub := bus.Subscribe(func(context.Context, *market.Event) error { return boom })
	defer unsub()

	err := bus.Publish(context.Background(), &market.Event{Type: market.EventTaskCreated})
	if err == nil {
		t.Fatal("Publish returned nil, want handler error")
	}
}

func TestBus_History(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		bus.Publish(ctx, &market.Event{Type: market.EventTaskCreated, TaskID: market.TaskID(i + 1)})
	}

	all := bus.History(0)
	if len(all) != 5 {
		t.Fatalf("History(0) returned %d events, want 5", len(all))
	}

	last := bus.History(2)
	if len(last) != 2 {
		t.Fatalf("History(2) returned %d events, want 2", len(last))
	}
	if last[0].TaskID != 4 || last[1].TaskID != 5 {
		t.Errorf("History(2) = tasks %d,%d, want 4,5", last[0].TaskID, last[1].TaskID)
	}
}

func TestBus_HistoryCap(t *testing.T) {
	bus := NewBus()
	bus.maxHist = 3
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, &market.Event{Type: market.EventTaskCreated, TaskID: market.TaskID(i + 1)})
	}

	got := bus.History(0)
	if len(got) != 3 {
		t.Fatalf("history length = %d, want cap 3", len(got))
	}
	if got[0].TaskID != 8 {
		t.Errorf("oldest retained task = %d, want 8", got[0].TaskID)
	}
}
