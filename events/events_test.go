package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventBus_SubscribeAndUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	unsub1 := eb.Subscribe(StatusChanged, &mockHandler{})
	eb.Subscribe(StatusChanged, &mockHandler{})

	eb.mu.RLock()
	if len(eb.handlers[StatusChanged]) != 2 {
		t.Fatalf("Expected 2 handlers, got %d", len(eb.handlers[StatusChanged]))
	}
	eb.mu.RUnlock()

	unsub1()
	unsub1() // second call is a no-op

	eb.mu.RLock()
	if len(eb.handlers[StatusChanged]) != 1 {
		t.Fatalf("Expected 1 handler after unsubscribe, got %d", len(eb.handlers[StatusChanged]))
	}
	eb.mu.RUnlock()
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	eb.Subscribe(StatusChanged, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			defer wg.Done()
			if event.ProcessID != 123 {
				t.Errorf("Expected process ID 123, got %d", event.ProcessID)
			}
			if event.Data[DataStatus] != "running" {
				t.Errorf("Expected status running, got %v", event.Data[DataStatus])
			}
			return nil
		},
	})

	err := eb.Publish(context.Background(), Event{
		Type:      StatusChanged,
		ProcessID: 123,
		Data:      map[string]any{DataStatus: "running"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("handler was not called")
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(StepFailed, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	errs := eb.PublishSync(context.Background(), Event{Type: StepFailed, ProcessID: 1})
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}
	if errs[0].Error() != "test error" {
		t.Errorf("Expected 'test error', got '%v'", errs[0])
	}
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	if err := eb.Publish(context.Background(), Event{Type: "unknown_event"}); err != ErrNoHandler {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Stop()

	if err := eb.Publish(context.Background(), Event{Type: StatusChanged}); err != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
	if errs := eb.PublishSync(context.Background(), Event{Type: StatusChanged}); len(errs) != 1 || errs[0] != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed from PublishSync, got %v", errs)
	}
}

func TestEventBus_StopDeliversQueuedEvents(t *testing.T) {
	eb := NewEventBus()

	var delivered atomic.Int32
	eb.SubscribeFunc(StepCompleted, func(ctx context.Context, event Event) error {
		delivered.Add(1)
		return nil
	})

	for i := 0; i < 10; i++ {
		if err := eb.Publish(context.Background(), Event{Type: StepCompleted, ProcessID: uint64(i)}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	eb.Stop()

	if got := delivered.Load(); got != 10 {
		t.Fatalf("Expected 10 delivered events, got %d", got)
	}
}

func TestEventBus_NotifyIgnoresCancelledCaller(t *testing.T) {
	eb := NewEventBus(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	eb.SubscribeFunc(StatusChanged, func(ctx context.Context, event Event) error {
		wg.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eb.Notify(ctx, Event{Type: StatusChanged, ProcessID: 7})
	eb.Notify(ctx, Event{Type: "nobody_listens"})

	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("Notify must deliver even when the caller's context is done")
	}
}

func TestEventBus_WithOptions(t *testing.T) {
	var customErrorCalled atomic.Bool

	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(func(event Event, err error) {
			customErrorCalled.Store(true)
		}),
	)

	if cap(eb.eventCh) != 200 {
		t.Fatalf("Expected buffer size 200, got %d", cap(eb.eventCh))
	}

	eb.Subscribe(StatusChanged, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	if err := eb.Publish(context.Background(), Event{Type: StatusChanged}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	eb.Stop()

	if !customErrorCalled.Load() {
		t.Fatal("Custom error handler was not called")
	}
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(StatusChanged, &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, Event{Type: StatusChanged})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled error, got %v", err)
	}
}

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
