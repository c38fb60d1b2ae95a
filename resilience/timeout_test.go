package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewTimeout(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{})

	if timeout.config.Duration != 5*time.Second {
		t.Errorf("Duration = %v, want 5s", timeout.config.Duration)
	}
}

func TestTimeout_ExecuteSuccess(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{
		Duration: time.Second,
	})

	executed := false
	err := timeout.Execute(context.Background(), func(ctx context.Context) error {
		executed = true
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if !executed {
		t.Error("Operation was not executed")
	}
}

func TestTimeout_ExecuteError(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{
		Duration: time.Second,
	})

	err := timeout.Execute(context.Background(), fail)

	if err != errBoom {
		t.Errorf("Execute() error = %v, want %v", err, errBoom)
	}
}

func TestTimeout_ExecuteTimeout(t *testing.T) {
	sink := &recordingSink{}
	timeout := newTimeout(TimeoutConfig{
		Duration: 10 * time.Millisecond,
	}, newEmitter("test.op", sink))

	err := timeout.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Execute() error = %v, want ErrTimeout", err)
	}
	var pe *PolicyError
	if !errors.As(err, &pe) || pe.Policy != KindTimeout {
		t.Errorf("error = %#v, want PolicyError from timeout", err)
	}
	if got := len(sink.ofType(EventTimeout)); got != 1 {
		t.Errorf("timeout events = %d, want 1", got)
	}
}

func TestTimeout_UncooperativeCallDiscarded(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{Duration: 10 * time.Millisecond})

	release := make(chan struct{})
	var finished atomic.Bool

	start := time.Now()
	err := timeout.Execute(context.Background(), func(context.Context) error {
		<-release
		finished.Store(true)
		return errBoom
	})
	elapsed := time.Since(start)
	close(release)

	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Execute() error = %v, want ErrTimeout", err)
	}
	if errors.Is(err, errBoom) {
		t.Error("late result must be discarded")
	}
	if elapsed > time.Second {
		t.Errorf("Execute() returned after %v, want prompt return on timeout", elapsed)
	}
}

func TestTimeout_ParentCancellation(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{Duration: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := timeout.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if !errors.Is(err, ErrCancelled) {
		t.Errorf("Execute() error = %v, want ErrCancelled", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("caller cancellation must not be reported as a timeout")
	}
}

func TestTimeout_PanicPropagates(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{Duration: time.Second})

	defer func() {
		if recover() == nil {
			t.Error("panic in the dispatched call was swallowed")
		}
	}()

	_ = timeout.Execute(context.Background(), func(context.Context) error {
		panic("kaboom")
	})
}

func TestExecuteWithTimeout(t *testing.T) {
	err := ExecuteWithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	if !errors.Is(err, ErrTimeout) {
		t.Errorf("ExecuteWithTimeout() error = %v, want ErrTimeout", err)
	}
}
