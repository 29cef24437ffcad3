package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "focusloop/pkg/logx"
)

func TestStopWaitsForGoroutines(t *testing.T) {
	sup := NewSupervisor(context.Background(), WithLogger(logx.Nop()))

	var exited atomic.Bool
	sup.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		exited.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !exited.Load() {
		t.Fatal("Stop returned before goroutine exited")
	}
	if c := sup.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestPanicIsRecordedAsFirstError(t *testing.T) {
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go0("boom", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic error")
	}
	if sup.Context().Err() == nil {
		t.Fatal("expected supervisor context to be canceled on error")
	}
}

func TestCanceledErrorIsClean(t *testing.T) {
	sup := NewSupervisor(context.Background())
	sup.Go("cancel", func(ctx context.Context) error { return context.Canceled })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if sup.Err() == nil {
		t.Fatal("expected first transient error to be published")
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("broken", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3 (1 initial + 2 restarts)", got)
	}
}
