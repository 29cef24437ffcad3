package timer

import (
	"context"
	"time"

	"focusloop/internal/runtime/supervisor"
	logx "focusloop/pkg/logx"
)

const DefaultTickInterval = time.Second

// TickFunc is invoked once per interval. Returning false ends the timer.
// The context is canceled as soon as the timer is canceled; implementations
// that wait for a lock should give up when it is done.
type TickFunc func(ctx context.Context) bool

// SessionTimer runs one segment's tick loop as a supervised goroutine.
// Exactly one should be live per controller: cancel and Stop the previous
// timer before starting the next.
type SessionTimer struct {
	name string
	sup  *supervisor.Supervisor
}

func StartSession(parent context.Context, name string, interval time.Duration, log logx.Logger, fn TickFunc) *SessionTimer {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	t := &SessionTimer{
		name: name,
		sup:  supervisor.NewSupervisor(parent, supervisor.WithLogger(log)),
	}
	t.sup.Go0(name, func(ctx context.Context) {
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				if ctx.Err() != nil || !fn(ctx) {
					return
				}
			}
		}
	})
	return t
}

func (t *SessionTimer) Name() string { return t.name }

// Cancel stops future ticks without waiting. Used by a tick that replaces
// its own timer.
func (t *SessionTimer) Cancel() {
	if t != nil {
		t.sup.Cancel()
	}
}

// Stop cancels the timer and waits for the tick goroutine to return.
func (t *SessionTimer) Stop(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.sup.Stop(ctx)
}

// Done is closed once the timer's context is canceled.
func (t *SessionTimer) Done() <-chan struct{} { return t.sup.Context().Done() }
