package observer

import (
	"context"

	"focusloop/internal/timer"
	logx "focusloop/pkg/logx"
)

// Log writes every delivered event to the structured log. Ticks go to
// trace so a running session does not flood the console.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "observer.log"))}
}

func (l *Log) Deliver(_ context.Context, name string, payload []byte) error {
	env, err := decode(payload)
	if err != nil {
		return err
	}
	fields := []logx.Field{
		logx.String("event", name),
		logx.String("id", env.ID),
		logx.String("priority", env.Priority),
		logx.String("phase", env.Event.Phase),
	}
	if env.Event.SessionID != "" {
		fields = append(fields, logx.String("session", env.Event.SessionID))
	}
	if env.RetryCount > 0 {
		fields = append(fields, logx.Int("retry", env.RetryCount))
	}

	switch name {
	case timer.KindTick.String():
		l.log.Trace("event", append(fields, logx.Uint64("remaining", env.Event.Remaining))...)
	case timer.KindFatigueWarning.String(), timer.KindMicroBreakSkipLimitReached.String():
		l.log.Warn("event", append(fields, logx.String("text", env.Event.Message), logx.Float64("fatigue", env.Event.Fatigue))...)
	default:
		if env.Event.Message != "" {
			fields = append(fields, logx.String("text", env.Event.Message))
		}
		l.log.Info("event", fields...)
	}
	return nil
}
