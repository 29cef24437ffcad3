package observer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"focusloop/internal/timer"
	logx "focusloop/pkg/logx"
)

type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	ParseMode   string
	PollTimeout time.Duration
	// Events lists the event names forwarded to the chat. Empty means
	// DefaultTelegramEvents.
	Events []string
}

// DefaultTelegramEvents are the events worth a chat message. Ticks and
// phase changes are left to the log and websocket observers.
var DefaultTelegramEvents = []string{
	timer.KindStarted.String(),
	timer.KindPaused.String(),
	timer.KindResumed.String(),
	timer.KindCompleted.String(),
	timer.KindReset.String(),
	timer.KindMicroBreakTriggered.String(),
	timer.KindMicroBreakSkipped.String(),
	timer.KindMicroBreakCompleted.String(),
	timer.KindMicroBreakSkipLimitReached.String(),
	timer.KindFatigueWarning.String(),
	timer.KindFocusSessionCompleted.String(),
}

// sender is the part of *tele.Bot used here.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram sends a short human-readable message per event to one chat.
type Telegram struct {
	cfg    TelegramConfig
	log    logx.Logger
	bot    sender
	events map[string]struct{}
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		Client: &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, classifySendErr(err)
	}
	return newTelegram(cfg, b, log), nil
}

func newTelegram(cfg TelegramConfig, bot sender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	names := cfg.Events
	if len(names) == 0 {
		names = DefaultTelegramEvents
	}
	events := make(map[string]struct{}, len(names))
	for _, n := range names {
		events[strings.TrimSpace(n)] = struct{}{}
	}
	return &Telegram{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "observer.telegram")),
		bot:    bot,
		events: events,
	}
}

func (t *Telegram) Deliver(ctx context.Context, name string, payload []byte) error {
	if _, ok := t.events[name]; !ok {
		return nil
	}
	env, err := decode(payload)
	if err != nil {
		return err
	}
	text := formatMessage(name, env)

	chat := &tele.Chat{ID: t.cfg.ChatID}
	opts := &tele.SendOptions{
		ParseMode:             t.cfg.ParseMode,
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	}

	// telebot has no context support; bound the call ourselves.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(chat, text, opts)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return classifySendErr(err)
		}
		t.log.Debug("sent", logx.String("event", name), logx.Int64("chat_id", t.cfg.ChatID))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram send timeout: %w", ctx.Err())
	}
}

// classifySendErr words transport failures so the pipeline retries them:
// its retry check looks for "timeout" and "connection" in the message.
func classifySendErr(err error) error {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("telegram send timeout: %w", err)
	case errors.As(err, &nerr) && nerr.Timeout():
		return fmt.Errorf("telegram send timeout: %w", err)
	case errors.As(err, &nerr):
		return fmt.Errorf("telegram connection error: %w", err)
	case strings.Contains(strings.ToLower(err.Error()), "too many requests"):
		return fmt.Errorf("telegram connection throttled: %w", err)
	default:
		return fmt.Errorf("telegram send: %w", err)
	}
}

func formatMessage(name string, env envelope) string {
	ev := env.Event
	switch name {
	case timer.KindStarted.String():
		return fmt.Sprintf("▶️ %s started (%s)", phaseTitle(ev.Phase), humanSeconds(ev.DurationSeconds))
	case timer.KindPaused.String():
		return fmt.Sprintf("⏸ %s paused, %s left", phaseTitle(ev.Phase), humanSeconds(ev.Remaining))
	case timer.KindResumed.String():
		return fmt.Sprintf("▶️ %s resumed, %s left", phaseTitle(ev.Phase), humanSeconds(ev.Remaining))
	case timer.KindCompleted.String():
		return fmt.Sprintf("✅ %s complete", phaseTitle(ev.Phase))
	case timer.KindReset.String():
		return "⏹ Timer reset"
	case timer.KindMicroBreakTriggered.String():
		return fmt.Sprintf("👀 Micro-break #%d: look away for %ds", ev.Count, ev.DurationSeconds)
	case timer.KindMicroBreakSkipped.String():
		return fmt.Sprintf("⏭ Micro-break skipped (%d this session)", ev.Count)
	case timer.KindMicroBreakCompleted.String():
		return "✅ Micro-break done, back to focus"
	case timer.KindMicroBreakSkipLimitReached.String():
		return fmt.Sprintf("🚫 Skip limit reached (%d). Take this micro-break.", ev.Count)
	case timer.KindFatigueWarning.String():
		return "⚠️ " + ev.Message
	case timer.KindFocusSessionCompleted.String():
		if ev.Message != "" {
			return "🎉 " + ev.Message
		}
		return "🎉 Focus session complete"
	}
	if ev.Message != "" {
		return ev.Message
	}
	return name
}

func phaseTitle(phase string) string {
	switch phase {
	case "focus":
		return "Focus session"
	case "long_break":
		return "Long break"
	case "micro_break":
		return "Micro-break"
	default:
		return "Timer"
	}
}

func humanSeconds(s uint64) string {
	d := time.Duration(s) * time.Second
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%d min", s/60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%02ds", s/60, s%60)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
