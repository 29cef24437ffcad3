package pipeline

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"focusloop/internal/eventbus"
	"focusloop/internal/runtime/supervisor"
	"focusloop/internal/timer"
	logx "focusloop/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrDeliveryFailed wraps observer errors that are not worth retrying.
var ErrDeliveryFailed = errors.New("delivery failed")

// Observer receives delivered events. Errors whose message mentions
// "connection" or "timeout" are retried; anything else is final.
type Observer interface {
	Deliver(ctx context.Context, name string, payload []byte) error
}

type ObserverFunc func(ctx context.Context, name string, payload []byte) error

func (f ObserverFunc) Deliver(ctx context.Context, name string, payload []byte) error {
	return f(ctx, name, payload)
}

// Deduplicator decides whether an event was already delivered.
type Deduplicator interface {
	IsDuplicate(ev EnhancedEvent) bool
}

// NoDedup never reports duplicates.
type NoDedup struct{}

func (NoDedup) IsDuplicate(EnhancedEvent) bool { return false }

type Config struct {
	// MaxQueueSize is advisory: QueueStatus reports it and a warning is
	// logged when the backlog passes it, but Emit never rejects.
	MaxQueueSize    int
	MaxHistorySize  int
	BatchSize       int
	BatchInterval   time.Duration
	MaxRetries      int
	EventTTL        time.Duration
	RetryDelay      time.Duration
	DeliveryTimeout time.Duration
	// RatePerSec <= 0 disables delivery rate limiting.
	RatePerSec float64
	RateBurst  int
}

func DefaultConfig() Config {
	return Config{
		MaxQueueSize:    1000,
		MaxHistorySize:  500,
		BatchSize:       10,
		BatchInterval:   100 * time.Millisecond,
		MaxRetries:      3,
		EventTTL:        60 * time.Second,
		RetryDelay:      500 * time.Millisecond,
		DeliveryTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = d.MaxHistorySize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = d.BatchInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.EventTTL <= 0 {
		c.EventTTL = d.EventTTL
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	return c
}

// Signal is the payload of the lifecycle events published on the bus.
type Signal struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Priority   string `json:"priority"`
	Category   string `json:"category"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

type Option func(*Pipeline)

func WithLogger(log logx.Logger) Option { return func(p *Pipeline) { p.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(p *Pipeline) { p.bus = bus } }

func WithDeduplicator(d Deduplicator) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.dedup = d
		}
	}
}

// WithClock replaces time.Now for event timestamps and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline batches emitted events, orders each batch by priority and
// delivers it to an Observer with bounded retries.
//
// Emit is safe for concurrent use and never blocks. Stats, History and
// QueueStatus return copies.
type Pipeline struct {
	log   logx.Logger
	bus   eventbus.Bus
	obs   Observer
	dedup Deduplicator
	now   func() time.Time

	cmu     sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	// ingress holds freshly emitted events until the dispatch loop batches them.
	imu     sync.Mutex
	ingress []EnhancedEvent
	wake    chan struct{}

	// queue holds retried events; they skip the batching window.
	qmu    sync.Mutex
	queue  []EnhancedEvent
	revive chan struct{}

	hmu     sync.Mutex
	history []EnhancedEvent

	stats *statsBox

	smu sync.Mutex
	sup *supervisor.Supervisor
}

func New(cfg Config, obs Observer, opts ...Option) *Pipeline {
	p := &Pipeline{
		obs:    obs,
		dedup:  NoDedup{},
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		revive: make(chan struct{}, 1),
		stats:  newStatsBox(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "pipeline"))
	if p.obs == nil {
		p.obs = ObserverFunc(func(context.Context, string, []byte) error { return nil })
	}
	p.Reconfigure(cfg)
	return p
}

// Reconfigure applies new limits. Batch interval changes take effect on the
// next tick of the dispatch loop.
func (p *Pipeline) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	} else {
		lim = rate.NewLimiter(rate.Inf, 0)
	}
	p.cmu.Lock()
	p.cfg = cfg
	p.limiter = lim
	p.cmu.Unlock()
}

func (p *Pipeline) config() (Config, *rate.Limiter) {
	p.cmu.RLock()
	defer p.cmu.RUnlock()
	return p.cfg, p.limiter
}

// Emit wraps ev and queues it for delivery.
func (p *Pipeline) Emit(ev timer.Event, pr Priority) EnhancedEvent {
	ee := EnhancedEvent{
		ID:        uuid.NewString(),
		Name:      ev.Name(),
		Event:     ev,
		Priority:  pr,
		Timestamp: p.now(),
		Category:  CategoryOf(ev.Kind),
		Persist:   ShouldPersist(ev.Kind),
	}

	p.imu.Lock()
	p.ingress = append(p.ingress, ee)
	backlog := len(p.ingress)
	p.imu.Unlock()

	if cfg, _ := p.config(); backlog == cfg.MaxQueueSize+1 {
		p.log.Warn("event backlog passed advisory max", logx.Int("backlog", backlog), logx.Int("max", cfg.MaxQueueSize))
	}
	notify(p.wake)
	return ee
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop. Calling Start on a running pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.smu.Lock()
	defer p.smu.Unlock()
	if p.sup != nil {
		return
	}
	p.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(p.log))
	p.sup.GoRestart("pipeline.dispatch", p.run)
	notify(p.wake)
	notify(p.revive)
}

// Stop ends the dispatch loop and then delivers whatever is still queued,
// best-effort, until ctx is done.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.smu.Lock()
	sup := p.sup
	p.sup = nil
	p.smu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	p.drain(ctx)
	return err
}

func (p *Pipeline) supervisor() *supervisor.Supervisor {
	p.smu.Lock()
	defer p.smu.Unlock()
	return p.sup
}

func (p *Pipeline) run(ctx context.Context) error {
	cfg, _ := p.config()
	interval := cfg.BatchInterval
	tk := time.NewTicker(interval)
	defer tk.Stop()

	batch := make([]EnhancedEvent, 0, cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			p.requeue(batch)
			return nil

		case <-p.wake:
			batch = p.takeIngress(batch, cfg.BatchSize)
			if len(batch) >= cfg.BatchSize {
				p.flush(ctx, batch)
				batch = batch[:0]
				if p.ingressLen() > 0 {
					notify(p.wake)
				}
			}

		case <-p.revive:
			if retried := p.takeQueue(); len(retried) > 0 {
				p.flush(ctx, retried)
			}

		case <-tk.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
			cfg, _ = p.config()
			if cfg.BatchInterval != interval {
				interval = cfg.BatchInterval
				tk.Reset(interval)
			}
		}
	}
}

func (p *Pipeline) takeIngress(batch []EnhancedEvent, limit int) []EnhancedEvent {
	p.imu.Lock()
	defer p.imu.Unlock()
	n := min(limit-len(batch), len(p.ingress))
	if n <= 0 {
		return batch
	}
	batch = append(batch, p.ingress[:n]...)
	p.ingress = append([]EnhancedEvent(nil), p.ingress[n:]...)
	return batch
}

func (p *Pipeline) ingressLen() int {
	p.imu.Lock()
	defer p.imu.Unlock()
	return len(p.ingress)
}

// requeue puts undelivered events back at the head of the ingress.
func (p *Pipeline) requeue(evs []EnhancedEvent) {
	if len(evs) == 0 {
		return
	}
	p.imu.Lock()
	p.ingress = append(append([]EnhancedEvent(nil), evs...), p.ingress...)
	p.imu.Unlock()
}

func (p *Pipeline) pushQueue(ev EnhancedEvent) {
	p.qmu.Lock()
	p.queue = append(p.queue, ev)
	p.qmu.Unlock()
	notify(p.revive)
}

func (p *Pipeline) takeQueue() []EnhancedEvent {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

func (p *Pipeline) drain(ctx context.Context) {
	p.imu.Lock()
	pending := p.ingress
	p.ingress = nil
	p.imu.Unlock()
	pending = append(pending, p.takeQueue()...)
	if len(pending) == 0 {
		return
	}
	p.log.Debug("draining pending events", logx.Int("count", len(pending)))
	p.flush(ctx, pending)
}

// sortBatch orders by priority, highest first; equal priorities keep
// arrival order.
func sortBatch(batch []EnhancedEvent) {
	slices.SortStableFunc(batch, func(a, b EnhancedEvent) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
}

func (p *Pipeline) flush(ctx context.Context, batch []EnhancedEvent) {
	sortBatch(batch)
	for i, ev := range batch {
		if ctx.Err() != nil {
			p.requeue(batch[i:])
			return
		}
		p.process(ctx, ev)
	}
}

func (p *Pipeline) process(ctx context.Context, ev EnhancedEvent) {
	cfg, _ := p.config()
	start := time.Now()
	out, err := p.attempt(ctx, ev)
	p.stats.record(ev, out, time.Since(start), p.now())

	switch out {
	case outcomeSuccess:
		p.pushHistory(ev, cfg.MaxHistorySize)
		p.publish(eventbus.TypeDelivered, ev, nil)

	case outcomeDiscard:
		p.publish(eventbus.TypeDiscarded, ev, nil)

	case outcomeFailed:
		p.log.Warn("event delivery failed", logx.String("id", ev.ID), logx.String("name", ev.Name), logx.Err(err))
		p.publish(eventbus.TypeFailed, ev, err)

	case outcomeRetry:
		if ev.RetryCount >= cfg.MaxRetries {
			p.log.Warn("event dropped after retries", logx.String("id", ev.ID), logx.String("name", ev.Name), logx.Int("retries", ev.RetryCount), logx.Err(err))
			p.publish(eventbus.TypeDropped, ev, err)
			return
		}
		ev.RetryCount++
		p.publish(eventbus.TypeRetry, ev, err)
		p.scheduleRetry(ev, cfg.RetryDelay)
	}
}

func (p *Pipeline) attempt(ctx context.Context, ev EnhancedEvent) (outcome, error) {
	if p.dedup.IsDuplicate(ev) {
		return outcomeDiscard, nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return outcomeFailed, fmt.Errorf("%w: encode %s: %v", ErrDeliveryFailed, ev.Name, err)
	}

	cfg, lim := p.config()
	if err := lim.Wait(ctx); err != nil {
		return classify(ev.Name, err)
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
	defer cancel()
	return classify(ev.Name, p.obs.Deliver(dctx, ev.Name, payload))
}

func classify(name string, err error) (outcome, error) {
	if err == nil {
		return outcomeSuccess, nil
	}
	if isRetryable(err) {
		return outcomeRetry, err
	}
	return outcomeFailed, fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, name, err)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout")
}

func (p *Pipeline) scheduleRetry(ev EnhancedEvent, delay time.Duration) {
	sup := p.supervisor()
	if sup == nil {
		// Stopped: keep it queued for the next Start or drain.
		p.qmu.Lock()
		p.queue = append(p.queue, ev)
		p.qmu.Unlock()
		return
	}
	sup.Go0("pipeline.retry", func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			p.qmu.Lock()
			p.queue = append(p.queue, ev)
			p.qmu.Unlock()
		case <-t.C:
			p.pushQueue(ev)
		}
	})
}

func (p *Pipeline) pushHistory(ev EnhancedEvent, limit int) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.history = append(p.history, ev)
	if over := len(p.history) - limit; over > 0 {
		p.history = append([]EnhancedEvent(nil), p.history[over:]...)
	}
}

func (p *Pipeline) publish(typ string, ev EnhancedEvent, err error) {
	if p.bus == nil {
		return
	}
	sig := Signal{
		ID:         ev.ID,
		Name:       ev.Name,
		Priority:   ev.Priority.String(),
		Category:   ev.Category.String(),
		RetryCount: ev.RetryCount,
	}
	if err != nil {
		sig.Error = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: sig})
}

// CleanupExpiredEvents drops queued events whose age is at least the TTL and
// trims history to the configured size, keeping the most recent entries.
// It returns the number of queued events removed.
func (p *Pipeline) CleanupExpiredEvents() int {
	cfg, _ := p.config()
	now := p.now()
	fresh := func(ev EnhancedEvent) bool { return now.Sub(ev.Timestamp) < cfg.EventTTL }

	removed := 0
	p.imu.Lock()
	n := len(p.ingress)
	p.ingress = slices.DeleteFunc(p.ingress, func(ev EnhancedEvent) bool { return !fresh(ev) })
	removed += n - len(p.ingress)
	p.imu.Unlock()

	p.qmu.Lock()
	n = len(p.queue)
	p.queue = slices.DeleteFunc(p.queue, func(ev EnhancedEvent) bool { return !fresh(ev) })
	removed += n - len(p.queue)
	p.qmu.Unlock()

	p.hmu.Lock()
	if over := len(p.history) - cfg.MaxHistorySize; over > 0 {
		p.history = append([]EnhancedEvent(nil), p.history[over:]...)
	}
	p.hmu.Unlock()

	if removed > 0 {
		p.log.Debug("expired events removed", logx.Int("count", removed))
	}
	return removed
}

// QueueStatus reports the number of events waiting for delivery and the
// advisory maximum.
func (p *Pipeline) QueueStatus() (int, int) {
	cfg, _ := p.config()
	p.imu.Lock()
	n := len(p.ingress)
	p.imu.Unlock()
	p.qmu.Lock()
	n += len(p.queue)
	p.qmu.Unlock()
	return n, cfg.MaxQueueSize
}

func (p *Pipeline) Stats() Stats { return p.stats.snapshot() }

// History returns up to limit delivered events, most recent first.
// limit <= 0 means 100.
func (p *Pipeline) History(limit int) []EnhancedEvent {
	if limit <= 0 {
		limit = 100
	}
	p.hmu.Lock()
	defer p.hmu.Unlock()
	limit = min(limit, len(p.history))
	out := make([]EnhancedEvent, 0, limit)
	for i := len(p.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, p.history[i])
	}
	return out
}
