// Package observer holds the pipeline.Observer implementations: a log sink,
// a Telegram notifier, a websocket broadcast hub and the fan-out that ties
// them together.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"focusloop/internal/pipeline"
)

// envelope is the subset of a delivered pipeline.EnhancedEvent the observers
// read back. Enum fields arrive in their text form.
type envelope struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Priority   string `json:"priority"`
	Category   string `json:"category"`
	RetryCount int    `json:"retry_count"`
	Event      struct {
		Phase           string  `json:"phase"`
		SessionID       string  `json:"session_id"`
		Remaining       uint64  `json:"remaining_seconds"`
		Elapsed         uint64  `json:"elapsed_seconds"`
		Progress        float64 `json:"progress"`
		From            string  `json:"from"`
		To              string  `json:"to"`
		Count           int     `json:"count"`
		DurationSeconds uint64  `json:"duration_seconds"`
		Fatigue         float64 `json:"fatigue_level"`
		Message         string  `json:"message"`
	} `json:"event"`
}

func decode(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("decode event: %w", err)
	}
	return env, nil
}

// maxPartial bounds how many partially delivered events Fanout remembers.
const maxPartial = 1024

// Fanout delivers to every observer and returns the first error.
//
// Notification-category events skip the Gated observers while
// NotificationsEnabled reports false; Always observers see everything.
//
// When some observers fail, the ones that succeeded are remembered by event
// ID and skipped when the pipeline retries the same event.
type Fanout struct {
	Always               []pipeline.Observer
	Gated                []pipeline.Observer
	NotificationsEnabled func() bool

	mu      sync.Mutex
	partial map[string]map[int]bool
	order   []string
}

func (f *Fanout) Deliver(ctx context.Context, name string, payload []byte) error {
	env, decErr := decode(payload)
	id := ""
	if decErr == nil {
		id = env.ID
	}
	done := f.delivered(id)

	var first error
	var ok []int
	failed := false
	try := func(idx int, o pipeline.Observer) {
		if done[idx] {
			return
		}
		if err := o.Deliver(ctx, name, payload); err != nil {
			failed = true
			if first == nil {
				first = err
			}
			return
		}
		ok = append(ok, idx)
	}

	for i, o := range f.Always {
		try(i, o)
	}
	gate := len(f.Gated) > 0 && f.NotificationsEnabled != nil && !f.NotificationsEnabled()
	switch {
	case gate && decErr != nil:
		failed = true
		if first == nil {
			first = decErr
		}
	case gate && env.Category == pipeline.CategoryNotification.String():
	default:
		for j, o := range f.Gated {
			try(len(f.Always)+j, o)
		}
	}

	f.record(id, ok, failed)
	return first
}

func (f *Fanout) delivered(id string) map[int]bool {
	if id == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.partial[id])
}

func (f *Fanout) record(id string, ok []int, failed bool) {
	if id == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !failed {
		if _, known := f.partial[id]; known {
			delete(f.partial, id)
			f.order = slices.DeleteFunc(f.order, func(s string) bool { return s == id })
		}
		return
	}
	if len(ok) == 0 {
		return
	}
	if f.partial == nil {
		f.partial = make(map[string]map[int]bool)
	}
	set, known := f.partial[id]
	if !known {
		if len(f.order) >= maxPartial {
			delete(f.partial, f.order[0])
			f.order = f.order[1:]
		}
		set = make(map[int]bool, len(ok))
		f.partial[id] = set
		f.order = append(f.order, id)
	}
	for _, idx := range ok {
		set[idx] = true
	}
}
