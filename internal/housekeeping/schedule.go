package housekeeping

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule is a normalized job schedule: a cron expression, or a fixed
// interval rendered as "@every <d>" for the cron runner.
type Schedule struct {
	Cron  string
	Every time.Duration
	// Source is "cron", "duration" or "hhmm".
	Source string
}

// Spec returns the string handed to the cron parser.
func (s Schedule) Spec() string {
	if s.Every > 0 {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule accepts
//   - cron: "0 0 * * *", "*/30 * * * * *", "@hourly", "@every 30s"
//   - Go duration: "30s", "2h30m"
//   - HH:MM interval: "00:05" (five minutes)
//
// "cron:" forces cron parsing; "every:" and "interval:" force an interval.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return Schedule{Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return Schedule{Cron: s, Source: "cron"}, nil
	}
	if sched, err := parseInterval(s); err == nil {
		return sched, nil
	}
	return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '0 0 * * *', HH:MM like '00:05', or duration like '30s')", raw)
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Every: d, Source: "duration"}, nil
}
