package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// consoleCommand handles one line. args excludes the command word.
type consoleCommand struct {
	help string
	run  func(ctx context.Context, c *Commands, args []string) (any, error)
}

// errQuit ends the dispatch loop without an error.
var errQuit = errors.New("quit")

var consoleCommands = map[string]consoleCommand{
	"init": {"recreate the timer with current settings", func(ctx context.Context, c *Commands, _ []string) (any, error) {
		return nil, c.Init(ctx)
	}},
	"state": {"current segment", func(_ context.Context, c *Commands, _ []string) (any, error) {
		return c.GetState()
	}},
	"cycle": {"current cycle state", func(_ context.Context, c *Commands, _ []string) (any, error) {
		return c.GetCycleState()
	}},
	"focus": {"start a focus session", func(ctx context.Context, c *Commands, _ []string) (any, error) {
		return sessionReply(c.StartFocusSession(ctx))
	}},
	"long": {"start a long break", func(ctx context.Context, c *Commands, _ []string) (any, error) {
		return sessionReply(c.StartLongBreakSession(ctx))
	}},
	"micro": {"start a micro-break now", func(ctx context.Context, c *Commands, _ []string) (any, error) {
		return sessionReply(c.StartMicroBreakSession(ctx))
	}},
	"pause": {"pause the running segment", func(ctx context.Context, c *Commands, _ []string) (any, error) {
		return nil, c.Pause(ctx)
	}},
	"resume": {"resume a paused segment", func(ctx context.Context, c *Commands, _ []string) (any, error) {
		return nil, c.Resume(ctx)
	}},
	"reset": {"abandon the segment and return to waiting", func(ctx context.Context, c *Commands, _ []string) (any, error) {
		return nil, c.Reset(ctx)
	}},
	"skip": {"skip the running micro-break", func(ctx context.Context, c *Commands, _ []string) (any, error) {
		return nil, c.SkipMicroBreak(ctx)
	}},
	"settings": {"show settings, or 'settings {json}' to replace them", func(_ context.Context, c *Commands, args []string) (any, error) {
		if len(args) == 0 {
			return c.GetSettings()
		}
		cur, err := c.GetSettings()
		if err != nil {
			return nil, err
		}
		// Unset keys keep their current values.
		if err := json.Unmarshal([]byte(strings.Join(args, " ")), &cur); err != nil {
			return nil, fmt.Errorf("settings: %w", err)
		}
		return cur, c.UpdateSettings(cur)
	}},
	"today": {"today's session statistics", func(ctx context.Context, c *Commands, _ []string) (any, error) {
		return c.GetTodayStats(ctx)
	}},
	"breaks": {"micro-break scheduler status", func(_ context.Context, c *Commands, _ []string) (any, error) {
		return c.GetSchedulerSnapshot()
	}},
	"events": {"event pipeline statistics", func(_ context.Context, c *Commands, _ []string) (any, error) {
		stats, err := c.PipelineStats()
		if err != nil {
			return nil, err
		}
		size, limit, _ := c.QueueStatus()
		return map[string]any{"stats": stats, "queue_size": size, "queue_limit": limit}, nil
	}},
	"quit": {"stop focusloop", func(context.Context, *Commands, []string) (any, error) {
		return nil, errQuit
	}},
}

func sessionReply(id string, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]string{"session_id": id}, nil
}

// DispatchLoop reads one command per line from r and writes one JSON reply
// per command to w. It returns nil on EOF or "quit".
func (c *Commands) DispatchLoop(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if err := c.dispatch(ctx, w, fields[0], fields[1:]); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				return err
			}
		}
	}
}

func (c *Commands) dispatch(ctx context.Context, w io.Writer, name string, args []string) error {
	name = strings.ToLower(name)
	if name == "help" {
		return writeHelp(w)
	}
	cmd, ok := consoleCommands[name]
	if !ok {
		return writeReply(w, reply{Command: name, Error: "unknown command (try 'help')"})
	}
	out, err := cmd.run(ctx, c, args)
	if errors.Is(err, errQuit) {
		_ = writeReply(w, reply{Command: name, OK: true})
		return errQuit
	}
	rep := reply{Command: name, OK: err == nil, Result: out}
	if err != nil {
		rep.Result = nil
		rep.Error = err.Error()
	}
	return writeReply(w, rep)
}

type reply struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeReply(w io.Writer, rep reply) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func writeHelp(w io.Writer) error {
	names := make([]string, 0, len(consoleCommands))
	for n := range consoleCommands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, err := fmt.Fprintf(w, "%-9s %s\n", n, consoleCommands[n].help); err != nil {
			return err
		}
	}
	return nil
}
