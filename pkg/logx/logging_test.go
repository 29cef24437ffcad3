package logx

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"err":"boom"`, `"message":"hello"`, `"caller":"logging_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %s missing %s", out, want)
		}
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger is configured, not zero")
	}
	if Nop().Enabled(LevelError) {
		t.Fatal("Nop logger should not be enabled")
	}
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"trace", "DEBUG", "info", "warn", "error"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel accepted unknown level")
	}
}

func TestServiceApplySwitchesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "focusloop.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at info level")
	}
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("Apply did not reach an existing logger")
	}
}
