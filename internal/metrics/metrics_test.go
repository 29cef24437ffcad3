package metrics

import (
	"bytes"
	"strings"
	"testing"

	logx "focusloop/pkg/logx"
)

func TestLogSinkSummarizesAndLogs(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(logx.NewWriter(&buf, "debug"))

	s.RecordMetric(CommandLatency, 2, "ms", map[string]string{"command": "pause", "ok": "true"})
	s.RecordMetric(CommandLatency, 4, "ms", nil)

	sum := s.Snapshot()[CommandLatency]
	if sum.Count != 2 || sum.Sum != 6 || sum.Last != 4 || sum.Unit != "ms" {
		t.Fatalf("summary = %+v", sum)
	}
	out := buf.String()
	if !strings.Contains(out, `"kind":"command_latency"`) || !strings.Contains(out, `"tags":"command=pause,ok=true"`) {
		t.Fatalf("log output = %s", out)
	}
}

func TestLogSinkQuietAboveDebug(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(logx.NewWriter(&buf, "info"))
	s.RecordMetric(SegmentCompleted, 1, "count", nil)
	if buf.Len() != 0 {
		t.Fatalf("unexpected output %s", buf.String())
	}
	if s.Snapshot()[SegmentCompleted].Count != 1 {
		t.Fatal("metric not summarized")
	}
}
