package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "focusloop/pkg/logx"
)

var testDay = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "focusloop.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	morning := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	recs := []SessionRecord{
		{ID: "f1", Type: TypeFocus, DurationSeconds: 5400, StartTime: morning},
		{ID: "f2", Type: TypeFocus, DurationSeconds: 3000, StartTime: morning.Add(2 * time.Hour)},
		{ID: "f3", Type: TypeFocus, DurationSeconds: 5400, StartTime: morning.Add(4 * time.Hour)},
		{ID: "l1", Type: TypeLongBreak, DurationSeconds: 1200, StartTime: morning.Add(90 * time.Minute)},
		{ID: "m1", Type: TypeMicroBreak, DurationSeconds: 15, StartTime: morning.Add(5 * time.Minute)},
		{ID: "old", Type: TypeFocus, DurationSeconds: 5400, StartTime: morning.Add(-24 * time.Hour)},
	}
	for _, r := range recs {
		if err := st.SaveSession(ctx, r); err != nil {
			t.Fatalf("SaveSession(%s): %v", r.ID, err)
		}
	}
	for _, id := range []string{"f1", "f2", "old"} {
		if err := st.UpdateSessionCompletion(ctx, id, true, morning.Add(3*time.Hour)); err != nil {
			t.Fatalf("UpdateSessionCompletion(%s): %v", id, err)
		}
	}
}

func TestTodayStatsAgreeAcrossDrivers(t *testing.T) {
	t.Parallel()

	want := TodayStats{Date: "2026-03-14", FocusCount: 3, BreakCount: 2, TotalFocusSeconds: 8400}
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTestStore(t, driver)
			seed(t, st)

			got, err := st.TodayStats(context.Background(), testDay)
			if err != nil {
				t.Fatalf("TodayStats: %v", err)
			}
			if got != want {
				t.Fatalf("TodayStats = %+v, want %+v", got, want)
			}
		})
	}
}

func TestUpdateUnknownSession(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTestStore(t, driver)
			err := st.UpdateSessionCompletion(context.Background(), "missing", true, time.Now())
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seed(t, st)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.TodayStats(context.Background(), testDay)
	if err != nil {
		t.Fatalf("TodayStats: %v", err)
	}
	if got.FocusCount != 3 || got.TotalFocusSeconds != 8400 {
		t.Fatalf("after replay: %+v", got)
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st.(*fileStore).compactEvery = 4
	seed(t, st)
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, _ := st.TodayStats(context.Background(), testDay)
	if got.FocusCount != 3 || got.BreakCount != 2 || got.TotalFocusSeconds != 8400 {
		t.Fatalf("after compaction: %+v", got)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		driver  string
		wantNil bool
		wantErr bool
	}{
		{driver: "", wantNil: true},
		{driver: "none", wantNil: true},
		{driver: "mongo", wantNil: true, wantErr: true},
	}
	for _, tt := range tests {
		st, err := Open(Config{Driver: tt.driver}, logx.Nop())
		if (err != nil) != tt.wantErr {
			t.Fatalf("Open(%q) err = %v", tt.driver, err)
		}
		if (st == nil) != tt.wantNil {
			t.Fatalf("Open(%q) store = %v", tt.driver, st)
		}
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path should fail")
	}
}
