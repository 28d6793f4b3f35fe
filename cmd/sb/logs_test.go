package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/journal"
	"github.com/zulandar/signalbox/internal/models"
)

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

func TestLogs_ListAndFilter(t *testing.T) {
	path := writeConfig(t)

	out, err := runCmd(t, "", "logs", "-c", path)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "No runs found.") {
		t.Errorf("empty output = %s", out)
	}

	seedRuns(t, path,
		models.ExecutionLog{RunID: "r1", SessionID: "s1", Question: "total sales", Status: models.LogStatusSuccess, RowCount: intPtr(3), ElapsedMs: 850},
		models.ExecutionLog{RunID: "r2", SessionID: "s2", Question: "top customers", Status: models.LogStatusError, ErrorText: strPtr("planner failed"), ElapsedMs: 2400},
		models.ExecutionLog{RunID: "r3", SessionID: "s1", Question: "total sales", Status: models.LogStatusSuccess, CacheHit: true, ElapsedMs: 40},
	)

	out, err = runCmd(t, "", "logs", "-c", path)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "3 rows") || !strings.Contains(lines[0], "850ms") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[2], "planner failed") {
		t.Errorf("error line = %q", lines[2])
	}
	if !strings.Contains(lines[3], "[cache]") {
		t.Errorf("last line = %q", lines[3])
	}

	out, err = runCmd(t, "", "logs", "-c", path, "--status", "error")
	if err != nil {
		t.Fatalf("logs --status: %v", err)
	}
	if strings.Contains(out, "total sales") || !strings.Contains(out, "top customers") {
		t.Errorf("filtered output = %s", out)
	}

	out, err = runCmd(t, "", "logs", "-c", path, "--session", "s1", "-n", "1")
	if err != nil {
		t.Fatalf("logs --session: %v", err)
	}
	if strings.Count(out, "total sales") != 1 || !strings.Contains(out, "[cache]") {
		t.Errorf("session output = %s", out)
	}
}

func TestLogs_Stats(t *testing.T) {
	path := writeConfig(t)
	seedRuns(t, path,
		models.ExecutionLog{RunID: "r1", Question: "q", Status: models.LogStatusSuccess, ElapsedMs: 1000, CacheHit: true},
		models.ExecutionLog{RunID: "r2", Question: "q", Status: models.LogStatusTimeout, ElapsedMs: 3000},
		models.ExecutionLog{RunID: "r3", Question: "q", Status: models.LogStatusSuccess, ElapsedMs: 2000, CreatedAt: time.Now().Add(-48 * time.Hour)},
	)

	out, err := runCmd(t, "", "logs", "stats", "-c", path)
	if err != nil {
		t.Fatalf("logs stats: %v", err)
	}
	for _, want := range []string{"Runs (last 24h0m0s): 2", "timeout 1", "Cache hits: 1 (50.0%)", "Avg elapsed: 2.0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "", "logs", "stats", "--since", "0", "-c", path)
	if err != nil {
		t.Fatalf("logs stats: %v", err)
	}
	if !strings.Contains(out, "Runs (all time): 3") {
		t.Errorf("all-time stats = %s", out)
	}
}

// syncBuffer is a bytes.Buffer safe for the follow loop and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTailLogs_Follow(t *testing.T) {
	path := writeConfig(t)
	_, gormDB, err := connectFromConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB(gormDB)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- tailLogs(ctx, out, journal.NewReader(gormDB), logsOpts{follow: true, interval: 10 * time.Millisecond, lines: 5})
	}()

	time.Sleep(30 * time.Millisecond)
	row := models.ExecutionLog{RunID: "late", Question: "arrived later", Status: models.LogStatusSuccess, CreatedAt: time.Now()}
	if err := gormDB.Create(&row).Error; err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), "arrived later") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("tailLogs: %v", err)
	}
	if !strings.Contains(out.String(), "arrived later") {
		t.Errorf("follow output = %q", out.String())
	}
}
