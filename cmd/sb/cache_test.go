package main

import (
	"context"
	"strings"
	"testing"

	"github.com/zulandar/signalbox/internal/cache"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
)

func TestCacheList(t *testing.T) {
	path := writeConfig(t)

	out, err := runCmd(t, "", "cache", "list", "-c", path)
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	if !strings.Contains(out, "No cache entries found.") {
		t.Errorf("empty output = %s", out)
	}

	seed(t, path, func(s *cache.Store, _ *config.Config) {
		seedEntry(t, s, "total sales last month", "sales")
		seedEntry(t, s, "top customers", "customers")
	})

	out, err = runCmd(t, "", "cache", "list", "-c", path, "--keyword", "sales")
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	if !strings.Contains(out, "total sales last month") || strings.Contains(out, "top customers") {
		t.Errorf("filtered output = %s", out)
	}
	if !strings.Contains(out, "1 of 1 entries") {
		t.Errorf("footer missing: %s", out)
	}
}

func TestCacheShowAndStatus(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, func(s *cache.Store, _ *config.Config) {
		seedEntry(t, s, "total sales", "sales")
	})

	out, err := runCmd(t, "", "cache", "show", "1", "-c", path)
	if err != nil {
		t.Fatalf("cache show: %v", err)
	}
	for _, want := range []string{"Status:      active", "Tables:      sales", "SELECT 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q: %s", want, out)
		}
	}

	if _, err := runCmd(t, "", "cache", "deprecate", "1", "-c", path); err != nil {
		t.Fatalf("cache deprecate: %v", err)
	}
	// deprecated -> invalid is not allowed.
	_, err = runCmd(t, "", "cache", "invalidate", "1", "-c", path)
	if err == nil || !strings.Contains(err.Error(), "invalid status transition") {
		t.Errorf("invalidate after deprecate: err = %v", err)
	}

	if _, err := runCmd(t, "", "cache", "show", "abc", "-c", path); err == nil {
		t.Error("expected error for non-numeric id")
	}
	if _, err := runCmd(t, "", "cache", "show", "99", "-c", path); err == nil {
		t.Error("expected error for missing entry")
	}
}

func TestCacheStats(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, func(s *cache.Store, _ *config.Config) {
		seedEntry(t, s, "a", "sales")
		seedEntry(t, s, "b", "sales")
		if err := s.SetStatus(context.Background(), cache.Fingerprint("b"), models.CacheStatusInvalid); err != nil {
			t.Fatal(err)
		}
	})

	out, err := runCmd(t, "", "cache", "stats", "-c", path)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	if !strings.Contains(out, "Entries:    2 (active 1, deprecated 0, invalid 1)") {
		t.Errorf("stats output = %s", out)
	}
	if !strings.Contains(out, "Avg score:  75.0") {
		t.Errorf("stats output = %s", out)
	}
}

func TestCacheDelete_Confirmation(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, func(s *cache.Store, _ *config.Config) {
		seedEntry(t, s, "total sales", "sales")
	})

	out, err := runCmd(t, "no\n", "cache", "delete", "1", "-c", path)
	if err != nil {
		t.Fatalf("cache delete: %v", err)
	}
	if !strings.Contains(out, "Aborted.") {
		t.Errorf("expected abort, got: %s", out)
	}

	out, err = runCmd(t, "yes\n", "cache", "delete", "1", "-c", path)
	if err != nil {
		t.Fatalf("cache delete: %v", err)
	}
	if !strings.Contains(out, "Deleted cache entry 1") {
		t.Errorf("output = %s", out)
	}

	if _, err := runCmd(t, "", "cache", "delete", "1", "-y", "-c", path); err == nil {
		t.Error("expected not found on second delete")
	}
}

func TestCacheDeprecateTables(t *testing.T) {
	path := writeConfig(t)
	seed(t, path, func(s *cache.Store, _ *config.Config) {
		seedEntry(t, s, "a", "sales")
		seedEntry(t, s, "b", "sales", "cities")
		seedEntry(t, s, "c", "customers")
	})

	out, err := runCmd(t, "", "cache", "deprecate-tables", "SALES", "--yes", "-c", path)
	if err != nil {
		t.Fatalf("deprecate-tables: %v", err)
	}
	if !strings.Contains(out, "Deprecated 2 cache entries") {
		t.Errorf("output = %s", out)
	}

	if _, err := runCmd(t, "", "cache", "deprecate-tables", "-c", path); err == nil {
		t.Error("expected error without table arguments")
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint
		wantErr bool
	}{
		{"1", 1, false},
		{"42", 42, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseID(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseID(%q) = %d, %v", tt.in, got, err)
		}
	}
}
