package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLatencyTracker(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	operations := []string{"exists", "put", "get", "pack"}

	for _, op := range operations {
		tracker.Record(op, 1*time.Millisecond)
		tracker.Record(op, 5*time.Millisecond)
		tracker.Record(op, 10*time.Millisecond)
		tracker.Record(op, 50*time.Millisecond)
		tracker.Record(op, 100*time.Millisecond)
	}

	for _, op := range operations {
		stats, err := tracker.GetStats(op)
		if err != nil {
			t.Errorf("Failed to get stats for %s: %v", op, err)
			continue
		}

		if stats.Count != 5 {
			t.Errorf("Expected count 5 for %s, got %d", op, stats.Count)
		}

		if stats.Min < 0.9 || stats.Min > 1.1 {
			t.Errorf("Expected min ~1ms for %s, got %.2fms", op, stats.Min)
		}

		if stats.Max < 99 || stats.Max > 101 {
			t.Errorf("Expected max ~100ms for %s, got %.2fms", op, stats.Max)
		}

		if stats.P50 < 5 || stats.P50 > 15 {
			t.Errorf("Expected p50 ~10ms for %s, got %.2fms", op, stats.P50)
		}
	}

	allStats := tracker.GetAllStats()
	if len(allStats) != len(operations) {
		t.Fatalf("Expected %d operations in GetAllStats, got %d", len(operations), len(allStats))
	}
	if allStats[0].Operation != "exists" || allStats[3].Operation != "put" {
		t.Errorf("Expected stats sorted by operation, got %s..%s", allStats[0].Operation, allStats[3].Operation)
	}

	_, err := tracker.GetStats("nonexistent")
	if err == nil {
		t.Error("Expected error for non-existent operation, got nil")
	}
}

func TestLatencyTrackerRecordFunc(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	err := tracker.RecordFunc("test_op", func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Errorf("RecordFunc returned error: %v", err)
	}

	stats, err := tracker.GetStats("test_op")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Count != 1 {
		t.Errorf("Expected count 1, got %d", stats.Count)
	}
	if stats.Min < 9 {
		t.Errorf("Expected min >= 9ms, got %.2fms", stats.Min)
	}
}

func TestLatencyTrackerNil(t *testing.T) {
	var tracker *LatencyTracker
	tracker.Record("put", time.Millisecond)
	if err := tracker.RecordFunc("put", func() error { return nil }); err != nil {
		t.Errorf("RecordFunc on nil tracker returned error: %v", err)
	}
}

func TestStatsString(t *testing.T) {
	stats := Stats{
		Operation: "get",
		Count:     100,
		Min:       1.5,
		P50:       10.2,
		P90:       50.7,
		P99:       99.1,
		Max:       120.5,
	}

	expected := "get (n=100): min=1.50ms p50=10.20ms p90=50.70ms p99=99.10ms max=120.50ms"
	if str := stats.String(); str != expected {
		t.Errorf("Expected:\n%s\nGot:\n%s", expected, str)
	}

	emptyStats := Stats{Operation: "empty_op"}
	if got := emptyStats.String(); got != "empty_op: no data" {
		t.Errorf("Expected empty stats string, got %q", got)
	}
}

func TestOutcomes(t *testing.T) {
	o := NewOutcomes("artifactcache")
	o.Observe("save", "saved", 1024, 1.5)
	o.Observe("save", "alreadyCached", 0, 0.1)
	o.Observe("restore", "hit", 2048, 2)

	if got := testutil.ToFloat64(o.operations.WithLabelValues("save", "saved")); got != 1 {
		t.Errorf("Expected 1 saved operation, got %v", got)
	}
	if got := testutil.ToFloat64(o.bytes.WithLabelValues("restore")); got != 2048 {
		t.Errorf("Expected 2048 restored bytes, got %v", got)
	}

	path := filepath.Join(t.TempDir(), "artifactcache.prom")
	if err := o.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `artifactcache_operations_total{op="restore",outcome="hit"} 1`) {
		t.Errorf("textfile missing restore counter:\n%s", data)
	}

	var nilOutcomes *Outcomes
	nilOutcomes.Observe("save", "failed", 0, 0)
}

func BenchmarkLatencyTrackerRecord(b *testing.B) {
	tracker := NewLatencyTracker(0.01)
	duration := 10 * time.Millisecond

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.Record("bench_op", duration)
	}
}
