package store

import (
	"strings"
	"testing"
	"time"

	"tepmonitor/pkg/tep"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{Dir: dir, FlushInterval: 20 * time.Millisecond, FlushEvery: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAssignsMonotoneRecordIDsWithinPartition(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if err := s.Append(tep.AnalysisRecord{CreatedAt: now, EventID: "evt-1"}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	records, err := s.List(10, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	seen := map[string]bool{}
	for _, r := range records {
		if seen[r.RecordID] {
			t.Fatalf("duplicate record id %s", r.RecordID)
		}
		seen[r.RecordID] = true
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		rec := tep.AnalysisRecord{CreatedAt: now.Add(time.Duration(i) * time.Second), EventID: "evt", PromptSummary: string(rune('a' + i))}
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	records, err := s.List(10, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 || records[0].PromptSummary != "c" || records[2].PromptSummary != "a" {
		t.Fatalf("unexpected order: %+v", records)
	}
}

func TestListRespectsLimitAndSince(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		rec := tep.AnalysisRecord{CreatedAt: base.Add(time.Duration(i) * time.Minute), EventID: "evt"}
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	since := base.Add(2 * time.Minute)
	records, err := s.List(10, &since)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records since cutoff, got %d", len(records))
	}

	limited, err := s.List(1, nil)
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 record with limit, got %d", len(limited))
	}
}

func TestDownloadByDateReturnsOnlyThatPartition(t *testing.T) {
	s := newTestStore(t)
	today := time.Now().UTC()
	yesterday := today.AddDate(0, 0, -1)

	if err := s.Append(tep.AnalysisRecord{CreatedAt: yesterday, EventID: "old"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(tep.AnalysisRecord{CreatedAt: today, EventID: "new"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := s.DownloadByDate(s.partitionFor(today))
	if err != nil {
		t.Fatalf("DownloadByDate: %v", err)
	}
	if len(records) != 1 || records[0].EventID != "new" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestDownloadAllJSONLContainsAllRecords(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		if err := s.Append(tep.AnalysisRecord{CreatedAt: now, EventID: "evt"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	data, err := s.DownloadAll(FormatJSONL)
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	lines := strings.Count(string(data), "\n")
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

func TestDownloadAllCSVHasHeaderAndRows(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	if err := s.Append(tep.AnalysisRecord{
		CreatedAt: now,
		EventID:   "evt",
		PerProvider: map[string]tep.ProviderResult{
			"a": {Status: tep.ProviderOK},
			"b": {Status: tep.ProviderError},
		},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := s.DownloadAll(FormatCSV)
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "record_id") {
		t.Fatalf("expected header row, got %q", lines[0])
	}
}

func TestRecordIDsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(Config{Dir: dir, FlushInterval: time.Second, FlushEvery: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now().UTC()
	if err := s1.Append(tep.AnalysisRecord{CreatedAt: now, EventID: "evt"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(Config{Dir: dir, FlushInterval: time.Second, FlushEvery: 1})
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer func() { _ = s2.Close() }()

	if err := s2.Append(tep.AnalysisRecord{CreatedAt: now, EventID: "evt"}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	records, err := s2.List(10, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records across restart, got %d", len(records))
	}
	if records[0].RecordID == records[1].RecordID {
		t.Fatalf("expected distinct record ids, got duplicate %s", records[0].RecordID)
	}
}
