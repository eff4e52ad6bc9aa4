// Package store implements the Analysis Store (§4.G): an append-only log of
// AnalysisRecords, partitioned into one JSONL file per calendar day (UTC),
// written straight to the partition file and fsync'd on a timer or after a
// configurable number of pending records, whichever comes first.
package store

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"tepmonitor/pkg/tep"
)

// Config tunes durability and layout.
type Config struct {
	Dir           string
	FlushInterval time.Duration
	FlushEvery    int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{Dir: "analyses", FlushInterval: 2 * time.Second, FlushEvery: 1}
}

// Store is the append-only, date-partitioned Analysis Store.
type Store struct {
	cfg Config

	mu       sync.Mutex
	files    map[string]*os.File // date (YYYY-MM-DD) -> open append handle
	counters map[string]int64    // date -> next record sequence

	pendingMu sync.Mutex
	pending   int
	flushCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	clock func() time.Time
}

// New opens (creating if needed) the store directory and starts the
// background flush ticker.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = "analyses"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 1
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		files:    make(map[string]*os.File),
		counters: make(map[string]int64),
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		clock:    time.Now,
	}
	if err := s.loadCounters(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

func (s *Store) partitionFor(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (s *Store) pathFor(partition string) string {
	return filepath.Join(s.cfg.Dir, partition+".jsonl")
}

// loadCounters scans existing partition files so record_id sequences stay
// monotone across restarts.
func (s *Store) loadCounters() error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: list dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".jsonl" {
			continue
		}
		partition := name[:len(name)-len(ext)]
		count, err := countLines(filepath.Join(s.cfg.Dir, name))
		if err != nil {
			return err
		}
		s.counters[partition] = count
	}
	return nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var count int64
	scanner := newLineScanner(f)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

// Append writes record to today's partition. RecordID is overwritten with a
// monotone "<partition>-<seq>" id if the caller left it blank.
func (s *Store) Append(record tep.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock()
	}
	partition := s.partitionFor(record.CreatedAt)

	s.counters[partition]++
	seq := s.counters[partition]
	if record.RecordID == "" {
		record.RecordID = fmt.Sprintf("%s-%06d", partition, seq)
	}

	file, err := s.fileFor(partition)
	if err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("store: write record: %w", err)
	}

	s.pendingMu.Lock()
	s.pending++
	shouldFlush := s.pending >= s.cfg.FlushEvery
	s.pendingMu.Unlock()

	if shouldFlush {
		s.requestFlush()
	}
	return nil
}

func (s *Store) fileFor(partition string) (*os.File, error) {
	if f, ok := s.files[partition]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.pathFor(partition), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open partition %s: %w", partition, err)
	}
	s.files[partition] = f
	return f, nil
}

func (s *Store) requestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushAll()
		case <-s.flushCh:
			s.flushAll()
		case <-s.stopCh:
			s.flushAll()
			return
		}
	}
}

func (s *Store) flushAll() {
	s.mu.Lock()
	for _, f := range s.files {
		_ = f.Sync()
	}
	s.mu.Unlock()

	s.pendingMu.Lock()
	s.pending = 0
	s.pendingMu.Unlock()
}

// List returns up to limit records, newest first, optionally restricted to
// records created at or after since.
func (s *Store) List(limit int, since *time.Time) ([]tep.AnalysisRecord, error) {
	partitions, err := s.partitionsDescending()
	if err != nil {
		return nil, err
	}

	var out []tep.AnalysisRecord
	for _, partition := range partitions {
		if since != nil && partitionBefore(partition, *since) {
			continue
		}
		records, err := s.readPartition(partition)
		if err != nil {
			return nil, err
		}
		for i := len(records) - 1; i >= 0; i-- {
			if since != nil && records[i].CreatedAt.Before(*since) {
				continue
			}
			out = append(out, records[i])
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func partitionBefore(partition string, since time.Time) bool {
	t, err := time.Parse("2006-01-02", partition)
	if err != nil {
		return false
	}
	return t.AddDate(0, 0, 1).Before(since.UTC())
}

// DownloadByDate returns all records recorded on the given UTC date
// (YYYY-MM-DD), in file order.
func (s *Store) DownloadByDate(date string) ([]tep.AnalysisRecord, error) {
	s.mu.Lock()
	if f, ok := s.files[date]; ok {
		_ = f.Sync()
	}
	s.mu.Unlock()
	return s.readPartition(date)
}

// Format selects the whole-history export encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// DownloadAll serializes every record across every partition, oldest first,
// in the requested format.
func (s *Store) DownloadAll(format Format) ([]byte, error) {
	partitions, err := s.partitionsAscending()
	if err != nil {
		return nil, err
	}

	var all []tep.AnalysisRecord
	for _, partition := range partitions {
		records, err := s.readPartition(partition)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}

	switch format {
	case FormatCSV:
		return encodeCSV(all)
	default:
		return encodeJSONL(all)
	}
}

func encodeJSONL(records []tep.AnalysisRecord) ([]byte, error) {
	var buf []byte
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("store: marshal record %s: %w", r.RecordID, err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

func encodeCSV(records []tep.AnalysisRecord) ([]byte, error) {
	var buf bufferedCSVWriter
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"record_id", "created_at", "event_id", "prompt_summary", "providers_ok", "providers_total"}); err != nil {
		return nil, err
	}
	for _, r := range records {
		okCount := 0
		for _, pr := range r.PerProvider {
			if pr.Status == tep.ProviderOK {
				okCount++
			}
		}
		row := []string{
			r.RecordID,
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.EventID,
			r.PromptSummary,
			strconv.Itoa(okCount),
			strconv.Itoa(len(r.PerProvider)),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.data, nil
}

type bufferedCSVWriter struct{ data []byte }

func (b *bufferedCSVWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (s *Store) readPartition(partition string) ([]tep.AnalysisRecord, error) {
	path := s.pathFor(partition)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var records []tep.AnalysisRecord
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record tep.AnalysisRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("store: decode record in %s: %w", path, err)
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}

func (s *Store) partitionsDescending() ([]string, error) {
	partitions, err := s.listPartitions()
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(partitions)))
	return partitions, nil
}

func (s *Store) partitionsAscending() ([]string, error) {
	partitions, err := s.listPartitions()
	if err != nil {
		return nil, err
	}
	sort.Strings(partitions)
	return partitions, nil
}

func (s *Store) listPartitions() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list dir: %w", err)
	}
	var partitions []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		partitions = append(partitions, name[:len(name)-len(".jsonl")])
	}
	return partitions, nil
}

func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

// Close stops the background flush loop, which syncs every open partition
// file one last time, then closes those files.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
