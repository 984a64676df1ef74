// Package quarantine persists rejected records as append-only JSONL files so
// a failed row is never silently dropped and can be replayed after a fix.
package quarantine

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"databento-ingest/internal/models"
)

// Sink writes quarantine entries under base/<scope>/YYYY-MM-DD/<job>.jsonl.
// Writes are serialized per sink; entries are at-least-once.
type Sink struct {
	mu   sync.Mutex
	base string
}

func NewSink(baseDir string) *Sink {
	return &Sink{base: baseDir}
}

// Write appends one entry. ReceivedAt is stamped here when unset so callers
// only describe the rejection.
func (s *Sink) Write(entry models.QuarantineEntry) error {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	if entry.JobName == "" {
		return fmt.Errorf("quarantine entry without job name")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal quarantine entry: %w", err)
	}

	dir := filepath.Join(s.base, string(entry.Stage), entry.ReceivedAt.Format("2006-01-02"))
	path := filepath.Join(dir, entry.JobName+".jsonl")

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("quarantine dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open quarantine file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write quarantine entry: %w", err)
	}
	return nil
}

// Prune removes day directories older than maxAge across all stages and
// returns how many were removed. Files that do not look like day directories
// are left alone.
func (s *Sink) Prune(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	stages, err := os.ReadDir(s.base)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quarantine base: %w", err)
	}

	removed := 0
	for _, stage := range stages {
		if !stage.IsDir() {
			continue
		}
		stageDir := filepath.Join(s.base, stage.Name())
		days, err := os.ReadDir(stageDir)
		if err != nil {
			return removed, fmt.Errorf("read stage dir %s: %w", stage.Name(), err)
		}
		for _, day := range days {
			if !day.IsDir() {
				continue
			}
			d, err := time.Parse("2006-01-02", day.Name())
			if err != nil {
				continue
			}
			// A day directory ages out when its whole day is past the cutoff.
			if d.AddDate(0, 0, 1).After(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(stageDir, day.Name())); err != nil {
				return removed, fmt.Errorf("prune %s/%s: %w", stage.Name(), day.Name(), err)
			}
			log.Printf("[quarantine] pruned %s/%s", stage.Name(), day.Name())
			removed++
		}
	}
	return removed, nil
}

// Writable checks that the base directory can be created and written to.
// Used by the status command.
func (s *Sink) Writable() error {
	if err := os.MkdirAll(s.base, 0o755); err != nil {
		return fmt.Errorf("quarantine base: %w", err)
	}
	probe := filepath.Join(s.base, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("quarantine base not writable: %w", err)
	}
	return os.Remove(probe)
}
