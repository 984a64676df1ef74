package models

import (
	"fmt"
	"time"
)

// Stage names the pipeline stage that produced a quarantine entry.
type Stage string

const (
	StageDecode    Stage = "decode"
	StageTransform Stage = "transform"
	StageValidate  Stage = "validate"
	StageLoad      Stage = "load"
)

// QuarantineEntry is the persisted snapshot of a rejected record.
type QuarantineEntry struct {
	JobName    string    `json:"job_name"`
	Schema     Schema    `json:"schema"`
	Stage      Stage     `json:"stage"`
	RuleName   string    `json:"rule_name,omitempty"`
	Error      string    `json:"error"`
	Payload    any       `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// JobRunStats aggregates per-job counters across chunks.
type JobRunStats struct {
	JobName string `json:"job_name"`

	Fetched     int64 `json:"fetched"`
	Decoded     int64 `json:"decoded"`
	Transformed int64 `json:"transformed"`
	Validated   int64 `json:"validated"`
	Stored      int64 `json:"stored"`
	Quarantined int64 `json:"quarantined"`
	Errors      int64 `json:"errors"`

	SymbolsRepaired int64 `json:"symbols_repaired"`

	ChunkCount  int           `json:"chunk_count"`
	ChunkFailed int           `json:"chunk_failed"`
	Duration    time.Duration `json:"duration"`
}

// Merge folds chunk-level counters into the job totals.
func (s *JobRunStats) Merge(other JobRunStats) {
	s.Fetched += other.Fetched
	s.Decoded += other.Decoded
	s.Transformed += other.Transformed
	s.Validated += other.Validated
	s.Stored += other.Stored
	s.Quarantined += other.Quarantined
	s.Errors += other.Errors
	s.SymbolsRepaired += other.SymbolsRepaired
	s.ChunkCount += other.ChunkCount
	s.ChunkFailed += other.ChunkFailed
}

// Accounted reports whether every fetched record landed somewhere: stored,
// quarantined, or counted under an error.
func (s *JobRunStats) Accounted() bool {
	return s.Fetched == s.Stored+s.Quarantined+s.Errors
}

func (s *JobRunStats) String() string {
	return fmt.Sprintf(
		"job=%s fetched=%d decoded=%d transformed=%d validated=%d stored=%d quarantined=%d errors=%d repaired=%d chunks=%d failed_chunks=%d duration=%s",
		s.JobName, s.Fetched, s.Decoded, s.Transformed, s.Validated, s.Stored,
		s.Quarantined, s.Errors, s.SymbolsRepaired, s.ChunkCount, s.ChunkFailed,
		s.Duration.Truncate(time.Millisecond),
	)
}
