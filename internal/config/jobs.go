package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"databento-ingest/internal/models"
)

// Job is one ingestion unit. Jobs are immutable once parsed.
type Job struct {
	Name           string            `yaml:"name"`
	Vendor         string            `yaml:"vendor"`
	Dataset        string            `yaml:"dataset"`
	Schema         models.Schema     `yaml:"schema"`
	Symbols        []string          `yaml:"symbols"`
	SymbolType     models.SymbolType `yaml:"stype_in"`
	StartDate      string            `yaml:"start_date"`
	EndDate        string            `yaml:"end_date"`
	ChunkDays      int               `yaml:"chunk_days"`
	CalendarFilter string            `yaml:"calendar_filter"`
}

// jobsFile is the top-level YAML document.
type jobsFile struct {
	Jobs []Job `yaml:"jobs"`
}

const dateLayout = "2006-01-02"

// LoadJobs reads and validates a YAML job file. Any invalid job is a fatal
// config error; partially valid files are rejected whole.
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}

	var f jobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse jobs file %s: %w", path, err)
	}
	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("jobs file %s defines no jobs", path)
	}

	seen := make(map[string]bool, len(f.Jobs))
	for i := range f.Jobs {
		job := &f.Jobs[i]
		if err := job.normalize(); err != nil {
			return nil, fmt.Errorf("job %q: %w", job.Name, err)
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
	}
	return f.Jobs, nil
}

// FindJob returns the named job from a loaded list.
func FindJob(jobs []Job, name string) (Job, error) {
	for _, j := range jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("job %q not found", name)
}

// Validate normalizes an ad-hoc job built from CLI flags. Jobs loaded through
// LoadJobs are already normalized.
func (j *Job) Validate() error { return j.normalize() }

func (j *Job) normalize() error {
	if j.Name == "" {
		return fmt.Errorf("name is required")
	}
	if j.Vendor == "" {
		j.Vendor = "databento"
	}
	if j.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}

	schema, err := models.ParseSchema(string(j.Schema))
	if err != nil {
		return err
	}
	j.Schema = schema

	if len(j.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	for i, s := range j.Symbols {
		j.Symbols[i] = strings.TrimSpace(s)
		if j.Symbols[i] == "" {
			return fmt.Errorf("symbol %d is empty", i)
		}
	}

	if j.SymbolType == "" {
		j.SymbolType = models.SymbolTypeNative
	}
	st, err := models.ParseSymbolType(string(j.SymbolType))
	if err != nil {
		return err
	}
	j.SymbolType = st

	start, err := j.Start()
	if err != nil {
		return err
	}
	end, err := j.End()
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("start_date %s after end_date %s", j.StartDate, j.EndDate)
	}

	if j.ChunkDays == 0 {
		j.ChunkDays = defaultChunkDays(j.Schema)
	}
	if j.ChunkDays < 1 {
		return fmt.Errorf("chunk_days must be >= 1")
	}

	switch j.CalendarFilter {
	case "", "none", "weekdays":
	default:
		return fmt.Errorf("unknown calendar_filter %q", j.CalendarFilter)
	}
	return nil
}

// Start parses the inclusive start date as UTC midnight.
func (j *Job) Start() (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, j.StartDate, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start_date %q: %w", j.StartDate, err)
	}
	return t, nil
}

// End parses the inclusive end date as UTC midnight.
func (j *Job) End() (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, j.EndDate, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid end_date %q: %w", j.EndDate, err)
	}
	return t, nil
}

// defaultChunkDays keeps dense schemas in small windows so a chunk stays
// within one API call and one transaction's worth of rows.
func defaultChunkDays(s models.Schema) int {
	switch s {
	case models.SchemaTrades, models.SchemaTBBO:
		return 1
	case models.SchemaOHLCV1S, models.SchemaOHLCV1M:
		return 7
	default:
		return 30
	}
}
