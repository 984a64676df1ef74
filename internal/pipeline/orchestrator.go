// Package pipeline drives jobs through the fetch, transform, validate, load
// stages, one chunk at a time, with quarantine discipline so every fetched
// record is accounted for.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"databento-ingest/internal/config"
	"databento-ingest/internal/databento"
	"databento-ingest/internal/models"
	"databento-ingest/internal/rules"
	"databento-ingest/internal/validate"
)

// ChunkState tracks one chunk through the pipeline.
type ChunkState string

const (
	StatePlanned            ChunkState = "PLANNED"
	StateFetching           ChunkState = "FETCHING"
	StateTransforming       ChunkState = "TRANSFORMING"
	StateValidating         ChunkState = "VALIDATING"
	StateLoading            ChunkState = "LOADING"
	StateDone               ChunkState = "DONE"
	StateQuarantinedPartial ChunkState = "QUARANTINED_PARTIAL"
	StateFailed             ChunkState = "FAILED"
)

// RecordSource is one chunk's record stream. *databento.RecordStream is the
// production implementation.
type RecordSource interface {
	Next() (models.Record, error)
	OnDecodeError(databento.DecodeErrFunc)
	Fetched() int64
	Decoded() int64
	Close() error
}

// ChunkOpener opens the record stream for one chunk.
type ChunkOpener interface {
	OpenChunk(ctx context.Context, job config.Job, chunk databento.Chunk) (RecordSource, error)
}

// ClientOpener adapts the vendor client to the opener contract.
type ClientOpener struct {
	Client *databento.Client
}

func (a ClientOpener) OpenChunk(ctx context.Context, job config.Job, chunk databento.Chunk) (RecordSource, error) {
	return a.Client.FetchChunk(ctx, job, chunk)
}

// Transformer maps typed records to standardized rows. Satisfied by
// *rules.Engine.
type Transformer interface {
	Apply(rec models.Record) (rules.StandardizedRecord, *rules.Violation, error)
	SkipValidationErrors() bool
}

// BatchValidator checks one chunk batch. Satisfied by *validate.Validator.
type BatchValidator interface {
	ValidateBatch(schema models.Schema, jobSymbols []string, batch []rules.StandardizedRecord) (*validate.Result, error)
}

// Loader stores one chunk batch transactionally. Satisfied by
// *repository.Repository.
type Loader interface {
	LoadBatch(ctx context.Context, jobName, exchange string, schema models.Schema, batch []rules.StandardizedRecord) (int64, error)
}

// QuarantineWriter persists rejected records. Satisfied by *quarantine.Sink.
type QuarantineWriter interface {
	Write(entry models.QuarantineEntry) error
}

// Orchestrator runs jobs. Each chunk moves PLANNED -> FETCHING ->
// TRANSFORMING -> VALIDATING -> LOADING -> DONE, with QUARANTINED_PARTIAL
// and FAILED as terminals.
type Orchestrator struct {
	cfg       *config.Config
	opener    ChunkOpener
	rules     Transformer
	validator BatchValidator
	loader    Loader
	sink      QuarantineWriter
	progress  *Progress
}

func New(cfg *config.Config, opener ChunkOpener, transformer Transformer, validator BatchValidator, loader Loader, sink QuarantineWriter) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		opener:    opener,
		rules:     transformer,
		validator: validator,
		loader:    loader,
		sink:      sink,
		progress:  NewProgress(),
	}
}

// Progress exposes the live snapshot for the ops HTTP surface.
func (o *Orchestrator) Progress() *Progress { return o.progress }

// RunJobs executes jobs through a fixed-size worker pool. With JOB_WORKERS=1
// (the default) jobs run sequentially in order. Job failures do not cancel
// sibling jobs; the combined error reports every failed job.
func (o *Orchestrator) RunJobs(ctx context.Context, jobs []config.Job) error {
	workers := o.cfg.JobWorkers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	if workers <= 1 {
		var errs []error
		for _, job := range jobs {
			if _, err := o.RunJob(ctx, job); err != nil {
				errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
			}
		}
		return errors.Join(errs...)
	}

	jobCh := make(chan config.Job)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				if _, err := o.RunJob(ctx, job); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
					mu.Unlock()
				}
			}
		}()
	}
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)
	wg.Wait()
	return errors.Join(errs...)
}

// RunJob processes one job chunk by chunk. Chunk-level quarantine keeps the
// job going; a failed chunk stops it. The returned stats are complete either
// way.
func (o *Orchestrator) RunJob(ctx context.Context, job config.Job) (models.JobRunStats, error) {
	stats := models.JobRunStats{JobName: job.Name}
	start := time.Now()
	defer func() {
		stats.Duration = time.Since(start)
		log.Printf("[pipeline] %s", stats.String())
		o.progress.finishJob(job.Name, stats)
	}()

	chunks, err := databento.PlanChunks(job)
	if err != nil {
		return stats, fmt.Errorf("plan chunks: %w", err)
	}
	log.Printf("[pipeline] job %s: %d chunks of %s over %s..%s",
		job.Name, len(chunks), job.Schema, job.StartDate, job.EndDate)
	o.progress.startJob(job.Name, len(chunks))

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		state, err := o.runChunk(ctx, job, chunk, &stats)
		o.progress.updateChunk(job.Name, i+1, state)
		stats.ChunkCount++
		if state == StateFailed {
			stats.ChunkFailed++
			return stats, fmt.Errorf("chunk [%s, %s): %w",
				chunk.Start.Format("2006-01-02"), chunk.End.Format("2006-01-02"), err)
		}
	}

	if !stats.Accounted() {
		log.Printf("[pipeline] job %s: accounting mismatch: %s", job.Name, stats.String())
	}
	return stats, nil
}

// runChunk drives one chunk through every stage. An error comes back only
// with StateFailed and is fatal for the job; the other terminal states keep
// the job moving.
func (o *Orchestrator) runChunk(ctx context.Context, job config.Job, chunk databento.Chunk, stats *models.JobRunStats) (ChunkState, error) {
	// Chunk-local counters; folded into job stats exactly once.
	var quarantined, stored int64

	o.progress.chunkStage(job.Name, StateFetching)
	stream, err := o.opener.OpenChunk(ctx, job, chunk)
	if err != nil {
		return StateFailed, fmt.Errorf("fetch: %w", err)
	}
	defer stream.Close()

	var decodeFatal error
	stream.OnDecodeError(func(schema models.Schema, payload json.RawMessage, decErr error) {
		err := o.quarantine(models.QuarantineEntry{
			JobName: job.Name,
			Schema:  schema,
			Stage:   models.StageDecode,
			Error:   decErr.Error(),
			Payload: payload,
		})
		if err != nil {
			if decodeFatal == nil {
				decodeFatal = err
			}
			return
		}
		quarantined++
	})

	// fail closes out the chunk's accounting on a fatal error: everything
	// fetched but neither stored nor quarantined counts as an error.
	fail := func(stage string, cause error) (ChunkState, error) {
		stats.Fetched += stream.Fetched()
		stats.Decoded += stream.Decoded()
		stats.Quarantined += quarantined
		stats.Stored += stored
		stats.Errors += stream.Fetched() - quarantined - stored
		return StateFailed, fmt.Errorf("%s: %w", stage, cause)
	}

	o.progress.chunkStage(job.Name, StateTransforming)
	var batch []rules.StandardizedRecord
	for {
		rec, err := stream.Next()
		if decodeFatal != nil {
			return fail("decode", decodeFatal)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail("stream", err)
		}

		out, viol, err := o.rules.Apply(rec)
		if err != nil {
			return fail("transform", err)
		}
		if viol != nil {
			if !o.rules.SkipValidationErrors() {
				return fail("transform", viol)
			}
			qErr := o.quarantine(models.QuarantineEntry{
				JobName:  job.Name,
				Schema:   rec.Schema(),
				Stage:    models.StageTransform,
				RuleName: viol.Rule,
				Error:    viol.Detail,
				Payload:  rec,
			})
			if qErr != nil {
				return fail("transform", qErr)
			}
			quarantined++
			continue
		}
		batch = append(batch, out)
	}

	o.progress.chunkStage(job.Name, StateValidating)
	res, err := o.validator.ValidateBatch(job.Schema, job.Symbols, batch)
	if res != nil {
		stats.SymbolsRepaired += int64(res.Repaired)
		for _, f := range res.Failures {
			qErr := o.quarantine(models.QuarantineEntry{
				JobName:  job.Name,
				Schema:   job.Schema,
				Stage:    models.StageValidate,
				RuleName: f.Rule,
				Error:    f.Detail,
				Payload:  f.Record,
			})
			if qErr != nil {
				return fail("validate", qErr)
			}
			quarantined++
		}
	}
	if err != nil {
		return fail("validate", err)
	}

	o.progress.chunkStage(job.Name, StateLoading)
	stored, err = o.loader.LoadBatch(ctx, job.Name, job.Dataset, job.Schema, res.Valid)
	if err != nil {
		// The transaction rolled back; quarantine the whole batch and keep
		// the job moving. With no sink the chunk fails outright.
		if !o.cfg.Validation.QuarantineEnabled {
			return fail("load", err)
		}
		log.Printf("[pipeline] job %s: load failed, quarantining %d rows: %v",
			job.Name, len(res.Valid), err)
		for _, row := range res.Valid {
			if qErr := o.quarantine(models.QuarantineEntry{
				JobName: job.Name,
				Schema:  job.Schema,
				Stage:   models.StageLoad,
				Error:   err.Error(),
				Payload: row,
			}); qErr == nil {
				quarantined++
			}
		}
	}

	stats.Fetched += stream.Fetched()
	stats.Decoded += stream.Decoded()
	stats.Transformed += int64(len(batch))
	stats.Validated += int64(len(res.Valid))
	stats.Quarantined += quarantined
	stats.Stored += stored

	if quarantined > 0 {
		return StateQuarantinedPartial, nil
	}
	return StateDone, nil
}

// quarantine persists one rejected record. With quarantine disabled there is
// nowhere the record could land, so the rejection is a fatal chunk error
// instead of a counter.
func (o *Orchestrator) quarantine(entry models.QuarantineEntry) error {
	if !o.cfg.Validation.QuarantineEnabled {
		return fmt.Errorf("quarantine disabled, %s stage rejected a record: %s", entry.Stage, entry.Error)
	}
	if err := o.sink.Write(entry); err != nil {
		log.Printf("[pipeline] quarantine write failed: %v", err)
	}
	return nil
}
