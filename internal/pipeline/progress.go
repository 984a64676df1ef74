package pipeline

import (
	"sort"
	"sync"
	"time"

	"databento-ingest/internal/models"
)

// JobProgress is one job's live view, served by the ops endpoint.
type JobProgress struct {
	Job         string              `json:"job"`
	TotalChunks int                 `json:"total_chunks"`
	DoneChunks  int                 `json:"done_chunks"`
	Stage       ChunkState          `json:"stage"`
	Running     bool                `json:"running"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	Stats       *models.JobRunStats `json:"stats,omitempty"`
}

// Progress aggregates job state across workers. Safe for concurrent use.
type Progress struct {
	mu   sync.Mutex
	jobs map[string]*JobProgress
}

func NewProgress() *Progress {
	return &Progress{jobs: make(map[string]*JobProgress)}
}

func (p *Progress) startJob(name string, chunks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[name] = &JobProgress{
		Job:         name,
		TotalChunks: chunks,
		Stage:       StatePlanned,
		Running:     true,
		StartedAt:   time.Now().UTC(),
	}
}

func (p *Progress) chunkStage(name string, stage ChunkState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if jp, ok := p.jobs[name]; ok {
		jp.Stage = stage
	}
}

func (p *Progress) updateChunk(name string, done int, terminal ChunkState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if jp, ok := p.jobs[name]; ok {
		jp.DoneChunks = done
		jp.Stage = terminal
	}
}

func (p *Progress) finishJob(name string, stats models.JobRunStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	jp, ok := p.jobs[name]
	if !ok {
		jp = &JobProgress{Job: name}
		p.jobs[name] = jp
	}
	now := time.Now().UTC()
	jp.Running = false
	jp.FinishedAt = &now
	jp.Stats = &stats
}

// Snapshot returns a stable-ordered copy of every tracked job.
func (p *Progress) Snapshot() []JobProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]JobProgress, 0, len(p.jobs))
	for _, jp := range p.jobs {
		cp := *jp
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}
