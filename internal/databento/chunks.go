package databento

import (
	"time"

	"databento-ingest/internal/config"
)

// Chunk is a contiguous half-open date sub-range [Start, End) processed as a
// unit. End of the last chunk is the day after the job's inclusive end date.
type Chunk struct {
	Start time.Time
	End   time.Time
}

// Days returns the calendar days covered by the chunk.
func (c Chunk) Days() int {
	return int(c.End.Sub(c.Start) / (24 * time.Hour))
}

// PlanChunks splits a job's inclusive date range into half-open chunks of
// chunk_days width plus a final partial chunk. When a calendar filter is set,
// chunks containing no trading day are dropped whole; chunks with at least one
// trading day survive intact so record-level filtering stays downstream.
func PlanChunks(job config.Job) ([]Chunk, error) {
	start, err := job.Start()
	if err != nil {
		return nil, err
	}
	end, err := job.End()
	if err != nil {
		return nil, err
	}
	// End date is inclusive at day granularity.
	limit := end.AddDate(0, 0, 1)

	width := time.Duration(job.ChunkDays) * 24 * time.Hour
	var chunks []Chunk
	for cur := start; cur.Before(limit); {
		next := cur.Add(width)
		if next.After(limit) {
			next = limit
		}
		c := Chunk{Start: cur, End: next}
		if job.CalendarFilter != "weekdays" || hasTradingDay(c) {
			chunks = append(chunks, c)
		}
		cur = next
	}
	return chunks, nil
}

// hasTradingDay reports whether any day in the chunk is a weekday. This is a
// coarse calendar heuristic; exchange holidays still yield empty responses,
// which are valid chunks.
func hasTradingDay(c Chunk) bool {
	for d := c.Start; d.Before(c.End); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			return true
		}
	}
	return false
}
