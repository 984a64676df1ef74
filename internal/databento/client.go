// Package databento fetches historical records from the Databento HTTP API
// in bounded date chunks, with a shared rate limiter and a single retry
// policy at the call boundary.
package databento

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"databento-ingest/internal/config"
	"databento-ingest/internal/models"
)

const (
	rangePath    = "/v0/timeseries.get_range"
	datasetsPath = "/v0/metadata.list_datasets"

	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 2048
)

// DecodeErrFunc receives raw lines that could not form a typed record. The
// chunk continues; routing the payload to quarantine is the caller's job.
type DecodeErrFunc func(schema models.Schema, payload json.RawMessage, err error)

// Client talks to the vendor's historical range endpoint.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *rate.Limiter
	retry   *RetryPolicy
}

// NewClient wires the adapter from system config. The limiter is shared by
// every chunk request the client makes, including across concurrent jobs.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.DatabentoBaseURL, "/"),
		apiKey:  cfg.DatabentoAPIKey,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		retry:   NewRetryPolicy(cfg.Retry),
	}
}

// Ping verifies credentials and reachability against the metadata endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+datasetsPath, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.apiKey, "")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("databento unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

// FetchChunk opens the record stream for one chunk. The returned stream is
// finite, not restartable, and must be drained or closed before the next
// chunk is requested. Retries cover connection setup and non-2xx statuses;
// a failure mid-stream surfaces as a stream error.
func (c *Client) FetchChunk(ctx context.Context, job config.Job, chunk Chunk) (*RecordStream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp *http.Response
	err := c.retry.Do(ctx, fmt.Sprintf("get_range %s [%s, %s)", job.Schema,
		chunk.Start.Format("2006-01-02"), chunk.End.Format("2006-01-02")),
		func() error {
			r, err := c.doRangeRequest(ctx, job, chunk)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	if err != nil {
		return nil, err
	}

	return &RecordStream{
		schema:  job.Schema,
		job:     job,
		body:    resp.Body,
		scanner: newLineScanner(resp.Body),
	}, nil
}

func (c *Client) doRangeRequest(ctx context.Context, job config.Job, chunk Chunk) (*http.Response, error) {
	q := url.Values{}
	q.Set("dataset", job.Dataset)
	q.Set("schema", string(job.Schema))
	q.Set("symbols", strings.Join(job.Symbols, ","))
	q.Set("stype_in", string(job.SymbolType))
	q.Set("start", chunk.Start.Format(time.RFC3339))
	q.Set("end", chunk.End.Format(time.RFC3339))
	q.Set("encoding", "json")
	q.Set("map_symbols", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+rangePath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &RequestError{
		Status:     resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header),
	}
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	// Definition rows are wide; give the scanner room well past the default.
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return sc
}

// RecordStream iterates the JSON-line body of one chunk response.
type RecordStream struct {
	schema  models.Schema
	job     config.Job
	body    io.ReadCloser
	scanner *bufio.Scanner

	onDecodeErr DecodeErrFunc

	fetched int64
	decoded int64
	closed  bool
}

// OnDecodeError registers the handler for undecodable lines.
func (s *RecordStream) OnDecodeError(fn DecodeErrFunc) { s.onDecodeErr = fn }

// Fetched counts raw lines read so far, including undecodable ones.
func (s *RecordStream) Fetched() int64 { return s.fetched }

// Decoded counts records successfully constructed so far.
func (s *RecordStream) Decoded() int64 { return s.decoded }

// Next returns the next typed record in vendor order. It returns io.EOF when
// the chunk is exhausted; any other error is fatal for the chunk. Lines that
// fail decoding are reported through OnDecodeError and skipped.
func (s *RecordStream) Next() (models.Record, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		s.fetched++

		rec, err := Decode(s.schema, line)
		if err != nil {
			payload := json.RawMessage(append([]byte(nil), line...))
			log.Printf("[databento] undecodable %s record: %v", s.schema, err)
			if s.onDecodeErr != nil {
				s.onDecodeErr(s.schema, payload, err)
			}
			continue
		}

		s.repairSymbol(rec)
		s.decoded++
		return rec, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read: %w", err)
	}
	return nil, io.EOF
}

// repairSymbol fills a missing per-record symbol from the job when the answer
// is unambiguous. Parent and wildcard symbologies expand to many instruments,
// so those stay empty and later stages decide.
func (s *RecordStream) repairSymbol(rec models.Record) {
	hdr := rec.Header()
	if hdr.Symbol != "" {
		return
	}
	if len(s.job.Symbols) == 1 && s.job.SymbolType != models.SymbolTypeParent {
		hdr.Symbol = s.job.Symbols[0]
	}
}

// Close releases the underlying response body. Safe to call twice.
func (s *RecordStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
