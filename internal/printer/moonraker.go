// Package printer talks to a Moonraker instance: print history for
// per-file statistics, and the job queue for sending sliced files to
// the printer.
package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/printvault/printvault/internal/metrics"
)

// StatusCompleted is Moonraker's terminal state for a successful job.
const StatusCompleted = "completed"

// StatusCancelled is Moonraker's terminal state for an aborted job.
const StatusCancelled = "cancelled"

// Client is a minimal Moonraker HTTP client.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// NewClient builds a client for the given Moonraker base URL. The API
// key is optional; when set it is sent as X-Api-Key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

// Job is one entry from Moonraker's print history.
type Job struct {
	JobID         string  `json:"job_id"`
	Filename      string  `json:"filename"`
	Status        string  `json:"status"`
	StartTime     float64 `json:"start_time"`
	TotalDuration float64 `json:"total_duration"`
	FilamentUsed  float64 `json:"filament_used"`
}

// Stats aggregates the history entries for one file.
type Stats struct {
	Filename      string
	PrintCount    int
	Successful    int
	Cancelled     int
	AvgDuration   time.Duration // completed jobs only
	TotalFilament float64       // millimetres, as Moonraker reports it
	LastPrintAt   time.Time
	LastStatus    string
}

// History fetches up to limit history entries, most recent first.
func (c *Client) History(ctx context.Context, limit int) ([]Job, error) {
	var out struct {
		Result struct {
			Jobs []Job `json:"jobs"`
		} `json:"result"`
	}
	q := url.Values{"order": {"desc"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.do(ctx, http.MethodGet, "/server/history/list?"+q.Encode(), nil, &out)
	metrics.RecordPrinterRequest("history", err)
	if err != nil {
		return nil, err
	}
	return out.Result.Jobs, nil
}

// EnqueueJob appends the given sliced files to Moonraker's job queue.
func (c *Client) EnqueueJob(ctx context.Context, filenames []string) error {
	body := map[string]any{"filenames": filenames}
	err := c.do(ctx, http.MethodPost, "/server/job_queue/job", body, nil)
	metrics.RecordPrinterRequest("enqueue", err)
	return err
}

// Aggregate folds a history listing into per-file statistics.
func Aggregate(jobs []Job) map[string]Stats {
	out := make(map[string]Stats)
	completedDur := make(map[string]float64)
	for _, j := range jobs {
		s := out[j.Filename]
		s.Filename = j.Filename
		s.PrintCount++
		s.TotalFilament += j.FilamentUsed
		switch j.Status {
		case StatusCompleted:
			s.Successful++
			completedDur[j.Filename] += j.TotalDuration
		case StatusCancelled:
			s.Cancelled++
		}
		if start := unixFloat(j.StartTime); start.After(s.LastPrintAt) {
			s.LastPrintAt = start
			s.LastStatus = j.Status
		}
		out[j.Filename] = s
	}
	for name, s := range out {
		if s.Successful > 0 {
			s.AvgDuration = time.Duration(completedDur[name] / float64(s.Successful) * float64(time.Second))
			out[name] = s
		}
	}
	return out
}

// StatsForFile fetches the history and aggregates the entries for one
// file name.
func (c *Client) StatsForFile(ctx context.Context, filename string, limit int) (Stats, error) {
	jobs, err := c.History(ctx, limit)
	if err != nil {
		return Stats{}, err
	}
	return Aggregate(jobs)[filename], nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("moonraker %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("moonraker %s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func unixFloat(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
