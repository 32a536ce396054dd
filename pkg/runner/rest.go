package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResultsFile receives the result list of a finished remote run.
const ResultsFile = "job-results.json"

// Result is one output file published by a remote service.
type Result struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SubmitResponse is the body a remote service answers a submission with.
type SubmitResponse struct {
	Name       string `json:"name"`
	ResultsURL string `json:"results_url"`
}

// ResultsResponse is the body of a finished results request.
type ResultsResponse struct {
	Results []Result `json:"results"`
}

// RESTBackend delegates jobs to another instance of this service over HTTP.
// The run ID is the results URL returned on submission.
type RESTBackend struct {
	name      string
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	startPoll time.Duration
	maxPoll   time.Duration
	logger    *zap.Logger
	waited    *WaitedJobs
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RESTOption configures a RESTBackend.
type RESTOption func(*RESTBackend)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(b *RESTBackend) {
		if c != nil {
			b.client = c
		}
	}
}

// WithPolling sets the first and the largest results polling interval.
func WithPolling(start, maxInterval time.Duration) RESTOption {
	return func(b *RESTBackend) {
		if start > 0 {
			b.startPoll = start
		}
		if maxInterval > 0 {
			b.maxPoll = maxInterval
		}
	}
}

// WithRateLimit bounds requests per second to the remote service.
func WithRateLimit(perSecond float64, burst int) RESTOption {
	return func(b *RESTBackend) {
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRESTLogger sets the backend logger.
func WithRESTLogger(l *zap.Logger) RESTOption {
	return func(b *RESTBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewREST returns a backend that submits to the service at baseURL.
func NewREST(name, baseURL string, opts ...RESTOption) *RESTBackend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RESTBackend{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 60 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(2), 4),
		startPoll: 5 * time.Second,
		maxPoll:   5 * time.Minute,
		logger:    zap.NewNop(),
		waited:    NewWaitedJobs(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements Backend.
func (b *RESTBackend) Name() string { return b.name }

// Waited exposes the set of results URLs being polled.
func (b *RESTBackend) Waited() *WaitedJobs { return b.waited }

// Stop cancels all waiters and waits for them to exit.
func (b *RESTBackend) Stop() {
	b.cancel()
	b.wg.Wait()
}

// CheckCompleted implements Backend. A finished run has its results saved
// into the job directory before StatusDone is reported.
func (b *RESTBackend) CheckCompleted(ctx context.Context, runID, dir string) (Status, error) {
	if b.waited.Contains(runID) {
		return StatusRunning, nil
	}
	st, results, err := b.fetchResults(ctx, runID)
	if err != nil || st != StatusDone {
		return st, err
	}
	if err := saveResults(dir, results); err != nil {
		return StatusRunning, err
	}
	return StatusDone, nil
}

func (b *RESTBackend) fetchResults(ctx context.Context, url string) (Status, []Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return StatusRunning, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusRunning, nil, fmt.Errorf("build results request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return StatusRunning, nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var rr ResultsResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return StatusRunning, nil, &RunnerError{Runner: b.name, RunID: url, Msg: "decode results", Err: err}
		}
		return StatusDone, rr.Results, nil
	case http.StatusServiceUnavailable:
		return StatusRunning, nil, nil
	case http.StatusNotFound, http.StatusGone:
		return StatusUnknown, nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return StatusRunning, nil, &RunnerError{Runner: b.name, RunID: url,
			Msg: fmt.Sprintf("results request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
}

func saveResults(dir string, results []Result) error {
	if results == nil {
		results = []Result{}
	}
	data, err := json.MarshalIndent(ResultsResponse{Results: results}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	// #nosec G306 -- served to job owners by the frontend
	if err := os.WriteFile(filepath.Join(dir, ResultsFile), data, 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return WriteSentinel(dir, SentinelDone)
}

// LoadResults reads results saved by a finished remote run.
func LoadResults(dir string) ([]Result, error) {
	data, err := os.ReadFile(filepath.Join(dir, ResultsFile))
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	var rr ResultsResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return rr.Results, nil
}

func (b *RESTBackend) wait(runID, dir string, sink CompletionSink) {
	defer b.wg.Done()
	interval := b.startPoll
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-b.ctx.Done():
			_ = b.waited.Remove(runID)
			return
		case <-timer.C:
		}

		st, results, err := b.fetchResults(b.ctx, runID)
		var failure error
		switch {
		case err != nil && IsRunnerError(err):
			failure = err
		case err != nil:
			b.logger.Warn("remote poll failed", zap.String("runner", b.name), zap.String("run_id", runID), zap.Error(err))
		case st == StatusDone:
			failure = saveResults(dir, results)
		}
		if failure != nil || (err == nil && st == StatusDone) {
			_ = b.waited.Remove(runID)
			sink.Completed(b.name, runID, failure)
			return
		}

		interval = time.Duration(float64(interval) * 1.5)
		if interval > b.maxPoll {
			interval = b.maxPoll
		}
		timer.Reset(interval)
	}
}

// RESTRunner is one submission bound for a remote service.
type RESTRunner struct {
	backend *RESTBackend
	fields  [][2]string
	files   [][2]string
}

// NewRunner returns an empty submission.
func (b *RESTBackend) NewRunner() *RESTRunner {
	return &RESTRunner{backend: b}
}

// AddField adds a form value.
func (r *RESTRunner) AddField(name, value string) {
	r.fields = append(r.fields, [2]string{name, value})
}

// AddFile uploads a file, relative to the job directory unless absolute.
func (r *RESTRunner) AddFile(field, path string) {
	r.files = append(r.files, [2]string{field, path})
}

// Backend implements Runner.
func (r *RESTRunner) Backend() string { return r.backend.name }

// Submit posts the form to the remote /jobs endpoint.
func (r *RESTRunner) Submit(ctx context.Context, sc SubmitContext) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	body, contentType, err := r.form(sc.Directory)
	if err != nil {
		return "", err
	}
	if err := r.backend.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.backend.baseURL+"/jobs", body)
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	resp, err := r.backend.client.Do(req)
	if err != nil {
		return "", &RunnerError{Runner: r.backend.name, Msg: "submit to remote service", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &RunnerError{Runner: r.backend.name,
			Msg: fmt.Sprintf("remote service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
	var sr SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", &RunnerError{Runner: r.backend.name, Msg: "decode submit response", Err: err}
	}
	if sr.ResultsURL == "" {
		return "", &RunnerError{Runner: r.backend.name, Msg: "remote service returned no results URL"}
	}

	if err := WriteSentinel(sc.Directory, SentinelStarted); err != nil {
		return "", err
	}
	if sc.Sink != nil {
		r.backend.waited.Add(sr.ResultsURL)
		r.backend.wg.Add(1)
		go r.backend.wait(sr.ResultsURL, sc.Directory, sc.Sink)
	}
	return sr.ResultsURL, nil
}

func (r *RESTRunner) form(dir string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range r.fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write form field: %w", err)
		}
	}
	for _, f := range r.files {
		path := f[1]
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read upload: %w", err)
		}
		w, err := mw.CreateFormFile(f[0], filepath.Base(path))
		if err != nil {
			return nil, "", fmt.Errorf("write form file: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, "", fmt.Errorf("write form file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
