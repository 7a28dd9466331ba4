package whiteboard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultRatePerMinute   = 50
	defaultQueueMaxRetries = 3
	defaultQueueBaseDelay  = time.Second
	defaultQueueMaxDelay   = 30 * time.Second
	defaultRateWaitStep    = time.Second
	rateWindow             = time.Minute
	maxBatchSize           = 10
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

type QueueOptions struct {
	Pool          *ConnectionPool
	RatePerMinute int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// RespectRetryAfter makes a 429's Retry-After header override the computed
	// backoff delay. Off by default pending confirmation of intended provider
	// behavior; the exponential schedule is used either way when the header is
	// absent.
	RespectRetryAfter bool
	Metrics           *MetricsAggregator
	Logger            *logrus.Logger
	Now               func() time.Time
	// RateWaitStep is how long an admitted-blocked caller sleeps between
	// window re-checks. Tests shrink it.
	RateWaitStep time.Duration
}

type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Priority Priority
	// DedupKey overrides the derived method+URL+body key when set.
	DedupKey string
}

// RequestQueue serializes access to the provider: it merges concurrent
// identical requests into one network call, enforces a rolling-window rate
// limit, and retries transient failures with exponential backoff.
type RequestQueue struct {
	pool              *ConnectionPool
	maxRetries        int
	baseDelay         time.Duration
	maxDelay          time.Duration
	respectRetryAfter bool
	metrics           *MetricsAggregator
	log               *logrus.Logger
	now               func() time.Time
	waitStep          time.Duration

	mu       sync.Mutex
	rate     int
	window   []time.Time
	inflight map[string]*flight
}

type flight struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

func NewRequestQueue(opts QueueOptions) *RequestQueue {
	rate := opts.RatePerMinute
	if rate <= 0 {
		rate = defaultRatePerMinute
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultQueueMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultQueueBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultQueueMaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	waitStep := opts.RateWaitStep
	if waitStep <= 0 {
		waitStep = defaultRateWaitStep
	}
	return &RequestQueue{
		pool:              opts.Pool,
		maxRetries:        maxRetries,
		baseDelay:         baseDelay,
		maxDelay:          maxDelay,
		respectRetryAfter: opts.RespectRetryAfter,
		metrics:           opts.Metrics,
		log:               logger,
		now:               now,
		waitStep:          waitStep,
		rate:              rate,
		window:            make([]time.Time, 0, rate),
		inflight:          map[string]*flight{},
	}
}

// SetRatePerMinute adjusts the rate ceiling at runtime (config hot reload).
func (q *RequestQueue) SetRatePerMinute(rate int) {
	if rate <= 0 {
		return
	}
	q.mu.Lock()
	q.rate = rate
	q.mu.Unlock()
}

// Execute runs the request through dedup, the rate limiter, and the retry
// loop. All callers sharing a dedup key observe the same result or error.
func (q *RequestQueue) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	key := req.DedupKey
	if key == "" {
		key = dedupKey(req)
	}

	q.mu.Lock()
	if existing, ok := q.inflight[key]; ok {
		q.mu.Unlock()
		select {
		case <-existing.done:
			return existing.result, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &flight{done: make(chan struct{})}
	q.inflight[key] = fl
	q.mu.Unlock()

	fl.result, fl.err = q.process(ctx, req)

	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
	close(fl.done)

	return fl.result, fl.err
}

func (q *RequestQueue) process(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := q.acquireSlot(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		result, retryAfter, err := q.attempt(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryableError(err) || attempt == q.maxRetries {
			return nil, err
		}

		delay := backoffDelay(q.baseDelay, q.maxDelay, attempt)
		if q.respectRetryAfter && retryAfter > 0 {
			delay = retryAfter
		}
		q.log.WithFields(logrus.Fields{
			"url":     req.URL,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Debug("retrying provider request")
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}
	return nil, lastErr
}

// acquireSlot blocks until fewer than the ceiling's worth of requests sit in
// the trailing window, then claims a timestamp. Waiters sleep and re-prune
// rather than spinning.
func (q *RequestQueue) acquireSlot(ctx context.Context) error {
	for {
		q.mu.Lock()
		q.pruneWindowLocked()
		if len(q.window) < q.rate {
			q.window = append(q.window, q.now())
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()
		if err := sleepContext(ctx, q.waitStep); err != nil {
			return err
		}
	}
}

func (q *RequestQueue) pruneWindowLocked() {
	cutoff := q.now().Add(-rateWindow)
	kept := q.window[:0]
	for _, ts := range q.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	q.window = kept
}

func (q *RequestQueue) attempt(ctx context.Context, req Request) (json.RawMessage, time.Duration, error) {
	start := q.now()
	resp, err := q.pool.MakeRequest(ctx, PoolRequest{
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header,
		Body:   req.Body,
	})
	if q.metrics != nil {
		q.metrics.RecordAPIResponseTime(q.now().Sub(start))
	}
	if err != nil {
		return nil, 0, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return resp.Body, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, retryAfter, &RateLimitError{RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, &AuthError{StatusCode: resp.StatusCode}
	default:
		return nil, 0, &APIError{
			StatusCode: resp.StatusCode,
			Code:       apiErrorCode(resp.Body),
			Message:    apiErrorMessage(resp.Body),
		}
	}
}

// BatchExecute partitions operations into batches of at most ten and submits
// one HIGH-priority request per batch against url, running batches
// concurrently. Results are returned in batch order; the first error wins.
func (q *RequestQueue) BatchExecute(ctx context.Context, url string, header http.Header, operations []json.RawMessage) ([]json.RawMessage, error) {
	if len(operations) == 0 {
		return nil, nil
	}
	batches := groupIntoBatches(operations, maxBatchSize)
	results := make([]json.RawMessage, len(batches))
	errs := make([]error, len(batches))

	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		go func(i int, batch []json.RawMessage) {
			defer wg.Done()
			body, err := json.Marshal(map[string]any{"operations": batch})
			if err != nil {
				errs[i] = err
				return
			}
			batchHeader := http.Header{}
			for key, values := range header {
				batchHeader[key] = values
			}
			batchHeader.Set("Content-Type", "application/json")
			results[i], errs[i] = q.Execute(ctx, Request{
				Method:   http.MethodPost,
				URL:      url,
				Header:   batchHeader,
				Body:     body,
				Priority: PriorityHigh,
				// Batches are distinct submissions even when payloads repeat.
				DedupKey: "batch:" + uuid.NewString(),
			})
		}(i, batch)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// InFlight reports the number of distinct deduplicated requests outstanding.
func (q *RequestQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func dedupKey(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(req.URL))
	h.Write([]byte{0})
	h.Write(req.Body)
	return hex.EncodeToString(h.Sum(nil))
}

func groupIntoBatches(operations []json.RawMessage, size int) [][]json.RawMessage {
	var batches [][]json.RawMessage
	for start := 0; start < len(operations); start += size {
		end := start + size
		if end > len(operations) {
			end = len(operations)
		}
		batches = append(batches, operations[start:end])
	}
	return batches
}

// parseRetryAfter accepts both forms the provider may send: delta seconds and
// an HTTP-date.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		delta := time.Until(at)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func apiErrorCode(body []byte) string {
	var parsed struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		return parsed.Code
	}
	return ""
}

func apiErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		return parsed.Message
	}
	const maxLen = 200
	msg := string(body)
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
