package whiteboard

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPoolMaxConns       = 20
	defaultPoolIdleTimeout    = 90 * time.Second
	defaultPoolRequestTimeout = 30 * time.Second
)

type PoolOptions struct {
	MaxConns       int
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *logrus.Logger
}

// ConnectionPool owns the single keep-alive transport shared by every
// outbound provider call. It executes one request with a timeout and returns
// the raw response; classification of status codes happens in the layers
// above, so the pool stays a simple composable primitive.
type ConnectionPool struct {
	client         *http.Client
	transport      *http.Transport
	requestTimeout time.Duration
	maxConns       int
	inFlight       atomic.Int64
	served         atomic.Int64
	log            *logrus.Logger
}

type PoolRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Timeout overrides the pool default for this request when positive.
	Timeout time.Duration
}

type PoolResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type PoolStats struct {
	InFlight      int64 `json:"inFlight"`
	TotalServed   int64 `json:"totalServed"`
	MaxConns      int   `json:"maxConns"`
	IdleTimeoutMS int64 `json:"idleTimeoutMs"`
}

func NewConnectionPool(opts PoolOptions) *ConnectionPool {
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = defaultPoolMaxConns
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultPoolIdleTimeout
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultPoolRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	transport := &http.Transport{
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     idleTimeout,
	}
	return &ConnectionPool{
		client:         &http.Client{Transport: transport},
		transport:      transport,
		requestTimeout: requestTimeout,
		maxConns:       maxConns,
		log:            logger,
	}
}

// MakeRequest executes a single HTTP request. It returns the response for any
// status code; the error return covers transport failures and timeouts only.
func (p *ConnectionPool) MakeRequest(ctx context.Context, req PoolRequest) (*PoolResponse, error) {
	if p == nil {
		return nil, errors.New("connection pool is nil")
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, &InvalidRequestError{Message: "request url is required"}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.requestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// The request context fired while the parent is still live: this is
		// the pool's own timeout, not caller cancellation.
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Timeout: timeout}
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Timeout: timeout}
		}
		return nil, err
	}
	p.served.Add(1)
	return &PoolResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

func (p *ConnectionPool) Stats() PoolStats {
	return PoolStats{
		InFlight:      p.inFlight.Load(),
		TotalServed:   p.served.Load(),
		MaxConns:      p.maxConns,
		IdleTimeoutMS: p.transport.IdleConnTimeout.Milliseconds(),
	}
}

// Close tears down pooled connections. In-flight requests run to completion
// or timeout; new requests may still be issued but will dial fresh sockets.
func (p *ConnectionPool) Close() {
	p.transport.CloseIdleConnections()
}
