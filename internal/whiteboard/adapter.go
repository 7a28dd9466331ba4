package whiteboard

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type AdapterOptions struct {
	ClientID      string
	ClientSecret  string
	BaseURL       string
	AccountID     string
	WebhookSecret string

	RatePerMinute     int
	MaxRetries        int
	CacheTTL          time.Duration
	RequestTimeout    time.Duration
	PoolMaxConns      int
	DedupWindow       time.Duration
	CoalesceWindow    time.Duration
	PollInterval      time.Duration
	RespectRetryAfter bool

	// Redis enables the L2 cache tier when non-nil.
	Redis *redis.Client
	// TokenStore persists credentials; defaults to in-memory.
	TokenStore TokenStore
	// Broadcaster receives change notifications for connected clients.
	Broadcaster Broadcaster
	Logger      *logrus.Logger

	// Provider overrides the HTTP client, bypassing credential checks.
	// Intended for tests and local development against the fake.
	Provider ProviderClient
}

// Adapter is the public surface of the whiteboard runtime. One logical
// operation composes the token manager, request queue, and cache; webhook
// ingestion and the polling fallback feed the same cache and broadcaster.
type Adapter struct {
	opts     AdapterOptions
	pool     *ConnectionPool
	tokens   *TokenManager
	queue    *RequestQueue
	cache    *CacheManager
	metrics  *MetricsAggregator
	webhooks *WebhookProcessor
	poller   *Poller
	provider ProviderClient
	log      *logrus.Logger

	closeOnce   sync.Once
	pollCancel  context.CancelFunc
	boardIDExpr *regexp.Regexp
}

var boardURLPattern = regexp.MustCompile(`/board/([a-zA-Z0-9_-]+)`)

func NewAdapter(opts AdapterOptions) (*Adapter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	metrics := NewMetricsAggregator()
	pool := NewConnectionPool(PoolOptions{
		MaxConns:       opts.PoolMaxConns,
		RequestTimeout: opts.RequestTimeout,
		Logger:         logger,
	})
	queue := NewRequestQueue(QueueOptions{
		Pool:              pool,
		RatePerMinute:     opts.RatePerMinute,
		MaxRetries:        opts.MaxRetries,
		RespectRetryAfter: opts.RespectRetryAfter,
		Metrics:           metrics,
		Logger:            logger,
	})
	cache := NewCacheManager(CacheOptions{
		DefaultTTL: opts.CacheTTL,
		Redis:      opts.Redis,
		Metrics:    metrics,
		Logger:     logger,
	})
	webhooks := NewWebhookProcessor(WebhookProcessorOptions{
		Secret:         opts.WebhookSecret,
		DedupWindow:    opts.DedupWindow,
		CoalesceWindow: opts.CoalesceWindow,
		Cache:          cache,
		Broadcaster:    opts.Broadcaster,
		Metrics:        metrics,
		Logger:         logger,
	})

	adapter := &Adapter{
		opts:        opts,
		pool:        pool,
		queue:       queue,
		cache:       cache,
		metrics:     metrics,
		webhooks:    webhooks,
		log:         logger,
		boardIDExpr: boardURLPattern,
	}

	if opts.Provider != nil {
		adapter.provider = opts.Provider
	} else {
		if strings.TrimSpace(opts.AccountID) == "" {
			return nil, &ConfigError{Field: "accountId"}
		}
		tokens, err := NewTokenManager(TokenManagerOptions{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			BaseURL:      opts.BaseURL,
			Store:        opts.TokenStore,
			MaxRetries:   opts.MaxRetries,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		adapter.tokens = tokens
		baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
		adapter.provider = newHTTPProviderClient(baseURL, opts.AccountID, tokens, queue)
	}

	adapter.poller = NewPoller(PollerOptions{
		Interval:  opts.PollInterval,
		Fetcher:   adapter.provider,
		Processor: webhooks,
		Logger:    logger,
	})

	pollCtx, cancel := context.WithCancel(context.Background())
	adapter.pollCancel = cancel
	adapter.poller.Start(pollCtx)
	cache.StartJanitor(time.Minute)
	go adapter.logMetrics(pollCtx, time.Minute)

	return adapter, nil
}

// logMetrics emits a snapshot line at Debug so operators can follow runtime
// health from the logs without scraping /metrics.
func (a *Adapter) logMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := a.metrics.Snapshot()
			a.log.WithFields(logrus.Fields{
				"apiP95Ms":     snapshot.APIResponseTimeMS.P95,
				"cacheHitRate": snapshot.Cache.HitRate,
				"webhooks":     snapshot.Webhooks.Processed,
				"goroutines":   snapshot.Resources.Goroutines,
			}).Debug("metrics snapshot")
		}
	}
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}

func (a *Adapter) CreateBoard(ctx context.Context, req CreateBoardRequest) (*Board, error) {
	board, err := a.provider.CreateBoard(ctx, req)
	if err != nil {
		return nil, err
	}
	a.cacheBoard(ctx, board)
	a.poller.Track(board.ID, board.ModifiedAt)
	a.log.WithField("boardId", board.ID).Info("board created")
	return board, nil
}

type GetBoardOptions struct {
	// BypassCache forces a provider fetch even on a warm cache.
	BypassCache bool
}

func (a *Adapter) GetBoard(ctx context.Context, boardID string, opts GetBoardOptions) (*Board, error) {
	if boardID == "" {
		return nil, &InvalidRequestError{Message: "board id is required"}
	}
	if !opts.BypassCache {
		if raw, ok := a.cache.Get(ctx, boardCacheKey(boardID)); ok {
			var board Board
			if err := json.Unmarshal(raw, &board); err == nil {
				return &board, nil
			}
			// Unreadable entry: fall through to a fresh fetch.
			_, _ = a.cache.Invalidate(ctx, "^"+regexp.QuoteMeta(boardCacheKey(boardID))+"$")
		}
	}
	board, err := a.provider.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	a.cacheBoard(ctx, board)
	a.poller.Track(board.ID, board.ModifiedAt)
	return board, nil
}

func (a *Adapter) ListBoards(ctx context.Context) ([]Board, error) {
	return a.provider.ListBoards(ctx)
}

func (a *Adapter) BatchGetBoards(ctx context.Context, boardIDs []string) ([]Board, error) {
	return a.provider.BatchGetBoards(ctx, boardIDs)
}

func (a *Adapter) UpdateDiagram(ctx context.Context, boardID string, changes json.RawMessage) (*Diagram, error) {
	diagram, err := a.provider.UpdateDiagram(ctx, boardID, changes)
	if err != nil {
		return nil, err
	}
	if _, err := a.cache.Invalidate(ctx, boardKeyPattern(boardID)); err != nil {
		a.log.WithField("boardId", boardID).WithError(err).Warn("cache invalidation failed")
	}
	// Internal mutations notify subscribers the same way webhooks do.
	if a.opts.Broadcaster != nil {
		a.opts.Broadcaster.BroadcastToRoom(boardID, map[string]any{
			"eventType": "diagram.updated",
			"boardId":   boardID,
			"diagramId": diagram.ID,
		})
	}
	return diagram, nil
}

func (a *Adapter) GenerateMindMap(ctx context.Context, boardID, prompt string) (*MindMap, error) {
	return a.provider.GenerateMindMap(ctx, boardID, prompt)
}

func (a *Adapter) DeleteBoard(ctx context.Context, boardID string) error {
	if err := a.provider.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	if _, err := a.cache.Invalidate(ctx, boardKeyPattern(boardID)); err != nil {
		a.log.WithField("boardId", boardID).WithError(err).Warn("cache invalidation failed")
	}
	a.poller.Untrack(boardID)
	if a.opts.Broadcaster != nil {
		a.opts.Broadcaster.BroadcastToRoom(boardID, map[string]any{
			"eventType": "board.deleted",
			"boardId":   boardID,
		})
	}
	a.log.WithField("boardId", boardID).Info("board deleted")
	return nil
}

// GetEmbedURL extracts the board id from a provider share URL and returns the
// embeddable form. Pure string work; no network call.
func (a *Adapter) GetEmbedURL(boardURL string) (string, error) {
	match := a.boardIDExpr.FindStringSubmatch(boardURL)
	if match == nil {
		return "", &InvalidRequestError{Message: "invalid board url format"}
	}
	base := strings.TrimRight(a.opts.BaseURL, "/")
	if base == "" {
		base = "https://whiteboard.example.com"
	}
	return base + "/app/embed/" + match[1] + "/", nil
}

// HandleWebhook feeds one raw delivery into the processor.
func (a *Adapter) HandleWebhook(body []byte, signature string) error {
	return a.webhooks.HandleWebhook(body, signature)
}

// HealthCheck degrades to false rather than surfacing an error; the adapter
// is the last layer allowed to swallow one, and it records it first.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if a.tokens != nil {
		if _, err := a.tokens.GetValidToken(ctx, a.opts.AccountID); err != nil {
			a.log.WithError(err).Warn("health check failed")
			return false
		}
		return true
	}
	if _, err := a.provider.ListBoards(ctx); err != nil {
		a.log.WithError(err).Warn("health check failed")
		return false
	}
	return true
}

func (a *Adapter) Metrics() MetricsSnapshot {
	return a.metrics.Snapshot()
}

func (a *Adapter) PoolStats() PoolStats {
	return a.pool.Stats()
}

func (a *Adapter) WebhookStats() WebhookPipelineStats {
	return a.webhooks.Stats()
}

// SetRatePerMinute / SetCacheTTL / SetPollInterval apply hot-reloaded
// configuration without restarting the adapter.
func (a *Adapter) SetRatePerMinute(rate int)       { a.queue.SetRatePerMinute(rate) }
func (a *Adapter) SetCacheTTL(ttl time.Duration)   { a.cache.SetDefaultTTL(ttl) }
func (a *Adapter) SetPollInterval(d time.Duration) { a.poller.SetInterval(d) }

func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.pollCancel()
		a.poller.Close()
		a.webhooks.Close()
		a.cache.Close()
		a.pool.Close()
		a.log.Debug("whiteboard adapter closed")
	})
}

func (a *Adapter) cacheBoard(ctx context.Context, board *Board) {
	raw, err := json.Marshal(board)
	if err != nil {
		return
	}
	a.cache.Set(ctx, boardCacheKey(board.ID), raw, 0)
}
