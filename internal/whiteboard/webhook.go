package whiteboard

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
)

const (
	defaultDedupWindow    = 60 * time.Second
	defaultCoalesceWindow = 100 * time.Millisecond

	EventBoardUpdated = "board.updated"
	EventItemCreated  = "item.created"
	EventItemUpdated  = "item.updated"
)

// Payload shape accepted on the webhook ingress. Anything else is rejected
// before it reaches the pipeline.
const webhookSchemaJSON = `{
	"type": "object",
	"required": ["event", "data"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"data": {"type": "object"}
	}
}`

// Broadcaster is the realtime fan-out surface the processor publishes to.
type Broadcaster interface {
	BroadcastToRoom(boardID string, event any)
}

type WebhookPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type WebhookEvent struct {
	ID        string
	Type      string
	BoardID   string
	Data      json.RawMessage
	Timestamp time.Time
}

type WebhookProcessorOptions struct {
	// Secret is the shared HMAC key. Empty disables verification; only
	// acceptable in development.
	Secret         string
	DedupWindow    time.Duration
	CoalesceWindow time.Duration
	Cache          *CacheManager
	Broadcaster    Broadcaster
	Metrics        *MetricsAggregator
	Logger         *logrus.Logger
	Now            func() time.Time
}

type groupKey struct {
	boardID   string
	eventType string
}

// WebhookProcessor validates, deduplicates, and coalesces inbound change
// events, then applies them to the cache and fans them out to subscribed
// clients. N rapid events for one (board, type) pair become one applied
// mutation and one broadcast.
type WebhookProcessor struct {
	secret         string
	dedupWindow    time.Duration
	coalesceWindow time.Duration
	cache          *CacheManager
	broadcaster    Broadcaster
	metrics        *MetricsAggregator
	schema         *jsonschema.Schema
	log            *logrus.Logger
	now            func() time.Time

	mu     sync.Mutex
	seen   map[string]time.Time
	groups map[groupKey][]WebhookEvent
	timers map[groupKey]*time.Timer
	closed bool

	stats WebhookPipelineStats
}

type WebhookPipelineStats struct {
	Received   int64 `json:"received"`
	Rejected   int64 `json:"rejected"`
	Duplicates int64 `json:"duplicates"`
	Applied    int64 `json:"applied"`
	Batches    int64 `json:"batches"`
}

func NewWebhookProcessor(opts WebhookProcessorOptions) *WebhookProcessor {
	dedupWindow := opts.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	coalesceWindow := opts.CoalesceWindow
	if coalesceWindow <= 0 {
		coalesceWindow = defaultCoalesceWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Secret == "" {
		logger.Warn("webhook signature verification disabled: no secret configured")
	}
	return &WebhookProcessor{
		secret:         opts.Secret,
		dedupWindow:    dedupWindow,
		coalesceWindow: coalesceWindow,
		cache:          opts.Cache,
		broadcaster:    opts.Broadcaster,
		metrics:        opts.Metrics,
		schema:         mustCompileWebhookSchema(),
		log:            logger,
		now:            now,
		seen:           map[string]time.Time{},
		groups:         map[groupKey][]WebhookEvent{},
		timers:         map[groupKey]*time.Timer{},
	}
}

func mustCompileWebhookSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("webhook.json")
}

// HandleWebhook processes one raw delivery. The HTTP route passes the body
// untouched together with the signature header so the HMAC covers exactly
// the bytes on the wire.
func (p *WebhookProcessor) HandleWebhook(body []byte, signature string) error {
	p.countReceived()

	if p.secret != "" {
		if err := p.verifySignature(body, signature); err != nil {
			p.countRejected()
			if p.metrics != nil {
				p.metrics.RecordWebhookError()
			}
			return err
		}
	}

	payload, err := p.parsePayload(body)
	if err != nil {
		p.countRejected()
		if p.metrics != nil {
			p.metrics.RecordWebhookError()
		}
		return err
	}

	event := WebhookEvent{
		ID:        eventID(payload, body),
		Type:      payload.Event,
		BoardID:   extractBoardID(payload.Data),
		Data:      payload.Data,
		Timestamp: p.now(),
	}
	p.HandleEvent(event)
	return nil
}

// HandleEvent feeds an already-validated event into dedup and batching. The
// polling fallback enters here, bypassing signature verification, which only
// guards the HTTP ingress.
func (p *WebhookProcessor) HandleEvent(event WebhookEvent) {
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pruneSeenLocked(now)
	if expiry, dup := p.seen[event.ID]; dup && now.Before(expiry) {
		p.stats.Duplicates++
		p.mu.Unlock()
		return
	}
	p.seen[event.ID] = now.Add(p.dedupWindow)

	key := groupKey{boardID: event.BoardID, eventType: event.Type}
	p.groups[key] = append(p.groups[key], event)
	if _, armed := p.timers[key]; !armed {
		p.timers[key] = time.AfterFunc(p.coalesceWindow, func() { p.flushGroup(key) })
	}
	p.mu.Unlock()
}

// Flush applies every pending group immediately. Used at shutdown and by
// tests; the normal path waits out the coalescing window.
func (p *WebhookProcessor) Flush() {
	p.mu.Lock()
	keys := make([]groupKey, 0, len(p.groups))
	for key := range p.groups {
		keys = append(keys, key)
	}
	p.mu.Unlock()
	for _, key := range keys {
		p.flushGroup(key)
	}
}

func (p *WebhookProcessor) Close() {
	p.Flush()
	p.mu.Lock()
	p.closed = true
	for key, timer := range p.timers {
		timer.Stop()
		delete(p.timers, key)
	}
	p.mu.Unlock()
}

func (p *WebhookProcessor) Stats() WebhookPipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *WebhookProcessor) flushGroup(key groupKey) {
	p.mu.Lock()
	events := p.groups[key]
	delete(p.groups, key)
	if timer, ok := p.timers[key]; ok {
		timer.Stop()
		delete(p.timers, key)
	}
	if len(events) == 0 {
		p.mu.Unlock()
		return
	}
	p.stats.Batches++
	p.mu.Unlock()

	p.applyGroup(key, events)
}

func (p *WebhookProcessor) applyGroup(key groupKey, events []WebhookEvent) {
	ctx, cancel := contextWithFlushTimeout()
	defer cancel()

	boardID := key.boardID
	if boardID == "" {
		boardID = "global"
	}

	switch key.eventType {
	case EventBoardUpdated:
		// Coalesce: N rapid updates collapse into one invalidation so the
		// next read refetches the latest state.
		if p.cache != nil {
			if _, err := p.cache.Invalidate(ctx, boardKeyPattern(key.boardID)); err != nil {
				p.log.WithError(err).Warn("board cache invalidation failed")
			}
		}
	case EventItemCreated, EventItemUpdated:
		if p.cache != nil {
			if _, err := p.cache.Invalidate(ctx, boardItemsPattern(key.boardID)); err != nil {
				p.log.WithError(err).Warn("board items invalidation failed")
			}
		}
	default:
		for _, event := range events {
			p.log.WithFields(logrus.Fields{
				"eventId": event.ID,
				"type":    event.Type,
				"boardId": event.BoardID,
			}).Debug("processed webhook event")
		}
	}

	last := events[len(events)-1]
	if p.broadcaster != nil {
		p.broadcaster.BroadcastToRoom(boardID, map[string]any{
			"eventType": key.eventType,
			"boardId":   boardID,
			"coalesced": len(events),
			"data":      json.RawMessage(last.Data),
		})
	}

	now := p.now()
	if p.metrics != nil {
		for _, event := range events {
			p.metrics.RecordWebhookLatency(now.Sub(event.Timestamp))
		}
	}

	p.mu.Lock()
	p.stats.Applied++
	p.mu.Unlock()
}

func (p *WebhookProcessor) verifySignature(body []byte, signature string) error {
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if signature == "" {
		return &UnauthorizedWebhookError{Reason: "missing signature"}
	}
	mac := hmac.New(sha256.New, []byte(p.secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return &UnauthorizedWebhookError{Reason: "signature mismatch"}
	}
	return nil
}

func (p *WebhookProcessor) parsePayload(body []byte) (*WebhookPayload, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, &InvalidRequestError{Message: "webhook payload is not valid json"}
	}
	if err := p.schema.Validate(doc); err != nil {
		return nil, &InvalidRequestError{Message: "webhook payload rejected: " + err.Error()}
	}
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &InvalidRequestError{Message: "webhook payload rejected: " + err.Error()}
	}
	return &payload, nil
}

func (p *WebhookProcessor) pruneSeenLocked(now time.Time) {
	for id, expiry := range p.seen {
		if !now.Before(expiry) {
			delete(p.seen, id)
		}
	}
}

func (p *WebhookProcessor) countReceived() {
	p.mu.Lock()
	p.stats.Received++
	p.mu.Unlock()
}

func (p *WebhookProcessor) countRejected() {
	p.mu.Lock()
	p.stats.Rejected++
	p.mu.Unlock()
}

// eventID prefers the provider-assigned id; otherwise the body hash stands
// in, which still collapses byte-identical redeliveries.
func eventID(payload *WebhookPayload, body []byte) string {
	var data struct {
		EventID string `json:"eventId"`
	}
	if json.Unmarshal(payload.Data, &data) == nil && data.EventID != "" {
		return data.EventID
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}

func extractBoardID(data json.RawMessage) string {
	var parsed struct {
		BoardID string `json:"boardId"`
		ID      string `json:"id"`
	}
	if json.Unmarshal(data, &parsed) != nil {
		return ""
	}
	if parsed.BoardID != "" {
		return parsed.BoardID
	}
	return parsed.ID
}

func boardKeyPattern(boardID string) string {
	return "^board:" + regexp.QuoteMeta(boardID) + "(:|$)"
}

func boardItemsPattern(boardID string) string {
	return "^board:" + regexp.QuoteMeta(boardID) + ":items"
}

func contextWithFlushTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
