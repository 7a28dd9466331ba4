package whiteboard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	rooms  []string
	events []map[string]any
}

func (b *recordingBroadcaster) BroadcastToRoom(boardID string, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = append(b.rooms, boardID)
	if m, ok := event.(map[string]any); ok {
		b.events = append(b.events, m)
	} else {
		b.events = append(b.events, nil)
	}
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *recordingBroadcaster) last() (string, map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return "", nil
	}
	return b.rooms[len(b.rooms)-1], b.events[len(b.events)-1]
}

func signWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestProcessor(t *testing.T, opts WebhookProcessorOptions) *WebhookProcessor {
	t.Helper()
	if opts.CoalesceWindow == 0 {
		// Long enough that tests control flushing explicitly.
		opts.CoalesceWindow = time.Hour
	}
	processor := NewWebhookProcessor(opts)
	t.Cleanup(processor.Close)
	return processor
}

func TestWebhookProcessorRejectsBadSignature(t *testing.T) {
	processor := newTestProcessor(t, WebhookProcessorOptions{Secret: "hook_secret"})
	body := []byte(`{"event":"board.updated","data":{"boardId":"b1"}}`)

	err := processor.HandleWebhook(body, "sha256=deadbeef")
	var unauthorized *UnauthorizedWebhookError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if err := processor.HandleWebhook(body, ""); !errors.As(err, &unauthorized) {
		t.Fatalf("expected unauthorized error for missing signature, got %v", err)
	}

	stats := processor.Stats()
	if stats.Rejected != 2 {
		t.Fatalf("expected 2 rejections, got %d", stats.Rejected)
	}
	if stats.Applied != 0 {
		t.Fatalf("rejected deliveries must not be applied")
	}
}

func TestWebhookProcessorAcceptsValidSignature(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	processor := newTestProcessor(t, WebhookProcessorOptions{
		Secret:      "hook_secret",
		Broadcaster: broadcaster,
	})
	body := []byte(`{"event":"board.updated","data":{"boardId":"b1","eventId":"evt_1"}}`)

	if err := processor.HandleWebhook(body, signWebhook("hook_secret", body)); err != nil {
		t.Fatalf("valid delivery rejected: %v", err)
	}
	processor.Flush()

	room, event := broadcaster.last()
	if room != "b1" {
		t.Fatalf("expected broadcast to room b1, got %q", room)
	}
	if event["eventType"] != "board.updated" {
		t.Fatalf("unexpected event payload %+v", event)
	}
}

func TestWebhookProcessorRejectsInvalidPayloads(t *testing.T) {
	processor := newTestProcessor(t, WebhookProcessorOptions{})

	cases := []string{
		`not json`,
		`{"data":{"boardId":"b1"}}`,
		`{"event":"","data":{}}`,
		`{"event":"board.updated","data":"nope"}`,
	}
	for _, body := range cases {
		err := processor.HandleWebhook([]byte(body), "")
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("body %q: expected invalid input error, got %v", body, err)
		}
	}
	if stats := processor.Stats(); stats.Rejected != int64(len(cases)) {
		t.Fatalf("expected %d rejections, got %d", len(cases), stats.Rejected)
	}
}

func TestWebhookProcessorDeduplicatesRedeliveries(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	processor := newTestProcessor(t, WebhookProcessorOptions{Broadcaster: broadcaster})
	body := []byte(`{"event":"board.updated","data":{"boardId":"b1","eventId":"evt_dup"}}`)

	for i := 0; i < 3; i++ {
		if err := processor.HandleWebhook(body, ""); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	processor.Flush()

	stats := processor.Stats()
	if stats.Duplicates != 2 {
		t.Fatalf("expected 2 duplicates, got %d", stats.Duplicates)
	}
	if broadcaster.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", broadcaster.count())
	}
}

func TestWebhookProcessorDedupWindowExpires(t *testing.T) {
	clock := newManualClock()
	processor := newTestProcessor(t, WebhookProcessorOptions{
		DedupWindow: time.Minute,
		Now:         clock.Now,
	})
	body := []byte(`{"event":"board.updated","data":{"boardId":"b1","eventId":"evt_1"}}`)

	if err := processor.HandleWebhook(body, ""); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	clock.Advance(61 * time.Second)
	if err := processor.HandleWebhook(body, ""); err != nil {
		t.Fatalf("post-window delivery: %v", err)
	}

	if stats := processor.Stats(); stats.Duplicates != 0 {
		t.Fatalf("redelivery outside the window should not count as duplicate, got %d", stats.Duplicates)
	}
}

func TestWebhookProcessorCoalescesRapidEvents(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	processor := newTestProcessor(t, WebhookProcessorOptions{Broadcaster: broadcaster})

	for i := 0; i < 5; i++ {
		body := []byte(fmt.Sprintf(`{"event":"board.updated","data":{"boardId":"b1","eventId":"evt_%d"}}`, i))
		if err := processor.HandleWebhook(body, ""); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	processor.Flush()

	if broadcaster.count() != 1 {
		t.Fatalf("expected 5 events to coalesce into 1 broadcast, got %d", broadcaster.count())
	}
	_, event := broadcaster.last()
	if event["coalesced"] != 5 {
		t.Fatalf("expected coalesced count 5, got %v", event["coalesced"])
	}
	stats := processor.Stats()
	if stats.Batches != 1 || stats.Applied != 1 {
		t.Fatalf("expected 1 batch / 1 applied, got %+v", stats)
	}
}

func TestWebhookProcessorKeepsBoardsSeparate(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	processor := newTestProcessor(t, WebhookProcessorOptions{Broadcaster: broadcaster})

	for _, boardID := range []string{"b1", "b2"} {
		body := []byte(fmt.Sprintf(`{"event":"board.updated","data":{"boardId":%q,"eventId":"evt_%s"}}`, boardID, boardID))
		if err := processor.HandleWebhook(body, ""); err != nil {
			t.Fatalf("delivery for %s: %v", boardID, err)
		}
	}
	processor.Flush()

	if broadcaster.count() != 2 {
		t.Fatalf("events for different boards must not coalesce, got %d broadcasts", broadcaster.count())
	}
}

func TestWebhookProcessorInvalidatesBoardCache(t *testing.T) {
	cache := NewCacheManager(CacheOptions{})
	defer cache.Close()
	processor := newTestProcessor(t, WebhookProcessorOptions{Cache: cache})

	ctx := context.Background()
	cache.Set(ctx, "board:b1", json.RawMessage(`{"id":"b1","name":"stale"}`), 0)
	cache.Set(ctx, "board:b2", json.RawMessage(`{"id":"b2"}`), 0)

	body := []byte(`{"event":"board.updated","data":{"boardId":"b1","eventId":"evt_1"}}`)
	if err := processor.HandleWebhook(body, ""); err != nil {
		t.Fatalf("delivery: %v", err)
	}
	processor.Flush()

	if _, ok := cache.Get(ctx, "board:b1"); ok {
		t.Fatalf("board.updated should invalidate the cached board")
	}
	if _, ok := cache.Get(ctx, "board:b2"); !ok {
		t.Fatalf("other boards must stay cached")
	}
}

func TestWebhookProcessorSynthesizesEventIDFromBody(t *testing.T) {
	processor := newTestProcessor(t, WebhookProcessorOptions{})
	body := []byte(`{"event":"board.updated","data":{"boardId":"b1"}}`)

	if err := processor.HandleWebhook(body, ""); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Byte-identical redelivery without an eventId still deduplicates.
	if err := processor.HandleWebhook(body, ""); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if stats := processor.Stats(); stats.Duplicates != 1 {
		t.Fatalf("expected hash-based dedup, got %d duplicates", stats.Duplicates)
	}
}

func TestWebhookProcessorTimerFlushes(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	processor := NewWebhookProcessor(WebhookProcessorOptions{
		Broadcaster:    broadcaster,
		CoalesceWindow: 10 * time.Millisecond,
	})
	defer processor.Close()

	body := []byte(`{"event":"board.updated","data":{"boardId":"b1","eventId":"evt_1"}}`)
	if err := processor.HandleWebhook(body, ""); err != nil {
		t.Fatalf("delivery: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("coalescing timer never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
