package whiteboard

import (
	"context"
	"testing"
	"time"
)

func TestPollerSynthesizesEventOnDrift(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	processor := newTestProcessor(t, WebhookProcessorOptions{Broadcaster: broadcaster})
	fake := NewFakeProviderClient()
	poller := NewPoller(PollerOptions{Fetcher: fake, Processor: processor})
	defer poller.Close()

	base := time.Now().Truncate(time.Second)
	fake.SeedBoard(Board{ID: "b1", Name: "roadmap", ModifiedAt: base})
	poller.Track("b1", base)

	// No drift yet: nothing synthesized.
	poller.PollOnce(context.Background())
	processor.Flush()
	if broadcaster.count() != 0 {
		t.Fatalf("unchanged board should not produce an event")
	}

	// Outside edit bumps the modification time.
	fake.TouchBoard("b1", base.Add(time.Minute))
	poller.PollOnce(context.Background())
	processor.Flush()

	if broadcaster.count() != 1 {
		t.Fatalf("expected 1 synthesized event, got %d", broadcaster.count())
	}
	room, event := broadcaster.last()
	if room != "b1" {
		t.Fatalf("expected room b1, got %q", room)
	}
	if event["eventType"] != EventBoardUpdated {
		t.Fatalf("expected board.updated, got %v", event["eventType"])
	}

	// The poll advanced the stored baseline: re-polling is quiet.
	poller.PollOnce(context.Background())
	processor.Flush()
	if broadcaster.count() != 1 {
		t.Fatalf("baseline should advance after a synthesized event")
	}
}

func TestPollerZeroBaselineRecordsWithoutEvent(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	processor := newTestProcessor(t, WebhookProcessorOptions{Broadcaster: broadcaster})
	fake := NewFakeProviderClient()
	poller := NewPoller(PollerOptions{Fetcher: fake, Processor: processor})
	defer poller.Close()

	modified := time.Now()
	fake.SeedBoard(Board{ID: "b1", ModifiedAt: modified})
	poller.Track("b1", time.Time{})

	poller.PollOnce(context.Background())
	processor.Flush()
	if broadcaster.count() != 0 {
		t.Fatalf("first poll with unknown baseline must not synthesize")
	}

	fake.TouchBoard("b1", modified.Add(time.Minute))
	poller.PollOnce(context.Background())
	processor.Flush()
	if broadcaster.count() != 1 {
		t.Fatalf("second poll should detect drift against recorded baseline")
	}
}

func TestPollerUntrackStopsPolling(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	processor := newTestProcessor(t, WebhookProcessorOptions{Broadcaster: broadcaster})
	fake := NewFakeProviderClient()
	poller := NewPoller(PollerOptions{Fetcher: fake, Processor: processor})
	defer poller.Close()

	base := time.Now()
	fake.SeedBoard(Board{ID: "b1", ModifiedAt: base})
	poller.Track("b1", base)
	poller.Untrack("b1")

	fake.TouchBoard("b1", base.Add(time.Minute))
	poller.PollOnce(context.Background())
	processor.Flush()

	if fake.Calls("GetBoard") != 0 {
		t.Fatalf("untracked board should not be fetched")
	}
	if broadcaster.count() != 0 {
		t.Fatalf("untracked board should not produce events")
	}
}

func TestPollerToleratesFetchFailures(t *testing.T) {
	processor := newTestProcessor(t, WebhookProcessorOptions{})
	fake := NewFakeProviderClient()
	fake.Err = &TimeoutError{Timeout: time.Second}
	poller := NewPoller(PollerOptions{Fetcher: fake, Processor: processor})
	defer poller.Close()

	poller.Track("b1", time.Now())
	poller.PollOnce(context.Background())
	// A failed fetch is logged and skipped; the board stays tracked.
	fake.Err = nil
	fake.SeedBoard(Board{ID: "b1", ModifiedAt: time.Now()})
	poller.PollOnce(context.Background())
	if fake.Calls("GetBoard") != 2 {
		t.Fatalf("expected the board to remain tracked after a failure, got %d fetches", fake.Calls("GetBoard"))
	}
}
