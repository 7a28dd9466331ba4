package whiteboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 30 * time.Second

// BoardFetcher is the slice of ProviderClient the poller needs.
type BoardFetcher interface {
	GetBoard(ctx context.Context, boardID string) (*Board, error)
}

type PollerOptions struct {
	Interval  time.Duration
	Fetcher   BoardFetcher
	Processor *WebhookProcessor
	Logger    *logrus.Logger
	Now       func() time.Time
}

// Poller is the fallback for environments where webhook delivery is
// unreliable or unconfigured: it compares each tracked board's last-known
// modification time against a fresh fetch and synthesizes a board.updated
// event into the same pipeline when drift is detected.
type Poller struct {
	fetcher   BoardFetcher
	processor *WebhookProcessor
	log       *logrus.Logger
	now       func() time.Time

	mu       sync.Mutex
	interval time.Duration
	boards   map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewPoller(opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Poller{
		fetcher:   opts.Fetcher,
		processor: opts.Processor,
		log:       logger,
		now:       now,
		interval:  interval,
		boards:    map[string]time.Time{},
		stop:      make(chan struct{}),
	}
}

// Track starts watching a board. lastModified may be zero when unknown; the
// first poll then records a baseline without synthesizing an event.
func (p *Poller) Track(boardID string, lastModified time.Time) {
	if boardID == "" {
		return
	}
	p.mu.Lock()
	p.boards[boardID] = lastModified
	p.mu.Unlock()
}

func (p *Poller) Untrack(boardID string) {
	p.mu.Lock()
	delete(p.boards, boardID)
	p.mu.Unlock()
}

// SetInterval adjusts the polling cadence; it takes effect on the next tick.
func (p *Poller) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = interval
	p.mu.Unlock()
}

func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Poller) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Poller) run(ctx context.Context) {
	for {
		p.mu.Lock()
		interval := p.interval
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		p.pollOnce(ctx)
	}
}

// PollOnce runs one sweep over tracked boards. Exposed so tests can drive
// the poller without waiting on the ticker.
func (p *Poller) PollOnce(ctx context.Context) {
	p.pollOnce(ctx)
}

func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	tracked := make(map[string]time.Time, len(p.boards))
	for id, last := range p.boards {
		tracked[id] = last
	}
	p.mu.Unlock()

	for boardID, lastModified := range tracked {
		board, err := p.fetcher.GetBoard(ctx, boardID)
		if err != nil {
			p.log.WithField("boardId", boardID).WithError(err).Debug("poll fetch failed")
			continue
		}
		p.mu.Lock()
		// Board may have been untracked while the fetch was in flight.
		if _, still := p.boards[boardID]; still {
			p.boards[boardID] = board.ModifiedAt
		}
		p.mu.Unlock()

		if lastModified.IsZero() || !board.ModifiedAt.After(lastModified) {
			continue
		}

		data, err := json.Marshal(map[string]any{
			"boardId":    boardID,
			"modifiedAt": board.ModifiedAt,
		})
		if err != nil {
			continue
		}
		p.log.WithField("boardId", boardID).Debug("poll detected board drift")
		p.processor.HandleEvent(WebhookEvent{
			ID:        "poll:" + boardID + ":" + board.ModifiedAt.UTC().Format(time.RFC3339Nano),
			Type:      EventBoardUpdated,
			BoardID:   boardID,
			Data:      data,
			Timestamp: p.now(),
		})
	}
}
