package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/busd/internal/reply"
	"github.com/samsamfire/busd/pkg/conn"
)

// ReplyTracker runs a connection's deferred timeout-scan background
// loop (spec.md §4.6): every minPeriod it walks the connection's reply
// list, expiring async slots past their deadline. The period is fixed;
// the nearest remaining deadline that ScanExpired reports is not used
// to rearm the scan, so an expiry is seen up to one period late.
// Modeled on [NodeProcessor] in pkg/node:
// context.CancelFunc plus sync.WaitGroup for lifecycle, a ticker doing
// the periodic work.
type ReplyTracker struct {
	logger   *slog.Logger
	conn     *conn.Connection
	onExpire func(slot *reply.Slot)
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	minPeriod time.Duration
}

// NewReplyTracker builds a tracker for c's reply list. onExpire is
// called for every async slot the scan expires (spec.md §4.6: the
// "reply-timed-out" notification synthesized and sent via the broker's
// kernel-originated send path, the async counterpart of the sync
// timed-out outcome in S4); it may be nil in tests that never register
// an async, timed slot.
func NewReplyTracker(c *conn.Connection, logger *slog.Logger, minPeriod time.Duration, onExpire func(slot *reply.Slot)) *ReplyTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if minPeriod <= 0 {
		minPeriod = 100 * time.Millisecond
	}
	return &ReplyTracker{
		logger:    logger.With("service", "[REPLY]", "id", c.ID()),
		conn:      c,
		onExpire:  onExpire,
		minPeriod: minPeriod,
	}
}

func (t *ReplyTracker) scan(ctx context.Context) {
	ticker := time.NewTicker(t.minPeriod)
	defer ticker.Stop()
	t.logger.Info("starting reply timeout scan")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("exited reply timeout scan")
			return
		case <-ticker.C:
			t.conn.Lock()
			expired, _ := t.conn.Replies().ScanExpired(time.Now().UnixNano())
			t.conn.Unlock()
			for _, slot := range expired {
				t.logger.Debug("reply slot timed out", "cookie", slot.Cookie)
				if t.onExpire != nil {
					t.onExpire(slot)
				}
			}
		}
	}
}

// Start runs the scan loop in a goroutine. Call Stop to cancel and Wait
// to block until it has exited.
func (t *ReplyTracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.scan(ctx)
	}()
}

func (t *ReplyTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *ReplyTracker) Wait() {
	t.wg.Wait()
}
