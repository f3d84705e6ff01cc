// Package orderbookfeed is the optional live-update layer that keeps an
// orderbook.Book current from an exchange depth stream, reconciling the
// stream's version-gapped messages against the book's applied state.
package orderbookfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/coachpo/spotmm/internal/orderbook"
)

const (
	maxForwardGap        = 100
	maxBackwardGap       = -100
	maxAnchorForwardGap  = 5000
	dialTimeout          = 10 * time.Second
	maxReconnectInterval = 30 * time.Second
)

// Message is one parsed depth-stream update or snapshot.
type Message struct {
	Bids        []orderbook.Level
	Asks        []orderbook.Level
	FromVersion int64
	ToVersion   int64
	IsSnapshot  bool
}

// Decoder turns a raw websocket frame into a Message. Exchange-specific;
// the feed itself only reconciles versions and applies to the book.
type Decoder func(raw []byte) (Message, error)

// Feed consumes a depth stream over a websocket connection and applies
// reconciled updates to an orderbook.Book.
type Feed struct {
	url     string
	decode  Decoder
	book    *orderbook.Book
	onError func(error)

	mu              sync.Mutex
	snapshotVersion int64
	lastToVersion   int64
	anchored        bool
}

// New constructs a feed bound to the given book. snapshotVersion is the
// last_update_id observed from the initiating REST snapshot, used as the
// anchor for the first stream message.
func New(url string, book *orderbook.Book, decode Decoder, snapshotVersion int64, onError func(error)) *Feed {
	return &Feed{
		url:             url,
		decode:          decode,
		book:            book,
		onError:         onError,
		snapshotVersion: snapshotVersion,
		lastToVersion:   snapshotVersion,
	}
}

// Run dials the stream and reads until ctx is cancelled, reconnecting with
// exponential backoff on transport errors.
func (f *Feed) Run(ctx context.Context) error {
	boff := backoff.NewExponentialBackOff()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, f.url, nil)
		cancel()
		if err != nil {
			f.reportError(fmt.Errorf("dial %s: %w", f.url, err))
			sleep := boff.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
				continue
			}
		}

		boff.Reset()
		err = f.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		if err != nil {
			f.reportError(err)
		}

		sleep := boff.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		msg, err := f.decode(data)
		if err != nil {
			f.reportError(fmt.Errorf("decode depth message: %w", err))
			continue
		}
		f.Reconcile(msg)
	}
}

// Reconcile applies the bounded-gap version reconciliation algorithm to a
// single decoded message and, if accepted, applies it to the book. It is
// exported directly so tests (and a REST-poll fallback) can drive it
// without a live socket.
func (f *Feed) Reconcile(msg Message) {
	if len(msg.Bids) == 0 && len(msg.Asks) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.book.IsValid() && len(msg.Bids) > 0 && len(msg.Asks) > 0 {
		f.book.ApplySnapshot(msg.Bids, msg.Asks, msg.ToVersion)
		f.lastToVersion = msg.ToVersion
		f.anchored = true
		return
	}

	if !f.anchored {
		gap := msg.FromVersion - f.snapshotVersion
		if gap < 0 {
			return // stale relative to snapshot anchor
		}
		if gap > maxAnchorForwardGap {
			return // would corrupt the book; drop
		}
		f.snapshotVersion = msg.FromVersion - 1
		f.lastToVersion = msg.FromVersion - 1
		f.anchored = true
	}

	expected := f.lastToVersion + 1
	gap := msg.FromVersion - expected
	if gap > maxForwardGap {
		// Exchange-side backpressure skipped versions; reset rather than
		// stall forever.
		f.lastToVersion = msg.FromVersion - 1
	} else if gap < maxBackwardGap {
		return
	}

	f.applyLocked(msg)
	to := msg.ToVersion
	if to == 0 {
		to = msg.FromVersion
	}
	f.lastToVersion = to
}

func (f *Feed) applyLocked(msg Message) {
	if msg.IsSnapshot {
		f.book.ApplySnapshot(msg.Bids, msg.Asks, msg.ToVersion)
		return
	}
	f.book.ApplyUpdate(msg.Bids, msg.Asks, msg.ToVersion)
}

func (f *Feed) reportError(err error) {
	if err == nil || f.onError == nil {
		return
	}
	f.onError(err)
}
