package orderbookfeed

import (
	"testing"

	"github.com/coachpo/spotmm/internal/orderbook"
)

func newTestFeed(snapshotVersion int64) (*Feed, *orderbook.Book) {
	book := orderbook.New()
	feed := New("wss://example/depth", book, nil, snapshotVersion, nil)
	return feed, book
}

func TestReconcileEmptyMessageIsDropped(t *testing.T) {
	feed, book := newTestFeed(0)
	feed.Reconcile(Message{})
	if book.IsValid() {
		t.Fatalf("empty message should not populate the book")
	}
}

func TestReconcileTreatsFirstTwoSidedMessageAsSnapshot(t *testing.T) {
	feed, book := newTestFeed(0)
	feed.Reconcile(Message{
		Bids:        []orderbook.Level{{Price: 100, Qty: 1}},
		Asks:        []orderbook.Level{{Price: 101, Qty: 1}},
		FromVersion: 50,
		ToVersion:   50,
	})
	if !book.IsValid() {
		t.Fatalf("expected book populated from first two-sided message")
	}
	if feed.lastToVersion != 50 {
		t.Fatalf("lastToVersion = %d, want 50", feed.lastToVersion)
	}
}

func TestReconcileAnchorsToSnapshotVersionThenAdvances(t *testing.T) {
	feed, book := newTestFeed(100)
	// Seed the book so the anchoring path (not the first-message path) runs.
	book.ApplySnapshot(
		[]orderbook.Level{{Price: 100, Qty: 1}},
		[]orderbook.Level{{Price: 101, Qty: 1}},
		100,
	)

	feed.Reconcile(Message{
		Bids:        []orderbook.Level{{Price: 100, Qty: 2}},
		FromVersion: 101,
		ToVersion:   101,
	})
	if feed.lastToVersion != 101 {
		t.Fatalf("lastToVersion = %d, want 101 after in-order update", feed.lastToVersion)
	}
	if got := book.QuantityAtPrice(orderbook.Bid, 100); got != 2 {
		t.Fatalf("expected update to apply, qty = %v", got)
	}
}

func TestReconcileDropsMessageWithExcessiveBackwardGap(t *testing.T) {
	feed, book := newTestFeed(100)
	book.ApplySnapshot(
		[]orderbook.Level{{Price: 100, Qty: 1}},
		[]orderbook.Level{{Price: 101, Qty: 1}},
		200,
	)
	feed.lastToVersion = 200
	feed.anchored = true

	feed.Reconcile(Message{
		Bids:        []orderbook.Level{{Price: 100, Qty: 99}},
		FromVersion: 50, // gap = 50 - 201 = -151, beyond -100
		ToVersion:   50,
	})
	if got := book.QuantityAtPrice(orderbook.Bid, 100); got != 1 {
		t.Fatalf("stale backward-gapped message should have been dropped, qty = %v", got)
	}
	if feed.lastToVersion != 200 {
		t.Fatalf("lastToVersion should be unchanged by a dropped message, got %d", feed.lastToVersion)
	}
}

func TestReconcileResetsOnExcessiveForwardGapInsteadOfStalling(t *testing.T) {
	feed, book := newTestFeed(100)
	book.ApplySnapshot(
		[]orderbook.Level{{Price: 100, Qty: 1}},
		[]orderbook.Level{{Price: 101, Qty: 1}},
		200,
	)
	feed.lastToVersion = 200
	feed.anchored = true

	feed.Reconcile(Message{
		Bids:        []orderbook.Level{{Price: 100, Qty: 5}},
		FromVersion: 500, // gap = 500 - 201 = 299, beyond 100
		ToVersion:   500,
	})
	if got := book.QuantityAtPrice(orderbook.Bid, 100); got != 5 {
		t.Fatalf("expected forward-gapped message to be accepted after reset, qty = %v", got)
	}
	if feed.lastToVersion != 500 {
		t.Fatalf("lastToVersion = %d, want 500 after gap reset", feed.lastToVersion)
	}
}

func TestReconcileAcceptsSmallForwardGap(t *testing.T) {
	feed, book := newTestFeed(100)
	book.ApplySnapshot(
		[]orderbook.Level{{Price: 100, Qty: 1}},
		[]orderbook.Level{{Price: 101, Qty: 1}},
		200,
	)
	feed.lastToVersion = 200
	feed.anchored = true

	feed.Reconcile(Message{
		Bids:        []orderbook.Level{{Price: 100, Qty: 9}},
		FromVersion: 210, // gap = 9, within bound
		ToVersion:   210,
	})
	if got := book.QuantityAtPrice(orderbook.Bid, 100); got != 9 {
		t.Fatalf("small forward gap should be accepted, qty = %v", got)
	}
}
