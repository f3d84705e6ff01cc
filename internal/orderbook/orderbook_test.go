package orderbook

import "testing"

func TestApplySnapshotDropsNonPositiveQuantity(t *testing.T) {
	b := New()
	b.ApplySnapshot(
		[]Level{{Price: 100, Qty: 1}, {Price: 99, Qty: 0}},
		[]Level{{Price: 101, Qty: 2}, {Price: 102, Qty: -1}},
		10,
	)
	if got := b.BestBid(); got != 100 {
		t.Fatalf("BestBid = %v, want 100", got)
	}
	if got := b.BestAsk(); got != 101 {
		t.Fatalf("BestAsk = %v, want 101", got)
	}
	if len(b.GetBids(0)) != 1 || len(b.GetAsks(0)) != 1 {
		t.Fatalf("expected non-positive-qty levels to be dropped")
	}
}

func TestApplyUpdateIsAbsoluteNotDelta(t *testing.T) {
	b := New()
	b.ApplySnapshot([]Level{{Price: 100, Qty: 5}}, []Level{{Price: 101, Qty: 5}}, 1)

	b.ApplyUpdate([]Level{{Price: 100, Qty: 3}}, nil, 2)
	if got := b.QuantityAtPrice(Bid, 100); got != 3 {
		t.Fatalf("expected absolute overwrite to 3, got %v", got)
	}

	b.ApplyUpdate([]Level{{Price: 100, Qty: 0}}, nil, 3)
	if got := b.QuantityAtPrice(Bid, 100); got != 0 {
		t.Fatalf("expected zero-quantity update to remove the level, got %v", got)
	}
	if b.UpdateID() != 3 {
		t.Fatalf("UpdateID = %d, want 3", b.UpdateID())
	}
}

func TestApplyUpdateLeavesUntouchedLevelsAlone(t *testing.T) {
	b := New()
	b.ApplySnapshot(
		[]Level{{Price: 100, Qty: 5}, {Price: 99, Qty: 4}},
		[]Level{{Price: 101, Qty: 5}},
		1,
	)
	b.ApplyUpdate([]Level{{Price: 100, Qty: 7}}, nil, 2)
	if got := b.QuantityAtPrice(Bid, 99); got != 4 {
		t.Fatalf("untouched level changed: got %v, want 4", got)
	}
}

func TestMicropriceBiasAwayFromHeavierSide(t *testing.T) {
	b := New()
	// Heavier ask notional should pull microprice toward the bid.
	b.ApplySnapshot(
		[]Level{{Price: 100, Qty: 1}},
		[]Level{{Price: 102, Qty: 10}},
		1,
	)
	mp := b.Microprice(5)
	mid := (100.0 + 102.0) / 2
	if mp >= mid {
		t.Fatalf("microprice %v should be pulled below midpoint %v by heavier ask", mp, mid)
	}
	if mp < 100 || mp > 102 {
		t.Fatalf("microprice %v out of [bid, ask] bounds", mp)
	}
}

func TestMicropriceFallsBackToMidpointWhenNoVolume(t *testing.T) {
	b := New()
	// Notional 1e-7 per side, total below the 1e-6 threshold.
	b.ApplySnapshot([]Level{{Price: 100, Qty: 0.000000001}}, []Level{{Price: 102, Qty: 0.000000001}}, 1)
	mp := b.Microprice(5)
	want := 101.0
	if absDiff(mp, want) > 0.01 {
		t.Fatalf("microprice = %v, want close to midpoint %v", mp, want)
	}
}

func TestIsValidRequiresBothSidesAndNonCrossed(t *testing.T) {
	b := New()
	if b.IsValid() {
		t.Fatalf("empty book should be invalid")
	}
	b.ApplySnapshot([]Level{{Price: 100, Qty: 1}}, []Level{{Price: 99, Qty: 1}}, 1)
	if b.IsValid() {
		t.Fatalf("crossed book (bid > ask) should be invalid")
	}
	b.ApplySnapshot([]Level{{Price: 100, Qty: 1}}, []Level{{Price: 100, Qty: 1}}, 2)
	if b.IsValid() {
		t.Fatalf("locked book (bid == ask) should be invalid")
	}
	b.ApplySnapshot([]Level{{Price: 99, Qty: 1}}, []Level{{Price: 100, Qty: 1}}, 3)
	if !b.IsValid() {
		t.Fatalf("non-crossed two-sided book should be valid")
	}
}

func TestGetSnapshotExcludingFiltersOwnQuotes(t *testing.T) {
	b := New()
	b.ApplySnapshot(
		[]Level{{Price: 100, Qty: 1}, {Price: 99.5, Qty: 2}},
		[]Level{{Price: 101, Qty: 1}, {Price: 101.5, Qty: 2}},
		1,
	)
	snap := b.GetSnapshotExcluding([]float64{100}, []float64{101}, 5)
	if snap.BestBid != 99.5 {
		t.Fatalf("BestBid after exclusion = %v, want 99.5", snap.BestBid)
	}
	if snap.BestAsk != 101.5 {
		t.Fatalf("BestAsk after exclusion = %v, want 101.5", snap.BestAsk)
	}
}

func TestClearResetsBook(t *testing.T) {
	b := New()
	b.ApplySnapshot([]Level{{Price: 100, Qty: 1}}, []Level{{Price: 101, Qty: 1}}, 5)
	b.Clear()
	if b.IsValid() || b.UpdateID() != 0 {
		t.Fatalf("expected cleared book to be empty and update id reset")
	}
}

func TestOrderBookUpdateScenario(t *testing.T) {
	b := New()
	b.ApplySnapshot(
		[]Level{{Price: 100, Qty: 1}, {Price: 99, Qty: 2}},
		[]Level{{Price: 101, Qty: 1}, {Price: 102, Qty: 2}},
		1,
	)
	b.ApplyUpdate([]Level{{Price: 100, Qty: 0}}, []Level{{Price: 101, Qty: 3}}, 2)

	if got := b.BestBid(); got != 99 {
		t.Fatalf("BestBid = %v, want 99", got)
	}
	if got := b.BestAsk(); got != 101 {
		t.Fatalf("BestAsk = %v, want 101", got)
	}
	if got := b.QuantityAtPrice(Ask, 101); got != 3 {
		t.Fatalf("QuantityAtPrice(ask, 101) = %v, want 3", got)
	}
	if b.UpdateID() != 2 {
		t.Fatalf("UpdateID = %d, want 2", b.UpdateID())
	}
	if !b.IsValid() {
		t.Fatalf("expected book to remain valid")
	}
}

func TestMicropriceBiasScenario(t *testing.T) {
	b := New()
	b.ApplySnapshot([]Level{{Price: 10, Qty: 10}}, []Level{{Price: 11, Qty: 1}}, 1)

	mp := b.Microprice(5)
	want := 10.901
	if absDiff(mp, want) > 0.001 {
		t.Fatalf("Microprice = %v, want ~%v", mp, want)
	}
}

func TestCumulativeVolumeSumsNotional(t *testing.T) {
	b := New()
	b.ApplySnapshot(
		[]Level{{Price: 100, Qty: 2}, {Price: 99, Qty: 3}},
		nil,
		1,
	)
	got := b.CumulativeVolume(Bid, 2)
	want := float64(100*2 + 99*3)
	if got != want {
		t.Fatalf("CumulativeVolume = %v, want %v", got, want)
	}
}
