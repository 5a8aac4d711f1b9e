package engine

import (
	"context"
	"testing"

	"pyramid-kss/pkg/types"
)

func TestOnFillAdvancesToNextWave(t *testing.T) {
	t.Parallel()
	m, gw, _, st := newTestManager(t)

	id, poid := startSession(t, m, gw)
	out, err := m.OnFill(context.Background(), types.FillEvent{
		PendingOrderID: poid,
		SourceRef:      "pyramid:1:wave:0",
		FilledQty:      0.002,
		FilledPrice:    49000,
		MarketPrice:    48000,
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if out.Action != types.ActionNextWave {
		t.Fatalf("action = %s, want next_wave", out.Action)
	}

	orders := gw.Orders()
	if len(orders) != 2 {
		t.Fatalf("queued orders = %d, want 2", len(orders))
	}
	next := orders[1]
	if next.SourceRef != "pyramid:1:wave:1" {
		t.Errorf("source_ref = %q", next.SourceRef)
	}
	if next.Price != 48020 {
		t.Errorf("wave 1 price = %v, want 48020", next.Price)
	}
	if next.Quantity != 0.004 {
		t.Errorf("wave 1 qty = %v, want 0.004", next.Quantity)
	}

	got, _ := m.Get(id)
	if got.CurrentWave != 1 || got.TotalFilledQty != 0.002 || got.AvgPrice != 49000 {
		t.Errorf("session = wave %d, qty %v, avg %v", got.CurrentWave, got.TotalFilledQty, got.AvgPrice)
	}

	// One transaction covered the fill and the new wave.
	waves, err := st.ListWaves(context.Background(), id)
	if err != nil {
		t.Fatalf("list waves: %v", err)
	}
	if len(waves) != 2 {
		t.Fatalf("stored waves = %d, want 2", len(waves))
	}
	if waves[0].Status != types.WaveFilled || waves[1].Status != types.WaveSent {
		t.Errorf("stored statuses = %s/%s", waves[0].Status, waves[1].Status)
	}
}

func TestOnFillDuplicateIsNoOp(t *testing.T) {
	t.Parallel()
	m, gw, _, st := newTestManager(t)

	id, poid := startSession(t, m, gw)
	evt := types.FillEvent{
		PendingOrderID: poid,
		SourceRef:      "pyramid:1:wave:0",
		FilledQty:      0.002,
		FilledPrice:    49000,
		MarketPrice:    48000,
	}
	if _, err := m.OnFill(context.Background(), evt); err != nil {
		t.Fatalf("fill: %v", err)
	}
	out, err := m.OnFill(context.Background(), evt)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out.Action != types.ActionNone {
		t.Errorf("replay action = %s, want none", out.Action)
	}

	got, _ := m.Get(id)
	if got.TotalFilledQty != 0.002 {
		t.Errorf("qty after replay = %v, want 0.002", got.TotalFilledQty)
	}
	if len(gw.Orders()) != 2 {
		t.Errorf("orders after replay = %d, want 2", len(gw.Orders()))
	}
	waves, _ := st.ListWaves(context.Background(), id)
	if len(waves) != 2 {
		t.Errorf("stored waves after replay = %d, want 2", len(waves))
	}
}

func TestOnFillForeignEventsIgnored(t *testing.T) {
	t.Parallel()
	m, gw, _, _ := newTestManager(t)

	startSession(t, m, gw)

	for _, ref := range []string{
		"grid:1:wave:0",  // another strategy's prefix
		"manual",         // no pyramid shape at all
		"pyramid:99:tp",  // unknown session
		"pyramid:1:wave", // malformed
	} {
		out, err := m.OnFill(context.Background(), types.FillEvent{
			PendingOrderID: 500,
			SourceRef:      ref,
			FilledQty:      1,
			FilledPrice:    1,
		})
		if err != nil {
			t.Errorf("ref %q: err = %v, want nil", ref, err)
		}
		if out != nil {
			t.Errorf("ref %q: out = %+v, want nil", ref, out)
		}
	}
	if len(gw.Orders()) != 1 {
		t.Errorf("orders = %d after foreign events, want 1", len(gw.Orders()))
	}
}

func TestOnFillTriggersTakeProfit(t *testing.T) {
	t.Parallel()
	m, gw, _, st := newTestManager(t)

	id, poid := startSession(t, m, gw)

	// avg 49000 * 1.03 = 50470; the event's market price clears it.
	out, err := m.OnFill(context.Background(), types.FillEvent{
		PendingOrderID: poid,
		SourceRef:      "pyramid:1:wave:0",
		FilledQty:      0.002,
		FilledPrice:    49000,
		MarketPrice:    51000,
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if out.Action != types.ActionTPTriggered {
		t.Fatalf("action = %s, want tp_triggered", out.Action)
	}

	orders := gw.Orders()
	tp := orders[len(orders)-1]
	if tp.SourceRef != "pyramid:1:tp" || tp.Side != types.SELL || tp.OrderType != types.OrderTypeMarket {
		t.Errorf("tp order = %+v", tp)
	}
	if tp.Quantity != 0.002 {
		t.Errorf("tp qty = %v, want full position", tp.Quantity)
	}

	got, _ := m.Get(id)
	if got.Status != types.StatusTPTriggered {
		t.Fatalf("status = %s, want tp_triggered", got.Status)
	}

	// The TP fill completes the session.
	out, err = m.OnFill(context.Background(), types.FillEvent{
		PendingOrderID: 2,
		SourceRef:      "pyramid:1:tp",
		FilledQty:      0.002,
		FilledPrice:    51000,
	})
	if err != nil {
		t.Fatalf("tp fill: %v", err)
	}
	if out.Action != types.ActionCompleted {
		t.Errorf("action = %s, want completed", out.Action)
	}
	snaps, _ := st.LoadSessions(context.Background())
	if snaps[0].Status != types.StatusCompleted {
		t.Errorf("stored status = %s, want completed", snaps[0].Status)
	}
	if snaps[0].CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
}

func TestOnFillUsesOracleWhenEventHasNoPrice(t *testing.T) {
	t.Parallel()
	m, gw, oracle, _ := newTestManager(t)

	id, poid := startSession(t, m, gw)
	oracle.setPrice("BTC", 51000)

	out, err := m.OnFill(context.Background(), types.FillEvent{
		PendingOrderID: poid,
		SourceRef:      "pyramid:1:wave:0",
		FilledQty:      0.002,
		FilledPrice:    49000,
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if out.Action != types.ActionTPTriggered {
		t.Errorf("action = %s, want tp_triggered via oracle price", out.Action)
	}

	got, _ := m.Get(id)
	if got.Status != types.StatusTPTriggered {
		t.Errorf("status = %s", got.Status)
	}
}

func TestOnFillInsufficientFundHoldsLadder(t *testing.T) {
	t.Parallel()
	m, gw, _, st := newTestManager(t)

	p := baseParams()
	p.IsolatedFund = 150 // covers wave 0 (98) but not wave 1 (~192)
	snap, err := m.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Start(context.Background(), snap.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	out, err := m.OnFill(context.Background(), types.FillEvent{
		PendingOrderID: 1,
		SourceRef:      "pyramid:1:wave:0",
		FilledQty:      0.002,
		FilledPrice:    49000,
		MarketPrice:    48000,
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if out.Action != types.ActionNone {
		t.Fatalf("action = %s, want none", out.Action)
	}
	if out.Message != "Insufficient fund for wave 1" {
		t.Errorf("message = %q", out.Message)
	}

	// The fill itself is still booked, durably.
	got, _ := m.Get(snap.ID)
	if got.TotalFilledQty != 0.002 || got.Status != types.StatusActive {
		t.Errorf("session = qty %v, status %s", got.TotalFilledQty, got.Status)
	}
	waves, _ := st.ListWaves(context.Background(), snap.ID)
	if len(waves) != 1 || waves[0].Status != types.WaveFilled {
		t.Errorf("stored waves = %+v", waves)
	}
	if len(gw.Orders()) != 1 {
		t.Errorf("orders = %d, want 1 (no deeper wave)", len(gw.Orders()))
	}
}

func TestOnOrderRejectedStopsSession(t *testing.T) {
	t.Parallel()
	m, gw, _, st := newTestManager(t)

	id, poid := startSession(t, m, gw)
	err := m.OnOrderRejected(context.Background(), types.OrderEvent{
		PendingOrderID: poid,
		SourceRef:      "pyramid:1:wave:0",
		Note:           "risk limit",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, _ := m.Get(id)
	if got.Status != types.StatusStopped || got.StopReason != "wave_rejected" {
		t.Errorf("session = %s/%q, want stopped/wave_rejected", got.Status, got.StopReason)
	}
	if got.Waves[0].Status != types.WaveCancelled {
		t.Errorf("wave status = %s, want cancelled", got.Waves[0].Status)
	}

	snaps, _ := st.LoadSessions(context.Background())
	if snaps[0].Status != types.StatusStopped || snaps[0].Waves[0].Status != types.WaveCancelled {
		t.Errorf("stored = %s / wave %s", snaps[0].Status, snaps[0].Waves[0].Status)
	}
}

func TestOnOrderRejectedTPLeavesSessionTriggered(t *testing.T) {
	t.Parallel()
	m, gw, _, _ := newTestManager(t)

	id, poid := startSession(t, m, gw)
	if _, err := m.OnFill(context.Background(), types.FillEvent{
		PendingOrderID: poid,
		SourceRef:      "pyramid:1:wave:0",
		FilledQty:      0.002,
		FilledPrice:    49000,
		MarketPrice:    51000,
	}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	err := m.OnOrderRejected(context.Background(), types.OrderEvent{
		PendingOrderID: 2,
		SourceRef:      "pyramid:1:tp",
		Note:           "operator veto",
	})
	if err != nil {
		t.Fatalf("reject tp: %v", err)
	}

	// The position is still open; the operator resolves it by hand.
	got, _ := m.Get(id)
	if got.Status != types.StatusTPTriggered {
		t.Errorf("status = %s, want tp_triggered", got.Status)
	}
}

func TestOnOrderRejectedForeignIgnored(t *testing.T) {
	t.Parallel()
	m, gw, _, _ := newTestManager(t)

	id, _ := startSession(t, m, gw)
	if err := m.OnOrderRejected(context.Background(), types.OrderEvent{
		PendingOrderID: 500,
		SourceRef:      "grid:1:wave:0",
	}); err != nil {
		t.Fatalf("foreign reject: %v", err)
	}
	if err := m.OnOrderRejected(context.Background(), types.OrderEvent{
		PendingOrderID: 501,
		SourceRef:      "pyramid:77:wave:0",
	}); err != nil {
		t.Fatalf("unknown-session reject: %v", err)
	}

	got, _ := m.Get(id)
	if got.Status != types.StatusActive {
		t.Errorf("status = %s, foreign rejection must not touch the session", got.Status)
	}
}

func TestOnOrderApprovedBackfillsPendingOrderID(t *testing.T) {
	t.Parallel()
	m, gw, _, st := newTestManager(t)

	id, poid := startSession(t, m, gw)

	// Idempotent for a wave that is already SENT with an id.
	if err := m.OnOrderApproved(context.Background(), types.OrderEvent{
		PendingOrderID: poid,
		SourceRef:      "pyramid:1:wave:0",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := m.Get(id)
	if got.Waves[0].PendingOrderID != poid {
		t.Errorf("pending order id = %d, want %d", got.Waves[0].PendingOrderID, poid)
	}

	// Foreign approvals pass through.
	if err := m.OnOrderApproved(context.Background(), types.OrderEvent{
		PendingOrderID: 600,
		SourceRef:      "excel:import:42",
	}); err != nil {
		t.Fatalf("foreign approve: %v", err)
	}

	waves, _ := st.ListWaves(context.Background(), id)
	if waves[0].Status != types.WaveSent || waves[0].PendingOrderID != poid {
		t.Errorf("stored wave = %+v", waves[0])
	}
}
