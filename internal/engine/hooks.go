package engine

import (
	"context"
	"errors"
	"time"

	"pyramid-kss/internal/session"
	"pyramid-kss/pkg/types"
)

// Inbound hooks: fill notifications and approval-workflow events. Routing is
// decided by source_ref alone; events that don't belong to a pyramid session
// (other strategies, manual orders) are passed over silently so a shared
// webhook can fan every event through these handlers.

// OnFill routes a fill to its session. The returned outcome is nil for
// foreign or unroutable events; those never error, only pyramid-owned fills
// that hit a broken invariant do.
func (m *Manager) OnFill(ctx context.Context, evt types.FillEvent) (*session.Outcome, error) {
	ref, err := ParseSourceRef(evt.SourceRef)
	if errors.Is(err, ErrNotPyramid) {
		return nil, nil
	}
	if err != nil {
		m.logger.Warn("unroutable fill", "source_ref", evt.SourceRef, "error", err)
		return nil, nil
	}

	sess, err := m.get(ref.SessionID)
	if err != nil {
		m.logger.Warn("fill for unknown session", "source_ref", evt.SourceRef,
			"pending_order_id", evt.PendingOrderID)
		return nil, nil
	}
	m.dropRoute(evt.PendingOrderID)

	now := time.Now().UTC()
	if ref.TP {
		return m.applyTPFill(ctx, sess, evt, now)
	}
	return m.applyWaveFill(ctx, sess, ref.WaveNum, evt, now)
}

// applyTPFill closes out the position: the TP market sell filled.
func (m *Manager) applyTPFill(ctx context.Context, sess *session.Session, evt types.FillEvent, now time.Time) (*session.Outcome, error) {
	out := sess.ApplyTPFill(evt.FilledQty, evt.FilledPrice, now)
	if out.Action != types.ActionCompleted {
		return out, nil
	}
	if err := m.store.UpdateSessionStatus(ctx, sess.ID(), types.StatusCompleted, "", now); err != nil {
		m.logger.Error("store write failed after tp fill, memory is authoritative",
			"session_id", sess.ID(), "error", err)
	}
	m.logger.Info("session completed",
		"session_id", sess.ID(), "tp_qty", evt.FilledQty, "tp_price", evt.FilledPrice)
	return out, nil
}

// applyWaveFill books a wave fill and acts on the outcome: queue the next
// wave, queue the TP sell, or stop on timeout. A market price on the event
// takes precedence; otherwise the oracle is consulted so the fill can double
// as a TP checkpoint.
func (m *Manager) applyWaveFill(ctx context.Context, sess *session.Session, waveNum int, evt types.FillEvent, now time.Time) (*session.Outcome, error) {
	marketPrice := evt.MarketPrice
	if marketPrice <= 0 {
		marketPrice = m.prices.Prices(ctx, []string{sess.Symbol()})[sess.Symbol()]
	}

	out := sess.ApplyFill(waveNum, evt.FilledQty, evt.FilledPrice, marketPrice, now)

	snap := sess.Snapshot()
	if booked(snap, waveNum, now) {
		if err := m.store.RecordFill(ctx, snap, waveNum, out.Wave); err != nil {
			m.logger.Error("store write failed after fill, memory is authoritative",
				"session_id", sess.ID(), "wave", waveNum, "error", err)
		}
	} else if snap.Status != types.StatusActive {
		// Not booked but the session moved anyway: the fill raced a stop.
		if err := m.store.UpdateSessionStatus(ctx, snap.ID, snap.Status, snap.StopReason, now); err != nil {
			m.logger.Error("store write failed after fill, memory is authoritative",
				"session_id", sess.ID(), "error", err)
		}
	}

	if out.Order != nil {
		if err := m.dispatchOrder(ctx, sess, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// booked reports whether this call actually recorded the fill, as opposed to
// an idempotent replay or a fill arriving after the session went terminal.
func booked(snap session.Snapshot, waveNum int, now time.Time) bool {
	for _, w := range snap.Waves {
		if w.Num == waveNum {
			return w.Status == types.WaveFilled && w.FilledAt != nil && w.FilledAt.Equal(now)
		}
	}
	return false
}

// OnOrderApproved records the queue's acknowledgment. The SENT mark normally
// happens at dispatch time; this backstop covers orders whose queue ack was
// lost before the process restarted.
func (m *Manager) OnOrderApproved(ctx context.Context, evt types.OrderEvent) error {
	ref, err := ParseSourceRef(evt.SourceRef)
	if errors.Is(err, ErrNotPyramid) {
		return nil
	}
	if err != nil {
		m.logger.Warn("unroutable approval", "source_ref", evt.SourceRef, "error", err)
		return nil
	}
	if ref.TP {
		return nil
	}

	sess, err := m.get(ref.SessionID)
	if err != nil {
		m.logger.Warn("approval for unknown session", "source_ref", evt.SourceRef)
		return nil
	}

	now := time.Now().UTC()
	if err := sess.MarkWaveSent(ref.WaveNum, evt.PendingOrderID, now); err != nil {
		return err
	}
	m.routesMu.Lock()
	if _, ok := m.routes[evt.PendingOrderID]; !ok {
		m.routes[evt.PendingOrderID] = Ref{SessionID: ref.SessionID, WaveNum: ref.WaveNum}
	}
	m.routesMu.Unlock()

	if err := m.store.MarkWaveSent(ctx, sess.ID(), ref.WaveNum, evt.PendingOrderID, now); err != nil {
		m.logger.Error("store write failed after approval, memory is authoritative",
			"session_id", sess.ID(), "wave", ref.WaveNum, "error", err)
	}
	return nil
}

// OnOrderRejected handles a queue rejection. A rejected wave is cancelled and
// the session stops (the ladder has a hole; deeper waves would mis-price the
// average). A rejected TP sell leaves the session TP_TRIGGERED so the
// operator can resolve the position by hand.
func (m *Manager) OnOrderRejected(ctx context.Context, evt types.OrderEvent) error {
	ref, err := ParseSourceRef(evt.SourceRef)
	if errors.Is(err, ErrNotPyramid) {
		return nil
	}
	if err != nil {
		m.logger.Warn("unroutable rejection", "source_ref", evt.SourceRef, "error", err)
		return nil
	}

	sess, err := m.get(ref.SessionID)
	if err != nil {
		m.logger.Warn("rejection for unknown session", "source_ref", evt.SourceRef)
		return nil
	}
	m.dropRoute(evt.PendingOrderID)

	if ref.TP {
		m.logger.Warn("take-profit order rejected, position remains open",
			"session_id", sess.ID(), "note", evt.Note)
		return nil
	}

	now := time.Now().UTC()
	out, err := sess.RejectWave(ref.WaveNum, now)
	if err != nil {
		return err
	}

	if err := m.store.RecordRejection(ctx, sess.Snapshot(), ref.WaveNum); err != nil {
		m.logger.Error("store write failed after rejection, memory is authoritative",
			"session_id", sess.ID(), "wave", ref.WaveNum, "error", err)
	}
	m.logger.Info("rejection handled",
		"session_id", sess.ID(), "wave", ref.WaveNum, "note", evt.Note, "message", out.Message)
	return nil
}
