package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pyramid-kss/internal/session"
	"pyramid-kss/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "kss.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testSnapshot(id int64) session.Snapshot {
	return session.Snapshot{
		ID:           id,
		Symbol:       "BTC",
		Status:       types.StatusPending,
		EntryPrice:   50000,
		DistancePct:  2,
		MaxWaves:     10,
		IsolatedFund: 1000,
		TPPct:        3,
		TimeoutXMin:  30,
		GapYMin:      5,
		CurrentWave:  -1,
		CreatedBy:    "tester",
		CreatedAt:    t0,
	}
}

func loadOne(t *testing.T, st *Store, id int64) session.Snapshot {
	t.Helper()
	loaded, err := st.LoadSessions(context.Background())
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	for _, snap := range loaded {
		if snap.ID == id {
			return snap
		}
	}
	t.Fatalf("session %d not found among %d loaded", id, len(loaded))
	return session.Snapshot{}
}

func TestInsertAndLoadSession(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	snap := testSnapshot(1)
	if err := st.InsertSession(ctx, snap); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got := loadOne(t, st, 1)
	if got.Symbol != "BTC" || got.Status != types.StatusPending {
		t.Errorf("loaded = %+v", got)
	}
	if got.EntryPrice != 50000 || got.IsolatedFund != 1000 || got.CurrentWave != -1 {
		t.Errorf("loaded fields = %+v", got)
	}
	if got.CreatedBy != "tester" {
		t.Errorf("created_by = %q", got.CreatedBy)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, t0)
	}
}

func TestUpdateSessionStatusStampsTimestamps(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.InsertSession(ctx, testSnapshot(1)); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	if err := st.UpdateSessionStatus(ctx, 1, types.StatusActive, "", t0.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	got := loadOne(t, st, 1)
	if got.Status != types.StatusActive {
		t.Errorf("status = %q", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("started_at = %v", got.StartedAt)
	}

	if err := st.UpdateSessionStatus(ctx, 1, types.StatusStopped, "manual", t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	got = loadOne(t, st, 1)
	if got.Status != types.StatusStopped || got.StopReason != "manual" {
		t.Errorf("status = %q, reason = %q", got.Status, got.StopReason)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped on stop")
	}
}

func TestUpdateSessionParams(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.InsertSession(ctx, testSnapshot(1)); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	snap := testSnapshot(1)
	snap.MaxWaves = 15
	snap.TPPct = 5
	snap.IsolatedFund = 2000
	if err := st.UpdateSessionParams(ctx, snap); err != nil {
		t.Fatalf("UpdateSessionParams: %v", err)
	}

	got := loadOne(t, st, 1)
	if got.MaxWaves != 15 || got.TPPct != 5 || got.IsolatedFund != 2000 {
		t.Errorf("params = waves %d, tp %v, fund %v", got.MaxWaves, got.TPPct, got.IsolatedFund)
	}
}

func TestWaveLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.InsertSession(ctx, testSnapshot(1)); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	w := session.Wave{Num: 0, Qty: 0.002, TargetPrice: 50000, Status: types.WavePending, CreatedAt: t0}
	if err := st.InsertWave(ctx, 1, w); err != nil {
		t.Fatalf("InsertWave: %v", err)
	}

	if err := st.MarkWaveSent(ctx, 1, 0, 42, t0.Add(time.Second)); err != nil {
		t.Fatalf("MarkWaveSent: %v", err)
	}
	sessID, waveNum, err := st.GetWaveByPendingOrderID(ctx, 42)
	if err != nil {
		t.Fatalf("GetWaveByPendingOrderID: %v", err)
	}
	if sessID != 1 || waveNum != 0 {
		t.Errorf("lookup = session %d wave %d, want 1/0", sessID, waveNum)
	}

	waves, err := st.ListWaves(ctx, 1)
	if err != nil {
		t.Fatalf("ListWaves: %v", err)
	}
	if len(waves) != 1 {
		t.Fatalf("waves = %d, want 1", len(waves))
	}
	if waves[0].Status != types.WaveSent || waves[0].PendingOrderID != 42 {
		t.Errorf("wave = %+v", waves[0])
	}
	if waves[0].SentAt == nil {
		t.Error("sent_at not set")
	}

	if err := st.MarkWaveCancelled(ctx, 1, 0); err != nil {
		t.Fatalf("MarkWaveCancelled: %v", err)
	}
	waves, _ = st.ListWaves(ctx, 1)
	if waves[0].Status != types.WaveCancelled {
		t.Errorf("wave status = %q, want cancelled", waves[0].Status)
	}
}

func TestDuplicatePendingOrderIDRejected(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.InsertSession(ctx, testSnapshot(1)); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	for n := 0; n < 2; n++ {
		w := session.Wave{Num: n, Qty: 0.002, TargetPrice: 50000, Status: types.WavePending, CreatedAt: t0}
		if err := st.InsertWave(ctx, 1, w); err != nil {
			t.Fatalf("InsertWave %d: %v", n, err)
		}
	}

	if err := st.MarkWaveSent(ctx, 1, 0, 42, t0); err != nil {
		t.Fatalf("MarkWaveSent: %v", err)
	}
	if err := st.MarkWaveSent(ctx, 1, 1, 42, t0); err == nil {
		t.Error("duplicate pending_order_id accepted, want unique violation")
	}
}

func TestRecordFillTransaction(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := testSnapshot(1)
	base.Status = types.StatusActive
	base.CurrentWave = 0
	base.Waves = []session.Wave{
		{Num: 0, Qty: 0.002, TargetPrice: 50000, Status: types.WavePending, CreatedAt: t0},
	}
	if err := st.InsertSession(ctx, base); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if err := st.MarkWaveSent(ctx, 1, 0, 42, t0); err != nil {
		t.Fatalf("MarkWaveSent: %v", err)
	}

	// The in-memory transition: wave 0 fills, wave 1 spawns.
	fillTime := t0.Add(time.Minute)
	snap := base
	snap.CurrentWave = 1
	snap.TotalFilledQty = 0.002
	snap.TotalCost = 100
	snap.AvgPrice = 50000
	snap.LastFillAt = &fillTime
	snap.Waves = []session.Wave{
		{Num: 0, Qty: 0.002, TargetPrice: 50000, Status: types.WaveFilled,
			FilledQty: 0.002, FilledPrice: 50000, CreatedAt: t0, FilledAt: &fillTime},
	}
	newWave := &session.Wave{Num: 1, Qty: 0.004, TargetPrice: 49000, Status: types.WavePending, CreatedAt: fillTime}
	if err := st.RecordFill(ctx, snap, 0, newWave); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	got := loadOne(t, st, 1)
	if got.TotalFilledQty != 0.002 || got.TotalCost != 100 || got.AvgPrice != 50000 {
		t.Errorf("session totals = qty %v, cost %v, avg %v", got.TotalFilledQty, got.TotalCost, got.AvgPrice)
	}
	if got.LastFillAt == nil || !got.LastFillAt.Equal(fillTime) {
		t.Errorf("last_fill_at = %v", got.LastFillAt)
	}
	if len(got.Waves) != 2 {
		t.Fatalf("waves = %d, want 2", len(got.Waves))
	}
	if got.Waves[0].Status != types.WaveFilled || got.Waves[0].FilledQty != 0.002 {
		t.Errorf("wave 0 = %+v", got.Waves[0])
	}
	if got.Waves[1].Status != types.WavePending || got.Waves[1].TargetPrice != 49000 {
		t.Errorf("wave 1 = %+v", got.Waves[1])
	}
}

func TestWaveFillColumnsFollowStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	fillTime := t0.Add(time.Minute)
	snap := testSnapshot(1)
	snap.Waves = []session.Wave{
		{Num: 0, Qty: 0.002, TargetPrice: 50000, Status: types.WaveFilled,
			FilledQty: 0, FilledPrice: 0, CreatedAt: t0, FilledAt: &fillTime},
		{Num: 1, Qty: 0.004, TargetPrice: 49000, Status: types.WavePending, CreatedAt: t0},
	}
	if err := st.InsertSession(ctx, snap); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	// A filled wave stores its values even when they are exactly zero; an
	// unfilled wave keeps NULL fill columns.
	for _, tt := range []struct {
		waveNum  int
		wantNull bool
	}{
		{0, false},
		{1, true},
	} {
		var fqNull, fpNull bool
		err := st.db.QueryRowContext(ctx,
			`SELECT filled_qty IS NULL, filled_price IS NULL
			FROM kss_waves WHERE session_id = 1 AND wave_num = ?`, tt.waveNum).
			Scan(&fqNull, &fpNull)
		if err != nil {
			t.Fatalf("query wave %d: %v", tt.waveNum, err)
		}
		if fqNull != tt.wantNull || fpNull != tt.wantNull {
			t.Errorf("wave %d fill columns NULL = %v/%v, want %v", tt.waveNum, fqNull, fpNull, tt.wantNull)
		}
	}

	waves, err := st.ListWaves(ctx, 1)
	if err != nil {
		t.Fatalf("ListWaves: %v", err)
	}
	if waves[0].Status != types.WaveFilled || waves[0].FilledQty != 0 || waves[0].FilledAt == nil {
		t.Errorf("wave 0 = %+v", waves[0])
	}
}

func TestDeleteSessionCascadesWaves(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.InsertSession(ctx, testSnapshot(1)); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	w := session.Wave{Num: 0, Qty: 0.002, TargetPrice: 50000, Status: types.WaveSent, PendingOrderID: 42, CreatedAt: t0}
	if err := st.InsertWave(ctx, 1, w); err != nil {
		t.Fatalf("InsertWave: %v", err)
	}

	if err := st.DeleteSession(ctx, 1); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, _, err := st.GetWaveByPendingOrderID(ctx, 42); err == nil {
		t.Error("wave survived session delete, want cascade")
	}
	loaded, err := st.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("loaded %d sessions after delete", len(loaded))
	}
}

func TestLoadSessionsNewestFirst(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i, sid := range []int64{1, 2, 3} {
		snap := testSnapshot(sid)
		snap.CreatedAt = t0.Add(time.Duration(i) * time.Hour)
		if err := st.InsertSession(ctx, snap); err != nil {
			t.Fatalf("InsertSession %d: %v", sid, err)
		}
	}

	loaded, err := st.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	var ids []int64
	for _, snap := range loaded {
		ids = append(ids, snap.ID)
	}
	if !reflect.DeepEqual(ids, []int64{3, 2, 1}) {
		t.Errorf("order = %v, want [3 2 1]", ids)
	}
}

func TestMaxSessionID(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.MaxSessionID(ctx)
	if err != nil {
		t.Fatalf("MaxSessionID: %v", err)
	}
	if id != 0 {
		t.Errorf("empty store max id = %d, want 0", id)
	}

	for _, sid := range []int64{3, 7, 5} {
		if err := st.InsertSession(ctx, testSnapshot(sid)); err != nil {
			t.Fatalf("InsertSession %d: %v", sid, err)
		}
	}
	id, err = st.MaxSessionID(ctx)
	if err != nil {
		t.Fatalf("MaxSessionID: %v", err)
	}
	if id != 7 {
		t.Errorf("max id = %d, want 7", id)
	}
}

// TestRecoveryRoundTrip persists a live session, reloads it, and verifies a
// reconstruction restored from the stored rows matches the original.
func TestRecoveryRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	params := session.Params{
		Symbol: "BTC", EntryPrice: 50000, DistancePct: 2, MaxWaves: 10,
		IsolatedFund: 1000, TPPct: 3, TimeoutXMin: 30, GapYMin: 5,
	}
	info := types.ExchangeInfo{Symbol: "BTC", MinQty: 0.001, StepSize: 0.001, MaxQty: 10000}
	sess, err := session.New(9, params, info, 2, testLogger())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if _, err := sess.Start(t0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.MarkWaveSent(0, 42, t0); err != nil {
		t.Fatalf("MarkWaveSent: %v", err)
	}
	sess.ApplyFill(0, 0.002, 50000, 0, t0.Add(time.Minute))
	before := sess.Snapshot()

	if err := st.InsertSession(ctx, before); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	loaded := loadOne(t, st, 9)

	restored, err := session.New(9, params, info, 2, testLogger())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	restored.Restore(loaded)
	after := restored.Snapshot()

	if !reflect.DeepEqual(before, after) {
		t.Errorf("round trip mismatch:\nbefore %+v\nafter  %+v", before, after)
	}
}
