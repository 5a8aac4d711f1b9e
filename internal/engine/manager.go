// Package engine orchestrates pyramid sessions: a registry of live sessions,
// id allocation, order dispatch into the approval queue, durable persistence,
// crash recovery, and the inbound hook surface for fills and approval events.
//
// Locking discipline: the registry mutex is held only for map lookups and id
// allocation, never across a session transition or I/O. Session transitions
// run under each session's own lock (inside the session package), and every
// gateway or store call happens after that lock is released, using state
// captured in the transition's outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pyramid-kss/internal/gateway"
	"pyramid-kss/internal/session"
	"pyramid-kss/internal/store"
	"pyramid-kss/pkg/types"
)

var (
	// ErrUnknownSession is returned for ids not present in the registry.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionLive rejects deletion while orders may still fill.
	ErrSessionLive = errors.New("session has live orders")
	// ErrDuplicateRouting rejects a pending order id that is already mapped.
	ErrDuplicateRouting = errors.New("pending order already routed")
	// ErrDispatchFailed marks a gateway queue failure; the originating wave
	// stays PENDING and the operation can be retried.
	ErrDispatchFailed = errors.New("order dispatch failed")
)

// PriceOracle resolves current market prices for base symbols. Symbols it
// cannot resolve are absent from the result.
type PriceOracle interface {
	Prices(ctx context.Context, symbols []string) map[string]float64
}

// InfoOracle resolves per-symbol LOT_SIZE trading rules, degrading to
// conservative defaults rather than failing.
type InfoOracle interface {
	Info(ctx context.Context, symbol string) types.ExchangeInfo
}

// Config tunes the engine.
type Config struct {
	PipMultiplier float64       `mapstructure:"pip_multiplier"`
	SweepEnabled  bool          `mapstructure:"sweep_enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Summary aggregates the registry for the dashboard surface.
type Summary struct {
	TotalSessions      int            `json:"total_sessions"`
	ActiveSessions     int            `json:"active_sessions"`
	ByStatus           map[string]int `json:"by_status"`
	TotalIsolatedFund  float64        `json:"total_isolated_fund"`
	TotalUsedFund      float64        `json:"total_used_fund"`
	TotalUnrealizedPnL float64        `json:"total_unrealized_pnl"`
}

// StatusView is a session snapshot overlaid with live market data.
type StatusView struct {
	session.Snapshot
	CurrentPrice     float64 `json:"current_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
}

// Manager owns the live session registry and coordinates every transition
// with the store and the order queue. Construct one per process and inject
// it; tests build isolated managers with memory gateways and temp stores.
type Manager struct {
	cfg    Config
	store  *store.Store
	gw     gateway.Gateway
	prices PriceOracle
	info   InfoOracle
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[int64]*session.Session
	nextID   int64

	routesMu sync.Mutex
	routes   map[int64]Ref // pending_order_id → slot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a manager from its collaborators.
func New(cfg Config, st *store.Store, gw gateway.Gateway, prices PriceOracle, info InfoOracle, logger *slog.Logger) *Manager {
	if cfg.PipMultiplier <= 0 {
		cfg.PipMultiplier = session.DefaultPipMultiplier
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		prices:   prices,
		info:     info,
		logger:   logger.With("component", "engine"),
		sessions: make(map[int64]*session.Session),
		nextID:   1,
		routes:   make(map[int64]Ref),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Recovery and lifecycle
// ————————————————————————————————————————————————————————————————————————

// Recover rebuilds the registry from the store. PENDING sessions remain
// startable, ACTIVE sessions resume accepting fills for their sent waves,
// and terminal sessions stay visible until cleared. The id counter resumes
// past the largest stored id.
func (m *Manager) Recover(ctx context.Context) error {
	snaps, err := m.store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var maxID int64
	for _, snap := range snaps {
		info := m.info.Info(ctx, snap.Symbol)
		sess, err := session.New(snap.ID, paramsOf(snap), info, m.cfg.PipMultiplier, m.logger)
		if err != nil {
			m.logger.Error("skipping unrecoverable session", "id", snap.ID, "error", err)
			continue
		}
		sess.Restore(snap)
		m.sessions[snap.ID] = sess
		if snap.ID > maxID {
			maxID = snap.ID
		}

		m.routesMu.Lock()
		for _, w := range snap.Waves {
			if w.PendingOrderID != 0 && w.Status == types.WaveSent {
				m.routes[w.PendingOrderID] = Ref{SessionID: snap.ID, WaveNum: w.Num}
			}
		}
		m.routesMu.Unlock()
	}
	m.nextID = maxID + 1

	m.logger.Info("registry recovered", "sessions", len(m.sessions), "next_id", m.nextID)
	return nil
}

// StartSweeper launches the background timeout sweep, if enabled. Without
// it, sessions that stop receiving fills are only timed out when the next
// (possibly never-arriving) fill lands.
func (m *Manager) StartSweeper() {
	if !m.cfg.SweepEnabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
	m.logger.Info("timeout sweeper started", "interval", m.cfg.SweepInterval)
}

// Close stops the sweeper and waits for it to drain.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// sweep applies the timeout rule to every ACTIVE session between fills.
func (m *Manager) sweep(ctx context.Context) {
	now := time.Now().UTC()
	for _, sess := range m.liveSessions() {
		out := sess.CheckTimeout(now)
		if out == nil {
			continue
		}
		snap := sess.Snapshot()
		if err := m.store.UpdateSessionStatus(ctx, snap.ID, snap.Status, snap.StopReason, now); err != nil {
			m.logger.Error("store write failed after timeout stop, memory is authoritative",
				"session_id", snap.ID, "error", err)
		}
		m.logger.Info("session swept", "session_id", snap.ID, "message", out.Message)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Session operations
// ————————————————————————————————————————————————————————————————————————

// Create validates parameters, allocates the next id, and persists a
// PENDING session. Exchange rules are resolved once here and fixed for the
// session's lifetime.
func (m *Manager) Create(ctx context.Context, p session.Params) (session.Snapshot, error) {
	if err := p.Validate(); err != nil {
		return session.Snapshot{}, err
	}
	info := m.info.Info(ctx, p.Symbol)

	m.mu.Lock()
	id := m.nextID
	sess, err := session.New(id, p, info, m.cfg.PipMultiplier, m.logger)
	if err != nil {
		m.mu.Unlock()
		return session.Snapshot{}, err
	}
	m.nextID++
	m.sessions[id] = sess
	m.mu.Unlock()

	snap := sess.Snapshot()
	if err := m.store.InsertSession(ctx, snap); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return session.Snapshot{}, fmt.Errorf("persist session: %w", err)
	}

	m.logger.Info("session created",
		"session_id", id, "symbol", p.Symbol, "entry_price", p.EntryPrice,
		"max_waves", p.MaxWaves, "isolated_fund", p.IsolatedFund)
	return snap, nil
}

// Start activates a session and queues its wave-0 order. When the fund
// cannot cover wave 0, the session stays PENDING and the outcome carries
// only a message. A gateway failure leaves the wave PENDING (not SENT) and
// surfaces the error; the session itself is already ACTIVE.
func (m *Manager) Start(ctx context.Context, id int64) (*session.Outcome, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out, err := sess.Start(now)
	if err != nil {
		return nil, err
	}
	if out.Order == nil {
		return out, nil
	}

	if err := m.store.RecordStart(ctx, sess.Snapshot()); err != nil {
		m.logger.Error("store write failed after start, memory is authoritative",
			"session_id", id, "error", err)
		return out, fmt.Errorf("persist start: %w", err)
	}
	if err := m.dispatchOrder(ctx, sess, out); err != nil {
		return out, err
	}
	return out, nil
}

// Stop halts an ACTIVE session.
func (m *Manager) Stop(ctx context.Context, id int64, reason string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := sess.Stop(reason, now); err != nil {
		return err
	}
	if err := m.store.UpdateSessionStatus(ctx, id, types.StatusStopped, reason, now); err != nil {
		m.logger.Error("store write failed after stop, memory is authoritative",
			"session_id", id, "error", err)
		return fmt.Errorf("persist stop: %w", err)
	}
	return nil
}

// Adjust applies a partial parameter update and persists whatever the
// session accepted. The returned map holds exactly the applied fields.
func (m *Manager) Adjust(ctx context.Context, id int64, p session.AdjustParams) (map[string]any, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}
	changes, err := sess.Adjust(p)
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		if err := m.store.UpdateSessionParams(ctx, sess.Snapshot()); err != nil {
			m.logger.Error("store write failed after adjust, memory is authoritative",
				"session_id", id, "error", err)
			return changes, fmt.Errorf("persist adjust: %w", err)
		}
	}
	return changes, nil
}

// CheckTakeProfit evaluates TP against a fresh oracle price and queues the
// sell on trigger. Returns nil when nothing fired.
func (m *Manager) CheckTakeProfit(ctx context.Context, id int64) (*session.Outcome, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}

	price := m.prices.Prices(ctx, []string{sess.Symbol()})[sess.Symbol()]
	now := time.Now().UTC()
	out := sess.CheckTP(price, now)
	if out == nil {
		return nil, nil
	}

	if err := m.store.UpdateSessionStatus(ctx, id, types.StatusTPTriggered, "", now); err != nil {
		m.logger.Error("store write failed after tp trigger, memory is authoritative",
			"session_id", id, "error", err)
		return out, fmt.Errorf("persist tp trigger: %w", err)
	}
	if err := m.dispatchOrder(ctx, sess, out); err != nil {
		return out, err
	}
	return out, nil
}

// Get returns a session snapshot.
func (m *Manager) Get(id int64) (session.Snapshot, error) {
	sess, err := m.get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Status returns the session overlaid with the current market price and
// unrealized PnL. A missing price leaves the overlay zeroed.
func (m *Manager) Status(ctx context.Context, id int64) (StatusView, error) {
	sess, err := m.get(id)
	if err != nil {
		return StatusView{}, err
	}
	snap := sess.Snapshot()
	view := StatusView{Snapshot: snap}

	price := m.prices.Prices(ctx, []string{snap.Symbol})[snap.Symbol]
	if price > 0 {
		view.CurrentPrice = price
		if snap.TotalFilledQty > 0 {
			view.UnrealizedPnL = (price - snap.AvgPrice) * snap.TotalFilledQty
			if snap.TotalCost > 0 {
				view.UnrealizedPnLPct = view.UnrealizedPnL / snap.TotalCost * 100
			}
		}
	}
	return view, nil
}

// List returns snapshots newest-first, optionally filtered by status and
// symbol.
func (m *Manager) List(status types.SessionStatus, symbol string) []session.Snapshot {
	m.mu.RLock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	snaps := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snap := sess.Snapshot()
		if status != "" && snap.Status != status {
			continue
		}
		if symbol != "" && snap.Symbol != symbol {
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID > snaps[j].ID
		}
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps
}

// Delete removes a session from the registry and the store (waves cascade).
// Refused while orders may still fill: ACTIVE sessions have resting waves
// and TP_TRIGGERED sessions have a market sell outstanding.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	status := sess.Status()
	if status == types.StatusActive || status == types.StatusTPTriggered {
		return fmt.Errorf("%w: session %d is %s", ErrSessionLive, id, status)
	}

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.dropRoutesFor(id)

	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// ClearCompleted drops resting sessions (stopped, completed, tp_triggered)
// from the registry and returns how many were removed. Durable records
// survive.
func (m *Manager) ClearCompleted() int {
	m.mu.Lock()
	var cleared []int64
	for id, sess := range m.sessions {
		switch sess.Status() {
		case types.StatusStopped, types.StatusCompleted, types.StatusTPTriggered:
			delete(m.sessions, id)
			cleared = append(cleared, id)
		}
	}
	m.mu.Unlock()

	for _, id := range cleared {
		m.dropRoutesFor(id)
	}
	if len(cleared) > 0 {
		m.logger.Info("cleared finished sessions", "count", len(cleared))
	}
	return len(cleared)
}

// GetSummary aggregates the registry, pricing ACTIVE sessions through the
// oracle for unrealized PnL.
func (m *Manager) GetSummary(ctx context.Context) Summary {
	snaps := m.List("", "")

	sum := Summary{ByStatus: make(map[string]int)}
	symbolSet := make(map[string]bool)
	for _, snap := range snaps {
		sum.TotalSessions++
		sum.ByStatus[string(snap.Status)]++
		if snap.Status == types.StatusActive {
			sum.ActiveSessions++
			sum.TotalIsolatedFund += snap.IsolatedFund
			sum.TotalUsedFund += snap.TotalCost
			if snap.TotalFilledQty > 0 {
				symbolSet[snap.Symbol] = true
			}
		}
	}

	if len(symbolSet) > 0 {
		symbols := make([]string, 0, len(symbolSet))
		for sym := range symbolSet {
			symbols = append(symbols, sym)
		}
		prices := m.prices.Prices(ctx, symbols)
		for _, snap := range snaps {
			if snap.Status != types.StatusActive || snap.TotalFilledQty == 0 {
				continue
			}
			if price, ok := prices[snap.Symbol]; ok && price > 0 {
				sum.TotalUnrealizedPnL += (price - snap.AvgPrice) * snap.TotalFilledQty
			}
		}
	}
	return sum
}

// Preview computes the wave table for a parameter set without creating a
// session, using the same sizing math and live exchange rules a real
// session would get.
func (m *Manager) Preview(ctx context.Context, p session.Params) (*session.PreviewResult, error) {
	info := m.info.Info(ctx, p.Symbol)
	return session.Preview(p, info, m.cfg.PipMultiplier)
}

// Reset clears the registry and id counter. Test hook; the store is
// untouched.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.sessions = make(map[int64]*session.Session)
	m.nextID = 1
	m.mu.Unlock()

	m.routesMu.Lock()
	m.routes = make(map[int64]Ref)
	m.routesMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Internals
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) get(id int64) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return sess, nil
}

func (m *Manager) liveSessions() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// dispatchOrder queues the outcome's order and, for wave orders, marks the
// wave SENT with the returned pending order id. Runs strictly after the
// session transition released its lock; the session is re-locked only for
// the brief SENT mark.
func (m *Manager) dispatchOrder(ctx context.Context, sess *session.Session, out *session.Outcome) error {
	if out == nil || out.Order == nil {
		return nil
	}

	poid, err := m.gw.Queue(ctx, *out.Order)
	if err != nil {
		m.logger.Error("gateway queue failed, wave stays pending",
			"session_id", sess.ID(), "source_ref", out.Order.SourceRef, "error", err)
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	now := time.Now().UTC()
	if out.Wave == nil {
		// TP order: nothing to mark, only the routing slot.
		if err := m.registerRoute(poid, Ref{SessionID: sess.ID(), TP: true}); err != nil {
			return err
		}
		return nil
	}

	if err := m.registerRoute(poid, Ref{SessionID: sess.ID(), WaveNum: out.Wave.Num}); err != nil {
		return err
	}
	if err := sess.MarkWaveSent(out.Wave.Num, poid, now); err != nil {
		return err
	}
	if err := m.store.MarkWaveSent(ctx, sess.ID(), out.Wave.Num, poid, now); err != nil {
		m.logger.Error("store write failed after queue ack, memory is authoritative",
			"session_id", sess.ID(), "wave", out.Wave.Num, "error", err)
		return fmt.Errorf("persist sent wave: %w", err)
	}
	return nil
}

func (m *Manager) registerRoute(poid int64, ref Ref) error {
	m.routesMu.Lock()
	defer m.routesMu.Unlock()
	if existing, ok := m.routes[poid]; ok {
		return fmt.Errorf("%w: %d already maps to session %d", ErrDuplicateRouting, poid, existing.SessionID)
	}
	m.routes[poid] = ref
	return nil
}

func (m *Manager) dropRoute(poid int64) {
	m.routesMu.Lock()
	delete(m.routes, poid)
	m.routesMu.Unlock()
}

func (m *Manager) dropRoutesFor(sessionID int64) {
	m.routesMu.Lock()
	for poid, ref := range m.routes {
		if ref.SessionID == sessionID {
			delete(m.routes, poid)
		}
	}
	m.routesMu.Unlock()
}

func paramsOf(snap session.Snapshot) session.Params {
	return session.Params{
		Symbol:       snap.Symbol,
		EntryPrice:   snap.EntryPrice,
		DistancePct:  snap.DistancePct,
		MaxWaves:     snap.MaxWaves,
		IsolatedFund: snap.IsolatedFund,
		TPPct:        snap.TPPct,
		TimeoutXMin:  snap.TimeoutXMin,
		GapYMin:      snap.GapYMin,
		CreatedBy:    snap.CreatedBy,
		Note:         snap.Note,
	}
}
