// Package session implements the pyramid DCA state machine.
//
// A session anchors at an entry price and ladders limit BUY waves below it:
// each wave sits geometrically deeper (distance_pct compounding) and buys
// linearly more (pip sizing), so the average entry walks down as the market
// does. The exit is a single market SELL once the mark trades at
// avg_price × (1 + tp_pct/100).
//
// Sessions do no I/O. Market prices, exchange rules, persistence, and the
// pending-order queue are the manager's problem; everything here happens
// under one per-session mutex on plain state.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pyramid-kss/pkg/types"
)

var (
	// ErrInvalidParams wraps every parameter-validation failure.
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrAlreadyStarted is returned by Start on a session that is live.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrAlreadyTerminal is returned by operations on stopped/completed sessions.
	ErrAlreadyTerminal = errors.New("session already terminal")
	// ErrNotActive is returned by Stop on a session with nothing running.
	ErrNotActive = errors.New("session not active")
	// ErrUnknownWave is returned when a wave number has no wave.
	ErrUnknownWave = errors.New("unknown wave")
)

// ————————————————————————————————————————————————————————————————————————
// Parameters
// ————————————————————————————————————————————————————————————————————————

// Params are the operator-supplied session parameters. Symbol and EntryPrice
// are fixed for the session's lifetime; the rest can be adjusted while it
// runs (subject to the floors enforced by Adjust).
type Params struct {
	Symbol       string  `json:"symbol"`
	EntryPrice   float64 `json:"entry_price"`
	DistancePct  float64 `json:"distance_pct"`
	MaxWaves     int     `json:"max_waves"`
	IsolatedFund float64 `json:"isolated_fund"`
	TPPct        float64 `json:"tp_pct"`
	TimeoutXMin  float64 `json:"timeout_x_min"`
	GapYMin      float64 `json:"gap_y_min"`
	CreatedBy    string  `json:"created_by,omitempty"`
	Note         string  `json:"note,omitempty"`
}

// Validate checks every parameter and reports the first violation.
func (p Params) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: symbol must not be empty", ErrInvalidParams)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("%w: entry price must be positive: %v", ErrInvalidParams, p.EntryPrice)
	}
	if p.DistancePct <= 0 || p.DistancePct >= 100 {
		return fmt.Errorf("%w: distance pct must be in (0, 100): %v", ErrInvalidParams, p.DistancePct)
	}
	if p.MaxWaves < 1 {
		return fmt.Errorf("%w: max waves must be at least 1: %d", ErrInvalidParams, p.MaxWaves)
	}
	if p.IsolatedFund <= 0 {
		return fmt.Errorf("%w: isolated fund must be positive: %v", ErrInvalidParams, p.IsolatedFund)
	}
	if p.TPPct <= 0 {
		return fmt.Errorf("%w: tp pct must be positive: %v", ErrInvalidParams, p.TPPct)
	}
	if p.TimeoutXMin <= 0 {
		return fmt.Errorf("%w: timeout minutes must be positive: %v", ErrInvalidParams, p.TimeoutXMin)
	}
	if p.GapYMin < 0 {
		return fmt.Errorf("%w: gap minutes must not be negative: %v", ErrInvalidParams, p.GapYMin)
	}
	return nil
}

// AdjustParams carries a partial parameter update; nil fields are untouched.
type AdjustParams struct {
	MaxWaves     *int     `json:"max_waves,omitempty"`
	IsolatedFund *float64 `json:"isolated_fund,omitempty"`
	TPPct        *float64 `json:"tp_pct,omitempty"`
	DistancePct  *float64 `json:"distance_pct,omitempty"`
	TimeoutXMin  *float64 `json:"timeout_x_min,omitempty"`
	GapYMin      *float64 `json:"gap_y_min,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Waves and outcomes
// ————————————————————————————————————————————————————————————————————————

// Wave is one rung of the ladder: a limit BUY at TargetPrice for Qty.
// PendingOrderID is assigned when the order queue acknowledges the order;
// FilledQty/FilledPrice record the actual execution, which may beat the
// target.
type Wave struct {
	Num            int              `json:"wave_num"`
	TargetPrice    float64          `json:"target_price"`
	Qty            float64          `json:"quantity"`
	Status         types.WaveStatus `json:"status"`
	PendingOrderID int64            `json:"pending_order_id,omitempty"`
	FilledQty      float64          `json:"filled_qty,omitempty"`
	FilledPrice    float64          `json:"filled_price,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	SentAt         *time.Time       `json:"sent_at,omitempty"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
}

// Outcome describes what an event made the session do. Order is set when a
// new order must be queued (a deeper wave or the TP sell); Wave is a copy of
// the newly generated wave for that order.
type Outcome struct {
	Action  types.Action        `json:"action"`
	Order   *types.OrderRequest `json:"order,omitempty"`
	Wave    *Wave               `json:"wave,omitempty"`
	Message string              `json:"message"`
}

// Snapshot is a consistent copy of session state, safe to read and serialize
// without holding the session lock.
type Snapshot struct {
	ID               int64               `json:"id"`
	Symbol           string              `json:"symbol"`
	Status           types.SessionStatus `json:"status"`
	EntryPrice       float64             `json:"entry_price"`
	DistancePct      float64             `json:"distance_pct"`
	MaxWaves         int                 `json:"max_waves"`
	IsolatedFund     float64             `json:"isolated_fund"`
	TPPct            float64             `json:"tp_pct"`
	TimeoutXMin      float64             `json:"timeout_x_min"`
	GapYMin          float64             `json:"gap_y_min"`
	CurrentWave      int                 `json:"current_wave"`
	TotalFilledQty   float64             `json:"total_filled_qty"`
	TotalCost        float64             `json:"total_cost"`
	AvgPrice         float64             `json:"avg_price"`
	UsedFund         float64             `json:"used_fund"`
	RemainingFund    float64             `json:"remaining_fund"`
	EstimatedTPPrice float64             `json:"estimated_tp_price"`
	FilledWaves      int                 `json:"filled_waves_count"`
	PendingWaves     int                 `json:"pending_waves_count"`
	StopReason       string              `json:"stop_reason,omitempty"`
	CreatedBy        string              `json:"created_by,omitempty"`
	Note             string              `json:"note,omitempty"`
	Waves            []Wave              `json:"waves"`
	CreatedAt        time.Time           `json:"created_at"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	LastFillAt       *time.Time          `json:"last_fill_at,omitempty"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Session
// ————————————————————————————————————————————————————————————————————————

// Session is one pyramid's full state. Thread-safe: every method takes the
// session mutex, and nothing here blocks on I/O while holding it.
type Session struct {
	mu     sync.Mutex
	logger *slog.Logger

	id     int64
	params Params
	sizing Sizing

	status      types.SessionStatus
	currentWave int // largest wave number generated, -1 before wave 0
	waves       []*Wave

	totalFilledQty float64
	totalCost      float64
	avgPrice       float64
	stopReason     string

	createdAt   time.Time
	startedAt   *time.Time
	lastFillAt  *time.Time
	completedAt *time.Time
}

// New validates params and builds a PENDING session. Exchange info and the
// pip multiplier are captured here and stay fixed for the session's life.
func New(id int64, p Params, info types.ExchangeInfo, pipMult float64, logger *slog.Logger) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if pipMult <= 0 {
		pipMult = DefaultPipMultiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		logger:      logger.With("component", "session", "session_id", id),
		id:          id,
		params:      p,
		sizing:      Sizing{Entry: p.EntryPrice, PipMult: pipMult, Info: info},
		status:      types.StatusPending,
		currentWave: -1,
		createdAt:   time.Now().UTC(),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() int64 { return s.id }

// Symbol returns the traded symbol.
func (s *Session) Symbol() string { return s.params.Symbol }

// Status returns the current lifecycle state.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start activates a PENDING session and emits the wave-0 order. If wave 0
// alone would exceed the isolated fund, the session stays PENDING with zero
// waves and the outcome carries only a message.
func (s *Session) Start(now time.Time) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.status.IsTerminal():
		return nil, fmt.Errorf("%w: session %d is %s", ErrAlreadyTerminal, s.id, s.status)
	case s.status != types.StatusPending:
		return nil, fmt.Errorf("%w: session %d is %s", ErrAlreadyStarted, s.id, s.status)
	}

	w, err := s.generateWave(0, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	cost, err := s.sizing.Cost(0, s.params.DistancePct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if cost > s.params.IsolatedFund {
		msg := fmt.Sprintf("Insufficient fund for wave 0: need %.4f, have %.4f", cost, s.params.IsolatedFund)
		s.logger.Warn("start refused", "reason", msg)
		return &Outcome{Action: types.ActionNone, Message: msg}, nil
	}

	s.waves = append(s.waves, w)
	s.currentWave = 0
	s.status = types.StatusActive
	t := now
	s.startedAt = &t

	order := s.orderForWave(w)
	s.logger.Info("session started",
		"symbol", s.params.Symbol, "entry_price", s.params.EntryPrice,
		"wave_qty", w.Qty, "wave_price", w.TargetPrice)

	wc := *w
	return &Outcome{
		Action:  types.ActionNextWave,
		Order:   &order,
		Wave:    &wc,
		Message: fmt.Sprintf("Queued wave 0 @ %v", w.TargetPrice),
	}, nil
}

// ApplyFill processes a wave fill: records the execution, recomputes the
// average entry, then decides what happens next in order — take profit,
// timeout stop, or a deeper wave. marketPrice 0 skips the TP check.
//
// Fills are idempotent: a wave that is already filled (or was cancelled)
// produces a no-op outcome. Terminal and TP-triggered sessions ignore fills
// entirely.
func (s *Session) ApplyFill(waveNum int, qty, price, marketPrice float64, now time.Time) *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != types.StatusActive {
		s.logger.Debug("fill ignored", "wave", waveNum, "status", s.status)
		return &Outcome{Action: types.ActionNone, Message: fmt.Sprintf("Session not active: %s", s.status)}
	}

	w := s.findWave(waveNum)
	if w == nil {
		s.logger.Warn("fill for unknown wave", "wave", waveNum)
		return &Outcome{Action: types.ActionNone, Message: fmt.Sprintf("Wave %d not found", waveNum)}
	}
	switch w.Status {
	case types.WaveFilled:
		s.logger.Debug("duplicate fill ignored", "wave", waveNum)
		return &Outcome{Action: types.ActionNone, Message: fmt.Sprintf("Wave %d already filled", waveNum)}
	case types.WaveCancelled:
		s.logger.Warn("fill for cancelled wave ignored", "wave", waveNum)
		return &Outcome{Action: types.ActionNone, Message: fmt.Sprintf("Wave %d is cancelled", waveNum)}
	}

	// The staleness verdict must predate this fill: a fill that lands after
	// the timeout window closed still books, but it must not revive the
	// session.
	wasTimedOut := s.timedOut(now)

	w.Status = types.WaveFilled
	w.FilledQty = qty
	w.FilledPrice = price
	t := now
	w.FilledAt = &t

	s.totalFilledQty += qty
	s.totalCost += qty * price
	if s.totalFilledQty > 0 {
		s.avgPrice = s.totalCost / s.totalFilledQty
	}
	s.lastFillAt = &t

	s.logger.Info("wave filled",
		"wave", waveNum, "qty", qty, "price", price,
		"avg_price", s.avgPrice, "total_cost", s.totalCost)

	if out := s.checkTP(marketPrice, now); out != nil {
		return out
	}

	if wasTimedOut {
		s.stop("timeout", now)
		return &Outcome{
			Action:  types.ActionStopped,
			Message: fmt.Sprintf("Session stopped: timeout (%v min without fill)", s.params.TimeoutXMin),
		}
	}

	next := s.currentWave + 1
	if next >= s.params.MaxWaves {
		return &Outcome{
			Action:  types.ActionNone,
			Message: fmt.Sprintf("All %d waves sent, waiting for fills or TP", s.params.MaxWaves),
		}
	}

	nw, err := s.generateWave(next, now)
	if err != nil {
		s.logger.Warn("cannot generate next wave", "wave", next, "error", err)
		return &Outcome{Action: types.ActionNone, Message: fmt.Sprintf("Cannot generate wave %d", next)}
	}
	nextCost := nw.Qty * nw.TargetPrice
	if remaining := s.remainingFund(); nextCost > remaining {
		s.logger.Warn("insufficient fund for next wave",
			"wave", next, "need", nextCost, "have", remaining)
		return &Outcome{Action: types.ActionNone, Message: fmt.Sprintf("Insufficient fund for wave %d", next)}
	}

	s.waves = append(s.waves, nw)
	s.currentWave = next

	order := s.orderForWave(nw)
	wc := *nw
	return &Outcome{
		Action:  types.ActionNextWave,
		Order:   &order,
		Wave:    &wc,
		Message: fmt.Sprintf("Queued wave %d @ %v", next, nw.TargetPrice),
	}
}

// ApplyTPFill completes the session once the take-profit sell executes.
// Replays and any status other than TP_TRIGGERED are silent no-ops.
func (s *Session) ApplyTPFill(qty, price float64, now time.Time) *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != types.StatusTPTriggered {
		s.logger.Debug("tp fill ignored", "status", s.status)
		return &Outcome{Action: types.ActionNone, Message: fmt.Sprintf("Session not awaiting TP: %s", s.status)}
	}

	s.status = types.StatusCompleted
	t := now
	s.completedAt = &t
	s.logger.Info("tp filled", "qty", qty, "price", price, "avg_price", s.avgPrice)

	return &Outcome{
		Action:  types.ActionCompleted,
		Message: fmt.Sprintf("TP order filled, session %d complete", s.id),
	}
}

// CheckTP evaluates the take-profit condition against a fresh market price,
// outside the fill path. Returns nil when nothing triggered.
func (s *Session) CheckTP(marketPrice float64, now time.Time) *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != types.StatusActive {
		return nil
	}
	return s.checkTP(marketPrice, now)
}

// CheckTimeout applies the timeout rule between fills (the sweeper path).
// Returns the stop outcome, or nil if the session keeps running.
func (s *Session) CheckTimeout(now time.Time) *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != types.StatusActive || !s.timedOut(now) {
		return nil
	}
	s.stop("timeout", now)
	return &Outcome{
		Action:  types.ActionStopped,
		Message: fmt.Sprintf("Session stopped: timeout (%v min without fill)", s.params.TimeoutXMin),
	}
}

// Stop halts an ACTIVE session with the given reason. A TP_TRIGGERED session
// counts as already terminal: the outstanding sell resolves it, not a stop.
func (s *Session) Stop(reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.status.Locked():
		return fmt.Errorf("%w: session %d is %s", ErrAlreadyTerminal, s.id, s.status)
	case s.status != types.StatusActive:
		return fmt.Errorf("%w: session %d is %s", ErrNotActive, s.id, s.status)
	}
	s.stop(reason, now)
	return nil
}

// Adjust applies a partial parameter update. Fields that violate their rule
// are dropped with a warning; the returned map holds what actually changed.
// Floors protect running state: max_waves cannot drop below the waves that
// already exist and isolated_fund cannot drop below the cost already spent.
// TP_TRIGGERED refuses adjustment like the terminal states do.
func (s *Session) Adjust(p AdjustParams) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Locked() {
		return nil, fmt.Errorf("%w: session %d is %s", ErrAlreadyTerminal, s.id, s.status)
	}

	changes := make(map[string]any)

	if p.MaxWaves != nil {
		floor := s.currentWave + 1
		if floor < 1 {
			floor = 1
		}
		if *p.MaxWaves < floor {
			s.logger.Warn("cannot set max_waves below current wave", "max_waves", *p.MaxWaves, "current_wave", s.currentWave)
		} else {
			s.params.MaxWaves = *p.MaxWaves
			changes["max_waves"] = *p.MaxWaves
		}
	}
	if p.IsolatedFund != nil {
		if *p.IsolatedFund < s.totalCost {
			s.logger.Warn("cannot set isolated_fund below used cost", "isolated_fund", *p.IsolatedFund, "total_cost", s.totalCost)
		} else {
			s.params.IsolatedFund = *p.IsolatedFund
			changes["isolated_fund"] = *p.IsolatedFund
		}
	}
	if p.TPPct != nil {
		if *p.TPPct <= 0 {
			s.logger.Warn("invalid tp_pct, must be positive", "tp_pct", *p.TPPct)
		} else {
			s.params.TPPct = *p.TPPct
			changes["tp_pct"] = *p.TPPct
		}
	}
	if p.DistancePct != nil {
		if *p.DistancePct <= 0 || *p.DistancePct >= 100 {
			s.logger.Warn("invalid distance_pct, must be in (0, 100)", "distance_pct", *p.DistancePct)
		} else {
			s.params.DistancePct = *p.DistancePct
			changes["distance_pct"] = *p.DistancePct
		}
	}
	if p.TimeoutXMin != nil {
		if *p.TimeoutXMin <= 0 {
			s.logger.Warn("invalid timeout_x_min, must be positive", "timeout_x_min", *p.TimeoutXMin)
		} else {
			s.params.TimeoutXMin = *p.TimeoutXMin
			changes["timeout_x_min"] = *p.TimeoutXMin
		}
	}
	if p.GapYMin != nil {
		if *p.GapYMin < 0 {
			s.logger.Warn("invalid gap_y_min, must not be negative", "gap_y_min", *p.GapYMin)
		} else {
			s.params.GapYMin = *p.GapYMin
			changes["gap_y_min"] = *p.GapYMin
		}
	}

	if len(changes) > 0 {
		s.logger.Info("params adjusted", "changes", fmt.Sprint(changes))
	}
	return changes, nil
}

// MarkWaveSent records the order queue's acknowledgment: the wave moves
// PENDING→SENT and remembers its pending order id. Safe to call again for
// a wave that is already sent or done.
func (s *Session) MarkWaveSent(waveNum int, pendingOrderID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.findWave(waveNum)
	if w == nil {
		return fmt.Errorf("%w: session %d wave %d", ErrUnknownWave, s.id, waveNum)
	}
	switch w.Status {
	case types.WavePending:
		w.Status = types.WaveSent
		w.PendingOrderID = pendingOrderID
		t := now
		w.SentAt = &t
	case types.WaveSent:
		if w.PendingOrderID == 0 {
			w.PendingOrderID = pendingOrderID
		}
	}
	return nil
}

// RejectWave handles an order rejection from the approval queue: the wave is
// cancelled and, because a pyramid with a hole in its ladder cannot average
// down safely, an ACTIVE session stops.
func (s *Session) RejectWave(waveNum int, now time.Time) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.findWave(waveNum)
	if w == nil {
		return nil, fmt.Errorf("%w: session %d wave %d", ErrUnknownWave, s.id, waveNum)
	}
	if w.Status != types.WaveFilled && w.Status != types.WaveCancelled {
		w.Status = types.WaveCancelled
	}

	if s.status != types.StatusActive {
		s.logger.Warn("wave rejected on non-active session", "wave", waveNum, "status", s.status)
		return &Outcome{Action: types.ActionNone, Message: fmt.Sprintf("Wave %d cancelled", waveNum)}, nil
	}
	s.stop("wave_rejected", now)
	s.logger.Warn("wave rejected, session stopped", "wave", waveNum)
	return &Outcome{
		Action:  types.ActionStopped,
		Message: fmt.Sprintf("Wave %d rejected, session stopped", waveNum),
	}, nil
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:               s.id,
		Symbol:           s.params.Symbol,
		Status:           s.status,
		EntryPrice:       s.params.EntryPrice,
		DistancePct:      s.params.DistancePct,
		MaxWaves:         s.params.MaxWaves,
		IsolatedFund:     s.params.IsolatedFund,
		TPPct:            s.params.TPPct,
		TimeoutXMin:      s.params.TimeoutXMin,
		GapYMin:          s.params.GapYMin,
		CurrentWave:      s.currentWave,
		TotalFilledQty:   s.totalFilledQty,
		TotalCost:        s.totalCost,
		AvgPrice:         s.avgPrice,
		UsedFund:         s.totalCost,
		RemainingFund:    s.remainingFund(),
		EstimatedTPPrice: s.estimatedTPPrice(),
		StopReason:       s.stopReason,
		CreatedBy:        s.params.CreatedBy,
		Note:             s.params.Note,
		Waves:            make([]Wave, 0, len(s.waves)),
		CreatedAt:        s.createdAt,
		StartedAt:        copyTime(s.startedAt),
		LastFillAt:       copyTime(s.lastFillAt),
		CompletedAt:      copyTime(s.completedAt),
	}
	for _, w := range s.waves {
		wc := *w
		wc.SentAt = copyTime(w.SentAt)
		wc.FilledAt = copyTime(w.FilledAt)
		snap.Waves = append(snap.Waves, wc)
		switch w.Status {
		case types.WaveFilled:
			snap.FilledWaves++
		case types.WavePending, types.WaveSent:
			snap.PendingWaves++
		}
	}
	return snap
}

// Restore rehydrates state from persistence. Only valid on a freshly
// constructed session; it takes the lock but performs no transition checks,
// the stored state is trusted as-is.
func (s *Session) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = snap.Status
	s.currentWave = snap.CurrentWave
	s.totalFilledQty = snap.TotalFilledQty
	s.totalCost = snap.TotalCost
	s.avgPrice = snap.AvgPrice
	s.stopReason = snap.StopReason
	if !snap.CreatedAt.IsZero() {
		s.createdAt = snap.CreatedAt
	}
	s.startedAt = copyTime(snap.StartedAt)
	s.lastFillAt = copyTime(snap.LastFillAt)
	s.completedAt = copyTime(snap.CompletedAt)

	s.waves = make([]*Wave, 0, len(snap.Waves))
	for _, w := range snap.Waves {
		wc := w
		wc.SentAt = copyTime(w.SentAt)
		wc.FilledAt = copyTime(w.FilledAt)
		s.waves = append(s.waves, &wc)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Internals (callers hold s.mu)
// ————————————————————————————————————————————————————————————————————————

func (s *Session) generateWave(n int, now time.Time) (*Wave, error) {
	price, err := s.sizing.Price(n, s.params.DistancePct)
	if err != nil {
		return nil, err
	}
	return &Wave{
		Num:         n,
		TargetPrice: price,
		Qty:         s.sizing.Qty(n),
		Status:      types.WavePending,
		CreatedAt:   now,
	}, nil
}

func (s *Session) findWave(n int) *Wave {
	for _, w := range s.waves {
		if w.Num == n {
			return w
		}
	}
	return nil
}

func (s *Session) orderForWave(w *Wave) types.OrderRequest {
	return types.OrderRequest{
		Symbol:       s.params.Symbol,
		Side:         types.BUY,
		OrderType:    types.OrderTypeLimit,
		Quantity:     w.Qty,
		Price:        w.TargetPrice,
		Source:       types.SourceKSS,
		SourceRef:    types.WaveSourceRef(s.id, w.Num),
		StrategyName: fmt.Sprintf("Pyramid_%s", s.params.Symbol),
		Note:         fmt.Sprintf("Pyramid wave %d/%d", w.Num, s.params.MaxWaves),
	}
}

// checkTP transitions to TP_TRIGGERED and emits the market sell when the
// mark has reached avg × (1 + tp/100). Nothing filled or no price means no
// verdict.
func (s *Session) checkTP(marketPrice float64, now time.Time) *Outcome {
	if s.totalFilledQty <= 0 || marketPrice <= 0 {
		return nil
	}
	tpPrice := s.avgPrice * (1 + s.params.TPPct/100)
	if marketPrice < tpPrice {
		return nil
	}

	s.status = types.StatusTPTriggered
	s.logger.Info("tp triggered",
		"market_price", marketPrice, "tp_price", tpPrice,
		"avg_price", s.avgPrice, "tp_pct", s.params.TPPct)

	order := types.OrderRequest{
		Symbol:       s.params.Symbol,
		Side:         types.SELL,
		OrderType:    types.OrderTypeMarket,
		Quantity:     s.totalFilledQty,
		Price:        0,
		Source:       types.SourceKSS,
		SourceRef:    types.TPSourceRef(s.id),
		StrategyName: fmt.Sprintf("Pyramid_%s", s.params.Symbol),
		Note:         fmt.Sprintf("Pyramid TP: sell %v @ market (avg=%.4f)", s.totalFilledQty, s.avgPrice),
	}
	return &Outcome{
		Action:  types.ActionTPTriggered,
		Order:   &order,
		Message: fmt.Sprintf("TP triggered at %v, selling %v", marketPrice, s.totalFilledQty),
	}
}

// timedOut applies the two-part staleness rule: the session has gone longer
// than timeout_x_min without a fill, and its fill history shows no steady
// cadence (under two fills, or the last two landed within gap_y_min of each
// other — a burst followed by silence).
func (s *Session) timedOut(now time.Time) bool {
	ref := s.startedAt
	if s.lastFillAt != nil {
		ref = s.lastFillAt
	}
	if ref == nil {
		return false
	}
	if now.Sub(*ref).Minutes() <= s.params.TimeoutXMin {
		return false
	}

	var fillTimes []time.Time
	for _, w := range s.waves {
		if w.Status == types.WaveFilled && w.FilledAt != nil {
			fillTimes = append(fillTimes, *w.FilledAt)
		}
	}
	if len(fillTimes) < 2 {
		return true
	}
	sort.Slice(fillTimes, func(i, j int) bool { return fillTimes[i].Before(fillTimes[j]) })
	gap := fillTimes[len(fillTimes)-1].Sub(fillTimes[len(fillTimes)-2]).Minutes()
	return gap < s.params.GapYMin
}

func (s *Session) stop(reason string, now time.Time) {
	s.status = types.StatusStopped
	s.stopReason = reason
	t := now
	s.completedAt = &t
	s.logger.Info("session stopped", "reason", reason)
}

func (s *Session) remainingFund() float64 {
	if r := s.params.IsolatedFund - s.totalCost; r > 0 {
		return r
	}
	return 0
}

func (s *Session) estimatedTPPrice() float64 {
	base := s.avgPrice
	if base <= 0 {
		base = s.params.EntryPrice
	}
	return base * (1 + s.params.TPPct/100)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
