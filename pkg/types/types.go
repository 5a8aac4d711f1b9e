// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order descriptors,
// session and wave statuses, fill notifications, and exchange trading rules.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import "fmt"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order kinds. Pyramid waves are placed
// as resting LIMIT buys; take-profit exits go out as MARKET sells.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// SessionStatus is the lifecycle state of a pyramid session.
//
// PENDING becomes ACTIVE on start. ACTIVE ends in STOPPED (timeout, manual
// stop, or a rejected wave) or moves to TP_TRIGGERED when the take-profit
// threshold is crossed; the TP fill then completes the session.
// STOPPED and COMPLETED are terminal; TP_TRIGGERED is still live because a
// market sell is outstanding in the approval queue.
type SessionStatus string

const (
	StatusPending     SessionStatus = "pending"
	StatusActive      SessionStatus = "active"
	StatusStopped     SessionStatus = "stopped"
	StatusCompleted   SessionStatus = "completed"
	StatusTPTriggered SessionStatus = "tp_triggered"
)

// IsTerminal reports whether the status is a resting end state: no fill,
// wave, or further transition can follow.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// Locked reports whether the status refuses stops and parameter adjustments:
// the terminal states plus TP_TRIGGERED, where the outstanding market sell
// pins the ladder until its fill resolves the session.
func (s SessionStatus) Locked() bool {
	return s.IsTerminal() || s == StatusTPTriggered
}

// Valid reports whether s is one of the five canonical statuses. Used when
// loading rows written by older builds.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusStopped, StatusCompleted, StatusTPTriggered:
		return true
	}
	return false
}

// WaveStatus is the lifecycle state of a single wave order.
// A wave is PENDING from generation until the order queue acknowledges it,
// SENT while resting in the queue or on the book, and ends FILLED or
// CANCELLED.
type WaveStatus string

const (
	WavePending   WaveStatus = "pending"
	WaveSent      WaveStatus = "sent"
	WaveFilled    WaveStatus = "filled"
	WaveCancelled WaveStatus = "cancelled"
)

// Action describes what a fill made the session do next.
type Action string

const (
	ActionNextWave    Action = "next_wave"    // a deeper wave was generated
	ActionTPTriggered Action = "tp_triggered" // take-profit sell was emitted
	ActionStopped     Action = "stopped"      // session stopped (timeout)
	ActionCompleted   Action = "completed"    // take-profit sell filled
	ActionNone        Action = "none"         // nothing to do
)

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// SourceKSS is the source tag stamped on every order this engine emits.
// The platform's pending-order queue uses it to attribute orders back to
// their originating subsystem.
const SourceKSS = "kss"

// WaveSourceRef builds the routing token for a wave order. The token format
// is shared with the fill router, which is the only place that parses it.
func WaveSourceRef(sessionID int64, waveNum int) string {
	return fmt.Sprintf("pyramid:%d:wave:%d", sessionID, waveNum)
}

// TPSourceRef builds the routing token for a session's take-profit order.
func TPSourceRef(sessionID int64) string {
	return fmt.Sprintf("pyramid:%d:tp", sessionID)
}

// OrderRequest is the order descriptor handed to the pending-order queue.
// Price is 0 for MARKET orders. SourceRef is an opaque routing token; only
// the fill router knows its layout.
type OrderRequest struct {
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	OrderType    OrderType `json:"order_type"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	Source       string    `json:"source"`
	SourceRef    string    `json:"source_ref"`
	StrategyName string    `json:"strategy_name"`
	Note         string    `json:"note"`
}

// FillEvent is the executor's notification that an approved order traded.
// FilledQty and FilledPrice are the actual execution, which may beat the
// wave's target. MarketPrice is optional; when zero the engine asks the
// price oracle before evaluating take-profit.
type FillEvent struct {
	PendingOrderID int64   `json:"pending_order_id"`
	SourceRef      string  `json:"source_ref"`
	FilledQty      float64 `json:"filled_qty"`
	FilledPrice    float64 `json:"filled_price"`
	MarketPrice    float64 `json:"current_market_price,omitempty"`
}

// OrderEvent is an approval-workflow notification (approved or rejected).
type OrderEvent struct {
	PendingOrderID int64  `json:"pending_order_id"`
	SourceRef      string `json:"source_ref"`
	Note           string `json:"note,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange trading rules
// ————————————————————————————————————————————————————————————————————————

// ExchangeInfo carries the LOT_SIZE trading rules for one symbol. Wave
// quantities are sized from MinQty, snapped to StepSize, and capped at
// MaxQty.
type ExchangeInfo struct {
	Symbol   string  `json:"symbol"`
	MinQty   float64 `json:"min_qty"`
	StepSize float64 `json:"step_size"`
	MaxQty   float64 `json:"max_qty"`
}
