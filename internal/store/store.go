// Package store persists sessions and waves to SQLite.
//
// The store is a durable shadow of the in-memory registry: every logical
// state change lands as a single transaction (the session row plus any wave
// rows it touched), so a crash never exposes a half-written transition. On
// startup LoadSessions replays the full table back into the manager.
//
// WAL journaling keeps readers and the single writer out of each other's
// way; foreign keys cascade wave deletion with their session.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pyramid-kss/internal/session"
	"pyramid-kss/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS kss_sessions (
	id               INTEGER PRIMARY KEY,
	strategy_type    TEXT    NOT NULL DEFAULT 'pyramid',
	symbol           TEXT    NOT NULL,
	entry_price      REAL    NOT NULL,
	distance_pct     REAL    NOT NULL,
	max_waves        INTEGER NOT NULL,
	isolated_fund    REAL    NOT NULL,
	tp_pct           REAL    NOT NULL,
	timeout_x_min    REAL    NOT NULL,
	gap_y_min        REAL    NOT NULL,
	status           TEXT    NOT NULL,
	current_wave     INTEGER NOT NULL DEFAULT -1,
	avg_price        REAL    NOT NULL DEFAULT 0,
	total_filled_qty REAL    NOT NULL DEFAULT 0,
	total_cost       REAL    NOT NULL DEFAULT 0,
	stop_reason      TEXT,
	created_by       TEXT,
	note             TEXT,
	created_at       TEXT    NOT NULL,
	started_at       TEXT,
	last_fill_at     TEXT,
	completed_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_kss_sessions_symbol     ON kss_sessions(symbol);
CREATE INDEX IF NOT EXISTS idx_kss_sessions_status     ON kss_sessions(status);
CREATE INDEX IF NOT EXISTS idx_kss_sessions_created_at ON kss_sessions(created_at);

CREATE TABLE IF NOT EXISTS kss_waves (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       INTEGER NOT NULL REFERENCES kss_sessions(id) ON DELETE CASCADE,
	wave_num         INTEGER NOT NULL,
	quantity         REAL    NOT NULL,
	target_price     REAL    NOT NULL,
	status           TEXT    NOT NULL,
	filled_qty       REAL,
	filled_price     REAL,
	pending_order_id INTEGER,
	created_at       TEXT    NOT NULL,
	sent_at          TEXT,
	filled_at        TEXT,
	UNIQUE(session_id, wave_num)
);
CREATE INDEX IF NOT EXISTS idx_kss_waves_session_id ON kss_waves(session_id);
CREATE INDEX IF NOT EXISTS idx_kss_waves_status     ON kss_waves(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_kss_waves_pending_order_id
	ON kss_waves(pending_order_id) WHERE pending_order_id IS NOT NULL;
`

// Store is the SQLite-backed repository for sessions and waves.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Sessions
// ————————————————————————————————————————————————————————————————————————

// InsertSession writes a new session row under the id the manager allocated.
// Any waves already present in the snapshot are written in the same
// transaction.
func (s *Store) InsertSession(ctx context.Context, snap session.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kss_sessions (
			id, strategy_type, symbol, entry_price, distance_pct, max_waves,
			isolated_fund, tp_pct, timeout_x_min, gap_y_min, status,
			current_wave, avg_price, total_filled_qty, total_cost,
			stop_reason, created_by, note,
			created_at, started_at, last_fill_at, completed_at
		) VALUES (?, 'pyramid', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Symbol, snap.EntryPrice, snap.DistancePct, snap.MaxWaves,
		snap.IsolatedFund, snap.TPPct, snap.TimeoutXMin, snap.GapYMin, string(snap.Status),
		snap.CurrentWave, snap.AvgPrice, snap.TotalFilledQty, snap.TotalCost,
		nullStr(snap.StopReason), nullStr(snap.CreatedBy), nullStr(snap.Note),
		fmtTime(snap.CreatedAt), fmtTimePtr(snap.StartedAt), fmtTimePtr(snap.LastFillAt), fmtTimePtr(snap.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session %d: %w", snap.ID, err)
	}
	for _, w := range snap.Waves {
		if err := insertWaveTx(ctx, tx, snap.ID, w); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateSessionStatus records a lifecycle transition. It stamps started_at
// when the session goes ACTIVE and completed_at when it reaches a resting
// state (stopped or completed).
func (s *Store) UpdateSessionStatus(ctx context.Context, id int64, status types.SessionStatus, stopReason string, at time.Time) error {
	var err error
	switch {
	case status == types.StatusActive:
		_, err = s.db.ExecContext(ctx,
			`UPDATE kss_sessions SET status = ?, started_at = ? WHERE id = ?`,
			string(status), fmtTime(at), id)
	case status.IsTerminal():
		_, err = s.db.ExecContext(ctx,
			`UPDATE kss_sessions SET status = ?, stop_reason = ?, completed_at = ? WHERE id = ?`,
			string(status), nullStr(stopReason), fmtTime(at), id)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE kss_sessions SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update session %d status: %w", id, err)
	}
	return nil
}

// UpdateSessionState writes the running totals and fill timestamp.
func (s *Store) UpdateSessionState(ctx context.Context, snap session.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kss_sessions SET
			current_wave = ?, avg_price = ?, total_filled_qty = ?, total_cost = ?, last_fill_at = ?
		WHERE id = ?`,
		snap.CurrentWave, snap.AvgPrice, snap.TotalFilledQty, snap.TotalCost,
		fmtTimePtr(snap.LastFillAt), snap.ID)
	if err != nil {
		return fmt.Errorf("update session %d state: %w", snap.ID, err)
	}
	return nil
}

// UpdateSessionParams writes the adjustable parameters.
func (s *Store) UpdateSessionParams(ctx context.Context, snap session.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kss_sessions SET
			distance_pct = ?, max_waves = ?, isolated_fund = ?, tp_pct = ?,
			timeout_x_min = ?, gap_y_min = ?
		WHERE id = ?`,
		snap.DistancePct, snap.MaxWaves, snap.IsolatedFund, snap.TPPct,
		snap.TimeoutXMin, snap.GapYMin, snap.ID)
	if err != nil {
		return fmt.Errorf("update session %d params: %w", snap.ID, err)
	}
	return nil
}

// DeleteSession removes a session; its waves cascade.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kss_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	return nil
}

// RecordFill persists one fill transition atomically: the filled wave row,
// the session's running totals, the (possibly changed) status, and — when
// the fill spawned a deeper wave — the new wave row. Partial outcomes are
// never observable.
func (s *Store) RecordFill(ctx context.Context, snap session.Snapshot, filledWave int, newWave *session.Wave) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w := findWave(snap.Waves, filledWave)
	if w == nil {
		return fmt.Errorf("session %d wave %d missing from snapshot", snap.ID, filledWave)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE kss_waves SET status = ?, filled_qty = ?, filled_price = ?, filled_at = ?
		WHERE session_id = ? AND wave_num = ?`,
		string(w.Status), w.FilledQty, w.FilledPrice, fmtTimePtr(w.FilledAt),
		snap.ID, filledWave)
	if err != nil {
		return fmt.Errorf("update session %d wave %d: %w", snap.ID, filledWave, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE kss_sessions SET
			status = ?, current_wave = ?, avg_price = ?, total_filled_qty = ?,
			total_cost = ?, stop_reason = ?, last_fill_at = ?, completed_at = ?
		WHERE id = ?`,
		string(snap.Status), snap.CurrentWave, snap.AvgPrice, snap.TotalFilledQty,
		snap.TotalCost, nullStr(snap.StopReason), fmtTimePtr(snap.LastFillAt),
		fmtTimePtr(snap.CompletedAt), snap.ID)
	if err != nil {
		return fmt.Errorf("update session %d: %w", snap.ID, err)
	}

	if newWave != nil {
		if err := insertWaveTx(ctx, tx, snap.ID, *newWave); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordStart persists session activation atomically: the ACTIVE status with
// its started_at stamp plus the freshly generated wave 0.
func (s *Store) RecordStart(ctx context.Context, snap session.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE kss_sessions SET status = ?, current_wave = ?, started_at = ? WHERE id = ?`,
		string(snap.Status), snap.CurrentWave, fmtTimePtr(snap.StartedAt), snap.ID)
	if err != nil {
		return fmt.Errorf("update session %d: %w", snap.ID, err)
	}
	for _, w := range snap.Waves {
		if err := insertWaveTx(ctx, tx, snap.ID, w); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordRejection persists a wave rejection atomically: the cancelled wave
// plus the session's (possibly stopped) status.
func (s *Store) RecordRejection(ctx context.Context, snap session.Snapshot, waveNum int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE kss_waves SET status = ? WHERE session_id = ? AND wave_num = ?`,
		string(types.WaveCancelled), snap.ID, waveNum)
	if err != nil {
		return fmt.Errorf("cancel session %d wave %d: %w", snap.ID, waveNum, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE kss_sessions SET status = ?, stop_reason = ?, completed_at = ? WHERE id = ?`,
		string(snap.Status), nullStr(snap.StopReason), fmtTimePtr(snap.CompletedAt), snap.ID)
	if err != nil {
		return fmt.Errorf("update session %d: %w", snap.ID, err)
	}
	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Waves
// ————————————————————————————————————————————————————————————————————————

// InsertWave writes a newly generated wave.
func (s *Store) InsertWave(ctx context.Context, sessionID int64, w session.Wave) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertWaveTx(ctx, tx, sessionID, w); err != nil {
		return err
	}
	return tx.Commit()
}

func insertWaveTx(ctx context.Context, tx *sql.Tx, sessionID int64, w session.Wave) error {
	// Fill columns key off the wave's status, not its values, so a fill of
	// exactly zero survives a round trip.
	var fq, fp any
	if w.Status == types.WaveFilled {
		fq, fp = w.FilledQty, w.FilledPrice
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kss_waves (
			session_id, wave_num, quantity, target_price, status,
			filled_qty, filled_price, pending_order_id,
			created_at, sent_at, filled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, w.Num, w.Qty, w.TargetPrice, string(w.Status),
		fq, fp, nullInt(w.PendingOrderID),
		fmtTime(w.CreatedAt), fmtTimePtr(w.SentAt), fmtTimePtr(w.FilledAt))
	if err != nil {
		return fmt.Errorf("insert session %d wave %d: %w", sessionID, w.Num, err)
	}
	return nil
}

// MarkWaveSent records the order queue's acknowledgment of a wave.
func (s *Store) MarkWaveSent(ctx context.Context, sessionID int64, waveNum int, pendingOrderID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kss_waves SET status = ?, pending_order_id = ?, sent_at = ?
		WHERE session_id = ? AND wave_num = ?`,
		string(types.WaveSent), pendingOrderID, fmtTime(at), sessionID, waveNum)
	if err != nil {
		return fmt.Errorf("mark session %d wave %d sent: %w", sessionID, waveNum, err)
	}
	return nil
}

// MarkWaveCancelled records a rejected wave.
func (s *Store) MarkWaveCancelled(ctx context.Context, sessionID int64, waveNum int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kss_waves SET status = ? WHERE session_id = ? AND wave_num = ?`,
		string(types.WaveCancelled), sessionID, waveNum)
	if err != nil {
		return fmt.Errorf("mark session %d wave %d cancelled: %w", sessionID, waveNum, err)
	}
	return nil
}

// GetWaveByPendingOrderID resolves an order-queue handle back to its wave.
func (s *Store) GetWaveByPendingOrderID(ctx context.Context, pendingOrderID int64) (sessionID int64, waveNum int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT session_id, wave_num FROM kss_waves WHERE pending_order_id = ?`,
		pendingOrderID).Scan(&sessionID, &waveNum)
	if err == sql.ErrNoRows {
		return 0, 0, fmt.Errorf("no wave for pending order %d", pendingOrderID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lookup pending order %d: %w", pendingOrderID, err)
	}
	return sessionID, waveNum, nil
}

// ListWaves returns a session's waves ordered by wave number.
func (s *Store) ListWaves(ctx context.Context, sessionID int64) ([]session.Wave, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wave_num, quantity, target_price, status,
			filled_qty, filled_price, pending_order_id,
			created_at, sent_at, filled_at
		FROM kss_waves WHERE session_id = ? ORDER BY wave_num`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list waves for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var waves []session.Wave
	for rows.Next() {
		var w session.Wave
		var status string
		var fq, fp sql.NullFloat64
		var poid sql.NullInt64
		var created, sent, filled sql.NullString
		if err := rows.Scan(&w.Num, &w.Qty, &w.TargetPrice, &status,
			&fq, &fp, &poid, &created, &sent, &filled); err != nil {
			return nil, fmt.Errorf("scan wave: %w", err)
		}
		w.Status = types.WaveStatus(status)
		w.FilledQty = fq.Float64
		w.FilledPrice = fp.Float64
		w.PendingOrderID = poid.Int64
		if t, err := parseTime(created.String); err == nil {
			w.CreatedAt = t
		}
		w.SentAt = parseTimePtr(sent)
		w.FilledAt = parseTimePtr(filled)
		waves = append(waves, w)
	}
	return waves, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Recovery
// ————————————————————————————————————————————————————————————————————————

// LoadSessions reads every session with its waves, ordered newest-first.
// Used once at boot to rebuild the in-memory registry.
func (s *Store) LoadSessions(ctx context.Context) ([]session.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, entry_price, distance_pct, max_waves,
			isolated_fund, tp_pct, timeout_x_min, gap_y_min, status,
			current_wave, avg_price, total_filled_qty, total_cost,
			stop_reason, created_by, note,
			created_at, started_at, last_fill_at, completed_at
		FROM kss_sessions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var snaps []session.Snapshot
	for rows.Next() {
		var snap session.Snapshot
		var status string
		var reason, createdBy, note sql.NullString
		var created, started, fill, completed sql.NullString
		if err := rows.Scan(&snap.ID, &snap.Symbol, &snap.EntryPrice, &snap.DistancePct, &snap.MaxWaves,
			&snap.IsolatedFund, &snap.TPPct, &snap.TimeoutXMin, &snap.GapYMin, &status,
			&snap.CurrentWave, &snap.AvgPrice, &snap.TotalFilledQty, &snap.TotalCost,
			&reason, &createdBy, &note,
			&created, &started, &fill, &completed); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		snap.Status = types.SessionStatus(status)
		if !snap.Status.Valid() {
			s.logger.Warn("skipping session with unknown status", "id", snap.ID, "status", status)
			continue
		}
		snap.StopReason = reason.String
		snap.CreatedBy = createdBy.String
		snap.Note = note.String
		if t, err := parseTime(created.String); err == nil {
			snap.CreatedAt = t
		}
		snap.StartedAt = parseTimePtr(started)
		snap.LastFillAt = parseTimePtr(fill)
		snap.CompletedAt = parseTimePtr(completed)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range snaps {
		waves, err := s.ListWaves(ctx, snaps[i].ID)
		if err != nil {
			return nil, err
		}
		snaps[i].Waves = waves
	}
	return snaps, nil
}

// MaxSessionID returns the largest stored session id, 0 when empty. The
// manager seeds its id counter with this + 1.
func (s *Store) MaxSessionID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM kss_sessions`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max session id: %w", err)
	}
	return maxID.Int64, nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func findWave(waves []session.Wave, n int) *session.Wave {
	for i := range waves {
		if waves[i].Num == n {
			return &waves[i]
		}
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int64) any {
	if i == 0 {
		return nil
	}
	return i
}
