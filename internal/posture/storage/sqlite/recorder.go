// Package sqlite persists per-frame posture ticks and risk state
// transitions for offline diagnosis. Recording is strictly best-effort
// telemetry: the pipeline never blocks on it and a recorder failure never
// degrades the control loop.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/posture.report/internal/posture"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Recorder writes ticks and transitions for one monitoring session.
type Recorder struct {
	db        *sql.DB
	sessionID string
}

// Open opens (creating if needed) the tick database at path and applies any
// pending migrations.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening tick database: %w", err)
	}

	// Single writer; WAL keeps the monitor's reads from blocking it.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Recorder{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// BeginSession registers a new recording session and makes it current.
// Returns the generated session ID.
func (r *Recorder) BeginSession(startedAt time.Time, preset string, perf posture.PerformanceConfig) (string, error) {
	id := uuid.NewString()
	_, err := r.db.Exec(
		`INSERT INTO sessions (session_id, started_at, preset, delegate, base_fps, short_side)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, startedAt, preset, string(perf.Delegate), perf.FPS, perf.ShortSide)
	if err != nil {
		return "", fmt.Errorf("recording session: %w", err)
	}
	r.sessionID = id
	return id, nil
}

// SessionID returns the current session, empty before BeginSession.
func (r *Recorder) SessionID() string { return r.sessionID }

// RecordTick persists one tick under the current session.
func (r *Recorder) RecordTick(t posture.Tick) error {
	if r.sessionID == "" {
		return fmt.Errorf("no active session")
	}
	smoothed := func(s posture.MetricSeries) interface{} {
		if !s.Seeded {
			return nil
		}
		return s.Smoothed
	}
	_, err := r.db.Exec(
		`INSERT INTO ticks (session_id, frame_id, timestamp, present, reliability, reasons,
		                    score, zone, state, target_fps, short_side, skipped,
		                    pitch, yaw, roll, ehd, dpr)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.sessionID, t.FrameID, t.Timestamp, t.Present, string(t.Reliability),
		strings.Join(t.Reasons, ","),
		t.Score, string(t.Zone), string(t.State), t.TargetFPS, t.ShortSide, t.Skipped,
		smoothed(t.Metrics.Pitch), smoothed(t.Metrics.Yaw), smoothed(t.Metrics.Roll),
		smoothed(t.Metrics.EHD), smoothed(t.Metrics.DPR))
	if err != nil {
		return fmt.Errorf("recording tick %d: %w", t.FrameID, err)
	}
	return nil
}

// RecordTransition persists one risk state transition.
func (r *Recorder) RecordTransition(at time.Time, from, to posture.RiskState, score float64) error {
	if r.sessionID == "" {
		return fmt.Errorf("no active session")
	}
	_, err := r.db.Exec(
		`INSERT INTO transitions (session_id, timestamp, from_state, to_state, score)
		 VALUES (?, ?, ?, ?, ?)`,
		r.sessionID, at, string(from), string(to), score)
	if err != nil {
		return fmt.Errorf("recording transition %s->%s: %w", from, to, err)
	}
	return nil
}

// PruneBefore deletes ticks and transitions older than cutoff across all
// sessions. Returns the number of ticks removed.
func (r *Recorder) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM ticks WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning ticks: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := r.db.Exec(`DELETE FROM transitions WHERE timestamp < ?`, cutoff); err != nil {
		return n, fmt.Errorf("pruning transitions: %w", err)
	}
	return n, nil
}

// TickCount returns the number of stored ticks for the current session.
func (r *Recorder) TickCount() (int64, error) {
	var n int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM ticks WHERE session_id = ?`, r.sessionID).Scan(&n)
	return n, err
}

// RecentScores returns up to limit (timestamp, score) pairs for the current
// session, oldest first. The monitor's score chart reads from here.
func (r *Recorder) RecentScores(limit int) ([]ScorePoint, error) {
	rows, err := r.db.Query(
		`SELECT timestamp, score FROM (
		     SELECT timestamp, score FROM ticks
		     WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?
		 ) ORDER BY timestamp ASC`,
		r.sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying scores: %w", err)
	}
	defer rows.Close()

	var out []ScorePoint
	for rows.Next() {
		var p ScorePoint
		if err := rows.Scan(&p.Timestamp, &p.Score); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ScorePoint is one (timestamp, score) sample for charting.
type ScorePoint struct {
	Timestamp time.Time
	Score     float64
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
