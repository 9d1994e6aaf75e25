// Package store persists tracking state to sqlite: session records, the
// full trail on stop, and a throttled last-known state row used to restore
// the view after a restart.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
	"github.com/wayfarer-gps/wayfarer/internal/track"
)

// DefaultSaveInterval throttles last-state writes on the fix path.
const DefaultSaveInterval = 5 * time.Second

type Store struct {
	db    *sql.DB
	path  string
	clock timeutil.Clock

	// saveMu guards the throttle state; SaveSnapshot is called from the
	// tracker's update callback and the HTTP handlers concurrently.
	saveMu       sync.Mutex
	saveInterval time.Duration
	lastSaveAt   time.Time
}

// Open opens (creating if needed) the database at path and brings the
// schema up to date. A nil clock falls back to the real clock.
func Open(path string, clock timeutil.Clock) (*Store, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &Store{
		db:           db,
		path:         path,
		clock:        clock,
		saveInterval: DefaultSaveInterval,
	}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartSession records the beginning of a tracking session.
func (s *Store) StartSession(id string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, started_at) VALUES (?, ?)`,
		id, at,
	)
	return err
}

// EndSession closes out a session row with its final distance.
func (s *Store) EndSession(id string, at time.Time, distanceMeters float64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, distance_m = ? WHERE id = ?`,
		at, distanceMeters, id,
	)
	return err
}

// SaveTrail replaces the persisted trail for a session. Called once on
// stop; the per-fix path only touches last_state.
func (s *Store) SaveTrail(sessionID string, trail []track.TrailPoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM trail_points WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for i, p := range trail {
		if _, err := tx.Exec(
			`INSERT INTO trail_points (session_id, seq, lat, lon, captured_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, i, p.Latitude, p.Longitude, p.CapturedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveSnapshot upserts the last-known state row. Writes on the fix path
// are throttled; pass force to flush regardless (stop, shutdown).
func (s *Store) SaveSnapshot(snap track.Snapshot, force bool) error {
	if snap.Position == nil {
		return nil
	}

	now := s.clock.Now()
	s.saveMu.Lock()
	if !force && now.Sub(s.lastSaveAt) < s.saveInterval {
		s.saveMu.Unlock()
		return nil
	}
	s.lastSaveAt = now
	s.saveMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO last_state (id, session_id, lat, lon, accuracy_m, speed_mps, heading_deg, captured_at, distance_m, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			session_id = excluded.session_id,
			lat = excluded.lat,
			lon = excluded.lon,
			accuracy_m = excluded.accuracy_m,
			speed_mps = excluded.speed_mps,
			heading_deg = excluded.heading_deg,
			captured_at = excluded.captured_at,
			distance_m = excluded.distance_m,
			updated_at = excluded.updated_at`,
		snap.SessionID,
		snap.Position.Latitude,
		snap.Position.Longitude,
		snap.Position.AccuracyMeters,
		nullFloat(snap.Position.SpeedMps),
		nullFloat(snap.Position.HeadingDeg),
		snap.Position.CapturedAt,
		snap.AccumulatedDistanceMeters,
		now,
	)
	return err
}

// Restore reads the last-known state and its session trail. It returns a
// nil position when nothing was ever saved; staleness filtering is the
// tracker's call, not the store's.
func (s *Store) Restore() (*track.Position, []track.TrailPoint, float64, error) {
	var (
		sessionID  sql.NullString
		pos        track.Position
		speed      sql.NullFloat64
		heading    sql.NullFloat64
		distance   float64
		capturedAt time.Time
	)
	err := s.db.QueryRow(`
		SELECT session_id, lat, lon, accuracy_m, speed_mps, heading_deg, captured_at, distance_m
		FROM last_state WHERE id = 1`,
	).Scan(&sessionID, &pos.Latitude, &pos.Longitude, &pos.AccuracyMeters, &speed, &heading, &capturedAt, &distance)
	if err == sql.ErrNoRows {
		return nil, nil, 0, nil
	}
	if err != nil {
		return nil, nil, 0, err
	}

	pos.CapturedAt = capturedAt
	if speed.Valid {
		pos.SpeedMps = &speed.Float64
	}
	if heading.Valid {
		pos.HeadingDeg = &heading.Float64
	}

	var trail []track.TrailPoint
	if sessionID.Valid {
		trail, err = s.loadTrail(sessionID.String)
		if err != nil {
			return nil, nil, 0, err
		}
	}
	return &pos, trail, distance, nil
}

func (s *Store) loadTrail(sessionID string) ([]track.TrailPoint, error) {
	rows, err := s.db.Query(
		`SELECT lat, lon, captured_at FROM trail_points WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trail []track.TrailPoint
	for rows.Next() {
		var p track.TrailPoint
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.CapturedAt); err != nil {
			return nil, err
		}
		trail = append(trail, p)
	}
	return trail, rows.Err()
}

// SessionTrail returns the persisted trail for one session.
func (s *Store) SessionTrail(sessionID string) ([]track.TrailPoint, error) {
	return s.loadTrail(sessionID)
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
