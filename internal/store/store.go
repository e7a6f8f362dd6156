// Package store persists per-frame tracking results: poses, affine states
// and residual diagnostics, grouped into tracking sessions. Persistence is
// optional; the tracker itself never touches the store.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/meridian-robotics/dvio/internal/se3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// TrajectoryStore writes tracking output to a sqlite database.
type TrajectoryStore struct {
	db *sql.DB
}

// FrameRecord is one tracked frame's persisted state.
type FrameRecord struct {
	SessionID string
	FrameID   int
	RefID     int
	Timestamp float64

	// Pose is the reference-to-frame transform.
	Pose se3.Transform

	AffA, AffB   float64
	AffAR, AffBR float64

	// Residual is the normalized level-0 RMSE; FlowT/FlowTR the flow
	// indicators of the tracking call.
	Residual float64
	FlowT    float64
	FlowTR   float64

	Success bool
}

// Open opens (creating if needed) the store at path and applies pending
// migrations.
func Open(path string) (*TrajectoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trajectory db: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("migrate up: %w", err)
	}

	return &TrajectoryStore{db: db}, nil
}

// Close releases the database handle.
func (s *TrajectoryStore) Close() error { return s.db.Close() }

// NewSession registers a tracking session and returns its id.
func (s *TrajectoryStore) NewSession(label string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, label) VALUES (?, ?)`, id, label)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// InsertFrame appends one frame record.
func (s *TrajectoryStore) InsertFrame(rec *FrameRecord) error {
	xi := rec.Pose.Log()
	_, err := s.db.Exec(`
		INSERT INTO frames (
			session_id, frame_id, ref_id, timestamp,
			xi_tx, xi_ty, xi_tz, xi_rx, xi_ry, xi_rz,
			aff_a, aff_b, aff_a_r, aff_b_r,
			residual, flow_t, flow_tr, success
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.FrameID, rec.RefID, rec.Timestamp,
		xi[0], xi[1], xi[2], xi[3], xi[4], xi[5],
		rec.AffA, rec.AffB, rec.AffAR, rec.AffBR,
		rec.Residual, rec.FlowT, rec.FlowTR, rec.Success)
	if err != nil {
		return fmt.Errorf("insert frame %d: %w", rec.FrameID, err)
	}
	return nil
}

// Frames returns the session's frame records in frame order.
func (s *TrajectoryStore) Frames(sessionID string) ([]*FrameRecord, error) {
	rows, err := s.db.Query(`
		SELECT frame_id, ref_id, timestamp,
			xi_tx, xi_ty, xi_tz, xi_rx, xi_ry, xi_rz,
			aff_a, aff_b, aff_a_r, aff_b_r,
			residual, flow_t, flow_tr, success
		FROM frames WHERE session_id = ? ORDER BY frame_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	var out []*FrameRecord
	for rows.Next() {
		rec := &FrameRecord{SessionID: sessionID}
		var xi [6]float64
		if err := rows.Scan(
			&rec.FrameID, &rec.RefID, &rec.Timestamp,
			&xi[0], &xi[1], &xi[2], &xi[3], &xi[4], &xi[5],
			&rec.AffA, &rec.AffB, &rec.AffAR, &rec.AffBR,
			&rec.Residual, &rec.FlowT, &rec.FlowTR, &rec.Success,
		); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		rec.Pose = se3.Exp(xi)
		out = append(out, rec)
	}
	return out, rows.Err()
}
