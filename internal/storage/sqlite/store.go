// Package sqlite persists published trajectories and the command log in a
// SQLite database whose schema is managed by embedded migrations.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store is the trajectory database. It implements publish.Sink, recording
// every published pose against the current session.
type Store struct {
	*sql.DB
	path      string
	sessionID string
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.DB, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// MigrateUp applies all pending migrations. Closing the migrate instance
// would close the shared *sql.DB, so it is left to the garbage collector.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version and dirty flag.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// Session is one run of the front end.
type Session struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	WorkingFrame string    `json:"working_frame"`
	Source       string    `json:"source"`
	Notes        string    `json:"notes,omitempty"`
}

// StartSession creates a session and makes it current for PublishPose.
func (s *Store) StartSession(startedAt time.Time, workingFrame, source, notes string) (string, error) {
	id := uuid.NewString()
	_, err := s.Exec(`INSERT INTO sessions (session_id, started_at_ns, working_frame, source, notes) VALUES (?, ?, ?, ?, ?)`,
		id, startedAt.UnixNano(), workingFrame, source, notes)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	s.sessionID = id
	return id, nil
}

// SessionID returns the current session, or "" before StartSession.
func (s *Store) SessionID() string { return s.sessionID }

// Sessions lists sessions, newest first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.Query(`SELECT session_id, started_at_ns, working_frame, source, COALESCE(notes, '') FROM sessions ORDER BY started_at_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var ns int64
		if err := rows.Scan(&sess.ID, &ns, &sess.WorkingFrame, &sess.Source, &sess.Notes); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, ns).UTC()
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PublishPose implements publish.Sink.
func (s *Store) PublishPose(p pipeline.Publication) error {
	if s.sessionID == "" {
		return fmt.Errorf("no session started")
	}
	r := p.Result
	_, err := s.Exec(`
		INSERT OR REPLACE INTO poses (
			session_id, seq, stamp_ns, x, y, z, qw, qx, qy, qz,
			quality, message, used_inertial, used_prior, latency_ms, keyframes, map_points
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.sessionID, int64(p.Seq), p.Stamp.UnixNano(),
		r.Pose.Position.X, r.Pose.Position.Y, r.Pose.Position.Z,
		r.Pose.Orientation.W, r.Pose.Orientation.X, r.Pose.Orientation.Y, r.Pose.Orientation.Z,
		string(r.Quality), r.Message, p.UsedInertial, p.UsedPrior,
		float64(p.Latency)/float64(time.Millisecond), r.KeyFrames, r.MapPoints,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pose: %w", err)
	}
	return nil
}

// PoseRecord is one stored pose.
type PoseRecord struct {
	Seq          uint64           `json:"seq"`
	Stamp        time.Time        `json:"stamp"`
	Pose         geom.Pose        `json:"pose"`
	Quality      pipeline.Quality `json:"quality"`
	Message      string           `json:"message,omitempty"`
	UsedInertial bool             `json:"used_inertial"`
	UsedPrior    bool             `json:"used_prior"`
	LatencyMs    float64          `json:"latency_ms"`
}

// Trajectory returns up to limit poses of a session in time order. A
// non-positive limit returns all of them.
func (s *Store) Trajectory(sessionID string, limit int) ([]PoseRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.Query(`
		SELECT seq, stamp_ns, x, y, z, qw, qx, qy, qz, quality, COALESCE(message, ''),
		       used_inertial, used_prior, COALESCE(latency_ms, 0)
		FROM poses WHERE session_id = ? ORDER BY stamp_ns ASC, seq ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoseRecord
	for rows.Next() {
		var rec PoseRecord
		var seq, ns int64
		var quality string
		p := &rec.Pose
		if err := rows.Scan(&seq, &ns,
			&p.Position.X, &p.Position.Y, &p.Position.Z,
			&p.Orientation.W, &p.Orientation.X, &p.Orientation.Y, &p.Orientation.Z,
			&quality, &rec.Message, &rec.UsedInertial, &rec.UsedPrior, &rec.LatencyMs); err != nil {
			return nil, err
		}
		rec.Seq = uint64(seq)
		rec.Stamp = time.Unix(0, ns).UTC()
		rec.Quality = pipeline.Quality(quality)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordCommand appends to the command log of the current session.
func (s *Store) RecordCommand(text string, applyErr error) error {
	if s.sessionID == "" {
		return fmt.Errorf("no session started")
	}
	var errText sql.NullString
	if applyErr != nil {
		errText = sql.NullString{String: applyErr.Error(), Valid: true}
	}
	_, err := s.Exec(`INSERT INTO commands (session_id, command, accepted, error) VALUES (?, ?, ?, ?)`,
		s.sessionID, text, applyErr == nil, errText)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

// CommandCount returns how many commands the session logged.
func (s *Store) CommandCount(sessionID string) (int, error) {
	var n int
	err := s.QueryRow(`SELECT COUNT(*) FROM commands WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// AttachAdminRoutes mounts tailsql over the trajectory database under
// /debug/tailsql/.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "Trajectory DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	return nil
}
