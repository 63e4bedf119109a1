// Package recorder persists fused proximity generations and navigation
// commands to a local sqlite drive log for post-run analysis.
package recorder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/terranav/fieldrover/internal/proximity"
)

// DB wraps the sqlite handle with the drive-log schema. One session row is
// created per process start; all records hang off it.
type DB struct {
	*sql.DB
	sessionID string
}

// NewDB opens (or creates) the drive log at path and starts a new session.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS proximity (
			session_id TEXT,
			generated_at TIMESTAMP,
			sectors TEXT,
			min_cm INTEGER,
			lidar_ok BOOLEAN,
			depth_ok BOOLEAN,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE TABLE IF NOT EXISTS commands (
			session_id TEXT,
			steering_pwm INTEGER,
			throttle_pwm INTEGER,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	sessionID := uuid.NewString()
	if _, err := db.Exec("INSERT INTO sessions (session_id) VALUES (?)", sessionID); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &DB{DB: db, sessionID: sessionID}, nil
}

// SessionID returns the id assigned to this run.
func (db *DB) SessionID() string { return db.sessionID }

// RecordProximity stores one fused generation.
func (db *DB) RecordProximity(p proximity.FusedProximity) error {
	sectors, err := json.Marshal(p.Sectors)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		"INSERT INTO proximity (session_id, generated_at, sectors, min_cm, lidar_ok, depth_ok) VALUES (?, ?, ?, ?, ?, ?)",
		db.sessionID, p.GeneratedAt.UTC(), string(sectors), p.Sectors.Min(), p.LidarOK, p.DepthOK,
	)
	return err
}

// RecordCommand stores one navigation command.
func (db *DB) RecordCommand(steeringPWM, throttlePWM int) error {
	_, err := db.Exec(
		"INSERT INTO commands (session_id, steering_pwm, throttle_pwm) VALUES (?, ?, ?)",
		db.sessionID, steeringPWM, throttlePWM,
	)
	return err
}

// ProximityRecord is one stored generation.
type ProximityRecord struct {
	GeneratedAt time.Time
	Sectors     proximity.SectorDistance
	MinCM       int
	LidarOK     bool
	DepthOK     bool
}

// RecentProximity returns the newest stored generations for this session,
// newest first.
func (db *DB) RecentProximity(limit int) ([]ProximityRecord, error) {
	rows, err := db.Query(
		"SELECT generated_at, sectors, min_cm, lidar_ok, depth_ok FROM proximity WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?",
		db.sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProximityRecord
	for rows.Next() {
		var r ProximityRecord
		var sectors string
		if err := rows.Scan(&r.GeneratedAt, &sectors, &r.MinCM, &r.LidarOK, &r.DepthOK); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sectors), &r.Sectors); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
