package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/utils"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(dataSourceName string) (*SQLiteClient, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := utils.CreateFolder(dbDir); err != nil {
			return nil, fmt.Errorf("error creating database directory: %s", err)
		}
	}

	// Add busy timeout param to DSN (milliseconds)
	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %s", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %s", err)
	}

	return &SQLiteClient{db: db}, nil
}

// createTables creates the required tables if they don't exist
func createTables(db *sql.DB) error {
	createMissionsTable := `
    CREATE TABLE IF NOT EXISTS missions (
        id TEXT PRIMARY KEY,
        started_at DATETIME NOT NULL,
        waypoints TEXT NOT NULL,
        config TEXT
    );
    `

	createVerificationsTable := `
    CREATE TABLE IF NOT EXISTS verifications (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        mission_id TEXT NOT NULL,
        tick INTEGER NOT NULL,
        timestamp DATETIME NOT NULL,
        waypoint_id TEXT NOT NULL,
        waypoint_index INTEGER NOT NULL,
        behavior TEXT NOT NULL,
        latitude REAL,
        longitude REAL,
        matched_count INTEGER NOT NULL,
        target_count INTEGER NOT NULL,
        live_count INTEGER NOT NULL,
        confidence REAL NOT NULL,
        passed INTEGER NOT NULL,
        reason TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_verifications_mission ON verifications(mission_id, tick);
    `

	createOutcomesTable := `
    CREATE TABLE IF NOT EXISTS outcomes (
        mission_id TEXT PRIMARY KEY,
        status TEXT NOT NULL,
        reason TEXT,
        finished_at DATETIME NOT NULL,
        ticks INTEGER NOT NULL,
        waypoints_done INTEGER NOT NULL,
        waypoints_total INTEGER NOT NULL,
        battery REAL NOT NULL
    );
    `

	if _, err := db.Exec(createMissionsTable); err != nil {
		return fmt.Errorf("error creating missions table: %s", err)
	}
	if _, err := db.Exec(createVerificationsTable); err != nil {
		return fmt.Errorf("error creating verifications table: %s", err)
	}
	if _, err := db.Exec(createOutcomesTable); err != nil {
		return fmt.Errorf("error creating outcomes table: %s", err)
	}
	return nil
}

func (db *SQLiteClient) Close() error {
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

func (db *SQLiteClient) StoreMission(ctx context.Context, mission models.MissionRecord) error {
	waypoints, err := json.Marshal(mission.Waypoints)
	if err != nil {
		return fmt.Errorf("error encoding waypoints: %w", err)
	}
	_, err = db.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO missions (id, started_at, waypoints, config) VALUES (?, ?, ?, ?)",
		mission.ID, mission.StartedAt.UTC(), string(waypoints), string(mission.Config),
	)
	if err != nil {
		return fmt.Errorf("error storing mission: %w", err)
	}
	return nil
}

func (db *SQLiteClient) GetMission(ctx context.Context, id string) (models.MissionRecord, bool, error) {
	var (
		rec       models.MissionRecord
		waypoints string
		config    sql.NullString
	)
	err := db.db.QueryRowContext(ctx, "SELECT id, started_at, waypoints, config FROM missions WHERE id = ?", id).
		Scan(&rec.ID, &rec.StartedAt, &waypoints, &config)
	if err == sql.ErrNoRows {
		return models.MissionRecord{}, false, nil
	}
	if err != nil {
		return models.MissionRecord{}, false, fmt.Errorf("failed to retrieve mission: %w", err)
	}
	if err := json.Unmarshal([]byte(waypoints), &rec.Waypoints); err != nil {
		return models.MissionRecord{}, false, fmt.Errorf("error decoding waypoints: %w", err)
	}
	if config.Valid {
		rec.Config = []byte(config.String)
	}
	return rec, true, nil
}

func (db *SQLiteClient) RecordVerification(ctx context.Context, rec models.VerificationRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := db.db.ExecContext(ctx, `
        INSERT INTO verifications (
            mission_id, tick, timestamp, waypoint_id, waypoint_index, behavior,
            latitude, longitude, matched_count, target_count, live_count,
            confidence, passed, reason
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MissionID, rec.Tick, rec.Timestamp.UTC(), rec.WaypointID, rec.WaypointIndex, rec.Behavior,
		rec.Lat, rec.Lon, rec.MatchedCount, rec.TargetCount, rec.LiveCount,
		rec.Confidence, rec.Passed, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("error storing verification: %w", err)
	}
	return nil
}

func (db *SQLiteClient) GetVerifications(ctx context.Context, missionID string) ([]models.VerificationRecord, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT id, mission_id, tick, timestamp, waypoint_id, waypoint_index, behavior,
               latitude, longitude, matched_count, target_count, live_count,
               confidence, passed, reason
        FROM verifications WHERE mission_id = ? ORDER BY tick, id`, missionID)
	if err != nil {
		return nil, fmt.Errorf("error querying verifications: %w", err)
	}
	defer rows.Close()

	out := []models.VerificationRecord{}
	for rows.Next() {
		var rec models.VerificationRecord
		if err := rows.Scan(
			&rec.ID, &rec.MissionID, &rec.Tick, &rec.Timestamp, &rec.WaypointID, &rec.WaypointIndex, &rec.Behavior,
			&rec.Lat, &rec.Lon, &rec.MatchedCount, &rec.TargetCount, &rec.LiveCount,
			&rec.Confidence, &rec.Passed, &rec.Reason,
		); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (db *SQLiteClient) RecordOutcome(ctx context.Context, o models.MissionOutcome) error {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	_, err := db.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO outcomes (
            mission_id, status, reason, finished_at, ticks, waypoints_done, waypoints_total, battery
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.MissionID, o.Status, o.Reason, o.FinishedAt.UTC(), o.Ticks, o.WaypointsDone, o.WaypointsTotal, o.Battery,
	)
	if err != nil {
		return fmt.Errorf("error storing outcome: %w", err)
	}
	return nil
}

// GetOutcomes returns the most recent outcomes first. limit <= 0 returns all.
func (db *SQLiteClient) GetOutcomes(ctx context.Context, limit int) ([]models.MissionOutcome, error) {
	query := `
        SELECT mission_id, status, reason, finished_at, ticks, waypoints_done, waypoints_total, battery
        FROM outcomes ORDER BY finished_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying outcomes: %w", err)
	}
	defer rows.Close()

	out := []models.MissionOutcome{}
	for rows.Next() {
		var (
			o      models.MissionOutcome
			reason sql.NullString
		)
		if err := rows.Scan(&o.MissionID, &o.Status, &reason, &o.FinishedAt, &o.Ticks, &o.WaypointsDone, &o.WaypointsTotal, &o.Battery); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		o.Reason = reason.String
		out = append(out, o)
	}
	return out, rows.Err()
}
