package db

import (
	"context"
	"fmt"
	"strings"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/utils"
)

// DBClient persists missions, the verification log stream and mission outcomes.
// It satisfies drone.Recorder.
type DBClient interface {
	StoreMission(ctx context.Context, mission models.MissionRecord) error
	GetMission(ctx context.Context, id string) (models.MissionRecord, bool, error)
	RecordVerification(ctx context.Context, rec models.VerificationRecord) error
	GetVerifications(ctx context.Context, missionID string) ([]models.VerificationRecord, error)
	RecordOutcome(ctx context.Context, outcome models.MissionOutcome) error
	GetOutcomes(ctx context.Context, limit int) ([]models.MissionOutcome, error)
	Close() error
}

// NewDBClient opens the backend selected by DB_TYPE (sqlite or mongo).
func NewDBClient() (DBClient, error) {
	switch strings.ToLower(utils.GetEnv("DB_TYPE", "sqlite")) {
	case "mongo", "mongodb":
		uri := utils.GetEnv("MONGO_URI", "mongodb://localhost:27017")
		name := utils.GetEnv("MONGO_DB", "waypoint_nav")
		client, err := NewMongoClient(context.Background(), uri, name)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "sqlite":
		client, err := NewSQLiteClient(utils.GetEnv("SQLITE_PATH", "db/missions.sqlite3"))
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", utils.GetEnv("DB_TYPE"))
	}
}
