package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"visual-waypoint-nav/db"
	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/embedding"
	"visual-waypoint-nav/environment"
	"visual-waypoint-nav/flightlog"
	"visual-waypoint-nav/models"
	"visual-waypoint-nav/utils"
	"visual-waypoint-nav/vision"

	"github.com/mdobak/go-xerrors"
)

// missionApp is one loaded mission with everything needed to fly it and to
// answer questions about it.
type missionApp struct {
	cfg       appConfig
	mission   drone.Mission
	cache     *vision.SnapshotCache
	extractor vision.FeatureExtractor
	verifier  *vision.Verifier
	runner    *drone.Runner
	database  db.DBClient
	flightlog *flightlog.Store
}

type missionParts struct {
	Config    appConfig
	Mission   drone.Mission
	Source    vision.SnapshotSource
	Extractor vision.FeatureExtractor
	Frames    drone.FrameSource
	// Database may be nil
	Database  db.DBClient
	FlightLog *flightlog.Store
	Runner    drone.RunnerOptions
}

// newExtractor picks the feature backend named by DRONE_EXTRACTOR.
func newExtractor(cfg appConfig) (vision.FeatureExtractor, error) {
	switch backend := strings.ToLower(utils.GetEnv("DRONE_EXTRACTOR", "brief")); backend {
	case "brief":
		return vision.NewBriefExtractor(cfg.Extractor)
	case "orb":
		return vision.ORBExtractor{MaxFeatures: cfg.Extractor.MaxFeatures, FastThreshold: cfg.Extractor.FastThreshold}, nil
	case "remote":
		return embedding.NewClient(utils.GetEnv("FEATURE_SERVICE_URL", "http://localhost:5002")), nil
	default:
		return nil, fmt.Errorf("unknown DRONE_EXTRACTOR %q", backend)
	}
}

// loadMissionApp builds a mission from the files and services named in the environment.
func loadMissionApp(ctx context.Context, opts drone.RunnerOptions) (*missionApp, error) {
	logger := utils.GetLogger()

	cfg, err := loadAppConfig(utils.GetEnv("DRONE_CONFIG_PATH", "config.json"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	mission, err := drone.LoadMission(utils.GetEnv("DRONE_ROUTE_PATH", "route.json"))
	if err != nil {
		return nil, fmt.Errorf("loading route: %w", err)
	}
	extractor, err := newExtractor(cfg)
	if err != nil {
		return nil, err
	}

	groundTruth, err := environment.LoadMap(
		utils.GetEnv("DRONE_MAP_PATH", "map.png"),
		utils.GetEnv("DRONE_MAP_META_PATH", "map_meta.json"),
	)
	if err != nil {
		return nil, fmt.Errorf("loading map: %w", err)
	}
	camera, err := environment.NewCamera(groundTruth, cfg.Camera)
	if err != nil {
		return nil, err
	}

	database, err := db.NewDBClient()
	if err != nil {
		logger.WarnContext(ctx, "database unavailable, keeping verifications in memory", slog.Any("error", xerrors.New(err)))
	}

	app, err := assembleMission(ctx, missionParts{
		Config:    cfg,
		Mission:   mission,
		Source:    vision.FileSnapshotSource{Dir: utils.GetEnv("DRONE_SNAPSHOT_DIR", "snapshots")},
		Extractor: extractor,
		Frames:    camera,
		Database:  database,
		FlightLog: flightlog.NewStore(utils.GetEnv("FLIGHTLOG_PATH", "flightlog.json")),
		Runner:    opts,
	})
	if err != nil && database != nil {
		database.Close()
	}
	return app, err
}

// assembleMission warms the snapshot cache and wires the machine and runner.
func assembleMission(ctx context.Context, parts missionParts) (*missionApp, error) {
	logger := utils.GetLogger()
	if parts.FlightLog == nil {
		return nil, errors.New("mission requires a flight log")
	}

	cache := vision.NewSnapshotCache(parts.Source, parts.Extractor)
	started := time.Now()
	if err := cache.Warm(ctx, parts.Mission.Waypoints); err != nil {
		return nil, fmt.Errorf("precomputing snapshot features: %w", err)
	}
	logger.InfoContext(ctx, "snapshot features ready",
		slog.String("mission", parts.Mission.ID),
		slog.Int("waypoints", cache.Len()),
		slog.Duration("elapsed", time.Since(started)),
	)

	verifier, err := parts.Config.NewVerifier()
	if err != nil {
		return nil, err
	}

	recorders := drone.MultiRecorder{parts.FlightLog}
	if parts.Database != nil {
		recorders = append(recorders, parts.Database)
		err := parts.Database.StoreMission(ctx, models.MissionRecord{
			ID:        parts.Mission.ID,
			StartedAt: time.Now(),
			Waypoints: parts.Mission.Waypoints,
			Config:    parts.Config.raw,
		})
		if err != nil {
			logger.WarnContext(ctx, "failed to store mission", slog.Any("error", xerrors.New(err)))
		}
	}

	machine, err := drone.NewMachine(parts.Config.Config, parts.Mission, drone.Deps{
		Cache:     cache,
		Extractor: parts.Extractor,
		Verifier:  verifier,
		Frames:    parts.Frames,
		Recorder:  recorders,
	})
	if err != nil {
		return nil, err
	}

	return &missionApp{
		cfg:       parts.Config,
		mission:   parts.Mission,
		cache:     cache,
		extractor: parts.Extractor,
		verifier:  verifier,
		runner:    drone.NewRunner(machine, nil, parts.Runner),
		database:  parts.Database,
		flightlog: parts.FlightLog,
	}, nil
}

func (a *missionApp) Close() error {
	if a.database != nil {
		return a.database.Close()
	}
	return nil
}

func (a *missionApp) verifications(ctx context.Context, missionID string) ([]models.VerificationRecord, error) {
	if a.database != nil {
		return a.database.GetVerifications(ctx, missionID)
	}
	return a.flightlog.Verifications(missionID), nil
}

func (a *missionApp) outcomes(ctx context.Context, limit int) ([]models.MissionOutcome, error) {
	if a.database != nil {
		return a.database.GetOutcomes(ctx, limit)
	}
	outcomes, err := a.flightlog.Outcomes()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(outcomes) > limit {
		outcomes = outcomes[:limit]
	}
	return outcomes, nil
}

func (a *missionApp) waypoint(id string) (models.Waypoint, bool) {
	for _, wp := range a.mission.Waypoints {
		if wp.ID == id {
			return wp, true
		}
	}
	return models.Waypoint{}, false
}

var errUnknownWaypoint = errors.New("unknown waypoint")

// verifyFrame runs a one-off verification of an uploaded frame against a
// waypoint snapshot. It does not touch the flight state.
func (a *missionApp) verifyFrame(ctx context.Context, frame models.FrameData) (vision.VerificationResult, error) {
	wp, ok := a.waypoint(frame.WaypointID)
	if !ok {
		return vision.VerificationResult{}, fmt.Errorf("%w: %q", errUnknownWaypoint, frame.WaypointID)
	}
	img, err := vision.DecodeBase64Image(frame.Image)
	if err != nil {
		return vision.VerificationResult{}, err
	}
	target, err := a.cache.Get(ctx, wp)
	if err != nil {
		return vision.VerificationResult{}, err
	}
	live, err := vision.ExtractLive(ctx, a.extractor, img)
	if err != nil {
		return vision.VerificationResult{}, err
	}
	return a.verifier.Verify(wp.ID, live, target, a.cfg.Thresholds())
}
