package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/flightlog"
	"visual-waypoint-nav/models"
	"visual-waypoint-nav/vision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textured(seed uint64, w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewPCG(seed, 2))
	const cell = 5
	for cy := 0; cy < h; cy += cell {
		for cx := 0; cx < w; cx += cell {
			shade := color.Gray{Y: uint8(rng.IntN(256))}
			for y := cy; y < min(cy+cell, h); y++ {
				for x := cx; x < min(cx+cell, w); x++ {
					img.SetGray(x, y, shade)
				}
			}
		}
	}
	return img
}

type recordedEvent struct {
	name    string
	payload interface{}
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeBroadcaster) BroadcastToNamespace(namespace string, event string, args ...interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var payload interface{}
	if len(args) > 0 {
		payload = args[0]
	}
	f.events = append(f.events, recordedEvent{name: event, payload: payload})
	return true
}

func (f *fakeBroadcaster) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.name == name {
			n++
		}
	}
	return n
}

// newTestApp flies a two-waypoint mission whose camera always sees the
// target snapshot.
func newTestApp(t *testing.T, publish func(drone.Snapshot)) (*missionApp, image.Image) {
	t.Helper()
	cfg, err := loadAppConfig("config.example.json")
	require.NoError(t, err)

	mission, err := drone.NewMission("test-mission", []models.Waypoint{
		{ID: "home", Lat: 45, Lon: 7},
		{ID: "tower", Lat: 45.0004, Lon: 7, SnapshotRef: "tower.png"},
	})
	require.NoError(t, err)

	snapshot := textured(7, 160, 160)
	extractor, err := vision.NewBriefExtractor(cfg.Extractor)
	require.NoError(t, err)

	app, err := assembleMission(context.Background(), missionParts{
		Config:    cfg,
		Mission:   mission,
		Source:    vision.MemorySnapshotSource{"tower": snapshot},
		Extractor: extractor,
		Frames: drone.FrameFunc(func(ctx context.Context, req drone.FrameRequest) (image.Image, error) {
			return snapshot, nil
		}),
		FlightLog: flightlog.NewStore(filepath.Join(t.TempDir(), "flightlog.json")),
		Runner:    drone.RunnerOptions{Publish: publish},
	})
	require.NoError(t, err)
	return app, snapshot
}

func encodeFrame(t *testing.T, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestLoadAppConfigExample(t *testing.T) {
	cfg, err := loadAppConfig("config.example.json")
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.RatioThreshold)
	assert.Equal(t, 500, cfg.Camera.Width)
	assert.NotEmpty(t, cfg.raw)
}

func TestLoadAppConfigRejectsBadCamera(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := loadAppConfig("config.example.json")
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(cfg.raw, &doc))
	doc["camera"] = map[string]interface{}{"width": 0}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, writeFile(path, data))

	_, err = loadAppConfig(path)
	assert.ErrorIs(t, err, drone.ErrInvalidConfig)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")))

	good := filepath.Join(dir, "good.env")
	require.NoError(t, writeFile(good, []byte("VWN_DOTENV_CHECK=loaded\n")))
	t.Cleanup(func() { os.Unsetenv("VWN_DOTENV_CHECK") })
	require.NoError(t, loadDotEnv(good))
	assert.Equal(t, "loaded", os.Getenv("VWN_DOTENV_CHECK"))

	unreadable := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(unreadable, 0o755))
	assert.Error(t, loadDotEnv(unreadable))
}

func TestWriteReport(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, map[string]interface{}{"mission": "m1"}))
	assert.JSONEq(t, `{"mission":"m1"}`, buf.String())
	assert.Contains(t, buf.String(), "\n  \"mission\"")

	assert.Error(t, writeReport(&buf, map[string]interface{}{"bad": make(chan int)}))
}

func TestMissionRunPublishesTelemetry(t *testing.T) {
	fake := &fakeBroadcaster{}
	controller := newSocketController(fake, nil)
	app, _ := newTestApp(t, controller.publish)
	controller.app = app

	outcome, err := app.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, drone.StatusCompleted, outcome.Status)

	assert.Greater(t, fake.count("telemetry"), 10)
	assert.Equal(t, 1, fake.count("verification"))
	assert.Equal(t, 1, fake.count("missionOutcome"))

	recent := controller.recentVerifications()
	require.Len(t, recent, 1)
	assert.Equal(t, "test-mission", recent[0].MissionID)
	assert.True(t, recent[0].Passed)

	// the flight log is the fallback store when no database is configured
	recs, err := app.verifications(context.Background(), app.mission.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tower", recs[0].WaypointID)

	outcomes, err := app.outcomes(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, drone.StatusCompleted, outcomes[0].Status)
}

func TestStatusAndAbortHandlers(t *testing.T) {
	app, _ := newTestApp(t, nil)
	srv := httptest.NewServer(newMux(app, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/mission/abort", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	outcome, err := app.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, drone.Outcome{Status: drone.StatusAborted, Reason: drone.ReasonAbortRequested}, outcome)
	assert.True(t, app.cache.Released())

	resp, err = http.Get(srv.URL + "/api/mission/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status struct {
		MissionID string         `json:"missionId"`
		Outcome   *drone.Outcome `json:"outcome"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "test-mission", status.MissionID)
	require.NotNil(t, status.Outcome)
	assert.Equal(t, drone.ReasonAbortRequested, status.Outcome.Reason)

	resp, err = http.Get(srv.URL + "/api/mission/abort")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestVerifyHandler(t *testing.T) {
	app, snapshot := newTestApp(t, nil)
	srv := httptest.NewServer(newMux(app, nil))
	defer srv.Close()

	post := func(frame models.FrameData) *http.Response {
		body, _ := json.Marshal(frame)
		resp, err := http.Post(srv.URL+"/api/verify", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	resp := post(models.FrameData{WaypointID: "tower", Image: encodeFrame(t, snapshot)})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result vision.VerificationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Passed)
	assert.Equal(t, vision.ReasonConfirmed, result.Reason)

	other := post(models.FrameData{WaypointID: "tower", Image: encodeFrame(t, textured(99, 160, 160))})
	defer other.Body.Close()
	require.Equal(t, http.StatusOK, other.StatusCode)
	var weak vision.VerificationResult
	require.NoError(t, json.NewDecoder(other.Body).Decode(&weak))
	assert.False(t, weak.Passed)

	missing := post(models.FrameData{WaypointID: "nope", Image: encodeFrame(t, snapshot)})
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	garbage := post(models.FrameData{WaypointID: "tower", Image: "bm90IGFuIGltYWdl"})
	garbage.Body.Close()
	assert.Equal(t, http.StatusBadRequest, garbage.StatusCode)
}

func TestOutcomesHandlerLimit(t *testing.T) {
	app, _ := newTestApp(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, app.flightlog.RecordOutcome(ctx, models.MissionOutcome{MissionID: id, Status: drone.StatusCompleted}))
	}
	srv := httptest.NewServer(newMux(app, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/mission/outcomes?limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	var outcomes []models.MissionOutcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcomes))
	assert.Len(t, outcomes, 2)

	bad, err := http.Get(srv.URL + "/api/mission/outcomes?limit=x")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
