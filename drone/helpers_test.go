package drone

import (
	"context"
	"image"
	"math"
	"sync"
	"testing"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/navigation"
	"visual-waypoint-nav/vision"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		RatioThreshold:          0.7,
		ConfirmThreshold:        0.25,
		ConfidenceNormalization: "target",
		RetryLimit:              2,
		SearchInitialRadius:     5,
		SearchRadiusStep:        1,
		SearchAngleStep:         math.Pi / 3,
		MaxSearchRadius:         20,
		MaxSearchAttempts:       30,
		BatteryAbortLevel:       10,
		TickHz:                  1,
		Flight: FlightConfig{
			ArrivalTolerance:   5,
			CruiseAltitude:     10,
			CruiseSpeed:        15,
			BrakingDistance:    30,
			MinApproachSpeed:   3,
			AscentSpeed:        5,
			DescentSpeed:       5,
			LandedAltitude:     0.1,
			HoverSettleSeconds: 0,
			InitialBattery:     100,
		},
		Battery:   LinearBattery{PerMeter: 0, PerSecond: 0.01},
		Matcher:   MatcherConfig{Backend: "bruteforce", Metric: "hamming"},
		Extractor: vision.BriefConfig{MaxFeatures: 500, FastThreshold: 20, Seed: 1},
	}
}

var origin = navigation.Position{Lat: 45.0, Lon: 7.0}

func testMission(t *testing.T, targets int) Mission {
	t.Helper()
	wps := []models.Waypoint{{ID: "start", Name: "Launch", Lat: origin.Lat, Lon: origin.Lon}}
	pos := origin
	for i := 1; i <= targets; i++ {
		pos = navigation.Destination(pos, 0, 100)
		wps = append(wps, models.Waypoint{ID: "wp" + string(rune('0'+i)), Lat: pos.Lat, Lon: pos.Lon, SnapshotRef: "snap.png"})
	}
	m, err := NewMission("test-mission", wps)
	require.NoError(t, err)
	return m
}

func blockDescriptor(i int) vision.Descriptor {
	d := make(vision.Descriptor, 32)
	for b := 6 * i; b < 6*i+6; b++ {
		d[b] = 0xFF
	}
	return d
}

func setOf(descs ...vision.Descriptor) vision.FeatureSet {
	features := make([]vision.Feature, len(descs))
	for i, d := range descs {
		features[i] = vision.Feature{Descriptor: d}
	}
	return vision.FeatureSet{Features: features}
}

func matchingSet() vision.FeatureSet {
	return setOf(blockDescriptor(0), blockDescriptor(1), blockDescriptor(2), blockDescriptor(3), blockDescriptor(4))
}

// weakSet passes the ratio test for one of the five targets only.
func weakSet() vision.FeatureSet {
	descs := []vision.Descriptor{blockDescriptor(0)}
	for i := 1; i < 5; i++ {
		a, b := blockDescriptor(i), blockDescriptor(i)
		a[6*i] ^= 0x03
		b[6*i] ^= 0x0C
		descs = append(descs, a, b)
	}
	return setOf(descs...)
}

type fakeCache struct {
	mu       sync.Mutex
	sets     map[string]vision.FeatureSet
	fallback vision.FeatureSet
	released bool
}

func (c *fakeCache) Get(ctx context.Context, wp models.Waypoint) (vision.FeatureSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return vision.FeatureSet{}, vision.ErrCacheReleased
	}
	if set, ok := c.sets[wp.ID]; ok {
		return set, nil
	}
	return c.fallback, nil
}

func (c *fakeCache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

func (c *fakeCache) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// scriptedExtractor returns live sets from next; calls counts extractions.
type scriptedExtractor struct {
	mu    sync.Mutex
	calls int
	next  func(call int) vision.FeatureSet
	err   error
}

func (e *scriptedExtractor) Extract(ctx context.Context, img image.Image) (vision.FeatureSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return vision.FeatureSet{}, e.err
	}
	return e.next(e.calls), nil
}

func always(set vision.FeatureSet) func(int) vision.FeatureSet {
	return func(int) vision.FeatureSet { return set }
}

type memoryRecorder struct {
	mu            sync.Mutex
	verifications []models.VerificationRecord
	outcomes      []models.MissionOutcome
}

func (r *memoryRecorder) RecordVerification(ctx context.Context, rec models.VerificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifications = append(r.verifications, rec)
	return nil
}

func (r *memoryRecorder) RecordOutcome(ctx context.Context, o models.MissionOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

var blankFrame = FrameFunc(func(ctx context.Context, req FrameRequest) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
})

type fixture struct {
	machine   *Machine
	cache     *fakeCache
	extractor *scriptedExtractor
	recorder  *memoryRecorder
}

func newFixture(t *testing.T, cfg Config, mission Mission, target vision.FeatureSet, live func(int) vision.FeatureSet) fixture {
	t.Helper()
	f := fixture{
		cache:     &fakeCache{fallback: target},
		extractor: &scriptedExtractor{next: live},
		recorder:  &memoryRecorder{},
	}
	m, err := NewMachine(cfg, mission, Deps{
		Cache:     f.cache,
		Extractor: f.extractor,
		Frames:    blankFrame,
		Recorder:  f.recorder,
	})
	require.NoError(t, err)
	f.machine = m
	return f
}

type step struct {
	state DroneState
	cmd   Command
}

// runUntilTerminal ticks from the initial state and returns every tick output.
func runUntilTerminal(t *testing.T, m *Machine, limit int) []step {
	t.Helper()
	st := m.InitialState()
	var steps []step
	for i := 0; i < limit && !st.Terminal(); i++ {
		next, cmd, err := m.Tick(context.Background(), st, TickInput{Dt: m.Config().TickSeconds()})
		require.NoError(t, err)
		steps = append(steps, step{next, cmd})
		st = next
	}
	require.True(t, st.Terminal(), "mission did not terminate within %d ticks", limit)
	return steps
}
