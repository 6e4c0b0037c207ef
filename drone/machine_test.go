package drone

import (
	"context"
	"errors"
	"math"
	"testing"

	"visual-waypoint-nav/navigation"
	"visual-waypoint-nav/vision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissionCompletesWhenEveryWaypointConfirms(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 2)
	f := newFixture(t, testConfig(), mission, matchingSet(), always(matchingSet()))

	steps := runUntilTerminal(t, f.machine, 500)
	last := steps[len(steps)-1].state

	outcome, ok := OutcomeOf(last)
	require.True(t, ok)
	assert.Equal(t, Outcome{Status: StatusCompleted}, outcome)
	assert.Equal(t, mission.Len(), last.WaypointIndex)
	assert.Zero(t, last.Altitude)
	assert.False(t, f.cache.isReleased())

	seen := map[BehaviorState]bool{}
	for _, s := range steps {
		seen[s.state.State()] = true
	}
	for _, want := range []BehaviorState{StateTakingOff, StateNavigating, StateHovering, StateVerifying, StateLanding, StateMissionComplete} {
		assert.True(t, seen[want], "never entered %s", want)
	}
	assert.False(t, seen[StateSearching])
	assert.Len(t, f.recorder.verifications, 2)
}

func TestStartWaypointIsNeverVerified(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), testMission(t, 2), matchingSet(), always(matchingSet()))
	runUntilTerminal(t, f.machine, 500)
	for _, rec := range f.recorder.verifications {
		assert.NotZero(t, rec.WaypointIndex)
		assert.NotEqual(t, "start", rec.WaypointID)
	}
}

func TestWaypointIndexAdvancesOnlyAfterPass(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 3)
	// alternate weak and matching frames so some verifications fail
	live := func(call int) vision.FeatureSet {
		if call%3 == 0 {
			return matchingSet()
		}
		return weakSet()
	}
	f := newFixture(t, testConfig(), mission, matchingSet(), live)
	steps := runUntilTerminal(t, f.machine, 2000)

	prev := f.machine.InitialState()
	for _, s := range steps {
		if s.state.WaypointIndex > prev.WaypointIndex && prev.WaypointIndex > 0 {
			require.NotNil(t, s.cmd.Verification, "tick %d advanced without verification", s.state.Tick)
			assert.True(t, s.cmd.Verification.Passed)
			assert.Equal(t, mission.Waypoints[prev.WaypointIndex].ID, s.cmd.Verification.WaypointID)
			assert.Equal(t, prev.WaypointIndex+1, s.state.WaypointIndex)
		}
		assert.GreaterOrEqual(t, s.state.WaypointIndex, prev.WaypointIndex)
		prev = s.state
	}
}

func TestWeakMatchRetriesThenSearches(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	f := newFixture(t, cfg, testMission(t, 1), matchingSet(), always(weakSet()))
	steps := runUntilTerminal(t, f.machine, 500)

	failuresBeforeSearch := 0
	for _, s := range steps {
		if v := s.cmd.Verification; v != nil {
			assert.InDelta(t, 0.2, v.Confidence, 1e-12)
			assert.False(t, v.Passed)
			failuresBeforeSearch++
		}
		if s.state.State() == StateSearching {
			break
		}
	}
	assert.Equal(t, cfg.RetryLimit, failuresBeforeSearch)

	outcome, _ := OutcomeOf(steps[len(steps)-1].state)
	assert.Equal(t, Outcome{Status: StatusAborted, Reason: ReasonTargetNotFound}, outcome)
}

func TestEmptySnapshotSearchesUntilRadiusBound(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	f := newFixture(t, cfg, testMission(t, 1), vision.FeatureSet{}, always(matchingSet()))
	steps := runUntilTerminal(t, f.machine, 500)

	var radii []float64
	for _, s := range steps {
		if b, ok := s.state.Behavior.(Searching); ok {
			radii = append(radii, b.Search.Radius)
			assert.LessOrEqual(t, b.Search.Radius, cfg.MaxSearchRadius)
			assert.GreaterOrEqual(t, b.Search.Angle, 0.0)
			assert.Less(t, b.Search.Angle, 2*math.Pi)
		}
		if v := s.cmd.Verification; v != nil {
			assert.False(t, v.Passed)
			assert.Equal(t, vision.ReasonInsufficientFeatures, v.Reason)
		}
	}
	require.NotEmpty(t, radii)
	for i := 1; i < len(radii); i++ {
		assert.Greater(t, radii[i], radii[i-1])
	}

	last := steps[len(steps)-1].state
	outcome, _ := OutcomeOf(last)
	assert.Equal(t, Outcome{Status: StatusAborted, Reason: ReasonTargetNotFound}, outcome)
	assert.True(t, f.cache.isReleased())
	assert.Zero(t, f.extractor.calls, "empty snapshot must not trigger live extraction")
}

func TestSearchAttemptBoundAborts(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxSearchAttempts = 3
	f := newFixture(t, cfg, testMission(t, 1), matchingSet(), always(weakSet()))
	steps := runUntilTerminal(t, f.machine, 500)

	maxAttempts := 0
	for _, s := range steps {
		if b, ok := s.state.Behavior.(Searching); ok {
			maxAttempts = max(maxAttempts, b.Search.Attempts)
		}
	}
	assert.Equal(t, 3, maxAttempts)
	outcome, _ := OutcomeOf(steps[len(steps)-1].state)
	assert.Equal(t, ReasonTargetNotFound, outcome.Reason)
}

func TestSearchSuccessResumesNavigation(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	mission := testMission(t, 2)
	// two hover failures, two search failures, then confirmed
	live := func(call int) vision.FeatureSet {
		if call <= 4 {
			return weakSet()
		}
		return matchingSet()
	}
	f := newFixture(t, cfg, mission, matchingSet(), live)
	steps := runUntilTerminal(t, f.machine, 1000)

	resumed := false
	for i := 1; i < len(steps); i++ {
		if steps[i-1].state.State() == StateSearching && steps[i].state.State() == StateNavigating {
			resumed = true
			assert.Equal(t, 2, steps[i].state.WaypointIndex)
			require.NotNil(t, steps[i].cmd.Verification)
			assert.True(t, steps[i].cmd.Verification.Passed)
		}
	}
	assert.True(t, resumed)
	outcome, _ := OutcomeOf(steps[len(steps)-1].state)
	assert.Equal(t, StatusCompleted, outcome.Status)
}

func TestSearchStepFollowsSpiral(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	mission := testMission(t, 1)
	f := newFixture(t, cfg, mission, matchingSet(), always(weakSet()))
	center := mission.Position(1)

	st := DroneState{
		Position:      center,
		Altitude:      10,
		Battery:       80,
		WaypointIndex: 1,
		Behavior:      Searching{Search: SearchState{Origin: center, Radius: cfg.SearchInitialRadius}},
	}
	next, cmd, err := f.machine.Tick(context.Background(), st, TickInput{Dt: 1})
	require.NoError(t, err)

	b, ok := next.Behavior.(Searching)
	require.True(t, ok)
	assert.Equal(t, 6.0, b.Search.Radius)
	assert.InDelta(t, math.Pi/3, b.Search.Angle, 1e-12)
	assert.Equal(t, 1, b.Search.Attempts)
	assert.Equal(t, center, b.Search.Origin)

	g, err := navigation.Guide(center, next.Position)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, g.Distance, 0.01)
	// 60 degrees counterclockwise from east is 30 degrees east of north
	assert.InDelta(t, 30.0, g.Bearing, 0.1)
	require.NotNil(t, cmd.Verification)
}

func TestBatteryDepletionOverridesPassingVerification(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 1)
	f := newFixture(t, testConfig(), mission, matchingSet(), always(matchingSet()))
	center := mission.Position(1)
	searching := DroneState{
		Position:      center,
		Altitude:      10,
		WaypointIndex: 1,
		Behavior:      Searching{Search: SearchState{Origin: center, Radius: 5}},
	}

	healthy := searching
	healthy.Battery = 50
	next, _, err := f.machine.Tick(context.Background(), healthy, TickInput{Dt: 1})
	require.NoError(t, err)
	assert.Equal(t, StateLanding, next.State(), "verification passes with charge left")

	low := searching
	low.Battery = 10.005
	callsBefore := f.extractor.calls
	next, cmd, err := f.machine.Tick(context.Background(), low, TickInput{Dt: 1})
	require.NoError(t, err)
	assert.Equal(t, Aborted{Reason: ReasonBatteryDepleted}, next.Behavior)
	assert.Equal(t, StateAborted, cmd.Behavior)
	assert.Nil(t, cmd.Verification)
	assert.Equal(t, callsBefore, f.extractor.calls)
	assert.Equal(t, 1, next.WaypointIndex)
	assert.True(t, f.cache.isReleased())
}

func TestBatteryCheckAppliesInEveryState(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 1)
	for _, b := range []Behavior{Idle{}, TakingOff{}, Navigating{}, Hovering{}, Verifying{}, Landing{}} {
		f := newFixture(t, testConfig(), mission, matchingSet(), always(matchingSet()))
		st := DroneState{Position: mission.Position(1), Altitude: 5, WaypointIndex: 1, Battery: 10, Behavior: b}
		next, _, err := f.machine.Tick(context.Background(), st, TickInput{Dt: 1})
		require.NoError(t, err)
		assert.Equal(t, Aborted{Reason: ReasonBatteryDepleted}, next.Behavior, "from %s", b.State())
	}
}

func TestAbortRequestResolvesSameTick(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 1)
	f := newFixture(t, testConfig(), mission, matchingSet(), always(matchingSet()))
	st := DroneState{Position: mission.Position(0), Altitude: 10, Battery: 90, WaypointIndex: 1, Behavior: Navigating{}}

	next, cmd, err := f.machine.Tick(context.Background(), st, TickInput{Dt: 1, Abort: true})
	require.NoError(t, err)
	assert.Equal(t, Aborted{Reason: ReasonAbortRequested}, next.Behavior)
	assert.Equal(t, StateAborted, cmd.Behavior)
	assert.Equal(t, st.Position, next.Position)
	assert.InDelta(t, st.Battery-0.01, next.Battery, 1e-9)
	assert.True(t, f.cache.isReleased())
}

func TestBatteryDepletionOutranksAbortRequest(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 1)
	f := newFixture(t, testConfig(), mission, matchingSet(), always(matchingSet()))
	search := SearchState{Origin: mission.Position(1), Radius: 7, Attempts: 2}
	st := DroneState{Position: mission.Position(1), Altitude: 10, Battery: 10.005, WaypointIndex: 1, Behavior: Searching{Search: search}}

	next, cmd, err := f.machine.Tick(context.Background(), st, TickInput{Dt: 1, Abort: true})
	require.NoError(t, err)
	assert.Equal(t, Aborted{Reason: ReasonBatteryDepleted}, next.Behavior)
	assert.Equal(t, StateAborted, cmd.Behavior)
	assert.InDelta(t, 9.995, next.Battery, 1e-9)
	assert.Equal(t, st.Position, next.Position)
	assert.True(t, f.cache.isReleased())
}

func TestTerminalStatesAreStable(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 1)
	f := newFixture(t, testConfig(), mission, matchingSet(), always(matchingSet()))
	for _, b := range []Behavior{MissionComplete{}, Aborted{Reason: ReasonTargetNotFound}} {
		st := DroneState{Tick: 7, Position: origin, Battery: 3, Behavior: b}
		next, _, err := f.machine.Tick(context.Background(), st, TickInput{Dt: 1, Abort: true})
		require.NoError(t, err)
		assert.Equal(t, st, next)
	}
}

func TestFatalErrorsLeaveStateUntouched(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 1)
	f := newFixture(t, testConfig(), mission, matchingSet(), always(matchingSet()))
	boom := errors.New("descriptor backend crashed")
	f.extractor.err = boom

	st := DroneState{Position: mission.Position(1), Altitude: 10, Battery: 90, WaypointIndex: 1, Behavior: Verifying{}}
	next, _, err := f.machine.Tick(context.Background(), st, TickInput{Dt: 1})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, st, next)

	bad := st
	bad.Position.Lat = math.NaN()
	bad.Behavior = Navigating{}
	_, _, err = f.machine.Tick(context.Background(), bad, TickInput{Dt: 1})
	assert.True(t, errors.Is(err, navigation.ErrNonFiniteCoordinate))

	_, _, err = f.machine.Tick(context.Background(), st, TickInput{Dt: 0})
	assert.Error(t, err)
}

func TestNoFeaturesInLiveFrameIsRecoverable(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 1)
	f := newFixture(t, testConfig(), mission, matchingSet(), always(matchingSet()))
	f.extractor.err = vision.ErrNoFeatures

	st := DroneState{Position: mission.Position(1), Altitude: 10, Battery: 90, WaypointIndex: 1, Behavior: Verifying{}}
	next, cmd, err := f.machine.Tick(context.Background(), st, TickInput{Dt: 1})
	require.NoError(t, err)
	assert.Equal(t, Hovering{Failures: 1}, next.Behavior)
	require.NotNil(t, cmd.Verification)
	assert.Equal(t, vision.ReasonInsufficientFeatures, cmd.Verification.Reason)
}

func TestNavigationBrakesNearWaypoint(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	m := testMission(t, 1)
	f := newFixture(t, cfg, m, matchingSet(), always(matchingSet()))
	assert.Equal(t, cfg.Flight.CruiseSpeed, f.machine.approachSpeed(100))
	assert.InDelta(t, 7.5, f.machine.approachSpeed(15), 1e-9)
	assert.Equal(t, cfg.Flight.MinApproachSpeed, f.machine.approachSpeed(1))
}

func TestNewMachineValidatesInputs(t *testing.T) {
	t.Parallel()
	mission := testMission(t, 1)
	bad := testConfig()
	bad.RetryLimit = 0
	_, err := NewMachine(bad, mission, Deps{Cache: &fakeCache{}, Extractor: &scriptedExtractor{}, Frames: blankFrame})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewMachine(testConfig(), mission, Deps{})
	assert.Error(t, err)

	_, err = NewMachine(testConfig(), Mission{}, Deps{Cache: &fakeCache{}, Extractor: &scriptedExtractor{}, Frames: blankFrame})
	assert.True(t, errors.Is(err, ErrInvalidMission))
}
