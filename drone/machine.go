package drone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/navigation"
	"visual-waypoint-nav/utils"
	"visual-waypoint-nav/vision"

	"github.com/mdobak/go-xerrors"
)

// Deps are the collaborators a Machine drives. Verifier, Battery and Recorder
// are optional and derive from the config when nil.
type Deps struct {
	Cache     FeatureCache
	Extractor vision.FeatureExtractor
	Verifier  *vision.Verifier
	Frames    FrameSource
	Battery   BatteryModel
	Recorder  Recorder
	Clock     func() time.Time
}

// Machine is the behavioral control core. It holds no drone state of its
// own: every Tick takes the current DroneState and returns the next one.
type Machine struct {
	cfg       Config
	mission   Mission
	cache     FeatureCache
	extractor vision.FeatureExtractor
	verifier  *vision.Verifier
	frames    FrameSource
	battery   BatteryModel
	recorder  Recorder
	clock     func() time.Time
	logger    *slog.Logger
}

// TickInput is the external input to one tick.
type TickInput struct {
	Dt    float64
	Abort bool
}

func NewMachine(cfg Config, mission Mission, deps Deps) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mission.Len() < 2 {
		return nil, fmt.Errorf("%w: need a start and at least one target", ErrInvalidMission)
	}
	if deps.Cache == nil || deps.Extractor == nil || deps.Frames == nil {
		return nil, errors.New("machine requires a feature cache, an extractor and a frame source")
	}

	m := &Machine{
		cfg:       cfg,
		mission:   mission,
		cache:     deps.Cache,
		extractor: deps.Extractor,
		verifier:  deps.Verifier,
		frames:    deps.Frames,
		battery:   deps.Battery,
		recorder:  deps.Recorder,
		clock:     deps.Clock,
		logger:    utils.GetLogger().With(slog.String("mission", mission.ID)),
	}
	if m.verifier == nil {
		v, err := cfg.NewVerifier()
		if err != nil {
			return nil, err
		}
		m.verifier = v
	}
	if m.battery == nil {
		m.battery = cfg.Battery
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	return m, nil
}

func (m *Machine) Config() Config   { return m.cfg }
func (m *Machine) Mission() Mission { return m.mission }

// InitialState places the drone on the ground at the launch waypoint.
func (m *Machine) InitialState() DroneState {
	return DroneState{
		Position: m.mission.Position(0),
		Battery:  m.cfg.Flight.InitialBattery,
		Behavior: Idle{},
	}
}

// Tick advances st by one step of in.Dt seconds. Terminal states are returned
// unchanged. A battery at or below the abort level ends the mission this
// tick ahead of any other transition, an abort request included. Errors are
// fatal and leave st untouched.
func (m *Machine) Tick(ctx context.Context, st DroneState, in TickInput) (DroneState, Command, error) {
	if st.Behavior == nil {
		st.Behavior = Idle{}
	}
	if st.Terminal() {
		return st, Command{Tick: st.Tick, Behavior: st.State(), Target: st.Position}, nil
	}
	if !finite(in.Dt) || in.Dt <= 0 {
		return st, Command{}, fmt.Errorf("tick duration must be positive, got %v", in.Dt)
	}
	if err := st.Position.Validate(); err != nil {
		return st, Command{}, fmt.Errorf("drone position: %w", err)
	}

	next := st
	next.Tick++
	next.Time += in.Dt

	cmd := Command{Tick: next.Tick, Behavior: st.State(), Target: next.Position}
	// An aborting drone holds position but still drains for the elapsed time.
	var traveled float64
	if !in.Abort {
		var err error
		traveled, err = m.move(&next, &cmd, in.Dt)
		if err != nil {
			return st, cmd, err
		}
	}

	next.Battery = math.Max(0, next.Battery-m.battery.Drain(traveled, in.Dt))
	if next.Battery <= m.cfg.BatteryAbortLevel {
		return m.abort(ctx, st, next, ReasonBatteryDepleted)
	}
	if in.Abort {
		return m.abort(ctx, st, next, ReasonAbortRequested)
	}

	if err := m.decide(ctx, st.State(), &next, &cmd, in.Dt); err != nil {
		return st, cmd, err
	}
	cmd.Behavior = next.State()

	if next.State() == StateAborted {
		m.cache.Release()
	}
	if next.State() != st.State() {
		m.logTransition(ctx, st, next)
	}
	return next, cmd, nil
}

func (m *Machine) abort(ctx context.Context, prev, next DroneState, reason string) (DroneState, Command, error) {
	next.Behavior = Aborted{Reason: reason}
	m.cache.Release()
	m.logTransition(ctx, prev, next)
	return next, Command{Tick: next.Tick, Behavior: StateAborted, Target: next.Position}, nil
}

func (m *Machine) logTransition(ctx context.Context, prev, next DroneState) {
	attrs := []any{
		slog.Uint64("tick", next.Tick),
		slog.String("from", prev.State().String()),
		slog.String("to", next.State().String()),
		slog.Int("waypoint", next.WaypointIndex),
		slog.Float64("battery", next.Battery),
	}
	if a, ok := next.Behavior.(Aborted); ok {
		m.logger.WarnContext(ctx, "mission aborted", append(attrs, slog.String("reason", a.Reason))...)
		return
	}
	m.logger.InfoContext(ctx, "behavior transition", attrs...)
}

// move applies this tick's motion to next and returns the meters flown.
func (m *Machine) move(next *DroneState, cmd *Command, dt float64) (float64, error) {
	f := m.cfg.Flight
	switch b := next.Behavior.(type) {
	case TakingOff:
		climb := math.Min(f.AscentSpeed*dt, math.Max(0, f.CruiseAltitude-next.Altitude))
		next.Altitude += climb
		cmd.Climb = f.AscentSpeed
		return climb, nil

	case Navigating:
		target := m.mission.Position(next.WaypointIndex)
		g, err := navigation.Guide(next.Position, target)
		if err != nil {
			return 0, err
		}
		speed := m.approachSpeed(g.Distance)
		pos, _, err := navigation.Step(next.Position, target, speed*dt)
		if err != nil {
			return 0, err
		}
		next.Position = pos
		if g.Distance > 0 {
			next.Heading = g.Bearing
		}
		cmd.Target, cmd.Bearing, cmd.Distance, cmd.Speed = target, g.Bearing, g.Distance, speed
		return math.Min(speed*dt, g.Distance), nil

	case Searching:
		s := m.advanceSearch(b.Search)
		next.Behavior = Searching{Search: s}
		if m.searchExhausted(s) {
			return 0, nil
		}
		point := spiralPoint(s)
		g, err := navigation.Guide(next.Position, point)
		if err != nil {
			return 0, err
		}
		next.Position = point
		if g.Distance > 0 {
			next.Heading = g.Bearing
		}
		cmd.Target, cmd.Bearing, cmd.Distance, cmd.Speed = point, g.Bearing, g.Distance, g.Distance/dt
		return g.Distance, nil

	case Landing:
		descent := math.Min(f.DescentSpeed*dt, next.Altitude)
		next.Altitude -= descent
		cmd.Climb = -f.DescentSpeed
		return descent, nil

	default:
		if pos, ok := m.target(next.WaypointIndex); ok {
			cmd.Target = pos
		}
		return 0, nil
	}
}

func (m *Machine) approachSpeed(distance float64) float64 {
	f := m.cfg.Flight
	if f.BrakingDistance <= 0 || distance >= f.BrakingDistance {
		return f.CruiseSpeed
	}
	return math.Max(f.MinApproachSpeed, f.CruiseSpeed*distance/f.BrakingDistance)
}

func (m *Machine) target(index int) (navigation.Position, bool) {
	if index < 0 || index >= m.mission.Len() {
		return navigation.Position{}, false
	}
	return m.mission.Position(index), true
}

// decide evaluates the behavior transition once motion and battery are settled.
func (m *Machine) decide(ctx context.Context, from BehaviorState, next *DroneState, cmd *Command, dt float64) error {
	f := m.cfg.Flight
	switch b := next.Behavior.(type) {
	case Idle:
		next.Behavior = TakingOff{}

	case TakingOff:
		if next.Altitude >= f.CruiseAltitude {
			next.Behavior = Navigating{}
		}

	case Navigating:
		g, err := navigation.Guide(next.Position, m.mission.Position(next.WaypointIndex))
		if err != nil {
			return err
		}
		if g.Distance > f.ArrivalTolerance {
			return nil
		}
		if next.WaypointIndex == 0 {
			next.WaypointIndex++
			return nil
		}
		next.Behavior = Hovering{Settle: f.HoverSettleSeconds}

	case Hovering:
		settle := b.Settle - dt
		if settle <= 0 {
			next.Behavior = Verifying{Failures: b.Failures}
		} else {
			next.Behavior = Hovering{Failures: b.Failures, Settle: settle}
		}

	case Verifying:
		res, err := m.verify(ctx, from, *next, cmd)
		if err != nil {
			return err
		}
		if res.Passed {
			m.advance(next)
			return nil
		}
		failures := b.Failures + 1
		if failures < m.cfg.RetryLimit {
			next.Behavior = Hovering{Failures: failures}
			return nil
		}
		next.Behavior = Searching{Search: SearchState{
			Origin: next.Position,
			Radius: m.cfg.SearchInitialRadius,
		}}

	case Searching:
		if m.searchExhausted(b.Search) {
			next.Behavior = Aborted{Reason: ReasonTargetNotFound}
			return nil
		}
		res, err := m.verify(ctx, from, *next, cmd)
		if err != nil {
			return err
		}
		if res.Passed {
			m.advance(next)
		}

	case Landing:
		if next.Altitude <= f.LandedAltitude {
			next.Altitude = 0
			next.Behavior = MissionComplete{}
		}
	}
	return nil
}

// advance moves to the next waypoint after a confirmed verification.
func (m *Machine) advance(next *DroneState) {
	next.WaypointIndex++
	if next.WaypointIndex < m.mission.Len() {
		next.Behavior = Navigating{}
		return
	}
	next.Behavior = Landing{}
}

func (m *Machine) advanceSearch(s SearchState) SearchState {
	s.Radius += m.cfg.SearchRadiusStep
	s.Angle = math.Mod(s.Angle+m.cfg.SearchAngleStep, 2*math.Pi)
	s.Attempts++
	return s
}

func (m *Machine) searchExhausted(s SearchState) bool {
	return s.Radius > m.cfg.MaxSearchRadius || s.Attempts > m.cfg.MaxSearchAttempts
}

// spiralPoint is origin displaced by radius along angle (counterclockwise from east).
func spiralPoint(s SearchState) navigation.Position {
	return navigation.Offset(s.Origin, s.Radius*math.Cos(s.Angle), s.Radius*math.Sin(s.Angle))
}

// verify runs one verification of the active waypoint at the current pose.
func (m *Machine) verify(ctx context.Context, from BehaviorState, st DroneState, cmd *Command) (vision.VerificationResult, error) {
	wp := m.mission.Waypoints[st.WaypointIndex]
	target, err := m.cache.Get(ctx, wp)
	if err != nil {
		return vision.VerificationResult{}, fmt.Errorf("snapshot features for %s: %w", wp.ID, err)
	}

	var live vision.FeatureSet
	if !target.Empty() {
		frame, err := m.frames.Frame(ctx, FrameRequest{Position: st.Position, Altitude: st.Altitude, Heading: st.Heading})
		if err != nil {
			return vision.VerificationResult{}, fmt.Errorf("live frame: %w", err)
		}
		live, err = vision.ExtractLive(ctx, m.extractor, frame)
		if err != nil {
			return vision.VerificationResult{}, fmt.Errorf("live features: %w", err)
		}
	}

	res, err := m.verifier.Verify(wp.ID, live, target, m.cfg.Thresholds())
	if err != nil {
		return vision.VerificationResult{}, err
	}
	cmd.Verification = &res

	m.logger.InfoContext(ctx, "verification",
		slog.Uint64("tick", st.Tick),
		slog.String("waypoint", wp.ID),
		slog.Int("matched", res.MatchedCount),
		slog.Int("target", res.TargetCount),
		slog.Int("live", res.LiveCount),
		slog.Float64("confidence", res.Confidence),
		slog.Bool("passed", res.Passed),
	)

	rec := models.VerificationRecord{
		MissionID:     m.mission.ID,
		Tick:          st.Tick,
		Timestamp:     m.clock(),
		WaypointID:    wp.ID,
		WaypointIndex: st.WaypointIndex,
		Behavior:      from.String(),
		Lat:           st.Position.Lat,
		Lon:           st.Position.Lon,
		MatchedCount:  res.MatchedCount,
		TargetCount:   res.TargetCount,
		LiveCount:     res.LiveCount,
		Confidence:    res.Confidence,
		Passed:        res.Passed,
		Reason:        res.Reason,
	}
	if err := m.recorder.RecordVerification(ctx, rec); err != nil {
		m.logger.WarnContext(ctx, "failed to record verification", slog.Any("error", xerrors.New(err)))
	}
	return res, nil
}
