package drone

import (
	"encoding/json"
	"fmt"
	"strings"

	"visual-waypoint-nav/navigation"
	"visual-waypoint-nav/vision"
)

// BehaviorState names the active behavior of the drone.
type BehaviorState int

const (
	StateIdle BehaviorState = iota + 1
	StateTakingOff
	StateNavigating
	StateHovering
	StateVerifying
	StateSearching
	StateLanding
	StateMissionComplete
	StateAborted
)

func (s BehaviorState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTakingOff:
		return "TAKING_OFF"
	case StateNavigating:
		return "NAVIGATING"
	case StateHovering:
		return "HOVERING"
	case StateVerifying:
		return "VERIFYING"
	case StateSearching:
		return "SEARCHING"
	case StateLanding:
		return "LANDING"
	case StateMissionComplete:
		return "MISSION_COMPLETE"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("BehaviorState(%d)", int(s))
	}
}

// ParseBehaviorState converts a state name into a BehaviorState.
func ParseBehaviorState(value string) (BehaviorState, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "IDLE":
		return StateIdle, nil
	case "TAKING_OFF":
		return StateTakingOff, nil
	case "NAVIGATING":
		return StateNavigating, nil
	case "HOVERING":
		return StateHovering, nil
	case "VERIFYING":
		return StateVerifying, nil
	case "SEARCHING":
		return StateSearching, nil
	case "LANDING":
		return StateLanding, nil
	case "MISSION_COMPLETE":
		return StateMissionComplete, nil
	case "ABORTED":
		return StateAborted, nil
	default:
		return 0, fmt.Errorf("unknown behavior state %q", value)
	}
}

func (s BehaviorState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON allows states to be loaded from JSON strings.
func (s *BehaviorState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseBehaviorState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transition can leave s.
func (s BehaviorState) Terminal() bool {
	return s == StateMissionComplete || s == StateAborted
}

// Behavior is the active behavior together with the data only it needs.
// The concrete types below are the only implementations.
type Behavior interface {
	State() BehaviorState
	behavior()
}

type Idle struct{}

type TakingOff struct{}

type Navigating struct{}

// Hovering holds position over a waypoint. Failures counts failed
// verifications at this waypoint; Settle is the hold time left before the
// next verification.
type Hovering struct {
	Failures int
	Settle   float64
}

type Verifying struct {
	Failures int
}

type Searching struct {
	Search SearchState
}

type Landing struct{}

type MissionComplete struct{}

type Aborted struct {
	Reason string
}

func (Idle) State() BehaviorState            { return StateIdle }
func (TakingOff) State() BehaviorState       { return StateTakingOff }
func (Navigating) State() BehaviorState      { return StateNavigating }
func (Hovering) State() BehaviorState        { return StateHovering }
func (Verifying) State() BehaviorState       { return StateVerifying }
func (Searching) State() BehaviorState       { return StateSearching }
func (Landing) State() BehaviorState         { return StateLanding }
func (MissionComplete) State() BehaviorState { return StateMissionComplete }
func (Aborted) State() BehaviorState         { return StateAborted }

func (Idle) behavior()            {}
func (TakingOff) behavior()       {}
func (Navigating) behavior()      {}
func (Hovering) behavior()        {}
func (Verifying) behavior()       {}
func (Searching) behavior()       {}
func (Landing) behavior()         {}
func (MissionComplete) behavior() {}
func (Aborted) behavior()         {}

// SearchState is the spiral progress around the presumed waypoint location.
// Angle is in radians, measured counterclockwise from east.
type SearchState struct {
	Origin   navigation.Position `json:"origin"`
	Radius   float64             `json:"radius"`
	Angle    float64             `json:"angle"`
	Attempts int                 `json:"attempts"`
}

// DroneState is the complete simulated drone. It is a plain value: the
// machine returns a new one each tick and readers hold copies.
type DroneState struct {
	Tick          uint64
	Time          float64
	Position      navigation.Position
	Altitude      float64
	Heading       float64
	Battery       float64
	WaypointIndex int
	Behavior      Behavior
}

func (s DroneState) State() BehaviorState {
	if s.Behavior == nil {
		return StateIdle
	}
	return s.Behavior.State()
}

func (s DroneState) Terminal() bool {
	return s.State().Terminal()
}

type stateView struct {
	Tick          uint64        `json:"tick"`
	Time          float64       `json:"time"`
	Lat           float64       `json:"lat"`
	Lon           float64       `json:"lon"`
	Altitude      float64       `json:"altitude"`
	Heading       float64       `json:"heading"`
	Battery       float64       `json:"battery"`
	WaypointIndex int           `json:"waypointIndex"`
	Behavior      BehaviorState `json:"behavior"`
	Failures      *int          `json:"failures,omitempty"`
	Search        *SearchState  `json:"search,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

func (s DroneState) MarshalJSON() ([]byte, error) {
	view := stateView{
		Tick:          s.Tick,
		Time:          s.Time,
		Lat:           s.Position.Lat,
		Lon:           s.Position.Lon,
		Altitude:      s.Altitude,
		Heading:       s.Heading,
		Battery:       s.Battery,
		WaypointIndex: s.WaypointIndex,
		Behavior:      s.State(),
	}
	switch b := s.Behavior.(type) {
	case Hovering:
		view.Failures = &b.Failures
	case Verifying:
		view.Failures = &b.Failures
	case Searching:
		search := b.Search
		view.Search = &search
	case Aborted:
		view.Reason = b.Reason
	}
	return json.Marshal(view)
}

// Command is what the machine asks of the airframe for the tick just taken.
type Command struct {
	Tick         uint64                     `json:"tick"`
	Behavior     BehaviorState              `json:"behavior"`
	Target       navigation.Position        `json:"target"`
	Bearing      float64                    `json:"bearing"`
	Distance     float64                    `json:"distance"`
	Speed        float64                    `json:"speed"`
	Climb        float64                    `json:"climb"`
	Verification *vision.VerificationResult `json:"verification,omitempty"`
}

const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"

	ReasonBatteryDepleted = "battery_depleted"
	ReasonTargetNotFound  = "target_not_found"
	ReasonAbortRequested  = "abort_requested"
)

// Outcome is the terminal result of a mission.
type Outcome struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// OutcomeOf reports the outcome of a terminal state.
func OutcomeOf(s DroneState) (Outcome, bool) {
	switch b := s.Behavior.(type) {
	case MissionComplete:
		return Outcome{Status: StatusCompleted}, true
	case Aborted:
		return Outcome{Status: StatusAborted, Reason: b.Reason}, true
	default:
		return Outcome{}, false
	}
}
