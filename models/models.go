package models

import (
	"time"
)

// Waypoint is one stop of a mission. OrderIndex 0 is the launch point.
type Waypoint struct {
	ID          string  `json:"id" bson:"id"`
	OrderIndex  int     `json:"order_index" bson:"order_index"`
	Name        string  `json:"name" bson:"name"`
	Lat         float64 `json:"lat" bson:"lat"`
	Lon         float64 `json:"lon" bson:"lon"`
	SnapshotRef string  `json:"snapshot" bson:"snapshot"`
}

// FrameData is an uploaded camera frame. Image is base64 encoded PNG or JPEG.
type FrameData struct {
	WaypointID string  `json:"waypointId"`
	Image      string  `json:"image"`
	Lat        float64 `json:"lat,omitempty"`
	Lon        float64 `json:"lon,omitempty"`
	Altitude   float64 `json:"altitude,omitempty"`
}

// VerificationRecord is one entry of the verification log stream.
type VerificationRecord struct {
	ID            int64     `json:"id" bson:"id"`
	MissionID     string    `json:"missionId" bson:"mission_id"`
	Tick          uint64    `json:"tick" bson:"tick"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	WaypointID    string    `json:"waypointId" bson:"waypoint_id"`
	WaypointIndex int       `json:"waypointIndex" bson:"waypoint_index"`
	Behavior      string    `json:"behavior" bson:"behavior"`
	Lat           float64   `json:"lat" bson:"lat"`
	Lon           float64   `json:"lon" bson:"lon"`
	MatchedCount  int       `json:"matchedCount" bson:"matched_count"`
	TargetCount   int       `json:"targetCount" bson:"target_count"`
	LiveCount     int       `json:"liveCount" bson:"live_count"`
	Confidence    float64   `json:"confidence" bson:"confidence"`
	Passed        bool      `json:"passed" bson:"passed"`
	Reason        string    `json:"reason" bson:"reason"`
}

type MissionRecord struct {
	ID        string     `json:"id" bson:"id"`
	StartedAt time.Time  `json:"startedAt" bson:"started_at"`
	Waypoints []Waypoint `json:"waypoints" bson:"waypoints"`
	Config    []byte     `json:"-" bson:"config"`
}

// MissionOutcome is the terminal result of a mission run.
type MissionOutcome struct {
	MissionID      string    `json:"missionId" bson:"mission_id"`
	Status         string    `json:"status" bson:"status"`
	Reason         string    `json:"reason,omitempty" bson:"reason,omitempty"`
	FinishedAt     time.Time `json:"finishedAt" bson:"finished_at"`
	Ticks          uint64    `json:"ticks" bson:"ticks"`
	WaypointsDone  int       `json:"waypointsDone" bson:"waypoints_done"`
	WaypointsTotal int       `json:"waypointsTotal" bson:"waypoints_total"`
	Battery        float64   `json:"battery" bson:"battery"`
}
