package chat

import (
	"strings"
	"testing"

	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/models"
	"visual-waypoint-nav/navigation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMission(t *testing.T) drone.Mission {
	t.Helper()
	m, err := drone.NewMission("m-1", []models.Waypoint{
		{ID: "home", Lat: 45, Lon: 7},
		{ID: "tower", Name: "Water tower", Lat: 45.001, Lon: 7, SnapshotRef: "tower.png"},
	})
	require.NoError(t, err)
	return m
}

func TestMissionContextSearching(t *testing.T) {
	snap := drone.Snapshot{State: drone.DroneState{
		Tick:          12,
		Position:      navigation.Position{Lat: 45.001, Lon: 7},
		Battery:       61.5,
		WaypointIndex: 1,
		Behavior:      drone.Searching{Search: drone.SearchState{Radius: 7, Attempts: 2}},
	}}

	text := MissionContext(testMission(t), snap, nil)
	assert.Contains(t, text, "mission m-1 with 2 waypoints")
	assert.Contains(t, text, "state SEARCHING")
	assert.Contains(t, text, "Water tower")
	assert.Contains(t, text, "radius 7.0m after 2 attempts")
	assert.NotContains(t, text, "recent verifications")
}

func TestMissionContextKeepsLatestRecords(t *testing.T) {
	var recs []models.VerificationRecord
	for i := 1; i <= maxRecent+3; i++ {
		recs = append(recs, models.VerificationRecord{Tick: uint64(i), WaypointID: "tower", Reason: "below_threshold"})
	}
	snap := drone.Snapshot{State: drone.DroneState{Behavior: drone.Aborted{Reason: drone.ReasonTargetNotFound}, WaypointIndex: 1}}

	text := MissionContext(testMission(t), snap, recs)
	assert.Contains(t, text, "aborted: target_not_found")
	assert.Equal(t, maxRecent, strings.Count(text, "- tick "))
	assert.NotContains(t, text, "- tick 3 ")
	assert.Contains(t, text, "- tick 11 ")
}

func TestPrompt(t *testing.T) {
	p := Prompt("  ctx line \n", " why? ")
	assert.Equal(t, "Mission context:\nctx line\n\nOperator question:\nwhy?", p)
}
