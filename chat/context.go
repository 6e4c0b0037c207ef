package chat

import (
	"fmt"
	"strings"

	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/models"
)

// maxRecent bounds how many verification records go into the prompt.
const maxRecent = 8

// MissionContext renders the latest snapshot and verification log as plain
// text for the assistant.
func MissionContext(mission drone.Mission, snap drone.Snapshot, recent []models.VerificationRecord) string {
	st := snap.State
	var b strings.Builder

	fmt.Fprintf(&b, "mission %s with %d waypoints\n", mission.ID, mission.Len())
	fmt.Fprintf(&b, "tick %d, t=%.1fs, state %s\n", st.Tick, st.Time, st.State())
	fmt.Fprintf(&b, "position %.6f,%.6f altitude %.1fm heading %.0f battery %.1f%%\n",
		st.Position.Lat, st.Position.Lon, st.Altitude, st.Heading, st.Battery)

	if st.WaypointIndex < mission.Len() {
		wp := mission.Waypoints[st.WaypointIndex]
		name := wp.Name
		if name == "" {
			name = wp.ID
		}
		fmt.Fprintf(&b, "current target %d/%d: %s\n", st.WaypointIndex, mission.Len()-1, name)
	}

	switch bh := st.Behavior.(type) {
	case drone.Hovering:
		fmt.Fprintf(&b, "hovering after %d failed verifications\n", bh.Failures)
	case drone.Searching:
		fmt.Fprintf(&b, "spiral search radius %.1fm after %d attempts\n", bh.Search.Radius, bh.Search.Attempts)
	case drone.Aborted:
		fmt.Fprintf(&b, "aborted: %s\n", bh.Reason)
	}

	if len(recent) > maxRecent {
		recent = recent[len(recent)-maxRecent:]
	}
	if len(recent) > 0 {
		b.WriteString("recent verifications:\n")
		for _, rec := range recent {
			fmt.Fprintf(&b, "- tick %d waypoint %s: %d/%d matched (live %d), confidence %.3f, %s\n",
				rec.Tick, rec.WaypointID, rec.MatchedCount, rec.TargetCount, rec.LiveCount, rec.Confidence, rec.Reason)
		}
	}
	return b.String()
}
