package drone

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/navigation"
	"visual-waypoint-nav/utils"
)

var ErrInvalidMission = errors.New("invalid mission")

// Mission is an ordered, immutable waypoint list. Index 0 is the launch point.
type Mission struct {
	ID        string            `json:"id"`
	Waypoints []models.Waypoint `json:"waypoints"`
}

// NewMissionID returns a fresh random mission identifier.
func NewMissionID() string {
	return utils.GenerateUniqueID()
}

// NewMission validates waypoints and assigns order indexes by position.
func NewMission(id string, waypoints []models.Waypoint) (Mission, error) {
	if len(waypoints) < 2 {
		return Mission{}, fmt.Errorf("%w: need a start and at least one target, got %d waypoints", ErrInvalidMission, len(waypoints))
	}
	if id == "" {
		id = NewMissionID()
	}

	out := make([]models.Waypoint, len(waypoints))
	seen := make(map[string]bool, len(waypoints))
	for i, wp := range waypoints {
		wp.ID = strings.TrimSpace(wp.ID)
		if wp.ID == "" {
			wp.ID = fmt.Sprintf("wp-%d", i)
		}
		if seen[wp.ID] {
			return Mission{}, fmt.Errorf("%w: duplicate waypoint id %q", ErrInvalidMission, wp.ID)
		}
		seen[wp.ID] = true

		pos := navigation.Position{Lat: wp.Lat, Lon: wp.Lon}
		if err := pos.Validate(); err != nil {
			return Mission{}, fmt.Errorf("%w: waypoint %s: %w", ErrInvalidMission, wp.ID, err)
		}
		if wp.Lat < -90 || wp.Lat > 90 || wp.Lon < -180 || wp.Lon > 180 {
			return Mission{}, fmt.Errorf("%w: waypoint %s out of range (%v, %v)", ErrInvalidMission, wp.ID, wp.Lat, wp.Lon)
		}
		if wp.OrderIndex != 0 && wp.OrderIndex != i {
			return Mission{}, fmt.Errorf("%w: waypoint %s has order_index %d at position %d", ErrInvalidMission, wp.ID, wp.OrderIndex, i)
		}
		wp.OrderIndex = i
		out[i] = wp
	}
	return Mission{ID: id, Waypoints: out}, nil
}

// LoadMission reads a route file: either a bare waypoint array or an object
// with "id" and "waypoints".
func LoadMission(path string) (Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mission{}, err
	}
	return ParseMission(data)
}

func ParseMission(data []byte) (Mission, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var wps []models.Waypoint
		if err := json.Unmarshal(data, &wps); err != nil {
			return Mission{}, fmt.Errorf("%w: %w", ErrInvalidMission, err)
		}
		return NewMission("", wps)
	}
	var m Mission
	if err := json.Unmarshal(data, &m); err != nil {
		return Mission{}, fmt.Errorf("%w: %w", ErrInvalidMission, err)
	}
	return NewMission(m.ID, m.Waypoints)
}

func (m Mission) Len() int {
	return len(m.Waypoints)
}

func (m Mission) Position(i int) navigation.Position {
	wp := m.Waypoints[i]
	return navigation.Position{Lat: wp.Lat, Lon: wp.Lon}
}
