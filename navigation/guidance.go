// Package navigation computes great-circle guidance between geographic positions.
package navigation

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

var ErrNonFiniteCoordinate = errors.New("non-finite coordinate")

// Position is a WGS84 latitude/longitude pair in degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Guidance is the initial great-circle bearing in degrees clockwise from north,
// in [0, 360), and the distance in meters.
type Guidance struct {
	Bearing  float64 `json:"bearing"`
	Distance float64 `json:"distance"`
}

func (p Position) point() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

func fromPoint(pt orb.Point) Position {
	return Position{Lat: pt.Lat(), Lon: pt.Lon()}
}

// Validate rejects NaN and infinite coordinates.
func (p Position) Validate() error {
	if !finite(p.Lat) || !finite(p.Lon) {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrNonFiniteCoordinate, p.Lat, p.Lon)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Guide returns bearing and distance from current to target.
func Guide(current, target Position) (Guidance, error) {
	if err := current.Validate(); err != nil {
		return Guidance{}, fmt.Errorf("current position: %w", err)
	}
	if err := target.Validate(); err != nil {
		return Guidance{}, fmt.Errorf("target position: %w", err)
	}

	from, to := current.point(), target.point()
	distance := geo.DistanceHaversine(from, to)
	if distance == 0 {
		return Guidance{}, nil
	}
	return Guidance{
		Bearing:  NormalizeBearing(geo.Bearing(from, to)),
		Distance: distance,
	}, nil
}

// NormalizeBearing maps any angle in degrees into [0, 360).
func NormalizeBearing(deg float64) float64 {
	b := math.Mod(deg, 360)
	if b < 0 {
		b += 360
	}
	if b >= 360 {
		b = 0
	}
	return b
}

// Destination returns the point reached by travelling meters along bearing from p.
func Destination(p Position, bearing, meters float64) Position {
	if meters == 0 {
		return p
	}
	return fromPoint(geo.PointAtBearingAndDistance(p.point(), bearing, meters))
}

// Offset displaces origin by east and north meters in the local tangent frame.
func Offset(origin Position, east, north float64) Position {
	dist := math.Hypot(east, north)
	if dist == 0 {
		return origin
	}
	bearing := math.Atan2(east, north) * 180 / math.Pi
	return Destination(origin, NormalizeBearing(bearing), dist)
}

// Step moves current toward target by at most maxMeters, landing exactly on
// target when it is within reach.
func Step(current, target Position, maxMeters float64) (Position, Guidance, error) {
	g, err := Guide(current, target)
	if err != nil {
		return current, Guidance{}, err
	}
	if g.Distance <= maxMeters {
		return target, g, nil
	}
	return Destination(current, g.Bearing, maxMeters), g, nil
}
