// Package environment renders simulated camera frames from a georeferenced
// ground-truth map image.
package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/navigation"

	"github.com/paulmach/orb"
	"golang.org/x/image/draw"
)

// MapMeta is the sidecar metadata of a map image.
type MapMeta struct {
	// BBox is [minLon, minLat, maxLon, maxLat].
	BBox [4]float64 `json:"bbox"`
}

// Map is a north-up image covering Bound with a linear lat/lon to pixel mapping.
type Map struct {
	Image image.Image
	Bound orb.Bound
}

func LoadMap(imagePath, metaPath string) (*Map, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("reading map metadata: %w", err)
	}
	var meta MapMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parsing map metadata: %w", err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("opening map image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding map image: %w", err)
	}
	return NewMap(img, meta)
}

func NewMap(img image.Image, meta MapMeta) (*Map, error) {
	b := orb.Bound{
		Min: orb.Point{meta.BBox[0], meta.BBox[1]},
		Max: orb.Point{meta.BBox[2], meta.BBox[3]},
	}
	if !(b.Max.Lon() > b.Min.Lon()) || !(b.Max.Lat() > b.Min.Lat()) {
		return nil, fmt.Errorf("degenerate map bbox %v", meta.BBox)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("empty map image")
	}
	return &Map{Image: img, Bound: b}, nil
}

// Contains reports whether p lies inside the map.
func (m *Map) Contains(p navigation.Position) bool {
	return m.Bound.Contains(orb.Point{p.Lon, p.Lat})
}

// Pixel maps p to fractional image coordinates.
func (m *Map) Pixel(p navigation.Position) (float64, float64) {
	r := m.Image.Bounds()
	x := (p.Lon - m.Bound.Min.Lon()) / (m.Bound.Max.Lon() - m.Bound.Min.Lon()) * float64(r.Dx())
	y := (m.Bound.Max.Lat() - p.Lat) / (m.Bound.Max.Lat() - m.Bound.Min.Lat()) * float64(r.Dy())
	return float64(r.Min.X) + x, float64(r.Min.Y) + y
}

// Crop renders the square ground area of span meters centred on center, scaled
// to w x h pixels. Parts outside the map are black.
func (m *Map) Crop(center navigation.Position, span float64, w, h int) (image.Image, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if span <= 0 || w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid crop span=%v size=%dx%d", span, w, h)
	}
	half := span / 2
	north := navigation.Destination(center, 0, half)
	south := navigation.Destination(center, 180, half)
	east := navigation.Destination(center, 90, half)
	west := navigation.Destination(center, 270, half)

	x0, y0 := m.Pixel(navigation.Position{Lat: north.Lat, Lon: west.Lon})
	x1, y1 := m.Pixel(navigation.Position{Lat: south.Lat, Lon: east.Lon})
	src := image.Rect(int(math.Floor(x0)), int(math.Floor(y0)), int(math.Ceil(x1)), int(math.Ceil(y1)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	if src.Empty() {
		return dst, nil
	}

	visible := src.Intersect(m.Image.Bounds())
	if visible.Empty() {
		return dst, nil
	}
	// place the visible part of the source at its share of the output
	sx := float64(w) / float64(src.Dx())
	sy := float64(h) / float64(src.Dy())
	target := image.Rect(
		int(math.Round(float64(visible.Min.X-src.Min.X)*sx)),
		int(math.Round(float64(visible.Min.Y-src.Min.Y)*sy)),
		int(math.Round(float64(visible.Max.X-src.Min.X)*sx)),
		int(math.Round(float64(visible.Max.Y-src.Min.Y)*sy)),
	)
	draw.ApproxBiLinear.Scale(dst, target, m.Image, visible, draw.Src, nil)
	return dst, nil
}

type CameraConfig struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	ReferenceAltitude float64 `json:"reference_altitude"`
	MaxZoom           float64 `json:"max_zoom"`
	GroundSpanMeters  float64 `json:"ground_span_meters"`
}

func (c CameraConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("camera size must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.ReferenceAltitude <= 0 || c.GroundSpanMeters <= 0 {
		return fmt.Errorf("camera reference altitude and ground span must be positive")
	}
	if c.MaxZoom < 1 {
		return fmt.Errorf("camera max zoom must be at least 1, got %v", c.MaxZoom)
	}
	return nil
}

// Camera is a nadir-pointing, north-up camera over a Map.
type Camera struct {
	Map    *Map
	Config CameraConfig
}

func NewCamera(m *Map, cfg CameraConfig) (*Camera, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Camera{Map: m, Config: cfg}, nil
}

// Span is the ground footprint width in meters at altitude. Below the
// reference altitude the view narrows, up to MaxZoom.
func (c *Camera) Span(altitude float64) float64 {
	var zoom float64
	if altitude > 0 {
		zoom = c.Config.ReferenceAltitude / altitude
	} else {
		zoom = c.Config.MaxZoom
	}
	zoom = math.Min(c.Config.MaxZoom, math.Max(1/c.Config.MaxZoom, zoom))
	return c.Config.GroundSpanMeters / zoom
}

func (c *Camera) Frame(ctx context.Context, req drone.FrameRequest) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Map.Crop(req.Position, c.Span(req.Altitude), c.Config.Width, c.Config.Height)
}
