package drone

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"visual-waypoint-nav/vision"
)

var ErrInvalidConfig = errors.New("invalid mission config")

// FlightConfig holds the airframe model. Speeds are m/s, distances meters.
type FlightConfig struct {
	ArrivalTolerance   float64 `json:"arrival_tolerance"`
	CruiseAltitude     float64 `json:"cruise_altitude"`
	CruiseSpeed        float64 `json:"cruise_speed"`
	BrakingDistance    float64 `json:"braking_distance"`
	MinApproachSpeed   float64 `json:"min_approach_speed"`
	AscentSpeed        float64 `json:"ascent_speed"`
	DescentSpeed       float64 `json:"descent_speed"`
	LandedAltitude     float64 `json:"landed_altitude"`
	HoverSettleSeconds float64 `json:"hover_settle_seconds"`
	InitialBattery     float64 `json:"initial_battery"`
}

// LSHConfig mirrors vision.LSHBuilder.
type LSHConfig struct {
	Tables     int    `json:"tables"`
	KeyBits    int    `json:"key_bits"`
	ProbeLevel int    `json:"probe_level"`
	Seed       uint64 `json:"seed"`
}

type MatcherConfig struct {
	Backend string    `json:"backend"`
	Metric  string    `json:"metric"`
	LSH     LSHConfig `json:"lsh"`
}

// Config carries every mission tunable. Nothing in the machine falls back to
// a built-in value; Validate rejects anything missing.
type Config struct {
	RatioThreshold          float64 `json:"ratio_threshold"`
	ConfirmThreshold        float64 `json:"confirm_threshold"`
	ConfidenceNormalization string  `json:"confidence_normalization"`
	RetryLimit              int     `json:"retry_limit"`

	SearchInitialRadius float64 `json:"search_initial_radius"`
	SearchRadiusStep    float64 `json:"search_radius_step"`
	SearchAngleStep     float64 `json:"search_angle_step"`
	MaxSearchRadius     float64 `json:"max_search_radius"`
	MaxSearchAttempts   int     `json:"max_search_attempts"`

	BatteryAbortLevel float64 `json:"battery_abort_level"`
	TickHz            float64 `json:"tick_hz"`

	Flight    FlightConfig       `json:"flight"`
	Battery   LinearBattery      `json:"battery"`
	Matcher   MatcherConfig      `json:"matcher"`
	Extractor vision.BriefConfig `json:"extractor"`
}

// LoadConfig reads and validates the JSON config at path.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Thresholds() vision.Thresholds {
	return vision.Thresholds{Ratio: c.RatioThreshold, Confirm: c.ConfirmThreshold}
}

// TickSeconds is the simulated duration of one tick.
func (c Config) TickSeconds() float64 {
	return 1 / c.TickHz
}

func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	positive := func(name string, v float64) {
		check(finite(v) && v > 0, "%s must be positive, got %v", name, v)
	}
	nonNegative := func(name string, v float64) {
		check(finite(v) && v >= 0, "%s must be non-negative, got %v", name, v)
	}

	if err := c.Thresholds().Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if strings.TrimSpace(c.ConfidenceNormalization) == "" {
		problems = append(problems, "confidence_normalization is required")
	} else if _, err := vision.ParseNormalization(c.ConfidenceNormalization); err != nil {
		problems = append(problems, err.Error())
	}
	check(c.RetryLimit >= 1, "retry_limit must be at least 1, got %d", c.RetryLimit)

	nonNegative("search_initial_radius", c.SearchInitialRadius)
	positive("search_radius_step", c.SearchRadiusStep)
	positive("search_angle_step", c.SearchAngleStep)
	check(finite(c.MaxSearchRadius) && c.MaxSearchRadius > c.SearchInitialRadius,
		"max_search_radius must exceed search_initial_radius, got %v", c.MaxSearchRadius)
	check(c.MaxSearchAttempts >= 1, "max_search_attempts must be at least 1, got %d", c.MaxSearchAttempts)

	check(finite(c.BatteryAbortLevel) && c.BatteryAbortLevel >= 0 && c.BatteryAbortLevel < 100,
		"battery_abort_level must be in [0,100), got %v", c.BatteryAbortLevel)
	positive("tick_hz", c.TickHz)

	f := c.Flight
	positive("flight.arrival_tolerance", f.ArrivalTolerance)
	positive("flight.cruise_altitude", f.CruiseAltitude)
	positive("flight.cruise_speed", f.CruiseSpeed)
	nonNegative("flight.braking_distance", f.BrakingDistance)
	positive("flight.min_approach_speed", f.MinApproachSpeed)
	check(f.MinApproachSpeed <= f.CruiseSpeed, "flight.min_approach_speed must not exceed cruise_speed")
	positive("flight.ascent_speed", f.AscentSpeed)
	positive("flight.descent_speed", f.DescentSpeed)
	nonNegative("flight.landed_altitude", f.LandedAltitude)
	check(f.LandedAltitude < f.CruiseAltitude, "flight.landed_altitude must be below cruise_altitude")
	nonNegative("flight.hover_settle_seconds", f.HoverSettleSeconds)
	check(finite(f.InitialBattery) && f.InitialBattery > c.BatteryAbortLevel && f.InitialBattery <= 100,
		"flight.initial_battery must be in (battery_abort_level,100], got %v", f.InitialBattery)

	nonNegative("battery.drain_per_meter", c.Battery.PerMeter)
	nonNegative("battery.drain_per_second", c.Battery.PerSecond)

	if strings.TrimSpace(c.Matcher.Metric) == "" {
		problems = append(problems, "matcher.metric is required")
	} else if _, err := c.IndexBuilder(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// IndexBuilder returns the matcher backend the config selects.
func (c Config) IndexBuilder() (vision.IndexBuilder, error) {
	metric, err := vision.ParseMetric(c.Matcher.Metric)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(c.Matcher.Backend)) {
	case "bruteforce", "brute_force":
		return vision.BruteForceBuilder{Metric: metric}, nil
	case "lsh":
		if metric != vision.MetricHamming {
			return nil, fmt.Errorf("lsh matcher requires the hamming metric, got %s", metric)
		}
		l := c.Matcher.LSH
		b := vision.LSHBuilder{Tables: l.Tables, KeyBits: l.KeyBits, ProbeLevel: l.ProbeLevel, Seed: l.Seed}
		if err := b.Validate(0); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown matcher backend %q", c.Matcher.Backend)
	}
}

// NewVerifier builds the verifier the config describes.
func (c Config) NewVerifier() (*vision.Verifier, error) {
	builder, err := c.IndexBuilder()
	if err != nil {
		return nil, err
	}
	norm, err := vision.ParseNormalization(c.ConfidenceNormalization)
	if err != nil {
		return nil, err
	}
	return vision.NewVerifier(builder, norm), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
