package main

import (
	"encoding/json"
	"fmt"
	"os"

	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/environment"
)

// appConfig is the on-disk mission config: the drone tunables plus the
// simulated camera.
type appConfig struct {
	drone.Config
	Camera environment.CameraConfig `json:"camera"`

	raw []byte
}

func loadAppConfig(path string) (appConfig, error) {
	var cfg appConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Config.Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Camera.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", drone.ErrInvalidConfig, err)
	}
	cfg.raw = data
	return cfg, nil
}
