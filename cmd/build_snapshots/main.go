package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"os"
	"path/filepath"

	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/environment"
	"visual-waypoint-nav/utils"
)

type cameraFile struct {
	Camera environment.CameraConfig `json:"camera"`
}

func main() {
	mapPath := flag.String("map", "map.png", "Ground-truth map image")
	metaPath := flag.String("meta", "map_meta.json", "Map metadata with bbox")
	routePath := flag.String("route", "route.json", "Route file")
	configPath := flag.String("config", "config.json", "Mission config (camera section)")
	outDir := flag.String("out", "snapshots", "Output directory for snapshot PNGs")
	altitude := flag.Float64("altitude", 0, "Capture altitude in meters (0 = camera reference altitude)")
	writeRoute := flag.String("write-route", "", "Write the route with snapshot references to this file")
	flag.Parse()

	camCfg, err := loadCamera(*configPath)
	if err != nil {
		log.Fatalf("failed to read camera config: %v", err)
	}
	groundTruth, err := environment.LoadMap(*mapPath, *metaPath)
	if err != nil {
		log.Fatalf("failed to load map: %v", err)
	}
	camera, err := environment.NewCamera(groundTruth, camCfg)
	if err != nil {
		log.Fatalf("invalid camera config: %v", err)
	}
	mission, err := drone.LoadMission(*routePath)
	if err != nil {
		log.Fatalf("failed to load route: %v", err)
	}
	if err := utils.CreateFolder(*outDir); err != nil {
		log.Fatalf("failed to create %s: %v", *outDir, err)
	}

	alt := *altitude
	if alt <= 0 {
		alt = camCfg.ReferenceAltitude
	}

	log.Printf("Building %d snapshots at %.0fm (span %.1fm) into %s\n",
		mission.Len()-1, alt, camera.Span(alt), *outDir)

	ctx := context.Background()
	for i, wp := range mission.Waypoints {
		if wp.OrderIndex == 0 {
			continue
		}
		pos := mission.Position(i)
		if !groundTruth.Contains(pos) {
			log.Printf("  WARNING: %s (%.6f, %.6f) lies outside the map\n", wp.ID, pos.Lat, pos.Lon)
		}

		frame, err := camera.Frame(ctx, drone.FrameRequest{Position: pos, Altitude: alt})
		if err != nil {
			log.Fatalf("failed to crop %s: %v", wp.ID, err)
		}

		name := wp.ID + ".png"
		if err := writePNG(filepath.Join(*outDir, name), frame); err != nil {
			log.Fatalf("failed to write %s: %v", name, err)
		}
		mission.Waypoints[i].SnapshotRef = name
		log.Printf("  %s -> %s\n", wp.ID, name)
	}

	if *writeRoute != "" {
		data, err := json.MarshalIndent(mission, "", "  ")
		if err != nil {
			log.Fatalf("failed to encode route: %v", err)
		}
		if err := os.WriteFile(*writeRoute, data, 0o644); err != nil {
			log.Fatalf("failed to write route: %v", err)
		}
		log.Printf("Route with snapshot references written to %s\n", *writeRoute)
	}
}

func loadCamera(path string) (environment.CameraConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return environment.CameraConfig{}, err
	}
	var f cameraFile
	if err := json.Unmarshal(data, &f); err != nil {
		return environment.CameraConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return f.Camera, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
