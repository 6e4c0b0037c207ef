package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/vision"
)

func main() {
	dir := flag.String("dir", "frames", "Directory containing PNG/JPEG frames to upload (ignored if -file is set)")
	file := flag.String("file", "", "Single frame to upload (overrides -dir)")
	waypoint := flag.String("waypoint", "", "Waypoint ID to verify against")
	endpoint := flag.String("url", "http://localhost:5000/api/verify", "Verification endpoint")
	delay := flag.Duration("delay", 2*time.Second, "Delay between uploads when using -dir")
	flag.Parse()

	if *waypoint == "" {
		log.Fatal("-waypoint is required")
	}

	files, err := resolveFiles(*file, *dir)
	if err != nil {
		log.Fatalf("failed to resolve files: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("no image files found (file=%s dir=%s)", *file, *dir)
	}

	fmt.Printf("Uploading %d frame(s) to %s\n\n", len(files), *endpoint)
	for idx, path := range files {
		if err := uploadFrame(path, *waypoint, *endpoint); err != nil {
			log.Printf("upload failed for %s: %v\n", path, err)
		}

		if idx < len(files)-1 && *delay > 0 {
			time.Sleep(*delay)
		}
	}
}

func resolveFiles(single, dir string) ([]string, error) {
	if single != "" {
		return []string{single}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}

func uploadFrame(path, waypoint, endpoint string) error {
	fmt.Printf("→ %s\n", filepath.Base(path))

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}

	payload, err := json.Marshal(models.FrameData{
		WaypointID: waypoint,
		Image:      base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post verification request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var result vision.VerificationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode verification response: %w", err)
	}

	fmt.Printf("   passed=%v matched=%d/%d live=%d confidence=%.3f reason=%s\n",
		result.Passed, result.MatchedCount, result.TargetCount, result.LiveCount, result.Confidence, result.Reason)
	return nil
}
