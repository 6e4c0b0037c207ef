package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"

	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/vision"
)

// Explain WHY a frame does or does not confirm a waypoint snapshot
func main() {
	configPath := flag.String("config", "config.json", "Mission config")
	show := flag.Int("show", 15, "Number of per-keypoint decisions to print")
	flag.Parse()

	if flag.NArg() < 2 {
		log.Fatal("Usage: go run . [-config config.json] <frame.png> <snapshot.png>")
	}
	framePath, snapshotPath := flag.Arg(0), flag.Arg(1)
	fmt.Printf("=== Explaining Verification: %s vs %s ===\n\n", filepath.Base(framePath), filepath.Base(snapshotPath))

	cfg, err := drone.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	extractor, err := vision.NewBriefExtractor(cfg.Extractor)
	if err != nil {
		log.Fatalf("Invalid extractor config: %v", err)
	}
	verifier, err := cfg.NewVerifier()
	if err != nil {
		log.Fatalf("Invalid matcher config: %v", err)
	}

	ctx := context.Background()
	live := mustExtract(ctx, extractor, framePath)
	target := mustExtract(ctx, extractor, snapshotPath)

	th := cfg.Thresholds()
	fmt.Printf("📊 Inputs:\n")
	fmt.Printf("   Live keypoints:   %d\n", live.Len())
	fmt.Printf("   Target keypoints: %d\n", target.Len())
	fmt.Printf("   Ratio threshold:   %.2f\n", th.Ratio)
	fmt.Printf("   Confirm threshold: %.2f (normalized by %s)\n\n", th.Confirm, verifier.Normalization())

	decisions, err := verifier.Explain(live, target, th)
	if err != nil {
		log.Fatalf("Explain failed: %v", err)
	}

	notes := make(map[string]int)
	for _, d := range decisions {
		notes[noteOf(d)]++
	}
	keys := make([]string, 0, len(notes))
	for k := range notes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("🔍 Ratio test breakdown:")
	for _, k := range keys {
		fmt.Printf("   %-22s %d\n", k, notes[k])
	}

	// Closest calls first
	sorted := append([]vision.MatchDecision(nil), decisions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(sorted[i]) < rank(sorted[j])
	})
	if *show > len(sorted) {
		*show = len(sorted)
	}
	fmt.Printf("\n   Best %d target keypoints by ratio:\n", *show)
	for _, d := range sorted[:*show] {
		mark := "✗"
		if d.Accepted {
			mark = "✓"
		}
		fmt.Printf("   %s target #%d -> live #%d  best=%.1f second=%.1f ratio=%.3f %s\n",
			mark, d.TargetIndex, d.LiveIndex, d.Best, d.Second, d.Ratio, noteOf(d))
	}

	res, err := verifier.Verify(filepath.Base(snapshotPath), live, target, th)
	if err != nil {
		log.Fatalf("Verify failed: %v", err)
	}
	fmt.Printf("\n✅ Verdict: matched %d, confidence %.4f, passed=%v (%s)\n",
		res.MatchedCount, res.Confidence, res.Passed, res.Reason)
	if !res.Passed && res.Reason == vision.ReasonBelowThreshold {
		need := int(th.Confirm*float64(res.TargetCount)) + 1
		fmt.Printf("   Needed more than %.0f%% of target keypoints (about %d) to confirm.\n", th.Confirm*100, need)
	}
}

func noteOf(d vision.MatchDecision) string {
	switch {
	case d.Note != "":
		return d.Note
	case d.Accepted:
		return "accepted"
	default:
		return "ratio too high"
	}
}

// rank orders decisions without a ratio last.
func rank(d vision.MatchDecision) float64 {
	if d.Second == 0 {
		return math.Inf(1)
	}
	return d.Ratio
}

func mustExtract(ctx context.Context, extractor vision.FeatureExtractor, path string) vision.FeatureSet {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Read error: %v", err)
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		log.Fatalf("Decode error: %v", err)
	}
	set, err := vision.ExtractLive(ctx, extractor, img)
	if err != nil {
		log.Fatalf("Extract error: %v", err)
	}
	return set
}
