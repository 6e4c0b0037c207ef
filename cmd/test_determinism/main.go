package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"visual-waypoint-nav/drone"
	"visual-waypoint-nav/vision"
)

// Check that feature extraction and verification are deterministic
func main() {
	configPath := flag.String("config", "config.json", "Mission config")
	runs := flag.Int("runs", 5, "Number of repeated runs")
	flag.Parse()

	if flag.NArg() < 1 {
		log.Fatal("Usage: go run . [-config config.json] [-runs 5] <snapshot.png>")
	}
	if *runs < 2 {
		log.Fatal("-runs must be at least 2")
	}

	testFile := flag.Arg(0)
	log.Printf("Testing determinism with: %s\n", testFile)

	cfg, err := drone.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	extractor, err := vision.NewBriefExtractor(cfg.Extractor)
	if err != nil {
		log.Fatalf("invalid extractor config: %v", err)
	}
	verifier, err := cfg.NewVerifier()
	if err != nil {
		log.Fatalf("invalid matcher config: %v", err)
	}

	data, err := os.ReadFile(testFile)
	if err != nil {
		log.Fatalf("failed to read %s: %v", testFile, err)
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		log.Fatalf("failed to decode %s: %v", testFile, err)
	}

	ctx := context.Background()
	var sets []vision.FeatureSet
	for i := 0; i < *runs; i++ {
		set, err := vision.ExtractLive(ctx, extractor, img)
		if err != nil {
			log.Fatalf("Run %d failed: %v", i+1, err)
		}
		sets = append(sets, set)
		log.Printf("Run %d: %d keypoints\n", i+1, set.Len())
	}

	fmt.Println("\n=== Extraction Determinism ===")
	identical := true
	for i := 1; i < len(sets); i++ {
		if diff := firstDifference(sets[0], sets[i]); diff != "" {
			identical = false
			fmt.Printf("❌ Run %d differs from run 1: %s\n", i+1, diff)
		}
	}
	if identical {
		fmt.Println("✅ All runs produced IDENTICAL keypoints and descriptors")
	}

	fmt.Println("\n=== Self-Verification ===")
	th := cfg.Thresholds()
	var first vision.VerificationResult
	stable := true
	for i := 0; i < *runs; i++ {
		res, err := verifier.Verify("self", sets[i], sets[0], th)
		if err != nil {
			log.Fatalf("verification failed: %v", err)
		}
		if i == 0 {
			first = res
			continue
		}
		if res != first {
			stable = false
			fmt.Printf("❌ Run %d verdict differs: %+v vs %+v\n", i+1, res, first)
		}
	}

	fmt.Printf("matched %d/%d (live %d) confidence %.4f passed=%v reason=%s\n",
		first.MatchedCount, first.TargetCount, first.LiveCount, first.Confidence, first.Passed, first.Reason)
	switch {
	case !stable:
		fmt.Println("❌ Verification is NON-DETERMINISTIC")
	case first.Passed:
		fmt.Println("✅ Snapshot confirms against itself with identical verdicts")
	default:
		fmt.Println("⚠️  Verdicts are stable but the snapshot does not confirm against itself")
		fmt.Println("   Too few distinct keypoints for the configured thresholds.")
	}

	if !identical || !stable {
		os.Exit(1)
	}
}

func firstDifference(a, b vision.FeatureSet) string {
	if a.Len() != b.Len() {
		return fmt.Sprintf("keypoint count %d vs %d", a.Len(), b.Len())
	}
	for i := range a.Features {
		fa, fb := a.Features[i], b.Features[i]
		if fa.Keypoint != fb.Keypoint {
			return fmt.Sprintf("keypoint %d at %+v vs %+v", i, fa.Keypoint, fb.Keypoint)
		}
		if !bytes.Equal(fa.Descriptor, fb.Descriptor) {
			return fmt.Sprintf("descriptor %d differs", i)
		}
	}
	return ""
}
