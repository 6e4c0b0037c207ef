// Package vision holds the visual waypoint confirmation pipeline: feature
// extraction, snapshot feature caching, nearest-neighbour matching and the
// ratio-test verifier.
package vision

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrNoFeatures may be returned by an extractor that found no keypoints.
	// It is treated as an empty FeatureSet, never as a fault.
	ErrNoFeatures = errors.New("no features found")
	// ErrSnapshotUnavailable marks a reference snapshot that is missing or cannot be decoded.
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")
	// ErrCacheReleased is returned by a cache after Release.
	ErrCacheReleased     = errors.New("snapshot cache released")
	ErrDescriptorLength  = errors.New("descriptor length mismatch")
	ErrInvalidThresholds = errors.New("invalid verification thresholds")
)

// Keypoint is a located point of interest in image pixel coordinates.
type Keypoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Response float64 `json:"response"`
}

// Descriptor is a fixed-length signature of the patch around a keypoint.
type Descriptor []byte

type Feature struct {
	Keypoint   Keypoint   `json:"keypoint"`
	Descriptor Descriptor `json:"descriptor"`
}

// FeatureSet maps keypoint index (slice position) to its feature. It may be empty.
type FeatureSet struct {
	Features []Feature `json:"features"`
}

func (s FeatureSet) Len() int {
	return len(s.Features)
}

func (s FeatureSet) Empty() bool {
	return len(s.Features) == 0
}

// DescriptorSize returns the common descriptor length, or an error when the
// set mixes lengths. An empty set reports zero.
func (s FeatureSet) DescriptorSize() (int, error) {
	if len(s.Features) == 0 {
		return 0, nil
	}
	size := len(s.Features[0].Descriptor)
	if size == 0 {
		return 0, ErrDescriptorLength
	}
	for _, f := range s.Features[1:] {
		if len(f.Descriptor) != size {
			return 0, ErrDescriptorLength
		}
	}
	return size, nil
}

// FeatureExtractor turns an image into keypoints with descriptors.
type FeatureExtractor interface {
	Extract(ctx context.Context, img image.Image) (FeatureSet, error)
}

// ExtractorFunc adapts a function to FeatureExtractor.
type ExtractorFunc func(ctx context.Context, img image.Image) (FeatureSet, error)

func (f ExtractorFunc) Extract(ctx context.Context, img image.Image) (FeatureSet, error) {
	return f(ctx, img)
}

// ExtractLive runs extractor on a live frame and folds ErrNoFeatures into an empty set.
func ExtractLive(ctx context.Context, extractor FeatureExtractor, img image.Image) (FeatureSet, error) {
	set, err := extractor.Extract(ctx, img)
	if errors.Is(err, ErrNoFeatures) {
		return FeatureSet{}, nil
	}
	if err != nil {
		return FeatureSet{}, err
	}
	return set, nil
}
