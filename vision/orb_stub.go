//go:build !gocv

package vision

import (
	"context"
	"errors"
	"image"
)

var errORBUnavailable = errors.New("orb extractor requires building with -tags gocv")

// ORBExtractor is unavailable without the gocv build tag.
type ORBExtractor struct {
	MaxFeatures   int
	FastThreshold int
}

func (e ORBExtractor) Extract(ctx context.Context, img image.Image) (FeatureSet, error) {
	return FeatureSet{}, errORBUnavailable
}
