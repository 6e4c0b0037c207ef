//go:build gocv

package vision

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ORBExtractor wraps OpenCV ORB. Built only with the gocv tag.
type ORBExtractor struct {
	MaxFeatures   int
	FastThreshold int
}

func (e ORBExtractor) Extract(ctx context.Context, img image.Image) (FeatureSet, error) {
	if err := ctx.Err(); err != nil {
		return FeatureSet{}, err
	}

	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("converting image to mat: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorRGBToGray)

	orb := gocv.NewORBWithParams(e.MaxFeatures, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, e.FastThreshold)
	defer orb.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	keypoints, desc := orb.DetectAndCompute(gray, mask)
	defer desc.Close()

	if len(keypoints) == 0 || desc.Empty() {
		return FeatureSet{}, ErrNoFeatures
	}

	raw := desc.ToBytes()
	cols := desc.Cols()
	if desc.Rows() != len(keypoints) || len(raw) != desc.Rows()*cols {
		return FeatureSet{}, fmt.Errorf("orb returned %d descriptors for %d keypoints", desc.Rows(), len(keypoints))
	}

	features := make([]Feature, len(keypoints))
	for i, kp := range keypoints {
		d := make(Descriptor, cols)
		copy(d, raw[i*cols:(i+1)*cols])
		features[i] = Feature{
			Keypoint:   Keypoint{X: kp.X, Y: kp.Y, Response: kp.Response},
			Descriptor: d,
		}
	}
	return FeatureSet{Features: features}, nil
}
