package drone

import (
	"context"
	"errors"
	"image"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/navigation"
	"visual-waypoint-nav/vision"
)

// FrameRequest describes the camera pose for a live frame.
type FrameRequest struct {
	Position navigation.Position
	Altitude float64
	Heading  float64
}

// FrameSource returns the live camera frame for the current tick.
type FrameSource interface {
	Frame(ctx context.Context, req FrameRequest) (image.Image, error)
}

type FrameFunc func(ctx context.Context, req FrameRequest) (image.Image, error)

func (f FrameFunc) Frame(ctx context.Context, req FrameRequest) (image.Image, error) {
	return f(ctx, req)
}

// FeatureCache serves the memoized snapshot features of each waypoint.
type FeatureCache interface {
	Get(ctx context.Context, wp models.Waypoint) (vision.FeatureSet, error)
	Release()
}

// Recorder receives the verification log stream and the terminal outcome.
type Recorder interface {
	RecordVerification(ctx context.Context, rec models.VerificationRecord) error
	RecordOutcome(ctx context.Context, outcome models.MissionOutcome) error
}

// MultiRecorder fans out to every recorder and joins their errors.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordVerification(ctx context.Context, rec models.VerificationRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordVerification(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) RecordOutcome(ctx context.Context, outcome models.MissionOutcome) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordOutcome(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopRecorder struct{}

func (nopRecorder) RecordVerification(context.Context, models.VerificationRecord) error { return nil }
func (nopRecorder) RecordOutcome(context.Context, models.MissionOutcome) error          { return nil }
