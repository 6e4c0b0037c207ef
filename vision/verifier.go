package vision

import (
	"fmt"
	"math"
	"strings"
)

const (
	ReasonInsufficientFeatures = "insufficient_features"
	ReasonBelowThreshold       = "below_threshold"
	ReasonConfirmed            = "confirmed"
)

// Normalization picks the denominator of the confidence score.
type Normalization string

const (
	NormalizeTarget Normalization = "target"
	NormalizeLive   Normalization = "live"
	NormalizeUnion  Normalization = "union"
)

func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(strings.ToLower(strings.TrimSpace(s))); n {
	case "":
		return NormalizeTarget, nil
	case NormalizeTarget, NormalizeLive, NormalizeUnion:
		return n, nil
	default:
		return "", fmt.Errorf("unknown confidence normalization %q", s)
	}
}

// Thresholds are the two decision parameters of a verification.
type Thresholds struct {
	Ratio   float64 `json:"ratio_threshold"`
	Confirm float64 `json:"confirm_threshold"`
}

func (t Thresholds) Validate() error {
	if math.IsNaN(t.Ratio) || t.Ratio <= 0 || t.Ratio > 1 {
		return fmt.Errorf("%w: ratio threshold %v not in (0,1]", ErrInvalidThresholds, t.Ratio)
	}
	if math.IsNaN(t.Confirm) || t.Confirm < 0 || t.Confirm >= 1 {
		return fmt.Errorf("%w: confirm threshold %v not in [0,1)", ErrInvalidThresholds, t.Confirm)
	}
	return nil
}

// VerificationResult is the verdict of one verification attempt.
type VerificationResult struct {
	WaypointID   string  `json:"waypointId"`
	MatchedCount int     `json:"matchedCount"`
	TargetCount  int     `json:"targetCount"`
	LiveCount    int     `json:"liveCount"`
	Confidence   float64 `json:"confidence"`
	Passed       bool    `json:"passed"`
	Reason       string  `json:"reason"`
}

// MatchDecision records the ratio test outcome for one target descriptor.
type MatchDecision struct {
	TargetIndex int     `json:"targetIndex"`
	LiveIndex   int     `json:"liveIndex"`
	Best        float64 `json:"best"`
	Second      float64 `json:"second"`
	Ratio       float64 `json:"ratio"`
	Accepted    bool    `json:"accepted"`
	Note        string  `json:"note,omitempty"`
}

// Verifier decides whether a live frame shows the target snapshot.
type Verifier struct {
	builder       IndexBuilder
	normalization Normalization
}

func NewVerifier(builder IndexBuilder, normalization Normalization) *Verifier {
	if normalization == "" {
		normalization = NormalizeTarget
	}
	return &Verifier{builder: builder, normalization: normalization}
}

func (v *Verifier) Normalization() Normalization {
	return v.normalization
}

// Verify screens empty inputs, ratio-tests every target descriptor against the
// live set and compares the resulting confidence to the confirm threshold.
// A live descriptor backs at most one accepted match.
func (v *Verifier) Verify(waypointID string, live, target FeatureSet, th Thresholds) (VerificationResult, error) {
	result := VerificationResult{
		WaypointID:  waypointID,
		TargetCount: target.Len(),
		LiveCount:   live.Len(),
	}
	if err := th.Validate(); err != nil {
		return result, err
	}
	if target.Empty() || live.Empty() {
		result.Reason = ReasonInsufficientFeatures
		return result, nil
	}

	decisions, err := v.match(live, target, th.Ratio)
	if err != nil {
		return result, err
	}
	for _, d := range decisions {
		if d.Accepted {
			result.MatchedCount++
		}
	}

	result.Confidence = v.confidence(result.MatchedCount, result.TargetCount, result.LiveCount)
	result.Passed = result.Confidence > th.Confirm
	if result.Passed {
		result.Reason = ReasonConfirmed
	} else {
		result.Reason = ReasonBelowThreshold
	}
	return result, nil
}

// Explain returns the per-descriptor decisions Verify bases its count on.
func (v *Verifier) Explain(live, target FeatureSet, th Thresholds) ([]MatchDecision, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if target.Empty() || live.Empty() {
		return nil, nil
	}
	return v.match(live, target, th.Ratio)
}

func (v *Verifier) match(live, target FeatureSet, ratio float64) ([]MatchDecision, error) {
	targetSize, err := target.DescriptorSize()
	if err != nil {
		return nil, fmt.Errorf("target set: %w", err)
	}
	index, err := v.builder.Build(live)
	if err != nil {
		return nil, fmt.Errorf("building live index: %w", err)
	}
	if index.DescriptorSize() != targetSize {
		return nil, fmt.Errorf("%w: live %d bytes, target %d bytes", ErrDescriptorLength, index.DescriptorSize(), targetSize)
	}

	claimed := make(map[int]bool)
	decisions := make([]MatchDecision, 0, target.Len())
	for ti, f := range target.Features {
		d := MatchDecision{TargetIndex: ti, LiveIndex: -1}
		nb, ok := index.NearestTwo(f.Descriptor)
		switch {
		case !ok:
			d.Note = "no match"
		case !nb.HasSecond:
			d.LiveIndex = nb.Best.Index
			d.Best = nb.Best.Distance
			d.Note = "no second neighbour"
		case nb.Second.Distance == 0:
			d.LiveIndex = nb.Best.Index
			d.Note = "zero second distance"
		default:
			d.LiveIndex = nb.Best.Index
			d.Best = nb.Best.Distance
			d.Second = nb.Second.Distance
			d.Ratio = nb.Best.Distance / nb.Second.Distance
			if d.Ratio < ratio {
				if claimed[nb.Best.Index] {
					d.Note = "live feature already matched"
				} else {
					claimed[nb.Best.Index] = true
					d.Accepted = true
				}
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (v *Verifier) confidence(matched, targetCount, liveCount int) float64 {
	var denom int
	switch v.normalization {
	case NormalizeLive:
		denom = liveCount
	case NormalizeUnion:
		denom = targetCount + liveCount - matched
	default:
		denom = targetCount
	}
	if denom <= 0 {
		return 0
	}
	c := float64(matched) / float64(denom)
	return math.Min(1, math.Max(0, c))
}
