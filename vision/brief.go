package vision

import (
	"context"
	"fmt"
	"image"
	"math/rand/v2"
	"sort"
)

const (
	briefBits        = 256
	briefPatchRadius = 15
	briefBlurRadius  = 2
	fastArc          = 9
)

// circle of 16 pixels at radius 3 used by the FAST segment test
var fastCircle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

type BriefConfig struct {
	MaxFeatures   int    `json:"max_features"`
	FastThreshold int    `json:"fast_threshold"`
	Seed          uint64 `json:"seed"`
}

// BriefExtractor detects FAST-9 corners and describes each with a 256-bit
// BRIEF descriptor sampled on a smoothed image. Sampling pairs derive from Seed.
type BriefExtractor struct {
	cfg   BriefConfig
	pairs [briefBits][4]int
}

func NewBriefExtractor(cfg BriefConfig) (*BriefExtractor, error) {
	if cfg.MaxFeatures <= 0 {
		return nil, fmt.Errorf("max features must be positive, got %d", cfg.MaxFeatures)
	}
	if cfg.FastThreshold <= 0 || cfg.FastThreshold > 255 {
		return nil, fmt.Errorf("fast threshold must be in [1,255], got %d", cfg.FastThreshold)
	}
	e := &BriefExtractor{cfg: cfg}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x6272696566))
	span := 2*briefPatchRadius + 1
	for i := range e.pairs {
		for j := 0; j < 4; j++ {
			e.pairs[i][j] = rng.IntN(span) - briefPatchRadius
		}
	}
	return e, nil
}

type corner struct {
	x, y  int
	score int
}

func (e *BriefExtractor) Extract(ctx context.Context, img image.Image) (FeatureSet, error) {
	gray := ToGray(img)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	margin := briefPatchRadius + briefBlurRadius
	if w <= 2*margin || h <= 2*margin {
		return FeatureSet{}, nil
	}

	scores := make([]int, w*h)
	for y := margin; y < h-margin; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return FeatureSet{}, err
			}
		}
		for x := margin; x < w-margin; x++ {
			scores[y*w+x] = fastScore(gray, x, y, e.cfg.FastThreshold)
		}
	}

	corners := suppress(scores, w, h, margin)
	sort.Slice(corners, func(i, j int) bool {
		if corners[i].score != corners[j].score {
			return corners[i].score > corners[j].score
		}
		if corners[i].y != corners[j].y {
			return corners[i].y < corners[j].y
		}
		return corners[i].x < corners[j].x
	})
	if len(corners) > e.cfg.MaxFeatures {
		corners = corners[:e.cfg.MaxFeatures]
	}

	smooth := BoxBlur(gray, briefBlurRadius)
	features := make([]Feature, len(corners))
	for i, c := range corners {
		features[i] = Feature{
			Keypoint:   Keypoint{X: float64(c.x), Y: float64(c.y), Response: float64(c.score)},
			Descriptor: e.describe(smooth, c.x, c.y),
		}
	}
	return FeatureSet{Features: features}, nil
}

func (e *BriefExtractor) describe(smooth *image.Gray, x, y int) Descriptor {
	d := make(Descriptor, briefBits/8)
	for i, p := range e.pairs {
		a := smooth.Pix[(y+p[1])*smooth.Stride+x+p[0]]
		b := smooth.Pix[(y+p[3])*smooth.Stride+x+p[2]]
		if a < b {
			d[i>>3] |= 1 << uint(i&7)
		}
	}
	return d
}

// fastScore returns the sum of absolute differences beyond threshold over the
// circle when at least fastArc contiguous pixels are all brighter or all
// darker than the center, and zero otherwise.
func fastScore(g *image.Gray, x, y, threshold int) int {
	center := int(g.Pix[y*g.Stride+x])
	var states [16]int8
	var vals [16]int
	for i, off := range fastCircle {
		v := int(g.Pix[(y+off[1])*g.Stride+x+off[0]])
		vals[i] = v
		switch {
		case v > center+threshold:
			states[i] = 1
		case v < center-threshold:
			states[i] = -1
		}
	}
	if !hasArc(states, 1) && !hasArc(states, -1) {
		return 0
	}
	score := 0
	for _, v := range vals {
		if d := abs(v-center) - threshold; d > 0 {
			score += d
		}
	}
	return score
}

func hasArc(states [16]int8, want int8) bool {
	run := 0
	for i := 0; i < 32; i++ {
		if states[i&15] == want {
			run++
			if run >= fastArc {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// suppress keeps local maxima in a 3x3 window. Equal scores keep the first in raster order.
func suppress(scores []int, w, h, margin int) []corner {
	var out []corner
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			s := scores[y*w+x]
			if s == 0 || !isLocalMax(scores, w, x, y, s) {
				continue
			}
			out = append(out, corner{x: x, y: y, score: s})
		}
	}
	return out
}

func isLocalMax(scores []int, w, x, y, s int) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := scores[(y+dy)*w+x+dx]
			before := dy < 0 || (dy == 0 && dx < 0)
			if n > s || (before && n == s) {
				return false
			}
		}
	}
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
