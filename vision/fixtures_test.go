package vision

import (
	"image"
	"image/color"
	"math/rand/v2"
)

const descriptorBytes = 32

// blockDescriptor sets bytes [6i, 6i+6) to 0xFF.
func blockDescriptor(i int) Descriptor {
	d := make(Descriptor, descriptorBytes)
	for b := 6 * i; b < 6*i+6; b++ {
		d[b] = 0xFF
	}
	return d
}

func flipBits(d Descriptor, bits ...int) Descriptor {
	out := append(Descriptor(nil), d...)
	for _, bit := range bits {
		out[bit>>3] ^= 1 << uint(bit&7)
	}
	return out
}

func setOf(descs ...Descriptor) FeatureSet {
	features := make([]Feature, len(descs))
	for i, d := range descs {
		features[i] = Feature{Keypoint: Keypoint{X: float64(i), Y: float64(i)}, Descriptor: d}
	}
	return FeatureSet{Features: features}
}

func fiveTargets() FeatureSet {
	descs := make([]Descriptor, 5)
	for i := range descs {
		descs[i] = blockDescriptor(i)
	}
	return setOf(descs...)
}

// scenarioBLive keeps an exact copy of target 0 and, for each other target,
// two variants equidistant from it so only target 0 survives the ratio test.
func scenarioBLive() FeatureSet {
	descs := []Descriptor{blockDescriptor(0)}
	for i := 1; i < 5; i++ {
		base := 6 * i * 8
		descs = append(descs,
			flipBits(blockDescriptor(i), base, base+1),
			flipBits(blockDescriptor(i), base+2, base+3),
		)
	}
	return setOf(descs...)
}

func randomSet(seed uint64, n int) FeatureSet {
	rng := rand.New(rand.NewPCG(seed, 1))
	descs := make([]Descriptor, n)
	for i := range descs {
		d := make(Descriptor, descriptorBytes)
		for b := range d {
			d[b] = byte(rng.IntN(256))
		}
		descs[i] = d
	}
	return setOf(descs...)
}

// texturedImage fills w x h with 5 pixel cells of seeded random shades.
func texturedImage(seed uint64, w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewPCG(seed, 2))
	const cell = 5
	for cy := 0; cy < h; cy += cell {
		for cx := 0; cx < w; cx += cell {
			shade := color.Gray{Y: uint8(rng.IntN(256))}
			for y := cy; y < min(cy+cell, h); y++ {
				for x := cx; x < min(cx+cell, w); x++ {
					img.SetGray(x, y, shade)
				}
			}
		}
	}
	return img
}
