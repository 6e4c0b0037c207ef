package vision

import (
	"image"

	"golang.org/x/image/draw"
)

// ToGray converts img to an 8-bit grayscale image with origin (0,0).
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// integral is a summed-area table with one row and column of zero padding.
type integral struct {
	w, h int
	sums []uint32
}

func newIntegral(g *image.Gray) integral {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	it := integral{w: w, h: h, sums: make([]uint32, (w+1)*(h+1))}
	for y := 0; y < h; y++ {
		var row uint32
		for x := 0; x < w; x++ {
			row += uint32(g.Pix[y*g.Stride+x])
			it.sums[(y+1)*(w+1)+x+1] = it.sums[y*(w+1)+x+1] + row
		}
	}
	return it
}

// boxSum returns the sum of pixels in [x0,x1) x [y0,y1), clipped to the image.
func (it integral) boxSum(x0, y0, x1, y1 int) (uint32, int) {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, it.w), min(y1, it.h)
	if x1 <= x0 || y1 <= y0 {
		return 0, 0
	}
	stride := it.w + 1
	s := it.sums[y1*stride+x1] - it.sums[y0*stride+x1] - it.sums[y1*stride+x0] + it.sums[y0*stride+x0]
	return s, (x1 - x0) * (y1 - y0)
}

// BoxBlur smooths g with a (2r+1)x(2r+1) mean filter.
func BoxBlur(g *image.Gray, r int) *image.Gray {
	if r <= 0 {
		return g
	}
	it := newIntegral(g)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, n := it.boxSum(x-r, y-r, x+r+1, y+r+1)
			out.Pix[y*out.Stride+x] = uint8(sum / uint32(n))
		}
	}
	return out
}
