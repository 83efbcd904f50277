package normalize

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	shadowScale       = 8
	shadowDilations   = 2
	minBackgroundMean = 24
)

// removeShadows estimates the paper illumination with a max filter (which
// erases dark strokes) followed by a wide blur on a reduced copy, then divides
// it out and stretches the result back to the full 0..255 range.
func removeShadows(img *image.Gray, strength float64) (*image.Gray, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	sw, sh := max(1, w/shadowScale), max(1, h/shadowScale)

	small := resize(img, sw, sh, imaging.Box)
	for i := 0; i < shadowDilations; i++ {
		small = dilate(small)
	}
	sigma := float64(max(sw, sh))/50 + 1
	background := resize(toGray(imaging.Blur(small, sigma)), w, h, imaging.Linear)

	hist, total := histogram(background)
	var sum int
	for v, c := range hist {
		sum += v * c
	}
	if mean := float64(sum) / float64(total); mean < minBackgroundMean {
		return nil, fmt.Errorf("%w: background mean %.1f", errDegenerate, mean)
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	lo, hi := 255.0, 0.0
	values := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(img.Pix[y*img.Stride+x])
			bg := math.Max(float64(background.Pix[y*background.Stride+x]), 1)
			flat := math.Min(255*v/bg, 255)
			blended := v*(1-strength) + flat*strength
			values[y*w+x] = blended
			lo = math.Min(lo, blended)
			hi = math.Max(hi, blended)
		}
	}

	scale := 1.0
	if hi > lo {
		scale = 255 / (hi - lo)
	} else {
		lo = 0
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*out.Stride+x] = clamp8((values[y*w+x] - lo) * scale)
		}
	}
	return out, nil
}

// dilate applies a 3x3 grayscale max filter.
func dilate(img *image.Gray) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var m uint8
			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					if v := img.Pix[yy*img.Stride+xx]; v > m {
						m = v
					}
				}
			}
			out.Pix[y*out.Stride+x] = m
		}
	}
	return out
}
