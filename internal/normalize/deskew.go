package normalize

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	skewAnalysisSize = 1000
	skewMaxSamples   = 40000
	skewMinSamples   = 50
	minInkFraction   = 0.001
	maxInkFraction   = 0.5
)

// detectSkew finds the angle (degrees, counter-clockwise positive) by which
// the text lines are rotated away from horizontal. It maximizes the
// sharpness of the projection profile of ink pixels, first in whole degrees
// and then in tenths around the best whole-degree angle.
func detectSkew(img *image.Gray, maxAngle float64) (float64, error) {
	small := img
	if b := img.Bounds(); b.Dx() > skewAnalysisSize || b.Dy() > skewAnalysisSize {
		small = toGray(imaging.Fit(img, skewAnalysisSize, skewAnalysisSize, imaging.Box))
	}

	hist, total := histogram(small)
	threshold := otsu(hist, total)
	ink := 0
	for v := 0; v <= int(threshold); v++ {
		ink += hist[v]
	}
	fraction := float64(ink) / float64(total)
	if fraction < minInkFraction || fraction > maxInkFraction {
		return 0, fmt.Errorf("%w: ink covers %.4f of the page", errDegenerate, fraction)
	}

	xs, ys := inkSamples(small, threshold, ink)
	if len(xs) < skewMinSamples {
		return 0, fmt.Errorf("%w: only %d ink samples", errDegenerate, len(xs))
	}

	w := float64(small.Bounds().Dx())
	h := float64(small.Bounds().Dy())
	limit := math.Floor(maxAngle)

	best, bestScore := 0.0, profileScore(xs, ys, w, h, 0)
	for a := -limit; a <= limit; a++ {
		if s := profileScore(xs, ys, w, h, a); s > bestScore {
			best, bestScore = a, s
		}
	}
	coarse := best
	for i := -10; i <= 10; i++ {
		a := coarse + float64(i)/10
		if math.Abs(a) > maxAngle {
			continue
		}
		if s := profileScore(xs, ys, w, h, a); s > bestScore {
			best, bestScore = a, s
		}
	}

	return math.Round(best*10) / 10, nil
}

// inkSamples returns coordinates of at most skewMaxSamples ink pixels, taken
// at a fixed stride in scan order.
func inkSamples(img *image.Gray, threshold uint8, ink int) ([]float64, []float64) {
	stride := 1
	if ink > skewMaxSamples {
		stride = (ink + skewMaxSamples - 1) / skewMaxSamples
	}
	xs := make([]float64, 0, ink/stride+1)
	ys := make([]float64, 0, ink/stride+1)
	b := img.Bounds()
	n := 0
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		for x, v := range row {
			if v > threshold {
				continue
			}
			if n%stride == 0 {
				xs = append(xs, float64(x))
				ys = append(ys, float64(y))
			}
			n++
		}
	}
	return xs, ys
}

// profileScore projects the samples onto the axis perpendicular to lines
// rotated by angle and returns the sum of squared bin counts. Aligned text
// packs ink into few bins, which maximizes the score.
func profileScore(xs, ys []float64, w, h, angle float64) int64 {
	rad := angle * math.Pi / 180
	s, c := math.Sin(rad), math.Cos(rad)
	offset := math.Min(0, w*s)
	bins := make([]int64, int(math.Ceil(w*math.Abs(s)+h*c))+2)
	for i := range xs {
		idx := int(xs[i]*s + ys[i]*c - offset)
		if idx < 0 {
			idx = 0
		} else if idx >= len(bins) {
			idx = len(bins) - 1
		}
		bins[idx]++
	}
	var score int64
	for _, v := range bins {
		score += v * v
	}
	return score
}
