package normalize

import (
	"fmt"
	"image"
)

const minContrastSpread = 16

// stretchContrast maps the [low, high] percentile band of the histogram onto
// 0..255, clipping the tails.
func stretchContrast(img *image.Gray, low, high float64) (*image.Gray, error) {
	hist, total := histogram(img)
	lo := percentile(hist, total, low)
	hi := percentile(hist, total, high)
	if int(hi)-int(lo) < minContrastSpread {
		return nil, fmt.Errorf("%w: contrast spread %d", errDegenerate, int(hi)-int(lo))
	}

	var lut [256]uint8
	scale := 255 / float64(int(hi)-int(lo))
	for v := range lut {
		lut[v] = clamp8(float64(v-int(lo)) * scale)
	}

	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		dst := out.Pix[y*out.Stride : y*out.Stride+b.Dx()]
		for x, v := range src {
			dst[x] = lut[v]
		}
	}
	return out, nil
}

func percentile(hist [256]int, total int, p float64) uint8 {
	target := int(p * float64(total))
	acc := 0
	for v, c := range hist {
		acc += c
		if acc > target {
			return uint8(v)
		}
	}
	return 255
}
