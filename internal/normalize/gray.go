package normalize

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// toGray flattens any image onto a white page and returns an 8-bit luma copy
// with its origin at 0,0.
func toGray(img image.Image) *image.Gray {
	src := imaging.Grayscale(img)
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		si := y * src.Stride
		di := y * dst.Stride
		for x := 0; x < b.Dx(); x++ {
			v := uint32(src.Pix[si+4*x])
			a := uint32(src.Pix[si+4*x+3])
			dst.Pix[di+x] = uint8((v*a + 255*(255-a)) / 255)
		}
	}
	return dst
}

func rotate(img *image.Gray, angle float64) *image.Gray {
	return toGray(imaging.Rotate(img, angle, color.White))
}

func resize(img *image.Gray, w, h int, filter imaging.ResampleFilter) *image.Gray {
	return toGray(imaging.Resize(img, w, h, filter))
}

func sharpen(img *image.Gray, sigma float64) *image.Gray {
	if sigma <= 0 {
		return img
	}
	return toGray(imaging.Sharpen(img, sigma))
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

func histogram(img *image.Gray) (hist [256]int, total int) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		for _, v := range row {
			hist[v]++
		}
	}
	return hist, b.Dx() * b.Dy()
}

// otsu returns the threshold that best separates ink from paper.
func otsu(hist [256]int, total int) uint8 {
	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}
	var (
		sumB, wB, best float64
		threshold      int
	)
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = t
		}
	}
	return uint8(threshold)
}
