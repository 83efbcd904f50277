package normalize

import (
	"errors"
	"image"
	"log/slog"
)

// Step names used in Degradation records.
const (
	StepDeskew  = "deskew"
	StepShadow  = "shadow"
	StepEnhance = "enhance"
)

// errDegenerate marks a step whose estimate collapsed (blank page, black frame, ...).
var errDegenerate = errors.New("degenerate estimate")

// Options toggles the individual correction steps.
type Options struct {
	Deskew bool
	// MaxSkew bounds the skew search in degrees either side of horizontal.
	MaxSkew float64

	ShadowRemoval bool
	// ShadowStrength blends the flattened image with the original, 0..1.
	ShadowStrength float64

	Enhance bool
	// SharpenSigma is the radius of the unsharp mask; 0 disables sharpening.
	SharpenSigma float64
}

// DefaultOptions enables every step with values tuned for phone photos of printed statements.
func DefaultOptions() Options {
	return Options{
		Deskew:         true,
		MaxSkew:        45,
		ShadowRemoval:  true,
		ShadowStrength: 1,
		Enhance:        true,
		SharpenSigma:   0.6,
	}
}

// Degradation records a step that fell back to a no-op.
type Degradation struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// NormalizedImage is a RawImage after geometric and photometric correction.
type NormalizedImage struct {
	Index  int
	Source string
	Image  *image.Gray
	// Skew is the rotation in degrees that was removed.
	Skew     float64
	Degraded []Degradation
}

// LowConfidence reports whether any preprocessing step was skipped.
func (n *NormalizedImage) LowConfidence() bool {
	return len(n.Degraded) > 0
}

func (n *NormalizedImage) degrade(step string, err error) {
	n.Degraded = append(n.Degraded, Degradation{Step: step, Reason: err.Error()})
}

// Normalizer runs the correction steps. It holds no mutable state and is
// safe for concurrent use.
type Normalizer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Normalizer
func New(opts Options, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxSkew <= 0 || opts.MaxSkew > 45 {
		opts.MaxSkew = 45
	}
	if opts.ShadowStrength < 0 {
		opts.ShadowStrength = 0
	}
	if opts.ShadowStrength > 1 {
		opts.ShadowStrength = 1
	}
	return &Normalizer{opts: opts, logger: logger}
}

// Normalize never fails: a step that cannot produce a sane estimate is
// skipped and recorded in Degraded.
func (n *Normalizer) Normalize(raw *RawImage) *NormalizedImage {
	out := &NormalizedImage{Index: raw.Index, Source: raw.Source}
	gray := toGray(raw.Image)

	if n.opts.Deskew {
		angle, err := detectSkew(gray, n.opts.MaxSkew)
		if err != nil {
			out.degrade(StepDeskew, err)
		} else if angle != 0 {
			gray = rotate(gray, -angle)
			out.Skew = angle
		}
	}

	if n.opts.ShadowRemoval && n.opts.ShadowStrength > 0 {
		flat, err := removeShadows(gray, n.opts.ShadowStrength)
		if err != nil {
			out.degrade(StepShadow, err)
		} else {
			gray = flat
		}
	}

	if n.opts.Enhance {
		stretched, err := stretchContrast(gray, 0.005, 0.995)
		if err != nil {
			out.degrade(StepEnhance, err)
		} else {
			gray = sharpen(stretched, n.opts.SharpenSigma)
		}
	}

	out.Image = gray
	if out.LowConfidence() {
		n.logger.Warn("Preprocessing degraded", "source", raw.Source, "steps", out.Degraded)
	} else {
		n.logger.Debug("Image normalized", "source", raw.Source, "skew", out.Skew,
			"width", gray.Bounds().Dx(), "height", gray.Bounds().Dy())
	}
	return out
}
