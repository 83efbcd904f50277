package scanning

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/zombor/statement-digitizer/internal/normalize"
)

// DefaultMaxDimension keeps uploads within what vision models accept without
// server-side downscaling.
const DefaultMaxDimension = 2048

// Request is one extraction call: an encoded page plus the instructions and
// schema the answer must follow.
type Request struct {
	Index         int
	Source        string
	Image         []byte
	MIMEType      string
	Width         int
	Height        int
	Instructions  string
	Prompt        string
	Schema        Schema
	LowConfidence bool
}

// RequestBuilder encodes normalized pages into requests. It is a pure value.
type RequestBuilder struct {
	MaxDimension int
}

// NewRequestBuilder creates a RequestBuilder; a non-positive bound uses DefaultMaxDimension.
func NewRequestBuilder(maxDimension int) RequestBuilder {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return RequestBuilder{MaxDimension: maxDimension}
}

// Build downsizes the page if needed, encodes it as PNG and attaches the
// prompt generated from schema.
func (b RequestBuilder) Build(img *normalize.NormalizedImage, schema Schema) (*Request, error) {
	if img == nil || img.Image == nil {
		return nil, fmt.Errorf("building request: no image")
	}
	if len(schema.Fields) == 0 {
		return nil, fmt.Errorf("building request: schema %q has no fields", schema.Name)
	}

	maxDim := b.MaxDimension
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}

	var page = img.Image
	bounds := page.Bounds()
	var buf bytes.Buffer
	if bounds.Dx() > maxDim || bounds.Dy() > maxDim {
		fitted := imaging.Fit(page, maxDim, maxDim, imaging.Lanczos)
		bounds = fitted.Bounds()
		if err := png.Encode(&buf, fitted); err != nil {
			return nil, fmt.Errorf("encoding PNG: %w", err)
		}
	} else if err := png.Encode(&buf, page); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return &Request{
		Index:         img.Index,
		Source:        img.Source,
		Image:         buf.Bytes(),
		MIMEType:      "image/png",
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
		Instructions:  Instructions(schema),
		Prompt:        userPrompt(img),
		Schema:        schema,
		LowConfidence: img.LowConfidence(),
	}, nil
}

// Instructions renders the system prompt for schema.
func Instructions(schema Schema) string {
	var b strings.Builder
	b.WriteString("You are a data entry assistant reading a photographed bank statement page.\n\n")
	b.WriteString("Extract every transaction row that you can read with reasonable confidence. ")
	b.WriteString("Leave out rows you cannot read clearly; never guess digits. ")
	b.WriteString("Ignore headers, opening/closing balance lines and page totals.\n\n")
	fmt.Fprintf(&b, "Return ONLY JSON matching schema %q version %s: an object with a single key \"transactions\" ", schema.Name, schema.Version)
	b.WriteString("holding an array of rows. Each row has these fields, in this order:\n")
	for _, f := range schema.Fields {
		req := "required"
		if !f.Required {
			req = "optional, use null when absent"
		}
		fmt.Fprintf(&b, "- %q (%s, %s): %s\n", f.Name, f.Type, req, fieldHint(f))
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- If the page has separate withdrawal and deposit columns, combine them into one signed amount.\n")
	b.WriteString("- Keep rows in the order they appear on the page.\n")
	b.WriteString("- If the page has no readable transactions, return {\"transactions\": []}.\n")
	b.WriteString("- Do not include any text before or after the JSON.\n")
	b.WriteString("- Do not use markdown code blocks.")
	return b.String()
}

func userPrompt(img *normalize.NormalizedImage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Statement page: %s\n", img.Source)
	if img.LowConfidence() {
		b.WriteString("The photo could not be fully cleaned up. Only return rows you are sure about.\n")
	}
	b.WriteString("Extract the transactions from the attached image.")
	return b.String()
}
