package normalize

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// RawImage is a decoded upload plus the identifier of where it came from.
// It is never modified after Decode returns.
type RawImage struct {
	// Index is the upload position within the batch.
	Index int
	// Source identifies the upload within its batch: the filename, or the
	// upload index when no name was given.
	Source string
	Image  image.Image
}

// Width returns the pixel width of the image.
func (r *RawImage) Width() int { return r.Image.Bounds().Dx() }

// Height returns the pixel height of the image.
func (r *RawImage) Height() int { return r.Image.Bounds().Dy() }

// Channels reports the number of color channels in the decoded buffer.
func (r *RawImage) Channels() int {
	switch r.Image.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64:
		return 4
	default:
		return 3
	}
}

// Decode turns uploaded bytes into a RawImage. JPEG orientation tags are
// applied so phone photos come out the way they were held.
func Decode(index int, source string, data []byte, contentType string) (*RawImage, error) {
	if source == "" {
		source = fmt.Sprintf("upload-%d", index+1)
	}
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	var (
		img image.Image
		err error
	)
	switch {
	case mimeType == "application/pdf" || isPDF(data):
		img, err = pdfToImage(data)
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	default:
		img, err = imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
				err = fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
			} else {
				err = fmt.Errorf("decoding image: %w", err)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decoding image: %s has no pixels", source)
	}

	return &RawImage{Index: index, Source: source, Image: img}, nil
}

// pdfToImage renders the first page of a PDF (statement photos exported as PDF are single page)
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// isHEICFormat checks for an ftyp box carrying one of the HEIC/HEIF brands
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
