// Package processing is the pixel layer: decoding, encoding, cropping
// and preview rendering. Nothing here calls a model.
package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	_ "golang.org/x/image/webp"

	"cropbatch/pkg/types"
)

// minDimension is the smallest image edge worth processing. Anything
// below it is likely a thumbnail or icon.
const minDimension = 32

// IOError wraps a failure to read, decode or write an image.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Processor handles image processing operations.
type Processor struct{}

// NewProcessor creates a new image processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// LoadImage loads an image from disk. WebP files not handled by the
// registered decoders get an explicit fallback.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	if strings.Contains(strings.ToLower(path), ".webp") {
		if img, err := webp.Decode(f); err == nil {
			return img, nil
		}
	}
	if _, err := f.Seek(0, 0); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, &IOError{Op: "decode", Path: path, Err: fmt.Errorf("unknown image format")}
}

// LoadImageFromURL downloads and decodes an image.
func (p *Processor) LoadImageFromURL(imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, &IOError{Op: "fetch", Path: imageURL, Err: err}
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, &IOError{Op: "fetch", Path: imageURL, Err: fmt.Errorf("unsupported URL scheme %q", parsedURL.Scheme)}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(imageURL)
	if err != nil {
		return nil, &IOError{Op: "fetch", Path: imageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &IOError{Op: "fetch", Path: imageURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, &IOError{Op: "decode", Path: imageURL, Err: err}
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or a URL.
func (p *Processor) LoadImageSmart(source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(source)
	}
	return p.LoadImage(source)
}

// PrepareImageForModel converts an image to base64 for a vision model,
// downscaling so the long side does not exceed maxDim.
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// CropToRect cuts the given pixel rectangle out of the image.
func (p *Processor) CropToRect(img image.Image, r types.Rect) (image.Image, error) {
	rect := r.Bounds().Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("crop rect %+v lies outside the image %v", r, img.Bounds())
	}
	return imaging.Crop(img, rect), nil
}

// SaveImage encodes the image to path in the given format.
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return &IOError{Op: "write", Path: path, Err: err}
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		if err := webp.Encode(f, img, opts); err != nil {
			return &IOError{Op: "encode", Path: path, Err: err}
		}
		return nil
	case "png":
		if err := imaging.Save(img, path); err != nil {
			return &IOError{Op: "write", Path: path, Err: err}
		}
		return nil
	case "jpg", "jpeg":
		if err := imaging.Save(img, path, imaging.JPEGQuality(quality)); err != nil {
			return &IOError{Op: "write", Path: path, Err: err}
		}
		return nil
	default:
		return &IOError{Op: "write", Path: path, Err: fmt.Errorf("unsupported output format %q", format)}
	}
}

// RenderOverlay draws detections, exclusion zones and the final crop
// onto a copy of the image: green for person boxes with their
// confidence, blue for zones, red for the crop rectangle.
func (p *Processor) RenderOverlay(img image.Image, boxes []types.BoundingBox, zones []types.ExclusionZone, crop types.Rect) image.Image {
	dc := gg.NewContextForImage(img)

	for _, z := range zones {
		dc.SetRGBA255(66, 133, 244, 255)
		dc.SetLineWidth(2)
		strokeRect(dc, z.Rect)
	}

	for _, b := range boxes {
		dc.SetRGBA255(52, 168, 83, 255)
		dc.SetLineWidth(2)
		strokeRect(dc, b.Rect)
		label := fmt.Sprintf("%s %.2f", b.Label, b.Confidence)
		dc.DrawString(label, float64(b.X1)+3, float64(b.Y1)+13)
	}

	if !crop.Empty() {
		dc.SetRGBA255(234, 67, 53, 255)
		dc.SetLineWidth(3)
		strokeRect(dc, crop)
	}

	return dc.Image()
}

func strokeRect(dc *gg.Context, r types.Rect) {
	dc.DrawRectangle(float64(r.X1), float64(r.Y1), float64(r.Width()), float64(r.Height()))
	dc.Stroke()
}

// Info describes an image file without fully decoding it.
type Info struct {
	Width     int
	Height    int
	Format    string
	SizeBytes int64
}

// Inspect reads the header of an image file.
func (p *Processor) Inspect(path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, &IOError{Op: "stat", Path: path, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return Info{}, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Info{}, &IOError{Op: "decode", Path: path, Err: err}
	}

	return Info{Width: cfg.Width, Height: cfg.Height, Format: format, SizeBytes: st.Size()}, nil
}

// Validate rejects images too small to crop meaningfully.
func (p *Processor) Validate(img image.Image) error {
	if img == nil {
		return fmt.Errorf("image is nil")
	}
	b := img.Bounds()
	if b.Dx() < minDimension || b.Dy() < minDimension {
		return fmt.Errorf("image %dx%d is below the minimum of %dpx", b.Dx(), b.Dy(), minDimension)
	}
	return nil
}
