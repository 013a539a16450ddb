// Package detection turns images into validated detection sets by
// prompting a vision model. It owns the single inference gate: no
// matter how many workers run, at most one model call is in flight.
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"cropbatch/pkg/client"
	"cropbatch/pkg/processing"
	"cropbatch/pkg/types"
	"cropbatch/pkg/vision"
	"cropbatch/pkg/watermark"
)

// CheckPrompt is used to verify the model can actually see images.
const CheckPrompt = `What do you see in this image? Describe it briefly.`

// PersonPrompt asks for every visible person as a normalized box.
const PersonPrompt = `You are a person locator for photo cropping.

Return JSON only:
{
  "objects": [
    {"label": "person", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x and y are the top-left corner.
- One entry per clearly visible person, including partially visible people.
- confidence is your certainty that the box contains a person.
- If nobody is visible, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// WatermarkPrompt asks for overlaid watermarks, logos and stamps.
const WatermarkPrompt = `You are a watermark locator.

Return JSON only:
{
  "objects": [
    {"label": "watermark", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x and y are the top-left corner.
- Report only graphics OVERLAID on the photo: watermarks, site logos, stock stamps, copyright text.
- Do NOT report objects that are part of the scene (shirt prints, street signs, posters).
- If there is no overlay, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// InferenceError reports a failed model call. Unavailable means the
// backend could not be reached at all, which no retry will fix.
type InferenceError struct {
	Unavailable bool
	Err         error
}

func (e *InferenceError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("inference backend unavailable: %v", e.Err)
	}
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Options configures a Detector.
type Options struct {
	Model string

	// Minimum confidence for person and watermark boxes.
	ConfidenceThreshold float64
	WatermarkThreshold  float64

	// How images are sent to the model.
	SendFormat  string
	SendMaxDim  int
	SendQuality int

	// Optional template matcher merged into watermark detection.
	Matcher *vision.TemplateMatcher
}

// Detector runs detection prompts against a vision client and converts
// the replies into pixel-space detection sets.
type Detector struct {
	client  client.VisionClient
	proc    *processing.Processor
	opts    Options
	matcher *vision.TemplateMatcher

	// mu is the inference gate. It is held only around model calls,
	// never across decode or encode work.
	mu       sync.Mutex
	degraded bool
}

// NewDetector creates a detector. Zero send options get defaults
// suitable for local vision models.
func NewDetector(c client.VisionClient, opts Options) *Detector {
	if opts.SendFormat == "" {
		opts.SendFormat = "jpeg"
	}
	if opts.SendMaxDim == 0 {
		opts.SendMaxDim = 1024
	}
	if opts.SendQuality == 0 {
		opts.SendQuality = 85
	}
	return &Detector{
		client:  c,
		proc:    processing.NewProcessor(),
		opts:    opts,
		matcher: opts.Matcher,
	}
}

// DetectPersons finds people in the image.
func (d *Detector) DetectPersons(ctx context.Context, img image.Image) (types.DetectionSet, error) {
	return d.detect(ctx, img, types.LabelPerson, PersonPrompt, d.opts.ConfidenceThreshold)
}

// DetectWatermarks finds watermark overlays in the image. Hits from a
// configured template matcher are merged in, and overlapping detections
// are collapsed before the set is returned.
func (d *Detector) DetectWatermarks(ctx context.Context, img image.Image) (types.DetectionSet, error) {
	set, err := d.detect(ctx, img, types.LabelWatermark, WatermarkPrompt, d.opts.WatermarkThreshold)
	if err != nil {
		return types.DetectionSet{}, err
	}

	boxes := set.Boxes
	if d.matcher != nil {
		// Template matching is pure pixel math and runs outside the gate.
		boxes = append(boxes, d.matcher.Match(img)...)
	}
	return types.NewDetectionSet(types.LabelWatermark, set.ImageW, set.ImageH, watermark.Deduplicate(boxes)), nil
}

// Check sends a plain "describe this" prompt, for verifying a backend
// sees images at all before starting a batch.
func (d *Detector) Check(ctx context.Context, img image.Image) (string, error) {
	b64, err := d.proc.PrepareImageForModel(img, d.opts.SendFormat, d.opts.SendMaxDim, d.opts.SendQuality)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.SimpleQuery(ctx, d.opts.Model, CheckPrompt, b64)
}

// Degraded reports whether the detector has fallen back to degraded
// execution mode.
func (d *Detector) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

func (d *Detector) detect(ctx context.Context, img image.Image, label types.Label, prompt string, minConf float64) (types.DetectionSet, error) {
	if err := d.proc.Validate(img); err != nil {
		return types.DetectionSet{}, err
	}

	// Encoding happens before the gate is taken.
	b64, err := d.proc.PrepareImageForModel(img, d.opts.SendFormat, d.opts.SendMaxDim, d.opts.SendQuality)
	if err != nil {
		return types.DetectionSet{}, err
	}

	raws, err := d.infer(ctx, prompt, b64)
	if err != nil {
		return types.DetectionSet{}, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	boxes := toPixelBoxes(raws, w, h, label, minConf)
	return types.NewDetectionSet(label, w, h, boxes), nil
}

// infer performs one model call under the gate. A failed call is
// retried exactly once in degraded mode; the switch to degraded mode is
// sticky for the lifetime of the detector.
func (d *Detector) infer(ctx context.Context, prompt, b64 string) ([]types.RawDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := client.DetectRequest{
		Model:    d.opts.Model,
		Prompt:   prompt,
		ImageB64: b64,
		Degraded: d.degraded,
	}

	raws, err := d.client.DetectObjects(ctx, req)
	if err == nil {
		return raws, nil
	}
	if errors.Is(err, client.ErrUnavailable) {
		return nil, &InferenceError{Unavailable: true, Err: err}
	}
	if ctx.Err() != nil || d.degraded {
		return nil, &InferenceError{Err: err}
	}

	log.Warn().Err(err).Msg("inference failed, retrying in degraded mode")
	d.degraded = true
	req.Degraded = true

	raws, err = d.client.DetectObjects(ctx, req)
	if err == nil {
		return raws, nil
	}
	if errors.Is(err, client.ErrUnavailable) {
		return nil, &InferenceError{Unavailable: true, Err: err}
	}
	return nil, &InferenceError{Err: err}
}

// toPixelBoxes validates raw detections and scales them to pixels.
// Boxes are clamped into the image; degenerate ones are dropped.
func toPixelBoxes(raws []types.RawDetection, w, h int, label types.Label, minConf float64) []types.BoundingBox {
	fw, fh := float64(w), float64(h)

	var out []types.BoundingBox
	for _, r := range raws {
		if !strings.EqualFold(r.Label, string(label)) {
			continue
		}
		conf := clamp01(r.Confidence)
		if conf < minConf {
			continue
		}

		x := clamp01(r.Box.X)
		y := clamp01(r.Box.Y)
		bw := clampRange(r.Box.W, 0, 1-x)
		bh := clampRange(r.Box.H, 0, 1-y)

		rect := types.Rect{
			X1: int(x * fw),
			Y1: int(y * fh),
			X2: int((x + bw) * fw),
			Y2: int((y + bh) * fh),
		}.Clamp(w, h)
		if !rect.Valid() {
			continue
		}

		out = append(out, types.BoundingBox{Rect: rect, Confidence: conf, Label: label})
	}
	return out
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
