// Package cropbatch provides person-aware batch cropping driven by a
// local vision model.
//
// The package sends each image to an Ollama or llama.cpp backend, asks
// the model for person bounding boxes, resolves a crop rectangle that
// covers the selected subjects with padding while avoiding watermark
// zones, and writes the cropped file. Batches run on a fixed worker
// pool and report progress, previews and multi-person ambiguities over
// an event channel.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		"cropbatch"
//		"cropbatch/pkg/batch"
//		"cropbatch/pkg/types"
//	)
//
//	func main() {
//		// Connect to an Ollama server on localhost with defaults.
//		engine, err := cropbatch.New()
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		b, err := engine.NewBatch([]string{"photos/one.jpg", "photos/two.jpg"})
//		if err != nil {
//			log.Fatal(err)
//		}
//		if err := b.Start(context.Background()); err != nil {
//			log.Fatal(err)
//		}
//
//		for ev := range b.Events() {
//			switch ev := ev.(type) {
//			case batch.ProgressEvent:
//				fmt.Printf("%d/%d done\n", ev.Processed+ev.Skipped+ev.Errors, ev.Total)
//			case batch.AmbiguityEvent:
//				// Several people found; keep the largest from now on.
//				b.SubmitSelection(batch.Selection{
//					Rule:             types.RuleLargest,
//					ApplyToRemaining: true,
//				})
//			}
//		}
//
//		summary := b.Wait()
//		fmt.Printf("cropped %d, skipped %d, errors %d\n",
//			summary.Processed, summary.Skipped, summary.Errors)
//	}
//
// The package consists of these main components:
//
//  1. Client (pkg/ollama, pkg/llamacpp): vision backends behind a common interface
//  2. Detection (pkg/detection): prompts, response parsing and the inference gate
//  3. Cropper (pkg/cropper): pure crop geometry, no I/O
//  4. Batch (pkg/batch): worker pool, pause/resume and the selection protocol
//  5. Processing (pkg/processing): decoding, encoding and preview overlays
package cropbatch

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"cropbatch/internal/utils"
	"cropbatch/pkg/batch"
	"cropbatch/pkg/client"
	"cropbatch/pkg/detection"
	"cropbatch/pkg/llamacpp"
	"cropbatch/pkg/ollama"
	"cropbatch/pkg/processing"
	"cropbatch/pkg/types"
	"cropbatch/pkg/vision"
)

// Version of the cropbatch library
const Version = "1.0.0"

// Config collects everything needed to build an Engine.
type Config struct {
	// Backend is "ollama" or "llamacpp".
	Backend    string
	BackendURL string
	Model      string

	// Policy drives subject selection and crop geometry.
	Policy types.CropPolicy

	// WatermarkConfidence gates model-reported watermark boxes.
	WatermarkConfidence float64

	// TemplatePath optionally points at a known watermark image that is
	// also matched locally, without the model.
	TemplatePath string

	OutputDir      string
	OutputFormat   string // "original" keeps the source extension
	OutputQuality  int
	OutputLossless bool
	OutputSuffix   string

	Workers          int
	PreviewEvery     int
	SelectionTimeout time.Duration

	// How images are downscaled and encoded before being sent to the model.
	SendMaxDim  int
	SendFormat  string
	SendQuality int
}

// DefaultConfig returns a config for an Ollama server on localhost.
func DefaultConfig() Config {
	return Config{
		Backend:             "ollama",
		BackendURL:          "http://localhost:11434",
		Model:               "openbmb/minicpm-v4.5",
		Policy:              types.DefaultPolicy(),
		WatermarkConfidence: 0.35,
		OutputDir:           "./output",
		OutputFormat:        "original",
		OutputQuality:       95,
		OutputSuffix:        "_cropped",
		Workers:             4,
		PreviewEvery:        10,
		SendMaxDim:          1024,
		SendFormat:          "jpeg",
		SendQuality:         85,
	}
}

// Engine wires a vision backend, the detector and the image pipeline
// together and hands out batches.
type Engine struct {
	cfg    Config
	client client.VisionClient
	det    *detection.Detector
	proc   *processing.Processor
}

// New creates an Engine with the default configuration.
func New() (*Engine, error) {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates an Engine for the given configuration. Zero
// fields fall back to their defaults.
func NewWithConfig(cfg Config) (*Engine, error) {
	fillDefaults(&cfg)
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crop policy: %w", err)
	}

	var (
		vc  client.VisionClient
		err error
	)
	switch cfg.Backend {
	case "ollama":
		vc, err = ollama.NewClient(cfg.BackendURL)
	case "llamacpp":
		vc, err = llamacpp.NewClient(cfg.BackendURL)
	default:
		return nil, fmt.Errorf("unknown backend %q (want ollama or llamacpp)", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	proc := processing.NewProcessor()

	var matcher *vision.TemplateMatcher
	if cfg.TemplatePath != "" {
		tpl, err := proc.LoadImage(cfg.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("load watermark template: %w", err)
		}
		matcher = vision.NewTemplateMatcher(tpl, 0)
	}

	det := detection.NewDetector(vc, detection.Options{
		Model:               cfg.Model,
		ConfidenceThreshold: cfg.Policy.ConfidenceThreshold,
		WatermarkThreshold:  cfg.WatermarkConfidence,
		SendFormat:          cfg.SendFormat,
		SendMaxDim:          cfg.SendMaxDim,
		SendQuality:         cfg.SendQuality,
		Matcher:             matcher,
	})

	return &Engine{cfg: cfg, client: vc, det: det, proc: proc}, nil
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = def.BackendURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Policy == (types.CropPolicy{}) {
		cfg.Policy = def.Policy
	}
	if cfg.WatermarkConfidence == 0 {
		cfg.WatermarkConfidence = def.WatermarkConfidence
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = def.OutputDir
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = def.OutputFormat
	}
	if cfg.OutputQuality == 0 {
		cfg.OutputQuality = def.OutputQuality
	}
	if cfg.OutputSuffix == "" {
		cfg.OutputSuffix = def.OutputSuffix
	}
	if cfg.Workers == 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PreviewEvery == 0 {
		cfg.PreviewEvery = def.PreviewEvery
	}
	if cfg.SendMaxDim == 0 {
		cfg.SendMaxDim = def.SendMaxDim
	}
	if cfg.SendFormat == "" {
		cfg.SendFormat = def.SendFormat
	}
	if cfg.SendQuality == 0 {
		cfg.SendQuality = def.SendQuality
	}
}

// NewBatch builds a batch over the given image references. Each ref is
// a file path or an http(s) URL. The batch is not started.
func (e *Engine) NewBatch(refs []string) (*batch.Batch, error) {
	bio := &batchIO{proc: e.proc, cfg: e.cfg}
	return batch.New(e.det, bio, refs, e.cfg.Policy, batch.Options{
		Workers:          e.cfg.Workers,
		PreviewEvery:     e.cfg.PreviewEvery,
		SelectionTimeout: e.cfg.SelectionTimeout,
	})
}

// LoadImage loads an image from a file path or URL.
func (e *Engine) LoadImage(source string) (image.Image, error) {
	return e.proc.LoadImageSmart(source)
}

// Check verifies the backend end to end by asking the model to
// describe the given image, and returns the description.
func (e *Engine) Check(ctx context.Context, source string) (string, error) {
	img, err := e.proc.LoadImageSmart(source)
	if err != nil {
		return "", err
	}
	return e.det.Check(ctx, img)
}

// DetectPersons runs person detection on an already loaded image.
func (e *Engine) DetectPersons(ctx context.Context, img image.Image) (types.DetectionSet, error) {
	return e.det.DetectPersons(ctx, img)
}

// DetectWatermarks runs watermark detection on an already loaded image.
func (e *Engine) DetectWatermarks(ctx context.Context, img image.Image) (types.DetectionSet, error) {
	return e.det.DetectWatermarks(ctx, img)
}

// Inspect reads dimensions and format from an image file header.
func (e *Engine) Inspect(path string) (processing.Info, error) {
	return e.proc.Inspect(path)
}

// SavePreview renders the detection overlay for a source image and
// writes it as a PNG into dir, returning the written path.
func (e *Engine) SavePreview(source string, boxes []types.BoundingBox, zones []types.ExclusionZone, crop types.Rect, dir string) (string, error) {
	img, err := e.proc.LoadImageSmart(source)
	if err != nil {
		return "", err
	}
	overlay := e.proc.RenderOverlay(img, boxes, zones, crop)

	if err := utils.EnsureDir(dir); err != nil {
		return "", err
	}
	out := utils.GenerateOutputFilename(source, dir, "", "_preview", "png")
	if err := e.proc.SaveImage(overlay, out, "png", 100, false); err != nil {
		return "", err
	}
	return out, nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}

// batchIO adapts the processor and output settings to batch.ImageIO.
type batchIO struct {
	proc *processing.Processor
	cfg  Config
}

func (b *batchIO) Load(ctx context.Context, ref string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.proc.LoadImageSmart(ref)
}

func (b *batchIO) SaveCrop(ctx context.Context, ref string, src image.Image, crop types.Rect) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cropped, err := b.proc.CropToRect(src, crop)
	if err != nil {
		return "", err
	}
	if err := utils.EnsureDir(b.cfg.OutputDir); err != nil {
		return "", err
	}

	out := utils.GenerateOutputFilename(ref, b.cfg.OutputDir, "", b.cfg.OutputSuffix, b.cfg.OutputFormat)
	out, format := encodablePath(out)
	if err := b.proc.SaveImage(cropped, out, format, b.cfg.OutputQuality, b.cfg.OutputLossless); err != nil {
		return "", err
	}
	return out, nil
}

// encodablePath falls back to jpg when the resolved extension has no
// encoder, such as bmp inputs kept in their original format.
func encodablePath(path string) (string, string) {
	switch ext := utils.GetFileExtension(path); ext {
	case "jpg", "jpeg", "png", "webp":
		return path, ext
	default:
		return strings.TrimSuffix(path, filepath.Ext(path)) + ".jpg", "jpg"
	}
}
