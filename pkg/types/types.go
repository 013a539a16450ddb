// Package types defines the shared data model for detection and cropping.
package types

import (
	"fmt"
	"image"
)

// Label identifies what a detection box contains.
type Label string

const (
	LabelPerson    Label = "person"
	LabelWatermark Label = "watermark"
)

// Rect is an axis-aligned rectangle in pixel coordinates.
// A well-formed Rect satisfies X1 < X2 and Y1 < Y2.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() int { return r.X2 - r.X1 }

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() int { return r.Y2 - r.Y1 }

// Area returns the rectangle area in pixels.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width() * r.Height()
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.X2 <= r.X1 || r.Y2 <= r.Y1 }

// Valid reports whether the rectangle is well-formed.
func (r Rect) Valid() bool { return r.X1 < r.X2 && r.Y1 < r.Y2 }

// Intersects reports whether r and o share at least one pixel.
func (r Rect) Intersects(o Rect) bool {
	return r.X1 < o.X2 && o.X1 < r.X2 && r.Y1 < o.Y2 && o.Y1 < r.Y2
}

// Union returns the smallest rectangle containing both r and o.
func (r Rect) Union(o Rect) Rect {
	u := r
	if o.X1 < u.X1 {
		u.X1 = o.X1
	}
	if o.Y1 < u.Y1 {
		u.Y1 = o.Y1
	}
	if o.X2 > u.X2 {
		u.X2 = o.X2
	}
	if o.Y2 > u.Y2 {
		u.Y2 = o.Y2
	}
	return u
}

// Clamp restricts the rectangle to the bounds of a width x height image.
// A rectangle lying fully outside the image clamps to an empty one.
func (r Rect) Clamp(width, height int) Rect {
	c := Rect{
		X1: clampInt(r.X1, 0, width),
		Y1: clampInt(r.Y1, 0, height),
		X2: clampInt(r.X2, 0, width),
		Y2: clampInt(r.Y2, 0, height),
	}
	return c
}

// Bounds converts the rectangle for use with the standard image packages.
func (r Rect) Bounds() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// BoundingBox is a labeled detection rectangle with a model confidence.
type BoundingBox struct {
	Rect
	Confidence float64 `json:"confidence"`
	Label      Label   `json:"label"`
}

// DetectionSet holds all boxes of one label found in one image, tagged
// with the dimensions of the image they were detected in. Treat a set as
// immutable once built.
type DetectionSet struct {
	Label  Label         `json:"label"`
	ImageW int           `json:"image_w"`
	ImageH int           `json:"image_h"`
	Boxes  []BoundingBox `json:"boxes"`
}

// NewDetectionSet copies boxes into a fresh set.
func NewDetectionSet(label Label, imageW, imageH int, boxes []BoundingBox) DetectionSet {
	cp := make([]BoundingBox, len(boxes))
	copy(cp, boxes)
	return DetectionSet{Label: label, ImageW: imageW, ImageH: imageH, Boxes: cp}
}

// ZoneSource records how an exclusion zone was produced.
type ZoneSource string

const (
	ZoneDetected ZoneSource = "detected"
	ZoneManual   ZoneSource = "manual"
)

// ExclusionZone is an image region a crop should avoid covering.
type ExclusionZone struct {
	Rect
	Source ZoneSource `json:"source"`
}

// MultiSubjectRule decides which person boxes become the crop subject
// when more than one is detected.
type MultiSubjectRule string

const (
	RuleAll               MultiSubjectRule = "all"
	RuleLargest           MultiSubjectRule = "largest"
	RuleHighestConfidence MultiSubjectRule = "highest_confidence"
	RuleAsk               MultiSubjectRule = "ask"
)

// Valid reports whether the rule is one of the known values.
func (r MultiSubjectRule) Valid() bool {
	switch r {
	case RuleAll, RuleLargest, RuleHighestConfidence, RuleAsk:
		return true
	}
	return false
}

// WatermarkMode selects how exclusion zones are obtained.
type WatermarkMode string

const (
	WatermarkManual   WatermarkMode = "manual"
	WatermarkAuto     WatermarkMode = "auto"
	WatermarkDisabled WatermarkMode = "disabled"
)

// Valid reports whether the mode is one of the known values.
func (m WatermarkMode) Valid() bool {
	switch m {
	case WatermarkManual, WatermarkAuto, WatermarkDisabled:
		return true
	}
	return false
}

// CropPolicy is the user intent for one batch. It is captured once at
// batch creation and never mutated afterwards.
type CropPolicy struct {
	PaddingPercent      float64          `json:"padding_percent"`
	MultiSubjectRule    MultiSubjectRule `json:"multi_subject_rule"`
	WatermarkMode       WatermarkMode    `json:"watermark_mode"`
	WatermarkPercent    float64          `json:"watermark_percent"`
	ConfidenceThreshold float64          `json:"confidence_threshold"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() CropPolicy {
	return CropPolicy{
		PaddingPercent:      10,
		MultiSubjectRule:    RuleAsk,
		WatermarkMode:       WatermarkManual,
		WatermarkPercent:    0,
		ConfidenceThreshold: 0.5,
	}
}

// Validate checks every policy field against its allowed range.
func (p CropPolicy) Validate() error {
	if p.PaddingPercent < 0 || p.PaddingPercent > 50 {
		return fmt.Errorf("padding_percent must be between 0 and 50, got %v", p.PaddingPercent)
	}
	if !p.MultiSubjectRule.Valid() {
		return fmt.Errorf("unknown multi_subject_rule %q", p.MultiSubjectRule)
	}
	if !p.WatermarkMode.Valid() {
		return fmt.Errorf("unknown watermark_mode %q", p.WatermarkMode)
	}
	if p.WatermarkPercent < 0 || p.WatermarkPercent > 30 {
		return fmt.Errorf("watermark_percent must be between 0 and 30, got %v", p.WatermarkPercent)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %v", p.ConfidenceThreshold)
	}
	return nil
}

// Outcome is the result kind of a crop resolution.
type Outcome string

const (
	// OutcomeCrop means a final rectangle was produced.
	OutcomeCrop Outcome = "crop"
	// OutcomeNoSubject means no usable subject was detected.
	OutcomeNoSubject Outcome = "no_subject"
	// OutcomeAmbiguous means a human has to choose among candidates.
	OutcomeAmbiguous Outcome = "ambiguous"
)

// CropResolution is the outcome of resolving one image against a policy.
// Rect is meaningful only for OutcomeCrop, Candidates only for
// OutcomeAmbiguous.
type CropResolution struct {
	Outcome    Outcome       `json:"outcome"`
	Rect       Rect          `json:"rect"`
	Candidates []BoundingBox `json:"candidates,omitempty"`
}

// NormBox is a bounding box in the normalized 0-1 coordinates the vision
// models reply with. X and Y locate the top-left corner.
type NormBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// RawDetection is one object as reported by a vision model, before any
// validation or scaling to pixels.
type RawDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        NormBox `json:"box"`
}

// DetectionPayload is the JSON document the detection prompt asks the
// model to produce.
type DetectionPayload struct {
	Objects []RawDetection `json:"objects"`
}
