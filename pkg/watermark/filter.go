// Package watermark turns raw watermark detections into crop exclusion
// zones. Vision models frequently mislabel shirt prints, signs and other
// large regions as watermarks, so raw boxes pass a plausibility filter
// before they are allowed to influence a crop.
package watermark

import (
	"sort"

	"cropbatch/pkg/types"
)

const (
	// maxAreaFraction rejects boxes covering more than this share of the
	// image. Real watermarks are small overlays.
	maxAreaFraction = 0.15

	// Edge bands where watermarks plausibly live. A box touching none of
	// them is rejected.
	bottomBandFraction = 0.30
	topBandFraction    = 0.15
	sideBandFraction   = 0.15
)

// Filter applies the plausibility rules to a raw watermark detection set
// and returns the surviving boxes as exclusion zones clamped to the image.
//
// A box is rejected when its area exceeds 15% of the image area, or when
// it does not intersect any edge band: the bottom 30% of the image height,
// the top 15%, or the outer 15% of the width on either side.
func Filter(raw types.DetectionSet) []types.ExclusionZone {
	w, h := raw.ImageW, raw.ImageH
	if w <= 0 || h <= 0 {
		return nil
	}

	bands := edgeBands(w, h)
	maxArea := maxAreaFraction * float64(w) * float64(h)

	var zones []types.ExclusionZone
	for _, box := range raw.Boxes {
		if float64(box.Area()) > maxArea {
			continue
		}
		if !touchesAny(box.Rect, bands) {
			continue
		}
		clamped := box.Rect.Clamp(w, h)
		if clamped.Empty() {
			continue
		}
		zones = append(zones, types.ExclusionZone{Rect: clamped, Source: types.ZoneDetected})
	}
	return zones
}

func edgeBands(w, h int) []types.Rect {
	bottom := int(float64(h) * bottomBandFraction)
	top := int(float64(h) * topBandFraction)
	side := int(float64(w) * sideBandFraction)
	return []types.Rect{
		{X1: 0, Y1: h - bottom, X2: w, Y2: h},
		{X1: 0, Y1: 0, X2: w, Y2: top},
		{X1: 0, Y1: 0, X2: side, Y2: h},
		{X1: w - side, Y1: 0, X2: w, Y2: h},
	}
}

func touchesAny(r types.Rect, bands []types.Rect) bool {
	for _, band := range bands {
		if r.Intersects(band) {
			return true
		}
	}
	return false
}

// Deduplicate merges overlapping detections of the same region, keeping
// the most confident box of each cluster. A box is dropped when its IoU
// with an already kept box reaches 0.5, or when at least 60% of the
// smaller of the two boxes lies inside the other.
func Deduplicate(boxes []types.BoundingBox) []types.BoundingBox {
	if len(boxes) <= 1 {
		return boxes
	}

	sorted := make([]types.BoundingBox, len(boxes))
	copy(sorted, boxes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	var kept []types.BoundingBox
	for _, cand := range sorted {
		dup := false
		for _, k := range kept {
			if IoU(cand.Rect, k.Rect) >= 0.5 || containment(cand.Rect, k.Rect) >= 0.6 {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, cand)
		}
	}
	return kept
}

// IoU returns the intersection-over-union of two rectangles.
func IoU(a, b types.Rect) float64 {
	inter := intersectionArea(a, b)
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	return float64(inter) / float64(union)
}

// containment returns the share of the smaller rectangle covered by the
// intersection of the two.
func containment(a, b types.Rect) float64 {
	inter := intersectionArea(a, b)
	if inter == 0 {
		return 0
	}
	smaller := a.Area()
	if ba := b.Area(); ba < smaller {
		smaller = ba
	}
	if smaller == 0 {
		return 0
	}
	return float64(inter) / float64(smaller)
}

func intersectionArea(a, b types.Rect) int {
	if !a.Intersects(b) {
		return 0
	}
	x1, y1 := a.X1, a.Y1
	if b.X1 > x1 {
		x1 = b.X1
	}
	if b.Y1 > y1 {
		y1 = b.Y1
	}
	x2, y2 := a.X2, a.Y2
	if b.X2 < x2 {
		x2 = b.X2
	}
	if b.Y2 < y2 {
		y2 = b.Y2
	}
	return (x2 - x1) * (y2 - y1)
}
