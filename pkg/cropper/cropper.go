// Package cropper computes the final crop rectangle for an image from
// person detections, exclusion zones and a crop policy. Everything in
// this package is pure geometry: no I/O, no logging, deterministic
// output for identical input.
package cropper

import (
	"fmt"

	"cropbatch/pkg/types"
)

// GeometryError reports a malformed rectangle reaching the resolver.
// Detections are validated and clamped when they are built, so hitting
// this is a defect in the calling code, not bad model output.
type GeometryError struct {
	Reason string
	Rect   types.Rect
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("geometry precondition violated: %s: %+v", e.Reason, e.Rect)
}

// Resolve computes the crop for one image.
//
// The pipeline is: select subjects per the policy rule, union them,
// pad symmetrically, shrink away from exclusion zones (never below the
// unpadded union), clamp to the image. An empty detection set yields
// OutcomeNoSubject. Multiple detections under the ask rule yield
// OutcomeAmbiguous with the full candidate list; resolution then
// continues via ResolveSubjects once someone has chosen.
func Resolve(persons types.DetectionSet, zones []types.ExclusionZone, policy types.CropPolicy) (types.CropResolution, error) {
	if err := policy.Validate(); err != nil {
		return types.CropResolution{}, err
	}
	if err := validateBoxes(persons.Boxes); err != nil {
		return types.CropResolution{}, err
	}

	if len(persons.Boxes) == 0 {
		return types.CropResolution{Outcome: types.OutcomeNoSubject}, nil
	}

	subjects, ambiguous := selectSubjects(persons.Boxes, policy.MultiSubjectRule)
	if ambiguous {
		candidates := make([]types.BoundingBox, len(persons.Boxes))
		copy(candidates, persons.Boxes)
		return types.CropResolution{Outcome: types.OutcomeAmbiguous, Candidates: candidates}, nil
	}

	return resolveFrom(subjects, zones, policy, persons.ImageW, persons.ImageH)
}

// ResolveSubjects re-enters the pipeline at the union step with an
// externally chosen subject set, as happens after a human answers an
// ambiguity. An empty subject set resolves to OutcomeNoSubject.
func ResolveSubjects(subjects []types.BoundingBox, zones []types.ExclusionZone, policy types.CropPolicy, imageW, imageH int) (types.CropResolution, error) {
	if err := policy.Validate(); err != nil {
		return types.CropResolution{}, err
	}
	if err := validateBoxes(subjects); err != nil {
		return types.CropResolution{}, err
	}
	if len(subjects) == 0 {
		return types.CropResolution{Outcome: types.OutcomeNoSubject}, nil
	}
	return resolveFrom(subjects, zones, policy, imageW, imageH)
}

// PickByRule reduces a candidate list with a concrete selection rule.
// It backs coarse human answers like "apply largest to all remaining".
// The ask rule picks nothing; callers must pass a deciding rule.
func PickByRule(boxes []types.BoundingBox, rule types.MultiSubjectRule) []types.BoundingBox {
	if len(boxes) == 0 {
		return nil
	}
	switch rule {
	case types.RuleAll:
		out := make([]types.BoundingBox, len(boxes))
		copy(out, boxes)
		return out
	case types.RuleLargest:
		return []types.BoundingBox{pickLargest(boxes)}
	case types.RuleHighestConfidence:
		return []types.BoundingBox{pickHighestConfidence(boxes)}
	}
	return nil
}

// ManualStrip builds the exclusion zone for manual watermark mode: a
// full-width strip at the bottom of the image, percent% of its height.
func ManualStrip(imageW, imageH int, percent float64) types.ExclusionZone {
	top := imageH - int(float64(imageH)*percent/100)
	return types.ExclusionZone{
		Rect:   types.Rect{X1: 0, Y1: top, X2: imageW, Y2: imageH},
		Source: types.ZoneManual,
	}
}

func resolveFrom(subjects []types.BoundingBox, zones []types.ExclusionZone, policy types.CropPolicy, imageW, imageH int) (types.CropResolution, error) {
	union := subjects[0].Rect
	for _, b := range subjects[1:] {
		union = union.Union(b.Rect)
	}

	rect := pad(union, policy.PaddingPercent)
	if policy.WatermarkMode != types.WatermarkDisabled {
		rect = avoidZones(rect, union, zones)
	}
	rect = rect.Clamp(imageW, imageH)

	return types.CropResolution{Outcome: types.OutcomeCrop, Rect: rect}, nil
}

// selectSubjects applies the multi-subject rule. A single detection is
// always the subject, regardless of the rule. The second return value
// reports that a human has to decide.
func selectSubjects(boxes []types.BoundingBox, rule types.MultiSubjectRule) ([]types.BoundingBox, bool) {
	if len(boxes) == 1 {
		return boxes[:1], false
	}
	switch rule {
	case types.RuleAll:
		return boxes, false
	case types.RuleLargest:
		return []types.BoundingBox{pickLargest(boxes)}, false
	case types.RuleHighestConfidence:
		return []types.BoundingBox{pickHighestConfidence(boxes)}, false
	}
	return nil, true
}

// Ties go to the box with the lowest y1, then to insertion order.
func pickLargest(boxes []types.BoundingBox) types.BoundingBox {
	best := boxes[0]
	for _, b := range boxes[1:] {
		if b.Area() > best.Area() || (b.Area() == best.Area() && b.Y1 < best.Y1) {
			best = b
		}
	}
	return best
}

func pickHighestConfidence(boxes []types.BoundingBox) types.BoundingBox {
	best := boxes[0]
	for _, b := range boxes[1:] {
		if b.Confidence > best.Confidence || (b.Confidence == best.Confidence && b.Y1 < best.Y1) {
			best = b
		}
	}
	return best
}

// pad grows the rectangle by percent% of its own width horizontally and
// of its own height vertically, on each side.
func pad(r types.Rect, percent float64) types.Rect {
	px := int(float64(r.Width()) * percent / 100)
	py := int(float64(r.Height()) * percent / 100)
	return types.Rect{X1: r.X1 - px, Y1: r.Y1 - py, X2: r.X2 + px, Y2: r.Y2 + py}
}

// avoidZones shrinks rect away from every overlapping zone, one side per
// zone, in input order. The floor is the unpadded subject union: a
// shrink never cuts into it, so a crop may still overlap a zone when the
// subject itself does.
func avoidZones(rect, floor types.Rect, zones []types.ExclusionZone) types.Rect {
	for _, z := range zones {
		if !rect.Intersects(z.Rect) {
			continue
		}
		rect = shrinkAway(rect, floor, z.Rect)
	}
	return rect
}

// shrinkAway cuts one side of rect back to the near edge of the zone.
// It takes the cheapest cut that fully separates rect from the zone
// without cutting into the floor. When the zone reaches into the floor
// from every side, the cheapest cut is applied as far as the floor
// allows and the overlap remains.
func shrinkAway(rect, floor, zone types.Rect) types.Rect {
	cuts := []struct {
		cost     int
		feasible bool
		apply    func(types.Rect) types.Rect
	}{
		{ // raise the bottom edge
			cost:     rect.Y2 - zone.Y1,
			feasible: zone.Y1 >= floor.Y2,
			apply:    func(r types.Rect) types.Rect { r.Y2 = maxInt(minInt(r.Y2, zone.Y1), floor.Y2); return r },
		},
		{ // lower the top edge
			cost:     zone.Y2 - rect.Y1,
			feasible: zone.Y2 <= floor.Y1,
			apply:    func(r types.Rect) types.Rect { r.Y1 = minInt(maxInt(r.Y1, zone.Y2), floor.Y1); return r },
		},
		{ // pull in the right edge
			cost:     rect.X2 - zone.X1,
			feasible: zone.X1 >= floor.X2,
			apply:    func(r types.Rect) types.Rect { r.X2 = maxInt(minInt(r.X2, zone.X1), floor.X2); return r },
		},
		{ // push in the left edge
			cost:     zone.X2 - rect.X1,
			feasible: zone.X2 <= floor.X1,
			apply:    func(r types.Rect) types.Rect { r.X1 = minInt(maxInt(r.X1, zone.X2), floor.X1); return r },
		},
	}

	best := -1
	for i, c := range cuts {
		if c.feasible && (best < 0 || c.cost < cuts[best].cost) {
			best = i
		}
	}
	if best < 0 {
		for i, c := range cuts {
			if best < 0 || c.cost < cuts[best].cost {
				best = i
			}
		}
	}
	return cuts[best].apply(rect)
}

func validateBoxes(boxes []types.BoundingBox) error {
	for _, b := range boxes {
		if !b.Valid() {
			return &GeometryError{Reason: "bounding box is not a valid rectangle", Rect: b.Rect}
		}
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
