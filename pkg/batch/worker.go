package batch

import (
	"context"
	"errors"
	"image"

	"github.com/rs/zerolog/log"

	"cropbatch/pkg/cropper"
	"cropbatch/pkg/detection"
	"cropbatch/pkg/types"
	"cropbatch/pkg/watermark"
)

// runTask drives one image through the pipeline, records the outcome
// and publishes progress. Aborted tasks record and emit nothing.
func (b *Batch) runTask(ctx context.Context, seq int, ref string) {
	defer b.markDone(seq)

	res, boxes, zones, ok := b.process(ctx, seq, ref)
	if !ok {
		return
	}

	snap := b.stats.record(res)
	b.emit(ProgressEvent{
		Processed:    snap.processed,
		Skipped:      snap.skipped,
		Errors:       snap.errors,
		Total:        snap.total,
		CurrentImage: ref,
		ETA:          snap.eta,
	})
	if res.Status == StatusCropped && (snap.processed == 1 || snap.processed%b.opts.PreviewEvery == 0) {
		b.emit(PreviewEvent{Ref: ref, Rect: res.Rect, Boxes: boxes, Zones: zones})
	}
}

// process runs the pipeline steps with abort checks between them. The
// bool result is false when the task was aborted mid-flight, in which
// case nothing about it may surface.
func (b *Batch) process(ctx context.Context, seq int, ref string) (TaskResult, []types.BoundingBox, []types.ExclusionZone, bool) {
	res := TaskResult{Ref: ref, Seq: seq}

	if b.aborted() {
		return res, nil, nil, false
	}

	img, err := b.io.Load(ctx, ref)
	if err != nil {
		return b.taskFailed(res, ReasonIO, err), nil, nil, true
	}

	if b.aborted() {
		return res, nil, nil, false
	}

	persons, err := b.det.DetectPersons(ctx, img)
	if err != nil {
		return b.detectFailed(res, err)
	}
	res.Persons = len(persons.Boxes)

	zones, found, err := b.exclusionZones(ctx, img)
	if err != nil {
		return b.detectFailed(res, err)
	}
	res.Watermarks = found

	if b.aborted() {
		return res, nil, nil, false
	}

	resolution, err := cropper.Resolve(persons, zones, b.currentPolicy())
	if err != nil {
		return b.taskFailed(res, ReasonGeometry, err), nil, nil, true
	}

	rect := resolution.Rect
	switch resolution.Outcome {
	case types.OutcomeNoSubject:
		res.Status = StatusSkipped
		res.Reason = ReasonNoSubject
		log.Debug().Str("image", ref).Msg("no subject found, skipping")
		return res, nil, nil, true

	case types.OutcomeAmbiguous:
		if !b.awaitTurn(seq) {
			return res, nil, nil, false
		}
		sel, serr := b.publishAmbiguity(seq, ref, resolution.Candidates)
		switch {
		case errors.Is(serr, errBatchAborted):
			return res, nil, nil, false
		case errors.Is(serr, errSelectionTimeout):
			res.Status = StatusSkipped
			res.Reason = ReasonSelectionTimeout
			log.Warn().Str("image", ref).Msg("selection timed out, skipping")
			return res, nil, nil, true
		}
		if sel.Skip {
			res.Status = StatusSkipped
			res.Reason = ReasonUserSkip
			return res, nil, nil, true
		}

		subjects := sel.Boxes
		if len(subjects) == 0 {
			subjects = cropper.PickByRule(resolution.Candidates, sel.Rule)
		}
		chosen, rerr := cropper.ResolveSubjects(subjects, zones, b.policy, persons.ImageW, persons.ImageH)
		if rerr != nil {
			return b.taskFailed(res, ReasonGeometry, rerr), nil, nil, true
		}
		if chosen.Outcome != types.OutcomeCrop {
			res.Status = StatusSkipped
			res.Reason = ReasonNoSubject
			return res, nil, nil, true
		}
		rect = chosen.Rect
	}

	if b.aborted() {
		return res, nil, nil, false
	}

	out, err := b.io.SaveCrop(ctx, ref, img, rect)
	if err != nil {
		return b.taskFailed(res, ReasonIO, err), nil, nil, true
	}

	res.Status = StatusCropped
	res.Rect = rect
	res.OutputPath = out
	log.Debug().Str("image", ref).Str("output", out).Msg("image cropped")
	return res, persons.Boxes, zones, true
}

// exclusionZones builds the watermark zones for one image per the
// policy's mode. The int result is how many watermarks were found.
func (b *Batch) exclusionZones(ctx context.Context, img image.Image) ([]types.ExclusionZone, int, error) {
	switch b.policy.WatermarkMode {
	case types.WatermarkAuto:
		set, err := b.det.DetectWatermarks(ctx, img)
		if err != nil {
			return nil, 0, err
		}
		zones := watermark.Filter(set)
		return zones, len(zones), nil

	case types.WatermarkManual:
		if b.policy.WatermarkPercent <= 0 {
			return nil, 0, nil
		}
		bounds := img.Bounds()
		zone := cropper.ManualStrip(bounds.Dx(), bounds.Dy(), b.policy.WatermarkPercent)
		if zone.Rect.Empty() {
			return nil, 0, nil
		}
		return []types.ExclusionZone{zone}, 0, nil

	default:
		return nil, 0, nil
	}
}

func (b *Batch) taskFailed(res TaskResult, reason ReasonCode, err error) TaskResult {
	res.Status = StatusErrored
	res.Reason = reason
	res.Err = err
	log.Warn().
		Str("image", res.Ref).
		Str("reason", string(reason)).
		Err(err).
		Msg("task failed, skipping image")
	return res
}

// detectFailed classifies a detection failure. An unreachable backend
// is fatal to the whole batch; everything else skips just this image.
func (b *Batch) detectFailed(res TaskResult, err error) (TaskResult, []types.BoundingBox, []types.ExclusionZone, bool) {
	var infErr *detection.InferenceError
	if errors.As(err, &infErr) {
		if infErr.Unavailable {
			b.fail(err)
		}
		return b.taskFailed(res, ReasonInference, err), nil, nil, true
	}
	return b.taskFailed(res, ReasonIO, err), nil, nil, true
}
