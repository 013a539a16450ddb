package batch

import (
	"errors"
	"time"

	"cropbatch/pkg/types"
)

// Event is anything a batch publishes on its event channel. Consumers
// drain the channel and type-switch on the concrete events below; the
// channel is closed after FinishedEvent.
type Event interface {
	isEvent()
}

// ProgressEvent is emitted after every finished task.
type ProgressEvent struct {
	Processed    int
	Skipped      int
	Errors       int
	Total        int
	CurrentImage string
	ETA          time.Duration
}

// PreviewEvent carries the material to render a crop preview. It is
// emitted for the first successful crop and then every Nth one.
type PreviewEvent struct {
	Ref   string
	Rect  types.Rect
	Boxes []types.BoundingBox
	Zones []types.ExclusionZone
}

// AmbiguityEvent asks the consumer to choose subjects for one image.
// The batch is paused until SubmitSelection is called (or the selection
// timeout fires).
type AmbiguityEvent struct {
	Ref        string
	Seq        int
	Candidates []types.BoundingBox
}

// FinishedEvent is the last event of every batch, in every outcome.
type FinishedEvent struct {
	Summary Summary
}

func (ProgressEvent) isEvent()  {}
func (PreviewEvent) isEvent()   {}
func (AmbiguityEvent) isEvent() {}
func (FinishedEvent) isEvent()  {}

// Selection answers an AmbiguityEvent. Exactly one of Skip, Rule or
// Boxes must be set. Boxes must be a subset of the published
// candidates. ApplyToRemaining is only meaningful with Rule and makes
// the rule the batch's effective multi-subject rule from now on.
type Selection struct {
	Boxes            []types.BoundingBox
	Rule             types.MultiSubjectRule
	ApplyToRemaining bool
	Skip             bool
}

// ErrNoPendingSelection is returned by SubmitSelection when no
// ambiguity is outstanding.
var ErrNoPendingSelection = errors.New("no selection pending")

var (
	errSelectionTimeout = errors.New("selection timed out")
	errBatchAborted     = errors.New("batch aborted")
)
