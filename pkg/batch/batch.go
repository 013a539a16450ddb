// Package batch runs the crop pipeline over a queue of images with a
// fixed worker pool. It pauses the whole batch while a human answers an
// ambiguity, reports progress as events and survives per-image
// failures.
package batch

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cropbatch/pkg/types"
)

// Detector is the inference capability a batch consumes. At most one
// detection call runs at a time; the implementation owns that gate.
type Detector interface {
	DetectPersons(ctx context.Context, img image.Image) (types.DetectionSet, error)
	DetectWatermarks(ctx context.Context, img image.Image) (types.DetectionSet, error)
}

// ImageIO loads source images and writes finished crops.
type ImageIO interface {
	Load(ctx context.Context, ref string) (image.Image, error)
	SaveCrop(ctx context.Context, ref string, src image.Image, crop types.Rect) (string, error)
}

// Options tune one batch run.
type Options struct {
	// Workers is the worker pool size. Defaults to 4.
	Workers int

	// PreviewEvery emits a preview for the first crop and then every
	// Nth. Defaults to 10.
	PreviewEvery int

	// SelectionTimeout bounds how long an ambiguity may stay
	// unanswered before the task is skipped. Zero waits forever.
	SelectionTimeout time.Duration
}

// Batch orchestrates cropping a fixed list of image references. Create
// one with New, subscribe to Events, then Start it.
type Batch struct {
	id     string
	refs   []string
	det    Detector
	io     ImageIO
	opts   Options
	events chan Event
	stats  *statsCollector

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	policy    types.CropPolicy
	rule      types.MultiSubjectRule
	explicit  bool
	cancelled bool
	failure   error
	nextIdx   int
	frontier  int
	done      []bool
	pending   *pendingSelection

	wg        sync.WaitGroup
	doneCh    chan struct{}
	abortCh   chan struct{}
	abortOnce sync.Once
	summary   Summary
}

// pendingSelection is the single ambiguity slot. reply is buffered so
// the submitter never blocks on the worker.
type pendingSelection struct {
	seq        int
	ref        string
	candidates []types.BoundingBox
	reply      chan Selection
}

// New builds a batch over the given image references. The policy is
// validated once here and treated as immutable afterwards.
func New(det Detector, imgIO ImageIO, refs []string, policy types.CropPolicy, opts Options) (*Batch, error) {
	if det == nil || imgIO == nil {
		return nil, fmt.Errorf("batch requires a detector and image io")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crop policy: %w", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PreviewEvery <= 0 {
		opts.PreviewEvery = 10
	}

	b := &Batch{
		id:      uuid.NewString(),
		refs:    append([]string(nil), refs...),
		det:     det,
		io:      imgIO,
		opts:    opts,
		events:  make(chan Event, 3*len(refs)+8),
		stats:   newStatsCollector(len(refs)),
		state:   StatePending,
		policy:  policy,
		rule:    policy.MultiSubjectRule,
		done:    make([]bool, len(refs)),
		doneCh:  make(chan struct{}),
		abortCh: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// ID returns the batch identifier.
func (b *Batch) ID() string { return b.id }

// State returns the current lifecycle state.
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Events returns the event stream. The channel is buffered for the
// whole batch and closed after FinishedEvent.
func (b *Batch) Events() <-chan Event { return b.events }

// Start launches the worker pool. The context cancels the whole batch
// when it expires.
func (b *Batch) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StatePending {
		b.mu.Unlock()
		return fmt.Errorf("cannot start batch in state %s", b.state)
	}
	b.setStateLocked(StateRunning)
	b.mu.Unlock()

	b.stats.markStart(time.Now())
	log.Info().
		Str("batch", b.id).
		Int("images", len(b.refs)).
		Int("workers", b.opts.Workers).
		Msg("batch started")

	workers := b.opts.Workers
	if workers > len(b.refs) {
		workers = len(b.refs)
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}

	go func() {
		select {
		case <-ctx.Done():
			b.Cancel()
		case <-b.doneCh:
		}
	}()

	go func() {
		b.wg.Wait()
		b.finalize()
	}()
	return nil
}

// Pause stops dispatching new images. Tasks already in flight run to
// completion.
func (b *Batch) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return fmt.Errorf("cannot pause batch in state %s", b.state)
	}
	b.explicit = true
	b.setStateLocked(StatePaused)
	return nil
}

// Resume continues an explicitly paused batch. While an ambiguity is
// outstanding Resume fails; answer it with SubmitSelection instead.
func (b *Batch) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StatePaused {
		return fmt.Errorf("cannot resume batch in state %s", b.state)
	}
	if b.pending != nil {
		return fmt.Errorf("selection for %q is outstanding", b.pending.ref)
	}
	b.explicit = false
	b.setStateLocked(StateRunning)
	b.cond.Broadcast()
	return nil
}

// Cancel stops the batch. In-flight tasks abort at their next pipeline
// step and emit nothing; only FinishedEvent follows.
func (b *Batch) Cancel() {
	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return
	}
	if b.state == StatePending {
		// Never started: no workers, no finisher. Settle inline.
		b.cancelled = true
		b.setStateLocked(StateCancelled)
		b.summary = b.stats.summary(b.id, StateCancelled)
		b.mu.Unlock()
		b.events <- FinishedEvent{Summary: b.summary}
		close(b.events)
		close(b.doneCh)
		return
	}
	b.cancelled = true
	b.pending = nil
	b.abortOnce.Do(func() { close(b.abortCh) })
	b.cond.Broadcast()
	b.mu.Unlock()
	log.Info().Str("batch", b.id).Msg("batch cancelled")
}

// SubmitSelection answers the outstanding ambiguity and resumes the
// batch unless it was also explicitly paused.
func (b *Batch) SubmitSelection(sel Selection) error {
	b.mu.Lock()
	p := b.pending
	if p == nil {
		b.mu.Unlock()
		return ErrNoPendingSelection
	}
	if err := validateSelection(sel, p.candidates); err != nil {
		b.mu.Unlock()
		return err
	}
	if sel.ApplyToRemaining {
		b.rule = sel.Rule
	}
	b.pending = nil
	if b.state == StatePaused && !b.explicit {
		b.setStateLocked(StateRunning)
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	p.reply <- sel
	return nil
}

// Wait blocks until the batch reaches a terminal state and returns the
// summary.
func (b *Batch) Wait() Summary {
	<-b.doneCh
	return b.summary
}

func validateSelection(sel Selection, candidates []types.BoundingBox) error {
	chosen := 0
	if sel.Skip {
		chosen++
	}
	if sel.Rule != "" {
		chosen++
	}
	if len(sel.Boxes) > 0 {
		chosen++
	}
	if chosen != 1 {
		return fmt.Errorf("selection must be exactly one of skip, rule or boxes")
	}
	if sel.ApplyToRemaining && sel.Rule == "" {
		return fmt.Errorf("apply-to-remaining requires a rule")
	}
	if sel.Rule != "" && (!sel.Rule.Valid() || sel.Rule == types.RuleAsk) {
		return fmt.Errorf("cannot answer an ambiguity with rule %q", sel.Rule)
	}
	for _, box := range sel.Boxes {
		if !isCandidate(box, candidates) {
			return fmt.Errorf("box %+v is not one of the published candidates", box.Rect)
		}
	}
	return nil
}

func isCandidate(box types.BoundingBox, candidates []types.BoundingBox) bool {
	for _, c := range candidates {
		if c.Rect == box.Rect {
			return true
		}
	}
	return false
}

func (b *Batch) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		seq, ref, ok := b.next()
		if !ok {
			return
		}
		b.runTask(ctx, seq, ref)
	}
}

// next hands out the next queued image. It blocks while the batch is
// paused and returns false once the queue is exhausted or the batch is
// aborted.
func (b *Batch) next() (int, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.cancelled || b.failure != nil {
			return 0, "", false
		}
		if b.nextIdx >= len(b.refs) {
			return 0, "", false
		}
		if b.state == StatePaused {
			b.cond.Wait()
			continue
		}
		seq := b.nextIdx
		b.nextIdx++
		return seq, b.refs[seq], true
	}
}

// markDone records that a task reached a terminal state and advances
// the ambiguity frontier.
func (b *Batch) markDone(seq int) {
	b.mu.Lock()
	b.done[seq] = true
	for b.frontier < len(b.done) && b.done[b.frontier] {
		b.frontier++
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// awaitTurn blocks until every earlier-queued task is terminal so that
// ambiguities surface strictly in queue order. It returns false when
// the batch aborts while waiting.
func (b *Batch) awaitTurn(seq int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.frontier < seq {
		if b.cancelled || b.failure != nil {
			return false
		}
		b.cond.Wait()
	}
	return !b.cancelled && b.failure == nil
}

// publishAmbiguity parks the task on the single ambiguity slot, pauses
// the batch and waits for the consumer's answer.
func (b *Batch) publishAmbiguity(seq int, ref string, candidates []types.BoundingBox) (Selection, error) {
	b.mu.Lock()
	if b.cancelled || b.failure != nil {
		b.mu.Unlock()
		return Selection{}, errBatchAborted
	}
	// An "apply to all remaining" answer may have landed while this
	// task waited for its turn.
	if rule := b.rule; rule != types.RuleAsk {
		b.mu.Unlock()
		return Selection{Rule: rule}, nil
	}
	p := &pendingSelection{seq: seq, ref: ref, candidates: candidates, reply: make(chan Selection, 1)}
	b.pending = p
	if b.state == StateRunning {
		b.setStateLocked(StatePaused)
	}
	b.mu.Unlock()

	b.emit(AmbiguityEvent{Ref: ref, Seq: seq, Candidates: candidates})
	log.Info().
		Str("batch", b.id).
		Str("image", ref).
		Int("candidates", len(candidates)).
		Msg("selection required")

	var timeout <-chan time.Time
	if b.opts.SelectionTimeout > 0 {
		t := time.NewTimer(b.opts.SelectionTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case sel := <-p.reply:
		return sel, nil
	case <-timeout:
		b.mu.Lock()
		if b.pending == p {
			b.pending = nil
			if b.state == StatePaused && !b.explicit {
				b.setStateLocked(StateRunning)
			}
			b.cond.Broadcast()
			b.mu.Unlock()
			return Selection{}, errSelectionTimeout
		}
		aborted := b.cancelled || b.failure != nil
		b.mu.Unlock()
		if aborted {
			return Selection{}, errBatchAborted
		}
		// A submission raced the timer; its answer is already buffered.
		return <-p.reply, nil
	case <-b.abortCh:
		b.mu.Lock()
		if b.pending == p {
			b.pending = nil
		}
		b.mu.Unlock()
		return Selection{}, errBatchAborted
	}
}

// currentPolicy is the batch policy with the effective multi-subject
// rule, which an "apply to all remaining" selection may have replaced.
func (b *Batch) currentPolicy() types.CropPolicy {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.policy
	p.MultiSubjectRule = b.rule
	return p
}

// fail records a fatal error and aborts the rest of the batch.
func (b *Batch) fail(err error) {
	b.mu.Lock()
	if b.failure == nil {
		b.failure = err
	}
	b.pending = nil
	b.abortOnce.Do(func() { close(b.abortCh) })
	b.cond.Broadcast()
	b.mu.Unlock()
	log.Error().Str("batch", b.id).Err(err).Msg("batch failed")
}

func (b *Batch) aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled || b.failure != nil
}

// emit delivers an event. After an abort everything except the final
// FinishedEvent is suppressed.
func (b *Batch) emit(ev Event) {
	if _, final := ev.(FinishedEvent); !final && b.aborted() {
		return
	}
	b.events <- ev
}

func (b *Batch) setStateLocked(to State) {
	if !allowedTransition(b.state, to) {
		log.Error().
			Str("batch", b.id).
			Str("from", string(b.state)).
			Str("to", string(to)).
			Msg("disallowed state transition")
		return
	}
	b.state = to
}

func (b *Batch) finalize() {
	b.mu.Lock()
	outcome := StateCompleted
	switch {
	case b.failure != nil:
		outcome = StateFailed
	case b.cancelled:
		outcome = StateCancelled
	}
	b.setStateLocked(outcome)
	b.mu.Unlock()

	b.summary = b.stats.summary(b.id, outcome)
	log.Info().
		Str("batch", b.id).
		Str("outcome", string(outcome)).
		Int("processed", b.summary.Processed).
		Int("skipped", b.summary.Skipped).
		Int("errors", b.summary.Errors).
		Msg("batch finished")
	b.emit(FinishedEvent{Summary: b.summary})
	close(b.events)
	close(b.doneCh)
}
