package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cropbatch/pkg/client"
	"cropbatch/pkg/detection"
	"cropbatch/pkg/types"
)

// taggedImage lets the fake detector recognize which ref it is looking
// at without threading paths through the pipeline.
type taggedImage struct {
	image.Image
	ref string
}

func imgRef(img image.Image) string {
	if t, ok := img.(taggedImage); ok {
		return t.ref
	}
	return ""
}

type script struct {
	persons    []types.BoundingBox
	watermarks []types.BoundingBox
	personsErr error
}

// fakeDetector serves scripted detections per ref. entered/release, when
// set, let a test observe and hold detection calls.
type fakeDetector struct {
	scripts map[string]script
	delay   time.Duration
	entered chan string
	release chan struct{}
}

func (d *fakeDetector) DetectPersons(ctx context.Context, img image.Image) (types.DetectionSet, error) {
	ref := imgRef(img)
	if d.entered != nil {
		d.entered <- ref
	}
	if d.release != nil {
		<-d.release
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	sc := d.scripts[ref]
	if sc.personsErr != nil {
		return types.DetectionSet{}, sc.personsErr
	}
	b := img.Bounds()
	return types.NewDetectionSet(types.LabelPerson, b.Dx(), b.Dy(), sc.persons), nil
}

func (d *fakeDetector) DetectWatermarks(ctx context.Context, img image.Image) (types.DetectionSet, error) {
	sc := d.scripts[imgRef(img)]
	b := img.Bounds()
	return types.NewDetectionSet(types.LabelWatermark, b.Dx(), b.Dy(), sc.watermarks), nil
}

// fakeIO serves a gray canvas per ref and records saved crops.
type fakeIO struct {
	width, height int
	loadErr       map[string]error

	mu    sync.Mutex
	saved map[string]types.Rect
}

func newFakeIO(w, h int) *fakeIO {
	return &fakeIO{width: w, height: h, saved: make(map[string]types.Rect)}
}

func (f *fakeIO) Load(ctx context.Context, ref string) (image.Image, error) {
	if err := f.loadErr[ref]; err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, f.width, f.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{128, 128, 128, 255}}, image.Point{}, draw.Src)
	return taggedImage{Image: img, ref: ref}, nil
}

func (f *fakeIO) SaveCrop(ctx context.Context, ref string, src image.Image, crop types.Rect) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[ref] = crop
	return "/out/" + ref, nil
}

func (f *fakeIO) savedRect(ref string) (types.Rect, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.saved[ref]
	return r, ok
}

func person(x1, y1, x2, y2 int, conf float64) types.BoundingBox {
	return types.BoundingBox{
		Rect:       types.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2},
		Confidence: conf,
		Label:      types.LabelPerson,
	}
}

func testPolicy(rule types.MultiSubjectRule) types.CropPolicy {
	return types.CropPolicy{
		PaddingPercent:      0,
		MultiSubjectRule:    rule,
		WatermarkMode:       types.WatermarkDisabled,
		ConfidenceThreshold: 0.5,
	}
}

func refsN(n int) []string {
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("img-%d", i)
	}
	return refs
}

func waitFinished(t *testing.T, events <-chan Event) Summary {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event channel closed without FinishedEvent")
			}
			if fin, isFin := ev.(FinishedEvent); isFin {
				return fin.Summary
			}
		case <-deadline:
			t.Fatal("timed out waiting for batch to finish")
		}
	}
}

func waitAmbiguity(t *testing.T, events <-chan Event) AmbiguityEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event channel closed before ambiguity")
			}
			switch e := ev.(type) {
			case AmbiguityEvent:
				return e
			case FinishedEvent:
				t.Fatalf("batch finished before ambiguity: %+v", e.Summary)
			}
		case <-deadline:
			t.Fatal("timed out waiting for ambiguity")
		}
	}
}

func TestBatchCompletesAllImages(t *testing.T) {
	refs := refsN(8)
	scripts := make(map[string]script, len(refs))
	for _, ref := range refs {
		scripts[ref] = script{persons: []types.BoundingBox{person(10, 10, 60, 80, 0.9)}}
	}
	det := &fakeDetector{scripts: scripts}
	io := newFakeIO(200, 200)

	b, err := New(det, io, refs, testPolicy(types.RuleLargest), Options{Workers: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	previews := 0
	deadline := time.After(10 * time.Second)
	var sum Summary
drain:
	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				break drain
			}
			switch e := ev.(type) {
			case PreviewEvent:
				previews++
			case FinishedEvent:
				sum = e.Summary
			}
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}

	if sum.Outcome != StateCompleted {
		t.Fatalf("outcome = %s, want %s", sum.Outcome, StateCompleted)
	}
	if sum.Processed != 8 || sum.Skipped != 0 || sum.Errors != 0 {
		t.Fatalf("counts = %d/%d/%d, want 8/0/0", sum.Processed, sum.Skipped, sum.Errors)
	}
	if sum.PersonsFound != 8 {
		t.Errorf("persons found = %d, want 8", sum.PersonsFound)
	}
	if previews != 1 {
		t.Errorf("previews = %d, want 1 (first crop only below the preview interval)", previews)
	}
	if len(sum.Results) != 8 {
		t.Fatalf("results = %d, want 8", len(sum.Results))
	}
	for i, res := range sum.Results {
		if res.Seq != i {
			t.Fatalf("results not ordered by seq: %+v", sum.Results)
		}
		if res.Status != StatusCropped || res.OutputPath == "" {
			t.Errorf("result %d = %+v, want cropped with output path", i, res)
		}
	}
	if b.State() != StateCompleted {
		t.Errorf("state = %s, want %s", b.State(), StateCompleted)
	}
	if sum.Elapsed <= 0 {
		t.Error("elapsed should be positive")
	}
}

func TestEmptyBatchCompletes(t *testing.T) {
	b, err := New(&fakeDetector{}, newFakeIO(10, 10), nil, testPolicy(types.RuleLargest), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sum := waitFinished(t, b.Events())
	if sum.Outcome != StateCompleted || sum.Total != 0 {
		t.Errorf("summary = %+v, want completed with zero total", sum)
	}
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	pol := testPolicy(types.RuleLargest)
	pol.PaddingPercent = 80
	if _, err := New(&fakeDetector{}, newFakeIO(10, 10), nil, pol, Options{}); err == nil {
		t.Fatal("New() accepted an invalid policy")
	}
}

func TestInferenceGateSerializesAcrossWorkers(t *testing.T) {
	refs := refsN(12)
	gc := &gateClient{}
	det := detection.NewDetector(gc, detection.Options{Model: "test", ConfidenceThreshold: 0.5})
	io := newFakeIO(200, 200)

	b, err := New(det, io, refs, testPolicy(types.RuleLargest), Options{Workers: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sum := waitFinished(t, b.Events())

	if sum.Processed != 12 {
		t.Fatalf("processed = %d, want 12", sum.Processed)
	}
	if max := atomic.LoadInt32(&gc.maxSeen); max != 1 {
		t.Errorf("max concurrent inference calls = %d, want 1", max)
	}
}

// gateClient is a real client.VisionClient that measures concurrency.
type gateClient struct {
	inflight int32
	maxSeen  int32
}

func (g *gateClient) SimpleQuery(ctx context.Context, model, prompt, imageB64 string) (string, error) {
	return "", nil
}

func (g *gateClient) DetectObjects(ctx context.Context, req client.DetectRequest) ([]types.RawDetection, error) {
	cur := atomic.AddInt32(&g.inflight, 1)
	for {
		max := atomic.LoadInt32(&g.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&g.maxSeen, max, cur) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	atomic.AddInt32(&g.inflight, -1)
	return []types.RawDetection{
		{Label: "person", Confidence: 0.9, Box: types.NormBox{X: 0.2, Y: 0.2, W: 0.4, H: 0.4}},
	}, nil
}

func TestAmbiguityPausesAndSelectionResumes(t *testing.T) {
	a := person(100, 100, 200, 200, 0.9)
	bx := person(400, 100, 600, 300, 0.8)
	det := &fakeDetector{scripts: map[string]script{
		"img-0": {persons: []types.BoundingBox{a, bx}},
	}}
	io := newFakeIO(1000, 800)

	b, err := New(det, io, []string{"img-0"}, testPolicy(types.RuleAsk), Options{Workers: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	amb := waitAmbiguity(t, b.Events())
	if amb.Ref != "img-0" || len(amb.Candidates) != 2 {
		t.Fatalf("ambiguity = %+v, want img-0 with 2 candidates", amb)
	}
	if b.State() != StatePaused {
		t.Fatalf("state = %s, want %s while selection pending", b.State(), StatePaused)
	}
	if err := b.Resume(); err == nil {
		t.Fatal("Resume() should fail while a selection is outstanding")
	}

	if err := b.SubmitSelection(Selection{Boxes: []types.BoundingBox{a}}); err != nil {
		t.Fatalf("SubmitSelection() error = %v", err)
	}

	sum := waitFinished(t, b.Events())
	if sum.Processed != 1 {
		t.Fatalf("processed = %d, want 1", sum.Processed)
	}
	if got := sum.Results[0].Rect; got != a.Rect {
		t.Errorf("crop rect = %+v, want the chosen box %+v", got, a.Rect)
	}
	if saved, ok := io.savedRect("img-0"); !ok || saved != a.Rect {
		t.Errorf("saved rect = %+v, want %+v", saved, a.Rect)
	}

	if err := b.SubmitSelection(Selection{Skip: true}); !errors.Is(err, ErrNoPendingSelection) {
		t.Errorf("late SubmitSelection() error = %v, want ErrNoPendingSelection", err)
	}
}

func TestAmbiguitySelectionValidation(t *testing.T) {
	a := person(100, 100, 200, 200, 0.9)
	bx := person(400, 100, 600, 300, 0.8)
	det := &fakeDetector{scripts: map[string]script{
		"img-0": {persons: []types.BoundingBox{a, bx}},
	}}
	b, err := New(det, newFakeIO(1000, 800), []string{"img-0"}, testPolicy(types.RuleAsk), Options{Workers: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitAmbiguity(t, b.Events())

	bad := []Selection{
		{},
		{Skip: true, Rule: types.RuleLargest},
		{Rule: types.RuleAsk},
		{Rule: "sideways"},
		{Boxes: []types.BoundingBox{person(1, 1, 2, 2, 0.5)}},
		{Boxes: []types.BoundingBox{a}, ApplyToRemaining: true},
	}
	for i, sel := range bad {
		if err := b.SubmitSelection(sel); err == nil {
			t.Errorf("selection %d accepted, want error: %+v", i, sel)
		}
	}

	if err := b.SubmitSelection(Selection{Skip: true}); err != nil {
		t.Fatalf("valid skip rejected: %v", err)
	}
	sum := waitFinished(t, b.Events())
	if sum.Skipped != 1 || sum.Results[0].Reason != ReasonUserSkip {
		t.Errorf("summary = %+v, want one user_skip", sum.Results)
	}
}

func TestAmbiguitiesRaisedInQueueOrder(t *testing.T) {
	refs := refsN(3)
	scripts := make(map[string]script, len(refs))
	for _, ref := range refs {
		scripts[ref] = script{persons: []types.BoundingBox{
			person(10, 10, 50, 50, 0.9),
			person(80, 10, 160, 90, 0.8),
		}}
	}
	det := &fakeDetector{scripts: scripts}

	b, err := New(det, newFakeIO(200, 200), refs, testPolicy(types.RuleAsk), Options{Workers: 3})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for want := 0; want < 3; want++ {
		amb := waitAmbiguity(t, b.Events())
		if amb.Seq != want {
			t.Fatalf("ambiguity seq = %d, want %d", amb.Seq, want)
		}
		if err := b.SubmitSelection(Selection{Skip: true}); err != nil {
			t.Fatalf("SubmitSelection() error = %v", err)
		}
	}

	sum := waitFinished(t, b.Events())
	if sum.Skipped != 3 {
		t.Errorf("skipped = %d, want 3", sum.Skipped)
	}
}

func TestApplyRuleToRemainingSuppressesLaterAmbiguities(t *testing.T) {
	refs := refsN(3)
	small := person(10, 10, 50, 50, 0.9)
	large := person(80, 10, 160, 90, 0.8)
	scripts := make(map[string]script, len(refs))
	for _, ref := range refs {
		scripts[ref] = script{persons: []types.BoundingBox{small, large}}
	}
	det := &fakeDetector{scripts: scripts}
	io := newFakeIO(200, 200)

	b, err := New(det, io, refs, testPolicy(types.RuleAsk), Options{Workers: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	amb := waitAmbiguity(t, b.Events())
	if amb.Seq != 0 {
		t.Fatalf("first ambiguity seq = %d, want 0", amb.Seq)
	}
	if err := b.SubmitSelection(Selection{Rule: types.RuleLargest, ApplyToRemaining: true}); err != nil {
		t.Fatalf("SubmitSelection() error = %v", err)
	}

	ambiguities := 1
	deadline := time.After(10 * time.Second)
	var sum Summary
drain:
	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				break drain
			}
			switch e := ev.(type) {
			case AmbiguityEvent:
				ambiguities++
			case FinishedEvent:
				sum = e.Summary
			}
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}

	if ambiguities != 1 {
		t.Fatalf("ambiguities = %d, want 1 after apply-to-remaining", ambiguities)
	}
	if sum.Processed != 3 {
		t.Fatalf("processed = %d, want 3", sum.Processed)
	}
	for _, res := range sum.Results {
		if res.Rect != large.Rect {
			t.Errorf("result %s rect = %+v, want largest box %+v", res.Ref, res.Rect, large.Rect)
		}
	}
}

func TestSelectionTimeoutSkipsTask(t *testing.T) {
	det := &fakeDetector{scripts: map[string]script{
		"img-0": {persons: []types.BoundingBox{
			person(10, 10, 50, 50, 0.9),
			person(80, 10, 160, 90, 0.8),
		}},
	}}

	b, err := New(det, newFakeIO(200, 200), []string{"img-0"}, testPolicy(types.RuleAsk), Options{
		Workers:          1,
		SelectionTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitAmbiguity(t, b.Events())
	sum := waitFinished(t, b.Events())

	if sum.Outcome != StateCompleted {
		t.Fatalf("outcome = %s, want %s", sum.Outcome, StateCompleted)
	}
	if sum.Skipped != 1 || sum.Results[0].Reason != ReasonSelectionTimeout {
		t.Errorf("results = %+v, want one selection_timeout skip", sum.Results)
	}
}

func TestCancelEmitsOnlyFinished(t *testing.T) {
	refs := refsN(24)
	scripts := make(map[string]script, len(refs))
	for _, ref := range refs {
		scripts[ref] = script{persons: []types.BoundingBox{person(10, 10, 60, 80, 0.9)}}
	}
	det := &fakeDetector{scripts: scripts, delay: 10 * time.Millisecond}

	b, err := New(det, newFakeIO(200, 200), refs, testPolicy(types.RuleLargest), Options{Workers: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Let some work happen, then cancel.
	deadline := time.After(10 * time.Second)
	for progressed := false; !progressed; {
		select {
		case ev := <-b.Events():
			if _, ok := ev.(ProgressEvent); ok {
				progressed = true
			}
		case <-deadline:
			t.Fatal("no progress before cancel")
		}
	}
	b.Cancel()

	var sum Summary
	sawFinished := false
	deadline = time.After(10 * time.Second)
drain:
	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				break drain
			}
			switch e := ev.(type) {
			case FinishedEvent:
				sum = e.Summary
				sawFinished = true
			default:
				// Events already buffered before the cancel are fine;
				// nothing may arrive after FinishedEvent.
				if sawFinished {
					t.Fatalf("event after FinishedEvent: %+v", ev)
				}
			}
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}

	if !sawFinished {
		t.Fatal("no FinishedEvent after cancel")
	}
	if sum.Outcome != StateCancelled {
		t.Fatalf("outcome = %s, want %s", sum.Outcome, StateCancelled)
	}
	handled := sum.Processed + sum.Skipped + sum.Errors
	if handled >= sum.Total {
		t.Errorf("handled %d of %d, expected a partial batch", handled, sum.Total)
	}
	if len(sum.Results) != handled {
		t.Errorf("results = %d, want %d (aborted tasks must not be recorded)", len(sum.Results), handled)
	}
	if b.State() != StateCancelled {
		t.Errorf("state = %s, want %s", b.State(), StateCancelled)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	b, err := New(&fakeDetector{}, newFakeIO(10, 10), refsN(3), testPolicy(types.RuleLargest), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.Cancel()
	sum := waitFinished(t, b.Events())
	if sum.Outcome != StateCancelled || sum.Total != 3 {
		t.Errorf("summary = %+v, want cancelled with total 3", sum)
	}
	if err := b.Start(context.Background()); err == nil {
		t.Error("Start() after Cancel() should fail")
	}
}

func TestContextCancelStopsBatch(t *testing.T) {
	refs := refsN(16)
	scripts := make(map[string]script, len(refs))
	for _, ref := range refs {
		scripts[ref] = script{persons: []types.BoundingBox{person(10, 10, 60, 80, 0.9)}}
	}
	det := &fakeDetector{scripts: scripts, delay: 10 * time.Millisecond}

	b, err := New(det, newFakeIO(200, 200), refs, testPolicy(types.RuleLargest), Options{Workers: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	cancel()

	sum := waitFinished(t, b.Events())
	if sum.Outcome != StateCancelled {
		t.Errorf("outcome = %s, want %s", sum.Outcome, StateCancelled)
	}
}

func TestPerTaskIOErrorSkipsOnlyThatImage(t *testing.T) {
	refs := refsN(4)
	scripts := make(map[string]script, len(refs))
	for _, ref := range refs {
		scripts[ref] = script{persons: []types.BoundingBox{person(10, 10, 60, 80, 0.9)}}
	}
	det := &fakeDetector{scripts: scripts}
	io := newFakeIO(200, 200)
	io.loadErr = map[string]error{"img-2": errors.New("truncated file")}

	b, err := New(det, io, refs, testPolicy(types.RuleLargest), Options{Workers: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sum := waitFinished(t, b.Events())

	if sum.Outcome != StateCompleted {
		t.Fatalf("outcome = %s, want %s", sum.Outcome, StateCompleted)
	}
	if sum.Processed != 3 || sum.Errors != 1 {
		t.Fatalf("counts = %d processed %d errors, want 3/1", sum.Processed, sum.Errors)
	}
	for _, res := range sum.Results {
		if res.Ref == "img-2" {
			if res.Status != StatusErrored || res.Reason != ReasonIO {
				t.Errorf("img-2 = %+v, want errored io_error", res)
			}
		} else if res.Status != StatusCropped {
			t.Errorf("%s = %+v, want cropped", res.Ref, res)
		}
	}
}

func TestInferenceErrorSkipsTask(t *testing.T) {
	refs := refsN(3)
	scripts := map[string]script{
		"img-0": {persons: []types.BoundingBox{person(10, 10, 60, 80, 0.9)}},
		"img-1": {personsErr: &detection.InferenceError{Err: errors.New("garbled reply")}},
		"img-2": {persons: []types.BoundingBox{person(10, 10, 60, 80, 0.9)}},
	}
	det := &fakeDetector{scripts: scripts}

	b, err := New(det, newFakeIO(200, 200), refs, testPolicy(types.RuleLargest), Options{Workers: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sum := waitFinished(t, b.Events())

	if sum.Outcome != StateCompleted {
		t.Fatalf("outcome = %s, want %s", sum.Outcome, StateCompleted)
	}
	if sum.Processed != 2 || sum.Errors != 1 {
		t.Fatalf("counts = %d processed %d errors, want 2/1", sum.Processed, sum.Errors)
	}
	if sum.Results[1].Reason != ReasonInference {
		t.Errorf("img-1 reason = %s, want %s", sum.Results[1].Reason, ReasonInference)
	}
}

func TestUnavailableBackendFailsBatch(t *testing.T) {
	refs := refsN(6)
	scripts := make(map[string]script, len(refs))
	for _, ref := range refs {
		scripts[ref] = script{persons: []types.BoundingBox{person(10, 10, 60, 80, 0.9)}}
	}
	scripts["img-1"] = script{personsErr: &detection.InferenceError{
		Unavailable: true,
		Err:         errors.New("connection refused"),
	}}
	det := &fakeDetector{scripts: scripts, delay: 2 * time.Millisecond}

	b, err := New(det, newFakeIO(200, 200), refs, testPolicy(types.RuleLargest), Options{Workers: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sum := waitFinished(t, b.Events())

	if sum.Outcome != StateFailed {
		t.Fatalf("outcome = %s, want %s", sum.Outcome, StateFailed)
	}
	found := false
	for _, res := range sum.Results {
		if res.Ref == "img-1" && res.Status == StatusErrored && res.Reason == ReasonInference {
			found = true
		}
	}
	if !found {
		t.Errorf("failing task missing from results: %+v", sum.Results)
	}
	if b.State() != StateFailed {
		t.Errorf("state = %s, want %s", b.State(), StateFailed)
	}
}

func TestGeometryDefectSkipsTask(t *testing.T) {
	det := &fakeDetector{scripts: map[string]script{
		"img-0": {persons: []types.BoundingBox{person(50, 50, 20, 80, 0.9)}},
	}}

	b, err := New(det, newFakeIO(200, 200), []string{"img-0"}, testPolicy(types.RuleLargest), Options{Workers: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sum := waitFinished(t, b.Events())

	if sum.Outcome != StateCompleted {
		t.Fatalf("outcome = %s, want %s", sum.Outcome, StateCompleted)
	}
	if sum.Errors != 1 || sum.Results[0].Reason != ReasonGeometry {
		t.Errorf("results = %+v, want one geometry_error", sum.Results)
	}
}

func TestNoSubjectSkips(t *testing.T) {
	det := &fakeDetector{scripts: map[string]script{"img-0": {}}}

	b, err := New(det, newFakeIO(200, 200), []string{"img-0"}, testPolicy(types.RuleLargest), Options{Workers: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sum := waitFinished(t, b.Events())

	if sum.Skipped != 1 || sum.Results[0].Reason != ReasonNoSubject {
		t.Errorf("results = %+v, want one no_subject skip", sum.Results)
	}
}

func TestPauseBlocksDispatchUntilResume(t *testing.T) {
	refs := refsN(3)
	scripts := make(map[string]script, len(refs))
	for _, ref := range refs {
		scripts[ref] = script{persons: []types.BoundingBox{person(10, 10, 60, 80, 0.9)}}
	}
	entered := make(chan string, 8)
	release := make(chan struct{})
	det := &fakeDetector{scripts: scripts, entered: entered, release: release}

	b, err := New(det, newFakeIO(200, 200), refs, testPolicy(types.RuleLargest), Options{Workers: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("first task never reached detection")
	}

	if err := b.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := b.Pause(); err == nil {
		t.Error("second Pause() should fail")
	}
	close(release) // let the in-flight task finish

	// The worker must not pick up the next image while paused.
	select {
	case ref := <-entered:
		t.Fatalf("dispatched %q while paused", ref)
	case <-time.After(80 * time.Millisecond):
	}

	if err := b.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := b.Resume(); err == nil {
		t.Error("Resume() while running should fail")
	}

	sum := waitFinished(t, b.Events())
	if sum.Processed != 3 {
		t.Errorf("processed = %d, want 3", sum.Processed)
	}
}

func TestWatermarkAutoShrinksAwayFromZone(t *testing.T) {
	wm := types.BoundingBox{
		Rect:       types.Rect{X1: 200, Y1: 860, X2: 400, Y2: 920},
		Confidence: 0.9,
		Label:      types.LabelWatermark,
	}
	det := &fakeDetector{scripts: map[string]script{
		"img-0": {
			persons:    []types.BoundingBox{person(100, 100, 300, 800, 0.9)},
			watermarks: []types.BoundingBox{wm},
		},
	}}
	io := newFakeIO(1000, 1000)

	pol := testPolicy(types.RuleLargest)
	pol.PaddingPercent = 20
	pol.WatermarkMode = types.WatermarkAuto

	b, err := New(det, io, []string{"img-0"}, pol, Options{Workers: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sum := waitFinished(t, b.Events())

	if sum.Processed != 1 {
		t.Fatalf("processed = %d, want 1: %+v", sum.Processed, sum.Results)
	}
	if sum.WatermarksFound != 1 {
		t.Errorf("watermarks found = %d, want 1", sum.WatermarksFound)
	}
	want := types.Rect{X1: 60, Y1: 0, X2: 340, Y2: 860}
	if got := sum.Results[0].Rect; got != want {
		t.Errorf("crop rect = %+v, want %+v", got, want)
	}
}

func TestManualStripKeepsCropAboveIt(t *testing.T) {
	det := &fakeDetector{scripts: map[string]script{
		"img-0": {persons: []types.BoundingBox{person(100, 100, 300, 700, 0.9)}},
	}}
	io := newFakeIO(1000, 1000)

	pol := testPolicy(types.RuleLargest)
	pol.PaddingPercent = 20
	pol.WatermarkMode = types.WatermarkManual
	pol.WatermarkPercent = 20 // strip starts at y=800

	b, err := New(det, io, []string{"img-0"}, pol, Options{Workers: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sum := waitFinished(t, b.Events())

	if sum.Processed != 1 {
		t.Fatalf("processed = %d, want 1: %+v", sum.Processed, sum.Results)
	}
	if got := sum.Results[0].Rect; got.Y2 > 800 {
		t.Errorf("crop rect %+v reaches into the manual strip below y=800", got)
	}
}

func TestStartTwiceFails(t *testing.T) {
	b, err := New(&fakeDetector{}, newFakeIO(10, 10), nil, testPolicy(types.RuleLargest), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	waitFinished(t, b.Events())
}
