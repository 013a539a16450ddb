package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cropbatch/pkg/client"
	"cropbatch/pkg/types"
	"cropbatch/pkg/vision"
)

type fakeReply struct {
	raws []types.RawDetection
	err  error
}

// fakeClient scripts DetectObjects replies in order; the last reply
// repeats. It tracks how many calls are in flight at once.
type fakeClient struct {
	mu      sync.Mutex
	replies []fakeReply
	calls   []client.DetectRequest

	delay    time.Duration
	inflight int32
	maxSeen  int32
}

func (f *fakeClient) SimpleQuery(ctx context.Context, model, prompt, imageB64 string) (string, error) {
	return "a test scene", nil
}

func (f *fakeClient) DetectObjects(ctx context.Context, req client.DetectRequest) ([]types.RawDetection, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	atomic.AddInt32(&f.inflight, -1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.replies) == 0 {
		return nil, nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r.raws, r.err
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) call(i int) client.DetectRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func grayImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{120, 120, 120, 255}}, image.Point{}, draw.Src)
	return img
}

func rawPerson(x, y, w, h, conf float64) types.RawDetection {
	return types.RawDetection{
		Label:      "person",
		Confidence: conf,
		Box:        types.NormBox{X: x, Y: y, W: w, H: h},
	}
}

func TestDetectPersonsScalesBoxes(t *testing.T) {
	fc := &fakeClient{replies: []fakeReply{{raws: []types.RawDetection{
		rawPerson(0.25, 0.5, 0.5, 0.25, 0.9),
	}}}}
	d := NewDetector(fc, Options{Model: "test", ConfidenceThreshold: 0.5})

	set, err := d.DetectPersons(context.Background(), grayImage(400, 200))
	if err != nil {
		t.Fatalf("DetectPersons() error = %v", err)
	}
	if set.ImageW != 400 || set.ImageH != 200 {
		t.Fatalf("image dims = %dx%d, want 400x200", set.ImageW, set.ImageH)
	}
	if len(set.Boxes) != 1 {
		t.Fatalf("got %d boxes, want 1", len(set.Boxes))
	}
	want := types.Rect{X1: 100, Y1: 100, X2: 300, Y2: 150}
	if set.Boxes[0].Rect != want {
		t.Errorf("box = %+v, want %+v", set.Boxes[0].Rect, want)
	}
	if set.Boxes[0].Label != types.LabelPerson {
		t.Errorf("label = %q, want %q", set.Boxes[0].Label, types.LabelPerson)
	}
}

func TestDetectPersonsFiltersAndClamps(t *testing.T) {
	fc := &fakeClient{replies: []fakeReply{{raws: []types.RawDetection{
		rawPerson(0.0, 0.0, 0.5, 0.5, 0.3),       // below threshold
		rawPerson(0.1, 0.1, 0.0, 0.2, 0.9),       // zero width
		rawPerson(0.8, 0.8, 0.9, 0.9, 0.9),       // overflows right and bottom
		{Label: "dog", Confidence: 0.99, Box: types.NormBox{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}},
		{Label: "Person", Confidence: 0.8, Box: types.NormBox{X: 0.0, Y: 0.0, W: 0.25, H: 0.25}},
	}}}}
	d := NewDetector(fc, Options{Model: "test", ConfidenceThreshold: 0.5})

	set, err := d.DetectPersons(context.Background(), grayImage(100, 100))
	if err != nil {
		t.Fatalf("DetectPersons() error = %v", err)
	}
	if len(set.Boxes) != 2 {
		t.Fatalf("got %d boxes, want 2: %+v", len(set.Boxes), set.Boxes)
	}
	overflow := set.Boxes[0].Rect
	if overflow.X2 > 100 || overflow.Y2 > 100 {
		t.Errorf("overflowing box not clamped: %+v", overflow)
	}
	capitalized := set.Boxes[1].Rect
	if want := (types.Rect{X1: 0, Y1: 0, X2: 25, Y2: 25}); capitalized != want {
		t.Errorf("capitalized label box = %+v, want %+v", capitalized, want)
	}
}

func TestDetectRetriesOnceDegraded(t *testing.T) {
	fc := &fakeClient{replies: []fakeReply{
		{err: errors.New("model returned garbage")},
		{raws: []types.RawDetection{rawPerson(0.1, 0.1, 0.5, 0.5, 0.9)}},
	}}
	d := NewDetector(fc, Options{Model: "test"})

	set, err := d.DetectPersons(context.Background(), grayImage(100, 100))
	if err != nil {
		t.Fatalf("DetectPersons() error = %v", err)
	}
	if len(set.Boxes) != 1 {
		t.Fatalf("got %d boxes, want 1", len(set.Boxes))
	}
	if fc.callCount() != 2 {
		t.Fatalf("got %d calls, want 2", fc.callCount())
	}
	if fc.call(0).Degraded {
		t.Error("first call should not be degraded")
	}
	if !fc.call(1).Degraded {
		t.Error("retry should be degraded")
	}
	if !d.Degraded() {
		t.Error("detector should stay degraded after the switch")
	}

	// The switch is sticky: the next detection starts degraded and is
	// not retried again on failure.
	fc.mu.Lock()
	fc.replies = []fakeReply{{err: errors.New("still broken")}}
	fc.mu.Unlock()

	_, err = d.DetectPersons(context.Background(), grayImage(100, 100))
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("error = %v, want *InferenceError", err)
	}
	if infErr.Unavailable {
		t.Error("garbage reply should not be marked unavailable")
	}
	if fc.callCount() != 3 {
		t.Errorf("got %d calls, want 3 (no second retry once degraded)", fc.callCount())
	}
	if !fc.call(2).Degraded {
		t.Error("post-switch call should be degraded")
	}
}

func TestDetectUnavailableSkipsRetry(t *testing.T) {
	fc := &fakeClient{replies: []fakeReply{
		{err: client.ErrUnavailable},
	}}
	d := NewDetector(fc, Options{Model: "test"})

	_, err := d.DetectPersons(context.Background(), grayImage(100, 100))
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("error = %v, want *InferenceError", err)
	}
	if !infErr.Unavailable {
		t.Error("error should be marked unavailable")
	}
	if fc.callCount() != 1 {
		t.Errorf("got %d calls, want 1 (unreachable backend is not retried)", fc.callCount())
	}
	if d.Degraded() {
		t.Error("unavailable backend should not flip degraded mode")
	}
}

func TestInferenceGateSerializesCalls(t *testing.T) {
	fc := &fakeClient{
		replies: []fakeReply{{raws: nil}},
		delay:   2 * time.Millisecond,
	}
	d := NewDetector(fc, Options{Model: "test"})
	img := grayImage(64, 64)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				if _, err := d.DetectPersons(context.Background(), img); err != nil {
					t.Errorf("DetectPersons() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&fc.maxSeen); max != 1 {
		t.Errorf("max concurrent model calls = %d, want 1", max)
	}
	if fc.callCount() != 24 {
		t.Errorf("got %d calls, want 24", fc.callCount())
	}
}

func TestDetectWatermarksMergesMatcher(t *testing.T) {
	// Checkerboard template pasted bottom-left; the model itself
	// reports nothing.
	tpl := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if (x/4+y/4)%2 == 0 {
				tpl.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				tpl.Set(x, y, color.RGBA{0, 0, 0, 255})
			}
		}
	}
	canvas := image.NewRGBA(image.Rect(0, 0, 120, 120))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{color.RGBA{120, 120, 120, 255}}, image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(10, 94, 26, 110), tpl, image.Point{}, draw.Src)

	fc := &fakeClient{replies: []fakeReply{{raws: nil}}}
	d := NewDetector(fc, Options{
		Model:   "test",
		Matcher: vision.NewTemplateMatcher(tpl, 0),
	})

	set, err := d.DetectWatermarks(context.Background(), canvas)
	if err != nil {
		t.Fatalf("DetectWatermarks() error = %v", err)
	}
	if len(set.Boxes) == 0 {
		t.Fatal("matcher hit should survive the merge")
	}
	for _, b := range set.Boxes {
		if b.Label != types.LabelWatermark {
			t.Errorf("merged box label = %q, want %q", b.Label, types.LabelWatermark)
		}
	}
}

func TestDetectWatermarksDeduplicates(t *testing.T) {
	wm := func(x, y, w, h, conf float64) types.RawDetection {
		return types.RawDetection{
			Label:      "watermark",
			Confidence: conf,
			Box:        types.NormBox{X: x, Y: y, W: w, H: h},
		}
	}
	fc := &fakeClient{replies: []fakeReply{{raws: []types.RawDetection{
		wm(0.10, 0.8, 0.3, 0.15, 0.9),
		wm(0.12, 0.8, 0.3, 0.15, 0.6),
	}}}}
	d := NewDetector(fc, Options{Model: "test"})

	set, err := d.DetectWatermarks(context.Background(), grayImage(200, 200))
	if err != nil {
		t.Fatalf("DetectWatermarks() error = %v", err)
	}
	if len(set.Boxes) != 1 {
		t.Fatalf("got %d boxes, want 1 after dedup", len(set.Boxes))
	}
	if set.Boxes[0].Confidence != 0.9 {
		t.Errorf("kept confidence = %v, want the stronger detection", set.Boxes[0].Confidence)
	}
}

func TestCheckDescribesImage(t *testing.T) {
	fc := &fakeClient{}
	d := NewDetector(fc, Options{Model: "test"})

	reply, err := d.Check(context.Background(), grayImage(64, 64))
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if reply != "a test scene" {
		t.Errorf("reply = %q, want %q", reply, "a test scene")
	}
}
