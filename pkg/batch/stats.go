package batch

import (
	"sort"
	"sync"
	"time"

	"cropbatch/pkg/types"
)

// TaskStatus tells what happened to one image.
type TaskStatus string

const (
	StatusCropped TaskStatus = "cropped"
	StatusSkipped TaskStatus = "skipped"
	StatusErrored TaskStatus = "errored"
)

// ReasonCode explains a skipped or errored task in the summary.
type ReasonCode string

const (
	ReasonNoSubject        ReasonCode = "no_subject"
	ReasonUserSkip         ReasonCode = "user_skip"
	ReasonSelectionTimeout ReasonCode = "selection_timeout"
	ReasonInference        ReasonCode = "inference_error"
	ReasonIO               ReasonCode = "io_error"
	ReasonGeometry         ReasonCode = "geometry_error"
)

// TaskResult is the per-image record in the final summary.
type TaskResult struct {
	Ref        string     `json:"ref"`
	Seq        int        `json:"seq"`
	Status     TaskStatus `json:"status"`
	Reason     ReasonCode `json:"reason,omitempty"`
	Rect       types.Rect `json:"rect,omitempty"`
	OutputPath string     `json:"output_path,omitempty"`
	Persons    int        `json:"persons"`
	Watermarks int        `json:"watermarks"`
	Err        error      `json:"-"`
}

// Summary is the final account of a batch.
type Summary struct {
	BatchID         string        `json:"batch_id"`
	Outcome         State         `json:"outcome"`
	Total           int           `json:"total"`
	Processed       int           `json:"processed"`
	Skipped         int           `json:"skipped"`
	Errors          int           `json:"errors"`
	PersonsFound    int           `json:"persons_found"`
	WatermarksFound int           `json:"watermarks_found"`
	Elapsed         time.Duration `json:"elapsed"`
	ImagesPerSecond float64       `json:"images_per_second"`
	SuccessRate     float64       `json:"success_rate"`
	Results         []TaskResult  `json:"results"`
}

// statsCollector accumulates per-task results. All methods are safe for
// concurrent use by the workers.
type statsCollector struct {
	mu sync.Mutex

	total      int
	processed  int
	skipped    int
	errors     int
	persons    int
	watermarks int
	results    []TaskResult

	started time.Time
}

func newStatsCollector(total int) *statsCollector {
	return &statsCollector{total: total}
}

func (s *statsCollector) markStart(t time.Time) {
	s.mu.Lock()
	s.started = t
	s.mu.Unlock()
}

type progressSnapshot struct {
	processed int
	skipped   int
	errors    int
	total     int
	eta       time.Duration
}

// record stores one finished task and returns the running counts.
func (s *statsCollector) record(res TaskResult) progressSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append(s.results, res)
	switch res.Status {
	case StatusCropped:
		s.processed++
	case StatusSkipped:
		s.skipped++
	case StatusErrored:
		s.errors++
	}
	s.persons += res.Persons
	s.watermarks += res.Watermarks

	return progressSnapshot{
		processed: s.processed,
		skipped:   s.skipped,
		errors:    s.errors,
		total:     s.total,
		eta:       s.etaLocked(),
	}
}

// etaLocked projects the remaining time from the average pace so far.
func (s *statsCollector) etaLocked() time.Duration {
	done := s.processed + s.skipped + s.errors
	if done == 0 || s.started.IsZero() {
		return 0
	}
	remaining := s.total - done
	if remaining <= 0 {
		return 0
	}
	perImage := time.Since(s.started) / time.Duration(done)
	return perImage * time.Duration(remaining)
}

func (s *statsCollector) summary(id string, outcome State) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var elapsed time.Duration
	if !s.started.IsZero() {
		elapsed = time.Since(s.started)
	}
	done := s.processed + s.skipped + s.errors

	sum := Summary{
		BatchID:         id,
		Outcome:         outcome,
		Total:           s.total,
		Processed:       s.processed,
		Skipped:         s.skipped,
		Errors:          s.errors,
		PersonsFound:    s.persons,
		WatermarksFound: s.watermarks,
		Elapsed:         elapsed,
		Results:         append([]TaskResult(nil), s.results...),
	}
	if elapsed > 0 {
		sum.ImagesPerSecond = float64(done) / elapsed.Seconds()
	}
	if s.total > 0 {
		sum.SuccessRate = float64(s.processed) / float64(s.total) * 100
	}
	sort.Slice(sum.Results, func(i, j int) bool { return sum.Results[i].Seq < sum.Results[j].Seq })
	return sum
}
