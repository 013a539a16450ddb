// Package vision locates known watermark graphics in images without a
// model, using multi-scale normalized cross-correlation on grayscale
// pixels. It complements model detection in auto watermark mode: sites
// stamp the same logo on every photo, and template matching finds it
// more reliably than a general vision model does.
package vision

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"cropbatch/pkg/types"
	"cropbatch/pkg/watermark"
)

// DefaultThreshold is the correlation score a window must reach to count
// as a match.
const DefaultThreshold = 0.55

// Watermarks vary in size between photos, so the template is tried at a
// range of scales relative to its native size.
var defaultScales = []float64{0.5, 0.6, 0.7, 0.8, 0.9, 1.0, 1.1, 1.25, 1.5, 1.75, 2.0}

// maxWorkingDim caps the image size the correlation runs on. Matching on
// full-resolution photos is wasteful; boxes are scaled back afterwards.
const maxWorkingDim = 768

// minTemplateDim skips scales where the template degenerates into a few
// pixels and matches everything.
const minTemplateDim = 8

// TemplateMatcher finds occurrences of one template image.
type TemplateMatcher struct {
	template  image.Image
	tplW      int
	tplH      int
	threshold float64
	scales    []float64
}

// NewTemplateMatcher builds a matcher for the given template. A zero or
// negative threshold selects DefaultThreshold.
func NewTemplateMatcher(template image.Image, threshold float64) *TemplateMatcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	b := template.Bounds()
	return &TemplateMatcher{
		template:  template,
		tplW:      b.Dx(),
		tplH:      b.Dy(),
		threshold: threshold,
		scales:    defaultScales,
	}
}

// Match scans the image for the template at every scale and returns the
// matching regions as watermark boxes in the coordinates of img, with
// the correlation score as confidence. Overlapping hits from different
// scales are deduplicated, best score first.
func (m *TemplateMatcher) Match(img image.Image) []types.BoundingBox {
	if m.tplW == 0 || m.tplH == 0 {
		return nil
	}

	bounds := img.Bounds()
	imgW, imgH := bounds.Dx(), bounds.Dy()
	if imgW == 0 || imgH == 0 {
		return nil
	}

	// Work on a downscaled copy of large images.
	factor := 1.0
	work := img
	if longSide := maxInt(imgW, imgH); longSide > maxWorkingDim {
		factor = float64(maxWorkingDim) / float64(longSide)
		work = imaging.Resize(img, int(float64(imgW)*factor), int(float64(imgH)*factor), imaging.Lanczos)
	}
	gray := grayMap(work)
	workW, workH := len(gray[0]), len(gray)

	var hits []types.BoundingBox
	for _, scale := range m.scales {
		tw := int(math.Round(float64(m.tplW) * scale * factor))
		th := int(math.Round(float64(m.tplH) * scale * factor))
		if tw < minTemplateDim || th < minTemplateDim {
			continue
		}
		if tw > workW || th > workH {
			continue
		}

		tpl := grayMap(imaging.Resize(m.template, tw, th, imaging.Lanczos))
		tplMean, tplVar := meanAndVariance(tpl)
		if tplVar <= 1e-9 {
			// A flat template correlates with nothing.
			continue
		}

		for _, hit := range m.matchScale(gray, tpl, tplMean, tplVar) {
			// Back to the coordinates of the original image.
			r := types.Rect{
				X1: int(float64(hit.X1) / factor),
				Y1: int(float64(hit.Y1) / factor),
				X2: int(float64(hit.X2) / factor),
				Y2: int(float64(hit.Y2) / factor),
			}.Clamp(imgW, imgH)
			if r.Empty() {
				continue
			}
			hits = append(hits, types.BoundingBox{
				Rect:       r,
				Confidence: hit.score,
				Label:      types.LabelWatermark,
			})
		}
	}

	return watermark.Deduplicate(hits)
}

type scaleHit struct {
	types.Rect
	score float64
}

// matchScale slides the template over the grayscale map with a coarse
// stride, then refines every candidate to the best position nearby.
func (m *TemplateMatcher) matchScale(gray, tpl [][]float64, tplMean, tplVar float64) []scaleHit {
	imgW, imgH := len(gray[0]), len(gray)
	tw, th := len(tpl[0]), len(tpl)

	stride := minInt(tw, th) / 8
	if stride < 1 {
		stride = 1
	}

	var hits []scaleHit
	for y := 0; y+th <= imgH; y += stride {
		for x := 0; x+tw <= imgW; x += stride {
			score := nccAt(gray, x, y, tpl, tplMean, tplVar)
			if score < m.threshold {
				continue
			}
			bx, by, bs := refine(gray, tpl, tplMean, tplVar, x, y, stride)
			hits = append(hits, scaleHit{
				Rect:  types.Rect{X1: bx, Y1: by, X2: bx + tw, Y2: by + th},
				score: clampScore(bs),
			})
		}
	}
	return hits
}

// refine searches the stride neighborhood of a coarse hit exhaustively.
func refine(gray, tpl [][]float64, tplMean, tplVar float64, x, y, stride int) (int, int, float64) {
	imgW, imgH := len(gray[0]), len(gray)
	tw, th := len(tpl[0]), len(tpl)

	bestX, bestY := x, y
	best := nccAt(gray, x, y, tpl, tplMean, tplVar)
	for dy := -stride + 1; dy < stride; dy++ {
		for dx := -stride + 1; dx < stride; dx++ {
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx+tw > imgW || ny+th > imgH {
				continue
			}
			if dx == 0 && dy == 0 {
				continue
			}
			if score := nccAt(gray, nx, ny, tpl, tplMean, tplVar); score > best {
				best, bestX, bestY = score, nx, ny
			}
		}
	}
	return bestX, bestY, best
}

// nccAt computes the normalized cross-correlation of the template with
// the window at (x, y). Flat windows score zero.
func nccAt(gray [][]float64, x, y int, tpl [][]float64, tplMean, tplVar float64) float64 {
	var sumI, sumI2, cross float64
	for ty := range tpl {
		row := gray[y+ty]
		trow := tpl[ty]
		for tx := range trow {
			v := row[x+tx]
			sumI += v
			sumI2 += v * v
			cross += v * trow[tx]
		}
	}

	n := float64(len(tpl) * len(tpl[0]))
	meanI := sumI / n
	varI := sumI2 - n*meanI*meanI
	if varI <= 1e-9 {
		return 0
	}
	cov := cross - n*meanI*tplMean
	return cov / math.Sqrt(varI*tplVar)
}

// grayMap converts an image to a luminance matrix in [0,1].
func grayMap(img image.Image) [][]float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	gray := make([][]float64, h)
	for y := 0; y < h; y++ {
		row := make([]float64, w)
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			row[x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 65535.0
		}
		gray[y] = row
	}
	return gray
}

func meanAndVariance(m [][]float64) (float64, float64) {
	var sum, sum2, n float64
	for _, row := range m {
		for _, v := range row {
			sum += v
			sum2 += v * v
			n++
		}
	}
	mean := sum / n
	return mean, sum2 - n*mean*mean
}

func clampScore(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < 0 {
		return 0
	}
	return s
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
