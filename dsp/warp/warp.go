package warp

import (
	"fmt"
	"sort"
)

const (
	// minSegmentWidth is the destination-bin span below which a segment is
	// treated as degenerate and resolved at its left point.
	minSegmentWidth = 1e-6

	// anchorTolerance decides whether an explicit boundary anchor is present.
	anchorTolerance = 0.5
)

// Point maps a source frequency bin onto a destination frequency bin.
// Fractional bins are allowed on both axes.
type Point struct {
	SrcBin float64
	DstBin float64
}

// Warper builds and applies a piecewise-linear frequency-axis remapping.
//
// CalculateWarpMap turns a set of control points into a per-bin lookup
// table warpMap[outputBin] = fractional source bin; Process resamples an
// envelope through that table with two-tap linear interpolation.
//
// The zero value is usable; the warp map is (re)allocated on demand and
// reused across calls with the same bin count.
type Warper struct {
	warpMap []float64
	points  []Point
}

// New returns an empty Warper.
func New() *Warper {
	return &Warper{}
}

// Map returns the current warp map. The slice is owned by the Warper and
// valid until the next CalculateWarpMap call.
func (w *Warper) Map() []float64 {
	return w.warpMap
}

// NumBins returns the bin count of the current warp map.
func (w *Warper) NumBins() int {
	return len(w.warpMap)
}

// CalculateWarpMap rebuilds the warp map for numBins output bins.
//
// Control points are sorted by destination bin. If the first point does not
// sit at destination 0, a {0,0} anchor is prepended; if the last point sits
// below numBins-1, a {numBins-1, numBins-1} anchor is appended, so the map
// always covers the full [0, numBins-1] range. Source values are clamped to
// [0, numBins-1].
func (w *Warper) CalculateWarpMap(numBins int, points []Point) error {
	if numBins <= 1 {
		return fmt.Errorf("warp map needs at least 2 bins: %d", numBins)
	}

	if len(w.warpMap) != numBins {
		w.warpMap = make([]float64, numBins)
	}

	last := float64(numBins - 1)

	w.points = w.points[:0]
	if len(points) == 0 || points[0].DstBin > anchorTolerance {
		w.points = append(w.points, Point{0, 0})
	}

	w.points = append(w.points, points...)
	if w.points[len(w.points)-1].DstBin < last-anchorTolerance {
		w.points = append(w.points, Point{last, last})
	}

	sort.SliceStable(w.points, func(i, j int) bool {
		return w.points[i].DstBin < w.points[j].DstBin
	})

	seg := 0
	for i := range numBins {
		pos := float64(i)

		// Advance to the segment bracketing this output bin. Points are
		// destination-sorted, so the scan is monotonic across bins.
		for seg+1 < len(w.points)-1 && w.points[seg+1].DstBin < pos {
			seg++
		}

		p0 := w.points[seg]
		p1 := w.points[seg+1]

		var src float64

		if pos > p1.DstBin {
			// Beyond the last point: hold its source value. With the
			// Nyquist anchor in place this only triggers for malformed
			// point sets.
			src = p1.SrcBin
		} else {
			width := p1.DstBin - p0.DstBin

			frac := 0.0
			if width > minSegmentWidth {
				frac = (pos - p0.DstBin) / width
			}

			src = p0.SrcBin + frac*(p1.SrcBin-p0.SrcBin)
		}

		w.warpMap[i] = clampFloat(src, 0, last)
	}

	return nil
}

// Process resamples srcEnvelope through the warp map into dstEnvelope
// using linear interpolation at fractional source bins.
//
// Both envelopes must match the bin count of the current warp map.
func (w *Warper) Process(srcEnvelope, dstEnvelope []float64) error {
	if len(srcEnvelope) != len(dstEnvelope) {
		return fmt.Errorf("warp envelope size mismatch: src=%d dst=%d",
			len(srcEnvelope), len(dstEnvelope))
	}

	if len(w.warpMap) != len(srcEnvelope) {
		return fmt.Errorf("warp map computed for %d bins, envelopes have %d",
			len(w.warpMap), len(srcEnvelope))
	}

	lastIdx := len(srcEnvelope) - 1
	for i, srcIdx := range w.warpMap {
		idx0 := int(srcIdx)
		idx1 := min(idx0+1, lastIdx)
		frac := srcIdx - float64(idx0)

		v0 := srcEnvelope[idx0]
		v1 := srcEnvelope[idx1]
		dstEnvelope[i] = v0 + frac*(v1-v0)
	}

	return nil
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
