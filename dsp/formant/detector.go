// Package formant locates resonance peaks in spectral envelopes and
// manages target formant frequency sets.
package formant

import (
	"fmt"
	"math"
	"sort"
)

const (
	// DefaultCount matches the reference formant set F1..F15.
	DefaultCount = 15

	// Default search band and peak spacing for speech-like material.
	DefaultBandLowHz    = 150.0
	DefaultBandHighHz   = 9000.0
	DefaultMinSpacingHz = 120.0
)

// Option configures a Detector.
type Option func(*Detector)

// WithBand sets the search band in Hz. Peaks outside [lowHz, highHz] are
// ignored.
func WithBand(lowHz, highHz float64) Option {
	return func(d *Detector) {
		if lowHz > 0 && highHz > lowHz {
			d.bandLowHz = lowHz
			d.bandHighHz = highHz
		}
	}
}

// WithMinSpacingHz sets the minimum distance between detected formants.
func WithMinSpacingHz(hz float64) Option {
	return func(d *Detector) {
		if hz > 0 {
			d.minSpacingHz = hz
		}
	}
}

// WithSmoothing enables one-pole smoothing of detected bins across
// successive Detect calls. coeff is the feedback amount in [0, 1): 0
// disables smoothing, values near 1 respond slowly. Smoothing suppresses
// frame-to-frame warp jitter when detection is noisy (silence, noise).
func WithSmoothing(coeff float64) Option {
	return func(d *Detector) {
		if coeff >= 0 && coeff < 1 {
			d.smoothing = coeff
		}
	}
}

type peak struct {
	bin int
	mag float64
}

// Detector finds up to Count() formant peaks in a spectral envelope.
//
// Detection returns exactly Count() bin positions every call: strictly
// ascending, separated by at least the configured minimum spacing, and
// confined to the search band. Missing peaks are synthesized by stepping
// forward from the last detected bin, so downstream warp-point
// construction always sees a full, well-ordered formant set even in
// silence.
//
// Not safe for concurrent use.
type Detector struct {
	sampleRate float64
	frameSize  int
	count      int

	bandLowHz    float64
	bandHighHz   float64
	minSpacingHz float64
	smoothing    float64

	minBin  int
	maxBin  int
	minDist int

	candidates []peak
	selected   []int
	smoothed   []float64
	primed     bool
}

// NewDetector creates a formant detector for the given analysis geometry.
// count is the number of formant slots to fill per call.
func NewDetector(sampleRate float64, frameSize, count int, opts ...Option) (*Detector, error) {
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("formant detector sample rate must be > 0: %f", sampleRate)
	}

	if frameSize < 64 || frameSize&(frameSize-1) != 0 {
		return nil, fmt.Errorf("formant detector frame size must be power-of-two and >= 64: %d", frameSize)
	}

	if count <= 0 {
		return nil, fmt.Errorf("formant count must be > 0: %d", count)
	}

	d := &Detector{
		sampleRate:   sampleRate,
		frameSize:    frameSize,
		count:        count,
		bandLowHz:    DefaultBandLowHz,
		bandHighHz:   DefaultBandHighHz,
		minSpacingHz: DefaultMinSpacingHz,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	numBins := frameSize/2 + 1
	hzPerBin := sampleRate / float64(frameSize)

	d.minBin = max(1, int(d.bandLowHz/hzPerBin))
	d.maxBin = min(numBins-2, int(d.bandHighHz/hzPerBin))
	d.minDist = max(2, int(d.minSpacingHz/hzPerBin))

	// All count slots must fit in the band at the configured spacing,
	// otherwise the ordering invariant cannot hold.
	if d.maxBin-d.minBin < (count-1)*d.minDist {
		return nil, fmt.Errorf("formant band %g-%g Hz too narrow for %d formants at %g Hz spacing",
			d.bandLowHz, d.bandHighHz, count, d.minSpacingHz)
	}

	d.candidates = make([]peak, 0, d.maxBin-d.minBin+1)
	d.selected = make([]int, 0, count)
	d.smoothed = make([]float64, count)

	return d, nil
}

// Count returns the number of formant slots per detection.
func (d *Detector) Count() int { return d.count }

// HzPerBin returns the frequency resolution of one bin.
func (d *Detector) HzPerBin() float64 { return d.sampleRate / float64(d.frameSize) }

// Reset clears smoothing history.
func (d *Detector) Reset() {
	d.primed = false
}

// Detect fills dst with Count() formant bin positions found in envelope.
//
// envelope must hold frameSize/2+1 bins. dst must hold Count() values; a
// nil dst allocates. The returned slice is dst. Steady-state
// allocation-free when dst is presized.
func (d *Detector) Detect(envelope, dst []float64) ([]float64, error) {
	numBins := d.frameSize/2 + 1
	if len(envelope) != numBins {
		return nil, fmt.Errorf("formant detector expects %d bins: %d", numBins, len(envelope))
	}

	if dst == nil {
		dst = make([]float64, d.count)
	}

	if len(dst) != d.count {
		return nil, fmt.Errorf("formant destination must hold %d slots: %d", d.count, len(dst))
	}

	// Local maxima: strict on the left, non-strict on the right, so
	// flat-top ties resolve to the lower bin deterministically.
	d.candidates = d.candidates[:0]
	for i := d.minBin; i <= d.maxBin; i++ {
		v := envelope[i]
		if v > envelope[i-1] && v >= envelope[i+1] {
			d.candidates = append(d.candidates, peak{bin: i, mag: v})
		}
	}

	sort.Slice(d.candidates, func(i, j int) bool {
		return d.candidates[i].mag > d.candidates[j].mag
	})

	// Greedy selection by magnitude with minimum-distance rejection.
	d.selected = d.selected[:0]
	for _, c := range d.candidates {
		tooClose := false

		for _, chosen := range d.selected {
			if abs(chosen-c.bin) < d.minDist {
				tooClose = true
				break
			}
		}

		if !tooClose {
			d.selected = append(d.selected, c.bin)
		}

		if len(d.selected) >= d.count {
			break
		}
	}

	sort.Ints(d.selected)

	d.fillSlots(dst)

	if d.smoothing > 0 {
		if !d.primed {
			copy(d.smoothed, dst)
			d.primed = true
		} else {
			for i := range dst {
				d.smoothed[i] += (1 - d.smoothing) * (dst[i] - d.smoothed[i])
				dst[i] = d.smoothed[i]
			}
		}
	}

	return dst, nil
}

// fillSlots maps the selected peaks onto exactly count ordered slots,
// synthesizing missing ones. Each slot i is capped so the remaining slots
// still fit below maxBin at minDist spacing.
func (d *Detector) fillSlots(dst []float64) {
	prev := d.minBin - d.minDist

	for i := range d.count {
		var bin int
		if i < len(d.selected) {
			bin = max(d.selected[i], prev+d.minDist)
		} else {
			bin = prev + d.minDist
		}

		ceil := d.maxBin - (d.count-1-i)*d.minDist
		bin = min(bin, ceil)
		bin = max(bin, d.minBin)

		dst[i] = float64(bin)
		prev = bin
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}

	return x
}
