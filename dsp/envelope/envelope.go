// Package envelope extracts smooth spectral envelopes from magnitude
// spectra via cepstral liftering.
//
// Source-filter separation: a voice-like spectrum is the product of a
// rapidly varying excitation (pitch harmonics) and a slowly varying filter
// shape (formant structure). In the log domain the product becomes a sum,
// and an inverse transform of the log spectrum (the cepstrum) concentrates
// the filter shape in its low-quefrency coefficients. Zeroing everything
// above a quefrency cutoff and transforming back recovers the smoothed
// log envelope.
package envelope

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
)

const (
	minFrameSize = 64

	// DefaultCutoffBin is a practical liftering cutoff for speech at a
	// 1024-sample frame. Lower values produce smoother envelopes.
	DefaultCutoffBin = 30

	// magnitudeFloor keeps zero-magnitude bins out of the logarithm.
	magnitudeFloor = 1e-9

	// logEnvelopeLimit bounds the log envelope before exponentiation so
	// extreme cepstral estimates cannot overflow to +Inf.
	logEnvelopeLimit = 20.0
)

// Extractor computes cepstral spectral envelopes for a fixed frame size.
//
// The extractor owns one complex scratch buffer whose interpretation
// alternates between frequency domain (log spectrum) and quefrency domain
// (cepstrum) during Process; it never aliases caller memory.
//
// Not safe for concurrent use.
type Extractor struct {
	frameSize int
	plan      *algofft.Plan[complex128]

	// scratch holds the symmetric log spectrum before the inverse
	// transform and the liftered cepstrum before the forward transform.
	scratch []complex128
	work    []complex128
}

// New creates an Extractor for the given frame size.
// frameSize must be a power of two and >= 64.
func New(frameSize int) (*Extractor, error) {
	if frameSize < minFrameSize || frameSize&(frameSize-1) != 0 {
		return nil, fmt.Errorf("envelope frame size must be power-of-two and >= %d: %d",
			minFrameSize, frameSize)
	}

	plan, err := algofft.NewPlan64(frameSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to create FFT plan: %w", err)
	}

	return &Extractor{
		frameSize: frameSize,
		plan:      plan,
		scratch:   make([]complex128, frameSize),
		work:      make([]complex128, frameSize),
	}, nil
}

// FrameSize returns the configured frame size.
func (e *Extractor) FrameSize() int { return e.frameSize }

// NumBins returns the half-spectrum bin count frameSize/2 + 1.
func (e *Extractor) NumBins() int { return e.frameSize/2 + 1 }

// Process computes the spectral envelope of magnitudeSpectrum into env.
//
// Both slices must hold frameSize/2+1 bins. cutoffBin selects the
// liftering cutoff; values outside (0, frameSize/2) fall back to
// DefaultCutoffBin. The output is strictly positive: magnitudes are
// floored at 1e-9 before the logarithm and the recovered log envelope is
// clamped to [-20, 20] before exponentiation.
//
// Steady-state allocation-free.
func (e *Extractor) Process(magnitudeSpectrum, env []float64, cutoffBin int) error {
	numBins := e.NumBins()
	if len(magnitudeSpectrum) != numBins || len(env) != numBins {
		return fmt.Errorf("envelope expects %d bins: magnitude=%d env=%d",
			numBins, len(magnitudeSpectrum), len(env))
	}

	if cutoffBin <= 0 || cutoffBin >= e.frameSize/2 {
		cutoffBin = DefaultCutoffBin
	}

	// Build the symmetric log-magnitude spectrum. The upper half mirrors
	// the lower so the cepstrum comes out real-valued.
	for i := range numBins {
		mag := math.Max(magnitudeSpectrum[i], magnitudeFloor)
		logMag := complex(math.Log(mag), 0)
		e.scratch[i] = logMag

		if i > 0 && i < numBins-1 {
			e.scratch[e.frameSize-i] = logMag
		}
	}

	// scratch: frequency domain -> work: quefrency domain (cepstrum).
	err := e.plan.Inverse(e.work, e.scratch)
	if err != nil {
		return fmt.Errorf("envelope: inverse FFT failed: %w", err)
	}

	// Lifter: keep low quefrencies and the symmetric high tail.
	for i := cutoffBin; i < e.frameSize-cutoffBin; i++ {
		e.work[i] = 0
	}

	// work: quefrency domain -> scratch: frequency domain. The inverse
	// transform above carries the 1/N factor, so the round trip is
	// identity-scaled and the recovered log envelope needs no further
	// normalization.
	err = e.plan.Forward(e.scratch, e.work)
	if err != nil {
		return fmt.Errorf("envelope: forward FFT failed: %w", err)
	}

	for i := range numBins {
		logEnv := real(e.scratch[i])
		logEnv = math.Max(-logEnvelopeLimit, math.Min(logEnv, logEnvelopeLimit))
		env[i] = math.Exp(logEnv)
	}

	return nil
}
