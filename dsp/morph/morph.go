// Package morph implements real-time spectral formant morphing.
//
// The processor separates a speech-like signal into source excitation and
// spectral envelope (vocal-tract filter shape), moves the envelope's
// resonance peaks to caller-supplied target frequencies by piecewise-linear
// frequency warping, and resynthesizes audio with the new formant structure
// while preserving pitch and timing.
//
// Per analysis hop: windowed frame -> FFT -> magnitude -> cepstral envelope
// -> formant detection -> warp map -> per-bin gain (warped/original
// envelope) applied to the complex spectrum -> inverse FFT -> window ->
// overlap-add. Streaming between hops runs through circular input/output
// buffers at per-sample cost.
package morph

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/cwbudde/algo-dsp/dsp/window"
	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-formant/dsp/envelope"
	"github.com/cwbudde/algo-formant/dsp/formant"
	"github.com/cwbudde/algo-formant/dsp/warp"
)

const (
	defaultFrameSize = 1024
	minFrameSize     = 64
	overlapFactor    = 4

	// hannOverlapSum is the constant overlap-add sum of the squared
	// periodic Hann window at 75% overlap. Together with the normalized
	// inverse transform it makes the identity-gain path reconstruct the
	// input exactly.
	hannOverlapSum = 1.5

	// Floors for the per-bin gain division so silence never produces
	// runaway amplification or NaN.
	extractedFloor = 1e-7
	warpedFloor    = 1e-9

	defaultMaxGainDB = 24.0

	minOutputGainDB = -24.0
	maxOutputGainDB = 6.0
)

// Option configures a Processor at construction time.
type Option func(*config)

type config struct {
	frameSize    int
	formantCount int
	cutoffBin    int
	maxGainDB    float64
	smoothing    float64
}

func defaultProcessorConfig() config {
	return config{
		frameSize:    defaultFrameSize,
		formantCount: formant.DefaultCount,
		cutoffBin:    envelope.DefaultCutoffBin,
		maxGainDB:    defaultMaxGainDB,
	}
}

// WithFrameSize sets the STFT frame length. Must be a power of two >= 64;
// the hop is fixed at a quarter frame (75% overlap).
func WithFrameSize(n int) Option {
	return func(c *config) { c.frameSize = n }
}

// WithFormantCount sets how many formants are detected and warped.
func WithFormantCount(k int) Option {
	return func(c *config) { c.formantCount = k }
}

// WithCutoffBin sets the cepstral liftering cutoff. Lower values yield a
// smoother envelope estimate.
func WithCutoffBin(c int) Option {
	return func(cfg *config) { cfg.cutoffBin = c }
}

// WithMaxGainDB caps the per-bin spectral gain applied during
// resynthesis.
func WithMaxGainDB(db float64) Option {
	return func(c *config) {
		if db > 0 && !math.IsNaN(db) && !math.IsInf(db, 0) {
			c.maxGainDB = db
		}
	}
}

// WithSmoothing enables one-pole smoothing of detected formant bins across
// hops; see formant.WithSmoothing.
func WithSmoothing(coeff float64) Option {
	return func(c *config) {
		if coeff >= 0 && coeff < 1 {
			c.smoothing = coeff
		}
	}
}

// Visualization is a snapshot of the last analyzed hop for diagnostic
// display. All slices are copies owned by the caller.
type Visualization struct {
	Spectrum []float64
	Envelope []float64
	F1Bin    float64
	F2Bin    float64
}

// Processor is the streaming formant morphing engine.
//
// Process is designed for an audio callback: after construction (or
// Prepare) its steady-state path performs no allocation and never blocks.
// Parameter setters and LatestVisualization may be called concurrently
// from non-real-time contexts; Prepare, Reset and
// EstimateFormantsFromBuffer must not run concurrently with Process.
type Processor struct {
	sampleRate   float64
	frameSize    int
	hopSize      int
	numBins      int
	formantCount int
	cutoffBin    int
	smoothing    float64
	maxGain      float64

	plan         *algofft.Plan[complex128]
	windowCoeffs []float64
	extractor    *envelope.Extractor
	detector     *formant.Detector
	warper       *warp.Warper

	// Streaming state, touched only inside Process.
	inputFifo   []float64
	outputAccum []float64
	inputWrite  int
	outputRead  int
	hopCounter  int

	// Per-hop scratch, sized at prepare time.
	frame       []float64
	spectrum    []complex128
	timeFrame   []complex128
	specRe      []float64
	specIm      []float64
	magnitude   []float64
	extracted   []float64
	warped      []float64
	formantBins []float64
	points      []warp.Point

	// Targets are swapped whole so the audio thread reads a consistent
	// slice without locking.
	targets atomic.Pointer[[]float64]

	mixBits  atomic.Uint64
	gainBits atomic.Uint64

	visMu       sync.Mutex
	visSpectrum []float64
	visEnvelope []float64
	visF1       float64
	visF2       float64
}

// New creates a Processor for the given sample rate.
func New(sampleRate float64, opts ...Option) (*Processor, error) {
	cfg := defaultProcessorConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if cfg.frameSize < minFrameSize || cfg.frameSize&(cfg.frameSize-1) != 0 {
		return nil, fmt.Errorf("morph frame size must be power-of-two and >= %d: %d",
			minFrameSize, cfg.frameSize)
	}

	if cfg.formantCount <= 0 {
		return nil, fmt.Errorf("morph formant count must be > 0: %d", cfg.formantCount)
	}

	p := &Processor{
		frameSize:    cfg.frameSize,
		hopSize:      cfg.frameSize / overlapFactor,
		numBins:      cfg.frameSize/2 + 1,
		formantCount: cfg.formantCount,
		cutoffBin:    cfg.cutoffBin,
		smoothing:    cfg.smoothing,
		maxGain:      core.DBToLinear(cfg.maxGainDB),
	}

	p.mixBits.Store(math.Float64bits(1))
	p.gainBits.Store(math.Float64bits(1))

	err := p.Prepare(sampleRate, cfg.frameSize, 1)
	if err != nil {
		return nil, err
	}

	targets := formant.SanitizeTargetsHz(nil, formant.DefaultTargetsHz(cfg.formantCount))
	p.targets.Store(&targets)

	return p, nil
}

// SampleRate returns the prepared sample rate in Hz.
func (p *Processor) SampleRate() float64 { return p.sampleRate }

// FrameSize returns the STFT frame length.
func (p *Processor) FrameSize() int { return p.frameSize }

// HopSize returns the analysis hop in samples (frame/4).
func (p *Processor) HopSize() int { return p.hopSize }

// NumBins returns the half-spectrum bin count.
func (p *Processor) NumBins() int { return p.numBins }

// FormantCount returns the number of formant slots.
func (p *Processor) FormantCount() int { return p.formantCount }

// Latency returns the processing delay in samples (one frame).
func (p *Processor) Latency() int { return p.frameSize }

// Prepare (re)allocates all rate-dependent state and resets streaming.
// Must be called before Process when the sample rate changes; not safe
// concurrently with Process.
func (p *Processor) Prepare(sampleRate float64, maxBlockSize, numChannels int) error {
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return fmt.Errorf("morph sample rate must be > 0: %f", sampleRate)
	}

	if maxBlockSize <= 0 {
		return fmt.Errorf("morph max block size must be > 0: %d", maxBlockSize)
	}

	if numChannels <= 0 {
		return fmt.Errorf("morph channel count must be > 0: %d", numChannels)
	}

	plan, err := algofft.NewPlan64(p.frameSize)
	if err != nil {
		return fmt.Errorf("morph: failed to create FFT plan: %w", err)
	}

	extractor, err := envelope.New(p.frameSize)
	if err != nil {
		return fmt.Errorf("morph: %w", err)
	}

	detector, err := formant.NewDetector(sampleRate, p.frameSize, p.formantCount,
		formant.WithSmoothing(p.smoothing))
	if err != nil {
		return fmt.Errorf("morph: %w", err)
	}

	coeffs := window.Generate(window.TypeHann, p.frameSize, window.WithPeriodic())
	if len(coeffs) != p.frameSize {
		return fmt.Errorf("morph: window generation failed for size %d", p.frameSize)
	}

	p.sampleRate = sampleRate
	p.plan = plan
	p.extractor = extractor
	p.detector = detector
	p.warper = warp.New()
	p.windowCoeffs = coeffs

	p.inputFifo = make([]float64, p.frameSize)
	p.outputAccum = make([]float64, p.frameSize)

	p.frame = make([]float64, p.frameSize)
	p.spectrum = make([]complex128, p.frameSize)
	p.timeFrame = make([]complex128, p.frameSize)
	p.specRe = make([]float64, p.numBins)
	p.specIm = make([]float64, p.numBins)
	p.magnitude = make([]float64, p.numBins)
	p.extracted = make([]float64, p.numBins)
	p.warped = make([]float64, p.numBins)
	p.formantBins = make([]float64, p.formantCount)
	p.points = make([]warp.Point, 0, p.formantCount+2)

	p.visMu.Lock()
	p.visSpectrum = make([]float64, p.numBins)
	p.visEnvelope = make([]float64, p.numBins)
	p.visF1 = 0
	p.visF2 = 0
	p.visMu.Unlock()

	p.Reset()

	return nil
}

// Reset clears all streaming state without deallocating, discarding any
// in-flight partial frame.
func (p *Processor) Reset() {
	for i := range p.inputFifo {
		p.inputFifo[i] = 0
		p.outputAccum[i] = 0
	}

	p.inputWrite = 0
	p.outputRead = 0
	p.hopCounter = 0
	p.detector.Reset()
}

// SetTargetFormantsHz stores new target formant frequencies. The sequence
// must hold FormantCount values; it is sanitized to be monotonic with
// minimum spacing before use. Safe to call from a non-real-time thread
// while Process runs.
func (p *Processor) SetTargetFormantsHz(hz []float64) error {
	if len(hz) != p.formantCount {
		return fmt.Errorf("morph expects %d target formants: %d", p.formantCount, len(hz))
	}

	sanitized := formant.SanitizeTargetsHz(nil, hz)
	p.targets.Store(&sanitized)

	return nil
}

// TargetFormantsHz returns a copy of the sanitized target frequencies.
func (p *Processor) TargetFormantsHz() []float64 {
	current := *p.targets.Load()
	out := make([]float64, len(current))
	copy(out, current)

	return out
}

// SetMix sets the dry/wet blend in [0, 1]: 0 = dry input, 1 = fully
// morphed. Safe to call while Process runs.
func (p *Processor) SetMix(mix float64) error {
	if mix < 0 || mix > 1 || math.IsNaN(mix) {
		return fmt.Errorf("morph mix must be in [0, 1]: %f", mix)
	}

	p.mixBits.Store(math.Float64bits(mix))

	return nil
}

// Mix returns the dry/wet blend.
func (p *Processor) Mix() float64 {
	return math.Float64frombits(p.mixBits.Load())
}

// SetOutputGainDB sets the post-morph output gain in [-24, +6] dB.
// Safe to call while Process runs.
func (p *Processor) SetOutputGainDB(db float64) error {
	if db < minOutputGainDB || db > maxOutputGainDB || math.IsNaN(db) {
		return fmt.Errorf("morph output gain must be in [%g, %g] dB: %f",
			minOutputGainDB, maxOutputGainDB, db)
	}

	p.gainBits.Store(math.Float64bits(core.DBToLinear(db)))

	return nil
}

// OutputGainDB returns the output gain in dB.
func (p *Processor) OutputGainDB() float64 {
	return core.LinearToDB(math.Float64frombits(p.gainBits.Load()))
}

// Process streams samples through the morphing engine. in and out must
// have equal length and may alias (in-place processing). Output is delayed
// by Latency() samples relative to input.
func (p *Processor) Process(in, out []float64) error {
	if len(in) != len(out) {
		return fmt.Errorf("morph buffer size mismatch: in=%d out=%d", len(in), len(out))
	}

	mix := math.Float64frombits(p.mixBits.Load())
	gain := math.Float64frombits(p.gainBits.Load())

	for i := range in {
		dry := in[i]

		p.inputFifo[p.inputWrite] = dry
		p.inputWrite++
		if p.inputWrite >= p.frameSize {
			p.inputWrite = 0
		}

		wet := p.outputAccum[p.outputRead]
		p.outputAccum[p.outputRead] = 0
		p.outputRead++
		if p.outputRead >= p.frameSize {
			p.outputRead = 0
		}

		p.hopCounter++
		if p.hopCounter >= p.hopSize {
			p.hopCounter = 0

			err := p.processHop()
			if err != nil {
				return err
			}
		}

		sample := dry*(1-mix) + wet*mix
		sample *= gain

		// Safety stage: bound extreme resynthesis transients.
		out[i] = math.Tanh(sample)
	}

	return nil
}

// ProcessBlock processes multi-channel buffers by morphing channel 0 and
// duplicating the result to the remaining channels. in and out must have
// the same shape and may alias.
func (p *Processor) ProcessBlock(in, out [][]float64) error {
	if len(in) == 0 || len(out) != len(in) {
		return fmt.Errorf("morph block shape mismatch: in=%d out=%d", len(in), len(out))
	}

	err := p.Process(in[0], out[0])
	if err != nil {
		return err
	}

	for ch := 1; ch < len(out); ch++ {
		if len(out[ch]) != len(out[0]) {
			return fmt.Errorf("morph channel %d length mismatch: %d != %d",
				ch, len(out[ch]), len(out[0]))
		}

		copy(out[ch], out[0])
	}

	return nil
}

// processHop runs one full analysis-warp-resynthesis cycle on the frame
// currently held in the input FIFO and overlap-adds the result into the
// output accumulator.
func (p *Processor) processHop() error {
	// Assemble the frame oldest-to-newest from the circular input buffer.
	n := p.frameSize
	for k := range n {
		idx := p.inputWrite + k
		if idx >= n {
			idx -= n
		}

		p.frame[k] = p.inputFifo[idx]
	}

	vecmath.MulBlockInPlace(p.frame, p.windowCoeffs)

	for k := range n {
		p.spectrum[k] = complex(p.frame[k], 0)
	}

	err := p.plan.Forward(p.spectrum, p.spectrum)
	if err != nil {
		return fmt.Errorf("morph: forward FFT failed: %w", err)
	}

	for k := range p.numBins {
		p.specRe[k] = real(p.spectrum[k])
		p.specIm[k] = imag(p.spectrum[k])
	}

	vecmath.Magnitude(p.magnitude, p.specRe, p.specIm)

	err = p.extractor.Process(p.magnitude, p.extracted, p.cutoffBin)
	if err != nil {
		return err
	}

	_, err = p.detector.Detect(p.extracted, p.formantBins)
	if err != nil {
		return err
	}

	p.buildControlPoints(*p.targets.Load())

	err = p.warper.CalculateWarpMap(p.numBins, p.points)
	if err != nil {
		return err
	}

	err = p.warper.Process(p.extracted, p.warped)
	if err != nil {
		return err
	}

	p.publishVisualization()

	// Per-bin gain reshapes magnitude only; phase is preserved exactly
	// because both real and imaginary parts scale by the same factor.
	half := n / 2
	for k := range p.numBins {
		orig := math.Max(p.extracted[k], extractedFloor)
		wrp := math.Max(p.warped[k], warpedFloor)
		scale := core.Clamp(wrp/orig, 0, p.maxGain)
		p.spectrum[k] *= complex(scale, 0)
	}

	// Restore conjugate symmetry so the inverse transform is real-valued.
	p.spectrum[0] = complex(real(p.spectrum[0]), 0)
	p.spectrum[half] = complex(real(p.spectrum[half]), 0)

	for k := 1; k < half; k++ {
		v := p.spectrum[k]
		p.spectrum[n-k] = complex(real(v), -imag(v))
	}

	err = p.plan.Inverse(p.timeFrame, p.spectrum)
	if err != nil {
		return fmt.Errorf("morph: inverse FFT failed: %w", err)
	}

	// The inverse transform is 1/N-normalized; only the window overlap
	// correction remains.
	norm := 1.0 / hannOverlapSum
	for k := range n {
		p.frame[k] = real(p.timeFrame[k]) * norm
	}

	vecmath.MulBlockInPlace(p.frame, p.windowCoeffs)

	for k := range n {
		idx := p.outputRead + k
		if idx >= n {
			idx -= n
		}

		p.outputAccum[idx] += p.frame[k]
	}

	return nil
}

// buildControlPoints maps detected formant bins onto target bins with the
// boundary anchors, enforcing strictly increasing destinations point by
// point so the warp map stays monotonic.
func (p *Processor) buildControlPoints(targetsHz []float64) {
	p.points = p.points[:0]
	p.points = append(p.points, warp.Point{SrcBin: 0, DstBin: 0})

	hzPerBin := p.sampleRate / float64(p.frameSize)
	last := float64(p.numBins - 1)
	lastDst := 0.0

	for i := range p.formantCount {
		src := p.formantBins[i]

		targetBin := targetsHz[i] / math.Max(1, hzPerBin)
		dst := core.Clamp(targetBin, lastDst+1, last-1)

		p.points = append(p.points, warp.Point{SrcBin: src, DstBin: dst})
		lastDst = dst
	}

	p.points = append(p.points, warp.Point{SrcBin: last, DstBin: last})
}

// publishVisualization copies the current hop's analysis into the snapshot
// buffers if the visualization lock is free; a contended lock skips the
// update so the audio thread never waits on a reader.
func (p *Processor) publishVisualization() {
	if !p.visMu.TryLock() {
		return
	}

	copy(p.visSpectrum, p.magnitude)
	copy(p.visEnvelope, p.warped)

	if len(p.points) > 2 {
		p.visF1 = p.points[1].DstBin
		p.visF2 = p.points[2].DstBin
	}

	p.visMu.Unlock()
}

// LatestVisualization returns a copy of the most recently published
// analysis snapshot. Safe to call from any non-real-time context at any
// rate; blocks briefly if a publish is in progress.
func (p *Processor) LatestVisualization() Visualization {
	p.visMu.Lock()
	defer p.visMu.Unlock()

	vis := Visualization{
		Spectrum: make([]float64, len(p.visSpectrum)),
		Envelope: make([]float64, len(p.visEnvelope)),
		F1Bin:    p.visF1,
		F2Bin:    p.visF2,
	}

	copy(vis.Spectrum, p.visSpectrum)
	copy(vis.Envelope, p.visEnvelope)

	return vis
}

// EstimateFormantsFromBuffer analyzes one centered frame of a reference
// clip and returns its formant frequencies in Hz. The buffer's own sample
// rate may differ from the processor's. Short buffers produce a
// best-effort estimate; only an empty buffer is an error.
//
// Not safe concurrently with Process (shares analysis scratch buffers).
func (p *Processor) EstimateFormantsFromBuffer(buf []float64, sampleRate float64) ([]float64, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("morph: cannot estimate formants from empty buffer")
	}

	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("morph estimation sample rate must be > 0: %f", sampleRate)
	}

	detector := p.detector

	if sampleRate != p.sampleRate {
		d, err := formant.NewDetector(sampleRate, p.frameSize, p.formantCount)
		if err != nil {
			return nil, fmt.Errorf("morph: %w", err)
		}

		detector = d
	}

	// One analysis frame centered in the clip.
	start := max(0, len(buf)/2-p.frameSize/2)
	count := min(p.frameSize, len(buf)-start)

	for k := range p.frame {
		p.frame[k] = 0
	}

	copy(p.frame[:count], buf[start:start+count])
	vecmath.MulBlockInPlace(p.frame, p.windowCoeffs)

	for k := range p.frameSize {
		p.spectrum[k] = complex(p.frame[k], 0)
	}

	err := p.plan.Forward(p.spectrum, p.spectrum)
	if err != nil {
		return nil, fmt.Errorf("morph: forward FFT failed: %w", err)
	}

	for k := range p.numBins {
		p.specRe[k] = real(p.spectrum[k])
		p.specIm[k] = imag(p.spectrum[k])
	}

	vecmath.Magnitude(p.magnitude, p.specRe, p.specIm)

	err = p.extractor.Process(p.magnitude, p.extracted, p.cutoffBin)
	if err != nil {
		return nil, err
	}

	bins, err := detector.Detect(p.extracted, nil)
	if err != nil {
		return nil, err
	}

	hzPerBin := sampleRate / float64(p.frameSize)
	out := make([]float64, len(bins))

	for i, bin := range bins {
		out[i] = bin * hzPerBin
	}

	return out, nil
}
