package morph

import (
	"math"
	"testing"

	"github.com/cwbudde/algo-formant/dsp/formant"
)

const testSampleRate = 48000.0

// addTone adds a sine whose frequency sits exactly on an analysis bin, so
// its windowed magnitude spectrum is identical for every hop position.
func addTone(dst []float64, frameSize int, bin, amp float64) {
	w := 2 * math.Pi * bin / float64(frameSize)
	for i := range dst {
		dst[i] += amp * math.Sin(w*float64(i))
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}

	if _, err := New(testSampleRate, WithFrameSize(100)); err == nil {
		t.Fatal("expected error for non power-of-two frame size")
	}

	if _, err := New(testSampleRate, WithFormantCount(0)); err == nil {
		t.Fatal("expected error for zero formant count")
	}

	// 64 samples at 48 kHz leaves far too few bins for 15 formants.
	if _, err := New(testSampleRate, WithFrameSize(64)); err == nil {
		t.Fatal("expected error for frame too small for formant count")
	}
}

func TestGeometryAccessors(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if p.SampleRate() != testSampleRate {
		t.Fatalf("SampleRate() = %g", p.SampleRate())
	}

	if p.FrameSize() != 1024 || p.HopSize() != 256 || p.NumBins() != 513 {
		t.Fatalf("geometry = %d/%d/%d, want 1024/256/513",
			p.FrameSize(), p.HopSize(), p.NumBins())
	}

	if p.Latency() != p.FrameSize() {
		t.Fatalf("Latency() = %d, want one frame", p.Latency())
	}

	if p.FormantCount() != formant.DefaultCount {
		t.Fatalf("FormantCount() = %d, want %d", p.FormantCount(), formant.DefaultCount)
	}
}

func TestPrepareValidation(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := p.Prepare(0, 256, 1); err == nil {
		t.Fatal("expected error for zero sample rate")
	}

	if err := p.Prepare(testSampleRate, 0, 1); err == nil {
		t.Fatal("expected error for zero block size")
	}

	if err := p.Prepare(testSampleRate, 256, 0); err == nil {
		t.Fatal("expected error for zero channel count")
	}
}

func TestParameterValidation(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, mix := range []float64{-0.1, 1.1, math.NaN()} {
		if err := p.SetMix(mix); err == nil {
			t.Fatalf("SetMix(%g) expected error", mix)
		}
	}

	if err := p.SetMix(0.25); err != nil {
		t.Fatalf("SetMix(0.25) error = %v", err)
	}

	if p.Mix() != 0.25 {
		t.Fatalf("Mix() = %g, want 0.25", p.Mix())
	}

	for _, db := range []float64{-30, 7, math.NaN()} {
		if err := p.SetOutputGainDB(db); err == nil {
			t.Fatalf("SetOutputGainDB(%g) expected error", db)
		}
	}

	if err := p.SetOutputGainDB(-6); err != nil {
		t.Fatalf("SetOutputGainDB(-6) error = %v", err)
	}

	if math.Abs(p.OutputGainDB()-(-6)) > 1e-9 {
		t.Fatalf("OutputGainDB() = %g, want -6", p.OutputGainDB())
	}
}

func TestSetTargetFormantsSanitizes(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := p.SetTargetFormantsHz([]float64{500, 1500}); err == nil {
		t.Fatal("expected error for wrong target count")
	}

	low := make([]float64, p.FormantCount())
	for i := range low {
		low[i] = 100
	}

	if err := p.SetTargetFormantsHz(low); err != nil {
		t.Fatalf("SetTargetFormantsHz() error = %v", err)
	}

	got := p.TargetFormantsHz()
	if got[0] != 200 || got[1] != 220 {
		t.Fatalf("sanitized targets start %g, %g, want 200, 220", got[0], got[1])
	}

	for i := 1; i < len(got); i++ {
		if got[i]-got[i-1] < 20 {
			t.Fatalf("targets %d and %d only %g Hz apart", i-1, i, got[i]-got[i-1])
		}
	}
}

func TestProcessRejectsMismatchedBuffers(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := p.Process(make([]float64, 64), make([]float64, 32)); err == nil {
		t.Fatal("expected error for mismatched buffer lengths")
	}
}

func TestProcessDryMixIsPassthrough(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := p.SetMix(0); err != nil {
		t.Fatalf("SetMix() error = %v", err)
	}

	in := make([]float64, 2048)
	addTone(in, p.FrameSize(), 20, 0.4)
	addTone(in, p.FrameSize(), 33, 0.2)

	out := make([]float64, len(in))
	if err := p.Process(in, out); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// With a fully dry mix the analysis chain still runs, but the output is
	// the input through the safety stage alone: no latency, no reshaping.
	for i := range in {
		if out[i] != math.Tanh(in[i]) {
			t.Fatalf("sample %d: got %g, want %g", i, out[i], math.Tanh(in[i]))
		}
	}
}

// TestProcessIdentityReconstruction drives the full chain with a stationary
// multi-tone whose formant estimate is fed back as the warp target. The warp
// map then degenerates to the identity and the overlap-add resynthesis must
// reproduce the input exactly, delayed by one frame.
func TestProcessIdentityReconstruction(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	n := p.FrameSize()
	in := make([]float64, 6*n)

	// Bin-centered partials across the formant band, amplitudes graded so
	// peak ordering inside the detector is numerically stable.
	for j := range 45 {
		bin := float64(12 + 4*j)
		amp := 0.008 * (1 - 0.012*float64(j))
		addTone(in, n, bin, amp)
	}

	estimated, err := p.EstimateFormantsFromBuffer(in, testSampleRate)
	if err != nil {
		t.Fatalf("EstimateFormantsFromBuffer() error = %v", err)
	}

	if err := p.SetTargetFormantsHz(estimated); err != nil {
		t.Fatalf("SetTargetFormantsHz() error = %v", err)
	}

	out := make([]float64, len(in))
	if err := p.Process(in, out); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// Skip the first two frames: the FIFO fills during the first, and hops
	// spanning the fill transient finish draining during the second.
	for i := 2 * n; i < len(out); i++ {
		want := math.Tanh(in[i-n])
		if math.Abs(out[i]-want) > 1e-6 {
			t.Fatalf("sample %d: got %g, want %g (diff %g)",
				i, out[i], want, math.Abs(out[i]-want))
		}
	}
}

// TestProcessMovesFormantsToTargets feeds two strong resonances and targets
// that shift both upward, then checks the published analysis snapshot: the
// warp control points land on the requested bins and the warped envelope's
// dominant peak follows the first target.
func TestProcessMovesFormantsToTargets(t *testing.T) {
	// Two formant slots so the detector locks onto the two real resonances
	// rather than envelope ripple.
	p, err := New(testSampleRate, WithFormantCount(2))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	n := p.FrameSize()
	hzPerBin := testSampleRate / float64(n)

	in := make([]float64, 4*n)
	addTone(in, n, 40, 0.3)
	addTone(in, n, 120, 0.25)

	targets := []float64{60 * hzPerBin, 140 * hzPerBin}

	if err := p.SetTargetFormantsHz(targets); err != nil {
		t.Fatalf("SetTargetFormantsHz() error = %v", err)
	}

	out := make([]float64, len(in))
	if err := p.Process(in, out); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	vis := p.LatestVisualization()

	if math.Abs(vis.F1Bin-60) > 1e-9 {
		t.Fatalf("F1 warp destination at bin %g, want 60", vis.F1Bin)
	}

	if math.Abs(vis.F2Bin-140) > 1e-9 {
		t.Fatalf("F2 warp destination at bin %g, want 140", vis.F2Bin)
	}

	// The low resonance moved from bin 40 to bin 60: the warped envelope's
	// peak below bin 100 must sit near the target, not the source.
	peak := 5
	for i := 5; i < 100; i++ {
		if vis.Envelope[i] > vis.Envelope[peak] {
			peak = i
		}
	}

	if peak < 57 || peak > 63 {
		t.Fatalf("warped envelope peak at bin %d, want near 60", peak)
	}

	if vis.Envelope[60] <= vis.Envelope[40] {
		t.Fatalf("envelope at target bin (%g) not above source bin (%g)",
			vis.Envelope[60], vis.Envelope[40])
	}
}

func TestProcessInPlace(t *testing.T) {
	in := make([]float64, 3072)
	addTone(in, 1024, 40, 0.3)

	p1, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := make([]float64, len(in))
	if err := p1.Process(in, want); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	p2, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := make([]float64, len(in))
	copy(got, in)

	if err := p2.Process(got, got); err != nil {
		t.Fatalf("in-place Process() error = %v", err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: in-place %g != out-of-place %g", i, got[i], want[i])
		}
	}
}

func TestResetRestoresDeterminism(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	in := make([]float64, 3072)
	addTone(in, p.FrameSize(), 24, 0.3)

	first := make([]float64, len(in))
	if err := p.Process(in, first); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	p.Reset()

	second := make([]float64, len(in))
	if err := p.Process(in, second); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("sample %d: %g != %g after Reset", i, first[i], second[i])
		}
	}
}

func TestProcessBlockDuplicatesChannels(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	left := make([]float64, 2048)
	right := make([]float64, 2048)
	addTone(left, p.FrameSize(), 32, 0.3)
	copy(right, left)

	in := [][]float64{left, right}
	out := [][]float64{make([]float64, 2048), make([]float64, 2048)}

	if err := p.ProcessBlock(in, out); err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}

	for i := range out[0] {
		if out[1][i] != out[0][i] {
			t.Fatalf("sample %d: channel 1 %g != channel 0 %g", i, out[1][i], out[0][i])
		}
	}

	if err := p.ProcessBlock(nil, nil); err == nil {
		t.Fatal("expected error for empty block")
	}

	bad := [][]float64{make([]float64, 64), make([]float64, 32)}
	if err := p.ProcessBlock(bad, bad); err == nil {
		t.Fatal("expected error for mismatched channel lengths")
	}
}

func TestEstimateFormantsFromBuffer(t *testing.T) {
	p, err := New(testSampleRate, WithFormantCount(2))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := p.EstimateFormantsFromBuffer(nil, testSampleRate); err == nil {
		t.Fatal("expected error for empty buffer")
	}

	if _, err := p.EstimateFormantsFromBuffer(make([]float64, 100), 0); err == nil {
		t.Fatal("expected error for invalid sample rate")
	}

	n := p.FrameSize()
	buf := make([]float64, 4*n)
	addTone(buf, n, 40, 0.3)   // 1875 Hz
	addTone(buf, n, 120, 0.25) // 5625 Hz

	est, err := p.EstimateFormantsFromBuffer(buf, testSampleRate)
	if err != nil {
		t.Fatalf("EstimateFormantsFromBuffer() error = %v", err)
	}

	if len(est) != p.FormantCount() {
		t.Fatalf("got %d formants, want %d", len(est), p.FormantCount())
	}

	if math.Abs(est[0]-1875) > 100 {
		t.Fatalf("F1 estimated at %g Hz, want near 1875", est[0])
	}

	if math.Abs(est[1]-5625) > 150 {
		t.Fatalf("F2 estimated at %g Hz, want near 5625", est[1])
	}

	for i := 1; i < len(est); i++ {
		if est[i] <= est[i-1] {
			t.Fatalf("estimates not ascending at %d: %g <= %g", i, est[i], est[i-1])
		}
	}
}

func TestEstimateFormantsShortBuffer(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Shorter than one frame: best-effort estimate, never an error.
	buf := make([]float64, 100)
	addTone(buf, p.FrameSize(), 40, 0.3)

	est, err := p.EstimateFormantsFromBuffer(buf, testSampleRate)
	if err != nil {
		t.Fatalf("EstimateFormantsFromBuffer() error = %v", err)
	}

	if len(est) != p.FormantCount() {
		t.Fatalf("got %d formants, want %d", len(est), p.FormantCount())
	}
}

func TestEstimateFormantsForeignRate(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	buf := make([]float64, 4096)
	addTone(buf, p.FrameSize(), 40, 0.3)

	est, err := p.EstimateFormantsFromBuffer(buf, 44100)
	if err != nil {
		t.Fatalf("EstimateFormantsFromBuffer() error = %v", err)
	}

	for i := 1; i < len(est); i++ {
		if est[i] <= est[i-1] {
			t.Fatalf("estimates not ascending at %d: %g <= %g", i, est[i], est[i-1])
		}
	}
}

func TestVisualizationConcurrentWithProcess(t *testing.T) {
	p, err := New(testSampleRate)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	in := make([]float64, 512)
	addTone(in, p.FrameSize(), 40, 0.3)
	out := make([]float64, len(in))

	done := make(chan struct{})

	go func() {
		defer close(done)

		for range 500 {
			vis := p.LatestVisualization()
			if len(vis.Spectrum) != p.NumBins() || len(vis.Envelope) != p.NumBins() {
				t.Errorf("snapshot bins = %d/%d, want %d",
					len(vis.Spectrum), len(vis.Envelope), p.NumBins())
				return
			}
		}
	}()

	for range 50 {
		if err := p.Process(in, out); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	<-done
}

func BenchmarkProcess(b *testing.B) {
	p, err := New(testSampleRate)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	in := make([]float64, 512)
	addTone(in, p.FrameSize(), 40, 0.3)
	out := make([]float64, len(in))

	b.ReportAllocs()
	b.ResetTimer()

	for range b.N {
		if err := p.Process(in, out); err != nil {
			b.Fatal(err)
		}
	}
}
