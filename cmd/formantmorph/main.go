// Command formantmorph applies spectral formant morphing to WAV files and
// estimates formant frequencies from reference clips.
//
// Usage:
//
//	formantmorph -estimate voice.wav
//	formantmorph -in in.wav -out out.wav -targets 700,1800,2600
//	formantmorph -in in.wav -out out.wav -ref reference.wav -mix 80 -gain -3
//
// Target formants can be given explicitly with -targets (Hz, ascending;
// unspecified higher formants keep their defaults) or estimated from a
// reference recording with -ref.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/cwbudde/algo-formant/dsp/formant"
	"github.com/cwbudde/algo-formant/dsp/morph"
)

func main() {
	inPath := flag.String("in", "", "input WAV file to process")
	outPath := flag.String("out", "", "output WAV file")
	refPath := flag.String("ref", "", "reference WAV file to estimate target formants from")
	estimatePath := flag.String("estimate", "", "estimate and print formants of a WAV file, then exit")
	targetsArg := flag.String("targets", "", "comma-separated target formant frequencies in Hz")
	mixPct := flag.Float64("mix", 100, "dry/wet mix in percent (0 = dry, 100 = wet)")
	gainDB := flag.Float64("gain", 0, "output gain in dB")
	frameSize := flag.Int("frame", 1024, "STFT frame size (power of two)")
	formants := flag.Int("formants", formant.DefaultCount, "number of formants to detect and warp")
	smoothing := flag.Float64("smoothing", 0, "formant detection smoothing coefficient in [0, 1)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: formantmorph [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Applies spectral formant morphing to WAV files.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  formantmorph -estimate voice.wav\n")
		fmt.Fprintf(os.Stderr, "  formantmorph -in in.wav -out out.wav -targets 700,1800,2600\n")
		fmt.Fprintf(os.Stderr, "  formantmorph -in in.wav -out out.wav -ref reference.wav -mix 80\n")
	}
	flag.Parse()

	if *estimatePath != "" {
		err := runEstimate(*estimatePath, *frameSize, *formants)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if *inPath == "" || *outPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	err := runProcess(processConfig{
		inPath:    *inPath,
		outPath:   *outPath,
		refPath:   *refPath,
		targets:   *targetsArg,
		mix:       *mixPct / 100,
		gainDB:    *gainDB,
		frameSize: *frameSize,
		formants:  *formants,
		smoothing: *smoothing,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type processConfig struct {
	inPath    string
	outPath   string
	refPath   string
	targets   string
	mix       float64
	gainDB    float64
	frameSize int
	formants  int
	smoothing float64
}

func runEstimate(path string, frameSize, formants int) error {
	samples, sampleRate, err := loadMonoWAV(path)
	if err != nil {
		return err
	}

	proc, err := morph.New(float64(sampleRate),
		morph.WithFrameSize(frameSize),
		morph.WithFormantCount(formants),
	)
	if err != nil {
		return err
	}

	estimated, err := proc.EstimateFormantsFromBuffer(samples, float64(sampleRate))
	if err != nil {
		return err
	}

	for i, hz := range estimated {
		fmt.Printf("F%-2d %8.1f Hz\n", i+1, hz)
	}

	return nil
}

func runProcess(cfg processConfig) error {
	samples, sampleRate, err := loadMonoWAV(cfg.inPath)
	if err != nil {
		return err
	}

	proc, err := morph.New(float64(sampleRate),
		morph.WithFrameSize(cfg.frameSize),
		morph.WithFormantCount(cfg.formants),
		morph.WithSmoothing(cfg.smoothing),
	)
	if err != nil {
		return err
	}

	if err := proc.SetMix(cfg.mix); err != nil {
		return err
	}

	if err := proc.SetOutputGainDB(cfg.gainDB); err != nil {
		return err
	}

	targets, err := resolveTargets(cfg, proc)
	if err != nil {
		return err
	}

	if targets != nil {
		if err := proc.SetTargetFormantsHz(targets); err != nil {
			return err
		}
	}

	out := make([]float64, len(samples))
	if err := proc.Process(samples, out); err != nil {
		return err
	}

	return writeMonoWAV(cfg.outPath, out, sampleRate)
}

// resolveTargets builds the target formant set from -ref or -targets.
// Returns nil when neither is given (processor defaults apply).
func resolveTargets(cfg processConfig, proc *morph.Processor) ([]float64, error) {
	if cfg.refPath != "" {
		ref, refRate, err := loadMonoWAV(cfg.refPath)
		if err != nil {
			return nil, fmt.Errorf("reference: %w", err)
		}

		estimated, err := proc.EstimateFormantsFromBuffer(ref, float64(refRate))
		if err != nil {
			return nil, fmt.Errorf("reference: %w", err)
		}

		return estimated, nil
	}

	if cfg.targets == "" {
		return nil, nil
	}

	targets := formant.DefaultTargetsHz(cfg.formants)

	parts := strings.Split(cfg.targets, ",")
	if len(parts) > len(targets) {
		return nil, fmt.Errorf("too many targets: %d given, %d formants", len(parts), cfg.formants)
	}

	for i, part := range parts {
		hz, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", part, err)
		}

		targets[i] = hz
	}

	return targets, nil
}

// loadMonoWAV decodes a WAV file and returns channel 0 as float64 samples
// in [-1, 1].
func loadMonoWAV(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid WAV file", path)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}

	if buf == nil || len(buf.Data) == 0 {
		return nil, 0, fmt.Errorf("%s contains no samples", path)
	}

	numChannels := buf.Format.NumChannels
	if numChannels <= 0 {
		numChannels = 1
	}

	scale := 1.0 / float64(int(1)<<(decoder.BitDepth-1))
	frames := len(buf.Data) / numChannels

	samples := make([]float64, frames)
	for i := range samples {
		samples[i] = float64(buf.Data[i*numChannels]) * scale
	}

	return samples, buf.Format.SampleRate, nil
}

// writeMonoWAV encodes samples as 16-bit mono PCM.
func writeMonoWAV(path string, samples []float64, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	const bitDepth = 16

	enc := wav.NewEncoder(f, sampleRate, bitDepth, 1, 1)

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  sampleRate,
		},
		SourceBitDepth: bitDepth,
		Data:           make([]int, len(samples)),
	}

	const fullScale = 1 << (bitDepth - 1)

	for i, s := range samples {
		v := int(math.Round(s * (fullScale - 1)))
		if v > fullScale-1 {
			v = fullScale - 1
		}

		if v < -fullScale {
			v = -fullScale
		}

		buf.Data[i] = v
	}

	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", path, err)
	}

	return nil
}
