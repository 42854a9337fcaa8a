package formant

const (
	// MinFirstTargetHz is the lowest allowed F1 target.
	MinFirstTargetHz = 200.0

	// MinTargetStepHz is the minimum spacing enforced between successive
	// targets, preventing crossed or degenerate warp control points.
	MinTargetStepHz = 20.0
)

// referenceTargetsHz is the default formant set F1..F15 for a neutral
// voice-like envelope.
var referenceTargetsHz = []float64{
	500, 1500, 2500, 3200, 3800,
	4400, 5000, 5600, 6200, 6800,
	7400, 8000, 8600, 9200, 9800,
}

// DefaultTargetsHz returns default target frequencies for count formants.
// Counts beyond the reference table continue in 600 Hz steps.
func DefaultTargetsHz(count int) []float64 {
	if count <= 0 {
		return nil
	}

	out := make([]float64, count)
	for i := range out {
		if i < len(referenceTargetsHz) {
			out[i] = referenceTargetsHz[i]
		} else {
			out[i] = out[i-1] + 600
		}
	}

	return out
}

// SanitizeTargetsHz writes a monotonically spaced copy of src into dst:
// dst[0] >= MinFirstTargetHz and dst[i] >= dst[i-1] + MinTargetStepHz.
// dst and src may alias. Returns dst truncated to len(src).
func SanitizeTargetsHz(dst, src []float64) []float64 {
	if len(dst) < len(src) {
		dst = make([]float64, len(src))
	}

	dst = dst[:len(src)]

	for i, hz := range src {
		minHz := MinFirstTargetHz
		if i > 0 {
			minHz = dst[i-1] + MinTargetStepHz
		}

		if hz < minHz {
			hz = minHz
		}

		dst[i] = hz
	}

	return dst
}
