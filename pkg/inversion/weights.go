package inversion

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"qsmrecon/internal/models"
	"qsmrecon/pkg/kernels"
)

// DataWeightMode selects how the data-fidelity term weights each voxel.
// Unknown values are rejected when the solver is constructed, not when the
// weight is computed.
type DataWeightMode int

const (
	// DataWeightUniform weights every voxel equally with 1
	DataWeightUniform DataWeightMode = iota

	// DataWeightSNR weights voxels by mask/noise, normalized to mean 1
	// over the mask
	DataWeightSNR
)

// ParseDataWeightMode maps a configuration integer onto a known mode.
func ParseDataWeightMode(mode int) (DataWeightMode, error) {
	switch mode {
	case 0:
		return DataWeightUniform, nil
	case 1:
		return DataWeightSNR, nil
	default:
		return 0, fmt.Errorf("unsupported data weighting mode %d", mode)
	}
}

// String names the mode for logs and errors.
func (m DataWeightMode) String() string {
	switch m {
	case DataWeightUniform:
		return "uniform"
	case DataWeightSNR:
		return "snr"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// DataWeight builds the per-voxel data-fidelity weight map. Uniform mode
// returns exactly 1 everywhere. SNR mode computes mask/noise, zeroes
// non-finite entries, re-applies the mask and normalizes so the mean weight
// over the mask equals 1.
func DataWeight(mode DataWeightMode, noise *models.Volume, mask *models.Mask) ([]float64, error) {
	n := mask.Len()
	w := make([]float64, n)

	switch mode {
	case DataWeightUniform:
		for i := range w {
			w[i] = 1
		}
		return w, nil

	case DataWeightSNR:
		if noise == nil {
			return nil, fmt.Errorf("data weighting mode %s requires a noise map", mode)
		}
		if !mask.MatchesVolume(noise) {
			return nil, fmt.Errorf("mask shape %dx%dx%d does not match noise shape %s",
				mask.Nx, mask.Ny, mask.Nz, noise.ShapeString())
		}
		count := 0
		sum := 0.0
		for i := range w {
			if !mask.Data[i] {
				continue
			}
			v := 1 / noise.Data[i]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			w[i] = v
			sum += v
			count++
		}
		if count == 0 {
			return nil, fmt.Errorf("data weighting over an empty mask")
		}
		mean := sum / float64(count)
		if mean == 0 {
			return nil, fmt.Errorf("data weighting degenerate: zero mean weight over mask")
		}
		for i := range w {
			w[i] /= mean
		}
		return w, nil

	default:
		return nil, fmt.Errorf("unsupported data weighting mode %s", mode)
	}
}

// gradientMaskMaxSteps caps the multiplicative threshold search.
const gradientMaskMaxSteps = 100

// GradientMask computes the boolean edge-exclusion map driving the
// regularizer: true marks non-edge voxels included in the smoothness
// penalty. The gradient magnitude of the masked magnitude image is
// thresholded; the threshold is adjusted by 5% multiplicative steps (at most
// 100) until the fraction of masked voxels at or below it reaches the target
// percentage of the masked voxel count. Hitting the step cap is a warning,
// not an error: the last threshold is used.
func GradientMask(mag *models.Volume, mask *models.Mask, percentage float64) ([]bool, error) {
	if !mask.MatchesVolume(mag) {
		return nil, fmt.Errorf("mask shape %dx%dx%d does not match magnitude shape %s",
			mask.Nx, mask.Ny, mask.Nz, mag.ShapeString())
	}
	if percentage <= 0 || percentage > 1 {
		return nil, fmt.Errorf("edge percentage must be in (0,1], got %f", percentage)
	}

	n := mag.Len()
	masked := make([]float64, n)
	maxMag := 0.0
	for i, v := range mag.Data {
		if mask.Data[i] {
			masked[i] = v
			if a := math.Abs(v); a > maxMag {
				maxMag = a
			}
		}
	}

	g := kernels.Grad(masked, mag.Nx, mag.Ny, mag.Nz, mag.VoxelSize)
	gm := make([]float64, n)
	for i := range gm {
		gm[i] = math.Sqrt(g[0][i]*g[0][i] + g[1][i]*g[1][i] + g[2][i]*g[2][i])
	}

	total := mask.Count()
	if total == 0 {
		return nil, fmt.Errorf("gradient mask over an empty mask")
	}
	target := percentage * float64(total)

	below := func(thr float64) float64 {
		c := 0
		for i := range gm {
			if mask.Data[i] && gm[i] <= thr {
				c++
			}
		}
		return float64(c)
	}

	threshold := 0.01 * maxMag
	steps := 0
	if below(threshold) >= target {
		// shrink toward the smallest threshold that still keeps the target
		// fraction of non-edge voxels
		for steps < gradientMaskMaxSteps && below(threshold/1.05) >= target {
			threshold /= 1.05
			steps++
		}
	} else {
		for steps < gradientMaskMaxSteps && below(threshold) < target {
			threshold *= 1.05
			steps++
		}
	}
	if steps == gradientMaskMaxSteps {
		log.WithFields(log.Fields{
			"threshold":  threshold,
			"percentage": percentage,
		}).Warn("gradient mask threshold search hit iteration cap; using last threshold")
	}

	wg := make([]bool, n)
	for i := range wg {
		wg[i] = gm[i] <= threshold
	}
	return wg, nil
}
