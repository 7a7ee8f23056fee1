package inversion

import (
	"math"
	"testing"

	"qsmrecon/internal/models"
)

func allTrueMask(nx, ny, nz int) *models.Mask {
	m := models.NewMask(nx, ny, nz)
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

func TestParseDataWeightMode(t *testing.T) {
	if m, err := ParseDataWeightMode(0); err != nil || m != DataWeightUniform {
		t.Errorf("Expected uniform mode for 0, got %v, %v", m, err)
	}
	if m, err := ParseDataWeightMode(1); err != nil || m != DataWeightSNR {
		t.Errorf("Expected SNR mode for 1, got %v, %v", m, err)
	}
	if _, err := ParseDataWeightMode(2); err == nil {
		t.Error("Expected error for unknown mode 2")
	}
	if _, err := ParseDataWeightMode(-1); err == nil {
		t.Error("Expected error for unknown mode -1")
	}
}

func TestDataWeightModeString(t *testing.T) {
	if DataWeightUniform.String() != "uniform" {
		t.Errorf("Unexpected name %q", DataWeightUniform.String())
	}
	if DataWeightSNR.String() != "snr" {
		t.Errorf("Unexpected name %q", DataWeightSNR.String())
	}
}

func TestDataWeightUniform(t *testing.T) {
	mask := allTrueMask(3, 3, 3)
	w, err := DataWeight(DataWeightUniform, nil, mask)
	if err != nil {
		t.Fatalf("DataWeight failed: %v", err)
	}
	for i, v := range w {
		if v != 1 {
			t.Fatalf("Expected exactly 1 at %d, got %g", i, v)
		}
	}
}

func TestDataWeightSNR(t *testing.T) {
	nx := 4
	noise := models.NewVolume(nx, nx, nx, [3]float64{1, 1, 1})
	mask := models.NewMask(nx, nx, nx)
	for i := range noise.Data {
		noise.Data[i] = 0.5 + 0.01*float64(i%7)
		mask.Data[i] = i%2 == 0
	}

	w, err := DataWeight(DataWeightSNR, noise, mask)
	if err != nil {
		t.Fatalf("DataWeight failed: %v", err)
	}

	sum, count := 0.0, 0
	for i, v := range w {
		if mask.Data[i] {
			sum += v
			count++
			continue
		}
		if v != 0 {
			t.Fatalf("Expected zero weight outside the mask, got %g at %d", v, i)
		}
	}
	if mean := sum / float64(count); math.Abs(mean-1) > 1e-10 {
		t.Errorf("Expected mean weight 1 over the mask, got %.12f", mean)
	}
}

func TestDataWeightSNRZeroNoise(t *testing.T) {
	noise := models.NewVolume(2, 2, 2, [3]float64{1, 1, 1})
	mask := allTrueMask(2, 2, 2)
	for i := range noise.Data {
		noise.Data[i] = 1
	}
	noise.Data[0] = 0 // 1/0 is +Inf, must be zeroed

	w, err := DataWeight(DataWeightSNR, noise, mask)
	if err != nil {
		t.Fatalf("DataWeight failed: %v", err)
	}
	if w[0] != 0 {
		t.Errorf("Expected zero weight for zero noise, got %g", w[0])
	}
}

func TestDataWeightErrors(t *testing.T) {
	mask := allTrueMask(2, 2, 2)

	if _, err := DataWeight(DataWeightSNR, nil, mask); err == nil {
		t.Error("Expected error for SNR mode without a noise map")
	}

	noise := models.NewVolume(3, 3, 3, [3]float64{1, 1, 1})
	if _, err := DataWeight(DataWeightSNR, noise, mask); err == nil {
		t.Error("Expected error for mismatched noise shape")
	}

	empty := models.NewMask(2, 2, 2)
	noise2 := models.NewVolume(2, 2, 2, [3]float64{1, 1, 1})
	if _, err := DataWeight(DataWeightSNR, noise2, empty); err == nil {
		t.Error("Expected error for an empty mask")
	}
}

func TestGradientMask(t *testing.T) {
	nx := 12
	mag := models.NewVolume(nx, nx, nx, [3]float64{1, 1, 1})
	mask := allTrueMask(nx, nx, nx)

	// small ramp everywhere plus one sharp plane at x=5
	for z := 0; z < nx; z++ {
		for y := 0; y < nx; y++ {
			for x := 0; x < nx; x++ {
				v := 0.001 * float64(x)
				if x >= 6 {
					v += 1
				}
				mag.Data[mag.Index(x, y, z)] = v
			}
		}
	}

	wg, err := GradientMask(mag, mask, 0.9)
	if err != nil {
		t.Fatalf("GradientMask failed: %v", err)
	}

	// the sharp plane is an edge and must be excluded
	for z := 0; z < nx; z++ {
		for y := 0; y < nx; y++ {
			if wg[mag.Index(5, y, z)] {
				t.Fatalf("Edge voxel (5,%d,%d) marked as non-edge", y, z)
			}
		}
	}

	// the target fraction of masked voxels is non-edge
	nonEdge := 0
	for _, b := range wg {
		if b {
			nonEdge++
		}
	}
	if frac := float64(nonEdge) / float64(mask.Count()); frac < 0.9 {
		t.Errorf("Expected at least 90%% non-edge voxels, got %.3f", frac)
	}
}

func TestGradientMaskErrors(t *testing.T) {
	mag := models.NewVolume(4, 4, 4, [3]float64{1, 1, 1})
	mask := allTrueMask(4, 4, 4)

	if _, err := GradientMask(mag, mask, 0); err == nil {
		t.Error("Expected error for zero percentage")
	}
	if _, err := GradientMask(mag, mask, 1.5); err == nil {
		t.Error("Expected error for percentage above 1")
	}
	if _, err := GradientMask(mag, models.NewMask(4, 4, 4), 0.9); err == nil {
		t.Error("Expected error for an empty mask")
	}
	if _, err := GradientMask(mag, allTrueMask(2, 2, 2), 0.9); err == nil {
		t.Error("Expected error for mismatched shapes")
	}
}
