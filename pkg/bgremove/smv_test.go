package bgremove

import (
	"errors"
	"math"
	"testing"

	"qsmrecon/internal/models"
)

// ballMask builds a spherical mask of the given radius centered in the grid
func ballMask(nx, ny, nz int, radius float64) *models.Mask {
	m := models.NewMask(nx, ny, nz)
	cx, cy, cz := float64(nx)/2, float64(ny)/2, float64(nz)/2
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				dx, dy, dz := float64(x)-cx, float64(y)-cy, float64(z)-cz
				if dx*dx+dy*dy+dz*dz <= radius*radius {
					m.Data[(z*ny+y)*nx+x] = true
				}
			}
		}
	}
	return m
}

func TestNewFilterRejectsBadRadius(t *testing.T) {
	if _, err := NewFilter(8, 8, 8, [3]float64{1, 1, 1}, 0); err == nil {
		t.Error("Expected error for zero radius")
	}
	if _, err := NewFilter(8, 8, 8, [3]float64{1, 1, 1}, -2); err == nil {
		t.Error("Expected error for negative radius")
	}
}

func TestConvolvePreservesConstant(t *testing.T) {
	nx := 16
	f, err := NewFilter(nx, nx, nx, [3]float64{1, 1, 1}, 3)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}

	x := make([]float64, nx*nx*nx)
	for i := range x {
		x[i] = 2.5
	}
	// the kernel integrates to 1, so the spherical mean of a constant is
	// the constant
	smv := f.Convolve(x)
	for i, v := range smv {
		if math.Abs(v-2.5) > 1e-9 {
			t.Fatalf("Expected 2.5 everywhere, got %g at %d", v, i)
		}
	}
}

func TestErodeShrinksMask(t *testing.T) {
	nx := 24
	f, err := NewFilter(nx, nx, nx, [3]float64{1, 1, 1}, 3)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}

	mask := ballMask(nx, nx, nx, 8)
	eroded := f.Erode(mask)

	if eroded.Count() == 0 {
		t.Fatal("Erosion removed the entire mask")
	}
	if eroded.Count() >= mask.Count() {
		t.Errorf("Expected erosion to shrink the mask: %d -> %d", mask.Count(), eroded.Count())
	}
	for i := range eroded.Data {
		if eroded.Data[i] && !mask.Data[i] {
			t.Fatal("Eroded mask is not a subset of the input mask")
		}
	}

	// the center voxel's full sphere fits inside the ball and must survive
	center := (nx/2*nx+nx/2)*nx + nx/2
	if !eroded.Data[center] {
		t.Error("Expected the mask center to survive erosion")
	}
}

func TestRemoveConstantField(t *testing.T) {
	nx := 24
	voxel := [3]float64{1, 1, 1}
	f, err := NewFilter(nx, nx, nx, voxel, 3)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}

	// a spatially constant field is its own spherical mean, the local
	// field must vanish
	field := models.NewVolume(nx, nx, nx, voxel)
	for i := range field.Data {
		field.Data[i] = 0.7
	}
	mask := ballMask(nx, nx, nx, 8)

	res, err := f.Remove(field, nil, mask)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	for i, v := range res.Field.Data {
		if math.Abs(v) > 1e-9 {
			t.Fatalf("Expected zero local field, got %g at %d", v, i)
		}
	}
	if res.Noise != nil {
		t.Error("Expected nil adjusted noise without an input noise map")
	}
}

func TestRemoveAdjustsNoise(t *testing.T) {
	nx := 16
	voxel := [3]float64{1, 1, 1}
	f, err := NewFilter(nx, nx, nx, voxel, 2)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}

	field := models.NewVolume(nx, nx, nx, voxel)
	noise := models.NewVolume(nx, nx, nx, voxel)
	for i := range noise.Data {
		noise.Data[i] = 0.5
	}
	mask := ballMask(nx, nx, nx, 6)

	res, err := f.Remove(field, noise, mask)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if res.Noise == nil {
		t.Fatal("Expected an adjusted noise map")
	}

	// uniform noise: adjusted level is sqrt(s^2 + SMV(s^2)) = s*sqrt(2)
	want := 0.5 * math.Sqrt2
	for i, v := range res.Noise.Data {
		if math.Abs(v-want) > 1e-9 {
			t.Fatalf("Expected adjusted noise %g, got %g at %d", want, v, i)
		}
	}
}

func TestRemoveEmptyMaskFatal(t *testing.T) {
	nx := 16
	f, err := NewFilter(nx, nx, nx, [3]float64{1, 1, 1}, 5)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}

	// a mask thinner than the sphere erodes away entirely
	mask := ballMask(nx, nx, nx, 2)
	field := models.NewVolume(nx, nx, nx, [3]float64{1, 1, 1})

	_, err = f.Remove(field, nil, mask)
	if !errors.Is(err, ErrEmptyMask) {
		t.Errorf("Expected ErrEmptyMask, got %v", err)
	}
}

func TestRemoveShapeCheck(t *testing.T) {
	f, err := NewFilter(8, 8, 8, [3]float64{1, 1, 1}, 2)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}
	field := models.NewVolume(8, 8, 8, [3]float64{1, 1, 1})
	mask := models.NewMask(4, 4, 4)
	if _, err := f.Remove(field, nil, mask); err == nil {
		t.Error("Expected error for mismatched mask shape")
	}
}
