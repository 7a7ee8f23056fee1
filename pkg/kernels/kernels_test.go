package kernels

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestDipoleDCZero(t *testing.T) {
	d := Dipole(8, 8, 8, [3]float64{1, 1, 1}, [3]float64{0, 0, 1})
	if d[0] != 0 {
		t.Errorf("Expected zero at the DC bin, got %g", d[0])
	}
}

func TestDipoleRange(t *testing.T) {
	// D(k) = 1/3 - cos^2(angle to b) stays within [-2/3, 1/3]
	d := Dipole(8, 6, 4, [3]float64{1, 1, 2}, [3]float64{0, 0, 1})
	for i, v := range d {
		if v < -2.0/3-1e-12 || v > 1.0/3+1e-12 {
			t.Fatalf("Dipole value %g at %d outside [-2/3, 1/3]", v, i)
		}
	}
}

func TestDipoleAxisValues(t *testing.T) {
	nx, ny, nz := 8, 8, 8
	voxel := [3]float64{1, 1, 1}
	d := Dipole(nx, ny, nz, voxel, [3]float64{0, 0, 1})

	// k along the field axis: D = 1/3 - 1 = -2/3
	alongIdx := (1*ny + 0) * nx // (x=0, y=0, z=1)
	if math.Abs(d[alongIdx]+2.0/3) > 1e-12 {
		t.Errorf("Expected -2/3 along the field axis, got %g", d[alongIdx])
	}

	// k orthogonal to the field axis: D = 1/3
	acrossIdx := 1 // (x=1, y=0, z=0)
	if math.Abs(d[acrossIdx]-1.0/3) > 1e-12 {
		t.Errorf("Expected 1/3 across the field axis, got %g", d[acrossIdx])
	}
}

func TestSphereNormalization(t *testing.T) {
	kernel, kspace := Sphere(16, 16, 16, [3]float64{1, 1, 1}, 4)

	sum := floats.Sum(kernel)
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("Expected kernel sum 1, got %.12f", sum)
	}

	// the DC bin of the transform equals the kernel sum
	if math.Abs(real(kspace[0])-1) > 1e-9 || math.Abs(imag(kspace[0])) > 1e-9 {
		t.Errorf("Expected DC bin 1, got %v", kspace[0])
	}

	// the kernel is centered at index 0 with wrap-around
	if kernel[0] <= 0 {
		t.Error("Expected a positive weight at the kernel center")
	}
}

func TestSphereRadiusCoverage(t *testing.T) {
	nx := 16
	voxel := [3]float64{1, 1, 1}
	kernel, _ := Sphere(nx, nx, nx, voxel, 3)

	// interior voxels share the uniform normalized weight, voxels well
	// outside the radius are zero
	idx := func(x, y, z int) int { return (z*nx+y)*nx + x }
	interior := kernel[idx(1, 0, 0)]
	if interior <= 0 {
		t.Fatal("Expected a positive interior weight")
	}
	if kernel[idx(0, 0, 0)] != interior {
		t.Error("Expected uniform weights inside the sphere")
	}
	if far := kernel[idx(7, 7, 7)]; far != 0 {
		t.Errorf("Expected zero outside the sphere, got %g", far)
	}
}

func TestGradOfConstantIsZero(t *testing.T) {
	nx, ny, nz := 4, 4, 4
	x := make([]float64, nx*ny*nz)
	for i := range x {
		x[i] = 3.7
	}
	g := Grad(x, nx, ny, nz, [3]float64{1, 1, 1})
	for c := 0; c < 3; c++ {
		for i, v := range g[c] {
			if v != 0 {
				t.Fatalf("Expected zero gradient for a constant, got %g at axis %d index %d", v, c, i)
			}
		}
	}
}

func TestGradLinearRamp(t *testing.T) {
	nx, ny, nz := 5, 4, 3
	voxel := [3]float64{0.5, 1, 2}
	x := make([]float64, nx*ny*nz)
	idx := func(ix, iy, iz int) int { return (iz*ny+iy)*nx + ix }
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for ix := 0; ix < nx; ix++ {
				x[idx(ix, y, z)] = 2 * float64(ix) * voxel[0]
			}
		}
	}

	g := Grad(x, nx, ny, nz, voxel)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for ix := 0; ix < nx-1; ix++ {
				if math.Abs(g[0][idx(ix, y, z)]-2) > 1e-12 {
					t.Fatalf("Expected slope 2 at (%d,%d,%d), got %g", ix, y, z, g[0][idx(ix, y, z)])
				}
			}
			// trailing boundary sample is zero
			if g[0][idx(nx-1, y, z)] != 0 {
				t.Fatal("Expected zero gradient at the trailing boundary")
			}
		}
	}
}

func TestGradDivAdjoint(t *testing.T) {
	nx, ny, nz := 6, 5, 4
	n := nx * ny * nz
	voxel := [3]float64{0.8, 1, 1.5}
	rng := rand.New(rand.NewSource(7))

	x := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	var g [3][]float64
	for c := range g {
		g[c] = make([]float64, n)
		for i := range g[c] {
			g[c][i] = rng.NormFloat64()
		}
	}

	// <Grad(x), g> must equal <x, Div(g)> exactly up to roundoff
	gx := Grad(x, nx, ny, nz, voxel)
	lhs := 0.0
	for c := 0; c < 3; c++ {
		lhs += floats.Dot(gx[c], g[c])
	}
	rhs := floats.Dot(x, Div(g, nx, ny, nz, voxel))

	if math.Abs(lhs-rhs) > 1e-10*math.Max(1, math.Abs(lhs)) {
		t.Errorf("Adjoint identity violated: <Gx,g>=%.12f, <x,Dg>=%.12f", lhs, rhs)
	}
}

func TestDivGradIsPositiveSemiDefinite(t *testing.T) {
	nx, ny, nz := 4, 4, 4
	n := nx * ny * nz
	rng := rand.New(rand.NewSource(11))

	// <x, Div(Grad(x))> = <Grad(x), Grad(x)> >= 0
	for trial := 0; trial < 5; trial++ {
		x := make([]float64, n)
		for i := range x {
			x[i] = rng.NormFloat64()
		}
		q := floats.Dot(x, Div(Grad(x, nx, ny, nz, [3]float64{1, 1, 1}), nx, ny, nz, [3]float64{1, 1, 1}))
		if q < -1e-10 {
			t.Fatalf("Expected a nonnegative quadratic form, got %g", q)
		}
	}
}

func TestLaplacianK(t *testing.T) {
	nx := 8
	voxel := [3]float64{1, 1, 1}
	l := LaplacianK(nx, nx, nx, voxel)

	if l[0] != 0 {
		t.Errorf("Expected zero at DC, got %g", l[0])
	}
	for i, v := range l {
		if v > 0 {
			t.Fatalf("Expected nonpositive multiplier, got %g at %d", v, i)
		}
	}

	// first bin along x: k = 1/8 cycles/mm
	want := -4 * math.Pi * math.Pi * (1.0 / 64)
	if math.Abs(l[1]-want) > 1e-12 {
		t.Errorf("Expected %g at the first x bin, got %g", want, l[1])
	}
}
