package kernels

import (
	"math"

	"qsmrecon/pkg/spectral"
)

// LaplacianK builds the k-space multiplier of the continuous Laplacian,
//
//	L(k) = -|2 pi k|^2
//
// on the unshifted frequency grid (DC at index 0). Multiplying a spectrum by
// L and inverting realizes the Laplacian; dividing by L (with the DC term
// left at zero) inverts the Poisson equation.
func LaplacianK(nx, ny, nz int, voxelSize [3]float64) []float64 {
	kx := spectral.Freqs(nx, voxelSize[0])
	ky := spectral.Freqs(ny, voxelSize[1])
	kz := spectral.Freqs(nz, voxelSize[2])

	l := make([]float64, nx*ny*nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				k2 := kx[x]*kx[x] + ky[y]*ky[y] + kz[z]*kz[z]
				l[(z*ny+y)*nx+x] = -4 * math.Pi * math.Pi * k2
			}
		}
	}
	return l
}
