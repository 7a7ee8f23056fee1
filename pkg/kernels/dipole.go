// Package kernels provides the k-space convolution kernels and the discrete
// differential operators used by the QSM reconstruction stages: the dipole
// kernel relating susceptibility to field, the spherical-mean-value kernel
// used for background removal, the spectral Laplacian used by the phase
// unwrapper, and the forward-gradient / adjoint-divergence pair used by the
// edge-preserving regularizer.
package kernels

import (
	"math"

	"qsmrecon/pkg/spectral"
)

// Dipole builds the Fourier-domain dipole kernel
//
//	D(k) = 1/3 - (k.b)^2 / |k|^2
//
// for field direction b (a unit vector), on the unshifted DFT frequency grid
// so that DC sits at index 0. The singular point k=0 is set to exactly zero.
func Dipole(nx, ny, nz int, voxelSize [3]float64, fieldDir [3]float64) []float64 {
	kx := spectral.Freqs(nx, voxelSize[0])
	ky := spectral.Freqs(ny, voxelSize[1])
	kz := spectral.Freqs(nz, voxelSize[2])

	d := make([]float64, nx*ny*nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				k2 := kx[x]*kx[x] + ky[y]*ky[y] + kz[z]*kz[z]
				if k2 == 0 {
					continue
				}
				kb := kx[x]*fieldDir[0] + ky[y]*fieldDir[1] + kz[z]*fieldDir[2]
				d[(z*ny+y)*nx+x] = 1.0/3.0 - kb*kb/k2
			}
		}
	}
	return d
}

// DipoleImageSpace builds the equivalent real-space dipole field
//
//	d(r) = (3 cos^2(theta) - 1) / (4 pi |r|^3)
//
// with theta the angle between r and the field direction, centered with
// wrap-around so the singular voxel r=0 sits at index 0 and is zeroed.
// It exists for validating the k-space kernel and is not used by the
// default pipeline.
func DipoleImageSpace(nx, ny, nz int, voxelSize [3]float64, fieldDir [3]float64) []float64 {
	d := make([]float64, nx*ny*nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				rx := float64(wrapOffset(x, nx)) * voxelSize[0]
				ry := float64(wrapOffset(y, ny)) * voxelSize[1]
				rz := float64(wrapOffset(z, nz)) * voxelSize[2]
				r2 := rx*rx + ry*ry + rz*rz
				if r2 == 0 {
					continue
				}
				rb := rx*fieldDir[0] + ry*fieldDir[1] + rz*fieldDir[2]
				cos2 := rb * rb / r2
				d[(z*ny+y)*nx+x] = (3*cos2 - 1) / (4 * math.Pi * r2 * math.Sqrt(r2))
			}
		}
	}
	return d
}

// wrapOffset maps a grid index to its signed offset from the origin under
// circular wrap-around.
func wrapOffset(i, n int) int {
	if i > n/2 {
		return i - n
	}
	return i
}
