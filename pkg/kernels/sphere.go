package kernels

import (
	"math"

	"qsmrecon/pkg/spectral"
)

// sphereSubdiv is the per-axis sub-sampling used to estimate the fractional
// volume of voxels straddling the sphere boundary.
const sphereSubdiv = 11

// Sphere rasterizes a 3D sphere of the given physical radius (mm) onto the
// grid, with sub-voxel accuracy at the boundary: voxels straddling the
// surface receive the fraction of an 11x11x11 sub-sampling grid that falls
// inside the sphere. The kernel is normalized to integrate to exactly 1 and
// is returned wrapped so its center sits at index 0, together with its
// Fourier transform ready for k-space convolution.
func Sphere(nx, ny, nz int, voxelSize [3]float64, radius float64) ([]float64, []complex128) {
	// a voxel can only straddle the boundary if its center lies within half
	// a voxel diagonal of the surface
	halfDiag := 0.5 * math.Sqrt(voxelSize[0]*voxelSize[0]+
		voxelSize[1]*voxelSize[1]+voxelSize[2]*voxelSize[2])

	kernel := make([]float64, nx*ny*nz)
	sum := 0.0
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				px := float64(wrapOffset(x, nx)) * voxelSize[0]
				py := float64(wrapOffset(y, ny)) * voxelSize[1]
				pz := float64(wrapOffset(z, nz)) * voxelSize[2]
				dist := math.Sqrt(px*px + py*py + pz*pz)

				var v float64
				switch {
				case dist <= radius-halfDiag:
					v = 1
				case dist >= radius+halfDiag:
					v = 0
				default:
					v = boundaryFraction(px, py, pz, voxelSize, radius)
				}
				kernel[(z*ny+y)*nx+x] = v
				sum += v
			}
		}
	}

	if sum > 0 {
		inv := 1 / sum
		for i := range kernel {
			kernel[i] *= inv
		}
	}

	kspace := spectral.FFT3(spectral.RealToComplex(kernel), nx, ny, nz)
	return kernel, kspace
}

// boundaryFraction estimates the fraction of the voxel centered at (px,py,pz)
// that lies inside the sphere, by testing the centers of an 11^3 sub-grid.
func boundaryFraction(px, py, pz float64, voxelSize [3]float64, radius float64) float64 {
	r2 := radius * radius
	inside := 0
	for k := 0; k < sphereSubdiv; k++ {
		sz := pz + (float64(k)+0.5)/sphereSubdiv*voxelSize[2] - 0.5*voxelSize[2]
		for j := 0; j < sphereSubdiv; j++ {
			sy := py + (float64(j)+0.5)/sphereSubdiv*voxelSize[1] - 0.5*voxelSize[1]
			for i := 0; i < sphereSubdiv; i++ {
				sx := px + (float64(i)+0.5)/sphereSubdiv*voxelSize[0] - 0.5*voxelSize[0]
				if sx*sx+sy*sy+sz*sz <= r2 {
					inside++
				}
			}
		}
	}
	return float64(inside) / float64(sphereSubdiv*sphereSubdiv*sphereSubdiv)
}
