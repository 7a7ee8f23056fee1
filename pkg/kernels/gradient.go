package kernels

// Grad computes the forward finite difference of x along each spatial axis
// with Neumann (replicate) boundary conditions, each axis scaled by the
// inverse of its voxel size. The result has one component per axis; the
// last sample along each axis is zero by the replicate condition.
func Grad(x []float64, nx, ny, nz int, voxelSize [3]float64) [3][]float64 {
	var g [3][]float64
	for c := range g {
		g[c] = make([]float64, len(x))
	}

	idx := func(ix, iy, iz int) int { return (iz*ny+iy)*nx + ix }

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for ix := 0; ix < nx; ix++ {
				i := idx(ix, y, z)
				if ix < nx-1 {
					g[0][i] = (x[i+1] - x[i]) / voxelSize[0]
				}
				if y < ny-1 {
					g[1][i] = (x[idx(ix, y+1, z)] - x[i]) / voxelSize[1]
				}
				if z < nz-1 {
					g[2][i] = (x[idx(ix, y, z+1)] - x[i]) / voxelSize[2]
				}
			}
		}
	}
	return g
}

// Div computes the backward-difference divergence adjoint to Grad, with
// Dirichlet (zero) boundary conditions: each axis contribution is the
// negated backward difference scaled by the inverse voxel size, summed over
// the three axes. The pairing <Grad(x), g> == <x, Div(g)> holds exactly,
// which the Gauss-Newton normal equations rely on.
func Div(g [3][]float64, nx, ny, nz int, voxelSize [3]float64) []float64 {
	out := make([]float64, nx*ny*nz)

	idx := func(ix, iy, iz int) int { return (iz*ny+iy)*nx + ix }

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for ix := 0; ix < nx; ix++ {
				i := idx(ix, y, z)

				// x axis: -(gx[i] - gx[i-1]) with gx taken as zero at the
				// trailing boundary
				var acc float64
				var v float64
				if ix < nx-1 {
					v = g[0][i]
				}
				if ix > 0 {
					v -= g[0][i-1]
				}
				acc -= v / voxelSize[0]

				v = 0
				if y < ny-1 {
					v = g[1][i]
				}
				if y > 0 {
					v -= g[1][idx(ix, y-1, z)]
				}
				acc -= v / voxelSize[1]

				v = 0
				if z < nz-1 {
					v = g[2][i]
				}
				if z > 0 {
					v -= g[2][idx(ix, y, z-1)]
				}
				acc -= v / voxelSize[2]

				out[i] = acc
			}
		}
	}
	return out
}
