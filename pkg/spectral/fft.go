// Package spectral provides the 3D Fourier transform plumbing shared by the
// k-space kernels, the Laplacian unwrapper, the SMV filter and the dipole
// inversion solver. Transforms are built from Gonum's 1D complex FFT applied
// along each grid axis in turn.
package spectral

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT3 computes the unnormalized 3D DFT of data interpreted as an
// nx-fastest row-major grid. The input is not modified.
func FFT3(data []complex128, nx, ny, nz int) []complex128 {
	out := make([]complex128, len(data))
	copy(out, data)
	for axis := 0; axis < 3; axis++ {
		transformAxis(out, nx, ny, nz, axis, false)
	}
	return out
}

// IFFT3 computes the normalized inverse 3D DFT, so that
// IFFT3(FFT3(x)) == x up to floating point error.
func IFFT3(data []complex128, nx, ny, nz int) []complex128 {
	out := make([]complex128, len(data))
	copy(out, data)
	for axis := 0; axis < 3; axis++ {
		transformAxis(out, nx, ny, nz, axis, true)
	}
	scale := complex(1.0/float64(nx*ny*nz), 0)
	for i := range out {
		out[i] *= scale
	}
	return out
}

// transformAxis applies a 1D FFT along one axis of the grid, in place.
func transformAxis(data []complex128, nx, ny, nz, axis int, inverse bool) {
	var n, stride int
	switch axis {
	case 0:
		n, stride = nx, 1
	case 1:
		n, stride = ny, nx
	default:
		n, stride = nz, nx*ny
	}
	if n == 1 {
		return
	}

	fft := fourier.NewCmplxFFT(n)
	line := make([]complex128, n)
	coef := make([]complex128, n)

	forEachLine(nx, ny, nz, axis, func(start int) {
		for i := 0; i < n; i++ {
			line[i] = data[start+i*stride]
		}
		if inverse {
			fft.Sequence(coef, line)
		} else {
			fft.Coefficients(coef, line)
		}
		for i := 0; i < n; i++ {
			data[start+i*stride] = coef[i]
		}
	})
}

// forEachLine invokes fn with the flat start index of every grid line
// running along the given axis.
func forEachLine(nx, ny, nz, axis int, fn func(start int)) {
	switch axis {
	case 0:
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				fn((z*ny + y) * nx)
			}
		}
	case 1:
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				fn(z*ny*nx + x)
			}
		}
	default:
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				fn(y*nx + x)
			}
		}
	}
}

// Freqs returns the n unshifted DFT sample frequencies for spacing d, in
// cycles per unit of d. Index 0 is DC, matching the layout FFT3 produces.
func Freqs(n int, d float64) []float64 {
	f := make([]float64, n)
	for i := 0; i < n; i++ {
		k := i
		if i > (n-1)/2 {
			// fold the upper half onto negative frequencies; for even n the
			// Nyquist bin is conventionally negative
			k = i - n
		}
		f[i] = float64(k) / (float64(n) * d)
	}
	return f
}

// RealToComplex widens a real array into a complex one.
func RealToComplex(x []float64) []complex128 {
	out := make([]complex128, len(x))
	for i, v := range x {
		out[i] = complex(v, 0)
	}
	return out
}

// Real extracts the real parts of a complex array.
func Real(x []complex128) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = real(v)
	}
	return out
}
