// Package unwrap removes 2 pi discontinuities from wrapped MRI phase volumes
// using a single-pass spectral Laplacian method: the Laplacian of the true
// phase is computed from the wrapped phase through the trigonometric identity
// cos*Lap(sin) - sin*Lap(cos), which is immune to wrap jumps, and the Poisson
// equation is then inverted in k-space.
package unwrap

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"qsmrecon/internal/models"
	"qsmrecon/pkg/kernels"
	"qsmrecon/pkg/spectral"
)

// Unwrapper solves the phase unwrapping Poisson problem for one grid shape,
// caching the Laplacian multiplier between echoes.
type Unwrapper struct {
	nx, ny, nz int
	lap        []float64
}

// New creates an unwrapper for the given grid.
func New(nx, ny, nz int, voxelSize [3]float64) *Unwrapper {
	return &Unwrapper{
		nx:  nx,
		ny:  ny,
		nz:  nz,
		lap: kernels.LaplacianK(nx, ny, nz, voxelSize),
	}
}

// Unwrap returns the unwrapped phase of a single wrapped-phase volume,
// restricted to the mask. Voxels outside the mask carry no unwrapping
// guarantee and must be excluded downstream.
func (u *Unwrapper) Unwrap(phase *models.Volume, mask *models.Mask) (*models.Volume, error) {
	if phase.Nx != u.nx || phase.Ny != u.ny || phase.Nz != u.nz {
		return nil, fmt.Errorf("phase shape %s does not match unwrapper grid %dx%dx%d",
			phase.ShapeString(), u.nx, u.ny, u.nz)
	}
	if !mask.MatchesVolume(phase) {
		return nil, fmt.Errorf("mask shape %dx%dx%d does not match phase shape %s",
			mask.Nx, mask.Ny, mask.Nz, phase.ShapeString())
	}

	n := phase.Len()
	sin := make([]float64, n)
	cos := make([]float64, n)
	for i, v := range phase.Data {
		sin[i] = math.Sin(v)
		cos[i] = math.Cos(v)
	}

	lapSin := u.laplacian(sin)
	lapCos := u.laplacian(cos)

	// Laplacian of the unwrapped phase, free of wrap artifacts
	lapPhase := make([]complex128, n)
	for i := range lapPhase {
		lapPhase[i] = complex(cos[i]*lapSin[i]-sin[i]*lapCos[i], 0)
	}

	// invert the Poisson equation in k-space; the DC term stays zero
	spec := spectral.FFT3(lapPhase, u.nx, u.ny, u.nz)
	for i := range spec {
		if u.lap[i] != 0 {
			spec[i] /= complex(u.lap[i], 0)
		} else {
			spec[i] = 0
		}
	}
	out := spectral.Real(spectral.IFFT3(spec, u.nx, u.ny, u.nz))

	result := models.NewVolumeLike(phase)
	for i, v := range out {
		if !mask.Data[i] || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		result.Data[i] = v
	}
	return result, nil
}

// UnwrapStack unwraps every echo of a multi-echo stack.
func (u *Unwrapper) UnwrapStack(stack *models.EchoStack, mask *models.Mask) (*models.EchoStack, error) {
	out := &models.EchoStack{
		Echoes:        make([]*models.Volume, 0, stack.NumEchoes()),
		EchoTimes:     stack.EchoTimes,
		FieldStrength: stack.FieldStrength,
	}
	for i, echo := range stack.Echoes {
		unwrapped, err := u.Unwrap(echo, mask)
		if err != nil {
			return nil, fmt.Errorf("unwrapping echo %d: %w", i, err)
		}
		log.WithFields(log.Fields{
			"echo": i,
			"te":   stack.EchoTimes[i],
		}).Debug("unwrapped echo")
		out.Echoes = append(out.Echoes, unwrapped)
	}
	return out, nil
}

// laplacian applies the spectral Laplacian to a real array.
func (u *Unwrapper) laplacian(x []float64) []float64 {
	spec := spectral.FFT3(spectral.RealToComplex(x), u.nx, u.ny, u.nz)
	for i := range spec {
		spec[i] *= complex(u.lap[i], 0)
	}
	return spectral.Real(spectral.IFFT3(spec, u.nx, u.ny, u.nz))
}
