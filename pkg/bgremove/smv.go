// Package bgremove suppresses harmonic background field contributions using
// spherical-mean-value (V-SHARP style) filtering: the field is convolved with
// a normalized sphere kernel in k-space, the spherical mean is subtracted,
// and the mask is eroded to the region where a full sphere fits inside the
// original mask.
package bgremove

import (
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"qsmrecon/internal/models"
	"qsmrecon/pkg/kernels"
	"qsmrecon/pkg/spectral"
)

// ErrEmptyMask reports that SMV erosion removed every voxel of the region of
// interest; downstream inversion must not run.
var ErrEmptyMask = errors.New("bgremove: mask eroded to empty set")

// erosionThreshold: a voxel survives erosion only when the SMV-convolved
// mask exceeds it, i.e. the full sphere around the voxel lies inside the
// original mask.
const erosionThreshold = 0.999

// Result carries the outputs of background removal.
type Result struct {
	// Field is the local (tissue) field restricted to the eroded mask
	Field *models.Volume

	// Mask is the eroded mask, always a subset of the input mask
	Mask *models.Mask

	// Noise is the SMV-adjusted noise map, nil when no noise map was given
	Noise *models.Volume
}

// Filter applies the spherical-mean-value convolution for one grid shape,
// reusing the sphere kernel across calls.
type Filter struct {
	nx, ny, nz int
	radius     float64
	kspace     []complex128
}

// NewFilter builds an SMV filter with the given sphere radius in mm.
func NewFilter(nx, ny, nz int, voxelSize [3]float64, radius float64) (*Filter, error) {
	if radius <= 0 {
		return nil, fmt.Errorf("bgremove: sphere radius must be positive, got %f", radius)
	}
	_, kspace := kernels.Sphere(nx, ny, nz, voxelSize, radius)
	return &Filter{nx: nx, ny: ny, nz: nz, radius: radius, kspace: kspace}, nil
}

// KSpace exposes the Fourier transform of the sphere kernel, used by the
// inversion solver to fold SMV preprocessing into the dipole kernel.
func (f *Filter) KSpace() []complex128 {
	return f.kspace
}

// Convolve returns the spherical mean value of x at every voxel,
// ifft(fft(x) .* kernel).
func (f *Filter) Convolve(x []float64) []float64 {
	spec := spectral.FFT3(spectral.RealToComplex(x), f.nx, f.ny, f.nz)
	for i := range spec {
		spec[i] *= f.kspace[i]
	}
	return spectral.Real(spectral.IFFT3(spec, f.nx, f.ny, f.nz))
}

// Erode shrinks the mask to the voxels whose full sphere neighborhood lies
// inside the original mask.
func (f *Filter) Erode(mask *models.Mask) *models.Mask {
	asFloat := make([]float64, mask.Len())
	for i, b := range mask.Data {
		if b {
			asFloat[i] = 1
		}
	}
	smv := f.Convolve(asFloat)

	out := models.NewMask(mask.Nx, mask.Ny, mask.Nz)
	for i := range out.Data {
		out.Data[i] = mask.Data[i] && smv[i] > erosionThreshold
	}
	return out
}

// Remove strips the harmonic background from the field map: the field keeps
// only its deviation from the local spherical mean, restricted to the eroded
// mask. When noise is non-nil an adjusted noise map is produced as the
// root-sum-square of the local and SMV-filtered noise. Erosion to an empty
// mask is fatal.
func (f *Filter) Remove(field, noise *models.Volume, mask *models.Mask) (*Result, error) {
	if !mask.MatchesVolume(field) {
		return nil, fmt.Errorf("bgremove: mask shape %dx%dx%d does not match field shape %s",
			mask.Nx, mask.Ny, mask.Nz, field.ShapeString())
	}

	eroded := f.Erode(mask)
	if eroded.Count() == 0 {
		return nil, ErrEmptyMask
	}

	smv := f.Convolve(field.Data)
	local := models.NewVolumeLike(field)
	for i := range local.Data {
		if !eroded.Data[i] {
			continue
		}
		v := field.Data[i] - smv[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		local.Data[i] = v
	}

	res := &Result{Field: local, Mask: eroded}
	if noise != nil {
		sq := make([]float64, noise.Len())
		for i, v := range noise.Data {
			sq[i] = v * v
		}
		smvSq := f.Convolve(sq)
		adj := models.NewVolumeLike(noise)
		for i := range adj.Data {
			s := sq[i] + smvSq[i]
			if s > 0 {
				adj.Data[i] = math.Sqrt(s)
			}
		}
		res.Noise = adj
	}

	log.WithFields(log.Fields{
		"radius":     f.radius,
		"maskBefore": mask.Count(),
		"maskAfter":  eroded.Count(),
	}).Info("removed background field")
	return res, nil
}
