package inversion

import (
	"fmt"
	"math"
	"math/cmplx"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"qsmrecon/internal/models"
	"qsmrecon/pkg/bgremove"
	"qsmrecon/pkg/kernels"
	"qsmrecon/pkg/spectral"
)

// epsilon regularizes the edge-preserving reweighting and the relative
// update norm.
const epsilon = 1e-6

// Options are the MEDI solver tunables.
type Options struct {
	// Lambda weights the data-fidelity term against the regularizer
	Lambda float64

	// Percentage is the target fraction of non-edge voxels for the
	// gradient weighting mask
	Percentage float64

	// DataWeighting selects the data-fidelity weighting mode
	DataWeighting DataWeightMode

	// Merit enables iterative outlier down-weighting from residual
	// statistics
	Merit bool

	// SMV enables spherical-mean-value preprocessing inside the solver
	SMV bool

	// SMVRadius is the preprocessing sphere radius in mm
	SMVRadius float64

	// FieldDirection is the unit vector of the main field
	FieldDirection [3]float64

	// MaxIter caps the outer Gauss-Newton iterations
	MaxIter int

	// TolNormRatio terminates the outer loop when the relative update
	// norm drops below it
	TolNormRatio float64

	// CGMaxIter caps the inner conjugate-gradient iterations
	CGMaxIter int

	// CGTol is the inner solver's absolute residual tolerance
	CGTol float64
}

// DefaultOptions returns the solver defaults. Merit is off by default,
// matching the majority of observed invocations.
func DefaultOptions() Options {
	return Options{
		Lambda:         1000,
		Percentage:     0.9,
		DataWeighting:  DataWeightSNR,
		Merit:          false,
		SMV:            false,
		SMVRadius:      5,
		FieldDirection: [3]float64{0, 0, 1},
		MaxIter:        10,
		TolNormRatio:   0.1,
		CGMaxIter:      100,
		CGTol:          0.01,
	}
}

// Validate rejects unusable tunables before any computation starts.
func (o Options) Validate() error {
	if err := validation.ValidateStruct(&o,
		validation.Field(&o.Lambda, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&o.Percentage, validation.Required, validation.Min(0.0).Exclusive(), validation.Max(1.0)),
		validation.Field(&o.MaxIter, validation.Required, validation.Min(1)),
		validation.Field(&o.CGMaxIter, validation.Required, validation.Min(1)),
		validation.Field(&o.CGTol, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&o.TolNormRatio, validation.Required, validation.Min(0.0).Exclusive()),
	); err != nil {
		return err
	}
	if _, err := ParseDataWeightMode(int(o.DataWeighting)); err != nil {
		return err
	}
	if o.SMV && o.SMVRadius <= 0 {
		return fmt.Errorf("SMV preprocessing requires a positive radius, got %f", o.SMVRadius)
	}
	norm := math.Sqrt(o.FieldDirection[0]*o.FieldDirection[0] +
		o.FieldDirection[1]*o.FieldDirection[1] +
		o.FieldDirection[2]*o.FieldDirection[2])
	if math.Abs(norm-1) > 1e-6 {
		return fmt.Errorf("field direction must be a unit vector, got %v", o.FieldDirection)
	}
	return nil
}

// CostPair is one outer iteration's diagnostic costs.
type CostPair struct {
	// Data is the data-fidelity cost ||w exp(i D*chi) - b0||_2
	Data float64

	// Reg is the regularization cost sum |wG grad(chi)|
	Reg float64
}

// Result is the solver output. A result is produced on both convergence and
// iteration-cap termination; truncation is not an error.
type Result struct {
	// Chi is the susceptibility map, zero outside the mask
	Chi *models.Volume

	// Iterations is the number of outer iterations performed
	Iterations int

	// Converged reports whether the relative update norm reached the
	// tolerance before the iteration cap
	Converged bool

	// ResNormRatio is the final ||dx|| / (||chi|| + eps)
	ResNormRatio float64

	// History holds the per-iteration cost pairs, in order
	History []CostPair
}

// Solver runs Morphology Enabled Dipole Inversion over one set of options.
type Solver struct {
	opts Options
}

// NewSolver validates the options and builds a solver. Unsupported
// configuration values are rejected here, not during the solve.
func NewSolver(opts Options) (*Solver, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid solver options: %w", err)
	}
	return &Solver{opts: opts}, nil
}

// Solve recovers the susceptibility map from the local field map (radians),
// the per-voxel noise standard deviation, the anatomical magnitude image and
// the region-of-interest mask. The noise map may be nil in uniform weighting
// without merit. Inputs are never mutated; merit reweighting updates a
// solver-local copy of the noise map.
func (s *Solver) Solve(field, noise, mag *models.Volume, mask *models.Mask) (*Result, error) {
	opts := s.opts
	if !field.SameShape(mag) {
		return nil, fmt.Errorf("field shape %s does not match magnitude shape %s",
			field.ShapeString(), mag.ShapeString())
	}
	if !mask.MatchesVolume(field) {
		return nil, fmt.Errorf("mask shape %dx%dx%d does not match field shape %s",
			mask.Nx, mask.Ny, mask.Nz, field.ShapeString())
	}
	if noise != nil && !noise.SameShape(field) {
		return nil, fmt.Errorf("noise shape %s does not match field shape %s",
			noise.ShapeString(), field.ShapeString())
	}
	if noise == nil && (opts.DataWeighting == DataWeightSNR || opts.Merit) {
		return nil, fmt.Errorf("data weighting mode %s requires a noise map", opts.DataWeighting)
	}

	nx, ny, nz := field.Nx, field.Ny, field.Nz
	n := field.Len()
	voxel := field.VoxelSize

	// solver-local state: the mask may be eroded and the noise map is
	// rewritten under merit, neither change may leak to the caller
	mask = mask.Clone()
	if noise != nil {
		noise = noise.Clone()
	}
	rdf := make([]float64, n)
	copy(rdf, field.Data)

	// dipole kernel, DC at index 0
	d := kernels.Dipole(nx, ny, nz, voxel, opts.FieldDirection)

	// optional SMV preprocessing: erode the mask, strip the spherical mean
	// from the field and fold the high-pass into the dipole kernel
	if opts.SMV {
		filter, err := bgremove.NewFilter(nx, ny, nz, voxel, opts.SMVRadius)
		if err != nil {
			return nil, err
		}
		fieldVol := models.NewVolumeLike(field)
		copy(fieldVol.Data, rdf)
		res, err := filter.Remove(fieldVol, noise, mask)
		if err != nil {
			return nil, err
		}
		mask = res.Mask
		copy(rdf, res.Field.Data)
		if res.Noise != nil {
			noise = res.Noise
		}
		k := filter.KSpace()
		for i := range d {
			d[i] *= 1 - real(k[i])
		}
	}
	if mask.Count() == 0 {
		return nil, bgremove.ErrEmptyMask
	}

	dconv := func(x []float64) []float64 {
		spec := spectral.FFT3(spectral.RealToComplex(x), nx, ny, nz)
		for i := range spec {
			spec[i] *= complex(d[i], 0)
		}
		return spectral.Real(spectral.IFFT3(spec, nx, ny, nz))
	}

	m, err := DataWeight(opts.DataWeighting, noise, mask)
	if err != nil {
		return nil, err
	}
	b0 := make([]complex128, n)
	for i := range b0 {
		b0[i] = complex(m[i], 0) * cis(rdf[i])
	}

	wgBool, err := GradientMask(mag, mask, opts.Percentage)
	if err != nil {
		return nil, err
	}
	wg := make([]float64, n)
	for i, b := range wgBool {
		if b {
			wg[i] = 1
		}
	}

	x := make([]float64, n)
	vr := make([]float64, n)
	m2 := make([]float64, n)
	result := &Result{}

	regApply := func(dst, src []float64) {
		g := kernels.Grad(src, nx, ny, nz, voxel)
		for c := 0; c < 3; c++ {
			for i := range g[c] {
				g[c][i] *= wg[i] * vr[i] * wg[i]
			}
		}
		copy(dst, kernels.Div(g, nx, ny, nz, voxel))
	}
	fidApply := func(dst, src []float64) {
		u := dconv(src)
		for i := range u {
			u[i] *= m2[i]
		}
		copy(dst, dconv(u))
	}
	reg := OperatorFunc(regApply)
	system := Sum(reg, Scaled(2*opts.Lambda, OperatorFunc(fidApply)), n)

	for iter := 1; iter <= opts.MaxIter; iter++ {
		// edge-preserving reweighting from the current estimate's gradient
		g := kernels.Grad(x, nx, ny, nz, voxel)
		for i := 0; i < n; i++ {
			sum2 := 0.0
			for c := 0; c < 3; c++ {
				t := wg[i] * g[c][i]
				sum2 += t * t
			}
			vr[i] = 1 / math.Sqrt(sum2+epsilon)
		}

		// complex residual operator at the current estimate
		phase := dconv(x)
		w := make([]complex128, n)
		for i := range w {
			w[i] = complex(m[i], 0) * cis(phase[i])
			m2[i] = m[i] * m[i]
		}

		// gradient of the linearized objective at x
		b := make([]float64, n)
		regApply(b, x)
		grad := make([]float64, n)
		for i := range grad {
			// Im(conj(w) (w - b0)) is the data-term gradient density
			grad[i] = imag(cmplx.Conj(w[i]) * (w[i] - b0[i]))
		}
		gradConv := dconv(grad)
		rhs := make([]float64, n)
		for i := range rhs {
			rhs[i] = -(b[i] + 2*opts.Lambda*gradConv[i])
		}

		cg := ConjugateGradient(system, rhs, opts.CGTol, opts.CGMaxIter)
		dx := cg.X
		floats.Add(x, dx)
		result.ResNormRatio = floats.Norm(dx, 2) / (floats.Norm(x, 2) + epsilon)
		result.Iterations = iter

		// diagnostics at the updated estimate
		phase = dconv(x)
		wres := make([]complex128, n)
		costData := 0.0
		for i := range wres {
			wres[i] = complex(m[i], 0)*cis(phase[i]) - b0[i]
			costData += real(wres[i])*real(wres[i]) + imag(wres[i])*imag(wres[i])
		}
		costData = math.Sqrt(costData)
		gNew := kernels.Grad(x, nx, ny, nz, voxel)
		costReg := 0.0
		for i := 0; i < n; i++ {
			for c := 0; c < 3; c++ {
				costReg += math.Abs(wg[i] * gNew[c][i])
			}
		}
		result.History = append(result.History, CostPair{Data: costData, Reg: costReg})

		log.WithFields(log.Fields{
			"iter":         iter,
			"resNormRatio": result.ResNormRatio,
			"cgIters":      cg.Iterations,
			"costData":     costData,
			"costReg":      costReg,
		}).Info("dipole inversion iteration")

		if opts.Merit {
			if m, b0, err = s.meritReweight(wres, rdf, noise, mask, m); err != nil {
				return nil, err
			}
		}

		if result.ResNormRatio <= opts.TolNormRatio {
			result.Converged = true
			break
		}
	}

	chi := models.NewVolumeLike(field)
	for i := range x {
		if mask.Data[i] {
			chi.Data[i] = x[i]
		}
	}
	result.Chi = chi
	return result, nil
}

// meritReweight re-estimates the per-voxel noise from residual outliers:
// residuals beyond the 6-sigma scale of the mean-centered residual inflate
// the local noise estimate quadratically, down-weighting voxels whose
// residual indicates a local model violation. It returns the refreshed data
// weighting and complex measurement.
func (s *Solver) meritReweight(wres []complex128, rdf []float64, noise *models.Volume, mask *models.Mask, m []float64) ([]float64, []complex128, error) {
	count := mask.Count()
	if count == 0 {
		return nil, nil, fmt.Errorf("merit reweighting over an empty mask")
	}

	var sum complex128
	for i, b := range mask.Data {
		if b {
			sum += wres[i]
		}
	}
	mean := sum / complex(float64(count), 0)

	absRes := make([]float64, 0, count)
	centered := make([]float64, len(wres))
	for i, b := range mask.Data {
		if !b {
			continue
		}
		a := cmplx.Abs(wres[i] - mean)
		centered[i] = a
		absRes = append(absRes, a)
	}
	factor := stat.StdDev(absRes, nil) * 6
	if factor == 0 {
		return m, rebuildMeasurement(m, rdf), nil
	}

	for i, b := range mask.Data {
		if !b {
			continue
		}
		z := centered[i] / factor
		if z < 1 {
			z = 1
		}
		noise.Data[i] *= z * z
	}

	mNew, err := DataWeight(s.opts.DataWeighting, noise, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("merit reweighting: %w", err)
	}
	return mNew, rebuildMeasurement(mNew, rdf), nil
}

// rebuildMeasurement recomputes b0 = m exp(i rdf) after a weighting update.
func rebuildMeasurement(m []float64, rdf []float64) []complex128 {
	b0 := make([]complex128, len(m))
	for i := range b0 {
		b0[i] = complex(m[i], 0) * cis(rdf[i])
	}
	return b0
}

// cis returns exp(i theta).
func cis(theta float64) complex128 {
	return complex(math.Cos(theta), math.Sin(theta))
}
