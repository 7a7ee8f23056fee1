// Package pipeline wires the QSM reconstruction stages together: loading
// multi-echo input volumes, phase unwrapping, field map estimation,
// background field removal and dipole inversion, down to the output files.
package pipeline

import (
	"fmt"
	"math"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	log "github.com/sirupsen/logrus"

	"qsmrecon/internal/models"
	"qsmrecon/pkg/bgremove"
	"qsmrecon/pkg/config"
	"qsmrecon/pkg/fieldmap"
	"qsmrecon/pkg/inversion"
	"qsmrecon/pkg/nifti"
	"qsmrecon/pkg/unwrap"
)

// Params holds the reconstruction inputs and output destinations.
type Params struct {
	// MagnitudePaths and PhasePaths hold one volume per echo, in echo order
	MagnitudePaths []string
	PhasePaths     []string

	// MaskPath is the region-of-interest mask volume
	MaskPath string

	// EchoTimes are the per-echo echo times in seconds
	EchoTimes []float64

	// FieldStrength is the main field strength in tesla
	FieldStrength float64

	// OutputFile is where the susceptibility map is written (.nii or .nii.gz)
	OutputFile string

	// HistoryFile optionally stores per-iteration solver costs as .npy
	HistoryFile string

	// Config carries the stage tunables
	Config *config.Config
}

// Validate rejects parameter sets that cannot produce a reconstruction.
func (p *Params) Validate() error {
	if err := validation.ValidateStruct(p,
		validation.Field(&p.MagnitudePaths, validation.Required),
		validation.Field(&p.PhasePaths, validation.Required),
		validation.Field(&p.MaskPath, validation.Required),
		validation.Field(&p.EchoTimes, validation.Required),
		validation.Field(&p.FieldStrength, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&p.OutputFile, validation.Required),
		validation.Field(&p.Config, validation.Required),
	); err != nil {
		return err
	}
	if len(p.MagnitudePaths) != len(p.PhasePaths) {
		return fmt.Errorf("echo count mismatch: %d magnitude vs %d phase volumes",
			len(p.MagnitudePaths), len(p.PhasePaths))
	}
	if len(p.EchoTimes) != len(p.PhasePaths) {
		return fmt.Errorf("echo count mismatch: %d echo times for %d phase volumes",
			len(p.EchoTimes), len(p.PhasePaths))
	}
	return p.Config.Validate()
}

// Reconstructor runs the complete QSM pipeline for one acquisition.
type Reconstructor struct {
	params *Params

	// loaded inputs
	magnitudes *models.EchoStack
	phases     *models.EchoStack
	mask       *models.Mask

	// result is set once Process completes
	result *inversion.Result
}

// NewReconstructor creates a reconstructor for the provided parameters.
func NewReconstructor(params *Params) *Reconstructor {
	return &Reconstructor{params: params}
}

// Result returns the solver output after a successful Process run.
func (r *Reconstructor) Result() *inversion.Result {
	return r.result
}

// CostHistory returns the per-iteration (data, regularization) cost pairs of
// the last solve, nil before Process has run.
func (r *Reconstructor) CostHistory() []inversion.CostPair {
	if r.result == nil {
		return nil
	}
	return r.result.History
}

// Process runs the reconstruction pipeline end to end. Any stage failure
// aborts the run before any output file is written.
func (r *Reconstructor) Process() error {
	if err := r.params.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline parameters: %w", err)
	}
	cfg := r.params.Config

	log.Info("Step 1: Loading input volumes...")
	if err := r.loadInputs(); err != nil {
		return fmt.Errorf("failed to load inputs: %w", err)
	}
	ref := r.phases.Echoes[0]

	log.Info("Step 2: Unwrapping phase...")
	unwrapper := unwrap.New(ref.Nx, ref.Ny, ref.Nz, ref.VoxelSize)
	unwrapped, err := unwrapper.UnwrapStack(r.phases, r.mask)
	if err != nil {
		return fmt.Errorf("phase unwrapping failed: %w", err)
	}

	log.Info("Step 3: Combining echoes into a field map...")
	relField, err := fieldmap.Combine(unwrapped)
	if err != nil {
		return fmt.Errorf("field map estimation failed: %w", err)
	}
	// the inversion works on phase radians accrued at the first echo
	rdf := fieldmap.HzToRadians(
		fieldmap.RelativeToHz(relField, r.params.FieldStrength),
		r.params.EchoTimes[0])

	log.Info("Step 4: Removing the background field...")
	noise := r.noiseFromMagnitude()
	filter, err := bgremove.NewFilter(ref.Nx, ref.Ny, ref.Nz, ref.VoxelSize,
		cfg.BackgroundRemoval.Radius)
	if err != nil {
		return fmt.Errorf("background removal setup failed: %w", err)
	}
	removed, err := filter.Remove(rdf, noise, r.mask)
	if err != nil {
		return fmt.Errorf("background removal failed: %w", err)
	}

	log.Info("Step 5: Running dipole inversion...")
	opts := r.solverOptions()
	solver, err := inversion.NewSolver(opts)
	if err != nil {
		return err
	}
	mag := r.combinedMagnitude()
	res, err := solver.Solve(removed.Field, removed.Noise, mag, removed.Mask)
	if err != nil {
		return fmt.Errorf("dipole inversion failed: %w", err)
	}
	r.result = res
	log.WithFields(log.Fields{
		"iterations": res.Iterations,
		"converged":  res.Converged,
	}).Info("dipole inversion finished")

	log.Info("Step 6: Writing outputs...")
	if err := nifti.WriteVolume(r.params.OutputFile, res.Chi); err != nil {
		return fmt.Errorf("failed to write susceptibility map: %w", err)
	}
	if r.params.HistoryFile != "" {
		history := make([][2]float64, len(res.History))
		for i, pair := range res.History {
			history[i] = [2]float64{pair.Data, pair.Reg}
		}
		if err := nifti.WriteHistoryNpy(r.params.HistoryFile, history); err != nil {
			return fmt.Errorf("failed to write cost history: %w", err)
		}
	}

	return nil
}

// loadInputs reads the per-echo magnitude and phase volumes and the mask,
// checking that every volume shares the reference grid.
func (r *Reconstructor) loadInputs() error {
	p := r.params

	mags, err := nifti.ReadStack(p.MagnitudePaths, p.EchoTimes, p.FieldStrength)
	if err != nil {
		return fmt.Errorf("magnitude stack: %w", err)
	}
	phases, err := nifti.ReadStack(p.PhasePaths, p.EchoTimes, p.FieldStrength)
	if err != nil {
		return fmt.Errorf("phase stack: %w", err)
	}
	if !mags.Echoes[0].SameShape(phases.Echoes[0]) {
		return fmt.Errorf("magnitude shape %s does not match phase shape %s",
			mags.Echoes[0].ShapeString(), phases.Echoes[0].ShapeString())
	}

	maskVol, err := nifti.ReadVolume(p.MaskPath)
	if err != nil {
		return fmt.Errorf("mask: %w", err)
	}
	if !maskVol.SameShape(phases.Echoes[0]) {
		return fmt.Errorf("mask shape %s does not match echo shape %s",
			maskVol.ShapeString(), phases.Echoes[0].ShapeString())
	}

	r.magnitudes = mags
	r.phases = phases
	r.mask = models.MaskFromVolume(maskVol)

	log.WithFields(log.Fields{
		"echoes":     len(phases.Echoes),
		"shape":      phases.Echoes[0].ShapeString(),
		"maskVoxels": r.mask.Count(),
	}).Info("loaded input volumes")
	return nil
}

// combinedMagnitude collapses the per-echo magnitudes into one anatomical
// image by root-sum-of-squares across echoes.
func (r *Reconstructor) combinedMagnitude() *models.Volume {
	out := models.NewVolumeLike(r.magnitudes.Echoes[0])
	for _, echo := range r.magnitudes.Echoes {
		for i, v := range echo.Data {
			out.Data[i] += v * v
		}
	}
	for i := range out.Data {
		out.Data[i] = math.Sqrt(out.Data[i])
	}
	return out
}

// noiseFromMagnitude builds a per-voxel noise standard deviation estimate as
// the reciprocal of the combined magnitude. Voxels without signal get an
// infinite noise level, which the data weighting later zeroes out.
func (r *Reconstructor) noiseFromMagnitude() *models.Volume {
	mag := r.combinedMagnitude()
	noise := models.NewVolumeLike(mag)
	for i, v := range mag.Data {
		noise.Data[i] = 1 / v
	}
	return noise
}

// solverOptions maps the file configuration onto solver options.
func (r *Reconstructor) solverOptions() inversion.Options {
	cfg := r.params.Config
	opts := inversion.DefaultOptions()
	opts.Lambda = cfg.Inversion.Lambda
	opts.Percentage = cfg.Inversion.Percentage
	opts.DataWeighting = inversion.DataWeightMode(cfg.Inversion.DataWeightingMode)
	opts.Merit = cfg.Inversion.Merit
	opts.SMV = cfg.Inversion.SMV
	opts.SMVRadius = cfg.Inversion.SMVRadius
	opts.FieldDirection = cfg.Inversion.FieldDirection
	opts.MaxIter = cfg.Inversion.MaxIter
	opts.TolNormRatio = cfg.Inversion.TolNormRatio
	opts.CGMaxIter = cfg.Inversion.CGMaxIter
	opts.CGTol = cfg.Inversion.CGTol
	return opts
}
