package nifti

import (
	"fmt"

	"github.com/kshedden/gonpy"

	"qsmrecon/internal/models"
)

// readNpy loads a 3D NumPy array as a volume. C-ordered arrays are taken as
// (nz, ny, nx) and Fortran-ordered as (nx, ny, nz); either way the flat
// layout keeps x varying fastest, matching the NIfTI convention. The voxel
// size defaults to 1 mm isotropic since .npy carries no geometry.
func readNpy(path string) (*models.Volume, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if len(r.Shape) != 3 {
		return nil, fmt.Errorf("%s: expected a 3D array, got shape %v", path, r.Shape)
	}

	var data []float64
	switch r.Dtype {
	case "f8":
		data, err = r.GetFloat64()
	case "f4":
		var f32 []float32
		f32, err = r.GetFloat32()
		if err == nil {
			data = make([]float64, len(f32))
			for i, v := range f32 {
				data[i] = float64(v)
			}
		}
	default:
		return nil, fmt.Errorf("%s: unsupported npy dtype %s", path, r.Dtype)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	nx, ny, nz := r.Shape[2], r.Shape[1], r.Shape[0]
	if r.ColumnMajor {
		nx, ny, nz = r.Shape[0], r.Shape[1], r.Shape[2]
	}
	return &models.Volume{
		Data:      data,
		Nx:        nx,
		Ny:        ny,
		Nz:        nz,
		VoxelSize: [3]float64{1, 1, 1},
	}, nil
}

// WriteHistoryNpy stores per-iteration cost pairs as an (n, 2) float64 .npy
// array for external diagnostics tooling.
func WriteHistoryNpy(path string, history [][2]float64) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w.Shape = []int{len(history), 2}
	flat := make([]float64, 0, len(history)*2)
	for _, pair := range history {
		flat = append(flat, pair[0], pair[1])
	}
	if err := w.WriteFloat64(flat); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
