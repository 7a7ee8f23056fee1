// Package visualization exports grayscale slice images from reconstructed
// volumes for quick quality-control review.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"qsmrecon/internal/models"
)

// Viewer extracts 2D slices from a 3D volume and writes them as JPEG images.
// Susceptibility values are signed, so intensities are normalized to the
// volume's min/max range before quantization.
type Viewer struct {
	vol *models.Volume

	// vmin and vmax span the volume's intensity range
	vmin float64
	vmax float64
}

// NewViewer creates a viewer over a volume, computing its intensity range.
func NewViewer(vol *models.Volume) *Viewer {
	vmin := math.Inf(1)
	vmax := math.Inf(-1)
	for _, v := range vol.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		vmin = math.Min(vmin, v)
		vmax = math.Max(vmax, v)
	}
	if vmin > vmax {
		vmin, vmax = 0, 0
	}
	return &Viewer{vol: vol, vmin: vmin, vmax: vmax}
}

// gray maps a voxel intensity to a 16-bit gray level.
func (v *Viewer) gray(val float64) color.Gray16 {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return color.Gray16{}
	}
	span := v.vmax - v.vmin
	if span == 0 {
		return color.Gray16{}
	}
	norm := (val - v.vmin) / span
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, norm*65535)))}
}

// ExtractSlice extracts a 2D slice orthogonal to the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	vol := v.vol
	var img *image.Gray16

	switch axis {
	case "x", "X":
		if position >= vol.Nx {
			return nil, fmt.Errorf("position %d exceeds x extent %d", position, vol.Nx)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Ny, vol.Nz))
		for z := 0; z < vol.Nz; z++ {
			for y := 0; y < vol.Ny; y++ {
				img.SetGray16(y, z, v.gray(vol.Data[vol.Index(position, y, z)]))
			}
		}

	case "y", "Y":
		if position >= vol.Ny {
			return nil, fmt.Errorf("position %d exceeds y extent %d", position, vol.Ny)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Nx, vol.Nz))
		for z := 0; z < vol.Nz; z++ {
			for x := 0; x < vol.Nx; x++ {
				img.SetGray16(x, z, v.gray(vol.Data[vol.Index(x, position, z)]))
			}
		}

	case "z", "Z":
		if position >= vol.Nz {
			return nil, fmt.Errorf("position %d exceeds z extent %d", position, vol.Nz)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Nx, vol.Ny))
		for y := 0; y < vol.Ny; y++ {
			for x := 0; x < vol.Nx; x++ {
				img.SetGray16(x, y, v.gray(vol.Data[vol.Index(x, y, position)]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Nx
	case "y", "Y":
		maxPos = v.vol.Ny
	case "z", "Z":
		maxPos = v.vol.Nz
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
