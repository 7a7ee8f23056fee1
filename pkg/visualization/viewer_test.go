package visualization

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"qsmrecon/internal/models"
)

// gradientVolume builds a test volume with a gradient along each axis
func gradientVolume(nx, ny, nz int) *models.Volume {
	vol := models.NewVolume(nx, ny, nz, [3]float64{1, 1, 1})
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				vol.Data[vol.Index(x, y, z)] = float64(x)/float64(nx) +
					float64(y)/float64(ny) +
					float64(z)/float64(nz)
			}
		}
	}
	return vol
}

// TestNewViewer verifies the intensity range computed at construction
func TestNewViewer(t *testing.T) {
	vol := models.NewVolume(4, 4, 4, [3]float64{1, 1, 1})
	for i := range vol.Data {
		vol.Data[i] = -0.1
	}
	vol.Data[0] = 0.3

	viewer := NewViewer(vol)

	if viewer.vmin != -0.1 {
		t.Errorf("Expected vmin -0.1, got %f", viewer.vmin)
	}
	if viewer.vmax != 0.3 {
		t.Errorf("Expected vmax 0.3, got %f", viewer.vmax)
	}
}

// TestNewViewerSkipsNonFinite verifies NaN and Inf do not poison the range
func TestNewViewerSkipsNonFinite(t *testing.T) {
	vol := models.NewVolume(3, 3, 3, [3]float64{1, 1, 1})
	for i := range vol.Data {
		vol.Data[i] = 1
	}
	vol.Data[0] = math.NaN()
	vol.Data[1] = math.Inf(1)
	vol.Data[2] = 2

	viewer := NewViewer(vol)
	if viewer.vmin != 1 || viewer.vmax != 2 {
		t.Errorf("Expected range [1, 2], got [%f, %f]", viewer.vmin, viewer.vmax)
	}
}

// TestExtractSlice verifies slices are extracted with the right dimensions
// and normalized intensities
func TestExtractSlice(t *testing.T) {
	nx, ny, nz := 10, 8, 5

	// each z plane gets a unique value, spanning [-0.2, 0.2]
	vol := models.NewVolume(nx, ny, nz, [3]float64{1, 1, 1})
	for z := 0; z < nz; z++ {
		value := -0.2 + 0.4*float64(z)/float64(nz-1)
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				vol.Data[vol.Index(x, y, z)] = value
			}
		}
	}

	viewer := NewViewer(vol)

	for z := 0; z < nz; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != nx || bounds.Dy() != ny {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				nx, ny, bounds.Dx(), bounds.Dy())
		}

		// the min/max normalization maps the plane value to z/(nz-1)
		expected := uint16(float64(z) / float64(nz-1) * 65535)
		gray16Img, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		got := gray16Img.Gray16At(nx/2, ny/2).Y
		if math.Abs(float64(got)-float64(expected)) > 1.0 {
			t.Errorf("Expected Z slice value ~%d at center, got %d", expected, got)
		}
	}

	imgX, err := viewer.ExtractSlice("x", nx/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	boundsX := imgX.Bounds()
	if boundsX.Dx() != ny || boundsX.Dy() != nz {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d",
			ny, nz, boundsX.Dx(), boundsX.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", ny/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	boundsY := imgY.Bounds()
	if boundsY.Dx() != nx || boundsY.Dy() != nz {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d",
			nx, nz, boundsY.Dx(), boundsY.Dy())
	}

	if _, err = viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err = viewer.ExtractSlice("z", nz+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err = viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestExtractSliceUniformVolume verifies a flat volume renders as black
// instead of dividing by a zero range
func TestExtractSliceUniformVolume(t *testing.T) {
	vol := models.NewVolume(4, 4, 4, [3]float64{1, 1, 1})
	for i := range vol.Data {
		vol.Data[i] = 0.7
	}

	viewer := NewViewer(vol)
	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	gray16Img := img.(*image.Gray16)
	if got := gray16Img.Gray16At(1, 1).Y; got != 0 {
		t.Errorf("Expected zero intensity for uniform volume, got %d", got)
	}
}

// TestSaveSlice verifies that slices can be saved to disk
func TestSaveSlice(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir := t.TempDir()

	viewer := NewViewer(gradientVolume(10, 10, 5))
	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	filename := filepath.Join(tempDir, "test_slice.jpg")
	if err := viewer.SaveSlice(img, filename); err != nil {
		t.Fatalf("Failed to save slice: %v", err)
	}

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		t.Errorf("Saved file does not exist: %s", filename)
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir := t.TempDir()
	nz := 3
	viewer := NewViewer(gradientVolume(5, 5, nz))

	outputDir := filepath.Join(tempDir, "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < nz; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.jpg", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
