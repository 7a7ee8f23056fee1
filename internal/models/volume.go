package models

import (
	"fmt"
)

// Geometry carries the NIfTI orientation metadata of a volume. It is never
// used algorithmically but must survive unchanged onto any written output.
type Geometry struct {
	// QFormCode and SFormCode are the NIFTI_XFORM_* codes
	QFormCode int16
	SFormCode int16

	// Quaternion transform parameters (q-form)
	QuaternB, QuaternC, QuaternD float32
	QOffsetX, QOffsetY, QOffsetZ float32

	// Affine transform rows (s-form)
	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	// XYZTUnits encodes the spatial/temporal units of the source file
	XYZTUnits int8
}

// Volume is a 3D scalar field over a regular grid.
//
// Data is stored in row-major NIfTI order: x varies fastest, then y, then z,
// so voxel (x,y,z) lives at index (z*Ny+y)*Nx + x.
type Volume struct {
	// Data is the voxel data as a flat array of length Nx*Ny*Nz
	Data []float64

	// Nx, Ny, Nz are the grid dimensions in voxels
	Nx, Ny, Nz int

	// VoxelSize is the physical voxel dimensions in mm
	VoxelSize [3]float64

	// Geom is the orientation metadata preserved for output
	Geom Geometry
}

// NewVolume allocates a zero-filled volume of the given shape.
func NewVolume(nx, ny, nz int, voxelSize [3]float64) *Volume {
	return &Volume{
		Data:      make([]float64, nx*ny*nz),
		Nx:        nx,
		Ny:        ny,
		Nz:        nz,
		VoxelSize: voxelSize,
	}
}

// NewVolumeLike allocates a zero-filled volume sharing ref's shape, voxel
// size and orientation metadata.
func NewVolumeLike(ref *Volume) *Volume {
	v := NewVolume(ref.Nx, ref.Ny, ref.Nz, ref.VoxelSize)
	v.Geom = ref.Geom
	return v
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := NewVolumeLike(v)
	copy(out.Data, v.Data)
	return out
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return v.Nx * v.Ny * v.Nz
}

// Index returns the flat index of voxel (x,y,z).
func (v *Volume) Index(x, y, z int) int {
	return (z*v.Ny+y)*v.Nx + x
}

// SameShape reports whether two volumes have identical grid dimensions.
func (v *Volume) SameShape(o *Volume) bool {
	return v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz
}

// ShapeString formats the grid dimensions for error messages.
func (v *Volume) ShapeString() string {
	return fmt.Sprintf("%dx%dx%d", v.Nx, v.Ny, v.Nz)
}

// Mask is a boolean region-of-interest volume. Across pipeline stages a mask
// may only shrink, never grow.
type Mask struct {
	Data       []bool
	Nx, Ny, Nz int
}

// NewMask allocates an all-false mask of the given shape.
func NewMask(nx, ny, nz int) *Mask {
	return &Mask{
		Data: make([]bool, nx*ny*nz),
		Nx:   nx,
		Ny:   ny,
		Nz:   nz,
	}
}

// MaskFromVolume thresholds a volume at 0.5 to produce a boolean mask.
func MaskFromVolume(v *Volume) *Mask {
	m := NewMask(v.Nx, v.Ny, v.Nz)
	for i, val := range v.Data {
		m.Data[i] = val > 0.5
	}
	return m
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := NewMask(m.Nx, m.Ny, m.Nz)
	copy(out.Data, m.Data)
	return out
}

// Count returns the number of voxels inside the mask.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}

// Len returns the number of voxels in the mask grid.
func (m *Mask) Len() int {
	return m.Nx * m.Ny * m.Nz
}

// MatchesVolume reports whether the mask grid matches a volume's grid.
func (m *Mask) MatchesVolume(v *Volume) bool {
	return m.Nx == v.Nx && m.Ny == v.Ny && m.Nz == v.Nz
}

// EchoStack is an ordered multi-echo collection of volumes sharing one
// spatial grid, together with the acquisition scalars needed to convert
// phase into field units.
type EchoStack struct {
	// Echoes holds one volume per echo, in acquisition order
	Echoes []*Volume

	// EchoTimes are the echo times in seconds, strictly increasing
	EchoTimes []float64

	// FieldStrength is the main field strength in tesla
	FieldStrength float64
}

// NumEchoes returns the number of echoes in the stack.
func (s *EchoStack) NumEchoes() int {
	return len(s.Echoes)
}

// Validate checks the stack's internal consistency: matching volume shapes,
// one echo time per echo, and strictly increasing echo times.
func (s *EchoStack) Validate() error {
	if len(s.Echoes) == 0 {
		return fmt.Errorf("echo stack is empty")
	}
	if len(s.EchoTimes) != len(s.Echoes) {
		return fmt.Errorf("echo stack has %d volumes but %d echo times",
			len(s.Echoes), len(s.EchoTimes))
	}
	ref := s.Echoes[0]
	for i, e := range s.Echoes {
		if !ref.SameShape(e) {
			return fmt.Errorf("echo %d shape %s does not match echo 0 shape %s",
				i, e.ShapeString(), ref.ShapeString())
		}
	}
	for i := 1; i < len(s.EchoTimes); i++ {
		if s.EchoTimes[i] <= s.EchoTimes[i-1] {
			return fmt.Errorf("echo times must be strictly increasing, got %v", s.EchoTimes)
		}
	}
	if s.FieldStrength <= 0 {
		return fmt.Errorf("field strength must be positive, got %f tesla", s.FieldStrength)
	}
	return nil
}
