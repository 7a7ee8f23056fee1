// Package nifti reads and writes NIfTI-1 single-file volumes (.nii, with
// transparent gzip for .nii.gz) and NumPy .npy arrays, converting them to
// and from the pipeline's volume model.
//
// Header layout follows the official nifti1 definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"qsmrecon/internal/models"
)

// ErrShapeMismatch reports that volumes expected to share one grid do not.
var ErrShapeMismatch = errors.New("nifti: volume shapes do not match")

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

const (
	headerSize    = 348
	dataOffset    = 352
	magicSingle   = "n+1\x00"
	spatialDimMax = 7
)

// Header is the 348-byte NIfTI-1 header.
//
// Type translation from the nifti1 C header:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  int8
type Header struct {
	SizeOfHdr          int32
	UnusedDataType     [10]int8
	UnusedDbName       [18]int8
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      int8
	DimInfo            int8

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     int8
	XYZTUnits     int8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	UnusedGlmax   int32
	UnusedGlmin   int32

	Descrip [80]int8
	AuxFile [24]int8

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]int8

	Magic [4]int8
}

// ReadVolume loads a 3D volume from a .nii, .nii.gz or .npy file.
func ReadVolume(path string) (*models.Volume, error) {
	if strings.HasSuffix(path, ".npy") {
		return readNpy(path)
	}

	raw, err := readAll(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	hdr, order, err := parseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing header of %s: %w", path, err)
	}

	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("%s: non-positive grid dimensions %dx%dx%d", path, nx, ny, nz)
	}
	if hdr.Dim[0] > 3 && hdr.Dim[4] > 1 {
		return nil, fmt.Errorf("%s: expected a 3D volume, got %d timepoints", path, hdr.Dim[4])
	}

	offset := int(hdr.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	nVox := nx * ny * nz
	data, err := decodeVoxels(raw[offset:], hdr, order, nVox)
	if err != nil {
		return nil, fmt.Errorf("decoding voxels of %s: %w", path, err)
	}

	// apply the affine intensity scaling; a zero slope means none stored
	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	vol := &models.Volume{
		Data: data,
		Nx:   nx,
		Ny:   ny,
		Nz:   nz,
		VoxelSize: [3]float64{
			float64(hdr.PixDim[1]),
			float64(hdr.PixDim[2]),
			float64(hdr.PixDim[3]),
		},
		Geom: models.Geometry{
			QFormCode: hdr.QFormCode,
			SFormCode: hdr.SFormCode,
			QuaternB:  hdr.QuaternB,
			QuaternC:  hdr.QuaternC,
			QuaternD:  hdr.QuaternD,
			QOffsetX:  hdr.QOffsetX,
			QOffsetY:  hdr.QOffsetY,
			QOffsetZ:  hdr.QOffsetZ,
			SRowX:     hdr.SRowX,
			SRowY:     hdr.SRowY,
			SRowZ:     hdr.SRowZ,
			XYZTUnits: hdr.XYZTUnits,
		},
	}

	log.WithFields(log.Fields{
		"path":  path,
		"shape": vol.ShapeString(),
		"dtype": hdr.DataType,
	}).Debug("read volume")
	return vol, nil
}

// ReadStack loads one volume per echo into an echo stack, enforcing that all
// echoes share the first echo's grid, and validates the assembled stack.
func ReadStack(paths []string, echoTimes []float64, fieldStrength float64) (*models.EchoStack, error) {
	if len(paths) != len(echoTimes) {
		return nil, fmt.Errorf("%d volumes but %d echo times", len(paths), len(echoTimes))
	}

	stack := &models.EchoStack{
		EchoTimes:     echoTimes,
		FieldStrength: fieldStrength,
	}
	for e, path := range paths {
		vol, err := ReadVolume(path)
		if err != nil {
			return nil, fmt.Errorf("echo %d: %w", e+1, err)
		}
		if e > 0 && !vol.SameShape(stack.Echoes[0]) {
			return nil, fmt.Errorf("echo %d shape %s vs echo 1 shape %s: %w",
				e+1, vol.ShapeString(), stack.Echoes[0].ShapeString(), ErrShapeMismatch)
		}
		stack.Echoes = append(stack.Echoes, vol)
	}
	if err := stack.Validate(); err != nil {
		return nil, err
	}
	return stack, nil
}

// WriteVolume stores a volume as a single-file NIfTI-1 image (float32 data),
// preserving the voxel geometry and orientation metadata of the source.
// A .gz suffix enables gzip compression.
func WriteVolume(path string, vol *models.Volume) error {
	hdr := Header{
		SizeOfHdr: headerSize,
		Dim:       [8]int16{3, int16(vol.Nx), int16(vol.Ny), int16(vol.Nz), 1, 1, 1, 1},
		DataType:  dtFloat32,
		BitPix:    32,
		PixDim: [8]float32{1,
			float32(vol.VoxelSize[0]),
			float32(vol.VoxelSize[1]),
			float32(vol.VoxelSize[2]), 1, 1, 1, 1},
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: vol.Geom.XYZTUnits,
		QFormCode: vol.Geom.QFormCode,
		SFormCode: vol.Geom.SFormCode,
		QuaternB:  vol.Geom.QuaternB,
		QuaternC:  vol.Geom.QuaternC,
		QuaternD:  vol.Geom.QuaternD,
		QOffsetX:  vol.Geom.QOffsetX,
		QOffsetY:  vol.Geom.QOffsetY,
		QOffsetZ:  vol.Geom.QOffsetZ,
		SRowX:     vol.Geom.SRowX,
		SRowY:     vol.Geom.SRowY,
		SRowZ:     vol.Geom.SRowZ,
	}
	for i, c := range magicSingle {
		hdr.Magic[i] = int8(c)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	// four zero bytes: no header extensions
	buf.Write([]byte{0, 0, 0, 0})
	voxels := make([]float32, len(vol.Data))
	for i, v := range vol.Data {
		voxels[i] = float32(v)
	}
	if err := binary.Write(&buf, binary.LittleEndian, voxels); err != nil {
		return fmt.Errorf("encoding voxels: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("finalizing %s: %w", path, err)
		}
	}

	log.WithFields(log.Fields{
		"path":  path,
		"shape": vol.ShapeString(),
	}).Info("wrote volume")
	return nil
}

// readAll slurps a file, transparently decompressing .gz.
func readAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// parseHeader decodes the header, inferring the file's byte order from the
// valid range of dim[0].
func parseHeader(raw []byte) (Header, binary.ByteOrder, error) {
	if len(raw) < headerSize {
		return Header{}, nil, fmt.Errorf("file shorter than the %d-byte header", headerSize)
	}

	var hdr Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return Header{}, nil, err
	}
	if hdr.Dim[0] <= 0 || hdr.Dim[0] > spatialDimMax {
		hdr = Header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
			return Header{}, nil, err
		}
	}
	if hdr.Dim[0] <= 0 || hdr.Dim[0] > spatialDimMax {
		return Header{}, nil, fmt.Errorf("cannot infer byte order: dim[0] not in [1,%d]", spatialDimMax)
	}
	if hdr.SizeOfHdr != headerSize {
		return Header{}, nil, fmt.Errorf("invalid header size %d", hdr.SizeOfHdr)
	}
	magic := string([]byte{byte(hdr.Magic[0]), byte(hdr.Magic[1]), byte(hdr.Magic[2]), byte(hdr.Magic[3])})
	if magic != magicSingle {
		return Header{}, nil, fmt.Errorf("invalid magic %q: header and data must share one file", magic)
	}
	return hdr, order, nil
}

// decodeVoxels converts the on-disk voxel bytes to float64.
func decodeVoxels(raw []byte, hdr Header, order binary.ByteOrder, nVox int) ([]float64, error) {
	need := nVox * int(hdr.BitPix) / 8
	if len(raw) < need {
		return nil, fmt.Errorf("voxel data truncated: have %d bytes, need %d", len(raw), need)
	}

	out := make([]float64, nVox)
	r := bytes.NewReader(raw[:need])
	switch hdr.DataType {
	case dtUint8:
		buf := make([]uint8, nVox)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtInt16:
		buf := make([]int16, nVox)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtInt32:
		buf := make([]int32, nVox)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtFloat32:
		buf := make([]float32, nVox)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case dtFloat64:
		if err := binary.Read(r, order, out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported datatype code %d", hdr.DataType)
	}
	return out, nil
}
