// Package bids discovers multi-echo gradient-echo inputs in a BIDS dataset:
// per-echo magnitude and phase NIfTI volumes, their sidecar acquisition
// metadata, and the region-of-interest mask from the derivatives tree.
package bids

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Dataset is the resolved input record for one acquisition.
type Dataset struct {
	// MagnitudePaths and PhasePaths hold one volume per echo, in echo order
	MagnitudePaths []string
	PhasePaths     []string

	// EchoTimes are the per-echo echo times in seconds
	EchoTimes []float64

	// FieldStrength is the main field strength in tesla
	FieldStrength float64

	// MaskPath is the region-of-interest mask volume
	MaskPath string
}

// sidecar is the subset of BIDS JSON metadata the pipeline needs.
type sidecar struct {
	EchoTime              float64 `json:"EchoTime"`
	MagneticFieldStrength float64 `json:"MagneticFieldStrength"`
}

var (
	echoRe = regexp.MustCompile(`_echo-(\d+)_`)
	partRe = regexp.MustCompile(`_part-(mag|phase)_`)
	greRe  = regexp.MustCompile(`_MEGRE\.(nii|nii\.gz|json)$`)
	maskRe = regexp.MustCompile(`_mask\.(nii|nii\.gz)$`)
)

// echoFile is one discovered per-echo volume.
type echoFile struct {
	echo int
	path string
}

// Discover walks a BIDS directory and assembles the multi-echo input record.
// Phase and magnitude series must carry the same echo count; echo times come
// from the sidecar JSON files and must cover every echo.
func Discover(root string) (*Dataset, error) {
	var mags, phases []echoFile
	echoTimes := map[int]float64{}
	fieldStrength := 0.0
	maskPath := ""

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()

		if maskRe.MatchString(name) && maskPath == "" {
			maskPath = path
			return nil
		}

		suffix := greRe.FindStringSubmatch(name)
		if suffix == nil {
			return nil
		}
		echoMatch := echoRe.FindStringSubmatch(name)
		partMatch := partRe.FindStringSubmatch(name)
		if echoMatch == nil || partMatch == nil {
			return nil
		}
		echo, convErr := strconv.Atoi(echoMatch[1])
		if convErr != nil {
			return nil
		}

		if suffix[1] == "json" {
			meta, readErr := readSidecar(path)
			if readErr != nil {
				return readErr
			}
			if meta.EchoTime > 0 {
				echoTimes[echo] = meta.EchoTime
			}
			if fieldStrength == 0 && meta.MagneticFieldStrength > 0 {
				fieldStrength = meta.MagneticFieldStrength
			}
			return nil
		}

		if partMatch[1] == "mag" {
			mags = append(mags, echoFile{echo: echo, path: path})
		} else {
			phases = append(phases, echoFile{echo: echo, path: path})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning BIDS directory %s: %w", root, err)
	}

	if len(mags) == 0 || len(phases) == 0 {
		return nil, fmt.Errorf("no multi-echo GRE series found under %s", root)
	}
	if len(mags) != len(phases) {
		return nil, fmt.Errorf("echo count mismatch: %d magnitude vs %d phase volumes",
			len(mags), len(phases))
	}
	if maskPath == "" {
		return nil, fmt.Errorf("no mask volume found under %s", root)
	}
	if fieldStrength == 0 {
		return nil, fmt.Errorf("no MagneticFieldStrength found in sidecar metadata under %s", root)
	}

	sort.Slice(mags, func(i, j int) bool { return mags[i].echo < mags[j].echo })
	sort.Slice(phases, func(i, j int) bool { return phases[i].echo < phases[j].echo })

	ds := &Dataset{
		FieldStrength: fieldStrength,
		MaskPath:      maskPath,
	}
	for i := range mags {
		if mags[i].echo != phases[i].echo {
			return nil, fmt.Errorf("echo numbering mismatch: magnitude echo %d vs phase echo %d",
				mags[i].echo, phases[i].echo)
		}
		te, ok := echoTimes[mags[i].echo]
		if !ok {
			return nil, fmt.Errorf("no EchoTime in sidecar metadata for echo %d", mags[i].echo)
		}
		ds.MagnitudePaths = append(ds.MagnitudePaths, mags[i].path)
		ds.PhasePaths = append(ds.PhasePaths, phases[i].path)
		ds.EchoTimes = append(ds.EchoTimes, te)
	}

	log.WithFields(log.Fields{
		"echoes":        len(ds.EchoTimes),
		"fieldStrength": ds.FieldStrength,
		"mask":          filepath.Base(ds.MaskPath),
	}).Info("discovered BIDS acquisition")
	return ds, nil
}

// readSidecar parses one BIDS JSON sidecar.
func readSidecar(path string) (*sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sidecar %s: %w", path, err)
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing sidecar %s: %w", path, err)
	}
	return &meta, nil
}

// StripSuffix removes the .nii/.nii.gz extension from a BIDS filename,
// useful for deriving output names.
func StripSuffix(name string) string {
	name = strings.TrimSuffix(name, ".gz")
	return strings.TrimSuffix(name, ".nii")
}
