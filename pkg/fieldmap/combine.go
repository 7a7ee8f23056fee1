// Package fieldmap converts unwrapped multi-echo phase into a single field
// map in relative field units (delta B / B0).
package fieldmap

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"qsmrecon/internal/models"
)

// GammaHz is the proton gyromagnetic ratio in Hz per tesla.
const GammaHz = 42.57747892e6

// Combine scales each echo's unwrapped phase into a relative field value,
//
//	f_e = phase_e / (2 pi * B0 * gamma * TE_e)
//
// and averages the per-echo fields. The division happens per echo before
// averaging so that echo-dependent noise amplification does not bias the
// mean. Non-finite input samples are zeroed before use.
func Combine(stack *models.EchoStack) (*models.Volume, error) {
	if err := stack.Validate(); err != nil {
		return nil, fmt.Errorf("invalid echo stack: %w", err)
	}

	out := models.NewVolumeLike(stack.Echoes[0])
	nEchoes := float64(stack.NumEchoes())
	for e, echo := range stack.Echoes {
		scale := 1.0 / (2 * math.Pi * stack.FieldStrength * GammaHz * stack.EchoTimes[e])
		for i, v := range echo.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			out.Data[i] += v * scale / nEchoes
		}
	}

	log.WithFields(log.Fields{
		"echoes":        stack.NumEchoes(),
		"fieldStrength": stack.FieldStrength,
	}).Debug("combined echoes into field map")
	return out, nil
}

// RelativeToHz converts a relative field map (delta B / B0) into Hz for a
// given main field strength in tesla: f = rel * gamma * B0.
func RelativeToHz(field *models.Volume, fieldStrength float64) *models.Volume {
	out := models.NewVolumeLike(field)
	for i, v := range field.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out.Data[i] = v * GammaHz * fieldStrength
	}
	return out
}

// HzToRadians converts a field map given in Hz into phase radians accrued at
// echo time te (seconds): phi = 2 pi * f * TE.
func HzToRadians(field *models.Volume, te float64) *models.Volume {
	out := models.NewVolumeLike(field)
	for i, v := range field.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out.Data[i] = 2 * math.Pi * v * te
	}
	return out
}
