// Package config loads optional JSON tuning overrides for the tracking
// pipeline. Every field is a pointer so absent keys leave the compiled-in
// defaults untouched, and the same document can be used for startup
// configuration and runtime updates.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/meridian-robotics/dvio/internal/track"
)

// TuningConfig is the JSON schema of the tracking tuning file.
type TuningConfig struct {
	// Robust cost
	HuberTH               *float64 `json:"huber_th,omitempty"`
	CoarseCutoffTH        *float64 `json:"coarse_cutoff_th,omitempty"`
	OutlierTHSumComponent *float64 `json:"outlier_th_sum_component,omitempty"`

	// Affine illumination modes: <0 fixed, 0 passive, >0 optimized.
	AffineOptModeA *float64 `json:"affine_opt_mode_a,omitempty"`
	AffineOptModeB *float64 `json:"affine_opt_mode_b,omitempty"`

	// Inertial coupling
	IMUResidualWeight *float64 `json:"imu_residual_weight,omitempty"`

	// Parameter scales
	ScaleXiRot   *float64 `json:"scale_xi_rot,omitempty"`
	ScaleXiTrans *float64 `json:"scale_xi_trans,omitempty"`
	ScaleA       *float64 `json:"scale_a,omitempty"`
	ScaleB       *float64 `json:"scale_b,omitempty"`
	ScaleF       *float64 `json:"scale_f,omitempty"`
	ScaleC       *float64 `json:"scale_c,omitempty"`
	ScaleIdepth  *float64 `json:"scale_idepth,omitempty"`

	// Debug output
	RenderDisplayCoarseTrackingFull *bool `json:"render_display_coarse_tracking_full,omitempty"`
	Quiet                           *bool `json:"quiet,omitempty"`
	SaveImages                      *bool `json:"save_images,omitempty"`
}

// Load reads a tuning file. A missing file is not an error; it returns an
// empty overlay.
func Load(path string) (*TuningConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &TuningConfig{}, nil
		}
		return nil, fmt.Errorf("read tuning config: %w", err)
	}
	var tc TuningConfig
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, fmt.Errorf("parse tuning config %s: %w", path, err)
	}
	return &tc, nil
}

// Apply overlays the set fields onto a tracker config.
func (tc *TuningConfig) Apply(cfg *track.Config) {
	setF32 := func(dst *float32, src *float64) {
		if src != nil {
			*dst = float32(*src)
		}
	}
	setF64 := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	setF32(&cfg.HuberTH, tc.HuberTH)
	setF32(&cfg.CoarseCutoffTH, tc.CoarseCutoffTH)
	setF32(&cfg.OutlierTHSumComponent, tc.OutlierTHSumComponent)

	if tc.AffineOptModeA != nil {
		cfg.AffineOptModeA = track.AffineMode(*tc.AffineOptModeA)
	}
	if tc.AffineOptModeB != nil {
		cfg.AffineOptModeB = track.AffineMode(*tc.AffineOptModeB)
	}

	setF64(&cfg.IMUResidualWeight, tc.IMUResidualWeight)

	setF64(&cfg.ScaleXiRot, tc.ScaleXiRot)
	setF64(&cfg.ScaleXiTrans, tc.ScaleXiTrans)
	setF64(&cfg.ScaleA, tc.ScaleA)
	setF64(&cfg.ScaleB, tc.ScaleB)
	setF64(&cfg.ScaleF, tc.ScaleF)
	setF64(&cfg.ScaleC, tc.ScaleC)
	setF64(&cfg.ScaleIdepth, tc.ScaleIdepth)

	setBool(&cfg.RenderDisplayCoarseTrackingFull, tc.RenderDisplayCoarseTrackingFull)
	setBool(&cfg.Quiet, tc.Quiet)
	setBool(&cfg.SaveImages, tc.SaveImages)
}
