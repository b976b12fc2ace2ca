package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/posture/params endpoint so the same JSON
// can be used for both startup configuration and runtime updates. All
// fields are pointers: a nil field means "use the built-in default", and
// a partial JSON patch only replaces the fields it names.
type TuningConfig struct {
	// Guardrail params (reliability gating)
	YawEnterDegrees          *float64 `json:"yaw_enter_degrees,omitempty"`
	YawExitDegrees           *float64 `json:"yaw_exit_degrees,omitempty"`
	YawEnterSeconds          *float64 `json:"yaw_enter_seconds,omitempty"`
	YawExitSeconds           *float64 `json:"yaw_exit_seconds,omitempty"`
	RollEnterDegrees         *float64 `json:"roll_enter_degrees,omitempty"`
	RollExitDegrees          *float64 `json:"roll_exit_degrees,omitempty"`
	RollEnterSeconds         *float64 `json:"roll_enter_seconds,omitempty"`
	RollExitSeconds          *float64 `json:"roll_exit_seconds,omitempty"`
	MinFaceConfidence        *float64 `json:"min_face_confidence,omitempty"`
	MinPoseConfidence        *float64 `json:"min_pose_confidence,omitempty"`
	ConfidenceEnterSeconds   *float64 `json:"confidence_enter_seconds,omitempty"`
	ConfidenceExitSeconds    *float64 `json:"confidence_exit_seconds,omitempty"`
	MinIllumination          *float64 `json:"min_illumination,omitempty"`
	IlluminationEnterSeconds *float64 `json:"illumination_enter_seconds,omitempty"`
	IlluminationExitSeconds  *float64 `json:"illumination_exit_seconds,omitempty"`

	// Risk engine params
	PitchThresholdDegrees  *float64 `json:"pitch_threshold_degrees,omitempty"`
	EHDThreshold           *float64 `json:"ehd_threshold,omitempty"`
	DPRDeltaThreshold      *float64 `json:"dpr_delta_threshold,omitempty"`
	RecoveryHysteresisPct  *float64 `json:"recovery_hysteresis_pct,omitempty"`
	TriggerSeconds         *float64 `json:"trigger_seconds,omitempty"`
	RecoverySeconds        *float64 `json:"recovery_seconds,omitempty"`
	MaxTickStepSeconds     *float64 `json:"max_tick_step_seconds,omitempty"`
	DegeneratePitchDegrees *float64 `json:"degenerate_pitch_degrees,omitempty"`

	// Metric conditioning params
	SmoothingAlpha *float64 `json:"smoothing_alpha,omitempty"`

	// Adaptive sampling params
	IdleFPS      *float64 `json:"idle_fps,omitempty"`
	CalmFPSRatio *float64 `json:"calm_fps_ratio,omitempty"`
	FPSEpsilon   *float64 `json:"fps_epsilon,omitempty"`

	// CPU budget params
	CPUSampleInterval         *string  `json:"cpu_sample_interval,omitempty"` // duration string like "5s"
	CPUBudgetPct              *float64 `json:"cpu_budget_pct,omitempty"`
	CPURecoveryPct            *float64 `json:"cpu_recovery_pct,omitempty"`
	CPURecoverySustainSeconds *float64 `json:"cpu_recovery_sustain_seconds,omitempty"`
	CPUCooldownSeconds        *float64 `json:"cpu_cooldown_seconds,omitempty"`
	CPUOverBudgetSamples      *int     `json:"cpu_over_budget_samples,omitempty"`

	// Dispatch params
	WorkerTimeout *string `json:"worker_timeout,omitempty"` // duration string like "200ms"

	// Governor params
	MinFrameInterval *string `json:"min_frame_interval,omitempty"` // duration string like "5ms"
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// The Get* methods provide built-in defaults for nil fields.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/posture/<pkg>/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Merge returns a new TuningConfig where every non-nil field of patch
// replaces the corresponding field of c. Neither receiver nor patch is
// mutated: the result is a wholesale replacement candidate, which callers
// validate before swapping in. Runtime overrides are never applied
// field-by-field to a config a concurrent evaluation may be reading.
func (c *TuningConfig) Merge(patch *TuningConfig) *TuningConfig {
	out := *c
	if patch == nil {
		return &out
	}

	mergeFloat := func(dst **float64, src *float64) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}
	mergeString := func(dst **string, src *string) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}

	mergeFloat(&out.YawEnterDegrees, patch.YawEnterDegrees)
	mergeFloat(&out.YawExitDegrees, patch.YawExitDegrees)
	mergeFloat(&out.YawEnterSeconds, patch.YawEnterSeconds)
	mergeFloat(&out.YawExitSeconds, patch.YawExitSeconds)
	mergeFloat(&out.RollEnterDegrees, patch.RollEnterDegrees)
	mergeFloat(&out.RollExitDegrees, patch.RollExitDegrees)
	mergeFloat(&out.RollEnterSeconds, patch.RollEnterSeconds)
	mergeFloat(&out.RollExitSeconds, patch.RollExitSeconds)
	mergeFloat(&out.MinFaceConfidence, patch.MinFaceConfidence)
	mergeFloat(&out.MinPoseConfidence, patch.MinPoseConfidence)
	mergeFloat(&out.ConfidenceEnterSeconds, patch.ConfidenceEnterSeconds)
	mergeFloat(&out.ConfidenceExitSeconds, patch.ConfidenceExitSeconds)
	mergeFloat(&out.MinIllumination, patch.MinIllumination)
	mergeFloat(&out.IlluminationEnterSeconds, patch.IlluminationEnterSeconds)
	mergeFloat(&out.IlluminationExitSeconds, patch.IlluminationExitSeconds)

	mergeFloat(&out.PitchThresholdDegrees, patch.PitchThresholdDegrees)
	mergeFloat(&out.EHDThreshold, patch.EHDThreshold)
	mergeFloat(&out.DPRDeltaThreshold, patch.DPRDeltaThreshold)
	mergeFloat(&out.RecoveryHysteresisPct, patch.RecoveryHysteresisPct)
	mergeFloat(&out.TriggerSeconds, patch.TriggerSeconds)
	mergeFloat(&out.RecoverySeconds, patch.RecoverySeconds)
	mergeFloat(&out.MaxTickStepSeconds, patch.MaxTickStepSeconds)
	mergeFloat(&out.DegeneratePitchDegrees, patch.DegeneratePitchDegrees)

	mergeFloat(&out.SmoothingAlpha, patch.SmoothingAlpha)

	mergeFloat(&out.IdleFPS, patch.IdleFPS)
	mergeFloat(&out.CalmFPSRatio, patch.CalmFPSRatio)
	mergeFloat(&out.FPSEpsilon, patch.FPSEpsilon)

	mergeString(&out.CPUSampleInterval, patch.CPUSampleInterval)
	mergeFloat(&out.CPUBudgetPct, patch.CPUBudgetPct)
	mergeFloat(&out.CPURecoveryPct, patch.CPURecoveryPct)
	mergeFloat(&out.CPURecoverySustainSeconds, patch.CPURecoverySustainSeconds)
	mergeFloat(&out.CPUCooldownSeconds, patch.CPUCooldownSeconds)
	if patch.CPUOverBudgetSamples != nil {
		v := *patch.CPUOverBudgetSamples
		out.CPUOverBudgetSamples = &v
	}

	mergeString(&out.WorkerTimeout, patch.WorkerTimeout)
	mergeString(&out.MinFrameInterval, patch.MinFrameInterval)

	return &out
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	checkDegrees := func(name string, v *float64) error {
		if v != nil && (*v <= 0 || *v > 180 || math.IsNaN(*v)) {
			return fmt.Errorf("%s must be in (0, 180], got %f", name, *v)
		}
		return nil
	}
	checkUnit := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 1 || math.IsNaN(*v)) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
		return nil
	}
	checkPositive := func(name string, v *float64) error {
		if v != nil && (*v <= 0 || math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
		return nil
	}
	checkDuration := func(name string, v *string) error {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
		return nil
	}

	checks := []error{
		checkDegrees("yaw_enter_degrees", c.YawEnterDegrees),
		checkDegrees("yaw_exit_degrees", c.YawExitDegrees),
		checkPositive("yaw_enter_seconds", c.YawEnterSeconds),
		checkPositive("yaw_exit_seconds", c.YawExitSeconds),
		checkDegrees("roll_enter_degrees", c.RollEnterDegrees),
		checkDegrees("roll_exit_degrees", c.RollExitDegrees),
		checkPositive("roll_enter_seconds", c.RollEnterSeconds),
		checkPositive("roll_exit_seconds", c.RollExitSeconds),
		checkUnit("min_face_confidence", c.MinFaceConfidence),
		checkUnit("min_pose_confidence", c.MinPoseConfidence),
		checkPositive("confidence_enter_seconds", c.ConfidenceEnterSeconds),
		checkPositive("confidence_exit_seconds", c.ConfidenceExitSeconds),
		checkUnit("min_illumination", c.MinIllumination),
		checkPositive("illumination_enter_seconds", c.IlluminationEnterSeconds),
		checkPositive("illumination_exit_seconds", c.IlluminationExitSeconds),
		checkDegrees("pitch_threshold_degrees", c.PitchThresholdDegrees),
		checkPositive("ehd_threshold", c.EHDThreshold),
		checkPositive("dpr_delta_threshold", c.DPRDeltaThreshold),
		checkUnit("recovery_hysteresis_pct", c.RecoveryHysteresisPct),
		checkPositive("trigger_seconds", c.TriggerSeconds),
		checkPositive("recovery_seconds", c.RecoverySeconds),
		checkPositive("max_tick_step_seconds", c.MaxTickStepSeconds),
		checkDegrees("degenerate_pitch_degrees", c.DegeneratePitchDegrees),
		checkUnit("smoothing_alpha", c.SmoothingAlpha),
		checkPositive("idle_fps", c.IdleFPS),
		checkUnit("calm_fps_ratio", c.CalmFPSRatio),
		checkPositive("fps_epsilon", c.FPSEpsilon),
		checkDuration("cpu_sample_interval", c.CPUSampleInterval),
		checkPositive("cpu_budget_pct", c.CPUBudgetPct),
		checkPositive("cpu_recovery_pct", c.CPURecoveryPct),
		checkPositive("cpu_recovery_sustain_seconds", c.CPURecoverySustainSeconds),
		checkPositive("cpu_cooldown_seconds", c.CPUCooldownSeconds),
		checkDuration("worker_timeout", c.WorkerTimeout),
		checkDuration("min_frame_interval", c.MinFrameInterval),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	if c.SmoothingAlpha != nil && *c.SmoothingAlpha == 0 {
		return fmt.Errorf("smoothing_alpha must be greater than 0")
	}
	if c.CPUOverBudgetSamples != nil && *c.CPUOverBudgetSamples < 1 {
		return fmt.Errorf("cpu_over_budget_samples must be at least 1, got %d", *c.CPUOverBudgetSamples)
	}
	if c.CPURecoveryPct != nil && c.CPUBudgetPct != nil && *c.CPURecoveryPct >= *c.CPUBudgetPct {
		return fmt.Errorf("cpu_recovery_pct (%f) must be below cpu_budget_pct (%f)",
			*c.CPURecoveryPct, *c.CPUBudgetPct)
	}
	if c.YawExitDegrees != nil && c.YawEnterDegrees != nil && *c.YawExitDegrees > *c.YawEnterDegrees {
		return fmt.Errorf("yaw_exit_degrees (%f) must not exceed yaw_enter_degrees (%f)",
			*c.YawExitDegrees, *c.YawEnterDegrees)
	}
	if c.RollExitDegrees != nil && c.RollEnterDegrees != nil && *c.RollExitDegrees > *c.RollEnterDegrees {
		return fmt.Errorf("roll_exit_degrees (%f) must not exceed roll_enter_degrees (%f)",
			*c.RollExitDegrees, *c.RollEnterDegrees)
	}

	return nil
}

// GetYawEnterDegrees returns the yaw_enter_degrees value or the default.
func (c *TuningConfig) GetYawEnterDegrees() float64 {
	if c.YawEnterDegrees == nil {
		return 30.0
	}
	return *c.YawEnterDegrees
}

// GetYawExitDegrees returns the yaw_exit_degrees value or the default.
func (c *TuningConfig) GetYawExitDegrees() float64 {
	if c.YawExitDegrees == nil {
		return 25.0
	}
	return *c.YawExitDegrees
}

// GetYawEnterSeconds returns the yaw_enter_seconds value or the default.
func (c *TuningConfig) GetYawEnterSeconds() float64 {
	if c.YawEnterSeconds == nil {
		return 2.0
	}
	return *c.YawEnterSeconds
}

// GetYawExitSeconds returns the yaw_exit_seconds value or the default.
func (c *TuningConfig) GetYawExitSeconds() float64 {
	if c.YawExitSeconds == nil {
		return 1.0
	}
	return *c.YawExitSeconds
}

// GetRollEnterDegrees returns the roll_enter_degrees value or the default.
func (c *TuningConfig) GetRollEnterDegrees() float64 {
	if c.RollEnterDegrees == nil {
		return 20.0
	}
	return *c.RollEnterDegrees
}

// GetRollExitDegrees returns the roll_exit_degrees value or the default.
func (c *TuningConfig) GetRollExitDegrees() float64 {
	if c.RollExitDegrees == nil {
		return 15.0
	}
	return *c.RollExitDegrees
}

// GetRollEnterSeconds returns the roll_enter_seconds value or the default.
func (c *TuningConfig) GetRollEnterSeconds() float64 {
	if c.RollEnterSeconds == nil {
		return 2.0
	}
	return *c.RollEnterSeconds
}

// GetRollExitSeconds returns the roll_exit_seconds value or the default.
func (c *TuningConfig) GetRollExitSeconds() float64 {
	if c.RollExitSeconds == nil {
		return 1.0
	}
	return *c.RollExitSeconds
}

// GetMinFaceConfidence returns the min_face_confidence value or the default.
func (c *TuningConfig) GetMinFaceConfidence() float64 {
	if c.MinFaceConfidence == nil {
		return 0.3
	}
	return *c.MinFaceConfidence
}

// GetMinPoseConfidence returns the min_pose_confidence value or the default.
func (c *TuningConfig) GetMinPoseConfidence() float64 {
	if c.MinPoseConfidence == nil {
		return 0.3
	}
	return *c.MinPoseConfidence
}

// GetConfidenceEnterSeconds returns the confidence_enter_seconds value or the default.
func (c *TuningConfig) GetConfidenceEnterSeconds() float64 {
	if c.ConfidenceEnterSeconds == nil {
		return 2.0
	}
	return *c.ConfidenceEnterSeconds
}

// GetConfidenceExitSeconds returns the confidence_exit_seconds value or the default.
func (c *TuningConfig) GetConfidenceExitSeconds() float64 {
	if c.ConfidenceExitSeconds == nil {
		return 1.0
	}
	return *c.ConfidenceExitSeconds
}

// GetMinIllumination returns the min_illumination value or the default.
func (c *TuningConfig) GetMinIllumination() float64 {
	if c.MinIllumination == nil {
		return 0.3
	}
	return *c.MinIllumination
}

// GetIlluminationEnterSeconds returns the illumination_enter_seconds value or the default.
func (c *TuningConfig) GetIlluminationEnterSeconds() float64 {
	if c.IlluminationEnterSeconds == nil {
		return 2.0
	}
	return *c.IlluminationEnterSeconds
}

// GetIlluminationExitSeconds returns the illumination_exit_seconds value or the default.
func (c *TuningConfig) GetIlluminationExitSeconds() float64 {
	if c.IlluminationExitSeconds == nil {
		return 1.0
	}
	return *c.IlluminationExitSeconds
}

// GetPitchThresholdDegrees returns the pitch_threshold_degrees value or the default.
func (c *TuningConfig) GetPitchThresholdDegrees() float64 {
	if c.PitchThresholdDegrees == nil {
		return 12.0
	}
	return *c.PitchThresholdDegrees
}

// GetEHDThreshold returns the ehd_threshold value or the default.
func (c *TuningConfig) GetEHDThreshold() float64 {
	if c.EHDThreshold == nil {
		return 0.18
	}
	return *c.EHDThreshold
}

// GetDPRDeltaThreshold returns the dpr_delta_threshold value or the default.
func (c *TuningConfig) GetDPRDeltaThreshold() float64 {
	if c.DPRDeltaThreshold == nil {
		return 0.12
	}
	return *c.DPRDeltaThreshold
}

// GetRecoveryHysteresisPct returns the recovery_hysteresis_pct value or the default.
func (c *TuningConfig) GetRecoveryHysteresisPct() float64 {
	if c.RecoveryHysteresisPct == nil {
		return 0.20
	}
	return *c.RecoveryHysteresisPct
}

// GetTriggerSeconds returns the trigger_seconds value or the default.
func (c *TuningConfig) GetTriggerSeconds() float64 {
	if c.TriggerSeconds == nil {
		return 60.0
	}
	return *c.TriggerSeconds
}

// GetRecoverySeconds returns the recovery_seconds value or the default.
func (c *TuningConfig) GetRecoverySeconds() float64 {
	if c.RecoverySeconds == nil {
		return 30.0
	}
	return *c.RecoverySeconds
}

// GetMaxTickStepSeconds returns the max_tick_step_seconds value or the default.
func (c *TuningConfig) GetMaxTickStepSeconds() float64 {
	if c.MaxTickStepSeconds == nil {
		return 5.0
	}
	return *c.MaxTickStepSeconds
}

// GetDegeneratePitchDegrees returns the degenerate_pitch_degrees value or the default.
func (c *TuningConfig) GetDegeneratePitchDegrees() float64 {
	if c.DegeneratePitchDegrees == nil {
		return 85.0
	}
	return *c.DegeneratePitchDegrees
}

// GetSmoothingAlpha returns the smoothing_alpha value or the default.
func (c *TuningConfig) GetSmoothingAlpha() float64 {
	if c.SmoothingAlpha == nil {
		return 0.2
	}
	return *c.SmoothingAlpha
}

// GetIdleFPS returns the idle_fps value or the default.
func (c *TuningConfig) GetIdleFPS() float64 {
	if c.IdleFPS == nil {
		return 0.5
	}
	return *c.IdleFPS
}

// GetCalmFPSRatio returns the calm_fps_ratio value or the default.
func (c *TuningConfig) GetCalmFPSRatio() float64 {
	if c.CalmFPSRatio == nil {
		return 0.5
	}
	return *c.CalmFPSRatio
}

// GetFPSEpsilon returns the fps_epsilon value or the default.
func (c *TuningConfig) GetFPSEpsilon() float64 {
	if c.FPSEpsilon == nil {
		return 0.05
	}
	return *c.FPSEpsilon
}

// GetCPUSampleInterval parses and returns the CPUSampleInterval as a time.Duration.
func (c *TuningConfig) GetCPUSampleInterval() time.Duration {
	if c.CPUSampleInterval == nil || *c.CPUSampleInterval == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.CPUSampleInterval)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// GetCPUBudgetPct returns the cpu_budget_pct value or the default.
func (c *TuningConfig) GetCPUBudgetPct() float64 {
	if c.CPUBudgetPct == nil {
		return 15.0
	}
	return *c.CPUBudgetPct
}

// GetCPURecoveryPct returns the cpu_recovery_pct value or the default.
func (c *TuningConfig) GetCPURecoveryPct() float64 {
	if c.CPURecoveryPct == nil {
		return 12.0
	}
	return *c.CPURecoveryPct
}

// GetCPURecoverySustainSeconds returns the cpu_recovery_sustain_seconds value or the default.
func (c *TuningConfig) GetCPURecoverySustainSeconds() float64 {
	if c.CPURecoverySustainSeconds == nil {
		return 20.0
	}
	return *c.CPURecoverySustainSeconds
}

// GetCPUCooldownSeconds returns the cpu_cooldown_seconds value or the default.
func (c *TuningConfig) GetCPUCooldownSeconds() float64 {
	if c.CPUCooldownSeconds == nil {
		return 60.0
	}
	return *c.CPUCooldownSeconds
}

// GetCPUOverBudgetSamples returns the cpu_over_budget_samples value or the default.
func (c *TuningConfig) GetCPUOverBudgetSamples() int {
	if c.CPUOverBudgetSamples == nil {
		return 2
	}
	return *c.CPUOverBudgetSamples
}

// GetWorkerTimeout parses and returns the WorkerTimeout as a time.Duration.
func (c *TuningConfig) GetWorkerTimeout() time.Duration {
	if c.WorkerTimeout == nil || *c.WorkerTimeout == "" {
		return 200 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.WorkerTimeout)
	if err != nil {
		return 200 * time.Millisecond // default on parse error
	}
	return d
}

// GetMinFrameInterval parses and returns the MinFrameInterval as a time.Duration.
func (c *TuningConfig) GetMinFrameInterval() time.Duration {
	if c.MinFrameInterval == nil || *c.MinFrameInterval == "" {
		return 5 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.MinFrameInterval)
	if err != nil {
		return 5 * time.Millisecond // default on parse error
	}
	return d
}
