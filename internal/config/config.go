// Package config holds the runtime flag registry the engine consults to
// select behavior: packing, shape uniforms, lazy unpacking, size thresholds,
// synchronization strategy, and debug checks. The engine treats the registry
// as read-only configuration; it never validates or mutates flag values.
package config

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by FromEnv.
const (
	// EnvFlags holds a JSON object of flag overrides.
	EnvFlags = "LUMEN_FLAGS"
	// EnvConfigFile holds a path to a YAML flag file.
	EnvConfigFile = "LUMEN_CONFIG"
)

// FenceStrategy selects how the engine detects GPU completion.
type FenceStrategy string

// Fence strategies, in degradation order.
const (
	// FenceAuto picks the best strategy the device supports.
	FenceAuto FenceStrategy = "auto"
	// FenceSubmission polls the device for drained submissions. The
	// native layer reports completion at queue granularity, so this
	// behaves like FenceQueueProxy and is kept as an accepted spelling.
	FenceSubmission FenceStrategy = "submission"
	// FenceQueueProxy polls for an empty queue as a completion proxy.
	FenceQueueProxy FenceStrategy = "queue-proxy"
	// FenceNone reports completion immediately; the first read may stall.
	FenceNone FenceStrategy = "none"
)

// Flags is the capability/behavior registry. All fields have working
// defaults; see Defaults.
type Flags struct {
	// PackEnabled selects the 2x2 four-channel texture layout for kernels
	// that support it. When false every texture is dense single-channel.
	PackEnabled bool `json:"pack_enabled" yaml:"pack_enabled"`

	// ShapeUniforms passes shapes as uniforms instead of baking them into
	// shader source, trading a larger one-time compile for fewer
	// per-shape recompilations.
	ShapeUniforms bool `json:"shape_uniforms" yaml:"shape_uniforms"`

	// LazyUnpack leaves packed kernel outputs packed until a consumer
	// needs them unpacked. When false, packed outputs are eagerly
	// unpacked after each dispatch.
	LazyUnpack bool `json:"lazy_unpack" yaml:"lazy_unpack"`

	// CPUHandoffSizeThreshold is the element count at or below which a
	// kernel with host-resident inputs and a host fallback runs on the
	// CPU instead of dispatching to the GPU. Empirically tuned; treat as
	// a tunable, not an architectural constant.
	CPUHandoffSizeThreshold int `json:"cpu_handoff_size_threshold" yaml:"cpu_handoff_size_threshold"`

	// UniformUploadSizeThreshold is the element count at or below which a
	// non-resident input is passed as a uniform array instead of being
	// uploaded to a texture.
	UniformUploadSizeThreshold int `json:"uniform_upload_size_threshold" yaml:"uniform_upload_size_threshold"`

	// FlushThresholdMs bounds driver-side command accumulation: when more
	// than this many milliseconds of dispatches pass without a flush, the
	// engine forces one. Zero disables periodic flushing.
	FlushThresholdMs int `json:"flush_threshold_ms" yaml:"flush_threshold_ms"`

	// MaxBatchSize caps queued command buffers before an auto-flush.
	// Zero means no limit.
	MaxBatchSize int `json:"max_batch_size" yaml:"max_batch_size"`

	// Fence overrides the completion-detection strategy.
	Fence FenceStrategy `json:"fence" yaml:"fence"`

	// TimerVersion selects the timer-query interface generation.
	// 0 disables timer queries.
	TimerVersion int `json:"timer_version" yaml:"timer_version"`

	// Float32Render asserts the device renders float32 targets at full
	// precision. When false the engine assumes half precision and the
	// debug representability check tightens accordingly.
	Float32Render bool `json:"float32_render" yaml:"float32_render"`

	// Debug enables numerical sanity checks on written values. Values not
	// representable at the active float precision become hard errors.
	Debug bool `json:"debug" yaml:"debug"`
}

// Defaults returns the flag registry with production defaults.
func Defaults() *Flags {
	return &Flags{
		PackEnabled:                true,
		ShapeUniforms:              true,
		LazyUnpack:                 true,
		CPUHandoffSizeThreshold:    128,
		UniformUploadSizeThreshold: 256,
		FlushThresholdMs:           1,
		MaxBatchSize:               0,
		Fence:                      FenceAuto,
		TimerVersion:               2,
		Float32Render:              true,
		Debug:                      false,
	}
}

// FromEnv returns Defaults layered with overrides from EnvConfigFile
// (YAML, applied first) and EnvFlags (JSON, applied last).
func FromEnv() (*Flags, error) {
	f := Defaults()

	if path := os.Getenv(EnvConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if raw := os.Getenv(EnvFlags); raw != "" {
		if err := json.Unmarshal([]byte(raw), f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", EnvFlags, err)
		}
	}

	return f, nil
}

// LoadFile reads a YAML flag file layered over Defaults.
func LoadFile(path string) (*Flags, error) {
	f := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}
