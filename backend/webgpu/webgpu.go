// Copyright 2026 Lumen ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the GPU tensor engine: texture-backed storage,
// WGSL kernel compilation with a structural pipeline cache, and a
// render-based dispatcher computing one output texel per fragment.
//
// Example:
//
//	import (
//	    "github.com/lumen-ml/lumen/backend/webgpu"
//	    "github.com/lumen-ml/lumen/tensor"
//	)
//
//	func main() {
//	    gpu, err := webgpu.New()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer gpu.Release()
//
//	    x, _ := tensor.FromFloat32(tensor.Shape{4}, []float32{-1, 2, -3, 4})
//	    id := gpu.Write(x)
//	    defer gpu.DisposeData(id, true)
//
//	    out, _ := gpu.RunKernel(absKernel, []webgpu.DataID{id}, tensor.Float32, nil)
//	    defer gpu.DisposeData(out, true)
//	    values, _ := gpu.ReadSync(out)
//	}
package webgpu

import (
	"github.com/go-webgpu/webgpu/wgpu"

	internalwebgpu "github.com/lumen-ml/lumen/internal/backend/webgpu"
	"github.com/lumen-ml/lumen/internal/config"
	"github.com/lumen-ml/lumen/internal/logger"
)

// Backend is the GPU tensor engine.
type Backend = internalwebgpu.Backend

// DataID is an opaque handle for one tensor's backing storage.
type DataID = internalwebgpu.DataID

// Program describes one compute kernel.
type Program = internalwebgpu.Program

// UniformDecl declares a custom per-dispatch uniform on a Program.
type UniformDecl = internalwebgpu.UniformDecl

// UniformValue carries one custom uniform's per-dispatch value.
type UniformValue = internalwebgpu.UniformValue

// PackScheme identifies a texture's texel layout.
type PackScheme = internalwebgpu.PackScheme

// Texel layouts.
const (
	SchemeUnpacked = internalwebgpu.SchemeUnpacked
	SchemePacked   = internalwebgpu.SchemePacked
	SchemeDense    = internalwebgpu.SchemeDense
)

// TexShape is a physical texture shape in texel units.
type TexShape = internalwebgpu.TexShape

// MemoryInfo summarizes GPU memory accounting.
type MemoryInfo = internalwebgpu.MemoryInfo

// TimingInfo is the result of timing a block of kernel work.
type TimingInfo = internalwebgpu.TimingInfo

// KernelTiming is one dispatch's share of a timed block.
type KernelTiming = internalwebgpu.KernelTiming

// ReadResult is the outcome of one asynchronous read.
type ReadResult = internalwebgpu.ReadResult

// Flags is the engine behavior registry.
type Flags = config.Flags

// DefaultFlags returns the flag registry with production defaults.
func DefaultFlags() *Flags { return config.Defaults() }

// FlagsFromEnv returns defaults layered with LUMEN_CONFIG (YAML file) and
// LUMEN_FLAGS (JSON) overrides.
func FlagsFromEnv() (*Flags, error) { return config.FromEnv() }

// New acquires a device with environment-derived flags and a default
// structured logger. Call Release when done to free GPU resources.
func New() (*Backend, error) {
	flags, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return internalwebgpu.New(flags, logger.Default())
}

// NewWithFlags acquires a device with explicit flags.
func NewWithFlags(flags *Flags) (*Backend, error) {
	return internalwebgpu.New(flags, logger.Default())
}

// IsAvailable reports whether a WebGPU device can be acquired on this
// system. Useful for skipping GPU paths on machines without drivers.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}

// ListAdapters returns information about the available GPU adapters.
func ListAdapters() ([]*wgpu.AdapterInfoGo, error) {
	return internalwebgpu.ListAdapters()
}
