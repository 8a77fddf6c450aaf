// Copyright 2026 Lumen ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor is the public surface of Lumen's host tensor types: dense
// row-major buffers with shape and runtime dtype information, the currency
// for moving values in and out of the GPU engine.
//
// Example:
//
//	import (
//	    "github.com/lumen-ml/lumen/tensor"
//	    "github.com/lumen-ml/lumen/backend/webgpu"
//	)
//
//	func main() {
//	    gpu, err := webgpu.New()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer gpu.Release()
//
//	    x, _ := tensor.FromFloat32(tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
//	    id := gpu.Write(x)
//	    defer gpu.DisposeData(id, true)
//	}
package tensor

import (
	internal "github.com/lumen-ml/lumen/internal/tensor"
)

// Shape describes tensor dimensions.
type Shape = internal.Shape

// DataType is the runtime element type of a tensor.
type DataType = internal.DataType

// Supported element types.
const (
	Float32   = internal.Float32
	Int32     = internal.Int32
	Bool      = internal.Bool
	Complex64 = internal.Complex64
	String    = internal.String
)

// RawTensor is a host-resident tensor: a dense row-major buffer plus shape
// and dtype.
type RawTensor = internal.RawTensor

// New creates a zero-filled tensor.
func New(shape Shape, dtype DataType) (*RawTensor, error) {
	return internal.NewRaw(shape, dtype)
}

// FromFloat32 creates a Float32 tensor from values.
func FromFloat32(shape Shape, values []float32) (*RawTensor, error) {
	return internal.FromFloat32(shape, values)
}

// FromInt32 creates an Int32 tensor from values.
func FromInt32(shape Shape, values []int32) (*RawTensor, error) {
	return internal.FromInt32(shape, values)
}

// FromBool creates a Bool tensor from values.
func FromBool(shape Shape, values []bool) (*RawTensor, error) {
	return internal.FromBool(shape, values)
}

// FromStrings creates a String tensor holding caller-encoded byte slices.
func FromStrings(shape Shape, values [][]byte) (*RawTensor, error) {
	return internal.FromStrings(shape, values)
}

// FromParts assembles a Complex64 tensor from real and imaginary parts.
func FromParts(shape Shape, real, imag *RawTensor) (*RawTensor, error) {
	return internal.FromParts(shape, real, imag)
}
