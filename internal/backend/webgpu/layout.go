// Package webgpu implements the texture-backed WebGPU compute engine for
// Lumen tensors: a data store mapping opaque handles to host buffers or GPU
// textures, a kernel compiler with a structural pipeline cache, and a
// dispatcher that renders a full-screen quad to compute every output texel.
package webgpu

import (
	"math"

	"github.com/lumen-ml/lumen/internal/tensor"
)

// Texture layout planning: pure shape arithmetic deciding how a logical
// tensor maps onto a physical 2-D texture.
//
// Unpacked textures store one scalar per texel (single channel used).
// Packed textures store a 2x2 tile of logical elements per texel, one per
// color channel, so each texel axis covers two logical elements.
//
// Physical texture shapes are expressed in texel units everywhere,
// including dense shapes.

// TexShape is a physical texture shape: [rows, cols] in texels.
type TexShape [2]int

// SizeToSquarish returns a roughly square [rows, cols] covering size slots.
func SizeToSquarish(size int) TexShape {
	if size <= 0 {
		return TexShape{1, 1}
	}
	cols := int(math.Ceil(math.Sqrt(float64(size))))
	rows := ceilDiv(size, cols)
	return TexShape{rows, cols}
}

// ShapeAs3D collapses arbitrary rank into the canonical [batch, rows, cols]
// view used by kernel coordinate helpers. Rank 0-2 are one-padded on the
// left; rank >= 3 folds all but the last two dims into batch.
func ShapeAs3D(shape tensor.Shape) [3]int {
	switch len(shape) {
	case 0:
		return [3]int{1, 1, 1}
	case 1:
		return [3]int{1, 1, shape[0]}
	case 2:
		return [3]int{1, shape[0], shape[1]}
	default:
		batch := 1
		for _, d := range shape[:len(shape)-2] {
			batch *= d
		}
		return [3]int{batch, shape[len(shape)-2], shape[len(shape)-1]}
	}
}

// PhysicalShapeFor computes the physical texture shape for a logical shape
// under the given packing mode.
func PhysicalShapeFor(shape tensor.Shape, packed bool) TexShape {
	if !packed {
		return SizeToSquarish(shape.NumElements())
	}
	s3 := ShapeAs3D(shape)
	rows := s3[0] * ceilDiv(s3[1], 2)
	cols := ceilDiv(s3[2], 2)
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}
	return TexShape{rows, cols}
}

// DenseTexShape returns a layout guaranteeing exactly four contiguous
// logical values per texel regardless of packing mode.
func DenseTexShape(shape tensor.Shape) TexShape {
	return SizeToSquarish(ceilDiv(shape.NumElements(), 4))
}

// IsReshapeFree reports whether the packed physical layout is insensitive
// to a logical reshape from shape1 to shape2, so no repacking kernel is
// required. The decision only depends on the trailing two dimensions.
func IsReshapeFree(shape1, shape2 tensor.Shape) bool {
	s1 := trailing2(shape1)
	s2 := trailing2(shape2)
	if intsEqual(s1, s2) {
		return true
	}
	if len(s1) == 0 || len(s2) == 0 {
		// One is a scalar.
		return true
	}
	if hasZero(s1) || hasZero(s2) {
		return true
	}
	if len(s1) != len(s2) {
		// One is effectively a vector.
		c1 := s1[len(s1)-1]
		c2 := s2[len(s2)-1]
		if c1 == c2 {
			return true
		}
		if isEven(c1) && isEven(c2) && (s1[0] == 1 || s2[0] == 1) {
			return true
		}
		return false
	}
	return s1[1] == s2[1] && isEven(s1[0]) && isEven(s2[0])
}

func trailing2(shape tensor.Shape) []int {
	if len(shape) <= 2 {
		return shape
	}
	return shape[len(shape)-2:]
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasZero(s []int) bool {
	for _, d := range s {
		if d == 0 {
			return true
		}
	}
	return false
}

func isEven(n int) bool { return n%2 == 0 }

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
