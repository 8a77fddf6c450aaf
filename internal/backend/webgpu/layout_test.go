package webgpu

import (
	"testing"

	"github.com/lumen-ml/lumen/internal/tensor"
)

func TestSizeToSquarish(t *testing.T) {
	tests := []struct {
		size int
		want TexShape
	}{
		{0, TexShape{1, 1}},
		{1, TexShape{1, 1}},
		{4, TexShape{2, 2}},
		{5, TexShape{2, 3}},
		{9, TexShape{3, 3}},
		{10, TexShape{3, 4}},
		{16, TexShape{4, 4}},
		{100, TexShape{10, 10}},
	}
	for _, tt := range tests {
		if got := SizeToSquarish(tt.size); got != tt.want {
			t.Errorf("SizeToSquarish(%d) = %v, want %v", tt.size, got, tt.want)
		}
	}
	// Total texels always cover the requested size.
	for size := 0; size < 300; size++ {
		s := SizeToSquarish(size)
		if s[0]*s[1] < size {
			t.Fatalf("SizeToSquarish(%d) = %v holds only %d texels", size, s, s[0]*s[1])
		}
	}
}

func TestShapeAs3D(t *testing.T) {
	tests := []struct {
		shape tensor.Shape
		want  [3]int
	}{
		{tensor.Shape{}, [3]int{1, 1, 1}},
		{tensor.Shape{7}, [3]int{1, 1, 7}},
		{tensor.Shape{3, 4}, [3]int{1, 3, 4}},
		{tensor.Shape{2, 3, 4}, [3]int{2, 3, 4}},
		{tensor.Shape{5, 2, 3, 4}, [3]int{10, 3, 4}},
	}
	for _, tt := range tests {
		if got := ShapeAs3D(tt.shape); got != tt.want {
			t.Errorf("ShapeAs3D(%v) = %v, want %v", tt.shape, got, tt.want)
		}
	}
}

func TestPhysicalShapeForPacked(t *testing.T) {
	tests := []struct {
		shape tensor.Shape
		want  TexShape
	}{
		{tensor.Shape{}, TexShape{1, 1}},
		{tensor.Shape{3}, TexShape{1, 2}},
		{tensor.Shape{4, 4}, TexShape{2, 2}},
		{tensor.Shape{5, 5}, TexShape{3, 3}},
		{tensor.Shape{2, 4, 4}, TexShape{4, 2}},
		{tensor.Shape{3, 5, 7}, TexShape{9, 4}},
	}
	for _, tt := range tests {
		if got := PhysicalShapeFor(tt.shape, true); got != tt.want {
			t.Errorf("PhysicalShapeFor(%v, packed) = %v, want %v", tt.shape, got, tt.want)
		}
	}
}

func TestPhysicalShapeForUnpackedCoversSize(t *testing.T) {
	shapes := []tensor.Shape{{}, {1}, {17}, {3, 5}, {2, 3, 4}, {1, 1, 1, 9}}
	for _, shape := range shapes {
		s := PhysicalShapeFor(shape, false)
		if s[0]*s[1] < shape.NumElements() {
			t.Errorf("PhysicalShapeFor(%v) = %v holds only %d texels for %d elements",
				shape, s, s[0]*s[1], shape.NumElements())
		}
	}
}

func TestDenseTexShape(t *testing.T) {
	// Four values per texel.
	if got := DenseTexShape(tensor.Shape{16}); got[0]*got[1] != 4 {
		t.Errorf("DenseTexShape({16}) = %v, want 4 texels", got)
	}
	if got := DenseTexShape(tensor.Shape{17}); got[0]*got[1] < 5 {
		t.Errorf("DenseTexShape({17}) = %v, want at least 5 texels", got)
	}
}

func TestIsReshapeFree(t *testing.T) {
	tests := []struct {
		a, b tensor.Shape
		want bool
	}{
		// Batch-only folding keeps the trailing tile grid intact.
		{tensor.Shape{2, 3, 4, 4}, tensor.Shape{6, 4, 4}, true},
		{tensor.Shape{6, 4, 4}, tensor.Shape{2, 3, 4, 4}, true},
		{tensor.Shape{4, 4}, tensor.Shape{1, 4, 4}, true},
		// Scalars and rank-1 rows fit inside a single tile row.
		{tensor.Shape{}, tensor.Shape{1}, true},
		{tensor.Shape{1, 4}, tensor.Shape{4}, true},
		// Changing the trailing grid moves elements across tiles.
		{tensor.Shape{4, 4}, tensor.Shape{2, 8}, false},
		{tensor.Shape{3, 4}, tensor.Shape{4, 3}, false},
		{tensor.Shape{8}, tensor.Shape{2, 4}, false},
	}
	for _, tt := range tests {
		if got := IsReshapeFree(tt.a, tt.b); got != tt.want {
			t.Errorf("IsReshapeFree(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestIsReshapeFreeZeroSize(t *testing.T) {
	if !IsReshapeFree(tensor.Shape{0, 4}, tensor.Shape{4, 0}) {
		t.Error("zero-size reshapes are always free")
	}
}
