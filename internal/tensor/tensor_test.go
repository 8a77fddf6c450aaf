package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeNumElements(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 4, Shape{4}.NumElements())
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
	assert.Equal(t, 0, Shape{3, 0, 2}.NumElements())
}

func TestShapeValidate(t *testing.T) {
	assert.NoError(t, Shape{2, 3}.Validate())
	assert.NoError(t, Shape{0}.Validate())
	assert.Error(t, Shape{2, -1}.Validate())
}

func TestShapeStrides(t *testing.T) {
	assert.Equal(t, []int{12, 4, 1}, Shape{2, 3, 4}.ComputeStrides())
	assert.Equal(t, []int{1}, Shape{5}.ComputeStrides())
	assert.Empty(t, Shape{}.ComputeStrides())
}

func TestRawFloat32RoundTrip(t *testing.T) {
	r, err := FromFloat32(Shape{2, 2}, []float32{1, -2, 3, -4})
	require.NoError(t, err)

	assert.Equal(t, []float32{1, -2, 3, -4}, r.AsFloat32())
	assert.Equal(t, 16, r.ByteSize())
}

func TestRawZeroSize(t *testing.T) {
	r, err := NewRaw(Shape{0, 4}, Float32)
	require.NoError(t, err)

	assert.Equal(t, 0, r.NumElements())
	assert.Nil(t, r.AsFloat32())
}

func TestRawWrongDTypeViewPanics(t *testing.T) {
	r, err := NewRaw(Shape{2}, Int32)
	require.NoError(t, err)

	assert.Panics(t, func() { r.AsFloat32() })
}

func TestRawStringValues(t *testing.T) {
	vals := [][]byte{[]byte("ab"), []byte("c")}
	r, err := FromStrings(Shape{2}, vals)
	require.NoError(t, err)

	assert.Equal(t, vals, r.StringData())
	assert.Panics(t, func() { r.ByteSize() })
}

func TestRawValueCountMismatch(t *testing.T) {
	_, err := FromFloat32(Shape{3}, []float32{1, 2})
	assert.Error(t, err)
}

func TestRawClone(t *testing.T) {
	r, err := FromInt32(Shape{3}, []int32{1, 2, 3})
	require.NoError(t, err)

	c := r.Clone()
	c.AsInt32()[0] = 9
	assert.Equal(t, int32(1), r.AsInt32()[0])
}
