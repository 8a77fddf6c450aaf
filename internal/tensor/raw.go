package tensor

import (
	"fmt"
	"unsafe"
)

// RawTensor is the host-resident tensor representation: a dense row-major
// byte buffer plus shape and runtime type information. It is the only
// currency for moving values across the CPU/GPU boundary.
//
// String tensors hold their caller-encoded byte slices separately; the
// engine never interprets them.
type RawTensor struct {
	data       []byte
	stringData [][]byte
	shape      Shape
	stride     []int
	dtype      DataType
}

// NewRaw creates a new RawTensor with the given shape and type.
// Memory is allocated and zero-filled. Zero-size shapes are legal and
// produce an empty buffer.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if dtype == String {
		return &RawTensor{
			stringData: make([][]byte, shape.NumElements()),
			shape:      shape.Clone(),
			stride:     shape.ComputeStrides(),
			dtype:      dtype,
		}, nil
	}

	byteSize := shape.NumElements() * dtype.Size()
	return &RawTensor{
		data:   make([]byte, byteSize),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
	}, nil
}

// FromFloat32 creates a Float32 RawTensor initialized from values.
// len(values) must equal shape.NumElements().
func FromFloat32(shape Shape, values []float32) (*RawTensor, error) {
	r, err := NewRaw(shape, Float32)
	if err != nil {
		return nil, err
	}
	if len(values) != shape.NumElements() {
		return nil, fmt.Errorf("value count %d does not match shape %v (%d elements)",
			len(values), shape, shape.NumElements())
	}
	copy(r.AsFloat32(), values)
	return r, nil
}

// FromInt32 creates an Int32 RawTensor initialized from values.
func FromInt32(shape Shape, values []int32) (*RawTensor, error) {
	r, err := NewRaw(shape, Int32)
	if err != nil {
		return nil, err
	}
	if len(values) != shape.NumElements() {
		return nil, fmt.Errorf("value count %d does not match shape %v (%d elements)",
			len(values), shape, shape.NumElements())
	}
	copy(r.AsInt32(), values)
	return r, nil
}

// FromBool creates a Bool RawTensor initialized from values.
func FromBool(shape Shape, values []bool) (*RawTensor, error) {
	r, err := NewRaw(shape, Bool)
	if err != nil {
		return nil, err
	}
	if len(values) != shape.NumElements() {
		return nil, fmt.Errorf("value count %d does not match shape %v (%d elements)",
			len(values), shape, shape.NumElements())
	}
	copy(r.AsBool(), values)
	return r, nil
}

// FromStrings creates a String RawTensor holding the caller-encoded
// byte slices verbatim.
func FromStrings(shape Shape, values [][]byte) (*RawTensor, error) {
	r, err := NewRaw(shape, String)
	if err != nil {
		return nil, err
	}
	if len(values) != shape.NumElements() {
		return nil, fmt.Errorf("value count %d does not match shape %v (%d elements)",
			len(values), shape, shape.NumElements())
	}
	copy(r.stringData, values)
	return r, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// Strides returns the tensor's memory strides.
func (r *RawTensor) Strides() []int {
	return r.stride
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
// Panics for String tensors, which have no fixed element size.
func (r *RawTensor) ByteSize() int {
	return r.NumElements() * r.dtype.Size()
}

// Data returns the raw byte slice.
// WARNING: Direct access to underlying memory. Use with caution.
func (r *RawTensor) Data() []byte {
	return r.data
}

// StringData returns the encoded byte slices of a String tensor.
// Panics if the tensor's dtype is not String.
func (r *RawTensor) StringData() [][]byte {
	if r.dtype != String {
		panic(fmt.Sprintf("tensor dtype is %s, not string", r.dtype))
	}
	return r.stringData
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", r.dtype))
	}
	if len(r.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, bounds checked by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsInt32 interprets the data as []int32.
// Panics if the tensor's dtype is not Int32.
func (r *RawTensor) AsInt32() []int32 {
	if r.dtype != Int32 {
		panic(fmt.Sprintf("tensor dtype is %s, not int32", r.dtype))
	}
	if len(r.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, bounds checked by NumElements()
	return unsafe.Slice((*int32)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsBool interprets the data as []bool.
// Panics if the tensor's dtype is not Bool.
func (r *RawTensor) AsBool() []bool {
	if r.dtype != Bool {
		panic(fmt.Sprintf("tensor dtype is %s, not bool", r.dtype))
	}
	if len(r.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, bounds checked by NumElements()
	return unsafe.Slice((*bool)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsComplex64 interprets the data as []complex64 (interleaved real/imag
// float32 pairs). Panics if the tensor's dtype is not Complex64.
func (r *RawTensor) AsComplex64() []complex64 {
	if r.dtype != Complex64 {
		panic(fmt.Sprintf("tensor dtype is %s, not complex64", r.dtype))
	}
	if len(r.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, bounds checked by NumElements()
	return unsafe.Slice((*complex64)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// Reshape reinterprets the tensor under a new shape with the same number
// of elements. The data buffer is untouched.
func (r *RawTensor) Reshape(shape Shape) error {
	if err := shape.Validate(); err != nil {
		return fmt.Errorf("invalid shape: %w", err)
	}
	if shape.NumElements() != r.NumElements() {
		return fmt.Errorf("cannot reshape %d elements to %v (%d elements)",
			r.NumElements(), shape, shape.NumElements())
	}
	r.shape = shape.Clone()
	r.stride = shape.ComputeStrides()
	return nil
}

// FromParts assembles a Complex64 RawTensor from separate real and
// imaginary Float32 tensors of matching size.
func FromParts(shape Shape, real, imag *RawTensor) (*RawTensor, error) {
	if real.DType() != Float32 || imag.DType() != Float32 {
		return nil, fmt.Errorf("complex parts must be float32, got %s and %s", real.DType(), imag.DType())
	}
	n := shape.NumElements()
	if real.NumElements() != n || imag.NumElements() != n {
		return nil, fmt.Errorf("part sizes %d and %d do not match shape %v (%d elements)",
			real.NumElements(), imag.NumElements(), shape, n)
	}
	r, err := NewRaw(shape, Complex64)
	if err != nil {
		return nil, err
	}
	out := r.AsComplex64()
	re := real.AsFloat32()
	im := imag.AsFloat32()
	for i := range out {
		out[i] = complex(re[i], im[i])
	}
	return r, nil
}

// Clone returns a deep copy of the RawTensor.
func (r *RawTensor) Clone() *RawTensor {
	clone := &RawTensor{
		shape:  r.shape.Clone(),
		stride: append([]int(nil), r.stride...),
		dtype:  r.dtype,
	}
	if r.dtype == String {
		clone.stringData = append([][]byte(nil), r.stringData...)
		return clone
	}
	clone.data = append([]byte(nil), r.data...)
	return clone
}
