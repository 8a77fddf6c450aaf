package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Int32
	Bool
	Complex64
	String
)

// Size returns the byte size of one element of the data type.
// Panics for String, whose elements are variable-length encoded byte slices.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Bool:
		return 1
	case Complex64:
		return 8
	case String:
		panic("tensor: String has no fixed element size")
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Bool:
		return "bool"
	case Complex64:
		return "complex64"
	case String:
		return "string"
	default:
		return "unknown"
	}
}
