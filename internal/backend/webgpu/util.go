package webgpu

import (
	"encoding/binary"
	"unsafe"
)

// unsafeByteSlice views a mapped GPU range as a byte slice.
func unsafeByteSlice(p unsafe.Pointer, n uint64) []byte {
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	return unsafe.Slice((*byte)(p), n)
}

func leUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// float32Bytes reinterprets a float32 slice as bytes without copying.
func float32Bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy conversion
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}

// bytesFloat32 reinterprets a byte slice as float32s without copying.
// len(b) must be a multiple of 4.
func bytesFloat32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy conversion
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
