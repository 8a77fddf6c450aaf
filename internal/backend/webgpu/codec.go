package webgpu

import (
	"github.com/lumen-ml/lumen/internal/parallel"
	"github.com/lumen-ml/lumen/internal/tensor"
)

// codecParallel chunks host-side texel loops across CPUs. Every iteration
// writes a disjoint slice, so the loops are race free.
var codecParallel = parallel.DefaultConfig()

// Host-side texel encoding and decoding. Every tensor travels to the GPU as
// float32 texels; int32 and bool values are converted on the way in and out.
// Int32 round-trips exactly for magnitudes below 2^24.

// copyBufferAlignment is the WebGPU bytes-per-row alignment required for
// texture<->buffer copies.
const copyBufferAlignment = 256

// PackScheme identifies the texel layout of a texture.
type PackScheme int

// Texel layouts.
const (
	// SchemeUnpacked stores one scalar per texel, single channel used.
	SchemeUnpacked PackScheme = iota
	// SchemePacked stores a 2x2 tile of logical elements per texel.
	SchemePacked
	// SchemeDense stores four contiguous logical values per texel.
	SchemeDense
)

func (s PackScheme) String() string {
	switch s {
	case SchemeUnpacked:
		return "unpacked"
	case SchemePacked:
		return "packed"
	case SchemeDense:
		return "dense"
	default:
		return "unknown"
	}
}

// IsPacked reports whether the scheme uses all four channels.
func (s PackScheme) IsPacked() bool { return s != SchemeUnpacked }

// Channels returns the number of color channels the scheme occupies.
func (s PackScheme) Channels() int {
	if s.IsPacked() {
		return 4
	}
	return 1
}

// hostFloats converts a host tensor to a dense float32 view for upload.
func hostFloats(raw *tensor.RawTensor) []float32 {
	switch raw.DType() {
	case tensor.Float32:
		return raw.AsFloat32()
	case tensor.Int32:
		src := raw.AsInt32()
		out := make([]float32, len(src))
		for i, v := range src {
			out[i] = float32(v)
		}
		return out
	case tensor.Bool:
		src := raw.AsBool()
		out := make([]float32, len(src))
		for i, v := range src {
			if v {
				out[i] = 1
			}
		}
		return out
	default:
		panic("webgpu: hostFloats: unsupported dtype " + raw.DType().String())
	}
}

// floatsToRaw converts downloaded float32 values back to a host tensor of
// the requested dtype.
func floatsToRaw(shape tensor.Shape, dtype tensor.DataType, vals []float32) (*tensor.RawTensor, error) {
	raw, err := tensor.NewRaw(shape, dtype)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case tensor.Float32:
		copy(raw.AsFloat32(), vals)
	case tensor.Int32:
		dst := raw.AsInt32()
		for i := range dst {
			dst[i] = int32(vals[i])
		}
	case tensor.Bool:
		dst := raw.AsBool()
		for i := range dst {
			dst[i] = vals[i] != 0
		}
	default:
		panic("webgpu: floatsToRaw: unsupported dtype " + dtype.String())
	}
	return raw, nil
}

// encodeTexels lays logical values out as texels for the given scheme.
// The result has texShape[0]*texShape[1]*channels float32 slots, with any
// tail slack zero-filled.
func encodeTexels(vals []float32, shape tensor.Shape, scheme PackScheme, texShape TexShape) []float32 {
	switch scheme {
	case SchemeUnpacked:
		out := make([]float32, texShape[0]*texShape[1])
		copy(out, vals)
		return out
	case SchemeDense:
		out := make([]float32, texShape[0]*texShape[1]*4)
		copy(out, vals)
		return out
	case SchemePacked:
		return encodePacked(vals, shape, texShape)
	default:
		panic("webgpu: encodeTexels: unknown scheme")
	}
}

// decodeTexels recovers logical values from a downloaded texel buffer.
func decodeTexels(texels []float32, shape tensor.Shape, scheme PackScheme) []float32 {
	n := shape.NumElements()
	switch scheme {
	case SchemeUnpacked, SchemeDense:
		out := make([]float32, n)
		copy(out, texels[:n])
		return out
	case SchemePacked:
		return decodePacked(texels, shape)
	default:
		panic("webgpu: decodeTexels: unknown scheme")
	}
}

// encodePacked tiles the canonical [batch, rows, cols] view into 2x2 texel
// quads: channels r,g hold row 2i, channels b,a hold row 2i+1.
func encodePacked(vals []float32, shape tensor.Shape, texShape TexShape) []float32 {
	s3 := ShapeAs3D(shape)
	batch, rows, cols := s3[0], s3[1], s3[2]
	tileRows := ceilDiv(rows, 2)
	tileCols := ceilDiv(cols, 2)

	out := make([]float32, texShape[0]*texShape[1]*4)
	at := func(b, r, c int) float32 {
		if r >= rows || c >= cols {
			return 0
		}
		return vals[(b*rows+r)*cols+c]
	}
	parallel.ForTiles(batch, tileRows, func(b, tr int) {
		for tc := 0; tc < tileCols; tc++ {
			texel := ((b*tileRows+tr)*texShape[1] + tc) * 4
			out[texel+0] = at(b, 2*tr, 2*tc)
			out[texel+1] = at(b, 2*tr, 2*tc+1)
			out[texel+2] = at(b, 2*tr+1, 2*tc)
			out[texel+3] = at(b, 2*tr+1, 2*tc+1)
		}
	}, codecParallel)
	return out
}

// decodePacked inverts encodePacked.
func decodePacked(texels []float32, shape tensor.Shape) []float32 {
	s3 := ShapeAs3D(shape)
	batch, rows, cols := s3[0], s3[1], s3[2]
	tileRows := ceilDiv(rows, 2)
	tileCols := ceilDiv(cols, 2)
	texCols := tileCols

	out := make([]float32, shape.NumElements())
	parallel.ForTiles(batch, rows, func(b, r int) {
		for c := 0; c < cols; c++ {
			texel := ((b*tileRows+r/2)*texCols + c/2) * 4
			ch := (r%2)*2 + c%2
			out[(b*rows+r)*cols+c] = texels[texel+ch]
		}
	}, codecParallel)
	return out
}

// paddedBytesPerRow rounds a texture row up to the copy alignment.
func paddedBytesPerRow(cols, channels int) int {
	rowBytes := cols * channels * 4
	return ceilDiv(rowBytes, copyBufferAlignment) * copyBufferAlignment
}

// padRows expands a tight texel buffer into one with aligned rows for a
// texture write.
func padRows(texels []float32, rows, cols, channels int) []byte {
	stride := paddedBytesPerRow(cols, channels)
	rowBytes := cols * channels * 4
	out := make([]byte, stride*rows)
	src := float32Bytes(texels)
	parallel.For(rows, func(r int) {
		copy(out[r*stride:r*stride+rowBytes], src[r*rowBytes:(r+1)*rowBytes])
	}, codecParallel)
	return out
}

// stripRows removes per-row alignment padding from a downloaded buffer.
func stripRows(data []byte, rows, cols, channels int) []float32 {
	stride := paddedBytesPerRow(cols, channels)
	rowBytes := cols * channels * 4
	tight := make([]byte, rowBytes*rows)
	parallel.For(rows, func(r int) {
		copy(tight[r*rowBytes:(r+1)*rowBytes], data[r*stride:r*stride+rowBytes])
	}, codecParallel)
	return bytesFloat32(tight)
}
