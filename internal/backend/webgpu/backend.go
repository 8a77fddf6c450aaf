package webgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/lumen-ml/lumen/internal/config"
	"github.com/lumen-ml/lumen/internal/logger"
	"github.com/lumen-ml/lumen/internal/tensor"
)

// Backend is the GPU tensor engine facade: data registration, kernel
// dispatch, reads, and resource accounting behind one handle-based API.
type Backend struct {
	ctx        *RenderContext
	pool       *TexturePool
	compiler   *Compiler
	store      *DataStore
	dispatcher *Dispatcher
	flags      *config.Flags
	log        logger.Logger

	precisionOnce sync.Once
	precision     int

	released bool
}

// MemoryInfo summarizes the backend's GPU memory accounting.
type MemoryInfo struct {
	NumBytesInGPU  uint64
	NumBytesInPool uint64
	NumDataIDs     int
	PoolHits       uint64
	PoolMisses     uint64
}

// TimingInfo is the result of timing a block of kernel work.
type TimingInfo struct {
	// DeviceMs is GPU-side elapsed time, summed over Kernels; zero when
	// unreliable.
	DeviceMs float64
	// WallMs is host-side wall clock time for the block.
	WallMs float64
	// DeviceTimeUnreliable is set when the device cannot measure its own
	// time and DeviceMs must not be trusted.
	DeviceTimeUnreliable bool
	// Kernels breaks DeviceMs down per dispatch, in issue order.
	Kernels []KernelTiming
}

// KernelTiming is one dispatch's share of a timed block.
type KernelTiming struct {
	Name string
	Ms   float64
}

var (
	availOnce sync.Once
	avail     bool
)

// IsAvailable reports whether a WebGPU device can be acquired. The probe
// runs once per process.
func IsAvailable() bool {
	availOnce.Do(func() {
		ctx, err := NewRenderContext(config.Defaults(), logger.Discard())
		if err != nil {
			return
		}
		ctx.Dispose()
		avail = true
	})
	return avail
}

// ListAdapters returns information about the available GPU adapters.
func ListAdapters() (adapters []*wgpu.AdapterInfoGo, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			adapters = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance, instErr := wgpu.CreateInstance(nil)
	if instErr != nil {
		return nil, fmt.Errorf("webgpu: failed to create instance: %w", instErr)
	}
	defer instance.Release()

	// WebGPU has no adapter enumeration, so report the default adapter.
	adapter, adapterErr := instance.RequestAdapter(nil)
	if adapterErr != nil {
		return nil, fmt.Errorf("webgpu: no adapters available: %w", adapterErr)
	}
	defer adapter.Release()

	info, infoErr := adapter.GetInfo()
	if infoErr != nil {
		return nil, fmt.Errorf("webgpu: failed to query adapter info: %w", infoErr)
	}
	return []*wgpu.AdapterInfoGo{info}, nil
}

// New acquires a device and assembles the engine.
func New(flags *config.Flags, log logger.Logger) (*Backend, error) {
	ctx, err := NewRenderContext(flags, log)
	if err != nil {
		return nil, err
	}
	pool := NewTexturePool(ctx, log)
	compiler := NewCompiler(ctx)
	store := NewDataStore(pool)
	return &Backend{
		ctx:        ctx,
		pool:       pool,
		compiler:   compiler,
		store:      store,
		dispatcher: NewDispatcher(ctx, pool, compiler, store, flags, log),
		flags:      flags,
		log:        log,
	}, nil
}

// Write registers host values and returns their handle. No GPU work
// happens until a kernel consumes the data. Complex64 values cannot be
// registered whole; WriteComplex takes the parts separately.
func (b *Backend) Write(values *tensor.RawTensor) DataID {
	if values.DType() == tensor.Complex64 && values.NumElements() > 0 {
		panic("webgpu: cannot write complex64 values directly; use WriteComplex with separate real and imaginary parts")
	}
	if b.flags.Debug {
		b.checkNumerics(values)
	}
	return b.store.Write(values)
}

// Move registers externally produced values under a fresh handle with a
// caller-supplied reference count, viewed under the given shape and dtype.
func (b *Backend) Move(values *tensor.RawTensor, shape tensor.Shape, dtype tensor.DataType, refCount int) (DataID, error) {
	if dtype == tensor.Complex64 && values != nil && values.NumElements() > 0 {
		return 0, fmt.Errorf("webgpu: cannot move complex64 values; use WriteComplex with separate real and imaginary parts")
	}
	if values.DType() != dtype {
		return 0, fmt.Errorf("webgpu: moved values are %s, want %s", values.DType(), dtype)
	}
	if values.Shape().NumElements() != shape.NumElements() {
		return 0, fmt.Errorf("webgpu: cannot view %d moved elements as %v", values.Shape().NumElements(), shape)
	}
	if refCount < 1 {
		return 0, fmt.Errorf("webgpu: moved data needs a positive refcount, got %d", refCount)
	}
	viewed := values
	if !values.Shape().Equal(shape) {
		viewed = values.Clone()
		if err := viewed.Reshape(shape); err != nil {
			return 0, err
		}
	}
	return b.store.WriteWithRefCount(viewed, refCount), nil
}

// maxHalf is the largest finite magnitude a 16-bit float can hold.
const maxHalf = 65504

// checkNumerics panics when a value cannot survive the device's float
// precision. Only active under the debug flag.
func (b *Backend) checkNumerics(values *tensor.RawTensor) {
	if values.DType() != tensor.Float32 || b.FloatPrecision() != 16 {
		return
	}
	for i, v := range values.AsFloat32() {
		if v > maxHalf || v < -maxHalf {
			panic(fmt.Sprintf("webgpu: value %v at index %d is not representable at 16-bit float precision", v, i))
		}
	}
}

// WriteComplex registers a complex64 tensor backed by separate real and
// imaginary float32 parts.
func (b *Backend) WriteComplex(shape tensor.Shape, real, imag *tensor.RawTensor) DataID {
	realID := b.store.Write(real)
	imagID := b.store.Write(imag)
	return b.store.WriteComplex(shape, realID, imagID)
}

// WrapTexture registers an externally owned texture produced on the same
// device. Textures from another device cannot be sampled here.
func (b *Backend) WrapTexture(device *wgpu.Device, tex *wgpu.Texture,
	shape tensor.Shape, texShape TexShape, scheme PackScheme) (DataID, error) {
	if device != b.ctx.device {
		return 0, fmt.Errorf("webgpu: texture belongs to a different device and cannot be wrapped")
	}
	return b.store.WriteTexture(shape, tensor.Float32, tex, texShape, scheme, UsagePixels), nil
}

// RunKernel dispatches a program and returns the output handle.
func (b *Backend) RunKernel(prog *Program, inputs []DataID, outDtype tensor.DataType,
	customs []UniformValue) (DataID, error) {
	return b.dispatcher.RunKernel(prog, inputs, outDtype, customs, false)
}

// IncRef adds a logical reference to a handle.
func (b *Backend) IncRef(id DataID) { b.store.IncRef(id) }

// DecRef removes a logical reference from a handle.
func (b *Backend) DecRef(id DataID) { b.store.DecRef(id) }

// DisposeData drops one reference (all of them with force) and releases
// the handle's storage once none remain. Returns whether the data is gone;
// disposal deferred behind in-flight reads reports false and completes
// when the last read resolves.
func (b *Backend) DisposeData(id DataID, force bool) bool {
	return b.store.DisposeData(id, force)
}

// NumDataIDs reports the number of live handles.
func (b *Backend) NumDataIDs() int { return b.store.NumRecords() }

// MemoryInfo reports current GPU memory accounting.
func (b *Backend) MemoryInfo() MemoryInfo {
	hits, misses, _ := b.pool.Stats()
	return MemoryInfo{
		NumBytesInGPU:  b.pool.NumBytesAllocated(),
		NumBytesInPool: b.pool.NumBytesFree(),
		NumDataIDs:     b.store.NumRecords(),
		PoolHits:       hits,
		PoolMisses:     misses,
	}
}

// ShallowSlice creates a view onto a flat contiguous window of the source.
// Unpacked and dense sources are aliased without copying; packed sources
// are materialized through a slice kernel because their texel order is not
// flat.
func (b *Backend) ShallowSlice(id DataID, begin int, shape tensor.Shape) (DataID, error) {
	rec := b.store.snapshot(id)
	if rec.dtype == tensor.Complex64 || rec.dtype == tensor.String {
		return 0, fmt.Errorf("webgpu: cannot slice %s data", rec.dtype)
	}
	if begin < 0 || begin+shape.NumElements() > rec.shape.NumElements() {
		return 0, fmt.Errorf("webgpu: slice window [%d, %d) out of range for %d elements",
			begin, begin+shape.NumElements(), rec.shape.NumElements())
	}
	if !rec.onGPU() {
		// Host-resident source: slice the host copy.
		vals := hostFloats(rec.values)
		out, err := floatsToRaw(shape, rec.dtype, vals[begin:begin+shape.NumElements()])
		if err != nil {
			return 0, err
		}
		return b.store.Write(out), nil
	}
	if rec.scheme == SchemePacked {
		return b.dispatcher.RunKernel(sliceProgram(shape), []DataID{id}, rec.dtype,
			[]UniformValue{{Ints: []int32{int32(begin)}}}, false)
	}
	return b.store.RegisterSlice(id, shape, begin)
}

// Reshape returns a handle viewing the same elements under a new shape.
// The texture is aliased whenever the flat element order is layout
// compatible; otherwise a repacking dispatch rebuilds the tiling.
func (b *Backend) Reshape(id DataID, shape tensor.Shape) (DataID, error) {
	rec := b.store.snapshot(id)
	if shape.NumElements() != rec.shape.NumElements() {
		return 0, fmt.Errorf("webgpu: cannot reshape %d elements to %v", rec.shape.NumElements(), shape)
	}
	if !rec.onGPU() {
		out := rec.values.Clone()
		if err := out.Reshape(shape); err != nil {
			return 0, err
		}
		return b.store.Write(out), nil
	}
	if rec.scheme == SchemePacked && !IsReshapeFree(rec.shape, shape) {
		return b.dispatcher.RunKernel(reshapePackedProgram(shape), []DataID{id}, rec.dtype, nil, true)
	}
	return b.store.RegisterSlice(id, shape, 0)
}

// Clone materializes a handle's values into independent storage, breaking
// any alias chain. Complex tensors clone both parts.
func (b *Backend) Clone(id DataID) (DataID, error) {
	rec := b.store.snapshot(id)
	if rec.dtype == tensor.Complex64 {
		realID, err := b.Clone(rec.real)
		if err != nil {
			return 0, err
		}
		imagID, err := b.Clone(rec.imag)
		if err != nil {
			b.store.DisposeData(realID, true)
			return 0, err
		}
		return b.store.WriteComplex(rec.shape, realID, imagID), nil
	}
	if !rec.onGPU() {
		return b.store.Write(rec.values.Clone()), nil
	}
	packed := rec.scheme == SchemePacked
	return b.dispatcher.RunKernel(cloneProgram(rec.shape, packed), []DataID{id}, rec.dtype, nil, packed)
}

// ReadSync blocks until the handle's values are on the host and returns
// them. Downloaded values are cached on the record; textures written by
// kernels are immutable, so the cache never goes stale.
func (b *Backend) ReadSync(id DataID) (*tensor.RawTensor, error) {
	rec := b.store.snapshot(id)
	if rec.dtype == tensor.Complex64 {
		return b.readComplexSync(rec)
	}
	if rec.values != nil {
		return rec.values, nil
	}
	if !rec.onGPU() {
		return nil, fmt.Errorf("webgpu: data %d has neither host values nor a texture", id)
	}
	vals, err := b.downloadSync(rec)
	if err != nil {
		return nil, err
	}
	out, err := floatsToRaw(rec.shape, rec.dtype, vals)
	if err != nil {
		return nil, err
	}
	b.store.SetValues(id, out)
	return out, nil
}

func (b *Backend) readComplexSync(rec record) (*tensor.RawTensor, error) {
	real, err := b.ReadSync(rec.real)
	if err != nil {
		return nil, err
	}
	imag, err := b.ReadSync(rec.imag)
	if err != nil {
		return nil, err
	}
	return tensor.FromParts(rec.shape, real, imag)
}

// downloadSync flushes, waits for the device, and decodes the record's
// texture into flat float32 values.
func (b *Backend) downloadSync(rec record) ([]float32, error) {
	texels, err := b.ctx.ReadTexels(rec.texture, rec.texShape, rec.scheme.Channels())
	if err != nil {
		return nil, err
	}
	return decodeRecord(rec, texels), nil
}

// decodeRecord turns a downloaded texel stream into the record's logical
// values, honoring slice windows. Packed records never alias, so their
// offset is always zero.
func decodeRecord(rec record, texels []float32) []float32 {
	off := 0
	if rec.slice != nil {
		off = rec.slice.flatOffset
	}
	return decodeTexels(texels[off:], rec.shape, rec.scheme)
}

// Read resolves the handle's values without blocking the caller on GPU
// completion. Concurrent reads of the same handle share one download.
// Disposal requested while reads are in flight is deferred until the last
// read resolves.
func (b *Backend) Read(id DataID) <-chan ReadResult {
	rec := b.store.snapshot(id)
	if rec.dtype == tensor.Complex64 {
		return b.readComplexAsync(rec)
	}
	if rec.values != nil {
		ch := make(chan ReadResult, 1)
		ch <- ReadResult{Values: rec.values}
		return ch
	}

	ch, first := b.store.registerRead(id)
	if !first {
		return ch
	}

	staging := b.ctx.CopyTextureToBuffer(rec.texture, rec.texShape, rec.scheme.Channels())
	fence := b.ctx.CreateFence()
	b.ctx.AwaitFence(fence, func() {
		texels, err := b.ctx.MapStaging(staging, rec.texShape, rec.scheme.Channels())
		if err != nil {
			b.store.resolveReads(id, ReadResult{Err: err})
			return
		}
		out, err := floatsToRaw(rec.shape, rec.dtype, decodeRecord(rec, texels))
		b.store.resolveReads(id, ReadResult{Values: out, Err: err})
	})
	return ch
}

func (b *Backend) readComplexAsync(rec record) <-chan ReadResult {
	ch := make(chan ReadResult, 1)
	realCh := b.Read(rec.real)
	imagCh := b.Read(rec.imag)
	go func() {
		realRes := <-realCh
		imagRes := <-imagCh
		if realRes.Err != nil {
			ch <- ReadResult{Err: realRes.Err}
			return
		}
		if imagRes.Err != nil {
			ch <- ReadResult{Err: imagRes.Err}
			return
		}
		out, err := tensor.FromParts(rec.shape, realRes.Values, imagRes.Values)
		ch <- ReadResult{Values: out, Err: err}
	}()
	return ch
}

// Time measures a block of kernel work. Every dispatch inside the block
// carries its own timestamp-query pair; the per-kernel results and their
// sum are reported together. Without timer-query support only wall time
// is reported and the device figure is flagged unreliable.
func (b *Backend) Time(fn func() error) (TimingInfo, error) {
	start := time.Now()
	b.dispatcher.BeginTiming()
	err := fn()
	b.ctx.Flush()
	b.ctx.WaitIdle()
	kernels := b.dispatcher.EndTiming()
	if err != nil {
		return TimingInfo{}, err
	}
	info := TimingInfo{Kernels: kernels}
	if !b.ctx.caps.TimestampQuery {
		info.DeviceTimeUnreliable = true
	}
	for _, k := range kernels {
		info.DeviceMs += k.Ms
	}
	info.WallMs = float64(time.Since(start)) / float64(time.Millisecond)
	return info, nil
}

// floatPrecisionProgram distinguishes 32-bit from 16-bit shader floats:
// adding 2^-13 to 1 is lost below 32-bit significand width.
var floatPrecisionProgram = &Program{
	Name:        "FloatPrecision",
	Variables:   []string{"a"},
	OutputShape: tensor.Shape{1},
	Source: `
fn run(i: i32) -> f32 {
    let v = sample_a(0) + pow(2.0, -13.0);
    if (v > 1.0) {
        return 32.0;
    }
    return 16.0;
}
`,
}

// FloatPrecision probes the significand width of the device's shader
// floats. The probe runs once and is memoized.
func (b *Backend) FloatPrecision() int {
	b.precisionOnce.Do(func() {
		b.precision = 32
		in, err := tensor.FromFloat32(tensor.Shape{1}, []float32{1})
		if err != nil {
			return
		}
		id := b.store.Write(in)
		defer b.store.DisposeData(id, true)
		outID, err := b.dispatcher.RunKernel(floatPrecisionProgram, []DataID{id}, tensor.Float32, nil, false)
		if err != nil {
			b.log.Warn("float precision probe failed, assuming 32 bits", "error", err)
			return
		}
		defer b.store.DisposeData(outID, true)
		out, err := b.ReadSync(outID)
		if err != nil {
			return
		}
		if vals := out.AsFloat32(); len(vals) == 1 && vals[0] == 16 {
			b.precision = 16
		}
	})
	return b.precision
}

// Epsilon is the comparison tolerance appropriate for the device's float
// precision.
func (b *Backend) Epsilon() float32 {
	if b.FloatPrecision() == 32 {
		return 1e-7
	}
	return 1e-3
}

// Flags returns the engine configuration in effect.
func (b *Backend) Flags() *config.Flags { return b.flags }

// Context exposes the rendering context for interop and tests.
func (b *Backend) Context() *RenderContext { return b.ctx }

// Release tears the engine down: pipeline cache, pooled textures, then
// the device. Safe to call more than once.
func (b *Backend) Release() {
	if b.released {
		return
	}
	b.released = true
	b.compiler.Dispose()
	b.pool.Dispose()
	b.ctx.Dispose()
}
