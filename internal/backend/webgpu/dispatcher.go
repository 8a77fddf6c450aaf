package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/lumen-ml/lumen/internal/config"
	"github.com/lumen-ml/lumen/internal/logger"
	"github.com/lumen-ml/lumen/internal/tensor"
)

// Dispatcher executes kernel programs: it decides where each input lives
// (uniform array, uploaded texture, repacked copy), compiles or reuses the
// pipeline, assembles the params uniform buffer, and issues the draw.
type Dispatcher struct {
	ctx      *RenderContext
	pool     *TexturePool
	compiler *Compiler
	store    *DataStore
	flags    *config.Flags
	log      logger.Logger

	dispatchCount atomic.Uint64

	// Active timing session; nil outside a Time block.
	timingMu sync.Mutex
	timing   []pendingKernelTimer
	timingOn bool
}

// pendingKernelTimer pairs one dispatch with its open timer query.
type pendingKernelTimer struct {
	name  string
	query *timerQuery
}

// NewDispatcher wires a dispatcher over the shared engine state.
func NewDispatcher(ctx *RenderContext, pool *TexturePool, compiler *Compiler,
	store *DataStore, flags *config.Flags, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		pool:     pool,
		compiler: compiler,
		store:    store,
		flags:    flags,
		log:      log,
	}
}

// DispatchCount reports the number of GPU draws issued.
func (d *Dispatcher) DispatchCount() uint64 { return d.dispatchCount.Load() }

// BeginTiming starts collecting per-dispatch timer queries.
func (d *Dispatcher) BeginTiming() {
	d.timingMu.Lock()
	defer d.timingMu.Unlock()
	d.timingOn = true
	d.timing = nil
}

// EndTiming stops collection, resolves the accumulated queries, and
// returns one entry per timed dispatch. The caller must have flushed and
// waited for the device.
func (d *Dispatcher) EndTiming() []KernelTiming {
	d.timingMu.Lock()
	pending := d.timing
	d.timing = nil
	d.timingOn = false
	d.timingMu.Unlock()

	out := make([]KernelTiming, 0, len(pending))
	for _, p := range pending {
		ms, err := d.ctx.ResolveTimer(p.query)
		if err != nil {
			d.log.Warn("timer query resolution failed", "kernel", p.name, "error", err)
			continue
		}
		out = append(out, KernelTiming{Name: p.name, Ms: ms})
	}
	return out
}

// beginKernelTimer opens a timer query for the coming draw when a timing
// session is active and the device supports timestamps.
func (d *Dispatcher) beginKernelTimer() *timerQuery {
	d.timingMu.Lock()
	on := d.timingOn
	d.timingMu.Unlock()
	if !on {
		return nil
	}
	q, err := d.ctx.BeginTimer()
	if err != nil {
		return nil
	}
	return q
}

// endKernelTimer closes the draw's timer query and records it for
// resolution at the end of the timing session.
func (d *Dispatcher) endKernelTimer(name string, q *timerQuery) {
	if q == nil {
		return
	}
	d.ctx.CloseTimer(q)
	d.timingMu.Lock()
	d.timing = append(d.timing, pendingKernelTimer{name: name, query: q})
	d.timingMu.Unlock()
}

// ShouldExecuteOnCPU reports whether a dispatch is better served by the
// program's host fallback: every input still host-resident and small
// enough that the upload would cost more than the computation.
func (d *Dispatcher) ShouldExecuteOnCPU(prog *Program, inputs []DataID) bool {
	if prog.CPUFallback == nil {
		return false
	}
	for _, id := range inputs {
		rec := d.store.snapshot(id)
		if rec.onGPU() || rec.values == nil {
			return false
		}
		if rec.shape.NumElements() > d.flags.CPUHandoffSizeThreshold {
			return false
		}
	}
	return true
}

// RunKernel executes one program over the given inputs and returns the
// DataID of the output. Intermediate repack copies are disposed before
// returning; the net handle count grows by exactly one.
func (d *Dispatcher) RunKernel(prog *Program, inputs []DataID, outDtype tensor.DataType,
	customs []UniformValue, preventEagerUnpack bool) (DataID, error) {

	if len(inputs) != len(prog.Variables) {
		return 0, fmt.Errorf("webgpu: kernel %s expects %d inputs, got %d",
			prog.Name, len(prog.Variables), len(inputs))
	}
	if len(customs) != len(prog.CustomUniforms) {
		return 0, fmt.Errorf("webgpu: kernel %s expects %d custom uniforms, got %d",
			prog.Name, len(prog.CustomUniforms), len(customs))
	}

	// Empty output: no GPU work, the result is an empty host tensor.
	if prog.OutputShape.NumElements() == 0 {
		empty, err := tensor.NewRaw(prog.OutputShape, outDtype)
		if err != nil {
			return 0, err
		}
		return d.store.Write(empty), nil
	}

	if d.ShouldExecuteOnCPU(prog, inputs) {
		return d.runOnCPU(prog, inputs)
	}

	ins := make([]inputInfo, len(inputs))
	textures := make([]*wgpu.Texture, len(inputs))
	var intermediates []DataID
	defer func() {
		for _, id := range intermediates {
			d.store.DisposeData(id, true)
		}
	}()

	for i, id := range inputs {
		info, tex, extra, err := d.prepareInput(prog, prog.Variables[i], id)
		if err != nil {
			return 0, err
		}
		if extra != 0 {
			intermediates = append(intermediates, extra)
		}
		ins[i] = info
		textures[i] = tex
	}

	outScheme := prog.OutPacking
	var outTexShape TexShape
	if outScheme == SchemeDense {
		outTexShape = DenseTexShape(prog.OutputShape)
	} else {
		outTexShape = PhysicalShapeFor(prog.OutputShape, outScheme.IsPacked())
	}
	out := outputInfo{shape: prog.OutputShape, texShape: outTexShape, scheme: outScheme}

	k, err := d.compiler.GetOrCompile(prog, ins, out)
	if err != nil {
		return 0, err
	}

	params, err := d.assembleParams(k, prog, ins, out, customs)
	if err != nil {
		return 0, err
	}

	usage := UsageRender
	if prog.OutUsage != nil {
		usage = *prog.OutUsage
	}
	outTex := d.pool.Acquire(outTexShape, usage, outScheme.IsPacked())

	paramsBuf := d.ctx.createUniformBuffer(params)
	entries := []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, paramsBuf, 0, paramsBuf.GetSize()),
	}
	views := make([]*wgpu.TextureView, 0, len(k.textureVars))
	for bindIdx, varIdx := range k.textureVars {
		view := textures[varIdx].CreateView(nil)
		views = append(views, view)
		entries = append(entries, wgpu.TextureBindingEntry(uint32(bindIdx+1), view))
	}
	bindGroup := d.ctx.device.CreateBindGroupSimple(k.bindLayout, entries)

	timer := d.beginKernelTimer()
	d.ctx.Draw(k, outTex, outTexShape, bindGroup)
	d.endKernelTimer(prog.Name, timer)
	d.dispatchCount.Add(1)

	// The queued command buffer holds its own references.
	bindGroup.Release()
	for _, view := range views {
		view.Release()
	}
	paramsBuf.Release()

	outID := d.store.WriteTexture(prog.OutputShape, outDtype, outTex, outTexShape, outScheme, usage)

	if outScheme == SchemePacked && !d.flags.LazyUnpack && !preventEagerUnpack {
		unpacked, err := d.RunKernel(unpackProgram(prog.OutputShape), []DataID{outID}, outDtype, nil, false)
		if err != nil {
			d.store.DisposeData(outID, true)
			return 0, err
		}
		d.store.DisposeData(outID, true)
		outID = unpacked
	}

	d.ctx.MaybeFlush()
	return outID, nil
}

// prepareInput brings one input into a form the kernel can sample: small
// host tensors ride the params uniform buffer, larger ones are uploaded,
// and already-resident textures are repacked when the program's layout
// requirement disagrees with theirs. Returns the input metadata, the
// texture to bind (nil for uniform inputs), and a nonzero intermediate
// DataID when a repack copy was created.
func (d *Dispatcher) prepareInput(prog *Program, name string, id DataID) (inputInfo, *wgpu.Texture, DataID, error) {
	rec := d.store.snapshot(id)
	switch rec.dtype {
	case tensor.Complex64:
		return inputInfo{}, nil, 0, fmt.Errorf("webgpu: kernel %s: complex64 input must be decomposed into real and imaginary parts", prog.Name)
	case tensor.String:
		return inputInfo{}, nil, 0, fmt.Errorf("webgpu: kernel %s: string tensors cannot be sampled on the GPU", prog.Name)
	}

	if !rec.onGPU() {
		size := rec.shape.NumElements()
		if size <= d.flags.UniformUploadSizeThreshold {
			return inputInfo{
				name:        name,
				dtype:       rec.dtype,
				shape:       rec.shape,
				scheme:      SchemeUnpacked,
				uniform:     true,
				uniformVals: hostFloats(rec.values),
			}, nil, 0, nil
		}
		d.uploadToGPU(id, rec, prog.PackedInputs && d.flags.PackEnabled)
		rec = d.store.snapshot(id)
	}

	var extra DataID
	switch {
	case prog.PackedInputs && rec.scheme == SchemeUnpacked:
		packed, err := d.RunKernel(packProgram(rec.shape), []DataID{id}, rec.dtype, nil, true)
		if err != nil {
			return inputInfo{}, nil, 0, err
		}
		extra = packed
		rec = d.store.snapshot(packed)
	case !prog.PackedInputs && rec.scheme == SchemePacked:
		unpacked, err := d.RunKernel(unpackProgram(rec.shape), []DataID{id}, rec.dtype, nil, false)
		if err != nil {
			return inputInfo{}, nil, 0, err
		}
		extra = unpacked
		rec = d.store.snapshot(unpacked)
	}

	offset := 0
	if rec.slice != nil {
		offset = rec.slice.flatOffset
	}
	return inputInfo{
		name:     name,
		dtype:    rec.dtype,
		shape:    rec.shape,
		texShape: rec.texShape,
		scheme:   rec.scheme,
		offset:   offset,
	}, rec.texture, extra, nil
}

// uploadToGPU encodes host values into texels and moves the record onto a
// pooled texture. Packed uploads encode straight into the tiled layout so
// no pack dispatch is needed afterwards.
func (d *Dispatcher) uploadToGPU(id DataID, rec record, packed bool) {
	scheme := SchemeUnpacked
	if packed {
		scheme = SchemePacked
	}
	texShape := PhysicalShapeFor(rec.shape, packed)
	vals := hostFloats(rec.values)
	texels := encodeTexels(vals, rec.shape, scheme, texShape)

	tex := d.pool.Acquire(texShape, UsageUpload, packed)
	d.ctx.UploadTexels(tex, texShape, scheme.Channels(), texels)
	d.store.Move(id, tex, texShape, scheme, UsageUpload)
}

// runOnCPU executes the program's host fallback and registers the result.
func (d *Dispatcher) runOnCPU(prog *Program, inputs []DataID) (DataID, error) {
	raws := make([]*tensor.RawTensor, len(inputs))
	for i, id := range inputs {
		raws[i] = d.store.snapshot(id).values
	}
	out, err := prog.CPUFallback(raws)
	if err != nil {
		return 0, fmt.Errorf("webgpu: kernel %s: cpu fallback failed: %w", prog.Name, err)
	}
	return d.store.Write(out), nil
}

// assembleParams serializes every uniform slot of the compiled kernel's
// layout into one little-endian byte buffer.
func (d *Dispatcher) assembleParams(k *CompiledKernel, prog *Program,
	ins []inputInfo, out outputInfo, customs []UniformValue) ([]byte, error) {

	buf := make([]byte, k.layout.size)

	putF32 := func(off int, vals ...float32) {
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[off+i*4:], math.Float32bits(v))
		}
	}
	putI32 := func(off int, vals ...int32) {
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[off+i*4:], uint32(v))
		}
	}

	if off, ok := k.layout.offsetOf("sentinels"); ok {
		putF32(off, float32(math.NaN()), float32(math.Inf(1)), 0, 0)
	}
	if off, ok := k.layout.offsetOf("out_meta"); ok {
		putI32(off, int32(out.shape.NumElements()), int32(out.texShape[1]), 0, 0)
	}
	if off, ok := k.layout.offsetOf("out_shape"); ok {
		putI32(off, paddedDims(out.shape)...)
	}
	if off, ok := k.layout.offsetOf("out_strides"); ok {
		putI32(off, paddedStrides(out.shape)...)
	}
	if off, ok := k.layout.offsetOf("out_shape3d"); ok {
		putI32(off, shape3DWithBlock(out.shape)...)
	}

	for i, in := range ins {
		v := prog.Variables[i]
		if off, ok := k.layout.offsetOf(v + "_meta"); ok {
			cols := 0
			if !in.uniform {
				cols = in.texShape[1]
			}
			putI32(off, int32(in.offset), int32(cols), int32(in.shape.NumElements()), 0)
		}
		if off, ok := k.layout.offsetOf(v + "_strides"); ok {
			putI32(off, broadcastStrides(in.shape, out.shape)...)
		}
		if off, ok := k.layout.offsetOf(v + "_shape3d"); ok {
			putI32(off, shape3DWithBlock(in.shape)...)
		}
		if off, ok := k.layout.offsetOf(v + "_vals"); ok {
			putF32(off, in.uniformVals...)
		}
	}

	for i, decl := range prog.CustomUniforms {
		off, ok := k.layout.offsetOf(decl.Name)
		if !ok {
			return nil, fmt.Errorf("webgpu: kernel %s: custom uniform %q missing from layout", prog.Name, decl.Name)
		}
		switch {
		case customs[i].Ints != nil:
			putI32(off, customs[i].Ints...)
		case customs[i].Floats != nil:
			putF32(off, customs[i].Floats...)
		default:
			return nil, fmt.Errorf("webgpu: kernel %s: custom uniform %q has no value", prog.Name, decl.Name)
		}
	}

	return buf, nil
}

// paddedDims returns the shape's dims in the first rank components of a
// vec4, padding the rest with 1 so shader arithmetic stays well defined.
func paddedDims(shape tensor.Shape) []int32 {
	out := []int32{1, 1, 1, 1}
	for d := 0; d < len(shape) && d < 4; d++ {
		out[d] = int32(shape[d])
	}
	return out
}

func paddedStrides(shape tensor.Shape) []int32 {
	out := []int32{1, 1, 1, 1}
	strides := shape.ComputeStrides()
	for d := 0; d < len(strides) && d < 4; d++ {
		out[d] = int32(strides[d])
	}
	return out
}

// broadcastStrides computes the input's element strides expressed in the
// output's coordinate system: 0 for broadcast dimensions, so coordinates
// along them collapse to index 0.
func broadcastStrides(in, out tensor.Shape) []int32 {
	res := []int32{0, 0, 0, 0}
	outRank := len(out)
	if outRank > 4 {
		return res
	}
	padded := make(tensor.Shape, outRank)
	for d := range padded {
		padded[d] = 1
	}
	copy(padded[outRank-len(in):], in)
	strides := padded.ComputeStrides()
	for d := 0; d < outRank; d++ {
		if padded[d] == 1 && out[d] > 1 {
			continue
		}
		res[d] = int32(strides[d])
	}
	return res
}

// shape3DWithBlock folds a shape to (batch, rows, cols) and appends the
// tile row count of the packed layout.
func shape3DWithBlock(shape tensor.Shape) []int32 {
	s3 := ShapeAs3D(shape)
	return []int32{int32(s3[0]), int32(s3[1]), int32(s3[2]), int32(ceilDiv(s3[1], 2))}
}
