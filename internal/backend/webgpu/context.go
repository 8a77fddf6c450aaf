package webgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gogpu/gputypes"

	"github.com/lumen-ml/lumen/internal/config"
	"github.com/lumen-ml/lumen/internal/logger"
)

// ContextCaps describes what the acquired device supports. The caps feed
// the structural cache key: pipelines compiled under one capability set are
// never reused under another.
type ContextCaps struct {
	Float32Renderable bool
	TimestampQuery    bool
	MaxTextureDim     int
	Version           string
}

// TextureUsage distinguishes texture creation paths in the pool.
type TextureUsage int

// Texture usage tags.
const (
	// UsageRender is a neutral intermediate or kernel output.
	UsageRender TextureUsage = iota
	// UsageUpload holds values uploaded from host memory.
	UsageUpload
	// UsagePixels holds externally supplied pixel data.
	UsagePixels
)

func (u TextureUsage) String() string {
	switch u {
	case UsageRender:
		return "render"
	case UsageUpload:
		return "upload"
	case UsagePixels:
		return "pixels"
	default:
		return "unknown"
	}
}

// RenderContext owns the graphics device, the persistent full-screen-quad
// geometry shared by every kernel, command batching state, and the
// synchronization primitives. Exactly one kernel pipeline is current at a
// time; every dispatch fully rebinds because the next dispatch invalidates
// whatever was bound previously.
type RenderContext struct {
	instance    *wgpu.Instance
	adapter     *wgpu.Adapter
	device      *wgpu.Device
	queue       *wgpu.Queue
	adapterInfo *wgpu.AdapterInfoGo

	caps  ContextCaps
	flags *config.Flags
	log   logger.Logger

	// Full-screen quad: 4 vertices of clip-space position + uv, 6 indices
	// forming two triangles.
	quadVertices   *wgpu.Buffer
	quadIndices    *wgpu.Buffer
	quadVertexSize uint64
	quadIndexSize  uint64

	// Command batching, flushed before any readback and when the flush
	// threshold elapses.
	pendingMu    sync.Mutex
	pending      []*wgpu.CommandBuffer
	maxBatchSize int
	lastFlush    time.Time

	// Current pipeline; rebinding happens per dispatch.
	current *CompiledKernel

	poller *poller

	fence config.FenceStrategy

	disposed bool
}

// NewRenderContext acquires a device and builds the shared quad geometry.
// Returns an error if WebGPU is unavailable or a required capability is
// missing.
func NewRenderContext(flags *config.Flags, log logger.Logger) (ctx *RenderContext, err error) {
	// Recover from panic if the wgpu native library is not found.
	defer func() {
		if r := recover(); r != nil {
			ctx = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance, instErr := wgpu.CreateInstance(nil)
	if instErr != nil {
		return nil, fmt.Errorf("webgpu: failed to create instance: %w", instErr)
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", adapterErr)
	}
	adapterInfo, infoErr := adapter.GetInfo()
	if infoErr != nil {
		adapterInfo = &wgpu.AdapterInfoGo{}
	}

	maxDim := 8192
	if limits, limErr := adapter.GetLimits(); limErr == nil && limits.Limits.MaxTextureDimension2D > 0 {
		maxDim = int(limits.Limits.MaxTextureDimension2D)
	}
	wantTimestamps := flags.TimerVersion > 0 && adapter.HasFeature(wgpu.FeatureNameTimestampQuery)

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", deviceErr)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	c := &RenderContext{
		instance:    instance,
		adapter:     adapter,
		device:      device,
		queue:       queue,
		adapterInfo: adapterInfo,
		flags:       flags,
		log:         log,
		poller:      newPoller(),
		lastFlush:   time.Now(),
		caps: ContextCaps{
			Float32Renderable: flags.Float32Render,
			TimestampQuery:    wantTimestamps,
			MaxTextureDim:     maxDim,
			Version:           "wgpu1",
		},
		maxBatchSize: flags.MaxBatchSize,
	}
	c.fence = c.pickFenceStrategy(flags.Fence)
	c.buildQuad()
	return c, nil
}

// pickFenceStrategy resolves FenceAuto against the device. The native
// layer only reports whether the whole queue has drained, so every polled
// strategy resolves to the queue-empty check.
func (c *RenderContext) pickFenceStrategy(want config.FenceStrategy) config.FenceStrategy {
	if want != config.FenceAuto {
		return want
	}
	return config.FenceQueueProxy
}

// buildQuad creates the persistent vertex and index buffers for the
// two-triangle full-screen quad. Bound once per draw; the geometry never
// changes for the lifetime of the context.
func (c *RenderContext) buildQuad() {
	// x, y, u, v
	vertices := []float32{
		-1, -1, 0, 0,
		1, -1, 1, 0,
		-1, 1, 0, 1,
		1, 1, 1, 1,
	}
	indices := []uint16{0, 1, 2, 2, 1, 3}

	c.quadVertices = c.createBufferInit(float32Bytes(vertices),
		wgpu.BufferUsage(gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst))
	c.quadVertexSize = c.quadVertices.GetSize()

	idxBytes := make([]byte, len(indices)*2)
	for i, v := range indices {
		idxBytes[i*2] = byte(v)
		idxBytes[i*2+1] = byte(v >> 8)
	}
	c.quadIndices = c.createBufferInit(idxBytes,
		wgpu.BufferUsage(gputypes.BufferUsageIndex|gputypes.BufferUsageCopyDst))
	c.quadIndexSize = c.quadIndices.GetSize()
}

// createBufferInit creates a GPU buffer and uploads initial data through a
// mapped-at-creation range.
func (c *RenderContext) createBufferInit(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	aligned := (size + 3) &^ 3
	if aligned == 0 {
		aligned = 4
	}
	buffer := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             aligned,
		MappedAtCreation: wgpu.True,
	})
	mapped := buffer.GetMappedRange(0, aligned)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafeByteSlice(mapped, aligned), data)
	buffer.Unmap()
	return buffer
}

// createUniformBuffer creates a uniform buffer with 16-byte alignment.
func (c *RenderContext) createUniformBuffer(data []byte) *wgpu.Buffer {
	size := uint64(len(data))
	aligned := (size + 15) &^ 15
	if aligned == 0 {
		aligned = 16
	}
	buffer := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsage(gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst),
		Size:             aligned,
		MappedAtCreation: wgpu.True,
	})
	mapped := buffer.GetMappedRange(0, aligned)
	copy(unsafeByteSlice(mapped, aligned), data)
	buffer.Unmap()
	return buffer
}

// ensureLive panics when the context has been disposed. Using a disposed
// context is a programming error.
func (c *RenderContext) ensureLive() {
	if c.disposed {
		panic("webgpu: context is disposed")
	}
}

func textureFormat(packed bool) wgpu.TextureFormat {
	if packed {
		return wgpu.TextureFormatRGBA32Float
	}
	return wgpu.TextureFormatR32Float
}

// createTexture creates a physical texture of the given texel shape.
func (c *RenderContext) createTexture(texShape TexShape, packed bool) *wgpu.Texture {
	c.ensureLive()
	return c.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: wgpu.EmptyStringView(),
		Size: wgpu.Extent3D{
			Width:              uint32(texShape[1]),
			Height:             uint32(texShape[0]),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        textureFormat(packed),
		Usage: wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageTextureBinding |
			wgpu.TextureUsageCopySrc | wgpu.TextureUsageCopyDst,
	})
}

// UploadTexels writes an encoded texel buffer into a texture.
func (c *RenderContext) UploadTexels(tex *wgpu.Texture, texShape TexShape, channels int, texels []float32) {
	c.ensureLive()
	rows, cols := texShape[0], texShape[1]
	padded := padRows(texels, rows, cols, channels)
	c.queue.WriteTexture(
		&wgpu.TexelCopyTextureInfo{
			Texture: tex.Handle(),
			Origin:  wgpu.Origin3D{},
			Aspect:  wgpu.TextureAspectAll,
		},
		padded,
		&wgpu.TexelCopyBufferLayout{
			Offset:       0,
			BytesPerRow:  uint32(paddedBytesPerRow(cols, channels)),
			RowsPerImage: uint32(rows),
		},
		&wgpu.Extent3D{Width: uint32(cols), Height: uint32(rows), DepthOrArrayLayers: 1},
	)
}

// CopyTextureToBuffer encodes a texture download into a fresh staging
// buffer and queues the copy. The returned buffer becomes mappable once the
// queued work completes.
func (c *RenderContext) CopyTextureToBuffer(tex *wgpu.Texture, texShape TexShape, channels int) *wgpu.Buffer {
	c.ensureLive()
	rows, cols := texShape[0], texShape[1]
	size := uint64(paddedBytesPerRow(cols, channels) * rows)
	staging := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsage(gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst),
		Size:  size,
	})

	encoder := c.device.CreateCommandEncoder(nil)
	encoder.CopyTextureToBuffer(
		&wgpu.TexelCopyTextureInfo{
			Texture: tex.Handle(),
			Origin:  wgpu.Origin3D{},
			Aspect:  wgpu.TextureAspectAll,
		},
		&wgpu.TexelCopyBufferInfo{
			Buffer: staging.Handle(),
			Layout: wgpu.TexelCopyBufferLayout{
				Offset:       0,
				BytesPerRow:  uint32(paddedBytesPerRow(cols, channels)),
				RowsPerImage: uint32(rows),
			},
		},
		&wgpu.Extent3D{Width: uint32(cols), Height: uint32(rows), DepthOrArrayLayers: 1},
	)
	c.queueCommand(encoder.Finish(nil))
	return staging
}

// MapStaging maps a staging buffer and copies its contents out, stripping
// row padding. The buffer is released afterwards.
func (c *RenderContext) MapStaging(staging *wgpu.Buffer, texShape TexShape, channels int) ([]float32, error) {
	defer staging.Release()
	rows, cols := texShape[0], texShape[1]
	size := uint64(paddedBytesPerRow(cols, channels) * rows)
	if err := staging.MapAsync(c.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("webgpu: failed to map staging buffer: %w", err)
	}
	mapped := staging.GetMappedRange(0, size)
	data := make([]byte, size)
	copy(data, unsafeByteSlice(mapped, size))
	staging.Unmap()
	return stripRows(data, rows, cols, channels), nil
}

// ReadTexels performs a synchronous blocking texture download.
func (c *RenderContext) ReadTexels(tex *wgpu.Texture, texShape TexShape, channels int) ([]float32, error) {
	staging := c.CopyTextureToBuffer(tex, texShape, channels)
	c.Flush()
	c.WaitIdle()
	return c.MapStaging(staging, texShape, channels)
}

// queueCommand adds a command buffer to the pending batch, auto-flushing
// when the batch size limit is reached.
func (c *RenderContext) queueCommand(cmd *wgpu.CommandBuffer) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = append(c.pending, cmd)
	if c.maxBatchSize > 0 && len(c.pending) >= c.maxBatchSize {
		c.flushLocked()
	}
}

// Flush submits all pending command buffers to the GPU queue.
func (c *RenderContext) Flush() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.flushLocked()
}

func (c *RenderContext) flushLocked() {
	if len(c.pending) == 0 {
		return
	}
	c.queue.Submit(c.pending...)
	c.pending = c.pending[:0]
	c.lastFlush = time.Now()
}

// MaybeFlush forces a flush when accumulated time since the last one
// exceeds the configured threshold, bounding driver-side command growth
// without stalling every dispatch.
func (c *RenderContext) MaybeFlush() {
	if c.flags.FlushThresholdMs <= 0 {
		return
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if time.Since(c.lastFlush) >= time.Duration(c.flags.FlushThresholdMs)*time.Millisecond {
		c.flushLocked()
	}
}

// WaitIdle blocks until the device finishes all submitted work.
func (c *RenderContext) WaitIdle() {
	for !c.device.Poll(true) {
	}
}

// Fence marks a point in the submitted command stream whose completion can
// be polled without blocking. The device reports completion at queue
// granularity: a fence signals once everything submitted up to (and
// possibly after) its creation has drained, never earlier than its own
// work. Auto-flushed batches preceding the fence are covered by the same
// check.
type Fence struct {
	ctx      *RenderContext
	strategy config.FenceStrategy
}

// CreateFence flushes pending work and returns a fence for it.
func (c *RenderContext) CreateFence() *Fence {
	c.ensureLive()
	c.Flush()
	return &Fence{ctx: c, strategy: c.fence}
}

// Poll reports whether the fenced work has completed, without blocking.
func (f *Fence) Poll() bool {
	switch f.strategy {
	case config.FenceSubmission, config.FenceQueueProxy:
		return f.ctx.device.Poll(false)
	default:
		// No fencing available: report done and let the first read stall.
		return true
	}
}

// AwaitFence resolves onDone through the shared polling loop once the
// fence signals.
func (c *RenderContext) AwaitFence(f *Fence, onDone func()) {
	c.poller.Submit(f.Poll, onDone)
}

// Draw issues the full-screen-quad draw call for a compiled kernel into
// the output texture. The render pass is the engine's single framebuffer:
// one color attachment, viewport covering the physical texture.
func (c *RenderContext) Draw(k *CompiledKernel, out *wgpu.Texture, outTexShape TexShape, bindGroup *wgpu.BindGroup) {
	c.ensureLive()
	c.current = k

	view := out.CreateView(nil)
	defer view.Release()

	encoder := c.device.CreateCommandEncoder(nil)
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{},
		}},
	})
	pass.SetPipeline(k.pipeline)
	pass.SetViewport(0, 0, float32(outTexShape[1]), float32(outTexShape[0]), 0, 1)
	pass.SetVertexBuffer(0, c.quadVertices, 0, c.quadVertexSize)
	pass.SetIndexBuffer(c.quadIndices, wgpu.IndexFormatUint16, 0, c.quadIndexSize)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DrawIndexed(6, 1, 0, 0, 0)
	pass.End()

	c.queueCommand(encoder.Finish(nil))
}

// timerQuery wraps a timestamp query pair measuring elapsed device time.
// Begin writes timestamp 0; Close writes timestamp 1 and stages the
// resolved pair into a mappable buffer without blocking. Resolve maps the
// staging buffer once the device has drained.
type timerQuery struct {
	set     *wgpu.QuerySet
	resolve *wgpu.Buffer
	staging *wgpu.Buffer
}

// ErrTimerUnsupported is returned when the device has no timer-query
// support; callers surface a textual sentinel instead of a duration.
var ErrTimerUnsupported = fmt.Errorf("webgpu: timer queries unsupported on this device")

// BeginTimer starts a device-time measurement around subsequent dispatches.
func (c *RenderContext) BeginTimer() (*timerQuery, error) {
	c.ensureLive()
	if !c.caps.TimestampQuery {
		return nil, ErrTimerUnsupported
	}
	set := c.device.CreateQuerySet(&wgpu.QuerySetDescriptor{
		Type:  wgpu.QueryTypeTimestamp,
		Count: 2,
	})
	resolve := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsage(gputypes.BufferUsageQueryResolve | gputypes.BufferUsageCopySrc),
		Size:  16,
	})
	encoder := c.device.CreateCommandEncoder(nil)
	encoder.WriteTimestamp(set, 0)
	c.queueCommand(encoder.Finish(nil))
	return &timerQuery{set: set, resolve: resolve}, nil
}

// CloseTimer writes the closing timestamp and stages the resolved query
// pair for readback. Non-blocking; ResolveTimer maps the result after the
// device drains.
func (c *RenderContext) CloseTimer(q *timerQuery) {
	c.ensureLive()
	encoder := c.device.CreateCommandEncoder(nil)
	encoder.WriteTimestamp(q.set, 1)
	encoder.ResolveQuerySet(q.set, 0, 2, q.resolve, 0)
	q.staging = c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsage(gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst),
		Size:  16,
	})
	encoder.CopyBufferToBuffer(q.resolve, 0, q.staging, 0, 16)
	c.queueCommand(encoder.Finish(nil))
}

// ResolveTimer maps a closed timer's staging buffer and returns elapsed
// device time in milliseconds. The caller must have flushed and waited for
// the device first.
func (c *RenderContext) ResolveTimer(q *timerQuery) (float64, error) {
	defer q.set.Release()
	defer q.resolve.Release()
	defer q.staging.Release()

	if err := q.staging.MapAsync(c.device, wgpu.MapModeRead, 0, 16); err != nil {
		return 0, fmt.Errorf("webgpu: failed to map timer buffer: %w", err)
	}
	mapped := q.staging.GetMappedRange(0, 16)
	raw := make([]byte, 16)
	copy(raw, unsafeByteSlice(mapped, 16))
	q.staging.Unmap()

	start := leUint64(raw[0:8])
	end := leUint64(raw[8:16])
	if end < start {
		// Disjoint measurement (device interrupted); report zero.
		return 0, nil
	}
	return float64(end-start) / 1e6, nil
}

// Caps returns the context capabilities.
func (c *RenderContext) Caps() ContextCaps { return c.caps }

// AdapterInfo returns information about the GPU adapter.
func (c *RenderContext) AdapterInfo() *wgpu.AdapterInfoGo { return c.adapterInfo }

// Device exposes the raw device for texture interop validation.
func (c *RenderContext) Device() *wgpu.Device { return c.device }

// Dispose releases the quad geometry and device objects. Warns when a
// kernel is still bound, which usually indicates a caller bug, but never
// blocks teardown.
func (c *RenderContext) Dispose() {
	if c.disposed {
		return
	}
	if c.current != nil {
		c.log.Warn("disposing context with a bound kernel", "kernel", c.current.name)
	}
	c.Flush()
	c.WaitIdle()
	c.poller.Stop()
	c.disposed = true

	if c.quadVertices != nil {
		c.quadVertices.Release()
		c.quadVertices = nil
	}
	if c.quadIndices != nil {
		c.quadIndices.Release()
		c.quadIndices = nil
	}
	if c.queue != nil {
		c.queue.Release()
		c.queue = nil
	}
	if c.device != nil {
		c.device.Release()
		c.device = nil
	}
	if c.adapter != nil {
		c.adapter.Release()
		c.adapter = nil
	}
	if c.instance != nil {
		c.instance.Release()
		c.instance = nil
	}
}
