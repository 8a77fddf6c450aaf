package webgpu

import (
	"fmt"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/lumen-ml/lumen/internal/logger"
)

// highWatermarkBytes is the advisory threshold above which the pool warns
// once about probable texture leaks. Advisory only; never blocks execution.
const highWatermarkBytes = 256 << 20

// TexturePool reuses physical textures to avoid creation churn. Free
// textures are keyed by their physical shape, usage tag, and packing mode;
// acquire returns a pooled texture on a key hit and creates one otherwise.
type TexturePool struct {
	ctx *RenderContext
	log logger.Logger

	mu   sync.Mutex
	free map[string][]*wgpu.Texture

	numBytesAllocated uint64
	numBytesFree      uint64
	warned            bool

	// Statistics
	hits   uint64
	misses uint64
}

// NewTexturePool creates a pool bound to the given context.
func NewTexturePool(ctx *RenderContext, log logger.Logger) *TexturePool {
	return &TexturePool{
		ctx:  ctx,
		log:  log,
		free: make(map[string][]*wgpu.Texture),
	}
}

func poolKey(texShape TexShape, usage TextureUsage, packed bool) string {
	return fmt.Sprintf("%d_%d_%s_%v", texShape[0], texShape[1], usage, packed)
}

func textureBytes(texShape TexShape, packed bool) uint64 {
	channels := 1
	if packed {
		channels = 4
	}
	return uint64(texShape[0]) * uint64(texShape[1]) * uint64(channels) * 4
}

// Acquire returns a texture matching the signature, reusing a pooled one
// when available.
func (p *TexturePool) Acquire(texShape TexShape, usage TextureUsage, packed bool) *wgpu.Texture {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey(texShape, usage, packed)
	if pool := p.free[key]; len(pool) > 0 {
		tex := pool[len(pool)-1]
		p.free[key] = pool[:len(pool)-1]
		p.numBytesFree -= textureBytes(texShape, packed)
		p.hits++
		return tex
	}

	p.misses++
	p.numBytesAllocated += textureBytes(texShape, packed)
	if !p.warned && p.numBytesAllocated > highWatermarkBytes {
		p.warned = true
		p.log.Warn("high GPU texture memory watermark exceeded; possible leak",
			"allocatedBytes", p.numBytesAllocated)
	}
	return p.ctx.createTexture(texShape, packed)
}

// Release returns a texture to the free list. The underlying resource is
// only destroyed at pool teardown.
func (p *TexturePool) Release(tex *wgpu.Texture, texShape TexShape, usage TextureUsage, packed bool) {
	if tex == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey(texShape, usage, packed)
	p.free[key] = append(p.free[key], tex)
	p.numBytesFree += textureBytes(texShape, packed)
}

// NumBytesAllocated returns total bytes ever allocated and still owned.
func (p *TexturePool) NumBytesAllocated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numBytesAllocated
}

// NumBytesFree returns bytes currently sitting in the free list.
func (p *TexturePool) NumBytesFree() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numBytesFree
}

// Stats returns pool hit/miss counters and the pooled texture count.
func (p *TexturePool) Stats() (hits, misses uint64, pooled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.free {
		pooled += len(pool)
	}
	return p.hits, p.misses, pooled
}

// Dispose destroys every pooled texture and resets both counters.
func (p *TexturePool) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, pool := range p.free {
		for _, tex := range pool {
			tex.Release()
		}
		delete(p.free, key)
	}
	p.numBytesAllocated = 0
	p.numBytesFree = 0
}
