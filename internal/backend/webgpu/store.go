package webgpu

import (
	"fmt"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/lumen-ml/lumen/internal/tensor"
)

// DataID is an opaque handle for one tensor's backing storage.
type DataID uint64

// sliceInfo marks a record as a zero-copy view into another record's
// texture: origin is the data the view aliases, flatOffset the element
// offset into it.
type sliceInfo struct {
	origin     DataID
	flatOffset int
}

// record is the backing state of one DataID. A record holds host values,
// a GPU texture, or (transiently during upload) both. Complex64 records
// hold no storage of their own; they delegate to two float32 children.
type record struct {
	shape tensor.Shape
	dtype tensor.DataType

	values *tensor.RawTensor // host-resident form, nil when GPU-only

	texture  *wgpu.Texture
	texShape TexShape
	scheme   PackScheme
	usage    TextureUsage

	refCount int

	// complex children, set only for Complex64.
	real DataID
	imag DataID

	slice *sliceInfo
}

func (r record) onGPU() bool { return r.texture != nil }

// DataStore owns every tensor record of a backend instance. Texture
// lifetime is tracked per canonical owner: slices share their origin's
// texture and its physical refcount, so the texture returns to the pool
// only when the last alias is gone.
type DataStore struct {
	mu   sync.Mutex
	pool *TexturePool

	next DataID
	recs map[DataID]*record

	// texRefs counts records per canonical texture owner.
	texRefs map[DataID]int

	// pendingReads holds readers awaiting an async download per DataID.
	pendingReads map[DataID][]chan ReadResult

	// pendingDisposal marks data whose disposal is deferred until its
	// outstanding reads resolve; the value records the force flag.
	pendingDisposal map[DataID]bool
}

// ReadResult is the outcome of one asynchronous read.
type ReadResult struct {
	Values *tensor.RawTensor
	Err    error
}

// NewDataStore creates an empty store releasing textures into pool.
func NewDataStore(pool *TexturePool) *DataStore {
	return &DataStore{
		pool:            pool,
		recs:            make(map[DataID]*record),
		texRefs:         make(map[DataID]int),
		pendingReads:    make(map[DataID][]chan ReadResult),
		pendingDisposal: make(map[DataID]bool),
	}
}

// NumRecords reports the number of live DataIDs, complex children included.
func (s *DataStore) NumRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func (s *DataStore) alloc(rec *record) DataID {
	s.next++
	id := s.next
	rec.refCount = 1
	s.recs[id] = rec
	return id
}

// snapshot returns a copy of the record state for dispatch decisions.
// Fields that are pointers still alias live objects; callers only read.
func (s *DataStore) snapshot(id DataID) record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.get(id)
}

func (s *DataStore) get(id DataID) *record {
	rec, ok := s.recs[id]
	if !ok {
		panic(fmt.Sprintf("webgpu: unknown data id %d", id))
	}
	return rec
}

// Write registers host values under a fresh DataID. Values stay on the
// host until a kernel or an explicit upload moves them.
func (s *DataStore) Write(values *tensor.RawTensor) DataID {
	return s.WriteWithRefCount(values, 1)
}

// WriteWithRefCount registers host values under a fresh DataID starting at
// the given reference count, for callers that hand over data already shared
// by several owners.
func (s *DataStore) WriteWithRefCount(values *tensor.RawTensor, refCount int) DataID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.alloc(&record{
		shape:  values.Shape().Clone(),
		dtype:  values.DType(),
		values: values,
	})
	s.recs[id].refCount = refCount
	return id
}

// WriteComplex registers a complex tensor whose storage is the two given
// float32 records. The children's refcounts are not touched; the complex
// record takes over the caller's references.
func (s *DataStore) WriteComplex(shape tensor.Shape, real, imag DataID) DataID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(real)
	s.get(imag)
	return s.alloc(&record{
		shape: shape.Clone(),
		dtype: tensor.Complex64,
		real:  real,
		imag:  imag,
	})
}

// WriteTexture registers an externally produced texture, typically a
// kernel output. owner is the canonical texture owner to charge; pass 0
// to make the new record the owner.
func (s *DataStore) WriteTexture(shape tensor.Shape, dtype tensor.DataType,
	tex *wgpu.Texture, texShape TexShape, scheme PackScheme, usage TextureUsage) DataID {

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.alloc(&record{
		shape:    shape.Clone(),
		dtype:    dtype,
		texture:  tex,
		texShape: texShape,
		scheme:   scheme,
		usage:    usage,
	})
	s.texRefs[id] = 1
	return id
}

// RegisterSlice creates a view of origin's texture at flatOffset with the
// given shape. The view holds a physical reference on origin's texture.
func (s *DataStore) RegisterSlice(origin DataID, shape tensor.Shape, flatOffset int) (DataID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.get(origin)
	if !src.onGPU() {
		return 0, fmt.Errorf("webgpu: cannot slice host-resident data %d", origin)
	}
	owner, off := origin, flatOffset
	if src.slice != nil {
		owner = src.slice.origin
		off += src.slice.flatOffset
	}
	id := s.alloc(&record{
		shape:    shape.Clone(),
		dtype:    src.dtype,
		texture:  s.get(owner).texture,
		texShape: s.get(owner).texShape,
		scheme:   src.scheme,
		usage:    src.usage,
		slice:    &sliceInfo{origin: owner, flatOffset: off},
	})
	s.texRefs[owner]++
	return id, nil
}

// Move replaces host values with a texture, dropping the host copy. The
// record becomes its own canonical texture owner.
func (s *DataStore) Move(id DataID, tex *wgpu.Texture, texShape TexShape, scheme PackScheme, usage TextureUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.get(id)
	if rec.texture != nil {
		panic(fmt.Sprintf("webgpu: data %d already has a texture", id))
	}
	rec.values = nil
	rec.texture = tex
	rec.texShape = texShape
	rec.scheme = scheme
	rec.usage = usage
	s.texRefs[id] = 1
}

// SetValues attaches a host copy without touching the texture, used when
// a download completes and the caller wants the values cached.
func (s *DataStore) SetValues(id DataID, values *tensor.RawTensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).values = values
}

// IncRef adds a logical reference.
func (s *DataStore) IncRef(id DataID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).refCount++
}

// DecRef removes a logical reference. Unknown handles are ignored.
// Storage is not released here; only DisposeData frees storage, and only
// at refcount zero.
func (s *DataStore) DecRef(id DataID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return
	}
	if rec.refCount <= 0 {
		panic(fmt.Sprintf("webgpu: data %d refcount underflow", id))
	}
	rec.refCount--
}

// RefCount reports the logical refcount, for diagnostics and tests.
func (s *DataStore) RefCount(id DataID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id).refCount
}

// DisposeData drops one reference (all of them with force) and releases
// id's storage once none remain. Data with reads in flight is not freed;
// it is marked and freed when the last read resolves. Returns whether the
// record is gone; a deferred or refcounted-down record reports false.
func (s *DataStore) DisposeData(id DataID, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposeLocked(id, force)
}

func (s *DataStore) disposeLocked(id DataID, force bool) bool {
	if _, marked := s.pendingDisposal[id]; marked {
		return false
	}
	rec, ok := s.recs[id]
	if !ok {
		return true
	}
	if force {
		rec.refCount = 0
	} else {
		rec.refCount--
	}
	if !force && rec.refCount > 0 {
		return false
	}
	if len(s.pendingReads[id]) > 0 {
		// References are settled; only the in-flight download holds the
		// record now. The mark keeps the original force flag for the
		// deferred completion.
		s.pendingDisposal[id] = force
		return false
	}

	if rec.dtype == tensor.Complex64 {
		s.disposeLocked(rec.real, force)
		s.disposeLocked(rec.imag, force)
	}
	if rec.texture != nil {
		s.releaseTextureLocked(id, rec)
	}
	delete(s.recs, id)
	return true
}

// releaseTextureLocked drops one physical reference on the record's
// canonical texture owner and returns the texture to the pool when the
// last alias is gone.
func (s *DataStore) releaseTextureLocked(id DataID, rec *record) {
	owner := id
	if rec.slice != nil {
		owner = rec.slice.origin
	}
	s.texRefs[owner]--
	if s.texRefs[owner] > 0 {
		return
	}
	delete(s.texRefs, owner)
	ownerRec, ok := s.recs[owner]
	tex, texShape, usage, scheme := rec.texture, rec.texShape, rec.usage, rec.scheme
	if ok {
		tex, texShape, usage, scheme = ownerRec.texture, ownerRec.texShape, ownerRec.usage, ownerRec.scheme
	}
	s.pool.Release(tex, texShape, usage, scheme.IsPacked())
	if ok {
		ownerRec.texture = nil
	}
}

// registerRead records a waiting reader for id and returns its channel.
// first reports whether this reader opened the download; later readers
// only wait, under the same lock acquisition that registers them.
func (s *DataStore) registerRead(id DataID) (ch chan ReadResult, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id)
	ch = make(chan ReadResult, 1)
	first = len(s.pendingReads[id]) == 0
	s.pendingReads[id] = append(s.pendingReads[id], ch)
	return ch, first
}

// resolveReads delivers a finished download to every waiting reader and
// performs any disposal deferred behind the reads. Surviving records cache
// the downloaded values; kernel outputs are immutable, so the cache never
// goes stale.
func (s *DataStore) resolveReads(id DataID, res ReadResult) {
	s.mu.Lock()
	waiters := s.pendingReads[id]
	delete(s.pendingReads, id)
	force, deferred := s.pendingDisposal[id]
	if deferred {
		delete(s.pendingDisposal, id)
		s.disposeLocked(id, force)
	} else if res.Err == nil && res.Values != nil {
		if rec, ok := s.recs[id]; ok {
			rec.values = res.Values
		}
	}
	s.mu.Unlock()
	for _, ch := range waiters {
		ch <- res
	}
}
