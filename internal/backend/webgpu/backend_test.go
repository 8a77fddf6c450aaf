package webgpu

import (
	"math"
	"testing"

	"github.com/lumen-ml/lumen/internal/config"
	"github.com/lumen-ml/lumen/internal/logger"
	"github.com/lumen-ml/lumen/internal/tensor"
)

func newTestBackend(t *testing.T, mutate func(*config.Flags)) *Backend {
	t.Helper()
	flags := config.Defaults()
	if mutate != nil {
		mutate(flags)
	}
	b, err := New(flags, logger.Discard())
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(b.Release)
	return b
}

func TestListAdapters(t *testing.T) {
	adapters, err := ListAdapters()
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	if len(adapters) == 0 {
		t.Fatal("expected at least one adapter")
	}
	for i, info := range adapters {
		t.Logf("adapter %d: %s (%v)", i, info.Device, info.BackendType)
	}
}

var absProgram = &Program{
	Name:        "Abs",
	Variables:   []string{"a"},
	OutputShape: tensor.Shape{8},
	Source: `
fn run(i: i32) -> f32 {
    return abs(read_a(i));
}
`,
}

func absWithShape(shape tensor.Shape) *Program {
	p := *absProgram
	p.OutputShape = shape
	return &p
}

func TestReadSyncReturnsHostValuesWithoutGPU(t *testing.T) {
	b := newTestBackend(t, nil)
	in := hostTensor(t, 8)
	id := b.Write(in)
	defer b.DisposeData(id, true)

	before := b.dispatcher.DispatchCount()
	got, err := b.ReadSync(id)
	if err != nil {
		t.Fatal(err)
	}
	if got != in {
		t.Error("host-resident read must return the written tensor")
	}
	if b.dispatcher.DispatchCount() != before {
		t.Error("reading host-resident data must not touch the GPU")
	}
}

func TestRunKernelAbsRoundTrip(t *testing.T) {
	b := newTestBackend(t, nil)
	in, err := tensor.FromFloat32(tensor.Shape{8}, []float32{-3, -2, -1, 0, 1, 2, 3, -4})
	if err != nil {
		t.Fatal(err)
	}
	id := b.Write(in)
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(absProgram, []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	got, err := b.ReadSync(out)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{3, 2, 1, 0, 1, 2, 3, 4}
	for i, v := range got.AsFloat32() {
		if v != want[i] {
			t.Errorf("abs[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestRunKernelLargeInputUploads(t *testing.T) {
	b := newTestBackend(t, nil)
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	if !b.store.snapshot(id).onGPU() {
		t.Error("an input past the uniform threshold must move to a texture")
	}
	got, err := b.ReadSync(out)
	if err != nil {
		t.Fatal(err)
	}
	vals := got.AsFloat32()
	if len(vals) != n || vals[n-1] != float32(n-1) {
		t.Errorf("tail = %v, want %v", vals[n-1], n-1)
	}
}

func TestRunKernelZeroSizeOutput(t *testing.T) {
	b := newTestBackend(t, nil)
	id := b.Write(hostTensor(t, 4))
	defer b.DisposeData(id, true)

	before := b.dispatcher.DispatchCount()
	out, err := b.RunKernel(absWithShape(tensor.Shape{0, 4}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	if b.dispatcher.DispatchCount() != before {
		t.Error("zero-size outputs must not dispatch")
	}
	got, err := b.ReadSync(out)
	if err != nil {
		t.Fatal(err)
	}
	if got.NumElements() != 0 {
		t.Errorf("elements = %d, want 0", got.NumElements())
	}
}

func TestRunKernelNetHandleGrowthIsOne(t *testing.T) {
	b := newTestBackend(t, nil)
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))
	defer b.DisposeData(id, true)

	before := b.NumDataIDs()
	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	if got := b.NumDataIDs(); got != before+1 {
		t.Errorf("handles grew by %d, want 1; intermediates leaked", got-before)
	}
}

func TestPipelineCacheReusedAcrossShapes(t *testing.T) {
	b := newTestBackend(t, func(f *config.Flags) { f.ShapeUniforms = true })

	run := func(n int) {
		id := b.Write(hostTensor(t, n))
		defer b.DisposeData(id, true)
		out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
		if err != nil {
			t.Fatal(err)
		}
		b.DisposeData(out, true)
	}
	run(1000)
	count := b.compiler.CompileCount()
	run(2000)
	if b.compiler.CompileCount() != count {
		t.Errorf("compile count grew from %d to %d; structurally identical dispatches must share a pipeline",
			count, b.compiler.CompileCount())
	}
}

func TestCPUForwardSkipsGPU(t *testing.T) {
	b := newTestBackend(t, nil)
	prog := absWithShape(tensor.Shape{4})
	prog.CPUFallback = func(inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
		src := inputs[0].AsFloat32()
		out := make([]float32, len(src))
		for i, v := range src {
			out[i] = float32(math.Abs(float64(v)))
		}
		return tensor.FromFloat32(tensor.Shape{4}, out)
	}

	in, err := tensor.FromFloat32(tensor.Shape{4}, []float32{-1, 2, -3, 4})
	if err != nil {
		t.Fatal(err)
	}
	id := b.Write(in)
	defer b.DisposeData(id, true)

	before := b.dispatcher.DispatchCount()
	out, err := b.RunKernel(prog, []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	if b.dispatcher.DispatchCount() != before {
		t.Error("small host-resident inputs with a fallback must run on the CPU")
	}
	got, err := b.ReadSync(out)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 2, 3, 4}
	for i, v := range got.AsFloat32() {
		if v != want[i] {
			t.Errorf("cpu abs[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestAsyncReadFanIn(t *testing.T) {
	b := newTestBackend(t, nil)
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	ch1 := b.Read(out)
	ch2 := b.Read(out)
	r1 := <-ch1
	r2 := <-ch2
	if r1.Err != nil || r2.Err != nil {
		t.Fatalf("read errors: %v / %v", r1.Err, r2.Err)
	}
	if r1.Values.NumElements() != n || r2.Values.NumElements() != n {
		t.Error("both readers must receive the full tensor")
	}
}

func TestReadWithAutoFlushedBatches(t *testing.T) {
	b := newTestBackend(t, func(f *config.Flags) { f.MaxBatchSize = 1 })
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	// Every command buffer was submitted before the fence existed; the
	// read must still wait for that work, not report early completion.
	res := <-b.Read(out)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	vals := res.Values.AsFloat32()
	if len(vals) != n || vals[n-1] != float32(n-1) {
		t.Errorf("tail = %v, want %v", vals[n-1], n-1)
	}
}

func TestForceDisposeDuringAsyncRead(t *testing.T) {
	b := newTestBackend(t, nil)
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}

	ch := b.Read(out)
	b.DisposeData(out, true)

	res := <-ch
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Values.NumElements() != n {
		t.Errorf("read delivered %d elements, want %d", res.Values.NumElements(), n)
	}
	if got := b.NumDataIDs(); got != 1 {
		t.Errorf("live handles = %d, want 1; disposal behind the read did not complete", got)
	}
}

func TestShallowSliceAliasAndRead(t *testing.T) {
	b := newTestBackend(t, func(f *config.Flags) { f.PackEnabled = false })
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	view, err := b.ShallowSlice(out, 10, tensor.Shape{5})
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(view, true)

	got, err := b.ReadSync(view)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.AsFloat32() {
		if v != float32(10+i) {
			t.Errorf("slice[%d] = %v, want %d", i, v, 10+i)
		}
	}
}

func TestCloneBreaksAlias(t *testing.T) {
	b := newTestBackend(t, func(f *config.Flags) { f.PackEnabled = false })
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}

	view, err := b.ShallowSlice(out, 10, tensor.Shape{5})
	if err != nil {
		t.Fatal(err)
	}

	clone, err := b.Clone(view)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(clone, true)

	// The clone must survive its source and the source's owner.
	b.DisposeData(view, true)
	b.DisposeData(out, true)

	got, err := b.ReadSync(clone)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.AsFloat32() {
		if v != float32(10+i) {
			t.Errorf("clone[%d] = %v, want %d", i, v, 10+i)
		}
	}
}

func TestInt32RoundTripThroughKernel(t *testing.T) {
	b := newTestBackend(t, nil)
	n := b.Flags().UniformUploadSizeThreshold * 4
	src := make([]int32, n)
	for i := range src {
		src[i] = int32(i - n/2)
	}
	in, err := tensor.FromInt32(tensor.Shape{n}, src)
	if err != nil {
		t.Fatal(err)
	}
	id := b.Write(in)
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Int32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	got, err := b.ReadSync(out)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.AsInt32() {
		want := src[i]
		if want < 0 {
			want = -want
		}
		if v != want {
			t.Fatalf("abs int32[%d] = %d, want %d", i, v, want)
		}
	}
}

// hostBackend builds a backend over host-only storage, enough for the
// registration paths that never touch the device.
func hostBackend() *Backend {
	store := newHostStore()
	return &Backend{flags: config.Defaults(), store: store, log: logger.Discard()}
}

func TestWriteComplexValuesRejected(t *testing.T) {
	b := hostBackend()
	real, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{1, 2})
	imag, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{3, 4})
	vals, err := tensor.FromParts(tensor.Shape{2}, real, imag)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("writing assembled complex64 values must panic; parts go through WriteComplex")
		}
	}()
	b.Write(vals)
}

func TestMoveRegistersWithCallerRefCount(t *testing.T) {
	b := hostBackend()
	vals := hostTensor(t, 6)
	id, err := b.Move(vals, tensor.Shape{2, 3}, tensor.Float32, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.store.RefCount(id); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
	if !b.store.snapshot(id).shape.Equal(tensor.Shape{2, 3}) {
		t.Error("moved values must be viewed under the requested shape")
	}
	if b.DisposeData(id, false) {
		t.Error("first dispose must only drop one of the caller's references")
	}
	if !b.DisposeData(id, false) {
		t.Error("last dispose must free the moved data")
	}
}

func TestMoveRejectsMismatches(t *testing.T) {
	b := hostBackend()
	vals := hostTensor(t, 6)
	if _, err := b.Move(vals, tensor.Shape{7}, tensor.Float32, 1); err == nil {
		t.Error("element count mismatch must be rejected")
	}
	if _, err := b.Move(vals, tensor.Shape{6}, tensor.Int32, 1); err == nil {
		t.Error("dtype mismatch must be rejected")
	}
	if _, err := b.Move(vals, tensor.Shape{6}, tensor.Float32, 0); err == nil {
		t.Error("non-positive refcount must be rejected")
	}
}

func TestComplexWriteAndRead(t *testing.T) {
	b := newTestBackend(t, nil)
	real, err := tensor.FromFloat32(tensor.Shape{3}, []float32{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	imag, err := tensor.FromFloat32(tensor.Shape{3}, []float32{4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	id := b.WriteComplex(tensor.Shape{3}, real, imag)
	defer b.DisposeData(id, true)

	got, err := b.ReadSync(id)
	if err != nil {
		t.Fatal(err)
	}
	vals := got.AsComplex64()
	if vals[0] != complex(float32(1), float32(4)) || vals[2] != complex(float32(3), float32(6)) {
		t.Errorf("complex values = %v", vals)
	}
}

func TestStringTensorsStayOnHost(t *testing.T) {
	b := newTestBackend(t, nil)
	in, err := tensor.FromStrings(tensor.Shape{2}, [][]byte{[]byte("hello"), []byte("world")})
	if err != nil {
		t.Fatal(err)
	}
	id := b.Write(in)
	defer b.DisposeData(id, true)

	got, err := b.ReadSync(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.StringData()[1]) != "world" {
		t.Errorf("string[1] = %q", got.StringData()[1])
	}

	if _, err := b.RunKernel(absWithShape(tensor.Shape{2}), []DataID{id}, tensor.Float32, nil); err == nil {
		t.Error("string tensors must be rejected as kernel inputs")
	}
}

func TestComplexKernelInputRejected(t *testing.T) {
	b := newTestBackend(t, nil)
	real, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{1, 2})
	imag, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{3, 4})
	id := b.WriteComplex(tensor.Shape{2}, real, imag)
	defer b.DisposeData(id, true)

	if _, err := b.RunKernel(absWithShape(tensor.Shape{2}), []DataID{id}, tensor.Float32, nil); err == nil {
		t.Error("complex64 inputs must be decomposed before dispatch")
	}
}

func TestBroadcastAddKernel(t *testing.T) {
	b := newTestBackend(t, func(f *config.Flags) { f.UniformUploadSizeThreshold = 0 })
	prog := &Program{
		Name:        "AddB",
		Variables:   []string{"a", "b"},
		OutputShape: tensor.Shape{3, 4},
		Source: `
fn run(i: i32) -> f32 {
    return read_a(i) + read_b(i);
}
`,
	}

	a, err := tensor.FromFloat32(tensor.Shape{3, 4}, seq(12))
	if err != nil {
		t.Fatal(err)
	}
	row, err := tensor.FromFloat32(tensor.Shape{1, 4}, []float32{100, 200, 300, 400})
	if err != nil {
		t.Fatal(err)
	}
	aID := b.Write(a)
	rowID := b.Write(row)
	defer b.DisposeData(aID, true)
	defer b.DisposeData(rowID, true)

	out, err := b.RunKernel(prog, []DataID{aID, rowID}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	got, err := b.ReadSync(out)
	if err != nil {
		t.Fatal(err)
	}
	vals := got.AsFloat32()
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			want := float32(r*4+c) + float32((c+1)*100)
			if vals[r*4+c] != want {
				t.Fatalf("out[%d][%d] = %v, want %v", r, c, vals[r*4+c], want)
			}
		}
	}
}

func TestPackedPipelineRoundTrip(t *testing.T) {
	b := newTestBackend(t, func(f *config.Flags) {
		f.UniformUploadSizeThreshold = 0
		f.LazyUnpack = false
	})
	prog := &Program{
		Name:         "TilePass",
		Variables:    []string{"a"},
		OutputShape:  tensor.Shape{5, 7},
		Source:       tileBodySource,
		PackedInputs: true,
		OutPacking:   SchemePacked,
	}

	in, err := tensor.FromFloat32(tensor.Shape{5, 7}, seq(35))
	if err != nil {
		t.Fatal(err)
	}
	id := b.Write(in)
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(prog, []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	// Eager unpack leaves the output unpacked for consumers.
	if b.store.snapshot(out).scheme != SchemeUnpacked {
		t.Error("eager unpack must leave the output unpacked")
	}
	got, err := b.ReadSync(out)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.AsFloat32() {
		if v != float32(i) {
			t.Fatalf("identity through packed pipeline [%d] = %v, want %d", i, v, i)
		}
	}
}

func TestPackingRepairLeavesNoExtraHandles(t *testing.T) {
	b := newTestBackend(t, func(f *config.Flags) {
		f.UniformUploadSizeThreshold = 0
		f.PackEnabled = false
	})
	prog := &Program{
		Name:         "TilePass",
		Variables:    []string{"a"},
		OutputShape:  tensor.Shape{5, 7},
		Source:       tileBodySource,
		PackedInputs: true,
		OutPacking:   SchemePacked,
	}

	in, err := tensor.FromFloat32(tensor.Shape{5, 7}, seq(35))
	if err != nil {
		t.Fatal(err)
	}
	id := b.Write(in)
	defer b.DisposeData(id, true)

	// The unpacked upload disagrees with the program's packed layout, so
	// the dispatch has to repair it through a pack copy.
	before := b.NumDataIDs()
	out, err := b.RunKernel(prog, []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.NumDataIDs(); got != before+1 {
		t.Errorf("handles grew by %d, want 1; the pack copy leaked", got-before)
	}

	got, err := b.ReadSync(out)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.AsFloat32() {
		if v != float32(i) {
			t.Fatalf("repaired dispatch [%d] = %v, want %d", i, v, i)
		}
	}
	b.DisposeData(out, true)
	if got := b.NumDataIDs(); got != before {
		t.Errorf("handles after disposal = %d, want %d", got, before)
	}
}

func TestCustomUniformSlice(t *testing.T) {
	b := newTestBackend(t, func(f *config.Flags) { f.UniformUploadSizeThreshold = 0 })
	in, err := tensor.FromFloat32(tensor.Shape{10}, seq(10))
	if err != nil {
		t.Fatal(err)
	}
	id := b.Write(in)
	defer b.DisposeData(id, true)

	out, err := b.RunKernel(sliceProgram(tensor.Shape{4}), []DataID{id}, tensor.Float32,
		[]UniformValue{{Ints: []int32{3}}})
	if err != nil {
		t.Fatal(err)
	}
	defer b.DisposeData(out, true)

	got, err := b.ReadSync(out)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.AsFloat32() {
		if v != float32(3+i) {
			t.Errorf("slice[%d] = %v, want %d", i, v, 3+i)
		}
	}
}

func TestTimeMeasuresBlock(t *testing.T) {
	b := newTestBackend(t, nil)
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))
	defer b.DisposeData(id, true)

	info, err := b.Time(func() error {
		out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
		if err != nil {
			return err
		}
		b.DisposeData(out, true)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.WallMs < 0 {
		t.Errorf("wall time = %v", info.WallMs)
	}
	if info.DeviceTimeUnreliable {
		if info.DeviceMs != 0 {
			t.Error("unreliable device time must be zero")
		}
		return
	}
	if len(info.Kernels) == 0 {
		t.Fatal("a timed dispatch must appear in the per-kernel breakdown")
	}
	var sum float64
	for _, k := range info.Kernels {
		if k.Name == "" {
			t.Error("kernel timing entry without a name")
		}
		sum += k.Ms
	}
	if sum != info.DeviceMs {
		t.Errorf("device time %v does not equal kernel sum %v", info.DeviceMs, sum)
	}
}

func TestTimeOutsideBlockRecordsNothing(t *testing.T) {
	b := newTestBackend(t, nil)
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))
	defer b.DisposeData(id, true)

	info, err := b.Time(func() error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Kernels) != 0 || info.DeviceMs != 0 {
		t.Errorf("empty block reported %d kernels, %v ms", len(info.Kernels), info.DeviceMs)
	}

	// Dispatches after the block must not leak into a dead session.
	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	b.DisposeData(out, true)
}

func TestFloatPrecisionProbe(t *testing.T) {
	b := newTestBackend(t, nil)
	p := b.FloatPrecision()
	if p != 16 && p != 32 {
		t.Errorf("precision = %d, want 16 or 32", p)
	}
	if p2 := b.FloatPrecision(); p2 != p {
		t.Error("probe must be memoized")
	}
}

func TestMemoryInfoTracksPool(t *testing.T) {
	b := newTestBackend(t, nil)
	n := b.Flags().UniformUploadSizeThreshold * 4
	id := b.Write(hostTensor(t, n))

	out, err := b.RunKernel(absWithShape(tensor.Shape{n}), []DataID{id}, tensor.Float32, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.MemoryInfo().NumBytesInGPU == 0 {
		t.Error("dispatch must allocate texture memory")
	}

	b.DisposeData(out, true)
	b.DisposeData(id, true)
	info := b.MemoryInfo()
	if info.NumBytesInPool == 0 {
		t.Error("released textures must return to the pool")
	}
	if info.NumDataIDs != 0 {
		t.Errorf("live handles = %d, want 0", info.NumDataIDs)
	}
}
