package webgpu

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/lumen-ml/lumen/internal/tensor"
)

// Program describes one compute kernel independent of any tensor instance:
// input variable names in call order, the output shape, and a WGSL body
// defining run (unpacked/dense output) or run_packed (packed output) over
// the sampling helpers the compiler synthesizes for each variable.
type Program struct {
	Name        string
	Variables   []string
	OutputShape tensor.Shape
	Source      string

	// PackedInputs declares that every sampled input must be resident in
	// the packed layout; the dispatcher repacks mismatched inputs.
	PackedInputs bool

	// OutPacking selects the output texel layout. SchemeDense forces the
	// physical texture shape from DenseTexShape instead of deriving it.
	OutPacking PackScheme

	// OutUsage overrides the usage tag of the output record.
	OutUsage *TextureUsage

	// CustomUniforms declares extra per-dispatch uniforms, each occupying
	// one 16-byte slot named after the declaration.
	CustomUniforms []UniformDecl

	// CPUFallback, when set, lets the dispatcher run the kernel on the
	// host for small fully host-resident inputs.
	CPUFallback func(inputs []*tensor.RawTensor) (*tensor.RawTensor, error)
}

// UniformDecl declares a custom uniform.
type UniformDecl struct {
	Name string
	Type string // f32, i32, vec2f, vec3f, vec4f, vec2i, vec3i, vec4i
}

// UniformValue carries one custom uniform's per-dispatch value. Exactly
// one of Floats/Ints is set, matching the declared base type.
type UniformValue struct {
	Floats []float32
	Ints   []int32
}

var uniformFieldTypes = map[string]string{
	"f32":   "vec4<f32>",
	"vec2f": "vec4<f32>",
	"vec3f": "vec4<f32>",
	"vec4f": "vec4<f32>",
	"i32":   "vec4<i32>",
	"vec2i": "vec4<i32>",
	"vec3i": "vec4<i32>",
	"vec4i": "vec4<i32>",
}

// inputInfo is the concrete metadata of one kernel input at dispatch time.
type inputInfo struct {
	name     string
	dtype    tensor.DataType
	shape    tensor.Shape
	texShape TexShape
	scheme   PackScheme
	offset   int

	// uniform inputs are passed as a uniform array, no texture bound.
	uniform     bool
	uniformVals []float32
}

// outputInfo is the concrete metadata of the kernel output.
type outputInfo struct {
	shape    tensor.Shape
	texShape TexShape
	scheme   PackScheme
}

// shapeFacts are the structural facts of one tensor that shader synthesis
// depends on. Two dispatches whose tensors share facts can share one
// compiled pipeline; the fact set is a correctness floor for the cache key.
type shapeFacts struct {
	rank        int
	isScalar    bool
	physDefault bool
	broadcast   string
	rowsEven    bool
	colsEven    bool
	hasOffset   bool
	scheme      PackScheme
	uniform     bool
	uniformLen  int
}

func (f shapeFacts) signature() string {
	return fmt.Sprintf("r%d_s%v_p%v_b[%s]_e%v%v_o%v_%s_u%v%d",
		f.rank, f.isScalar, f.physDefault, f.broadcast,
		f.rowsEven, f.colsEven, f.hasOffset, f.scheme, f.uniform, f.uniformLen)
}

// factsFor derives the structural facts of an input against the output
// shape it broadcasts to.
func factsFor(shape tensor.Shape, texShape TexShape, scheme PackScheme, offset int,
	uniform bool, uniformVals []float32, outShape tensor.Shape) shapeFacts {

	s3 := ShapeAs3D(shape)
	var bdims []string
	outRank := len(outShape)
	for d := 0; d < outRank; d++ {
		id := d - (outRank - len(shape))
		inDim := 1
		if id >= 0 {
			inDim = shape[id]
		}
		if inDim == 1 && outShape[d] > 1 {
			bdims = append(bdims, fmt.Sprintf("%d", d))
		}
	}
	sort.Strings(bdims)

	return shapeFacts{
		rank:        len(shape),
		isScalar:    shape.NumElements() == 1,
		physDefault: texShape == PhysicalShapeFor(shape, scheme.IsPacked()),
		broadcast:   strings.Join(bdims, ","),
		rowsEven:    isEven(s3[1]),
		colsEven:    isEven(s3[2]),
		hasOffset:   offset != 0,
		scheme:      scheme,
		uniform:     uniform,
		uniformLen:  len(uniformVals),
	}
}

func outFactsFor(out outputInfo) shapeFacts {
	s3 := ShapeAs3D(out.shape)
	return shapeFacts{
		rank:        len(out.shape),
		isScalar:    out.shape.NumElements() == 1,
		physDefault: out.texShape == PhysicalShapeFor(out.shape, out.scheme.IsPacked()),
		rowsEven:    isEven(s3[1]),
		colsEven:    isEven(s3[2]),
		scheme:      out.scheme,
	}
}

// uniformSlot is one 16-byte aligned entry in the params uniform buffer.
type uniformSlot struct {
	name   string
	offset int
	count  int // number of vec4 slots
}

type uniformLayout struct {
	slots  []uniformSlot
	byName map[string]int
	size   int
}

func newUniformLayout() *uniformLayout {
	return &uniformLayout{byName: make(map[string]int)}
}

func (l *uniformLayout) add(name string, vec4s int) {
	l.slots = append(l.slots, uniformSlot{name: name, offset: l.size, count: vec4s})
	l.byName[name] = l.size
	l.size += vec4s * 16
}

func (l *uniformLayout) offsetOf(name string) (int, bool) {
	off, ok := l.byName[name]
	return off, ok
}

// CompiledKernel is a compiled pipeline plus everything needed to bind a
// dispatch: the uniform layout and the texture binding order. Created once
// per structural key and reused until the context is disposed.
type CompiledKernel struct {
	name       string
	pipeline   *wgpu.RenderPipeline
	bindLayout *wgpu.BindGroupLayout
	layout     *uniformLayout
	source     string

	// recorded structural facts; a mismatch on reuse is a cache-key
	// collision and therefore a programming error.
	inFacts  []shapeFacts
	outFacts shapeFacts

	// textureVars lists the variable indices bound as textures, in
	// binding order starting at 1.
	textureVars []int
}

// Compiler synthesizes kernel WGSL, compiles pipelines, and caches them by
// structural key. The cache is append-only; it is cleared only when the
// context is torn down.
type Compiler struct {
	ctx *RenderContext

	mu    sync.RWMutex
	cache map[string]*CompiledKernel

	// compileCount counts actual pipeline builds (cache misses).
	compileCount int
}

// NewCompiler creates a compiler bound to the context.
func NewCompiler(ctx *RenderContext) *Compiler {
	return &Compiler{ctx: ctx, cache: make(map[string]*CompiledKernel)}
}

// CompileCount returns the number of pipelines actually built.
func (kc *Compiler) CompileCount() int {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.compileCount
}

// structuralKey builds the cache key for one dispatch. With shape uniforms
// enabled the key carries only structural facts, so differently-shaped but
// structurally identical dispatches share a pipeline; otherwise raw shapes
// are included and each shape compiles its own pipeline.
func structuralKey(prog *Program, ins []inputInfo, out outputInfo,
	version string, shapeUniforms bool) string {

	var b strings.Builder
	b.WriteString(prog.Name)
	b.WriteByte('|')
	b.WriteString(version)
	b.WriteByte('|')
	for _, in := range ins {
		f := factsFor(in.shape, in.texShape, in.scheme, in.offset, in.uniform, in.uniformVals, out.shape)
		b.WriteString(f.signature())
		if !shapeUniforms {
			fmt.Fprintf(&b, "@%v%v", in.shape, in.texShape)
		}
		b.WriteByte(';')
	}
	b.WriteString(outFactsFor(out).signature())
	if !shapeUniforms {
		fmt.Fprintf(&b, "@%v%v", out.shape, out.texShape)
	}
	b.WriteByte('|')
	b.WriteString(prog.Source)
	return b.String()
}

// GetOrCompile returns the cached pipeline for the dispatch's structural
// key, compiling on miss.
func (kc *Compiler) GetOrCompile(prog *Program, ins []inputInfo, out outputInfo) (*CompiledKernel, error) {
	key := structuralKey(prog, ins, out, kc.ctx.caps.Version, kc.ctx.flags.ShapeUniforms)

	kc.mu.RLock()
	k, ok := kc.cache[key]
	kc.mu.RUnlock()
	if ok {
		if err := k.checkFacts(ins, out); err != nil {
			panic(err.Error())
		}
		return k, nil
	}

	k, err := kc.compile(prog, ins, out)
	if err != nil {
		return nil, err
	}

	kc.mu.Lock()
	kc.cache[key] = k
	kc.compileCount++
	kc.mu.Unlock()
	return k, nil
}

// checkFacts asserts that a cached pipeline's recorded structure matches
// the current dispatch.
func (k *CompiledKernel) checkFacts(ins []inputInfo, out outputInfo) error {
	if len(ins) != len(k.inFacts) {
		return fmt.Errorf("webgpu: kernel %s: cached binary expects %d inputs, got %d (cache key collision)",
			k.name, len(k.inFacts), len(ins))
	}
	for i, in := range ins {
		f := factsFor(in.shape, in.texShape, in.scheme, in.offset, in.uniform, in.uniformVals, out.shape)
		if f.signature() != k.inFacts[i].signature() {
			return fmt.Errorf("webgpu: kernel %s: input %d structure %s does not match cached %s (cache key collision)",
				k.name, i, f.signature(), k.inFacts[i].signature())
		}
	}
	if outFactsFor(out).signature() != k.outFacts.signature() {
		return fmt.Errorf("webgpu: kernel %s: output structure does not match cached binary (cache key collision)",
			k.name)
	}
	return nil
}

// compile synthesizes the full WGSL source and builds the pipeline.
func (kc *Compiler) compile(prog *Program, ins []inputInfo, out outputInfo) (*CompiledKernel, error) {
	if len(ins) != len(prog.Variables) {
		return nil, fmt.Errorf("webgpu: kernel %s declares %d variables but got %d inputs",
			prog.Name, len(prog.Variables), len(ins))
	}
	for _, in := range ins {
		if in.dtype == tensor.Complex64 {
			return nil, fmt.Errorf("webgpu: kernel %s: complex64 input %q must be decomposed into real and imaginary parts",
				prog.Name, in.name)
		}
	}

	layout := newUniformLayout()
	layout.add("sentinels", 1)
	layout.add("out_meta", 1)
	layout.add("out_shape", 1)
	layout.add("out_strides", 1)
	if out.scheme == SchemePacked {
		layout.add("out_shape3d", 1)
	}

	var fields strings.Builder
	fields.WriteString("    sentinels: vec4<f32>,\n")
	fields.WriteString("    out_meta: vec4<i32>,\n")
	fields.WriteString("    out_shape: vec4<i32>,\n")
	fields.WriteString("    out_strides: vec4<i32>,\n")
	if out.scheme == SchemePacked {
		fields.WriteString("    out_shape3d: vec4<i32>,\n")
	}

	var textureVars []int
	for i, in := range ins {
		v := prog.Variables[i]
		layout.add(v+"_meta", 1)
		layout.add(v+"_strides", 1)
		fmt.Fprintf(&fields, "    %s_meta: vec4<i32>,\n", v)
		fmt.Fprintf(&fields, "    %s_strides: vec4<i32>,\n", v)
		if in.scheme == SchemePacked {
			layout.add(v+"_shape3d", 1)
			fmt.Fprintf(&fields, "    %s_shape3d: vec4<i32>,\n", v)
		}
		if !in.uniform {
			textureVars = append(textureVars, i)
		}
	}
	for _, cu := range prog.CustomUniforms {
		fieldType, ok := uniformFieldTypes[cu.Type]
		if !ok {
			return nil, fmt.Errorf("webgpu: kernel %s: unsupported custom uniform type %q for %q",
				prog.Name, cu.Type, cu.Name)
		}
		layout.add(cu.Name, 1)
		fmt.Fprintf(&fields, "    %s: %s,\n", cu.Name, fieldType)
	}
	// Uniform-uploaded input arrays come last so variable slot offsets
	// stay independent of their lengths.
	for i, in := range ins {
		if in.uniform {
			v := prog.Variables[i]
			slots := ceilDiv(len(in.uniformVals), 4)
			if slots < 1 {
				slots = 1
			}
			layout.add(v+"_vals", slots)
			fmt.Fprintf(&fields, "    %s_vals: array<vec4<f32>, %d>,\n", v, slots)
		}
	}

	var src strings.Builder
	src.WriteString(quadVertexSource)
	src.WriteString("\nstruct Params {\n")
	src.WriteString(fields.String())
	src.WriteString("}\n\n")
	src.WriteString("@group(0) @binding(0) var<uniform> params: Params;\n")
	for bindIdx, varIdx := range textureVars {
		fmt.Fprintf(&src, "@group(0) @binding(%d) var tex_%s: texture_2d<f32>;\n",
			bindIdx+1, prog.Variables[varIdx])
	}
	src.WriteString("\nfn nan_value() -> f32 { return params.sentinels.x; }\n")
	src.WriteString("fn inf_value() -> f32 { return params.sentinels.y; }\n\n")

	for i, in := range ins {
		if err := writeSamplers(&src, prog.Variables[i], in, out.shape); err != nil {
			return nil, fmt.Errorf("webgpu: kernel %s: %w", prog.Name, err)
		}
	}

	src.WriteString(prog.Source)
	switch out.scheme {
	case SchemePacked:
		src.WriteString(fsMainPacked)
	case SchemeDense:
		src.WriteString(fsMainDense)
	default:
		src.WriteString(fsMainUnpacked)
	}

	k, err := kc.buildPipeline(prog.Name, src.String(), out.scheme.IsPacked(), len(textureVars))
	if err != nil {
		return nil, err
	}
	k.layout = layout
	k.textureVars = textureVars
	k.inFacts = make([]shapeFacts, len(ins))
	for i, in := range ins {
		k.inFacts[i] = factsFor(in.shape, in.texShape, in.scheme, in.offset, in.uniform, in.uniformVals, out.shape)
	}
	k.outFacts = outFactsFor(out)
	return k, nil
}

// writeSamplers emits sample_{v} (by input flat index) and read_{v} (by
// output flat index, broadcast-resolved) for one variable.
func writeSamplers(src *strings.Builder, v string, in inputInfo, outShape tensor.Shape) error {
	// sample by the input's own flat index
	switch {
	case in.uniform:
		fmt.Fprintf(src, `fn sample_%[1]s(idx: i32) -> f32 {
    return params.%[1]s_vals[u32(idx) / 4u][u32(idx) %% 4u];
}
`, v)
	case in.scheme == SchemePacked:
		fmt.Fprintf(src, `fn sample_%[1]s(idx: i32) -> f32 {
    let s = params.%[1]s_shape3d;
    let j = idx + params.%[1]s_meta.x;
    let plane = s.y * s.z;
    let b = j / plane;
    let rr = (j %% plane) / s.z;
    let cc = j %% s.z;
    let t = textureLoad(tex_%[1]s, vec2<i32>(cc / 2, b * s.w + rr / 2), 0);
    return t[u32((rr %% 2) * 2 + cc %% 2)];
}
`, v)
	case in.scheme == SchemeDense:
		fmt.Fprintf(src, `fn sample_%[1]s(idx: i32) -> f32 {
    let j = idx + params.%[1]s_meta.x;
    let t = j / 4;
    let c = params.%[1]s_meta.y;
    return textureLoad(tex_%[1]s, vec2<i32>(t %% c, t / c), 0)[u32(j %% 4)];
}
`, v)
	default:
		fmt.Fprintf(src, `fn sample_%[1]s(idx: i32) -> f32 {
    let j = idx + params.%[1]s_meta.x;
    let c = params.%[1]s_meta.y;
    return textureLoad(tex_%[1]s, vec2<i32>(j %% c, j / c), 0).r;
}
`, v)
	}

	// read by output flat index
	facts := factsFor(in.shape, in.texShape, in.scheme, in.offset, in.uniform, in.uniformVals, outShape)
	switch {
	case facts.isScalar:
		fmt.Fprintf(src, "fn read_%[1]s(oi: i32) -> f32 { return sample_%[1]s(0); }\n\n", v)
	case facts.broadcast == "":
		fmt.Fprintf(src, "fn read_%[1]s(oi: i32) -> f32 { return sample_%[1]s(oi); }\n\n", v)
	default:
		if len(outShape) > 4 {
			return fmt.Errorf("broadcast input %q against rank-%d output is unsupported (max rank 4)",
				v, len(outShape))
		}
		comps := []string{"x", "y", "z", "w"}
		fmt.Fprintf(src, "fn read_%[1]s(oi: i32) -> f32 {\n    var rem = oi;\n    var ii = 0;\n", v)
		for d := 0; d < len(outShape); d++ {
			fmt.Fprintf(src,
				"    let c%[1]d = rem / params.out_strides.%[2]s;\n"+
					"    rem = rem %% params.out_strides.%[2]s;\n"+
					"    ii = ii + c%[1]d * params.%[3]s_strides.%[2]s;\n",
				d, comps[d], v)
		}
		fmt.Fprintf(src, "    return sample_%s(ii);\n}\n\n", v)
	}
	return nil
}

// buildPipeline compiles the shader module and links the render pipeline,
// attaching the synthesized source to any driver failure.
func (kc *Compiler) buildPipeline(name, source string, packedOut bool, numTextures int) (k *CompiledKernel, err error) {
	kc.ctx.ensureLive()
	defer func() {
		if r := recover(); r != nil {
			k = nil
			err = fmt.Errorf("webgpu: kernel %s: pipeline compile failed: %v\n--- shader source ---\n%s", name, r, source)
		}
	}()

	device := kc.ctx.device
	module := device.CreateShaderModuleWGSL(source)

	entries := []wgpu.BindGroupLayoutEntry{{
		Binding:    0,
		Visibility: wgpu.ShaderStageFragment,
		Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
	}}
	for i := 0; i < numTextures; i++ {
		entries = append(entries, wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i + 1),
			Visibility: wgpu.ShaderStageFragment,
			Texture: wgpu.TextureBindingLayout{
				SampleType:    wgpu.TextureSampleTypeUnfilterableFloat,
				ViewDimension: wgpu.TextureViewDimension2D,
			},
		})
	}
	bindLayout := device.CreateBindGroupLayoutSimple(entries)
	pipelineLayout := device.CreatePipelineLayoutSimple([]*wgpu.BindGroupLayout{bindLayout})

	quadAttrs := []wgpu.VertexAttribute{
		{ShaderLocation: 0, Offset: 0, Format: wgpu.VertexFormatFloat32x2},
		{ShaderLocation: 1, Offset: 8, Format: wgpu.VertexFormatFloat32x2},
	}
	pipeline := device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Layout: pipelineLayout,
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
			Buffers: []wgpu.VertexBufferLayout{{
				ArrayStride:    16,
				StepMode:       wgpu.VertexStepModeVertex,
				AttributeCount: uintptr(len(quadAttrs)),
				Attributes:     &quadAttrs[0],
			}},
		},
		Primitive:   wgpu.PrimitiveState{Topology: wgpu.PrimitiveTopologyTriangleList},
		Multisample: wgpu.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    textureFormat(packedOut),
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
	})

	return &CompiledKernel{
		name:       name,
		pipeline:   pipeline,
		bindLayout: bindLayout,
		source:     source,
	}, nil
}

// Dispose drops the cache. Pipelines are owned by the device; releasing
// the device frees them.
func (kc *Compiler) Dispose() {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	for _, k := range kc.cache {
		if k.pipeline != nil {
			k.pipeline.Release()
		}
	}
	kc.cache = make(map[string]*CompiledKernel)
}
