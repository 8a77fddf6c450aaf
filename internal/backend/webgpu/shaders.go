package webgpu

import "github.com/lumen-ml/lumen/internal/tensor"

// WGSL sources shared by every kernel. The vertex stage is the fixed
// full-screen quad; the fragment stage is synthesized per kernel by the
// compiler and computes one output texel per invocation.

// quadVertexSource is the fixed vertex stage linked into every kernel.
const quadVertexSource = `
struct VSOut {
    @builtin(position) pos: vec4<f32>,
    @location(0) uv: vec2<f32>,
}

@vertex
fn vs_main(@location(0) position: vec2<f32>, @location(1) uv: vec2<f32>) -> VSOut {
    var out: VSOut;
    out.pos = vec4<f32>(position, 0.0, 1.0);
    out.uv = uv;
    return out;
}
`

// fragment entry points per output scheme. The kernel body supplies run
// (unpacked and dense outputs) or run_packed (packed outputs).

const fsMainUnpacked = `
@fragment
fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
    let tc = i32(pos.x);
    let tr = i32(pos.y);
    let oi = tr * params.out_meta.y + tc;
    if (oi >= params.out_meta.x) {
        return vec4<f32>(0.0);
    }
    return vec4<f32>(run(oi), 0.0, 0.0, 0.0);
}
`

const fsMainDense = `
@fragment
fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
    let tc = i32(pos.x);
    let tr = i32(pos.y);
    let base = (tr * params.out_meta.y + tc) * 4;
    var v = vec4<f32>(0.0);
    if (base < params.out_meta.x) { v.x = run(base); }
    if (base + 1 < params.out_meta.x) { v.y = run(base + 1); }
    if (base + 2 < params.out_meta.x) { v.z = run(base + 2); }
    if (base + 3 < params.out_meta.x) { v.w = run(base + 3); }
    return v;
}
`

const fsMainPacked = `
@fragment
fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
    return run_packed(vec2<i32>(i32(pos.x), i32(pos.y)));
}
`

// tileBodySource samples four logical elements of "a" into one output
// texel following the 2x2 tiling of out_shape3d. Used by the pack,
// packed-reshape, and packed-clone built-ins: sample_a resolves against
// the input's own layout, so the same body serves all three.
const tileBodySource = `
fn run_packed(texel: vec2<i32>) -> vec4<f32> {
    let s = params.out_shape3d;
    let b = texel.y / s.w;
    let tr = texel.y % s.w;
    let r0 = tr * 2;
    let c0 = texel.x * 2;
    let plane = s.y * s.z;
    var v = vec4<f32>(0.0);
    if (r0 < s.y && c0 < s.z) {
        v.x = sample_a(b * plane + r0 * s.z + c0);
    }
    if (r0 < s.y && c0 + 1 < s.z) {
        v.y = sample_a(b * plane + r0 * s.z + c0 + 1);
    }
    if (r0 + 1 < s.y && c0 < s.z) {
        v.z = sample_a(b * plane + (r0 + 1) * s.z + c0);
    }
    if (r0 + 1 < s.y && c0 + 1 < s.z) {
        v.w = sample_a(b * plane + (r0 + 1) * s.z + c0 + 1);
    }
    return v;
}
`

// identityBodySource copies "a" element for element.
const identityBodySource = `
fn run(i: i32) -> f32 {
    return sample_a(i);
}
`

// packProgram converts an unpacked texture into the 2x2 packed layout.
func packProgram(shape tensor.Shape) *Program {
	return &Program{
		Name:        "Pack",
		Variables:   []string{"a"},
		OutputShape: shape,
		Source:      tileBodySource,
		OutPacking:  SchemePacked,
	}
}

// unpackProgram converts a packed texture into the dense unpacked layout.
func unpackProgram(shape tensor.Shape) *Program {
	return &Program{
		Name:         "Unpack",
		Variables:    []string{"a"},
		OutputShape:  shape,
		Source:       identityBodySource,
		PackedInputs: true,
		OutPacking:   SchemeUnpacked,
	}
}

// reshapePackedProgram rebuilds a packed texture for a new logical shape.
// Flat element order is preserved; only the tiling changes.
func reshapePackedProgram(outShape tensor.Shape) *Program {
	return &Program{
		Name:         "ReshapePacked",
		Variables:    []string{"a"},
		OutputShape:  outShape,
		Source:       tileBodySource,
		PackedInputs: true,
		OutPacking:   SchemePacked,
	}
}

// cloneProgram materializes a tensor into a dedicated texture, keeping the
// source layout.
func cloneProgram(shape tensor.Shape, packed bool) *Program {
	if packed {
		return &Program{
			Name:         "ClonePacked",
			Variables:    []string{"a"},
			OutputShape:  shape,
			Source:       tileBodySource,
			PackedInputs: true,
			OutPacking:   SchemePacked,
		}
	}
	return &Program{
		Name:        "Clone",
		Variables:   []string{"a"},
		OutputShape: shape,
		Source:      identityBodySource,
		OutPacking:  SchemeUnpacked,
	}
}

// sliceBodySource copies a contiguous flat window of "a" starting at the
// begin uniform.
const sliceBodySource = `
fn run(i: i32) -> f32 {
    return sample_a(i + params.begin.x);
}
`

// sliceProgram materializes a flat contiguous window of "a" into an
// unpacked texture. Used when the source layout cannot be aliased.
func sliceProgram(outShape tensor.Shape) *Program {
	return &Program{
		Name:           "Slice",
		Variables:      []string{"a"},
		OutputShape:    outShape,
		Source:         sliceBodySource,
		OutPacking:     SchemeUnpacked,
		CustomUniforms: []UniformDecl{{Name: "begin", Type: "i32"}},
	}
}
