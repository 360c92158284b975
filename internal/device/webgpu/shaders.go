package webgpu

import (
	"fmt"
	"strings"
)

const (
	workgroupSize = 256
	maxGroupsX    = 65535
)

// kernel describes a compute shader over flat f32 storage operands.
//
// Operands are bound in order (inputs first, then outputs) followed by a
// uniform block. The block starts with one u32 element offset per operand,
// named o_<operand>, then the kernel's own fields. The body runs once per
// invocation with idx set to the flattened invocation index.
type kernel struct {
	name    string
	inputs  []string
	outputs []string
	fields  []field
	body    string
}

type field struct {
	name  string
	float bool
}

func u32(name string) field { return field{name: name} }
func f32(name string) field { return field{name: name, float: true} }

// operands returns the number of storage bindings.
func (k *kernel) operands() int {
	return len(k.inputs) + len(k.outputs)
}

// paramWords returns the uniform block size in 32-bit words.
func (k *kernel) paramWords() int {
	return k.operands() + len(k.fields)
}

// source renders the kernel as WGSL.
func (k *kernel) source() string {
	var sb strings.Builder

	sb.WriteString("struct Params {\n")
	for _, name := range k.names() {
		fmt.Fprintf(&sb, "    o_%s: u32,\n", name)
	}
	for _, f := range k.fields {
		typ := "u32"
		if f.float {
			typ = "f32"
		}
		fmt.Fprintf(&sb, "    %s: %s,\n", f.name, typ)
	}
	sb.WriteString("}\n\n")

	binding := 0
	for _, name := range k.inputs {
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read> %s: array<f32>;\n", binding, name)
		binding++
	}
	for _, name := range k.outputs {
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read_write> %s: array<f32>;\n", binding, name)
		binding++
	}
	fmt.Fprintf(&sb, "@group(0) @binding(%d) var<uniform> p: Params;\n\n", binding)

	fmt.Fprintf(&sb, "@compute @workgroup_size(%d)\n", workgroupSize)
	sb.WriteString("fn main(@builtin(global_invocation_id) gid: vec3<u32>) {\n")
	fmt.Fprintf(&sb, "    let idx = gid.x + gid.y * %du;\n", maxGroupsX*workgroupSize)
	sb.WriteString(k.body)
	sb.WriteString("}\n")
	return sb.String()
}

func (k *kernel) names() []string {
	return append(append([]string{}, k.inputs...), k.outputs...)
}

const sigmoidFn = `
fn sigmoid(x: f32) -> f32 {
    return 1.0 / (1.0 + exp(-x));
}
`

var (
	fillKernel = &kernel{
		name:    "fill",
		outputs: []string{"x"},
		fields:  []field{u32("n"), f32("value")},
		body: `    if (idx >= p.n) { return; }
    x[p.o_x + idx] = p.value;
`,
	}

	scaleKernel = &kernel{
		name:    "scale",
		outputs: []string{"x"},
		fields:  []field{u32("n"), f32("alpha")},
		body: `    if (idx >= p.n) { return; }
    x[p.o_x + idx] = p.alpha * x[p.o_x + idx];
`,
	}

	clampKernel = &kernel{
		name:    "clamp",
		outputs: []string{"x"},
		fields:  []field{u32("n"), f32("lo"), f32("hi")},
		body: `    if (idx >= p.n) { return; }
    x[p.o_x + idx] = clamp(x[p.o_x + idx], p.lo, p.hi);
`,
	}

	axpyKernel = &kernel{
		name:    "axpy",
		inputs:  []string{"x"},
		outputs: []string{"y"},
		fields:  []field{u32("n"), f32("alpha")},
		body: `    if (idx >= p.n) { return; }
    y[p.o_y + idx] = y[p.o_y + idx] + p.alpha * x[p.o_x + idx];
`,
	}

	gemmKernel = &kernel{
		name:    "gemm",
		inputs:  []string{"a", "b"},
		outputs: []string{"c"},
		fields:  []field{u32("m"), u32("n"), u32("k"), u32("trans_a"), u32("trans_b"), f32("alpha"), f32("beta")},
		body: `    if (idx >= p.m * p.n) { return; }
    let row = idx / p.n;
    let col = idx % p.n;
    var sum = 0.0;
    for (var l = 0u; l < p.k; l = l + 1u) {
        var av: f32;
        if (p.trans_a != 0u) { av = a[p.o_a + l * p.m + row]; } else { av = a[p.o_a + row * p.k + l]; }
        var bv: f32;
        if (p.trans_b != 0u) { bv = b[p.o_b + col * p.k + l]; } else { bv = b[p.o_b + l * p.n + col]; }
        sum = sum + av * bv;
    }
    var acc = p.alpha * sum;
    if (p.beta != 0.0) { acc = acc + p.beta * c[p.o_c + idx]; }
    c[p.o_c + idx] = acc;
`,
	}

	addRowVectorKernel = &kernel{
		name:    "add_row_vector",
		inputs:  []string{"v"},
		outputs: []string{"x"},
		fields:  []field{u32("rows"), u32("cols")},
		body: `    if (idx >= p.rows * p.cols) { return; }
    x[p.o_x + idx] = x[p.o_x + idx] + v[p.o_v + idx % p.cols];
`,
	}

	sumRowsKernel = &kernel{
		name:    "sum_rows",
		inputs:  []string{"x"},
		outputs: []string{"dst"},
		fields:  []field{u32("rows"), u32("cols")},
		body: `    if (idx >= p.cols) { return; }
    var sum = 0.0;
    for (var r = 0u; r < p.rows; r = r + 1u) {
        sum = sum + x[p.o_x + r * p.cols + idx];
    }
    dst[p.o_dst + idx] = dst[p.o_dst + idx] + sum;
`,
	}

	gruForwardKernel = &kernel{
		name:    "gru_forward",
		inputs:  []string{"ax", "ah", "hprev"},
		outputs: []string{"z", "r", "hc", "h"},
		fields:  []field{u32("batch"), u32("hidden")},
		body: `    if (idx >= p.batch * p.hidden) { return; }
    let hs = p.hidden;
    let j = idx % hs;
    let base = (idx / hs) * 3u * hs;
    let zi = sigmoid(ax[p.o_ax + base + j] + ah[p.o_ah + base + j]);
    let ri = sigmoid(ax[p.o_ax + base + hs + j] + ah[p.o_ah + base + hs + j]);
    let ci = tanh(ax[p.o_ax + base + 2u * hs + j] + ri * ah[p.o_ah + base + 2u * hs + j]);
    z[p.o_z + idx] = zi;
    r[p.o_r + idx] = ri;
    hc[p.o_hc + idx] = ci;
    h[p.o_h + idx] = (1.0 - zi) * ci + zi * hprev[p.o_hprev + idx];
`,
	}

	gruBackwardKernel = &kernel{
		name:    "gru_backward",
		inputs:  []string{"dh", "z", "r", "hc", "ah", "hprev"},
		outputs: []string{"dax", "dah", "dhprev"},
		fields:  []field{u32("batch"), u32("hidden")},
		body: `    if (idx >= p.batch * p.hidden) { return; }
    let hs = p.hidden;
    let j = idx % hs;
    let base = (idx / hs) * 3u * hs;
    let zi = z[p.o_z + idx];
    let ri = r[p.o_r + idx];
    let ci = hc[p.o_hc + idx];
    let d = dh[p.o_dh + idx];
    let dz = d * (hprev[p.o_hprev + idx] - ci) * zi * (1.0 - zi);
    let dc = d * (1.0 - zi) * (1.0 - ci * ci);
    let dr = dc * ah[p.o_ah + base + 2u * hs + j] * ri * (1.0 - ri);
    dax[p.o_dax + base + j] = dz;
    dax[p.o_dax + base + hs + j] = dr;
    dax[p.o_dax + base + 2u * hs + j] = dc;
    dah[p.o_dah + base + j] = dz;
    dah[p.o_dah + base + hs + j] = dr;
    dah[p.o_dah + base + 2u * hs + j] = dc * ri;
    dhprev[p.o_dhprev + idx] = d * zi;
`,
	}

	softmaxKernel = &kernel{
		name:    "softmax",
		inputs:  []string{"x"},
		outputs: []string{"y"},
		fields:  []field{u32("rows"), u32("cols")},
		body: `    if (idx >= p.rows) { return; }
    let lo = idx * p.cols;
    var m = x[p.o_x + lo];
    for (var j = 1u; j < p.cols; j = j + 1u) {
        m = max(m, x[p.o_x + lo + j]);
    }
    var sum = 0.0;
    for (var j = 0u; j < p.cols; j = j + 1u) {
        let e = exp(x[p.o_x + lo + j] - m);
        y[p.o_y + lo + j] = e;
        sum = sum + e;
    }
    let inv = 1.0 / sum;
    for (var j = 0u; j < p.cols; j = j + 1u) {
        y[p.o_y + lo + j] = y[p.o_y + lo + j] * inv;
    }
`,
	}

	softmaxBackwardKernel = &kernel{
		name:    "softmax_backward",
		inputs:  []string{"y", "dy"},
		outputs: []string{"dx"},
		fields:  []field{u32("rows"), u32("cols")},
		body: `    if (idx >= p.rows) { return; }
    let lo = idx * p.cols;
    var dot = 0.0;
    for (var j = 0u; j < p.cols; j = j + 1u) {
        dot = dot + dy[p.o_dy + lo + j] * y[p.o_y + lo + j];
    }
    for (var j = 0u; j < p.cols; j = j + 1u) {
        dx[p.o_dx + lo + j] = y[p.o_y + lo + j] * (dy[p.o_dy + lo + j] - dot);
    }
`,
	}

	rmspropKernel = &kernel{
		name:    "rmsprop",
		inputs:  []string{"g"},
		outputs: []string{"w", "nc", "gb", "dl"},
		fields:  []field{u32("n"), f32("lr"), f32("momentum"), f32("decay"), f32("weight_decay"), f32("eps")},
		body: `    if (idx >= p.n) { return; }
    let gi = g[p.o_g + idx];
    let nv = p.decay * nc[p.o_nc + idx] + (1.0 - p.decay) * gi * gi;
    let gv = p.decay * gb[p.o_gb + idx] + (1.0 - p.decay) * gi;
    let dv = p.momentum * dl[p.o_dl + idx] - p.lr * gi / sqrt(nv - gv * gv + p.eps);
    nc[p.o_nc + idx] = nv;
    gb[p.o_gb + idx] = gv;
    dl[p.o_dl + idx] = dv;
    let wi = w[p.o_w + idx];
    w[p.o_w + idx] = wi + dv - p.lr * p.weight_decay * wi;
`,
	}

	adamKernel = &kernel{
		name:    "adam",
		inputs:  []string{"g"},
		outputs: []string{"w", "m", "v"},
		fields:  []field{u32("n"), f32("lr"), f32("beta1"), f32("beta2"), f32("eps"), f32("bc1"), f32("bc2")},
		body: `    if (idx >= p.n) { return; }
    let gi = g[p.o_g + idx];
    let mv = p.beta1 * m[p.o_m + idx] + (1.0 - p.beta1) * gi;
    let vv = p.beta2 * v[p.o_v + idx] + (1.0 - p.beta2) * gi * gi;
    m[p.o_m + idx] = mv;
    v[p.o_v + idx] = vv;
    w[p.o_w + idx] = w[p.o_w + idx] - p.lr * (mv / p.bc1) / (sqrt(vv / p.bc2) + p.eps);
`,
	}
)

// kernels lists every shader the device compiles.
var kernels = []*kernel{
	fillKernel, scaleKernel, clampKernel, axpyKernel, gemmKernel,
	addRowVectorKernel, sumRowsKernel, gruForwardKernel, gruBackwardKernel,
	softmaxKernel, softmaxBackwardKernel, rmspropKernel, adamKernel,
}

// sourceFor renders a kernel with any helper functions its body uses.
func sourceFor(k *kernel) string {
	src := k.source()
	if strings.Contains(k.body, "sigmoid(") {
		src = sigmoidFn + "\n" + src
	}
	return src
}

// groups returns the 2D workgroup grid covering n invocations.
func groups(n int) (x, y uint32) {
	total := (n + workgroupSize - 1) / workgroupSize
	if total <= maxGroupsX {
		return uint32(total), 1 //nolint:gosec // bounded by maxGroupsX
	}
	rows := (total + maxGroupsX - 1) / maxGroupsX
	return maxGroupsX, uint32(rows) //nolint:gosec // bounded by device limits
}
