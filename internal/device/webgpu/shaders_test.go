package webgpu

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKernelSource_Bindings(t *testing.T) {
	src := gemmKernel.source()

	assert.Contains(t, src, "@group(0) @binding(0) var<storage, read> a: array<f32>;")
	assert.Contains(t, src, "@group(0) @binding(1) var<storage, read> b: array<f32>;")
	assert.Contains(t, src, "@group(0) @binding(2) var<storage, read_write> c: array<f32>;")
	assert.Contains(t, src, "@group(0) @binding(3) var<uniform> p: Params;")
	assert.Contains(t, src, "o_c: u32,")
	assert.Contains(t, src, "beta: f32,")
}

func TestKernels_Consistent(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range kernels {
		t.Run(k.name, func(t *testing.T) {
			assert.False(t, seen[k.name], "duplicate kernel name")
			seen[k.name] = true

			assert.NotEmpty(t, k.outputs)
			assert.Equal(t, k.operands()+len(k.fields), k.paramWords())

			// Every operand and field is referenced by the body.
			for _, name := range k.names() {
				assert.Contains(t, k.body, name+"[p.o_"+name, "operand %s unused", name)
			}
			for _, f := range k.fields {
				assert.Contains(t, k.body, "p."+f.name, "field %s unused", f.name)
			}

			src := sourceFor(k)
			assert.Equal(t, strings.Count(src, "{"), strings.Count(src, "}"))
			assert.Equal(t, strings.Contains(k.body, "sigmoid("), strings.Contains(src, "fn sigmoid"))
		})
	}
}

func TestGroups(t *testing.T) {
	tests := []struct {
		n      int
		wx, wy uint32
	}{
		{1, 1, 1},
		{workgroupSize, 1, 1},
		{workgroupSize + 1, 2, 1},
		{maxGroupsX * workgroupSize, maxGroupsX, 1},
		{maxGroupsX*workgroupSize + 1, maxGroupsX, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			x, y := groups(tt.n)
			assert.Equal(t, tt.wx, x)
			assert.Equal(t, tt.wy, y)
			assert.GreaterOrEqual(t, int(x)*int(y)*workgroupSize, tt.n)
		})
	}
}
