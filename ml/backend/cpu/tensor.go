package cpu

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"

	"github.com/videoqa/videoqa/ml"
)

type Tensor struct {
	dtype ml.DType
	data  *tensor.Dense
}

func (t *Tensor) DType() ml.DType { return t.dtype }

func (t *Tensor) Shape() []int {
	shape := t.data.Shape()
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

func (t *Tensor) Dim(n int) int { return t.data.Shape()[n] }

func (t *Tensor) Floats() []float32 {
	s := t.data.Data().([]float32)
	out := make([]float32, len(s))
	copy(out, s)
	return out
}

func (t *Tensor) Ints() []int32 {
	s := t.data.Data().([]int32)
	out := make([]int32, len(s))
	copy(out, s)
	return out
}

// floats returns the backing slice without copying. Kernels must not
// mutate it.
func (t *Tensor) floats() []float32 { return t.data.Data().([]float32) }

func (t *Tensor) ints() []int32 { return t.data.Data().([]int32) }

func (t *Tensor) numel() int { return ml.Numel(t.Shape()) }

// broadcast2 applies op elementwise. t2 either matches t's shape or its
// shape is a suffix of t's shape (bias-style broadcast over leading
// dims).
func (t *Tensor) broadcast2(ctx ml.Context, t2 ml.Tensor, op func(a, b float32) float32) ml.Tensor {
	c := ctxOf(ctx)
	other := t2.(*Tensor)

	a, b := t.floats(), other.floats()
	if len(a)%len(b) != 0 {
		panic(fmt.Sprintf("cpu: cannot broadcast %v with %v", t.Shape(), other.Shape()))
	}

	out := make([]float32, len(a))
	n := len(b)
	for i := range a {
		out[i] = op(a[i], b[i%n])
	}

	return newF32(c.round(out), t.Shape())
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.broadcast2(ctx, t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.broadcast2(ctx, t2, func(a, b float32) float32 { return a * b })
}

// Mulmat computes t @ t2 where t is [..., m, k] and t2 is either [k, n]
// (shared across batches) or [..., k, n] with matching leading dims.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	c := ctxOf(ctx)
	other := t2.(*Tensor)

	ashape, bshape := t.Shape(), other.Shape()
	if len(ashape) < 2 || len(bshape) < 2 {
		panic("cpu: mulmat operands must have at least 2 dims")
	}

	m, k := ashape[len(ashape)-2], ashape[len(ashape)-1]
	k2, n := bshape[len(bshape)-2], bshape[len(bshape)-1]
	if k != k2 {
		panic(fmt.Sprintf("cpu: mulmat inner dims do not match: %v x %v", ashape, bshape))
	}

	batch := t.numel() / (m * k)
	bbatch := other.numel() / (k * n)
	if bbatch != 1 && bbatch != batch {
		panic(fmt.Sprintf("cpu: mulmat batch dims do not match: %v x %v", ashape, bshape))
	}

	a, b := t.floats(), other.floats()
	out := make([]float32, batch*m*n)
	for bi := 0; bi < batch; bi++ {
		ab := a[bi*m*k:]
		bb := b
		if bbatch == batch {
			bb = b[bi*k*n:]
		}
		ob := out[bi*m*n:]
		for i := 0; i < m; i++ {
			for l := 0; l < k; l++ {
				av := ab[i*k+l]
				if av == 0 {
					continue
				}
				row := bb[l*n : l*n+n]
				dst := ob[i*n : i*n+n]
				for j, bv := range row {
					dst[j] += av * bv
				}
			}
		}
	}

	shape := append(ashape[:len(ashape)-1:len(ashape)-1], n)
	return newF32(c.round(out), shape)
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	c := ctxOf(ctx)
	a := t.floats()
	out := make([]float32, len(a))
	for i, v := range a {
		out[i] = float32(float64(v) * s)
	}

	return newF32(c.round(out), t.Shape())
}

// Softmax normalizes the last dim, subtracting the max logit to avoid
// under/overflow.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	c := ctxOf(ctx)
	shape := t.Shape()
	n := shape[len(shape)-1]

	a := t.floats()
	out := make([]float32, len(a))
	for off := 0; off < len(a); off += n {
		row := a[off : off+n]
		maxLogit := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxLogit {
				maxLogit = v
			}
		}

		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxLogit))
			out[off+i] = float32(e)
			sum += e
		}
		for i := range row {
			out[off+i] = float32(float64(out[off+i]) / sum)
		}
	}

	return newF32(c.round(out), shape)
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	c := ctxOf(ctx)
	shape := t.Shape()
	n := shape[len(shape)-1]

	w := weight.(*Tensor).floats()
	if len(w) != n {
		panic(fmt.Sprintf("cpu: layernorm weight length %d does not match dim %d", len(w), n))
	}

	var b []float32
	if bias != nil {
		b = bias.(*Tensor).floats()
	}

	a := t.floats()
	out := make([]float32, len(a))
	for off := 0; off < len(a); off += n {
		row := a[off : off+n]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(n)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(n)

		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range row {
			norm := float32((float64(v) - mean) * inv)
			norm *= w[i]
			if b != nil {
				norm += b[i]
			}
			out[off+i] = norm
		}
	}

	return newF32(c.round(out), shape)
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	c := ctxOf(ctx)
	a := t.floats()
	out := make([]float32, len(a))
	for i, v := range a {
		x := float64(v)
		out[i] = float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
	}

	return newF32(c.round(out), t.Shape())
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	c := ctxOf(ctx)
	a := t.floats()
	out := make([]float32, len(a))
	for i, v := range a {
		out[i] = float32(math.Tanh(float64(v)))
	}

	return newF32(c.round(out), t.Shape())
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape = resolveShape(shape, t.numel())
	if ml.Numel(shape) != t.numel() {
		panic(fmt.Sprintf("cpu: cannot reshape %v to %v", t.Shape(), shape))
	}

	n := t.data.Clone().(*tensor.Dense)
	if err := n.Reshape(shape...); err != nil {
		panic(err)
	}

	return &Tensor{dtype: t.dtype, data: n}
}

// resolveShape infers at most one -1 dim.
func resolveShape(shape []int, numel int) []int {
	out := make([]int, len(shape))
	copy(out, shape)

	infer, known := -1, 1
	for i, d := range out {
		if d == -1 {
			if infer >= 0 {
				panic("cpu: only one dim may be inferred")
			}
			infer = i
		} else {
			known *= d
		}
	}

	if infer >= 0 {
		out[infer] = numel / known
	}

	return out
}

// Permute reorders dims to the given axis order, materializing the
// result contiguously.
func (t *Tensor) Permute(ctx ml.Context, dims ...int) ml.Tensor {
	n := t.data.Clone().(*tensor.Dense)
	if err := n.T(dims...); err != nil {
		panic(err)
	}

	n = tensor.Materialize(n).(*tensor.Dense)
	return &Tensor{dtype: t.dtype, data: n}
}

func (t *Tensor) Narrow(ctx ml.Context, dim, start, length int) ml.Tensor {
	shape := t.Shape()
	if dim < 0 || dim >= len(shape) || start < 0 || start+length > shape[dim] {
		panic(fmt.Sprintf("cpu: invalid narrow [%d:%d] of dim %d in %v", start, start+length, dim, shape))
	}

	outer := ml.Numel(shape[:dim])
	inner := ml.Numel(shape[dim+1:])

	outShape := make([]int, len(shape))
	copy(outShape, shape)
	outShape[dim] = length

	switch t.dtype {
	case ml.DTypeI32:
		return newI32(narrow(t.ints(), outer, shape[dim], inner, start, length), outShape)
	default:
		return newF32(narrow(t.floats(), outer, shape[dim], inner, start, length), outShape)
	}
}

func narrow[E any](a []E, outer, dim, inner, start, length int) []E {
	out := make([]E, 0, outer*length*inner)
	for o := 0; o < outer; o++ {
		off := (o*dim + start) * inner
		out = append(out, a[off:off+length*inner]...)
	}

	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	other := t2.(*Tensor)
	if t.dtype != other.dtype {
		panic("cpu: concat dtypes do not match")
	}

	s1, s2 := t.Shape(), other.Shape()
	if len(s1) != len(s2) {
		panic(fmt.Sprintf("cpu: concat ranks do not match: %v, %v", s1, s2))
	}
	for i := range s1 {
		if i != dim && s1[i] != s2[i] {
			panic(fmt.Sprintf("cpu: concat shapes do not match off dim %d: %v, %v", dim, s1, s2))
		}
	}

	outer := ml.Numel(s1[:dim])
	inner := ml.Numel(s1[dim+1:])

	outShape := make([]int, len(s1))
	copy(outShape, s1)
	outShape[dim] += s2[dim]

	switch t.dtype {
	case ml.DTypeI32:
		return newI32(concat(t.ints(), other.ints(), outer, s1[dim]*inner, s2[dim]*inner), outShape)
	default:
		return newF32(concat(t.floats(), other.floats(), outer, s1[dim]*inner, s2[dim]*inner), outShape)
	}
}

func concat[E any](a, b []E, outer, astep, bstep int) []E {
	out := make([]E, 0, outer*(astep+bstep))
	for o := 0; o < outer; o++ {
		out = append(out, a[o*astep:(o+1)*astep]...)
		out = append(out, b[o*bstep:(o+1)*bstep]...)
	}

	return out
}

// Stack joins t and s along a new axis at dim.
func (t *Tensor) Stack(ctx ml.Context, dim int, s ...ml.Tensor) ml.Tensor {
	shape := t.Shape()
	unsqueezed := make([]int, 0, len(shape)+1)
	unsqueezed = append(unsqueezed, shape[:dim]...)
	unsqueezed = append(unsqueezed, 1)
	unsqueezed = append(unsqueezed, shape[dim:]...)

	out := t.Reshape(ctx, unsqueezed...)
	for _, other := range s {
		out = out.Concat(ctx, other.Reshape(ctx, unsqueezed...), dim)
	}

	return out
}

// Rows gathers rows of t, a [rows, width] table, at the given I32
// indices; the result has the indices' shape with width appended.
func (t *Tensor) Rows(ctx ml.Context, indices ml.Tensor) ml.Tensor {
	shape := t.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("cpu: rows source must be 2-dimensional, have %v", shape))
	}

	rows, width := shape[0], shape[1]
	idx := indices.(*Tensor).ints()

	a := t.floats()
	out := make([]float32, 0, len(idx)*width)
	for _, i := range idx {
		if i < 0 || int(i) >= rows {
			panic(fmt.Sprintf("cpu: row index %d out of range [0,%d)", i, rows))
		}
		out = append(out, a[int(i)*width:(int(i)+1)*width]...)
	}

	return newF32(out, append(indices.Shape(), width))
}

func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	return t.repeat(dim, n, true)
}

func (t *Tensor) Tile(ctx ml.Context, dim, n int) ml.Tensor {
	return t.repeat(dim, n, false)
}

func (t *Tensor) repeat(dim, n int, interleave bool) ml.Tensor {
	shape := t.Shape()
	outer := ml.Numel(shape[:dim])
	inner := ml.Numel(shape[dim+1:])

	outShape := make([]int, len(shape))
	copy(outShape, shape)
	outShape[dim] *= n

	switch t.dtype {
	case ml.DTypeI32:
		return newI32(repeat(t.ints(), outer, shape[dim], inner, n, interleave), outShape)
	default:
		return newF32(repeat(t.floats(), outer, shape[dim], inner, n, interleave), outShape)
	}
}

func repeat[E any](a []E, outer, dim, inner, n int, interleave bool) []E {
	out := make([]E, 0, outer*dim*inner*n)
	for o := 0; o < outer; o++ {
		block := a[o*dim*inner : (o+1)*dim*inner]
		if interleave {
			for d := 0; d < dim; d++ {
				row := block[d*inner : (d+1)*inner]
				for r := 0; r < n; r++ {
					out = append(out, row...)
				}
			}
		} else {
			for r := 0; r < n; r++ {
				out = append(out, block...)
			}
		}
	}

	return out
}
