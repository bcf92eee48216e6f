// Package cpu implements the ml backend on the host CPU. Tensor storage
// and shape bookkeeping are delegated to github.com/pdevine/tensor;
// kernels run as plain float32 loops.
package cpu

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"

	"github.com/videoqa/videoqa/ml"
)

func init() {
	ml.RegisterBackend("cpu", func() ml.Backend { return &Backend{} })
}

type Backend struct{}

func (*Backend) NewContext() ml.Context {
	return &Context{precision: ml.PrecisionF32}
}

type Context struct {
	precision ml.Precision
}

func (c *Context) Precision() ml.Precision { return c.precision }

func (c *Context) WithPrecision(p ml.Precision) ml.Context {
	return &Context{precision: p}
}

func (c *Context) Close() error { return nil }

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	switch dtype {
	case ml.DTypeF32:
		return newF32(make([]float32, ml.Numel(shape)), shape)
	case ml.DTypeI32:
		return newI32(make([]int32, ml.Numel(shape)), shape)
	default:
		panic(fmt.Sprintf("cpu: unsupported dtype %d", dtype))
	}
}

func (c *Context) Ones(dtype ml.DType, shape ...int) ml.Tensor {
	switch dtype {
	case ml.DTypeF32:
		s := make([]float32, ml.Numel(shape))
		for i := range s {
			s[i] = 1
		}
		return newF32(s, shape)
	case ml.DTypeI32:
		s := make([]int32, ml.Numel(shape))
		for i := range s {
			s[i] = 1
		}
		return newI32(s, shape)
	default:
		panic(fmt.Sprintf("cpu: unsupported dtype %d", dtype))
	}
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if len(s) != ml.Numel(shape) {
		return nil, fmt.Errorf("cpu: %d elements do not fit shape %v", len(s), shape)
	}

	d := make([]float32, len(s))
	copy(d, s)
	return newF32(d, shape), nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	if len(s) != ml.Numel(shape) {
		return nil, fmt.Errorf("cpu: %d elements do not fit shape %v", len(s), shape)
	}

	d := make([]int32, len(s))
	copy(d, s)
	return newI32(d, shape), nil
}

// round rounds s in place through the context's precision format.
// Reduced-precision scopes change accumulated results, so this is part
// of the numeric contract, not an optimization.
func (c *Context) round(s []float32) []float32 {
	switch c.precision {
	case ml.PrecisionBF16:
		for i, v := range s {
			s[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
		}
	case ml.PrecisionF16:
		for i, v := range s {
			s[i] = float16.Fromfloat32(v).Float32()
		}
	}

	return s
}

func newF32(data []float32, shape []int) *Tensor {
	return &Tensor{
		dtype: ml.DTypeF32,
		data:  tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)),
	}
}

func newI32(data []int32, shape []int) *Tensor {
	return &Tensor{
		dtype: ml.DTypeI32,
		data:  tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)),
	}
}

func ctxOf(ctx ml.Context) *Context {
	if c, ok := ctx.(*Context); ok {
		return c
	}

	panic("cpu: context does not belong to this backend")
}
