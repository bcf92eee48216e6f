package ml

import (
	"fmt"
	"strings"
)

// Backend provides tensor storage and computation for a model.
type Backend interface {
	NewContext() Context
}

var backends = make(map[string]func() Backend)

// RegisterBackend registers a backend constructor for the given name.
func RegisterBackend(name string, f func() Backend) {
	if _, ok := backends[name]; ok {
		panic("ml: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string) (Backend, error) {
	if f, ok := backends[name]; ok {
		return f(), nil
	}

	return nil, fmt.Errorf("ml: unsupported backend %q", name)
}

// Precision selects the numeric format operations round through. The
// frozen language model runs under PrecisionBF16 and the vision encoder
// under PrecisionF16; adapters and projections run at full precision.
type Precision int

const (
	PrecisionF32 Precision = iota
	PrecisionF16
	PrecisionBF16
)

func (p Precision) String() string {
	switch p {
	case PrecisionF16:
		return "f16"
	case PrecisionBF16:
		return "bf16"
	default:
		return "f32"
	}
}

// Context creates tensors and scopes their computation. WithPrecision
// returns a derived context whose operations round results through the
// reduced format.
type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	Ones(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	Precision() Precision
	WithPrecision(p Precision) Context

	Close() error
}

type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Mulmat(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	GELU(ctx Context) Tensor
	Tanh(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, dims ...int) Tensor
	Narrow(ctx Context, dim, start, length int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Stack(ctx Context, dim int, s ...Tensor) Tensor
	Rows(ctx Context, indices Tensor) Tensor

	// Repeat repeats each index along dim n times in place
	// ([a b] -> [a a b b]); Tile repeats the whole dim
	// ([a b] -> [a b a b]).
	Repeat(ctx Context, dim, n int) Tensor
	Tile(ctx Context, dim, n int) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeI32
)

// Numel returns the element count of a shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

// Dump renders a tensor for debug logging.
func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{Items: 3, Precision: 4})
	}

	switch t.DType() {
	case DTypeF32:
		return dump(t.Shape(), t.Floats(), opts[0], func(f float32) string {
			return fmt.Sprintf("%.*f", opts[0].Precision, f)
		})
	case DTypeI32:
		return dump(t.Shape(), t.Ints(), opts[0], func(i int32) string {
			return fmt.Sprintf("%d", i)
		})
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E any](shape []int, s S, opts DumpOptions, format func(E) string) string {
	var sb strings.Builder
	var f func(dims []int, stride int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += Numel(dims[1:]) * skip
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += Numel(dims[1:])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, format(s[stride+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
