package cpu

import (
	"math"
	"reflect"
	"testing"

	"github.com/videoqa/videoqa/ml"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()

	backend, err := ml.NewBackend("cpu")
	if err != nil {
		t.Fatal(err)
	}

	ctx := backend.NewContext()
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func fromFloats(t *testing.T, ctx ml.Context, s []float32, shape ...int) ml.Tensor {
	t.Helper()

	out, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestAddBroadcast(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	bias := fromFloats(t, ctx, []float32{10, 20, 30}, 3)

	got := a.Add(ctx, bias).Floats()
	want := []float32{11, 22, 33, 14, 25, 36}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected: %v, actual: %v", want, got)
	}
}

func TestMulmat(t *testing.T) {
	ctx := testContext(t)

	cases := []struct {
		name      string
		a, b      ml.Tensor
		wantShape []int
		want      []float32
	}{
		{
			name:      "2d",
			a:         fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 2),
			b:         fromFloats(t, ctx, []float32{5, 6, 7, 8}, 2, 2),
			wantShape: []int{2, 2},
			want:      []float32{19, 22, 43, 50},
		},
		{
			name:      "batched with shared rhs",
			a:         fromFloats(t, ctx, []float32{1, 0, 0, 1, 2, 0, 0, 2}, 2, 2, 2),
			b:         fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 2),
			wantShape: []int{2, 2, 2},
			want:      []float32{1, 2, 3, 4, 2, 4, 6, 8},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.a.Mulmat(ctx, c.b)
			if !reflect.DeepEqual(got.Shape(), c.wantShape) {
				t.Fatalf("expected shape %v, actual %v", c.wantShape, got.Shape())
			}
			if !reflect.DeepEqual(got.Floats(), c.want) {
				t.Errorf("expected: %v, actual: %v", c.want, got.Floats())
			}
		})
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, -1, 0, 1000}, 2, 3)
	got := a.Softmax(ctx).Floats()

	for row := 0; row < 2; row++ {
		var sum float64
		for i := 0; i < 3; i++ {
			v := got[row*3+i]
			if v < 0 || v > 1 {
				t.Errorf("probability out of range: %v", v)
			}
			sum += float64(v)
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("row %d sums to %v", row, sum)
		}
	}
}

func TestLayerNorm(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 1, 4)
	weight := fromFloats(t, ctx, []float32{1, 1, 1, 1}, 4)
	bias := fromFloats(t, ctx, []float32{0, 0, 0, 0}, 4)

	got := a.LayerNorm(ctx, weight, bias, 1e-5).Floats()

	var mean, variance float64
	for _, v := range got {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range got {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4

	if math.Abs(mean) > 1e-5 {
		t.Errorf("normalized mean %v, want 0", mean)
	}
	if math.Abs(variance-1) > 1e-3 {
		t.Errorf("normalized variance %v, want 1", variance)
	}
}

func TestRepeatAndTile(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 2)

	// Repeat interleaves rows, Tile repeats the whole block.
	repeated := a.Repeat(ctx, 0, 2)
	wantRepeat := []float32{1, 2, 1, 2, 3, 4, 3, 4}
	if !reflect.DeepEqual(repeated.Floats(), wantRepeat) {
		t.Errorf("repeat expected: %v, actual: %v", wantRepeat, repeated.Floats())
	}

	tiled := a.Tile(ctx, 0, 2)
	wantTile := []float32{1, 2, 3, 4, 1, 2, 3, 4}
	if !reflect.DeepEqual(tiled.Floats(), wantTile) {
		t.Errorf("tile expected: %v, actual: %v", wantTile, tiled.Floats())
	}

	if !reflect.DeepEqual(repeated.Shape(), []int{4, 2}) {
		t.Errorf("unexpected shape %v", repeated.Shape())
	}
}

func TestStack(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2}, 2)
	b := fromFloats(t, ctx, []float32{3, 4}, 2)

	rows := a.Stack(ctx, 0, b)
	if !reflect.DeepEqual(rows.Shape(), []int{2, 2}) {
		t.Errorf("unexpected shape %v", rows.Shape())
	}
	if want := []float32{1, 2, 3, 4}; !reflect.DeepEqual(rows.Floats(), want) {
		t.Errorf("expected: %v, actual: %v", want, rows.Floats())
	}

	cols := a.Stack(ctx, 1, b)
	if !reflect.DeepEqual(cols.Shape(), []int{2, 2}) {
		t.Errorf("unexpected shape %v", cols.Shape())
	}
	if want := []float32{1, 3, 2, 4}; !reflect.DeepEqual(cols.Floats(), want) {
		t.Errorf("expected: %v, actual: %v", want, cols.Floats())
	}
}

func TestNarrowConcatRoundTrip(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	left := a.Narrow(ctx, 1, 0, 1)
	right := a.Narrow(ctx, 1, 1, 2)
	back := left.Concat(ctx, right, 1)

	if !reflect.DeepEqual(back.Floats(), a.Floats()) {
		t.Errorf("expected: %v, actual: %v", a.Floats(), back.Floats())
	}
}

func TestPermute(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	got := a.Permute(ctx, 1, 0)

	if !reflect.DeepEqual(got.Shape(), []int{3, 2}) {
		t.Fatalf("unexpected shape %v", got.Shape())
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	if !reflect.DeepEqual(got.Floats(), want) {
		t.Errorf("expected: %v, actual: %v", want, got.Floats())
	}
}

func TestReshapeInference(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	got := a.Reshape(ctx, 3, -1)

	if !reflect.DeepEqual(got.Shape(), []int{3, 2}) {
		t.Errorf("unexpected shape %v", got.Shape())
	}
	// reshape never reorders data
	if !reflect.DeepEqual(got.Floats(), a.Floats()) {
		t.Errorf("reshape changed data: %v", got.Floats())
	}
}

func TestRows(t *testing.T) {
	ctx := testContext(t)

	table := fromFloats(t, ctx, []float32{0, 0, 1, 1, 2, 2, 3, 3}, 4, 2)
	ids, err := ctx.FromIntSlice([]int32{3, 0, 3}, 1, 3)
	if err != nil {
		t.Fatal(err)
	}

	got := table.Rows(ctx, ids)
	if !reflect.DeepEqual(got.Shape(), []int{1, 3, 2}) {
		t.Fatalf("unexpected shape %v", got.Shape())
	}
	want := []float32{3, 3, 0, 0, 3, 3}
	if !reflect.DeepEqual(got.Floats(), want) {
		t.Errorf("expected: %v, actual: %v", want, got.Floats())
	}
}

func TestPrecisionRounding(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1.0001}, 1)
	b := fromFloats(t, ctx, []float32{0}, 1)

	full := a.Add(ctx, b).Floats()[0]
	if full != 1.0001 {
		t.Errorf("f32 add altered value: %v", full)
	}

	bf16 := a.Add(ctx.WithPrecision(ml.PrecisionBF16), b).Floats()[0]
	if bf16 == 1.0001 {
		t.Error("bf16 add kept full precision")
	}
	if math.Abs(float64(bf16)-1) > 0.01 {
		t.Errorf("bf16 rounded too far: %v", bf16)
	}
}
