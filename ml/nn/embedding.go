package nn

import "github.com/videoqa/videoqa/ml"

type Embedding struct {
	Weight ml.Tensor
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
