package model

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/videoqa/videoqa/ml"
	"github.com/videoqa/videoqa/ml/nn"
)

// Fuser independently encodes each selected frame through the
// cross-modal adapter and concatenates the per-frame query outputs into
// the visual prefix consumed by the language model.
type Fuser struct {
	Norm    *nn.LayerNorm
	Adapter Adapter
	Proj    *nn.Linear

	// Text tokenizes the question for the adapter; nil for text-free
	// adapters.
	Text TextProcessor

	MaxTxtLen int
	Eps       float32

	// Parallel runs the per-frame adapter calls concurrently. The frames
	// are independent, so the output is identical either way.
	Parallel bool
}

// Fuse maps selected frames [B, K, N, D] and the per-video question to
// the visual prefix [B, K*M, H] and its all-ones attention mask.
func (f *Fuser) Fuse(ctx ml.Context, selected ml.Tensor, questions []string) (ml.Tensor, ml.Tensor, error) {
	shape := selected.Shape()
	if len(shape) != 4 {
		return nil, nil, fmt.Errorf("model: selected frames must be [B,K,N,D], have %v", shape)
	}

	b, k, n, d := shape[0], shape[1], shape[2], shape[3]

	var text *tokenBatch
	if _, ok := f.Adapter.(*TextConditionedAdapter); ok {
		if len(questions) != b {
			return nil, nil, fmt.Errorf("%w: %d questions for %d videos", ErrBatchSize, len(questions), b)
		}

		var err error
		text, err = tokenizeBatch(ctx, f.Text, questions, f.MaxTxtLen, truncateLeft, true)
		if err != nil {
			return nil, nil, err
		}
	}

	normed := f.Norm.Forward(ctx, selected, f.Eps)
	m := f.Adapter.NumQueries()

	frames := make([]ml.Tensor, k)
	encode := func(j int) {
		frameEmbeds := normed.Narrow(ctx, 1, j, 1).Reshape(ctx, b, n, d)
		frameMask := ctx.Ones(ml.DTypeI32, b, n)

		in := adapterInput{features: frameEmbeds, featureMask: frameMask}
		if text != nil {
			in.textIDs, in.textMask = text.IDs, text.Mask
		}

		out := f.Adapter.forward(ctx, in)
		// Keep only the query-slot outputs; text pass-through positions
		// are discarded.
		out = out.Narrow(ctx, 1, 0, m)
		frames[j] = f.Proj.Forward(ctx, out)
	}

	if f.Parallel {
		var g errgroup.Group
		for j := 0; j < k; j++ {
			g.Go(func() error {
				encode(j)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
	} else {
		for j := 0; j < k; j++ {
			encode(j)
		}
	}

	prefix := frames[0]
	for _, fr := range frames[1:] {
		prefix = prefix.Concat(ctx, fr, 1)
	}

	// No padding exists within a frame's fixed query slots.
	mask := ctx.Ones(ml.DTypeI32, b, k*m)
	return prefix, mask, nil
}
