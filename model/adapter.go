package model

import (
	"github.com/videoqa/videoqa/ml"
)

// Adapter is the cross-modal bridge between frame features and the
// language-model embedding space. The two variants are decided at
// construction: a text-free adapter is built without a text-capable
// core and cannot express text conditioning at all, mirroring the
// requirement that it must not own the parameters text conditioning
// would use.
type Adapter interface {
	// forward returns the adapter output with the query-slot positions
	// first. in.textIDs and in.textMask are nil for text-free adapters.
	forward(ctx ml.Context, in adapterInput) ml.Tensor

	// NumQueries is the number of learned query slots M.
	NumQueries() int
}

type adapterInput struct {
	textIDs  ml.Tensor // [B, L] I32, nil when text-free
	textMask ml.Tensor // [B, L] I32, nil when text-free

	features    ml.Tensor // [B, N, D]
	featureMask ml.Tensor // [B, N] I32
}

type TextConditionedAdapter struct {
	Queries ml.Tensor // [1, M, Dq]
	Core    TextAdapterCore
}

func (a *TextConditionedAdapter) NumQueries() int { return a.Queries.Dim(1) }

func (a *TextConditionedAdapter) forward(ctx ml.Context, in adapterInput) ml.Tensor {
	b := in.features.Dim(0)
	queries := a.Queries.Tile(ctx, 0, b)
	return a.Core.ForwardWithText(ctx, in.textIDs, in.textMask, queries, in.features, in.featureMask)
}

type TextFreeAdapter struct {
	Queries ml.Tensor // [1, M, Dq]
	Core    AdapterCore
}

func (a *TextFreeAdapter) NumQueries() int { return a.Queries.Dim(1) }

func (a *TextFreeAdapter) forward(ctx ml.Context, in adapterInput) ml.Tensor {
	b := in.features.Dim(0)
	queries := a.Queries.Tile(ctx, 0, b)
	return a.Core.Forward(ctx, queries, in.features, in.featureMask)
}
