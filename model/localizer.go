package model

import (
	"fmt"

	"github.com/videoqa/videoqa/ml"
	"github.com/videoqa/videoqa/ml/nn"
)

// Localizer scores every frame of a video against a localization query.
// It exists purely to produce the selection signal: it runs inference
// only, never contributes to the training loss, and owns normalization
// weights separate from the fusion path so no statistics leak between
// the two.
type Localizer struct {
	Norm    *nn.LayerNorm
	Adapter *TextFreeAdapter
	Proj    *nn.Linear

	LM   LanguageModel
	Text TextProcessor

	MaxTxtLen int
	Eps       float32
}

// Score returns the "yes"-token logit per frame, shape [B, T].
// features is the flattened [B*T, N, D] vision output; the localization
// text is injected at the language-model input, not at the adapter's
// cross-attention input.
func (l *Localizer) Score(ctx ml.Context, features ml.Tensor, b, t int, queries []string) (ml.Tensor, error) {
	if len(queries) != b {
		return nil, fmt.Errorf("%w: %d localization queries for %d videos", ErrBatchSize, len(queries), b)
	}

	bt := b * t
	if features.Dim(0) != bt {
		return nil, fmt.Errorf("model: feature rows %d do not match %d videos of %d frames", features.Dim(0), b, t)
	}

	normed := l.Norm.Forward(ctx, features, l.Eps)
	featureMask := ctx.Ones(ml.DTypeI32, bt, features.Dim(1))

	// One adapter pass over all B*T frames at once; only the fixed
	// query slots attend here.
	q := l.Adapter.forward(ctx, adapterInput{features: normed, featureMask: featureMask})
	visual := l.Proj.Forward(ctx, q) // [B*T, M, H]
	visualMask := ctx.Ones(ml.DTypeI32, bt, visual.Dim(1))

	lmCtx := ctx.WithPrecision(ml.PrecisionBF16)

	prefix, err := tokenizeBatch(lmCtx, l.Text, []string{framePrefix}, l.MaxTxtLen, truncateLeft, false)
	if err != nil {
		return nil, err
	}
	prefixIDs := prefix.IDs.Repeat(lmCtx, 0, bt)
	prefixMask := prefix.Mask.Repeat(lmCtx, 0, bt)
	prefixEmbeds := l.LM.EmbedTokens(lmCtx, prefixIDs)

	loc, err := tokenizeBatch(lmCtx, l.Text, queries, l.MaxTxtLen, truncateLeft, true)
	if err != nil {
		return nil, err
	}
	locIDs := loc.IDs.Repeat(lmCtx, 0, t)
	locMask := loc.Mask.Repeat(lmCtx, 0, t)
	locEmbeds := l.LM.EmbedTokens(lmCtx, locIDs)

	inputsEmbeds := prefixEmbeds.Concat(lmCtx, visual, 1).Concat(lmCtx, locEmbeds, 1)
	attentionMask := prefixMask.Concat(lmCtx, visualMask, 1).Concat(lmCtx, locMask, 1)

	// A single constrained generation step; only the first step's
	// score vector is read.
	out, err := l.LM.Generate(lmCtx, GenerateInput{
		InputsEmbeds:      inputsEmbeds,
		AttentionMask:     attentionMask,
		NumBeams:          1,
		TopP:              0.9,
		Temperature:       1,
		RepetitionPenalty: 1,
		LengthPenalty:     1,
		MaxNewTokens:      30,
		MinLength:         1,
	})
	if err != nil {
		return nil, err
	}
	if len(out.Scores) == 0 {
		return nil, fmt.Errorf("model: language model returned no generation scores")
	}

	return out.Scores[0].Narrow(ctx, 1, yesTokenID, 1).Reshape(ctx, b, t), nil
}
