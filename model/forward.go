package model

import (
	"fmt"

	"github.com/videoqa/videoqa/ml"
)

// Forward computes the teacher-forced training loss for a batch. The
// localization pass only produces the frame selection; it never
// contributes gradient or loss.
func (m *Model) Forward(ctx ml.Context, samples Samples) (float32, error) {
	features, b, t, err := m.encodeVideo(ctx, samples.Video)
	if err != nil {
		return 0, err
	}

	if len(samples.QAInput) != b {
		return 0, fmt.Errorf("%w: %d questions for %d videos", ErrBatchSize, len(samples.QAInput), b)
	}
	if len(samples.QAOutput) != b {
		return 0, fmt.Errorf("%w: %d targets for %d videos", ErrBatchSize, len(samples.QAOutput), b)
	}

	selected, _, err := m.localizeAndSelect(ctx, features, b, t, samples.LocInput)
	if err != nil {
		return 0, err
	}

	prefix, prefixMask, err := m.fuser.Fuse(ctx, selected, samples.QAInput)
	if err != nil {
		return 0, err
	}

	lmCtx := ctx.WithPrecision(ml.PrecisionBF16)

	in, err := tokenizeBatch(lmCtx, m.lmText, samples.QAInput, m.cfg.MaxTxtLen, truncateLeft, true)
	if err != nil {
		return 0, err
	}

	out, err := tokenizeBatch(lmCtx, m.lmText, samples.QAOutput, m.cfg.MaxOutputTxtLen, truncateRight, true)
	if err != nil {
		return 0, err
	}

	labels, err := maskLabels(lmCtx, out.IDs, m.lmText.PadID())
	if err != nil {
		return 0, err
	}

	inputsEmbeds := prefix.Concat(lmCtx, m.lm.EmbedTokens(lmCtx, in.IDs), 1)
	attentionMask := prefixMask.Concat(lmCtx, in.Mask, 1)

	return m.lm.Forward(lmCtx, LossInput{
		InputsEmbeds:  inputsEmbeds,
		AttentionMask: attentionMask,
		Labels:        labels,
		DecoderMask:   out.Mask,
	})
}
