package model

import (
	"fmt"
	"log/slog"

	"github.com/videoqa/videoqa/api"
	"github.com/videoqa/videoqa/ml"
)

// Generate answers a batch of multiple-choice questions in closed form:
// instead of decoding full answers, the logits of the five fixed
// answer-letter ids are read at the second generation step and the
// argmax letter is returned per video.
func (m *Model) Generate(ctx ml.Context, samples Samples, opts api.DecodeOptions) ([]api.Answer, error) {
	out, _, err := m.generate(ctx, samples, opts)
	if err != nil {
		return nil, err
	}

	// Step 0 emits the leading separator; the first content token
	// appears at step 1.
	if len(out.Scores) < 2 {
		return nil, fmt.Errorf("model: need 2 generation steps for closed-form readout, have %d", len(out.Scores))
	}

	step := out.Scores[1]
	logits := step.Floats()
	v := step.Dim(1)

	answers := m.emptyAnswers(samples)
	for i := range answers {
		best, bestLogit := 0, float32(0)
		for j, id := range answerTokenIDs {
			l := logits[i*v+int(id)]
			if j == 0 || l > bestLogit {
				best, bestLogit = j, l
			}
		}
		answers[i].Class = best
	}

	return answers, nil
}

// GenerateText decodes free-form answers.
func (m *Model) GenerateText(ctx ml.Context, samples Samples, opts api.DecodeOptions) ([]api.Answer, error) {
	out, _, err := m.generate(ctx, samples, opts)
	if err != nil {
		return nil, err
	}

	answers := m.emptyAnswers(samples)
	for i := range answers {
		text, err := m.lmText.Decode(out.Sequences[i])
		if err != nil {
			return nil, fmt.Errorf("model: decoding answer %d: %w", i, err)
		}

		answers[i].Class = -1
		answers[i].Text = text
	}

	return answers, nil
}

func (m *Model) generate(ctx ml.Context, samples Samples, opts api.DecodeOptions) (*GenerateOutput, int, error) {
	features, b, t, err := m.encodeVideo(ctx, samples.Video)
	if err != nil {
		return nil, 0, err
	}

	prompt := samples.QAInput
	if len(prompt) != b {
		return nil, 0, fmt.Errorf("%w: %d prompts for %d videos", ErrBatchSize, len(prompt), b)
	}
	prompt = spliceOCRTokens(prompt, samples.OCRTokens)

	selected, idx, err := m.localizeAndSelect(ctx, features, b, t, samples.LocInput)
	if err != nil {
		return nil, 0, err
	}
	slog.Debug("selected frames", "indices", idx)

	prefix, prefixMask, err := m.fuser.Fuse(ctx, selected, prompt)
	if err != nil {
		return nil, 0, err
	}

	lmCtx := ctx.WithPrecision(ml.PrecisionBF16)

	in, err := tokenizeBatch(lmCtx, m.lmText, prompt, 0, truncateLeft, true)
	if err != nil {
		return nil, 0, err
	}

	inputsEmbeds := prefix.Concat(lmCtx, m.lm.EmbedTokens(lmCtx, in.IDs), 1)
	attentionMask := prefixMask.Concat(lmCtx, in.Mask, 1)

	out, err := m.lm.Generate(lmCtx, GenerateInput{
		InputsEmbeds:       inputsEmbeds,
		AttentionMask:      attentionMask,
		NumBeams:           opts.NumBeams,
		UseNucleusSampling: opts.UseNucleusSampling,
		TopP:               opts.TopP,
		Temperature:        opts.Temperature,
		RepetitionPenalty:  opts.RepetitionPenalty,
		LengthPenalty:      opts.LengthPenalty,
		MaxNewTokens:       opts.MaxNewTokens,
		MinLength:          opts.MinLength,
	})
	if err != nil {
		return nil, 0, err
	}

	return out, b, nil
}

func (m *Model) emptyAnswers(samples Samples) []api.Answer {
	b := samples.Video.Dim(0)
	answers := make([]api.Answer, b)
	for i := range answers {
		if i < len(samples.QuestionID) {
			answers[i].QuestionID = samples.QuestionID[i]
		}
		if i < len(samples.QAOutput) {
			answers[i].Target = samples.QAOutput[i]
		}
	}

	return answers
}
