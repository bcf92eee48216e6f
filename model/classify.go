package model

import (
	"fmt"
	"sort"

	"github.com/videoqa/videoqa/api"
	"github.com/videoqa/videoqa/ml"
)

// PredictClass ranks a shared candidate answer list for every video by
// ascending teacher-forced loss. The encoder output is computed once
// and replicated across candidates; nSegments bounds peak memory by
// chunking the candidate list. Segment boundaries are a performance
// knob only: the loss vector is identical for any segment count.
func (m *Model) PredictClass(ctx ml.Context, samples Samples, candidates []string, nSegments int) ([]api.Ranking, error) {
	features, b, t, err := m.encodeVideo(ctx, samples.Video)
	if err != nil {
		return nil, err
	}

	nCands := len(candidates)
	if nCands == 0 {
		return nil, fmt.Errorf("model: no candidates to rank")
	}
	if nSegments <= 0 {
		nSegments = 1
	}
	if nSegments > nCands {
		return nil, fmt.Errorf("model: %d segments for %d candidates", nSegments, nCands)
	}

	prompt, err := m.predictPrompt(samples, b)
	if err != nil {
		return nil, err
	}

	selected, _, err := m.localizeAndSelect(ctx, features, b, t, samples.LocInput)
	if err != nil {
		return nil, err
	}

	prefix, prefixMask, err := m.fuser.Fuse(ctx, selected, prompt)
	if err != nil {
		return nil, err
	}

	lmCtx := ctx.WithPrecision(ml.PrecisionBF16)

	in, err := tokenizeBatch(lmCtx, m.lmText, prompt, 0, truncateLeft, true)
	if err != nil {
		return nil, err
	}

	inputsEmbeds := prefix.Concat(lmCtx, m.lm.EmbedTokens(lmCtx, in.IDs), 1)
	attentionMask := prefixMask.Concat(lmCtx, in.Mask, 1)

	encoderOutput, err := m.lm.Encode(lmCtx, inputsEmbeds, attentionMask)
	if err != nil {
		return nil, err
	}

	// Candidates are tokenized once so padding, and therefore each
	// per-candidate loss, is independent of how the list is segmented.
	cand, err := tokenizeBatch(lmCtx, m.lmText, candidates, 0, truncateRight, true)
	if err != nil {
		return nil, err
	}

	all := make([]float32, b*nCands)
	base := nCands / nSegments
	for seg := 0; seg < nSegments; seg++ {
		segLen := base
		if seg == nSegments-1 {
			segLen = nCands - base*(nSegments-1)
		}
		start := seg * base

		thisEncoder := encoderOutput.Repeat(lmCtx, 0, segLen)
		thisAttention := attentionMask.Repeat(lmCtx, 0, segLen)

		ids := cand.IDs.Narrow(lmCtx, 0, start, segLen).Tile(lmCtx, 0, b)
		mask := cand.Mask.Narrow(lmCtx, 0, start, segLen).Tile(lmCtx, 0, b)

		labels, err := maskLabels(lmCtx, ids, m.lmText.PadID())
		if err != nil {
			return nil, err
		}

		losses, err := m.lm.Decode(lmCtx, thisEncoder, thisAttention, labels, mask)
		if err != nil {
			return nil, err
		}
		if len(losses) != b*segLen {
			return nil, fmt.Errorf("model: %d candidate losses for %d rows", len(losses), b*segLen)
		}

		for i := 0; i < b; i++ {
			for j := 0; j < segLen; j++ {
				all[i*nCands+start+j] = losses[i*segLen+j]
			}
		}
	}

	rankings := make([]api.Ranking, b)
	for i := 0; i < b; i++ {
		row := all[i*nCands : (i+1)*nCands]

		ranks := make([]int, nCands)
		for j := range ranks {
			ranks[j] = j
		}
		sort.SliceStable(ranks, func(a, c int) bool {
			return row[ranks[a]] < row[ranks[c]]
		})

		rankings[i] = api.Ranking{
			Ranks:  ranks,
			Losses: row,
		}
		if i < len(samples.QuestionID) {
			rankings[i].QuestionID = samples.QuestionID[i]
		}
	}

	return rankings, nil
}

// PredictClassEach ranks a distinct candidate list per video.
func (m *Model) PredictClassEach(ctx ml.Context, samples Samples, candidates [][]string, nSegments int) ([]api.Ranking, error) {
	b := samples.Video.Dim(0)
	if len(candidates) != b {
		return nil, fmt.Errorf("%w: %d candidate lists for %d videos", ErrBatchSize, len(candidates), b)
	}

	out := make([]api.Ranking, 0, b)
	for i := 0; i < b; i++ {
		one := Samples{
			Video:      samples.Video.Narrow(ctx, 0, i, 1),
			QuestionID: slice1(samples.QuestionID, i),
			LocInput:   slice1(samples.LocInput, i),
			QAInput:    slice1(samples.QAInput, i),
			Context:    slice1(samples.Context, i),
			History:    slice1(samples.History, i),
			Caption:    slice1(samples.Caption, i),
		}

		r, err := m.PredictClass(ctx, one, candidates[i], nSegments)
		if err != nil {
			return nil, fmt.Errorf("model: ranking video %d: %w", i, err)
		}

		out = append(out, r...)
	}

	return out, nil
}

func slice1(s []string, i int) []string {
	if i < len(s) {
		return s[i : i+1]
	}

	return nil
}
