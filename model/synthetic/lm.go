package synthetic

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/d4l3k/go-bfloat16"

	"github.com/videoqa/videoqa/ml"
	"github.com/videoqa/videoqa/ml/nn"
	"github.com/videoqa/videoqa/model"
	"github.com/videoqa/videoqa/sample"
)

const (
	lmStartID     = 1 // decoder start doubles as EOS, matching T5 conventions
	lmEOSID       = 1
	lmPadID       = 0
	lmIgnoreIndex = -100
)

// LanguageModel is a deterministic encoder-decoder stand-in. The
// encoder is a masked sum with sinusoidal positions; the decoder is a
// single recurrence over the pooled encoder state and the previous
// token. Parameters are drawn once from the seed and rounded through
// bfloat16, mirroring the precision of the production checkpoints.
type LanguageModel struct {
	vocab  int
	hidden int

	embedding *nn.Embedding // [V, H]
	output    ml.Tensor     // [H, V]
}

func NewLanguageModel(ctx ml.Context, vocab, hidden int, seed uint64) *LanguageModel {
	rng := newRand(seed)
	return &LanguageModel{
		vocab:     vocab,
		hidden:    hidden,
		embedding: &nn.Embedding{Weight: mustTensor(ctx, roundBF16(randFloats(rng, vocab*hidden, 0.5)), vocab, hidden)},
		output:    mustTensor(ctx, roundBF16(randFloats(rng, hidden*vocab, 0.5)), hidden, vocab),
	}
}

func roundBF16(s []float32) []float32 {
	for i, v := range s {
		s[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
	}

	return s
}

func (m *LanguageModel) HiddenSize() int { return m.hidden }

func (m *LanguageModel) EmbedTokens(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.embedding.Forward(ctx, ids)
}

// Encode zeroes padded positions, adds sinusoidal position signals, and
// squashes through tanh.
func (m *LanguageModel) Encode(ctx ml.Context, inputsEmbeds, attentionMask ml.Tensor) (ml.Tensor, error) {
	shape := inputsEmbeds.Shape()
	if len(shape) != 3 || shape[2] != m.hidden {
		return nil, fmt.Errorf("synthetic: encoder input must be [B,L,%d], have %v", m.hidden, shape)
	}
	b, l := shape[0], shape[1]

	ints := attentionMask.Ints()
	maskF := make([]float32, len(ints))
	for i, v := range ints {
		maskF[i] = float32(v)
	}
	mask := mustTensor(ctx, maskF, b, l, 1).Repeat(ctx, 2, m.hidden)

	pos := make([]float32, l*m.hidden)
	for i := 0; i < l; i++ {
		for h := 0; h < m.hidden; h++ {
			pos[i*m.hidden+h] = float32(math.Sin(float64(i+1) * float64(h+1) / float64(m.hidden)))
		}
	}

	out := inputsEmbeds.Mul(ctx, mask)
	out = out.Add(ctx, mustTensor(ctx, pos, l, m.hidden))
	return out.Tanh(ctx), nil
}

// pool collapses encoder output [B, L, H] to [B, H] by mask-weighted
// mean.
func (m *LanguageModel) pool(encoderOutput, attentionMask ml.Tensor) [][]float32 {
	b, l := encoderOutput.Dim(0), encoderOutput.Dim(1)
	enc := encoderOutput.Floats()
	mask := attentionMask.Ints()

	pooled := make([][]float32, b)
	for bi := 0; bi < b; bi++ {
		row := make([]float32, m.hidden)
		var count float64
		for li := 0; li < l; li++ {
			if mask[bi*l+li] == 0 {
				continue
			}
			count++
			for h := 0; h < m.hidden; h++ {
				row[h] += enc[bi*l*m.hidden+li*m.hidden+h]
			}
		}
		if count > 0 {
			for h := range row {
				row[h] = float32(float64(row[h]) / count)
			}
		}
		pooled[bi] = row
	}

	return pooled
}

// step produces one row of vocabulary logits from the pooled encoder
// state and the previous token.
func (m *LanguageModel) step(pooled []float32, prev int32) []float32 {
	emb := m.embedding.Weight.Floats()
	out := m.output.Floats()

	state := make([]float64, m.hidden)
	for h := 0; h < m.hidden; h++ {
		state[h] = math.Tanh(float64(pooled[h]) + float64(emb[int(prev)*m.hidden+h]))
	}

	logits := make([]float32, m.vocab)
	for v := 0; v < m.vocab; v++ {
		var acc float64
		for h := 0; h < m.hidden; h++ {
			acc += state[h] * float64(out[h*m.vocab+v])
		}
		logits[v] = float32(acc)
	}

	return logits
}

func logSoftmaxAt(logits []float32, id int32) float64 {
	var max float64 = math.Inf(-1)
	for _, v := range logits {
		max = math.Max(max, float64(v))
	}

	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - max)
	}

	return float64(logits[id]) - max - math.Log(sum)
}

// rowLosses returns per-row token negative log likelihoods under
// teacher forcing, plus the number of counted positions per row.
func (m *LanguageModel) rowLosses(encoderOutput, attentionMask, labels, decoderMask ml.Tensor) ([]float64, []int, error) {
	shape := labels.Shape()
	if len(shape) != 2 {
		return nil, nil, fmt.Errorf("synthetic: labels must be [B,L], have %v", shape)
	}
	b, l := shape[0], shape[1]
	if encoderOutput.Dim(0) != b {
		return nil, nil, fmt.Errorf("synthetic: %d label rows for %d encoder rows", b, encoderOutput.Dim(0))
	}

	pooled := m.pool(encoderOutput, attentionMask)
	ids := labels.Ints()
	dm := decoderMask.Ints()

	losses := make([]float64, b)
	counts := make([]int, b)
	for bi := 0; bi < b; bi++ {
		prev := int32(lmStartID)
		for li := 0; li < l; li++ {
			id := ids[bi*l+li]
			if dm[bi*l+li] != 0 && id != lmIgnoreIndex {
				logits := m.step(pooled[bi], prev)
				losses[bi] -= logSoftmaxAt(logits, id)
				counts[bi]++
			}

			if id == lmIgnoreIndex {
				prev = lmPadID
			} else {
				prev = id
			}
		}
	}

	return losses, counts, nil
}

func (m *LanguageModel) Forward(ctx ml.Context, in model.LossInput) (float32, error) {
	enc, err := m.Encode(ctx, in.InputsEmbeds, in.AttentionMask)
	if err != nil {
		return 0, err
	}

	losses, counts, err := m.rowLosses(enc, in.AttentionMask, in.Labels, in.DecoderMask)
	if err != nil {
		return 0, err
	}

	var sum float64
	var n int
	for i := range losses {
		sum += losses[i]
		n += counts[i]
	}
	if n == 0 {
		return 0, nil
	}

	return float32(sum / float64(n)), nil
}

func (m *LanguageModel) Decode(ctx ml.Context, encoderOutput, attentionMask, labels, decoderMask ml.Tensor) ([]float32, error) {
	losses, _, err := m.rowLosses(encoderOutput, attentionMask, labels, decoderMask)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(losses))
	for i, v := range losses {
		out[i] = float32(v)
	}

	return out, nil
}

func (m *LanguageModel) Generate(ctx ml.Context, in model.GenerateInput) (*model.GenerateOutput, error) {
	enc, err := m.Encode(ctx, in.InputsEmbeds, in.AttentionMask)
	if err != nil {
		return nil, err
	}

	switch {
	case in.NumBeams > 1 && !in.UseNucleusSampling:
		return m.beamSearch(ctx, enc, in)
	default:
		return m.sampleSearch(ctx, enc, in)
	}
}

// sampleSearch decodes every row in lockstep, greedily at temperature
// zero or without sampling, by nucleus sampling otherwise. Finished
// rows keep feeding EOS so every step still yields a full [B, V] score
// tensor.
func (m *LanguageModel) sampleSearch(ctx ml.Context, enc ml.Tensor, in model.GenerateInput) (*model.GenerateOutput, error) {
	b := enc.Dim(0)
	pooled := m.pool(enc, in.AttentionMask)

	var sampler *sample.Sampler
	if in.UseNucleusSampling {
		seed := rand.NewPCG(uint64(b), uint64(in.MaxNewTokens))
		sampler = sample.NewSampler(in.Temperature, in.TopP, seed)
	}

	out := &model.GenerateOutput{Sequences: make([][]int32, b)}
	prev := make([]int32, b)
	done := make([]bool, b)
	for i := range prev {
		prev[i] = lmStartID
	}

	for step := 0; step < in.MaxNewTokens; step++ {
		rows := make([]ml.Tensor, b)
		allDone := true
		for bi := 0; bi < b; bi++ {
			logits := m.step(pooled[bi], prev[bi])
			if in.RepetitionPenalty != 1 {
				sample.ApplyRepetitionPenalty(logits, out.Sequences[bi], in.RepetitionPenalty)
			}
			if len(out.Sequences[bi]) < in.MinLength-1 {
				logits[lmEOSID] = float32(math.Inf(-1))
			}
			rows[bi] = mustTensor(ctx, logits, m.vocab)

			if done[bi] {
				prev[bi] = lmEOSID
				continue
			}

			var next int32
			if sampler != nil {
				var err error
				if next, err = sampler.Sample(logits); err != nil {
					return nil, err
				}
			} else {
				next = sample.Greedy(logits)
			}

			out.Sequences[bi] = append(out.Sequences[bi], next)
			prev[bi] = next
			if next == lmEOSID {
				done[bi] = true
			} else {
				allDone = false
			}
		}

		out.Scores = append(out.Scores, rows[0].Stack(ctx, 0, rows[1:]...))
		if allDone {
			break
		}
	}

	return out, nil
}

type beam struct {
	tokens  []int32
	logProb float64
	done    bool
}

func (b beam) score(lengthPenalty float32) float64 {
	n := len(b.tokens)
	if n == 0 {
		return b.logProb
	}

	return b.logProb / math.Pow(float64(n), float64(lengthPenalty))
}

// beamSearch runs an independent beam search per row. The reported
// per-step scores are those of the beam that ends up winning, so
// closed-form readouts see the logits behind the returned sequence.
func (m *LanguageModel) beamSearch(ctx ml.Context, enc ml.Tensor, in model.GenerateInput) (*model.GenerateOutput, error) {
	b := enc.Dim(0)
	pooled := m.pool(enc, in.AttentionMask)

	out := &model.GenerateOutput{Sequences: make([][]int32, b)}
	perRowScores := make([][][]float32, b)
	maxSteps := 0

	for bi := 0; bi < b; bi++ {
		best, scores := m.beamSearchRow(pooled[bi], in)
		out.Sequences[bi] = best
		perRowScores[bi] = scores
		if len(scores) > maxSteps {
			maxSteps = len(scores)
		}
	}

	for step := 0; step < maxSteps; step++ {
		stepScores := make([]float32, b*m.vocab)
		for bi := 0; bi < b; bi++ {
			if step < len(perRowScores[bi]) {
				copy(stepScores[bi*m.vocab:], perRowScores[bi][step])
			}
		}
		out.Scores = append(out.Scores, mustTensor(ctx, stepScores, b, m.vocab))
	}

	return out, nil
}

func (m *LanguageModel) beamSearchRow(pooled []float32, in model.GenerateInput) ([]int32, [][]float32) {
	beams := []beam{{}}
	history := map[string][][]float32{"": nil}

	for step := 0; step < in.MaxNewTokens; step++ {
		var next []beam
		nextHistory := make(map[string][][]float32, in.NumBeams)
		expanded := false

		for _, cur := range beams {
			if cur.done {
				next = append(next, cur)
				nextHistory[beamKey(cur.tokens)] = history[beamKey(cur.tokens)]
				continue
			}
			expanded = true

			prev := int32(lmStartID)
			if n := len(cur.tokens); n > 0 {
				prev = cur.tokens[n-1]
			}

			logits := m.step(pooled, prev)
			if in.RepetitionPenalty != 1 {
				sample.ApplyRepetitionPenalty(logits, cur.tokens, in.RepetitionPenalty)
			}
			if len(cur.tokens) < in.MinLength-1 {
				logits[lmEOSID] = float32(math.Inf(-1))
			}

			for _, id := range topIDs(logits, in.NumBeams) {
				tokens := append(append([]int32(nil), cur.tokens...), id)
				nb := beam{
					tokens:  tokens,
					logProb: cur.logProb + logSoftmaxAt(logits, id),
					done:    id == lmEOSID,
				}
				next = append(next, nb)
				nextHistory[beamKey(tokens)] = append(append([][]float32(nil), history[beamKey(cur.tokens)]...), logits)
			}
		}

		sort.SliceStable(next, func(i, j int) bool {
			return next[i].score(in.LengthPenalty) > next[j].score(in.LengthPenalty)
		})
		if len(next) > in.NumBeams {
			next = next[:in.NumBeams]
		}

		beams, history = next, nextHistory
		if !expanded {
			break
		}
	}

	best := beams[0]
	return best.tokens, history[beamKey(best.tokens)]
}

func beamKey(tokens []int32) string {
	return fmt.Sprint(tokens)
}

// topIDs returns the ids of the k largest logits, ties to the lower id.
func topIDs(logits []float32, k int) []int32 {
	ids := make([]int32, len(logits))
	for i := range ids {
		ids[i] = int32(i)
	}

	sort.SliceStable(ids, func(i, j int) bool {
		return logits[ids[i]] > logits[ids[j]]
	})
	if k < len(ids) {
		ids = ids[:k]
	}

	return ids
}
