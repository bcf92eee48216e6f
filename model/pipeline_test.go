package model_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videoqa/videoqa/api"
	"github.com/videoqa/videoqa/ml"
	_ "github.com/videoqa/videoqa/ml/backend/cpu"
	"github.com/videoqa/videoqa/ml/nn"
	"github.com/videoqa/videoqa/model"
	"github.com/videoqa/videoqa/model/synthetic"
)

func newTestContext(t *testing.T) ml.Context {
	t.Helper()

	backend, err := ml.NewBackend("cpu")
	require.NoError(t, err)

	ctx := backend.NewContext()
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.NumQueryTokens = 4
	cfg.NumFrames = 4
	cfg.MaxTxtLen = 32
	cfg.MaxOutputTxtLen = 16
	return cfg
}

func newTestPipeline(t *testing.T, cfg model.Config, seed uint64) (ml.Context, *model.Model) {
	t.Helper()

	ctx := newTestContext(t)
	m, err := synthetic.NewPipeline(ctx, cfg, synthetic.DefaultDims(), seed)
	require.NoError(t, err)
	return ctx, m
}

// testVideo builds a [B, T, 3, 8, 8] clip where every frame has a
// distinct brightness, so the vision stand-in produces distinct
// features per frame.
func testVideo(t *testing.T, ctx ml.Context, b, frames int) ml.Tensor {
	t.Helper()

	const c, h, w = 3, 8, 8
	data := make([]float32, b*frames*c*h*w)
	for bi := 0; bi < b; bi++ {
		for f := 0; f < frames; f++ {
			for ci := 0; ci < c; ci++ {
				base := ((bi*frames+f)*c + ci) * h * w
				v := float32(f+1) / float32(frames) * float32(ci+1+bi)
				for i := 0; i < h*w; i++ {
					data[base+i] = v
				}
			}
		}
	}

	video, err := ctx.FromFloatSlice(data, b, frames, c, h, w)
	require.NoError(t, err)
	return video
}

func testSamples(t *testing.T, ctx ml.Context, b, frames int) model.Samples {
	t.Helper()

	ids := []string{"q-0", "q-1", "q-2", "q-3"}[:b]
	loc := make([]string, b)
	qa := make([]string, b)
	for i := range loc {
		loc[i] = "find the frame with a red car"
		qa[i] = "What color is the car?"
	}

	return model.Samples{
		Video:      testVideo(t, ctx, b, frames),
		QuestionID: ids,
		LocInput:   loc,
		QAInput:    qa,
	}
}

func greedyOpts() api.DecodeOptions {
	opts := api.DefaultDecodeOptions()
	opts.NumBeams = 1
	opts.MaxNewTokens = 8
	return opts
}

func TestGenerateTextBatch(t *testing.T) {
	ctx, m := newTestPipeline(t, testConfig(), 7)
	samples := testSamples(t, ctx, 2, 8)

	answers, err := m.GenerateText(ctx, samples, greedyOpts())
	require.NoError(t, err)
	require.Len(t, answers, 2)

	for i, a := range answers {
		assert.Equal(t, samples.QuestionID[i], a.QuestionID)
		assert.Equal(t, -1, a.Class)
	}
}

func TestGenerateTextDeterministic(t *testing.T) {
	cfg := testConfig()

	ctx1, m1 := newTestPipeline(t, cfg, 7)
	first, err := m1.GenerateText(ctx1, testSamples(t, ctx1, 2, 8), greedyOpts())
	require.NoError(t, err)

	ctx2, m2 := newTestPipeline(t, cfg, 7)
	second, err := m2.GenerateText(ctx2, testSamples(t, ctx2, 2, 8), greedyOpts())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// scriptedLM returns fixed score vectors so readout paths can be
// checked against known logits. Localization calls are told apart from
// answering calls by their row count.
type scriptedLM struct {
	hidden int
	vocab  int

	// letters[i] is the vocabulary id spiked at the second step of
	// batch row i during answering.
	letters []int32
}

func (s *scriptedLM) HiddenSize() int { return s.hidden }

func (s *scriptedLM) EmbedTokens(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	shape := append(ids.Shape(), s.hidden)
	return ctx.Zeros(ml.DTypeF32, shape...)
}

func (s *scriptedLM) Forward(ctx ml.Context, in model.LossInput) (float32, error) {
	return 0, nil
}

func (s *scriptedLM) Encode(ctx ml.Context, inputsEmbeds, attentionMask ml.Tensor) (ml.Tensor, error) {
	return inputsEmbeds, nil
}

func (s *scriptedLM) Decode(ctx ml.Context, encoderOutput, attentionMask, labels, decoderMask ml.Tensor) ([]float32, error) {
	return make([]float32, labels.Dim(0)), nil
}

func (s *scriptedLM) Generate(ctx ml.Context, in model.GenerateInput) (*model.GenerateOutput, error) {
	rows := in.InputsEmbeds.Dim(0)

	// Step 0: ascending "yes" logits so later frames win selection.
	first := make([]float32, rows*s.vocab)
	for r := 0; r < rows; r++ {
		first[r*s.vocab+4273] = float32(r)
	}
	step0, err := ctx.FromFloatSlice(first, rows, s.vocab)
	if err != nil {
		return nil, err
	}

	// Step 1: one letter id dominates per row.
	second := make([]float32, rows*s.vocab)
	for r := 0; r < rows; r++ {
		second[r*s.vocab+int(s.letters[r%len(s.letters)])] = 5
	}
	step1, err := ctx.FromFloatSlice(second, rows, s.vocab)
	if err != nil {
		return nil, err
	}

	return &model.GenerateOutput{
		Sequences: make([][]int32, rows),
		Scores:    []ml.Tensor{step0, step1},
	}, nil
}

func fill(t *testing.T, ctx ml.Context, v float32, shape ...int) ml.Tensor {
	t.Helper()

	data := make([]float32, ml.Numel(shape))
	for i := range data {
		data[i] = v
	}

	out, err := ctx.FromFloatSlice(data, shape...)
	require.NoError(t, err)
	return out
}

// newScriptedPipeline assembles a Model over the usual synthetic
// collaborators but with an injected language model.
func newScriptedPipeline(t *testing.T, ctx ml.Context, cfg model.Config, lm model.LanguageModel) *model.Model {
	t.Helper()

	dims := synthetic.DefaultDims()
	m := cfg.NumQueryTokens

	w := model.Weights{
		LNVision:    &nn.LayerNorm{Weight: fill(t, ctx, 1, dims.VisionDim), Bias: fill(t, ctx, 0, dims.VisionDim)},
		LNVisionLoc: &nn.LayerNorm{Weight: fill(t, ctx, 1, dims.VisionDim), Bias: fill(t, ctx, 0, dims.VisionDim)},
		Queries:     fill(t, ctx, 0.1, 1, m, dims.AdapterDim),
		QueriesLoc:  fill(t, ctx, 0.2, 1, m, dims.AdapterDim),
		Proj:        &nn.Linear{Weight: fill(t, ctx, 0.1, dims.AdapterDim, dims.Hidden), Bias: fill(t, ctx, 0, dims.Hidden)},
		ProjLoc:     &nn.Linear{Weight: fill(t, ctx, 0.1, dims.AdapterDim, dims.Hidden), Bias: fill(t, ctx, 0, dims.Hidden)},
	}

	text := synthetic.NewTextProcessor(dims.Vocab)
	pipeline, err := model.New(cfg, w, model.Collaborators{
		Vision:         synthetic.NewVision(dims.Patches, dims.VisionDim, 1),
		FusionCore:     synthetic.NewAdapterCore(ctx, dims.VisionDim, dims.AdapterDim, 2),
		FusionTextCore: synthetic.NewTextAdapterCore(ctx, dims.VisionDim, dims.AdapterDim, dims.Vocab, 3),
		LocCore:        synthetic.NewAdapterCore(ctx, dims.VisionDim, dims.AdapterDim, 4),
		LM:             lm,
		LMText:         text,
		AdapterText:    text,
		Lemmatizer:     synthetic.Lemmatizer{},
	})
	require.NoError(t, err)
	return pipeline
}

func TestClosedFormPicksHighestLetterLogit(t *testing.T) {
	ctx := newTestContext(t)

	// Letter ids for C and E.
	lm := &scriptedLM{hidden: 24, vocab: 4608, letters: []int32{205, 262}}
	m := newScriptedPipeline(t, ctx, testConfig(), lm)

	opts := greedyOpts()
	opts.MinLength = 2

	answers, err := m.Generate(ctx, testSamples(t, ctx, 2, 8), opts)
	require.NoError(t, err)
	require.Len(t, answers, 2)

	assert.Equal(t, 2, answers[0].Class)
	assert.Equal(t, 4, answers[1].Class)
}

func TestGenerateClosedForm(t *testing.T) {
	ctx, m := newTestPipeline(t, testConfig(), 7)
	samples := testSamples(t, ctx, 2, 8)

	opts := greedyOpts()
	opts.MinLength = 2 // the readout looks at the second step

	answers, err := m.Generate(ctx, samples, opts)
	require.NoError(t, err)
	require.Len(t, answers, 2)

	for _, a := range answers {
		assert.GreaterOrEqual(t, a.Class, 0)
		assert.Less(t, a.Class, 5)
	}
}

func TestForwardLoss(t *testing.T) {
	ctx, m := newTestPipeline(t, testConfig(), 7)

	samples := testSamples(t, ctx, 2, 8)
	samples.QAOutput = []string{"red", "blue"}

	loss, err := m.Forward(ctx, samples)
	require.NoError(t, err)
	assert.Greater(t, loss, float32(0))
	assert.False(t, math.IsNaN(float64(loss)))
	assert.False(t, math.IsInf(float64(loss), 0))
}

func TestTooFewFrames(t *testing.T) {
	cfg := testConfig()
	cfg.NumFrames = 9

	ctx, m := newTestPipeline(t, cfg, 7)
	_, err := m.GenerateText(ctx, testSamples(t, ctx, 1, 8), greedyOpts())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTooFewFrames))
}

func TestBatchSizeMismatch(t *testing.T) {
	ctx, m := newTestPipeline(t, testConfig(), 7)

	samples := testSamples(t, ctx, 2, 8)
	samples.LocInput = samples.LocInput[:1]

	_, err := m.GenerateText(ctx, samples, greedyOpts())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrBatchSize))
}

func TestParallelFusionMatchesSequential(t *testing.T) {
	cfg := testConfig()

	ctx1, m1 := newTestPipeline(t, cfg, 7)
	sequential, err := m1.GenerateText(ctx1, testSamples(t, ctx1, 2, 8), greedyOpts())
	require.NoError(t, err)

	cfg.ParallelFusion = true
	ctx2, m2 := newTestPipeline(t, cfg, 7)
	parallel, err := m2.GenerateText(ctx2, testSamples(t, ctx2, 2, 8), greedyOpts())
	require.NoError(t, err)

	assert.Equal(t, sequential, parallel)
}

func TestTextFreeAdapterPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.QFormerTextInput = false

	ctx, m := newTestPipeline(t, cfg, 7)
	answers, err := m.GenerateText(ctx, testSamples(t, ctx, 2, 8), greedyOpts())
	require.NoError(t, err)
	assert.Len(t, answers, 2)
}

func TestPredictClassSegmentInvariance(t *testing.T) {
	candidates := []string{"red", "blue", "green", "yellow", "black"}

	ctx1, m1 := newTestPipeline(t, testConfig(), 7)
	one, err := m1.PredictClass(ctx1, testSamples(t, ctx1, 2, 8), candidates, 1)
	require.NoError(t, err)

	ctx2, m2 := newTestPipeline(t, testConfig(), 7)
	four, err := m2.PredictClass(ctx2, testSamples(t, ctx2, 2, 8), candidates, 4)
	require.NoError(t, err)

	assert.Equal(t, one, four)
}

func TestPredictClassRankOrder(t *testing.T) {
	candidates := []string{"red", "blue", "green"}

	ctx, m := newTestPipeline(t, testConfig(), 7)
	rankings, err := m.PredictClass(ctx, testSamples(t, ctx, 2, 8), candidates, 1)
	require.NoError(t, err)
	require.Len(t, rankings, 2)

	for _, r := range rankings {
		require.Len(t, r.Ranks, len(candidates))
		require.Len(t, r.Losses, len(candidates))

		for i := 1; i < len(r.Ranks); i++ {
			assert.LessOrEqual(t, r.Losses[r.Ranks[i-1]], r.Losses[r.Ranks[i]])
		}
	}
}

func TestPredictClassSwappedCandidates(t *testing.T) {
	ctx1, m1 := newTestPipeline(t, testConfig(), 7)
	orig, err := m1.PredictClass(ctx1, testSamples(t, ctx1, 2, 8), []string{"red", "blue", "green"}, 1)
	require.NoError(t, err)

	ctx2, m2 := newTestPipeline(t, testConfig(), 7)
	swapped, err := m2.PredictClass(ctx2, testSamples(t, ctx2, 2, 8), []string{"green", "blue", "red"}, 1)
	require.NoError(t, err)

	// Swapping two candidates permutes losses and rank positions but
	// changes no individual score.
	perm := []int{2, 1, 0}
	for i := range orig {
		for j, pj := range perm {
			assert.Equal(t, orig[i].Losses[j], swapped[i].Losses[pj])
		}
		for k := range orig[i].Ranks {
			assert.Equal(t, perm[orig[i].Ranks[k]], swapped[i].Ranks[k])
		}
	}
}

func TestPredictClassUsesQuestion(t *testing.T) {
	cfg := testConfig()
	cfg.Prompt = "Question: {} Answer:"
	candidates := []string{"red", "blue", "green"}

	ctx1, m1 := newTestPipeline(t, cfg, 7)
	first, err := m1.PredictClass(ctx1, testSamples(t, ctx1, 2, 8), candidates, 1)
	require.NoError(t, err)

	ctx2, m2 := newTestPipeline(t, cfg, 7)
	samples := testSamples(t, ctx2, 2, 8)
	for i := range samples.QAInput {
		samples.QAInput[i] = "How many wheels does the car have?"
	}
	second, err := m2.PredictClass(ctx2, samples, candidates, 1)
	require.NoError(t, err)

	assert.NotEqual(t, first[0].Losses, second[0].Losses)
}

func TestPredictClassEach(t *testing.T) {
	ctx, m := newTestPipeline(t, testConfig(), 7)

	samples := testSamples(t, ctx, 2, 8)
	candidates := [][]string{
		{"red", "blue"},
		{"walking", "running", "sitting"},
	}

	rankings, err := m.PredictClassEach(ctx, samples, candidates, 1)
	require.NoError(t, err)
	require.Len(t, rankings, 2)

	assert.Len(t, rankings[0].Losses, 2)
	assert.Len(t, rankings[1].Losses, 3)
	assert.Equal(t, "q-0", rankings[0].QuestionID)
	assert.Equal(t, "q-1", rankings[1].QuestionID)
}

func TestPredictAnswers(t *testing.T) {
	ctx, m := newTestPipeline(t, testConfig(), 7)

	samples := testSamples(t, ctx, 2, 8)
	samples.OCRTokens = [][]string{{"stop", "sign"}, {"exit"}}

	answers, err := m.PredictAnswers(ctx, samples, greedyOpts(), "OCR tokens: {}. Question: {} Answer:")
	require.NoError(t, err)
	require.Len(t, answers, 2)

	for i, a := range answers {
		assert.Equal(t, samples.QuestionID[i], a.QuestionID)
	}
}
