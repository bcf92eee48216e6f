// Package model implements a localize-then-answer video question
// answering pipeline: a cheap text-conditioned relevance pass ranks
// every frame of a video, the top scoring frames are kept, and only
// those are fused into a visual prefix for the frozen language model.
//
// The numeric backbones (vision encoder, cross-attention adapter cores,
// language model, tokenizers) are collaborators consumed through
// interfaces; this package owns the wiring between them.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/videoqa/videoqa/ml"
	"github.com/videoqa/videoqa/ml/nn"
)

// Fixed vocabulary ids in the frozen language model.
const (
	yesTokenID = 4273
	noTokenID  = 150
)

// answerTokenIDs are the vocabulary ids of the letters A through E used
// for closed-form multiple-choice readout.
var answerTokenIDs = []int32{71, 272, 205, 309, 262}

// framePrefix is embedded ahead of each frame's visual tokens in the
// localization prompt.
const framePrefix = "Frame: "

// ignoreIndex marks label positions excluded from the loss.
const ignoreIndex = -100

const normEps = 1e-5

var (
	ErrTooFewFrames = errors.New("model: fewer frames than selection budget")
	ErrBatchSize    = errors.New("model: prompt count does not match batch size")
)

// VisionEncoder is the frozen image backbone. Encode maps pixels
// [F, C, H, W] to per-frame feature sequences [F, N, D].
type VisionEncoder interface {
	Encode(ctx ml.Context, pixels ml.Tensor) ml.Tensor
}

// AdapterCore is a frozen cross-attention stack: a set of query
// embeddings attends over a frame's feature sequence, producing one
// output vector per query.
type AdapterCore interface {
	Forward(ctx ml.Context, queries, features, featureMask ml.Tensor) ml.Tensor
}

// TextAdapterCore additionally conditions the query slots on text
// tokens. Its output carries the query-slot positions first, followed
// by the text-token pass-through positions.
type TextAdapterCore interface {
	ForwardWithText(ctx ml.Context, textIDs, textMask, queries, features, featureMask ml.Tensor) ml.Tensor
}

// TextProcessor tokenizes and detokenizes text. Batch padding and
// truncation are handled by this package, not the tokenizer.
type TextProcessor interface {
	Encode(s string, addSpecial bool) ([]int32, error)
	Decode([]int32) (string, error)
	PadID() int32
}

// GenerateInput is a batch of embedded prompts for autoregressive
// decoding.
type GenerateInput struct {
	InputsEmbeds  ml.Tensor // [B, L, H]
	AttentionMask ml.Tensor // [B, L]

	NumBeams           int
	UseNucleusSampling bool
	TopP               float32
	Temperature        float32
	RepetitionPenalty  float32
	LengthPenalty      float32
	MaxNewTokens       int
	MinLength          int
}

type GenerateOutput struct {
	// Sequences holds the generated token ids per batch row.
	Sequences [][]int32

	// Scores[i] is the pre-softmax score vector over the vocabulary at
	// generation step i, shape [B, V].
	Scores []ml.Tensor
}

// LossInput is a teacher-forced forward pass against target labels.
// Label positions equal to ignore index are masked out of the loss.
type LossInput struct {
	InputsEmbeds  ml.Tensor // [B, L, H]
	AttentionMask ml.Tensor // [B, L]
	Labels        ml.Tensor // [B, L'] I32
	DecoderMask   ml.Tensor // [B, L'] I32
}

// LanguageModel is the frozen sequence-to-sequence model. Its
// parameters are downcast to bfloat16 once at construction; all methods
// are expected to be called under a bfloat16 precision scope.
type LanguageModel interface {
	HiddenSize() int

	// EmbedTokens looks up ids in the model's own input embedding table.
	EmbedTokens(ctx ml.Context, ids ml.Tensor) ml.Tensor

	// Forward returns the mean token loss under teacher forcing.
	Forward(ctx ml.Context, in LossInput) (float32, error)

	// Encode runs only the encoder, returning its output [B, L, H].
	Encode(ctx ml.Context, inputsEmbeds, attentionMask ml.Tensor) (ml.Tensor, error)

	// Decode computes the per-sequence summed token loss for each row of
	// labels against a precomputed encoder output.
	Decode(ctx ml.Context, encoderOutput, attentionMask ml.Tensor, labels, decoderMask ml.Tensor) ([]float32, error)

	// Generate decodes autoregressively, returning the score vector of
	// every generation step alongside the sequences.
	Generate(ctx ml.Context, in GenerateInput) (*GenerateOutput, error)
}

// Lemmatizer post-processes generated answers. Optional; failures are
// surfaced, not retried.
type Lemmatizer interface {
	Lemmatize(s string) (string, error)
}

// Config holds the pipeline hyperparameters. Field names follow the
// configuration keys of the upstream checkpoints.
type Config struct {
	NumQueryTokens   int    `mapstructure:"num_query_token"`
	NumFrames        int    `mapstructure:"frame_num"`
	MaxTxtLen        int    `mapstructure:"max_txt_len"`
	MaxOutputTxtLen  int    `mapstructure:"max_output_txt_len"`
	Prompt           string `mapstructure:"prompt"`
	QFormerTextInput bool   `mapstructure:"qformer_text_input"`
	ApplyLemmatizer  bool   `mapstructure:"apply_lemmatizer"`
	ParallelFusion   bool   `mapstructure:"parallel_fusion"`
}

func DefaultConfig() Config {
	return Config{
		NumQueryTokens:   32,
		NumFrames:        4,
		MaxTxtLen:        128,
		MaxOutputTxtLen:  256,
		QFormerTextInput: true,
	}
}

// ConfigFromMap decodes a generic configuration map over the defaults.
func ConfigFromMap(m map[string]any) (Config, error) {
	cfg := DefaultConfig()
	if err := mapstructure.Decode(m, &cfg); err != nil {
		return Config{}, fmt.Errorf("model: decoding config: %w", err)
	}

	return cfg, nil
}

// Samples is one batch at the pipeline boundary. All slices are
// per-video and must share the batch size of Video.
type Samples struct {
	Video ml.Tensor // [B, T, C, H, W]

	QuestionID []string

	// LocInput is the localization query driving frame selection.
	LocInput []string

	// QAInput is the task question; QAOutput the target answer text
	// (training only).
	QAInput  []string
	QAOutput []string

	// Optional context spliced into the prompt before tokenization.
	OCRTokens [][]string
	Choices   [][]string
	Context   []string
	History   []string
	Caption   []string
}

// Weights bundles the learned parameters owned by the pipeline: the
// two normalization layers (localization and fusion paths must never
// share statistics), the adapter query slots, and the two projections
// into the language-model embedding space.
type Weights struct {
	LNVision    *nn.LayerNorm
	LNVisionLoc *nn.LayerNorm

	Queries    ml.Tensor // [1, M, Dq] fusion query slots
	QueriesLoc ml.Tensor // [1, M, Dq] localization query slots

	Proj    *nn.Linear
	ProjLoc *nn.Linear
}

// Collaborators are the frozen external components.
type Collaborators struct {
	Vision VisionEncoder

	// FusionCore serves the answering path; its concrete capability
	// must match Config.QFormerTextInput. LocCore serves localization
	// and is always text-free.
	FusionCore     AdapterCore
	FusionTextCore TextAdapterCore
	LocCore        AdapterCore

	LM LanguageModel

	// LMText tokenizes for the language model; AdapterText for the
	// text-conditioned adapter. Targets truncate on the right,
	// everything else on the left.
	LMText      TextProcessor
	AdapterText TextProcessor

	Lemmatizer Lemmatizer
}

// Model is the assembled pipeline. Every entry point is a stateless
// function of the frozen parameters and the batch; nothing is mutated
// after construction.
type Model struct {
	cfg Config

	vision VisionEncoder
	lm     LanguageModel
	lmText TextProcessor

	localizer *Localizer
	fuser     *Fuser

	lemmatizer Lemmatizer
}

func New(cfg Config, w Weights, c Collaborators) (*Model, error) {
	if c.Vision == nil || c.LM == nil || c.LMText == nil || c.LocCore == nil {
		return nil, errors.New("model: missing collaborator")
	}

	var adapter Adapter
	if cfg.QFormerTextInput {
		if c.FusionTextCore == nil || c.AdapterText == nil {
			return nil, errors.New("model: text-conditioned adapter requires a text core and tokenizer")
		}
		adapter = &TextConditionedAdapter{Queries: w.Queries, Core: c.FusionTextCore}
	} else {
		if c.FusionCore == nil {
			return nil, errors.New("model: text-free adapter requires a core")
		}
		adapter = &TextFreeAdapter{Queries: w.Queries, Core: c.FusionCore}
	}

	return &Model{
		cfg:    cfg,
		vision: c.Vision,
		lm:     c.LM,
		lmText: c.LMText,
		localizer: &Localizer{
			Norm:      w.LNVisionLoc,
			Adapter:   &TextFreeAdapter{Queries: w.QueriesLoc, Core: c.LocCore},
			Proj:      w.ProjLoc,
			LM:        c.LM,
			Text:      c.LMText,
			MaxTxtLen: cfg.MaxTxtLen,
			Eps:       normEps,
		},
		fuser: &Fuser{
			Norm:      w.LNVision,
			Adapter:   adapter,
			Proj:      w.Proj,
			Text:      c.AdapterText,
			MaxTxtLen: cfg.MaxTxtLen,
			Parallel:  cfg.ParallelFusion,
			Eps:       normEps,
		},
		lemmatizer: c.Lemmatizer,
	}, nil
}

func (m *Model) Config() Config { return m.cfg }

// encodeVideo runs the frozen vision backbone over every frame. The
// backbone computes under a float16 scope; its output is consumed at
// full precision downstream.
func (m *Model) encodeVideo(ctx ml.Context, video ml.Tensor) (features ml.Tensor, b, t int, err error) {
	shape := video.Shape()
	if len(shape) != 5 {
		return nil, 0, 0, fmt.Errorf("model: video must be [B,T,C,H,W], have %v", shape)
	}

	b, t = shape[0], shape[1]
	flat := video.Reshape(ctx, b*t, shape[2], shape[3], shape[4])
	features = m.vision.Encode(ctx.WithPrecision(ml.PrecisionF16), flat)
	return features, b, t, nil
}

// localizeAndSelect scores every frame against the localization query
// and gathers the selected frames, restoring temporal order.
func (m *Model) localizeAndSelect(ctx ml.Context, features ml.Tensor, b, t int, locInput []string) (ml.Tensor, [][]int, error) {
	if len(locInput) != b {
		return nil, nil, fmt.Errorf("%w: %d localization queries for %d videos", ErrBatchSize, len(locInput), b)
	}

	scores, err := m.localizer.Score(ctx, features, b, t, locInput)
	if err != nil {
		return nil, nil, err
	}
	if slog.Default().Enabled(context.TODO(), slog.LevelDebug) {
		slog.Debug("frame relevance", "scores", ml.Dump(scores))
	}

	idx, err := SelectFrames(scores, m.cfg.NumFrames)
	if err != nil {
		return nil, nil, err
	}

	selected := gatherFrames(ctx, features, b, t, idx)
	return selected, idx, nil
}

// gatherFrames subsets [B*T, N, D] features down to [B, K, N, D] at the
// given per-video frame indices.
func gatherFrames(ctx ml.Context, features ml.Tensor, b, t int, idx [][]int) ml.Tensor {
	shape := features.Shape()
	n, d := shape[1], shape[2]
	byVideo := features.Reshape(ctx, b, t, n, d)

	videos := make([]ml.Tensor, b)
	for i, frames := range idx {
		video := byVideo.Narrow(ctx, 0, i, 1)
		picked := make([]ml.Tensor, len(frames))
		for j, f := range frames {
			picked[j] = video.Narrow(ctx, 1, f, 1)
		}

		v := picked[0]
		for _, p := range picked[1:] {
			v = v.Concat(ctx, p, 1)
		}
		videos[i] = v
	}

	out := videos[0]
	for _, v := range videos[1:] {
		out = out.Concat(ctx, v, 0)
	}

	return out
}
