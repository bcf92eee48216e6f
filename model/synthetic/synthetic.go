// Package synthetic provides small deterministic implementations of the
// pipeline's collaborator interfaces. They honor the tensor shape
// contracts of the production backbones at toy sizes, which is enough
// for tests, benchmarks, and examples; they are not trained models.
package synthetic

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/videoqa/videoqa/ml"
	"github.com/videoqa/videoqa/ml/nn"
	"github.com/videoqa/videoqa/model"
)

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func randFloats(rng *rand.Rand, n int, scale float64) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32((rng.Float64()*2 - 1) * scale)
	}

	return s
}

func mustTensor(ctx ml.Context, s []float32, shape ...int) ml.Tensor {
	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		panic(err)
	}

	return t
}

// Vision is a stand-in frozen image backbone: each frame's channel
// statistics are pushed through a fixed random projection, so frames
// with different content produce different feature sequences.
type Vision struct {
	Patches int // N
	Dim     int // D

	proj []float32 // [C, N*D] lazily sized on first use
	mu   sync.Mutex
	seed uint64
}

func NewVision(patches, dim int, seed uint64) *Vision {
	return &Vision{Patches: patches, Dim: dim, seed: seed}
}

// Encode maps pixels [F, C, H, W] to features [F, N, D].
func (v *Vision) Encode(ctx ml.Context, pixels ml.Tensor) ml.Tensor {
	shape := pixels.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("synthetic: vision input must be [F,C,H,W], have %v", shape))
	}

	f, c, h, w := shape[0], shape[1], shape[2], shape[3]
	proj := v.projection(c)

	px := pixels.Floats()
	out := make([]float32, f*v.Patches*v.Dim)
	for fi := 0; fi < f; fi++ {
		// channel means are the only image statistic the stand-in reads
		means := make([]float64, c)
		for ci := 0; ci < c; ci++ {
			base := (fi*c + ci) * h * w
			var sum float64
			for i := 0; i < h*w; i++ {
				sum += float64(px[base+i])
			}
			means[ci] = sum / float64(h*w)
		}

		for p := 0; p < v.Patches; p++ {
			for d := 0; d < v.Dim; d++ {
				var acc float64
				for ci := 0; ci < c; ci++ {
					acc += means[ci] * float64(proj[ci*v.Patches*v.Dim+p*v.Dim+d])
				}
				out[fi*v.Patches*v.Dim+p*v.Dim+d] = float32(math.Tanh(acc + 0.1*float64(p+1)))
			}
		}
	}

	t := mustTensor(ctx, out, f, v.Patches, v.Dim)
	// run through the context so the vision precision scope applies
	return t.Scale(ctx, 1)
}

func (v *Vision) projection(c int) []float32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.proj == nil {
		v.proj = randFloats(newRand(v.seed), c*v.Patches*v.Dim, 1)
	}

	return v.proj
}

// AdapterCore is a single-layer cross-attention stand-in: query slots
// attend over the frame's feature sequence.
type AdapterCore struct {
	WK ml.Tensor // [D, Dq]
	WV ml.Tensor // [D, Dq]
	dq int
}

func NewAdapterCore(ctx ml.Context, d, dq int, seed uint64) *AdapterCore {
	rng := newRand(seed)
	return &AdapterCore{
		WK: mustTensor(ctx, randFloats(rng, d*dq, 0.5), d, dq),
		WV: mustTensor(ctx, randFloats(rng, d*dq, 0.5), d, dq),
		dq: dq,
	}
}

func (a *AdapterCore) Forward(ctx ml.Context, queries, features, featureMask ml.Tensor) ml.Tensor {
	k := features.Mulmat(ctx, a.WK) // [B, N, Dq]
	v := features.Mulmat(ctx, a.WV)

	att := queries.Mulmat(ctx, k.Permute(ctx, 0, 2, 1)) // [B, M, N]
	att = att.Scale(ctx, 1/math.Sqrt(float64(a.dq)))
	att = att.Add(ctx, attentionBias(ctx, featureMask, queries.Dim(1)))
	att = att.Softmax(ctx)

	return att.Mulmat(ctx, v) // [B, M, Dq]
}

// attentionBias expands a [B, N] key mask to a [B, M, N] additive bias.
func attentionBias(ctx ml.Context, mask ml.Tensor, m int) ml.Tensor {
	b, n := mask.Dim(0), mask.Dim(1)
	ints := mask.Ints()

	bias := make([]float32, b*m*n)
	for bi := 0; bi < b; bi++ {
		for ni := 0; ni < n; ni++ {
			if ints[bi*n+ni] == 0 {
				for mi := 0; mi < m; mi++ {
					bias[bi*m*n+mi*n+ni] = float32(math.Inf(-1))
				}
			}
		}
	}

	return mustTensor(ctx, bias, b, m, n)
}

// TextAdapterCore additionally conditions the query slots on text
// tokens and passes the text embeddings through after the query
// outputs.
type TextAdapterCore struct {
	*AdapterCore
	Embedding ml.Tensor // [V, Dq]
}

func NewTextAdapterCore(ctx ml.Context, d, dq, vocab int, seed uint64) *TextAdapterCore {
	return &TextAdapterCore{
		AdapterCore: NewAdapterCore(ctx, d, dq, seed),
		Embedding:   mustTensor(ctx, randFloats(newRand(seed+1), vocab*dq, 0.5), vocab, dq),
	}
}

func (a *TextAdapterCore) ForwardWithText(ctx ml.Context, textIDs, textMask, queries, features, featureMask ml.Tensor) ml.Tensor {
	text := a.Embedding.Rows(ctx, textIDs) // [B, L, Dq]

	// mask-aware mean pool conditions every query slot
	b, l, dq := text.Dim(0), text.Dim(1), text.Dim(2)
	tf, tm := text.Floats(), textMask.Ints()
	pooled := make([]float32, b*dq)
	for bi := 0; bi < b; bi++ {
		var count float64
		for li := 0; li < l; li++ {
			if tm[bi*l+li] == 0 {
				continue
			}
			count++
			for d := 0; d < dq; d++ {
				pooled[bi*dq+d] += tf[bi*l*dq+li*dq+d]
			}
		}
		if count > 0 {
			for d := 0; d < dq; d++ {
				pooled[bi*dq+d] = float32(float64(pooled[bi*dq+d]) / count)
			}
		}
	}

	m := queries.Dim(1)
	cond := mustTensor(ctx, pooled, b, 1, dq).Repeat(ctx, 1, m)
	out := a.AdapterCore.Forward(ctx, queries.Add(ctx, cond), features, featureMask)

	return out.Concat(ctx, text, 1) // query slots first, text pass-through after
}

// TextProcessor is a word-hashing tokenizer. Decode relies on the words
// seen by Encode, which is enough for round-tripping generated answers
// in tests.
type TextProcessor struct {
	vocab int

	mu    sync.Mutex
	words map[int32]string
}

const (
	padID = 0
	eosID = 1
)

func NewTextProcessor(vocab int) *TextProcessor {
	return &TextProcessor{vocab: vocab, words: make(map[int32]string)}
}

func (t *TextProcessor) PadID() int32 { return padID }

func (t *TextProcessor) Encode(s string, addSpecial bool) ([]int32, error) {
	var ids []int32
	for _, w := range strings.Fields(strings.ToLower(s)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		id := int32(2 + h.Sum32()%uint32(t.vocab-2))

		t.mu.Lock()
		t.words[id] = w
		t.mu.Unlock()

		ids = append(ids, id)
	}

	if addSpecial {
		ids = append(ids, eosID)
	}

	return ids, nil
}

func (t *TextProcessor) Decode(ids []int32) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var words []string
	for _, id := range ids {
		if id == padID || id == eosID {
			continue
		}
		if w, ok := t.words[id]; ok {
			words = append(words, w)
		}
	}

	return strings.Join(words, " "), nil
}

// Lemmatizer is a crude suffix stripper standing in for a real
// lemmatization collaborator.
type Lemmatizer struct{}

func (Lemmatizer) Lemmatize(s string) (string, error) {
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) > 3 && strings.HasSuffix(w, "s") {
			words[i] = strings.TrimSuffix(w, "s")
		}
	}

	return strings.Join(words, " "), nil
}

// Dims fixes the toy sizes shared by the synthetic collaborators.
type Dims struct {
	Patches    int // N
	VisionDim  int // D
	AdapterDim int // Dq
	Hidden     int // H
	Vocab      int // V, must exceed the fixed vocabulary ids
}

func DefaultDims() Dims {
	return Dims{Patches: 8, VisionDim: 16, AdapterDim: 12, Hidden: 24, Vocab: 4608}
}

// NewPipeline assembles a full Model over synthetic collaborators.
// Identical seeds produce identical pipelines.
func NewPipeline(ctx ml.Context, cfg model.Config, dims Dims, seed uint64) (*model.Model, error) {
	rng := newRand(seed)

	m := cfg.NumQueryTokens
	w := model.Weights{
		LNVision:    layerNorm(ctx, dims.VisionDim),
		LNVisionLoc: layerNorm(ctx, dims.VisionDim),
		Queries:     mustTensor(ctx, randFloats(rng, m*dims.AdapterDim, 0.5), 1, m, dims.AdapterDim),
		QueriesLoc:  mustTensor(ctx, randFloats(rng, m*dims.AdapterDim, 0.5), 1, m, dims.AdapterDim),
		Proj:        linear(ctx, rng, dims.AdapterDim, dims.Hidden),
		ProjLoc:     linear(ctx, rng, dims.AdapterDim, dims.Hidden),
	}

	text := NewTextProcessor(dims.Vocab)
	c := model.Collaborators{
		Vision:         NewVision(dims.Patches, dims.VisionDim, seed+10),
		FusionCore:     NewAdapterCore(ctx, dims.VisionDim, dims.AdapterDim, seed+20),
		FusionTextCore: NewTextAdapterCore(ctx, dims.VisionDim, dims.AdapterDim, dims.Vocab, seed+21),
		LocCore:        NewAdapterCore(ctx, dims.VisionDim, dims.AdapterDim, seed+22),
		LM:             NewLanguageModel(ctx, dims.Vocab, dims.Hidden, seed+30),
		LMText:         text,
		AdapterText:    text,
		Lemmatizer:     Lemmatizer{},
	}

	return model.New(cfg, w, c)
}

func layerNorm(ctx ml.Context, dim int) *nn.LayerNorm {
	ones := make([]float32, dim)
	for i := range ones {
		ones[i] = 1
	}

	return &nn.LayerNorm{
		Weight: mustTensor(ctx, ones, dim),
		Bias:   mustTensor(ctx, make([]float32, dim), dim),
	}
}

func linear(ctx ml.Context, rng *rand.Rand, in, out int) *nn.Linear {
	return &nn.Linear{
		Weight: mustTensor(ctx, randFloats(rng, in*out, 0.5), in, out),
		Bias:   mustTensor(ctx, randFloats(rng, out, 0.1), out),
	}
}
