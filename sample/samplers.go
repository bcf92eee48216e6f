// Package sample implements logit sampling for autoregressive decoding.
package sample

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

// token represents information about a single token during sampling
type token struct {
	id    int32   // The token's unique identifier
	value float32 // The raw logit or probability from the model
}

type Sampler struct {
	rng         *rand.Rand
	topP        float32
	temperature float32
}

// NewSampler returns a nucleus sampler. A nil source draws from the
// shared global source.
func NewSampler(temperature, topP float32, src rand.Source) *Sampler {
	var rng *rand.Rand
	if src != nil {
		rng = rand.New(src)
	}

	return &Sampler{rng: rng, topP: topP, temperature: temperature}
}

func (s *Sampler) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	if s.temperature == 0 {
		return Greedy(logits), nil
	}

	tokens := make([]token, len(logits))
	for i := range logits {
		tokens[i].id = int32(i)
		tokens[i].value = logits[i]
	}

	temperature(tokens, s.temperature)
	softmax(tokens)

	// sort by probability descending for the nucleus cutoff
	slices.SortStableFunc(tokens, func(a, b token) int {
		switch {
		case a.value > b.value:
			return -1
		case a.value < b.value:
			return 1
		default:
			return 0
		}
	})
	tokens = topP(tokens, s.topP)

	var r float32
	if s.rng != nil {
		r = s.rng.Float32()
	} else {
		r = rand.Float32()
	}

	// cumulative sum of probabilities
	var sum float32
	for i := range tokens {
		sum += tokens[i].value
		tokens[i].value = sum
	}
	r *= tokens[len(tokens)-1].value

	idx, _ := slices.BinarySearchFunc(tokens, r, func(token token, target float32) int {
		if token.value < target {
			return -1
		}
		return 1
	})
	if idx >= len(tokens) {
		idx = len(tokens) - 1
	}

	return tokens[idx].id, nil
}

// Greedy returns the index of the highest logit.
func Greedy(logits []float32) int32 {
	max := int32(0)
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[max] {
			max = int32(i)
		}
	}

	return max
}

// temperature scales the logits in place, subtracting the max logit to
// avoid under/overflow.
func temperature(tokens []token, t float32) {
	if t == 1 {
		return
	}

	temp := float32(math.Max(float64(t), 1e-7))

	maxLogit := float32(math.Inf(-1))
	for _, tk := range tokens {
		if tk.value > maxLogit {
			maxLogit = tk.value
		}
	}

	for i := range tokens {
		tokens[i].value = (tokens[i].value - maxLogit) / temp
	}
}

// softmax normalizes the logits in place.
func softmax(tokens []token) {
	var sum float64
	for i := range tokens {
		e := math.Exp(float64(tokens[i].value))
		tokens[i].value = float32(e)
		sum += e
	}

	for i := range tokens {
		tokens[i].value = float32(float64(tokens[i].value) / sum)
	}
}

// topP truncates sorted probabilities to the smallest nucleus whose
// mass reaches p.
func topP(tokens []token, p float32) []token {
	if p >= 1 {
		return tokens
	}

	var sum float32
	for i, tk := range tokens {
		sum += tk.value
		if sum > p {
			return tokens[:i+1]
		}
	}

	return tokens
}

// ApplyRepetitionPenalty divides positive logits of already generated
// tokens by penalty and multiplies negative ones, discouraging repeats.
func ApplyRepetitionPenalty(logits []float32, history []int32, penalty float32) {
	if penalty == 1 || penalty <= 0 {
		return
	}

	for _, id := range history {
		if int(id) >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}
