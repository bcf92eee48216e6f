package sample

import (
	"math/rand/v2"
	"testing"
)

func TestGreedy(t *testing.T) {
	cases := []struct {
		name   string
		logits []float32
		want   int32
	}{
		{name: "max in middle", logits: []float32{0.1, 0.9, 0.3}, want: 1},
		{name: "negative logits", logits: []float32{-3, -1, -2}, want: 1},
		{name: "ties keep the first", logits: []float32{0.5, 0.5}, want: 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Greedy(c.logits); got != c.want {
				t.Errorf("expected %d, actual %d", c.want, got)
			}
		})
	}
}

func TestSampleZeroTemperatureIsGreedy(t *testing.T) {
	s := NewSampler(0, 0.9, rand.NewPCG(1, 2))
	logits := []float32{0.1, 2.5, 0.3, 0.2}

	for i := 0; i < 10; i++ {
		got, err := s.Sample(logits)
		if err != nil {
			t.Fatal(err)
		}
		if got != 1 {
			t.Errorf("expected greedy pick 1, actual %d", got)
		}
	}
}

func TestSampleStaysInNucleus(t *testing.T) {
	s := NewSampler(1, 0.5, rand.NewPCG(3, 4))

	// one dominant token holds well over half the mass
	logits := []float32{10, 0, 0, 0}
	for i := 0; i < 50; i++ {
		got, err := s.Sample(logits)
		if err != nil {
			t.Fatal(err)
		}
		if got != 0 {
			t.Errorf("sampled %d outside the nucleus", got)
		}
	}
}

func TestSampleEmptyLogits(t *testing.T) {
	s := NewSampler(1, 0.9, nil)
	if _, err := s.Sample(nil); err == nil {
		t.Error("expected error for empty logits")
	}
}

func TestApplyRepetitionPenalty(t *testing.T) {
	logits := []float32{2, -2, 1}
	ApplyRepetitionPenalty(logits, []int32{0, 1}, 2)

	if logits[0] != 1 {
		t.Errorf("positive logit: expected 1, actual %v", logits[0])
	}
	if logits[1] != -4 {
		t.Errorf("negative logit: expected -4, actual %v", logits[1])
	}
	if logits[2] != 1 {
		t.Errorf("untouched logit changed: %v", logits[2])
	}
}

func TestApplyRepetitionPenaltyNoop(t *testing.T) {
	logits := []float32{2, -2}
	ApplyRepetitionPenalty(logits, []int32{0, 1}, 1)

	if logits[0] != 2 || logits[1] != -2 {
		t.Errorf("penalty of 1 altered logits: %v", logits)
	}
}
