package model

import (
	"fmt"
	"sort"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/videoqa/videoqa/ml"
)

type scoredFrame struct {
	index int
	score float32
}

// SelectFrames picks the k highest scoring frame indices per video and
// returns them sorted ascending, preserving temporal order for fusion.
// Ties break toward the lower original index, so identical scores
// select the earliest frames deterministically. scores is [B, T].
//
// k greater than the frame count is an error, never a silent clamp.
func SelectFrames(scores ml.Tensor, k int) ([][]int, error) {
	shape := scores.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("model: relevance scores must be [B,T], have %v", shape)
	}

	b, t := shape[0], shape[1]
	if k <= 0 {
		return nil, fmt.Errorf("model: selection budget must be positive, have %d", k)
	}
	if k > t {
		return nil, fmt.Errorf("%w: need %d of %d", ErrTooFewFrames, k, t)
	}

	flat := scores.Floats()
	out := make([][]int, b)
	for i := 0; i < b; i++ {
		row := flat[i*t : (i+1)*t]

		frames := heap.NewWith(func(a, b scoredFrame) int {
			if a.score != b.score {
				if a.score > b.score {
					return -1
				}
				return 1
			}
			return a.index - b.index
		})
		for j, s := range row {
			frames.Push(scoredFrame{index: j, score: s})
		}

		picked := make([]int, k)
		for j := 0; j < k; j++ {
			f, _ := frames.Pop()
			picked[j] = f.index
		}

		sort.Ints(picked)
		out[i] = picked
	}

	return out, nil
}
