package model

import (
	"fmt"

	"github.com/videoqa/videoqa/ml"
)

type truncationSide int

const (
	// truncateLeft keeps the tail of over-long text: questions lose
	// their oldest context first. Targets truncate on the right.
	truncateLeft truncationSide = iota
	truncateRight
)

type tokenBatch struct {
	IDs  ml.Tensor // [B, L] I32
	Mask ml.Tensor // [B, L] I32, zero on padding
}

// tokenizeBatch encodes texts, truncates to maxLen (0 disables), and
// pads to the longest row.
func tokenizeBatch(ctx ml.Context, tp TextProcessor, texts []string, maxLen int, side truncationSide, addSpecial bool) (*tokenBatch, error) {
	rows := make([][]int32, len(texts))

	longest := 0
	for i, s := range texts {
		ids, err := tp.Encode(s, addSpecial)
		if err != nil {
			return nil, fmt.Errorf("model: tokenizing %q: %w", s, err)
		}

		if maxLen > 0 && len(ids) > maxLen {
			if side == truncateLeft {
				ids = ids[len(ids)-maxLen:]
			} else {
				ids = ids[:maxLen]
			}
		}

		rows[i] = ids
		if len(ids) > longest {
			longest = len(ids)
		}
	}

	if longest == 0 {
		longest = 1
	}

	ids := make([]int32, 0, len(rows)*longest)
	mask := make([]int32, 0, len(rows)*longest)
	for _, row := range rows {
		ids = append(ids, row...)
		for range row {
			mask = append(mask, 1)
		}
		for i := len(row); i < longest; i++ {
			ids = append(ids, tp.PadID())
			mask = append(mask, 0)
		}
	}

	idt, err := ctx.FromIntSlice(ids, len(rows), longest)
	if err != nil {
		return nil, err
	}

	maskt, err := ctx.FromIntSlice(mask, len(rows), longest)
	if err != nil {
		return nil, err
	}

	return &tokenBatch{IDs: idt, Mask: maskt}, nil
}

// maskLabels returns the token ids with padding positions replaced by
// the loss ignore index.
func maskLabels(ctx ml.Context, ids ml.Tensor, padID int32) (ml.Tensor, error) {
	s := ids.Ints()
	for i, id := range s {
		if id == padID {
			s[i] = ignoreIndex
		}
	}

	return ctx.FromIntSlice(s, ids.Shape()...)
}
