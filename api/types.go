// Package api holds the types exchanged with callers of the pipeline:
// decoding hyperparameters and per-sample results.
package api

// DecodeOptions configures autoregressive decoding in the frozen
// language model.
type DecodeOptions struct {
	NumBeams           int     `json:"num_beams" mapstructure:"num_beams"`
	UseNucleusSampling bool    `json:"use_nucleus_sampling" mapstructure:"use_nucleus_sampling"`
	TopP               float32 `json:"top_p" mapstructure:"top_p"`
	Temperature        float32 `json:"temperature" mapstructure:"temperature"`
	RepetitionPenalty  float32 `json:"repetition_penalty" mapstructure:"repetition_penalty"`
	LengthPenalty      float32 `json:"length_penalty" mapstructure:"length_penalty"`
	MaxNewTokens       int     `json:"max_new_tokens" mapstructure:"max_new_tokens"`
	MinLength          int     `json:"min_length" mapstructure:"min_length"`
	NumCaptions        int     `json:"num_captions" mapstructure:"num_captions"`
}

func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		NumBeams:          5,
		TopP:              0.9,
		Temperature:       1,
		RepetitionPenalty: 1.5,
		LengthPenalty:     1,
		MaxNewTokens:      256,
		MinLength:         1,
		NumCaptions:       1,
	}
}

// Answer is one generation result. Class is the index into the fixed
// multiple-choice letter vocabulary; Text carries free-form output when
// the caller decodes instead of classifying.
type Answer struct {
	QuestionID string `json:"question_id"`
	Class      int    `json:"class"`
	Text       string `json:"text,omitempty"`
	Target     string `json:"target,omitempty"`
}

// Ranking orders candidate answers for one sample, best first.
type Ranking struct {
	QuestionID string    `json:"question_id"`
	Ranks      []int     `json:"ranks"`
	Losses     []float32 `json:"losses"`
}
