package model

import (
	"fmt"
	"strings"

	"github.com/videoqa/videoqa/api"
	"github.com/videoqa/videoqa/ml"
)

// formatPrompt substitutes args into successive "{}" placeholders.
func formatPrompt(tpl string, args ...string) string {
	for _, a := range args {
		tpl = strings.Replace(tpl, "{}", a, 1)
	}

	return tpl
}

// spliceOCRTokens substitutes the first 30 OCR tokens of each sample
// into a "{}" placeholder in its prompt, when both are present.
func spliceOCRTokens(prompt []string, ocr [][]string) []string {
	if len(ocr) == 0 || len(prompt) == 0 || !strings.Contains(prompt[0], "{}") {
		return prompt
	}

	out := make([]string, len(prompt))
	for i, p := range prompt {
		tokens := ocr[i]
		if len(tokens) > 30 {
			tokens = tokens[:30]
		}
		out[i] = formatPrompt(p, strings.Join(tokens, ", "))
	}

	return out
}

// letterChoices renders a candidate list as "(a) ... (b) ...".
func letterChoices(choices []string) string {
	parts := make([]string, len(choices))
	for j, ch := range choices {
		parts[j] = fmt.Sprintf("(%c) %s", 'a'+j, ch)
	}

	return strings.Join(parts, " ")
}

// PredictAnswers formats each question through the prompt template,
// generates free-form answers, and optionally lemmatizes them. A
// template with two placeholders consumes OCR tokens or choices ahead
// of the question.
func (m *Model) PredictAnswers(ctx ml.Context, samples Samples, opts api.DecodeOptions, prompt string) ([]api.Answer, error) {
	questions := samples.QAInput

	if prompt != "" {
		formatted := make([]string, len(questions))
		switch strings.Count(prompt, "{}") {
		case 2:
			for i, q := range questions {
				switch {
				case len(samples.OCRTokens) > 0:
					tokens := samples.OCRTokens[i]
					if len(tokens) > 30 {
						tokens = tokens[:30]
					}
					formatted[i] = formatPrompt(prompt, strings.Join(tokens, ", "), q)
				case len(samples.Choices) > 0:
					formatted[i] = formatPrompt(prompt, q, letterChoices(samples.Choices[i]))
				default:
					formatted[i] = formatPrompt(prompt, q, "")
				}
			}
		default:
			for i, q := range questions {
				formatted[i] = formatPrompt(prompt, q)
			}
		}

		samples.QAInput = formatted
	}

	answers, err := m.GenerateText(ctx, samples, opts)
	if err != nil {
		return nil, err
	}

	if m.cfg.ApplyLemmatizer {
		if err := m.lemmatize(answers); err != nil {
			return nil, err
		}
	}

	return answers, nil
}

// predictPrompt builds the ranking prompt for one batch: the template
// is filled with the question, then any dialog history, caption, or
// context strings are spliced in front.
func (m *Model) predictPrompt(samples Samples, b int) ([]string, error) {
	prompt := make([]string, b)
	for i := range prompt {
		prompt[i] = m.cfg.Prompt
	}

	if len(samples.QAInput) > 0 {
		if len(samples.QAInput) != b {
			return nil, fmt.Errorf("%w: %d questions for %d videos", ErrBatchSize, len(samples.QAInput), b)
		}
		for i := range prompt {
			prompt[i] = formatPrompt(prompt[i], samples.QAInput[i])
		}
	}

	if len(samples.Context) > 0 && samples.Context[0] != "" {
		for i := range prompt {
			prompt[i] = fmt.Sprintf("context: %s. %s", samples.Context[i], prompt[i])
		}
	}

	if len(samples.History) > 0 && samples.History[0] != "" {
		for i := range prompt {
			prompt[i] = fmt.Sprintf("dialog history: %s\n%s", samples.History[i], prompt[i])
		}
	}

	if len(samples.Caption) > 0 && samples.Caption[0] != "" {
		for i := range prompt {
			prompt[i] = fmt.Sprintf("This image has the caption %q. %s", samples.Caption[i], prompt[i])
		}
	}

	return prompt, nil
}
