package model

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/videoqa/videoqa/api"
)

// lemmatize post-processes answers in place. The collaborator is
// best-effort: when it is missing or fails, the path terminates with an
// error rather than silently degrading.
func (m *Model) lemmatize(answers []api.Answer) error {
	if m.lemmatizer == nil {
		slog.Error("lemmatization requested but no lemmatizer collaborator is configured")
		return errors.New("model: lemmatizer unavailable")
	}

	for i := range answers {
		text, err := m.lemmatizer.Lemmatize(answers[i].Text)
		if err != nil {
			return fmt.Errorf("model: lemmatizing answer %d: %w", i, err)
		}
		answers[i].Text = text
	}

	return nil
}
