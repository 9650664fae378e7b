// Package classifier is the boundary to the external AI service that
// classifies raw log lines and proposes fixes.
//
// Any OpenAI-compatible chat completion endpoint can serve it. Callers never
// see a classification failure as an error path of their own: they replace
// the result with Fallback and flag the entry.
package classifier

import (
	"context"
	"errors"

	"github.com/oicur0t/logpulse/pkg/models"
)

// ErrUnavailable indicates that every configured endpoint failed or none is configured
var ErrUnavailable = errors.New("classifier unavailable")

// ErrMalformedResponse indicates the model answered with something that is not a classification
var ErrMalformedResponse = errors.New("malformed classifier response")

// Gateway is the narrow capability the hub needs from the AI service
type Gateway interface {
	// Classify turns a raw log line into a structured classification
	Classify(ctx context.Context, raw string) (models.Classification, error)
	// SuggestFix proposes a remediation for entry given the instance's recent entries
	SuggestFix(ctx context.Context, entry models.LogEntry, recent []models.LogEntry) (string, error)
	// Chat answers an operator's free-form question about entry
	Chat(ctx context.Context, entry models.LogEntry, recent []models.LogEntry, question string) (string, error)
}

// Fallback is the deterministic classification used when Classify fails
func Fallback(raw string) models.Classification {
	return models.Classification{
		Level:         models.LevelUnknown,
		Service:       "unknown",
		Message:       raw,
		Anomaly:       false,
		AnomalyReason: nil,
	}
}

// Disabled is a Gateway for hubs running without any AI endpoint.
// Every call fails with ErrUnavailable, so entries get the fallback classification.
type Disabled struct{}

func (Disabled) Classify(context.Context, string) (models.Classification, error) {
	return models.Classification{}, ErrUnavailable
}

func (Disabled) SuggestFix(context.Context, models.LogEntry, []models.LogEntry) (string, error) {
	return "", ErrUnavailable
}

func (Disabled) Chat(context.Context, models.LogEntry, []models.LogEntry, string) (string, error) {
	return "", ErrUnavailable
}
