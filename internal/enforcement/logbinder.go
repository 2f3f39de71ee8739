package enforcement

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogBinder records policy changes in the log without touching any
// identity backend. Used for local development and dry runs.
type LogBinder struct{}

func (LogBinder) Attach(_ context.Context, p Principal, policyARN string) error {
	log.Info().Str(string(p.Kind), p.Name).Str("policy", policyARN).
		Msg("enforcement: dry-run attach")
	return nil
}

func (LogBinder) Detach(_ context.Context, p Principal, policyARN string) error {
	log.Info().Str(string(p.Kind), p.Name).Str("policy", policyARN).
		Msg("enforcement: dry-run detach")
	return nil
}

// LogNotifier writes operator notifications to the log.
type LogNotifier struct{}

func (LogNotifier) Publish(_ context.Context, subject, message string) error {
	log.Info().Str("subject", subject).Str("message", message).
		Msg("enforcement: dry-run notification")
	return nil
}
