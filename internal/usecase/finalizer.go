package usecase

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"feedbackmic/internal/domain"
	"feedbackmic/internal/ports"
)

// feedbackFinalizer uploads a finished recording and waits for the
// processed result.
type feedbackFinalizer struct {
	gateway ports.Gateway
	poller  ports.ResultWaiter
}

func newFeedbackFinalizer(gateway ports.Gateway, poller ports.ResultWaiter) feedbackFinalizer {
	return feedbackFinalizer{gateway: gateway, poller: poller}
}

// failure is a user-facing error produced by a flow step.
type failure struct {
	code    domain.ErrorCode
	message string
	err     error
}

func (f feedbackFinalizer) Finalize(ctx context.Context, sessionID string, artifact domain.AudioArtifact) (domain.FeedbackResult, *failure) {
	if err := f.gateway.SubmitFeedback(ctx, sessionID, artifact); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("feedback upload failed")
		return domain.FeedbackResult{}, &failure{
			code:    domain.ErrorCodeNetwork,
			message: messageOr(err, msgSubmitFailed),
			err:     err,
		}
	}

	result, err := f.poller.Wait(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("feedback result unavailable")
		return domain.FeedbackResult{}, classifyPollError(err)
	}
	return result, nil
}

func classifyPollError(err error) *failure {
	switch {
	case errors.Is(err, domain.ErrPollTimeout):
		return &failure{code: domain.ErrorCodeTimeout, message: msgPollTimeout, err: err}
	case errors.Is(err, domain.ErrProcessingFailed):
		return &failure{code: domain.ErrorCodeProtocol, message: messageOr(err, msgProcessingFailed), err: err}
	default:
		return &failure{code: domain.ErrorCodeNetwork, message: messageOr(err, msgGeneric), err: err}
	}
}

func messageOr(err error, fallback string) string {
	if message := domain.ServerMessage(err); message != "" {
		return message
	}
	return fallback
}
