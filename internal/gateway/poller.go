package gateway

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"feedbackmic/internal/domain"
	"feedbackmic/internal/metrics"
	"feedbackmic/internal/ports"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultPollMaxAttempts = 30
)

// ErrPollTimeout is returned when processing did not finish within the
// attempt budget.
var ErrPollTimeout = domain.ErrPollTimeout

// ProcessingError is a terminal failed or fraud_flagged status.
type ProcessingError struct {
	Status  domain.SessionStatus
	Message string
}

func (e *ProcessingError) Error() string {
	if e.Message == "" {
		return "feedback processing ended with status " + string(e.Status)
	}
	return "feedback processing ended with status " + string(e.Status) + ": " + e.Message
}

func (e *ProcessingError) ServerMessage() string {
	return e.Message
}

func (e *ProcessingError) Is(target error) bool {
	return target == domain.ErrProcessingFailed
}

// Poller waits for a submitted session to reach a terminal status.
type Poller struct {
	checker     ports.StatusChecker
	interval    time.Duration
	maxAttempts int
}

func NewPoller(checker ports.StatusChecker, interval time.Duration, maxAttempts int) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	return &Poller{checker: checker, interval: interval, maxAttempts: maxAttempts}
}

// Wait polls the status endpoint once per interval. The first poll happens
// one interval after the call.
func (p *Poller) Wait(ctx context.Context, sessionID string) (domain.FeedbackResult, error) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return domain.FeedbackResult{}, ctx.Err()
		case <-timer.C:
		}

		status, err := p.checker.FeedbackStatus(ctx, sessionID)
		if err != nil {
			metrics.Polls.WithLabelValues("error").Inc()
			return domain.FeedbackResult{}, errors.Wrap(err, "status poll failed")
		}
		metrics.Polls.WithLabelValues(string(status.Status)).Inc()

		switch status.Status {
		case domain.SessionStatusCompleted:
			result := domain.FeedbackResult{SessionID: sessionID}
			if status.Result != nil {
				result = *status.Result
				if result.SessionID == "" {
					result.SessionID = sessionID
				}
			}
			log.Info().Str("session_id", sessionID).Int("attempt", attempt).Msg("feedback processing completed")
			return result, nil
		case domain.SessionStatusFailed, domain.SessionStatusFraudFlagged:
			return domain.FeedbackResult{}, &ProcessingError{Status: status.Status, Message: status.ErrorMessage}
		}

		log.Debug().Str("session_id", sessionID).Int("attempt", attempt).Str("status", string(status.Status)).Msg("feedback still processing")
		timer.Reset(p.interval)
	}

	metrics.Polls.WithLabelValues("timeout").Inc()
	return domain.FeedbackResult{}, ErrPollTimeout
}
