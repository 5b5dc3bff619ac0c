package usecase

import (
	"context"

	"feedbackmic/internal/domain"
)

// Entry is how a customer arrives: a scanned QR token, session data handed
// over by a previous step, or both.
type Entry struct {
	QRToken string
	Session *domain.Session
}

// flowAttempt scopes async work started between two resets. Continuations
// compare their generation before writing state.
type flowAttempt struct {
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
}

func newFlowAttempt(generation uint64) *flowAttempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &flowAttempt{generation: generation, ctx: ctx, cancel: cancel}
}

// bind derives a context that ends with either ctx or the attempt.
func (a *flowAttempt) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.ctx, cancel)
	return bound, func() {
		stop()
		cancel()
	}
}
