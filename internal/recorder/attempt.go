package recorder

import (
	"context"
	"sync"

	"feedbackmic/internal/capabilities"
	"feedbackmic/internal/ports"
)

// attempt is one microphone acquisition. stopRequested is guarded by the
// engine mutex.
type attempt struct {
	session ports.AudioSession
	cancel  context.CancelFunc
	format  *capabilities.ContainerFormat

	stopRequested bool

	pumpDone chan struct{}
	tickStop chan struct{}

	tickOnce    sync.Once
	releaseOnce sync.Once
}

func newAttempt(session ports.AudioSession, cancel context.CancelFunc, format *capabilities.ContainerFormat) *attempt {
	return &attempt{
		session:  session,
		cancel:   cancel,
		format:   format,
		pumpDone: make(chan struct{}),
		tickStop: make(chan struct{}),
	}
}

func (a *attempt) mimeType() string {
	if a.format != nil && a.format.MIMEType != "" {
		return a.format.MIMEType
	}
	return wavMIMEType
}

func (a *attempt) stopTicker() {
	a.tickOnce.Do(func() { close(a.tickStop) })
}

// release stops the ticker and frees the microphone exactly once.
func (a *attempt) release() {
	a.stopTicker()
	a.releaseOnce.Do(func() {
		_ = a.session.Close()
		a.cancel()
	})
}
