// Package recorder owns the microphone for one feedback recording attempt:
// it captures audio, forwards frames to the realtime socket while buffering
// them, and produces exactly one finalized artifact per attempt.
package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"feedbackmic/internal/audio"
	"feedbackmic/internal/capabilities"
	"feedbackmic/internal/domain"
	"feedbackmic/internal/metrics"
	"feedbackmic/internal/observe"
	"feedbackmic/internal/ports"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no active recording")
	ErrStartCancelled   = errors.New("recording start cancelled")
)

const (
	PermissionMessage  = "Mikrofonåtkomst nekades. Tillåt mikrofonen i systemets inställningar och försök igen."
	interruptedMessage = "Inspelningen avbröts oväntat. Försök igen."
	wavMIMEType        = "audio/wav"
)

// Config controls capture behavior.
type Config struct {
	// Audio carries the device selection; encoding fields are filled in
	// from Container.
	Audio ports.AudioConfig
	// Container is the negotiated container format, nil for raw frames.
	Container *capabilities.ContainerFormat

	ChunkInterval time.Duration
	FrameSize     int
	MaxDuration   time.Duration
	TickInterval  time.Duration
}

// CompletionHandler receives the finalized artifact of an attempt.
type CompletionHandler func(domain.AudioArtifact)

// Engine is the voice capture state machine.
type Engine struct {
	capture  ports.AudioCapture
	sender   ports.RealtimeSender
	observer ports.RecordingObserver
	active   *observe.Value[bool]
	cfg      Config

	mu         sync.Mutex
	state      domain.RecordingState
	elapsed    int
	current    *attempt
	onComplete CompletionHandler
}

func NewEngine(capture ports.AudioCapture, sender ports.RealtimeSender, active *observe.Value[bool], cfg Config) *Engine {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 500 * time.Millisecond
	}
	if cfg.FrameSize < 256 {
		cfg.FrameSize = 4096
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 120 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if active == nil {
		active = observe.NewValue(false)
	}
	return &Engine{
		capture:  capture,
		sender:   sender,
		observer: noopObserver{},
		active:   active,
		cfg:      cfg,
		state:    domain.RecordingStateIdle,
	}
}

// SetObserver replaces the state observer.
func (e *Engine) SetObserver(observer ports.RecordingObserver) {
	if observer == nil {
		observer = noopObserver{}
	}
	e.mu.Lock()
	e.observer = observer
	e.mu.Unlock()
}

// OnComplete registers the handler invoked once per finalized attempt.
func (e *Engine) OnComplete(handler CompletionHandler) {
	e.mu.Lock()
	e.onComplete = handler
	e.mu.Unlock()
}

// State returns the current recording state.
func (e *Engine) State() domain.RecordingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Elapsed returns the whole seconds recorded in the current attempt.
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.elapsed) * time.Second
}

// IsRecording reports whether audio is being captured.
func (e *Engine) IsRecording() bool {
	return e.State() == domain.RecordingStateRecording
}

// Start acquires the microphone and begins capture.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == domain.RecordingStateRequesting || e.state == domain.RecordingStateRecording {
		e.mu.Unlock()
		return ErrAlreadyRecording
	}
	e.state = domain.RecordingStateRequesting
	e.elapsed = 0
	e.mu.Unlock()
	e.notify(domain.RecordingStateRequesting, 0)

	captureCtx, cancel := context.WithCancel(ctx)
	session, err := e.capture.Start(captureCtx, e.audioConfig())
	if err != nil {
		cancel()
		code, message := classifyStartError(err)
		log.Warn().Err(err).Str("code", string(code)).Msg("microphone capture failed to start")
		e.fail(nil, code, message)
		return err
	}

	a := newAttempt(session, cancel, e.cfg.Container)

	e.mu.Lock()
	if e.state != domain.RecordingStateRequesting {
		e.mu.Unlock()
		a.release()
		return ErrStartCancelled
	}
	e.current = a
	e.state = domain.RecordingStateRecording
	e.mu.Unlock()

	e.active.Set(true)
	metrics.SessionsStarted.Inc()
	e.sendControl(domain.ControlStartRecording)
	e.notify(domain.RecordingStateRecording, 0)

	if a.format != nil {
		go e.runContainerPump(a)
	} else {
		go e.runFramePump(a)
	}
	go e.runTicker(a)

	log.Info().Bool("container", a.format != nil).Str("mime", a.mimeType()).Msg("recording started")
	return nil
}

// Stop finalizes the current attempt. It returns once the artifact has been
// handed to the completion handler or the attempt failed.
func (e *Engine) Stop() error {
	e.mu.Lock()
	a := e.current
	if a == nil || e.state != domain.RecordingStateRecording {
		e.mu.Unlock()
		return ErrNotRecording
	}
	already := a.stopRequested
	a.stopRequested = true
	e.mu.Unlock()

	if !already {
		a.stopTicker()
		if err := a.session.Stop(); err != nil {
			log.Warn().Err(err).Msg("capture did not stop cleanly")
		}
	}
	<-a.pumpDone
	return nil
}

// Retry discards buffered audio and returns to idle.
func (e *Engine) Retry() {
	e.mu.Lock()
	a := e.current
	e.current = nil
	e.state = domain.RecordingStateIdle
	e.elapsed = 0
	e.mu.Unlock()

	if a != nil {
		a.release()
	}
	e.active.Set(false)
	e.notify(domain.RecordingStateIdle, 0)
}

// Abort ends the current attempt without an artifact.
func (e *Engine) Abort(code domain.ErrorCode, message string) {
	e.mu.Lock()
	a := e.current
	idle := a == nil && e.state != domain.RecordingStateRequesting
	e.mu.Unlock()
	if idle {
		return
	}
	log.Warn().Str("code", string(code)).Msg("recording aborted")
	e.fail(a, code, message)
}

func (e *Engine) audioConfig() ports.AudioConfig {
	cfg := e.cfg.Audio
	cfg.EchoCancellation = true
	cfg.NoiseSuppression = true
	cfg.AutoGainControl = true
	if e.cfg.Container != nil {
		cfg.Encoding = ports.EncodingContainer
		cfg.Container = e.cfg.Container.Container
		cfg.Codec = e.cfg.Container.Codec
	} else {
		cfg.Encoding = ports.EncodingFloat32
	}
	return cfg
}

func (e *Engine) runTicker(a *attempt) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.tickStop:
			return
		case <-ticker.C:
			if e.tick(a) {
				log.Info().Dur("max", e.cfg.MaxDuration).Msg("recording reached maximum duration")
				_ = e.Stop()
				return
			}
		}
	}
}

// tick advances the elapsed counter and reports whether the cap was reached.
func (e *Engine) tick(a *attempt) bool {
	e.mu.Lock()
	if e.current != a || e.state != domain.RecordingStateRecording || a.stopRequested {
		e.mu.Unlock()
		return false
	}
	e.elapsed++
	elapsed := e.elapsed
	e.mu.Unlock()

	e.notify(domain.RecordingStateRecording, time.Duration(elapsed)*time.Second)
	return time.Duration(elapsed)*time.Second >= e.cfg.MaxDuration
}

// complete runs on the pump goroutine once capture output is exhausted.
func (e *Engine) complete(a *attempt, build func() ([]byte, error), readErr error) {
	e.mu.Lock()
	if e.current != a {
		e.mu.Unlock()
		return
	}
	stopRequested := a.stopRequested
	elapsed := e.elapsed
	e.mu.Unlock()

	if readErr != nil || !stopRequested {
		if readErr != nil {
			log.Error().Err(readErr).Msg("capture stream failed")
		}
		e.fail(a, domain.ErrorCodeDevice, interruptedMessage)
		return
	}

	data, err := build()
	if err != nil {
		log.Error().Err(err).Msg("failed to finalize recording")
		e.fail(a, domain.ErrorCodeDevice, interruptedMessage)
		return
	}

	e.mu.Lock()
	if e.current != a {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.state = domain.RecordingStateCompleted
	handler := e.onComplete
	e.mu.Unlock()

	a.release()
	e.active.Set(false)
	e.sendControl(domain.ControlStopRecording)

	duration := time.Duration(elapsed) * time.Second
	artifact := domain.AudioArtifact{Data: data, MIMEType: a.mimeType(), Duration: duration}
	metrics.RecordingsCompleted.WithLabelValues(artifact.MIMEType).Inc()
	metrics.RecordingDuration.Observe(duration.Seconds())
	log.Info().Int("bytes", len(data)).Str("mime", artifact.MIMEType).Int("seconds", elapsed).Msg("recording finalized")

	e.notify(domain.RecordingStateCompleted, duration)
	if handler != nil {
		handler(artifact)
	}
}

// fail moves the engine to the error state. a may be nil while requesting.
func (e *Engine) fail(a *attempt, code domain.ErrorCode, message string) {
	e.mu.Lock()
	if a != nil && e.current != a {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.state = domain.RecordingStateError
	elapsed := time.Duration(e.elapsed) * time.Second
	observer := e.observer
	e.mu.Unlock()

	if a != nil {
		a.release()
		e.sendControl(domain.ControlStopRecording)
	}
	e.active.Set(false)
	e.notify(domain.RecordingStateError, elapsed)
	observer.SessionError(code, message)
}

func (e *Engine) forward(frame []byte) {
	if e.sender == nil || !e.sender.IsOpen() {
		return
	}
	if err := e.sender.SendBinary(frame); err != nil {
		log.Debug().Err(err).Msg("failed to forward audio frame")
	}
}

func (e *Engine) sendControl(kind domain.ControlKind) {
	if e.sender == nil || !e.sender.IsOpen() {
		return
	}
	if err := e.sender.SendControl(kind); err != nil {
		log.Debug().Err(err).Str("type", string(kind)).Msg("failed to send control message")
	}
}

func (e *Engine) notify(state domain.RecordingState, elapsed time.Duration) {
	e.mu.Lock()
	observer := e.observer
	e.mu.Unlock()
	observer.RecordingStateChanged(state, elapsed)
}

func classifyStartError(err error) (domain.ErrorCode, string) {
	if errors.Is(err, audio.ErrPermissionDenied) {
		return domain.ErrorCodePermission, PermissionMessage
	}
	return domain.ErrorCodeDevice, err.Error()
}

type noopObserver struct{}

func (noopObserver) RecordingStateChanged(domain.RecordingState, time.Duration) {}
func (noopObserver) SessionError(domain.ErrorCode, string)                      {}
