package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"feedbackmic/internal/domain"
	"feedbackmic/internal/metrics"
	"feedbackmic/internal/ports"
	"feedbackmic/internal/realtime"
)

var ErrFlowClosed = errors.New("feedback flow is closed")

const (
	msgGeneric          = "Något gick fel. Försök igen."
	msgInvalidEntry     = "Ogiltig QR-kod. Skanna QR-koden igen."
	msgTokenFailed      = "Kunde inte validera QR-koden."
	msgVerifyFailed     = "Kunde inte verifiera köpet. Försök igen."
	msgSubmitFailed     = "Kunde inte skicka din feedback. Försök igen."
	msgPollTimeout      = "Bearbetningen tog för lång tid. Försök igen."
	msgProcessingFailed = "Din feedback kunde inte behandlas. Försök igen."
	msgMemoryPressure   = "Enheten har ont om minne. Inspelningen avbröts, försök igen."
	msgConnectionLost   = "Anslutningen till servern bröts. Inspelningen fortsätter."
)

// FlowConfig carries per-device data sent with gateway calls.
type FlowConfig struct {
	Fingerprint domain.DeviceFingerprint
}

// FlowController drives one customer through the feedback journey. It is
// also the realtime handler and the observer of the recorder and speech.
type FlowController struct {
	gateway    ports.Gateway
	recorder   ports.Recorder
	transport  ports.Transport
	speech     ports.Speech
	rules      ports.RulesEngine
	events     ports.EventSink
	finalizer  feedbackFinalizer
	transcript *transcriptAggregator
	cfg        FlowConfig

	mu      sync.Mutex
	step    domain.FlowStep
	message string
	session domain.Session
	qrToken string
	result  *domain.FeedbackResult
	attempt *flowAttempt
	closed  bool
}

var (
	_ realtime.Handler        = (*FlowController)(nil)
	_ ports.RecordingObserver = (*FlowController)(nil)
	_ ports.SpeechObserver    = (*FlowController)(nil)
)

func NewFlowController(
	gateway ports.Gateway,
	poller ports.ResultWaiter,
	recorder ports.Recorder,
	transport ports.Transport,
	speech ports.Speech,
	rules ports.RulesEngine,
	events ports.EventSink,
	cfg FlowConfig,
) *FlowController {
	return &FlowController{
		gateway:    gateway,
		recorder:   recorder,
		transport:  transport,
		speech:     speech,
		rules:      rules,
		events:     events,
		finalizer:  newFeedbackFinalizer(gateway, poller),
		transcript: newTranscriptAggregator(),
		cfg:        cfg,
		step:       domain.FlowStepLoading,
		attempt:    newFlowAttempt(0),
	}
}

// Initialize starts the journey from a QR token or handed-over session data.
func (c *FlowController) Initialize(ctx context.Context, entry Entry) error {
	a, err := c.nextAttempt()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.qrToken = strings.TrimSpace(entry.QRToken)
	c.session = domain.Session{}
	if entry.Session != nil {
		c.session = *entry.Session
	}
	c.result = nil
	token := c.qrToken
	c.mu.Unlock()

	c.transition(a, domain.FlowStepLoading, domain.FlowReasonStarted)

	switch {
	case entry.Session != nil && entry.Session.IsVerified():
		c.transition(a, domain.FlowStepIntro, domain.FlowReasonAlreadyVerified)
		return nil
	case token != "":
		return c.validate(ctx, a, token)
	case entry.Session != nil && entry.Session.ID != "":
		c.transition(a, domain.FlowStepVerification, domain.FlowReasonStarted)
		return nil
	default:
		c.fail(a, domain.ErrorCodeInvalidEntry, msgInvalidEntry)
		return domain.ErrInvalidEntry
	}
}

// ValidateToken exchanges a QR token for session data.
func (c *FlowController) ValidateToken(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrFlowClosed
	}
	c.qrToken = strings.TrimSpace(token)
	token = c.qrToken
	a := c.attempt
	c.mu.Unlock()
	return c.validate(ctx, a, token)
}

func (c *FlowController) validate(ctx context.Context, a *flowAttempt, token string) error {
	ctx, cancel := a.bind(ctx)
	defer cancel()

	session, err := c.gateway.ScanQR(ctx, token, c.cfg.Fingerprint)
	if err != nil {
		log.Warn().Err(err).Msg("qr token validation failed")
		c.fail(a, domain.ErrorCodeNetwork, messageOr(err, msgTokenFailed))
		return err
	}

	c.mu.Lock()
	if !c.live(a) {
		c.mu.Unlock()
		return nil
	}
	c.session.Merge(session)
	verified := c.session.IsVerified()
	c.mu.Unlock()

	if verified {
		c.transition(a, domain.FlowStepIntro, domain.FlowReasonAlreadyVerified)
	} else {
		c.transition(a, domain.FlowStepVerification, domain.FlowReasonTokenValidated)
	}
	return nil
}

// VerifyTransaction confirms the purchase with the gateway.
func (c *FlowController) VerifyTransaction(ctx context.Context, verification domain.TransactionVerification) error {
	c.mu.Lock()
	a := c.attempt
	sessionID := c.session.ID
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrFlowClosed
	}
	if sessionID == "" {
		return domain.ErrInvalidTransition
	}

	if verification.Timestamp.IsZero() {
		verification.Timestamp = time.Now()
	}

	ctx, cancel := a.bind(ctx)
	defer cancel()

	session, err := c.gateway.VerifyTransaction(ctx, sessionID, verification)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("transaction verification failed")
		c.fail(a, domain.ErrorCodeNetwork, messageOr(err, msgVerifyFailed))
		return err
	}

	c.mu.Lock()
	if c.live(a) {
		c.session.Merge(session)
	}
	c.mu.Unlock()
	c.onVerified(a, verification)
	return nil
}

// OnTransactionVerified records a purchase verified elsewhere and moves on
// to the intro step.
func (c *FlowController) OnTransactionVerified(verification domain.TransactionVerification) {
	c.onVerified(c.currentAttempt(), verification)
}

func (c *FlowController) onVerified(a *flowAttempt, verification domain.TransactionVerification) {
	c.mu.Lock()
	if !c.live(a) {
		c.mu.Unlock()
		return
	}
	c.session.Merge(domain.Session{
		TransactionID:       verification.TransactionID,
		TransactionAmount:   verification.Amount,
		TransactionVerified: true,
	})
	c.mu.Unlock()
	c.transition(a, domain.FlowStepIntro, domain.FlowReasonTransactionVerified)
}

// BeginRecording opens the voice socket and starts capture.
func (c *FlowController) BeginRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrFlowClosed
	}
	if c.step != domain.FlowStepIntro {
		c.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	a := c.attempt
	sessionID := c.session.ID
	c.step = domain.FlowStepRecording
	c.mu.Unlock()

	c.transcript.Reset()
	c.speech.Reset()

	if err := c.transport.Open(a.ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("realtime transport unavailable, recording without live stream")
	}
	if err := ctx.Err(); err != nil {
		c.fail(a, domain.ErrorCodeStartup, msgGeneric)
		return err
	}

	c.emitStep(domain.FlowStepRecording, domain.FlowReasonRecordingStarted)

	if err := c.recorder.Start(a.ctx); err != nil {
		c.mu.Lock()
		unreported := c.live(a) && c.step == domain.FlowStepRecording
		c.mu.Unlock()
		if unreported {
			c.fail(a, domain.ErrorCodeDevice, msgGeneric)
		}
		return err
	}
	return nil
}

// StopRecording asks the recorder to finalize the current attempt.
func (c *FlowController) StopRecording() error {
	return c.recorder.Stop()
}

// OnRecordingComplete uploads the artifact and waits for the result in the
// background.
func (c *FlowController) OnRecordingComplete(artifact domain.AudioArtifact) {
	c.mu.Lock()
	a := c.attempt
	if !c.live(a) || c.step != domain.FlowStepRecording {
		step := c.step
		c.mu.Unlock()
		log.Warn().Str("step", string(step)).Msg("dropping recording finished outside the recording step")
		return
	}
	c.step = domain.FlowStepProcessing
	sessionID := c.session.ID
	c.mu.Unlock()

	c.emitStep(domain.FlowStepProcessing, domain.FlowReasonUploading)
	go c.finalize(a, sessionID, artifact)
}

func (c *FlowController) finalize(a *flowAttempt, sessionID string, artifact domain.AudioArtifact) {
	started := time.Now()
	result, failed := c.finalizer.Finalize(a.ctx, sessionID, artifact)
	if failed != nil {
		c.fail(a, failed.code, failed.message)
		return
	}

	c.mu.Lock()
	if !c.live(a) {
		c.mu.Unlock()
		return
	}
	c.result = &result
	c.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Float64("quality_score", result.QualityScore).
		Float64("reward", result.RewardAmount).
		Dur("elapsed", time.Since(started)).
		Msg("feedback result ready")
	c.events.ResultReady(result)
	c.transition(a, domain.FlowStepResult, domain.FlowReasonResultReady)
}

// Retry clears the error and restarts from the step's entry point: the QR
// token is validated again when there is one, otherwise the flow waits in
// loading for a new Initialize.
func (c *FlowController) Retry(ctx context.Context) error {
	a, err := c.nextAttempt()
	if err != nil {
		return err
	}

	c.mu.Lock()
	token := c.qrToken
	c.result = nil
	c.mu.Unlock()

	c.transport.Close()
	c.speech.Reset()
	c.recorder.Retry()
	c.transcript.Reset()

	c.transition(a, domain.FlowStepLoading, domain.FlowReasonRetry)
	if token == "" {
		return nil
	}
	return c.validate(ctx, a, token)
}

// Close cancels in-flight work and releases the socket, speech and
// microphone. The controller is unusable afterwards.
func (c *FlowController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	a := c.attempt
	c.mu.Unlock()

	a.cancel()
	c.transport.Close()
	c.speech.Close()
	c.recorder.Retry()
}

// Status returns the current journey status.
func (c *FlowController) Status() domain.Status {
	c.mu.Lock()
	status := domain.Status{Step: c.step, SessionID: c.session.ID, Message: c.message}
	c.mu.Unlock()
	status.Recording = c.recorder.State()
	status.AISpeaking = c.speech.Speaking()
	return status
}

// Session returns a copy of the session data collected so far.
func (c *FlowController) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Result returns the processed feedback once the result step is reached.
func (c *FlowController) Result() (domain.FeedbackResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return domain.FeedbackResult{}, false
	}
	return *c.result, true
}

// Transcript returns the running transcript received over the socket.
func (c *FlowController) Transcript() string {
	return c.transcript.Raw()
}

// RecordingStateChanged forwards capture state to the UI.
func (c *FlowController) RecordingStateChanged(state domain.RecordingState, elapsed time.Duration) {
	c.events.RecordingStateChanged(state, elapsed)
}

// SessionError is reported by the recorder when an attempt fails.
func (c *FlowController) SessionError(code domain.ErrorCode, message string) {
	c.fail(c.currentAttempt(), code, message)
}

func (c *FlowController) AISpeaking(active bool) {
	c.events.AISpeaking(active)
}

func (c *FlowController) Notice(message string) {
	c.events.Notice(message)
}

func (c *FlowController) HandleMessage(msg realtime.Inbound) {
	a := c.currentAttempt()

	switch m := msg.(type) {
	case realtime.ErrorMessage:
		message := strings.TrimSpace(m.Message)
		if message == "" {
			message = msgGeneric
		}
		log.Warn().Str("message", m.Message).Msg("voice server reported an error")
		if c.capturing() {
			c.recorder.Abort(domain.ErrorCodeProtocol, message)
			return
		}
		c.fail(a, domain.ErrorCodeProtocol, message)
	case realtime.PartialTranscript:
		c.transcript.AddPartial(m.Text)
		if text := strings.TrimSpace(m.Text); text != "" {
			c.events.PartialTranscript(text)
		}
	case realtime.TranscriptionComplete:
		c.transcript.AddFinal(m.Text)
		if raw := c.transcript.Raw(); raw != "" {
			c.events.PartialTranscript(raw)
		}
	case realtime.ProcessingStarted:
		log.Debug().Float64("estimated_latency", m.EstimatedLatency).Msg("backend processing started")
	case realtime.QualityEvaluationComplete:
		log.Debug().Float64("quality_score", m.QualityScore).Msg("quality evaluation complete")
	case realtime.AIResponse:
		c.respond(a, m)
	case realtime.TTSAudioChunk:
		c.speech.AddChunk(m.Index, m.Data)
	case realtime.TTSComplete:
		c.playReply(a, c.speech.TakeChunks())
	case realtime.KeepAlive:
	default:
		log.Debug().Str("type", msg.MessageType()).Msg("ignoring realtime message")
	}
}

func (c *FlowController) HandleDisconnect(err error, willRetry bool) {
	if willRetry {
		log.Info().Err(err).Msg("realtime connection lost, reconnecting")
		return
	}
	log.Warn().Err(err).Msg("realtime connection lost")
	if errors.Is(err, realtime.ErrReconnectExhausted) && c.capturing() {
		c.events.Notice(msgConnectionLost)
	}
}

func (c *FlowController) HandleMemoryPressure() {
	log.Warn().Msg("memory pressure while recording")
	c.recorder.Abort(domain.ErrorCodeResource, msgMemoryPressure)
}

func (c *FlowController) respond(a *flowAttempt, m realtime.AIResponse) {
	if caption := strings.TrimSpace(m.Response); caption != "" {
		if normalized, err := c.rules.Apply(caption); err != nil {
			log.Warn().Err(err).Msg("caption rules failed")
		} else {
			caption = normalized
		}
		c.events.AIResponse(caption)
	}

	switch {
	case m.AudioData != "":
		go c.speak(a, func(ctx context.Context) error { return c.speech.PlayBase64(ctx, m.AudioData) })
	case m.AudioURL != "":
		go c.speak(a, func(ctx context.Context) error { return c.speech.PlayURL(ctx, m.AudioURL) })
	}
}

// playReply starts a reassembled reply on the calling goroutine so chunks
// of the next reply cannot mix into it, then waits for it in the background.
func (c *FlowController) playReply(a *flowAttempt, payload []byte) {
	if len(payload) == 0 || a.ctx.Err() != nil {
		return
	}
	wait, err := c.speech.Start(a.ctx, payload)
	if err != nil {
		log.Debug().Err(err).Msg("ai reply playback failed to start")
		return
	}
	go c.speak(a, func(context.Context) error { return wait() })
}

// speak runs one playback; failures are surfaced by the speech coordinator.
func (c *FlowController) speak(a *flowAttempt, play func(ctx context.Context) error) {
	if err := play(a.ctx); err != nil {
		log.Debug().Err(err).Msg("ai reply playback ended early")
	}
}

func (c *FlowController) capturing() bool {
	state := c.recorder.State()
	return state == domain.RecordingStateRecording || state == domain.RecordingStateRequesting
}

func (c *FlowController) nextAttempt() (*flowAttempt, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrFlowClosed
	}
	previous := c.attempt
	a := newFlowAttempt(previous.generation + 1)
	c.attempt = a
	c.message = ""
	c.mu.Unlock()

	previous.cancel()
	return a, nil
}

func (c *FlowController) currentAttempt() *flowAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// live reports whether a still owns the flow. Callers hold c.mu.
func (c *FlowController) live(a *flowAttempt) bool {
	return !c.closed && c.attempt == a
}

func (c *FlowController) transition(a *flowAttempt, step domain.FlowStep, reason domain.FlowReason) bool {
	c.mu.Lock()
	if !c.live(a) {
		c.mu.Unlock()
		return false
	}
	c.step = step
	c.message = ""
	c.mu.Unlock()

	c.emitStep(step, reason)
	return true
}

func (c *FlowController) fail(a *flowAttempt, code domain.ErrorCode, message string) {
	c.mu.Lock()
	if !c.live(a) {
		c.mu.Unlock()
		return
	}
	c.step = domain.FlowStepError
	c.message = message
	c.mu.Unlock()

	c.events.SessionError(code, message)
	c.emitStep(domain.FlowStepError, domain.FlowReasonFailed)
}

func (c *FlowController) emitStep(step domain.FlowStep, reason domain.FlowReason) {
	metrics.FlowTransitions.WithLabelValues(string(step), string(reason)).Inc()
	log.Info().Str("step", string(step)).Str("reason", string(reason)).Msg("flow step changed")
	c.events.FlowStepChanged(step, reason)
}
