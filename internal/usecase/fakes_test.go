package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedbackmic/internal/domain"
	"feedbackmic/internal/ports"
)

type fakeGateway struct {
	mu sync.Mutex

	scanSession   domain.Session
	scanErr       error
	scanCalls     int
	verifySession domain.Session
	verifyErr     error
	verified      []domain.TransactionVerification
	submitErr     error
	submitBlock   bool
	submitted     []domain.AudioArtifact
	submittedIDs  []string
}

func (f *fakeGateway) ScanQR(_ context.Context, _ string, _ domain.DeviceFingerprint) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++
	return f.scanSession, f.scanErr
}

func (f *fakeGateway) VerifyTransaction(_ context.Context, _ string, verification domain.TransactionVerification) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, verification)
	return f.verifySession, f.verifyErr
}

func (f *fakeGateway) SubmitFeedback(ctx context.Context, sessionID string, artifact domain.AudioArtifact) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, artifact)
	f.submittedIDs = append(f.submittedIDs, sessionID)
	block := f.submitBlock
	err := f.submitErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeGateway) FeedbackStatus(context.Context, string) (domain.FeedbackStatus, error) {
	return domain.FeedbackStatus{}, errors.New("not used")
}

func (f *fakeGateway) ScanCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCalls
}

func (f *fakeGateway) Submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakePoller struct {
	result domain.FeedbackResult
	err    error
}

func (f *fakePoller) Wait(context.Context, string) (domain.FeedbackResult, error) {
	return f.result, f.err
}

type fakeRecorder struct {
	mu sync.Mutex

	observer ports.RecordingObserver
	state    domain.RecordingState
	startErr error
	errCode  domain.ErrorCode
	errMsg   string
	starts   int
	stops    int
	retries  int
	aborts   []errEvent
}

func (f *fakeRecorder) Start(context.Context) error {
	f.mu.Lock()
	f.starts++
	if f.startErr != nil {
		f.state = domain.RecordingStateError
		observer, code, msg, err := f.observer, f.errCode, f.errMsg, f.startErr
		f.mu.Unlock()
		if observer != nil {
			observer.SessionError(code, msg)
		}
		return err
	}
	f.state = domain.RecordingStateRecording
	f.mu.Unlock()
	return nil
}

func (f *fakeRecorder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = domain.RecordingStateCompleted
	return nil
}

func (f *fakeRecorder) Retry() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	f.state = domain.RecordingStateIdle
}

func (f *fakeRecorder) Abort(code domain.ErrorCode, message string) {
	f.mu.Lock()
	f.aborts = append(f.aborts, errEvent{code: code, detail: message})
	f.state = domain.RecordingStateError
	observer := f.observer
	f.mu.Unlock()
	if observer != nil {
		observer.SessionError(code, message)
	}
}

func (f *fakeRecorder) State() domain.RecordingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return domain.RecordingStateIdle
	}
	return f.state
}

func (f *fakeRecorder) snapshotAborts() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errEvent(nil), f.aborts...)
}

type fakeTransport struct {
	mu      sync.Mutex
	opened  []string
	closes  int
	openErr error
}

func (f *fakeTransport) Open(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, sessionID)
	return f.openErr
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

type fakeSpeech struct {
	mu        sync.Mutex
	base64    []string
	urls      []string
	chunks  map[int][]byte
	started []string
	resets  int
	closed  bool
}

func (f *fakeSpeech) PlayBase64(_ context.Context, encoded string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base64 = append(f.base64, encoded)
	return nil
}

func (f *fakeSpeech) PlayURL(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return nil
}

func (f *fakeSpeech) AddChunk(index int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunks == nil {
		f.chunks = make(map[int][]byte)
	}
	f.chunks[index] = data
}

func (f *fakeSpeech) TakeChunks() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var payload []byte
	for index := 0; index < len(f.chunks); index++ {
		payload = append(payload, f.chunks[index]...)
	}
	f.chunks = nil
	return payload
}

func (f *fakeSpeech) Start(_ context.Context, audio []byte) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, string(audio))
	return func() error { return nil }, nil
}

func (f *fakeSpeech) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeSpeech) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSpeech) Speaking() bool { return false }

type fakeRules struct {
	prefix string
	err    error
}

func (f *fakeRules) Apply(text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.prefix + text, nil
}

type serverError struct{ message string }

func (e serverError) Error() string         { return "gateway: " + e.message }
func (e serverError) ServerMessage() string { return e.message }

type fakeEventSink struct {
	mu sync.Mutex

	steps     []stepEvent
	partials  []string
	responses []string
	errors    []errEvent
	notices   []string
	results   []domain.FeedbackResult
	recording []domain.RecordingState
}

type stepEvent struct {
	step   domain.FlowStep
	reason domain.FlowReason
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

func (f *fakeEventSink) FlowStepChanged(step domain.FlowStep, reason domain.FlowReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, stepEvent{step: step, reason: reason})
}

func (f *fakeEventSink) RecordingStateChanged(state domain.RecordingState, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = append(f.recording, state)
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) AISpeaking(bool) {}

func (f *fakeEventSink) Notice(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, message)
}

func (f *fakeEventSink) PartialTranscript(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partials = append(f.partials, text)
}

func (f *fakeEventSink) AIResponse(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, text)
}

func (f *fakeEventSink) ResultReady(result domain.FeedbackResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
}

func (f *fakeEventSink) snapshotSteps() []domain.FlowStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.FlowStep, 0, len(f.steps))
	for _, event := range f.steps {
		out = append(out, event.step)
	}
	return out
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errEvent(nil), f.errors...)
}

type flowFixture struct {
	gateway   *fakeGateway
	poller    *fakePoller
	recorder  *fakeRecorder
	transport *fakeTransport
	speech    *fakeSpeech
	rules     *fakeRules
	events    *fakeEventSink
	flow      *FlowController
}

func newFlowFixture() *flowFixture {
	f := &flowFixture{
		gateway:   &fakeGateway{},
		poller:    &fakePoller{},
		recorder:  &fakeRecorder{},
		transport: &fakeTransport{},
		speech:    &fakeSpeech{},
		rules:     &fakeRules{},
		events:    &fakeEventSink{},
	}
	f.flow = NewFlowController(f.gateway, f.poller, f.recorder, f.transport, f.speech, f.rules, f.events, FlowConfig{
		Fingerprint: domain.DeviceFingerprint{UserAgent: "feedbackmic-test", Language: "sv-SE"},
	})
	f.recorder.observer = f.flow
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stepsEqual(got []domain.FlowStep, want ...domain.FlowStep) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
