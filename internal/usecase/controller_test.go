package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedbackmic/internal/domain"
	"feedbackmic/internal/ports"
	"feedbackmic/internal/realtime"
	"feedbackmic/internal/tts"
)

func TestFlowVerifiedTokenSkipsVerification(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	f.gateway.scanSession = domain.Session{ID: "S1", Status: domain.SessionStatusTransactionVerified, BusinessName: "Café X"}

	if err := f.flow.Initialize(context.Background(), Entry{QRToken: "abc123"}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	steps := f.events.snapshotSteps()
	if !stepsEqual(steps, domain.FlowStepLoading, domain.FlowStepIntro) {
		t.Fatalf("unexpected steps: %v", steps)
	}
	if got := f.flow.Session(); got.ID != "S1" || got.BusinessName != "Café X" {
		t.Fatalf("session not merged: %+v", got)
	}
}

func TestFlowTokenThenTransactionVerification(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	f.gateway.scanSession = domain.Session{ID: "S2", Status: domain.SessionStatusPending}
	f.gateway.verifySession = domain.Session{Status: domain.SessionStatusTransactionVerified}

	if err := f.flow.Initialize(context.Background(), Entry{QRToken: "tok"}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if step := f.flow.Status().Step; step != domain.FlowStepVerification {
		t.Fatalf("expected verification, got %s", step)
	}

	verification := domain.TransactionVerification{TransactionID: "TX-77", Amount: 349.5, Timestamp: time.Now()}
	if err := f.flow.VerifyTransaction(context.Background(), verification); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	session := f.flow.Session()
	if !session.TransactionVerified || session.TransactionID != "TX-77" || session.TransactionAmount != 349.5 {
		t.Fatalf("verification not merged: %+v", session)
	}
	if step := f.flow.Status().Step; step != domain.FlowStepIntro {
		t.Fatalf("expected intro, got %s", step)
	}
}

func TestFlowVerificationDefaultsTimestamp(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	f.gateway.scanSession = domain.Session{ID: "S2", Status: domain.SessionStatusPending}
	f.gateway.verifySession = domain.Session{Status: domain.SessionStatusTransactionVerified}
	_ = f.flow.Initialize(context.Background(), Entry{QRToken: "tok"})

	before := time.Now()
	if err := f.flow.VerifyTransaction(context.Background(), domain.TransactionVerification{TransactionID: "TX-1", Amount: 10}); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	f.gateway.mu.Lock()
	defer f.gateway.mu.Unlock()
	if len(f.gateway.verified) != 1 {
		t.Fatalf("expected one verification, got %d", len(f.gateway.verified))
	}
	if stamp := f.gateway.verified[0].Timestamp; stamp.IsZero() || stamp.Before(before) {
		t.Fatalf("unexpected timestamp: %v", stamp)
	}
}

func TestFlowSessionEntry(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	verified := &domain.Session{ID: "S3", Status: domain.SessionStatusTransactionVerified}
	if err := f.flow.Initialize(context.Background(), Entry{Session: verified}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if step := f.flow.Status().Step; step != domain.FlowStepIntro {
		t.Fatalf("expected intro, got %s", step)
	}

	pending := &domain.Session{ID: "S4", Status: domain.SessionStatusPending}
	if err := f.flow.Initialize(context.Background(), Entry{Session: pending}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if step := f.flow.Status().Step; step != domain.FlowStepVerification {
		t.Fatalf("expected verification, got %s", step)
	}
	if f.gateway.ScanCalls() != 0 {
		t.Fatalf("session entry must not call the gateway")
	}
}

func TestFlowInvalidEntry(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	err := f.flow.Initialize(context.Background(), Entry{})
	if !errors.Is(err, domain.ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}

	status := f.flow.Status()
	if status.Step != domain.FlowStepError || status.Message != msgInvalidEntry {
		t.Fatalf("unexpected status: %+v", status)
	}
	errs := f.events.snapshotErrors()
	if len(errs) != 1 || errs[0].code != domain.ErrorCodeInvalidEntry {
		t.Fatalf("unexpected errors: %+v", errs)
	}
}

func TestFlowTokenFailureUsesServerMessage(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	f.gateway.scanErr = serverError{message: "QR-koden har redan använts"}
	_ = f.flow.Initialize(context.Background(), Entry{QRToken: "used"})

	if msg := f.flow.Status().Message; msg != "QR-koden har redan använts" {
		t.Fatalf("unexpected message: %q", msg)
	}

	f2 := newFlowFixture()
	f2.gateway.scanErr = errors.New("dial tcp: connection refused")
	_ = f2.flow.Initialize(context.Background(), Entry{QRToken: "x"})
	if msg := f2.flow.Status().Message; msg != msgTokenFailed {
		t.Fatalf("expected fallback, got %q", msg)
	}
}

func TestFlowRecordingToResult(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	f.poller.result = domain.FeedbackResult{SessionID: "S1", QualityScore: 78, RewardAmount: 12.4}
	if err := f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S1", Status: domain.SessionStatusTransactionVerified}}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if err := f.flow.BeginRecording(context.Background()); err != nil {
		t.Fatalf("begin recording failed: %v", err)
	}
	if len(f.transport.opened) != 1 || f.transport.opened[0] != "S1" {
		t.Fatalf("transport not opened for session: %v", f.transport.opened)
	}
	if f.recorder.State() != domain.RecordingStateRecording {
		t.Fatalf("recorder not started")
	}
	if err := f.flow.BeginRecording(context.Background()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second begin, got %v", err)
	}

	f.flow.OnRecordingComplete(domain.AudioArtifact{Data: []byte("webm"), MIMEType: "audio/webm;codecs=opus", Duration: 45 * time.Second})
	waitFor(t, "result step", func() bool { return f.flow.Status().Step == domain.FlowStepResult })

	result, ok := f.flow.Result()
	if !ok || result.QualityScore != 78 {
		t.Fatalf("unexpected result: %+v %v", result, ok)
	}
	steps := f.events.snapshotSteps()
	want := []domain.FlowStep{domain.FlowStepLoading, domain.FlowStepIntro, domain.FlowStepRecording, domain.FlowStepProcessing, domain.FlowStepResult}
	if !stepsEqual(steps, want...) {
		t.Fatalf("unexpected steps: %v", steps)
	}
	if f.gateway.Submitted() != 1 || f.gateway.submittedIDs[0] != "S1" {
		t.Fatalf("expected one upload for S1")
	}
}

func TestFlowUploadFailureThenRetryRevalidates(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	f.gateway.scanSession = domain.Session{ID: "S1", Status: domain.SessionStatusTransactionVerified}
	f.gateway.submitErr = errors.New("network unreachable")

	if err := f.flow.Initialize(context.Background(), Entry{QRToken: "abc123"}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := f.flow.BeginRecording(context.Background()); err != nil {
		t.Fatalf("begin recording failed: %v", err)
	}
	f.flow.OnRecordingComplete(domain.AudioArtifact{Data: []byte("x"), MIMEType: "audio/wav"})

	waitFor(t, "error step", func() bool { return f.flow.Status().Step == domain.FlowStepError })
	if msg := f.flow.Status().Message; msg != msgSubmitFailed {
		t.Fatalf("expected fallback message, got %q", msg)
	}

	before := len(f.events.snapshotSteps())
	if err := f.flow.Retry(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	after := f.events.snapshotSteps()[before:]
	if !stepsEqual(after, domain.FlowStepLoading, domain.FlowStepIntro) {
		t.Fatalf("unexpected retry steps: %v", after)
	}
	if f.gateway.ScanCalls() != 2 {
		t.Fatalf("expected token re-validation, got %d scans", f.gateway.ScanCalls())
	}
	if f.recorder.State() != domain.RecordingStateIdle {
		t.Fatalf("recorder not reset: %s", f.recorder.State())
	}
}

func TestFlowPollFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code domain.ErrorCode
		msg  string
	}{
		{name: "timeout", err: domain.ErrPollTimeout, code: domain.ErrorCodeTimeout, msg: msgPollTimeout},
		{name: "processing failed", err: processingFailure{}, code: domain.ErrorCodeProtocol, msg: msgProcessingFailed},
		{name: "network", err: errors.New("reset by peer"), code: domain.ErrorCodeNetwork, msg: msgGeneric},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFlowFixture()
			f.poller.err = tc.err
			_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
			_ = f.flow.BeginRecording(context.Background())
			f.flow.OnRecordingComplete(domain.AudioArtifact{Data: []byte("x")})

			waitFor(t, "error step", func() bool { return f.flow.Status().Step == domain.FlowStepError })
			if msg := f.flow.Status().Message; msg != tc.msg {
				t.Fatalf("unexpected message: %q", msg)
			}
			errs := f.events.snapshotErrors()
			if len(errs) != 1 || errs[0].code != tc.code {
				t.Fatalf("unexpected errors: %+v", errs)
			}
		})
	}
}

type processingFailure struct{}

func (processingFailure) Error() string         { return "fraud_flagged" }
func (processingFailure) Is(target error) bool { return target == domain.ErrProcessingFailed }

func TestFlowRetryDiscardsStaleUpload(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	f.gateway.submitBlock = true
	_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
	_ = f.flow.BeginRecording(context.Background())
	f.flow.OnRecordingComplete(domain.AudioArtifact{Data: []byte("x")})
	waitFor(t, "upload started", func() bool { return f.gateway.Submitted() == 1 })

	if err := f.flow.Retry(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if step := f.flow.Status().Step; step != domain.FlowStepLoading {
		t.Fatalf("stale upload changed the step to %s", step)
	}
	if errs := f.events.snapshotErrors(); len(errs) != 0 {
		t.Fatalf("stale upload reported errors: %+v", errs)
	}
}

func TestFlowRetryAlwaysLandsOnEntryPoint(t *testing.T) {
	t.Parallel()

	allowed := map[domain.FlowStep]bool{
		domain.FlowStepLoading:      true,
		domain.FlowStepVerification: true,
		domain.FlowStepIntro:        true,
	}
	entries := []Entry{
		{},
		{QRToken: "pending"},
		{Session: &domain.Session{ID: "S", Status: domain.SessionStatusPending}},
		{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}},
	}

	for _, entry := range entries {
		f := newFlowFixture()
		f.gateway.scanSession = domain.Session{ID: "S", Status: domain.SessionStatusPending}
		_ = f.flow.Initialize(context.Background(), entry)
		if err := f.flow.Retry(context.Background()); err != nil {
			t.Fatalf("retry failed for %+v: %v", entry, err)
		}
		if step := f.flow.Status().Step; !allowed[step] {
			t.Fatalf("retry from %+v ended in %s", entry, step)
		}
		if f.recorder.State() != domain.RecordingStateIdle {
			t.Fatalf("recorder not idle after retry")
		}
	}
}

func TestFlowRecorderPermissionError(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	f.recorder.startErr = errors.New("permission denied")
	f.recorder.errCode = domain.ErrorCodePermission
	f.recorder.errMsg = "Mikrofonåtkomst nekades."

	_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
	if err := f.flow.BeginRecording(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}

	status := f.flow.Status()
	if status.Step != domain.FlowStepError || status.Message != "Mikrofonåtkomst nekades." {
		t.Fatalf("unexpected status: %+v", status)
	}
	if errs := f.events.snapshotErrors(); len(errs) != 1 || errs[0].code != domain.ErrorCodePermission {
		t.Fatalf("unexpected errors: %+v", errs)
	}
}

func TestFlowHandlesRealtimeMessages(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	f.rules.prefix = "» "
	_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
	_ = f.flow.BeginRecording(context.Background())

	f.flow.HandleMessage(realtime.PartialTranscript{Text: "jag köpte"})
	f.flow.HandleMessage(realtime.TranscriptionComplete{Text: "jag köpte kaffe"})
	f.flow.HandleMessage(realtime.ProcessingStarted{EstimatedLatency: 1.5})
	f.flow.HandleMessage(realtime.AIResponse{Type: realtime.TypeAIResponse, Response: "Tack!", AudioData: "UklGRg=="})
	f.flow.HandleMessage(realtime.AIResponse{Type: realtime.TypeConversationResponse, AudioURL: "http://tts/1.mp3"})
	f.flow.HandleMessage(realtime.TTSAudioChunk{Index: 1, Data: []byte("b")})
	f.flow.HandleMessage(realtime.TTSAudioChunk{Index: 0, Data: []byte("a")})
	f.flow.HandleMessage(realtime.TTSComplete{})
	f.flow.HandleMessage(realtime.KeepAlive{Type: realtime.TypePong})

	if got := f.flow.Transcript(); got != "jag köpte kaffe" {
		t.Fatalf("unexpected transcript: %q", got)
	}
	f.events.mu.Lock()
	responses := append([]string(nil), f.events.responses...)
	partials := append([]string(nil), f.events.partials...)
	f.events.mu.Unlock()
	if len(responses) != 1 || responses[0] != "» Tack!" {
		t.Fatalf("caption not normalized: %v", responses)
	}
	if len(partials) != 2 {
		t.Fatalf("expected two transcript updates, got %v", partials)
	}

	waitFor(t, "speech calls", func() bool {
		f.speech.mu.Lock()
		defer f.speech.mu.Unlock()
		return len(f.speech.base64) == 1 && len(f.speech.urls) == 1
	})
	f.speech.mu.Lock()
	started := append([]string(nil), f.speech.started...)
	f.speech.mu.Unlock()
	if len(started) != 1 || started[0] != "ab" {
		t.Fatalf("expected one reassembled reply, got %q", started)
	}
	if step := f.flow.Status().Step; step != domain.FlowStepRecording {
		t.Fatalf("informational messages changed the step to %s", step)
	}
}

func TestFlowServerErrorAbortsRecording(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
	_ = f.flow.BeginRecording(context.Background())

	f.flow.HandleMessage(realtime.ErrorMessage{Message: "Transkriberingen misslyckades"})

	aborts := f.recorder.snapshotAborts()
	if len(aborts) != 1 || aborts[0].code != domain.ErrorCodeProtocol {
		t.Fatalf("unexpected aborts: %+v", aborts)
	}
	status := f.flow.Status()
	if status.Step != domain.FlowStepError || status.Message != "Transkriberingen misslyckades" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestFlowServerErrorOutsideRecording(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
	f.flow.HandleMessage(realtime.ErrorMessage{})

	if len(f.recorder.snapshotAborts()) != 0 {
		t.Fatalf("recorder must not be aborted while idle")
	}
	if msg := f.flow.Status().Message; msg != msgGeneric {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestFlowMemoryPressureAbortsWithResourceError(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
	_ = f.flow.BeginRecording(context.Background())

	f.flow.HandleMemoryPressure()

	aborts := f.recorder.snapshotAborts()
	if len(aborts) != 1 || aborts[0].code != domain.ErrorCodeResource || aborts[0].detail != msgMemoryPressure {
		t.Fatalf("unexpected aborts: %+v", aborts)
	}
	if step := f.flow.Status().Step; step != domain.FlowStepError {
		t.Fatalf("expected error step, got %s", step)
	}
}

func TestFlowReconnectExhaustedNotice(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
	_ = f.flow.BeginRecording(context.Background())

	f.flow.HandleDisconnect(errors.New("close 1011"), true)
	f.flow.HandleDisconnect(realtime.ErrReconnectExhausted, false)

	f.events.mu.Lock()
	notices := append([]string(nil), f.events.notices...)
	f.events.mu.Unlock()
	if len(notices) != 1 || notices[0] != msgConnectionLost {
		t.Fatalf("unexpected notices: %v", notices)
	}
	if step := f.flow.Status().Step; step != domain.FlowStepRecording {
		t.Fatalf("connection loss must not end the recording step, got %s", step)
	}
}

func TestFlowCloseReleasesEverything(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
	_ = f.flow.BeginRecording(context.Background())

	f.flow.Close()
	f.flow.Close()

	if f.transport.closes != 1 || !f.speech.closed || f.recorder.retries != 1 {
		t.Fatalf("close did not release resources: transport=%d speech=%v recorder=%d", f.transport.closes, f.speech.closed, f.recorder.retries)
	}
	if err := f.flow.Initialize(context.Background(), Entry{QRToken: "x"}); !errors.Is(err, ErrFlowClosed) {
		t.Fatalf("expected ErrFlowClosed, got %v", err)
	}
	if err := f.flow.Retry(context.Background()); !errors.Is(err, ErrFlowClosed) {
		t.Fatalf("expected ErrFlowClosed from retry, got %v", err)
	}

	before := len(f.events.snapshotSteps())
	f.flow.OnRecordingComplete(domain.AudioArtifact{Data: []byte("late")})
	if len(f.events.snapshotSteps()) != before || f.gateway.Submitted() != 0 {
		t.Fatalf("closed flow accepted a recording")
	}
}

func TestFlowPlaysBackToBackChunkedRepliesInOrder(t *testing.T) {
	t.Parallel()

	f := newFlowFixture()
	player := &recordingPlayer{}
	speech := tts.NewCoordinator(player, tts.Config{})
	defer speech.Close()
	f.flow = NewFlowController(f.gateway, f.poller, f.recorder, f.transport, speech, f.rules, f.events, FlowConfig{
		Fingerprint: domain.DeviceFingerprint{UserAgent: "feedbackmic-test", Language: "sv-SE"},
	})
	f.recorder.observer = f.flow
	_ = f.flow.Initialize(context.Background(), Entry{Session: &domain.Session{ID: "S", Status: domain.SessionStatusTransactionVerified}})
	_ = f.flow.BeginRecording(context.Background())

	f.flow.HandleMessage(realtime.TTSAudioChunk{Index: 1, Data: []byte("A1")})
	f.flow.HandleMessage(realtime.TTSAudioChunk{Index: 0, Data: []byte("A0")})
	f.flow.HandleMessage(realtime.TTSComplete{})
	f.flow.HandleMessage(realtime.TTSAudioChunk{Index: 0, Data: []byte("B0")})
	f.flow.HandleMessage(realtime.TTSAudioChunk{Index: 1, Data: []byte("B1")})
	f.flow.HandleMessage(realtime.TTSComplete{})

	waitFor(t, "both replies", func() bool { return len(player.snapshot()) == 2 })
	played := player.snapshot()
	if played[0] != "A0A1" || played[1] != "B0B1" {
		t.Fatalf("unexpected replies: %q", played)
	}
}

type recordingPlayer struct {
	mu     sync.Mutex
	played []string
}

func (p *recordingPlayer) Play(_ context.Context, audio []byte) (ports.Playback, error) {
	p.mu.Lock()
	p.played = append(p.played, string(audio))
	p.mu.Unlock()
	pb := &silentPlayback{events: make(chan ports.PlaybackEvent, 1)}
	pb.events <- ports.PlaybackEvent{Kind: ports.PlaybackStarted}
	return pb, nil
}

func (p *recordingPlayer) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

type silentPlayback struct {
	events chan ports.PlaybackEvent
}

func (p *silentPlayback) Events() <-chan ports.PlaybackEvent { return p.events }
func (p *silentPlayback) Pause() error                       { return nil }
func (p *silentPlayback) Resume() error                      { return nil }
func (p *silentPlayback) Stop() error                        { return nil }
