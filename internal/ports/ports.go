package ports

import (
	"context"
	"io"
	"time"

	"feedbackmic/internal/domain"
)

// AudioEncoding selects how the capture process encodes microphone audio.
type AudioEncoding string

const (
	// EncodingContainer emits a compressed container stream (webm/opus).
	EncodingContainer AudioEncoding = "container"
	// EncodingFloat32 emits raw little-endian float32 PCM frames.
	EncodingFloat32 AudioEncoding = "pcm_f32le"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string

	Encoding  AudioEncoding
	Container string
	Codec     string

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// RealtimeSender is the write side of the realtime socket the recorder uses.
// The recorder never manages the socket lifecycle.
type RealtimeSender interface {
	IsOpen() bool
	SendBinary(frame []byte) error
	SendControl(kind domain.ControlKind) error
}

// StatusChecker reads the processing status of a submitted session.
type StatusChecker interface {
	FeedbackStatus(ctx context.Context, sessionID string) (domain.FeedbackStatus, error)
}

// Gateway is the subset of the API gateway the session flow calls.
type Gateway interface {
	StatusChecker
	ScanQR(ctx context.Context, token string, fingerprint domain.DeviceFingerprint) (domain.Session, error)
	SubmitFeedback(ctx context.Context, sessionID string, artifact domain.AudioArtifact) error
	VerifyTransaction(ctx context.Context, sessionID string, verification domain.TransactionVerification) (domain.Session, error)
}

// ResultWaiter blocks until a submitted session reaches a terminal status.
type ResultWaiter interface {
	Wait(ctx context.Context, sessionID string) (domain.FeedbackResult, error)
}

// Recorder is the capture engine as seen by the session flow.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() error
	Retry()
	Abort(code domain.ErrorCode, message string)
	State() domain.RecordingState
}

// Transport opens and closes the realtime socket for a session.
type Transport interface {
	Open(ctx context.Context, sessionID string) error
	Close()
}

// Speech plays synthesized AI replies.
type Speech interface {
	PlayBase64(ctx context.Context, encoded string) error
	PlayURL(ctx context.Context, url string) error
	AddChunk(index int, data []byte)
	// TakeChunks hands over the buffered reply in index order and clears
	// the buffer.
	TakeChunks() []byte
	Start(ctx context.Context, audio []byte) (wait func() error, err error)
	Reset()
	Close()
	Speaking() bool
}

// PlaybackEventKind classifies player lifecycle notifications.
type PlaybackEventKind string

const (
	PlaybackStarted PlaybackEventKind = "started"
	PlaybackPaused  PlaybackEventKind = "paused"
	PlaybackEnded   PlaybackEventKind = "ended"
	PlaybackFailed  PlaybackEventKind = "failed"
)

// PlaybackEvent is emitted by an active playback.
type PlaybackEvent struct {
	Kind PlaybackEventKind
	Err  error
}

// Playback is one playing audio element.
type Playback interface {
	Events() <-chan PlaybackEvent
	Pause() error
	Resume() error
	Stop() error
}

// Player starts playback of an encoded audio payload.
type Player interface {
	Play(ctx context.Context, audio []byte) (Playback, error)
}

// RulesEngine transforms caption text using deterministic rules.
type RulesEngine interface {
	Apply(text string) (string, error)
}

// RecordingObserver receives capture engine state.
type RecordingObserver interface {
	RecordingStateChanged(state domain.RecordingState, elapsed time.Duration)
	SessionError(code domain.ErrorCode, message string)
}

// SpeechObserver receives TTS playback state.
type SpeechObserver interface {
	AISpeaking(active bool)
	Notice(message string)
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	RecordingObserver
	SpeechObserver
	FlowStepChanged(step domain.FlowStep, reason domain.FlowReason)
	PartialTranscript(text string)
	AIResponse(text string)
	ResultReady(result domain.FeedbackResult)
}
