package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"feedbackmic/internal/domain"
)

// Inbound message type names.
const (
	TypeError                     = "error"
	TypePartialTranscript         = "partial_transcript"
	TypeProcessingStarted         = "processing_started"
	TypeTranscriptionComplete     = "transcription_complete"
	TypeQualityEvaluationComplete = "quality_evaluation_complete"
	TypeConversationResponse      = "conversation_response"
	TypeAIResponse                = "ai_response"
	TypeTTSAudioChunk             = "tts_audio_chunk"
	TypeTTSComplete               = "tts_complete"
	TypeKeepAlive                 = "keepalive"
	TypePong                      = "pong"
)

var ErrUnknownMessage = errors.New("unknown realtime message type")

// Inbound is the closed set of messages the voice socket delivers.
type Inbound interface {
	MessageType() string
}

type ErrorMessage struct{ Message string }

type PartialTranscript struct{ Text string }

type ProcessingStarted struct{ EstimatedLatency float64 }

type TranscriptionComplete struct{ Text string }

type QualityEvaluationComplete struct{ QualityScore float64 }

// AIResponse carries the assistant reply with optional inline or linked audio.
type AIResponse struct {
	Type      string
	Response  string
	AudioData string
	AudioURL  string
}

type TTSAudioChunk struct {
	Index int
	Data  []byte
}

type TTSComplete struct{}

// KeepAlive covers both keepalive and pong frames.
type KeepAlive struct{ Type string }

func (ErrorMessage) MessageType() string              { return TypeError }
func (PartialTranscript) MessageType() string         { return TypePartialTranscript }
func (ProcessingStarted) MessageType() string         { return TypeProcessingStarted }
func (TranscriptionComplete) MessageType() string     { return TypeTranscriptionComplete }
func (QualityEvaluationComplete) MessageType() string { return TypeQualityEvaluationComplete }
func (m AIResponse) MessageType() string              { return m.Type }
func (TTSAudioChunk) MessageType() string             { return TypeTTSAudioChunk }
func (TTSComplete) MessageType() string               { return TypeTTSComplete }
func (m KeepAlive) MessageType() string               { return m.Type }

// Envelope is the JSON shape shared by every text frame in both directions.
type Envelope struct {
	Type             string   `json:"type"`
	SessionID        string   `json:"sessionId,omitempty"`
	Timestamp        int64    `json:"timestamp,omitempty"`
	Message          string   `json:"message,omitempty"`
	Text             string   `json:"text,omitempty"`
	EstimatedLatency *float64 `json:"estimatedLatency,omitempty"`
	QualityScore     *float64 `json:"qualityScore,omitempty"`
	Response         string   `json:"response,omitempty"`
	AudioData        string   `json:"audioData,omitempty"`
	AudioURL         string   `json:"audioUrl,omitempty"`
	ChunkIndex       *int     `json:"chunkIndex,omitempty"`
	AudioChunk       string   `json:"audioChunk,omitempty"`
}

// DecodeInbound parses one text frame.
func DecodeInbound(payload []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed realtime message: %w", err)
	}

	switch strings.TrimSpace(env.Type) {
	case TypeError:
		return ErrorMessage{Message: env.Message}, nil
	case TypePartialTranscript:
		return PartialTranscript{Text: env.Text}, nil
	case TypeProcessingStarted:
		return ProcessingStarted{EstimatedLatency: deref(env.EstimatedLatency)}, nil
	case TypeTranscriptionComplete:
		return TranscriptionComplete{Text: env.Text}, nil
	case TypeQualityEvaluationComplete:
		return QualityEvaluationComplete{QualityScore: deref(env.QualityScore)}, nil
	case TypeConversationResponse, TypeAIResponse:
		return AIResponse{Type: env.Type, Response: env.Response, AudioData: env.AudioData, AudioURL: env.AudioURL}, nil
	case TypeTTSAudioChunk:
		if env.ChunkIndex == nil || *env.ChunkIndex < 0 {
			return nil, errors.New("tts_audio_chunk without a valid chunkIndex")
		}
		data, err := base64.StdEncoding.DecodeString(env.AudioChunk)
		if err != nil {
			return nil, fmt.Errorf("invalid tts_audio_chunk payload: %w", err)
		}
		return TTSAudioChunk{Index: *env.ChunkIndex, Data: data}, nil
	case TypeTTSComplete:
		return TTSComplete{}, nil
	case TypeKeepAlive, TypePong:
		return KeepAlive{Type: env.Type}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// EncodeControl renders an outbound control message.
func EncodeControl(kind domain.ControlKind, sessionID string, timestampMillis int64) ([]byte, error) {
	return json.Marshal(Envelope{Type: string(kind), SessionID: sessionID, Timestamp: timestampMillis})
}

func deref(value *float64) float64 {
	if value == nil {
		return 0
	}
	return *value
}
