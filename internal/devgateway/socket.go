package devgateway

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"feedbackmic/internal/audio"
	"feedbackmic/internal/domain"
	"feedbackmic/internal/realtime"
)

var scriptedPartials = []string{
	"Jag var här",
	"Jag var här i morse och köpte",
	"Jag var här i morse och köpte en kaffe och en kanelbulle",
}

// ttsChunkOrder delivers synthesized speech out of order on purpose.
var ttsChunkOrder = []int{2, 0, 1}

type voiceConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
	done      chan struct{}
}

func (v *voiceConn) send(env realtime.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = v.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return v.ws.WriteMessage(websocket.TextMessage, payload)
}

func (s *Server) voiceSocket(c echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Msg("voice socket upgrade failed")
		return nil
	}

	conn := &voiceConn{ws: ws, sessionID: sessionID, done: make(chan struct{})}
	log.Info().Str("session_id", sessionID).Msg("voice socket connected")
	s.serveVoice(conn)
	return nil
}

func (s *Server) serveVoice(conn *voiceConn) {
	defer func() {
		close(conn.done)
		conn.ws.Close()
		log.Info().Str("session_id", conn.sessionID).Msg("voice socket closed")
	}()

	frames := 0
	for {
		kind, payload, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		if kind == websocket.BinaryMessage {
			frames++
			s.countFrame(conn.sessionID)
			if frames%s.cfg.PartialEvery == 0 {
				index := min(frames/s.cfg.PartialEvery, len(scriptedPartials)) - 1
				_ = conn.send(realtime.Envelope{Type: realtime.TypePartialTranscript, Text: scriptedPartials[index]})
			}
			continue
		}

		var control realtime.Envelope
		if err := json.Unmarshal(payload, &control); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed control message")
			continue
		}
		switch domain.ControlKind(control.Type) {
		case domain.ControlStartRecording:
			frames = 0
			latency := 2.5
			_ = conn.send(realtime.Envelope{Type: realtime.TypeProcessingStarted, EstimatedLatency: &latency})
		case domain.ControlStopRecording:
			go s.playScript(conn)
		case domain.ControlKeepAlive:
			_ = conn.send(realtime.Envelope{Type: realtime.TypePong})
		case domain.ControlBackgroundMode:
			log.Debug().Str("session_id", conn.sessionID).Msg("client went to background")
		}
	}
}

func (s *Server) countFrame(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stub, ok := s.sessions[sessionID]; ok {
		stub.frames++
	}
}

// playScript emits the post-recording events: final transcript, a quality
// score, the AI reply and its speech as out-of-order chunks.
func (s *Server) playScript(conn *voiceConn) {
	score := 78.0
	reply := "Tack för din feedback! Du får 5 kr tillbaka, t.ex. till nästa kaffe"
	speech, err := replyTone()
	if err != nil {
		log.Error().Err(err).Msg("failed to synthesize reply tone")
		return
	}
	chunks := split(speech, len(ttsChunkOrder))

	events := []realtime.Envelope{
		{Type: realtime.TypeTranscriptionComplete, Text: scriptedPartials[len(scriptedPartials)-1]},
		{Type: realtime.TypeQualityEvaluationComplete, QualityScore: &score},
		{Type: realtime.TypeAIResponse, Response: reply},
	}
	for _, index := range ttsChunkOrder {
		events = append(events, realtime.Envelope{
			Type:       realtime.TypeTTSAudioChunk,
			ChunkIndex: &index,
			AudioChunk: base64.StdEncoding.EncodeToString(chunks[index]),
		})
	}
	events = append(events, realtime.Envelope{Type: realtime.TypeTTSComplete})

	for _, event := range events {
		select {
		case <-conn.done:
			return
		case <-time.After(s.cfg.ScriptDelay):
		}
		if err := conn.send(event); err != nil {
			log.Debug().Err(err).Str("type", event.Type).Msg("voice script aborted")
			return
		}
	}
}

// replyTone is a short two-note chime standing in for synthesized speech.
func replyTone() ([]byte, error) {
	const rate = 16000
	samples := make([]int16, 0, rate/2)
	for i, freq := range []float64{660, 880} {
		for n := 0; n < rate/4; n++ {
			t := float64(n) / rate
			fade := 1 - float64(n)/(rate/4)
			value := 0.3 * fade * math.Sin(2*math.Pi*freq*t+float64(i))
			samples = append(samples, int16(value*math.MaxInt16))
		}
	}
	return audio.EncodeWAV(samples, rate)
}

func split(data []byte, parts int) [][]byte {
	out := make([][]byte, parts)
	size := (len(data) + parts - 1) / parts
	for i := range out {
		start := min(i*size, len(data))
		end := min(start+size, len(data))
		out[i] = data[start:end]
	}
	return out
}
