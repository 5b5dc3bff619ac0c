// Package tts coordinates playback of synthesized AI replies: at most one
// voice at a time, chunk reassembly by index, and non-fatal failures.
package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"feedbackmic/internal/metrics"
	"feedbackmic/internal/ports"
)

// ErrInterrupted is returned by a playback that was replaced or stopped.
var ErrInterrupted = errors.New("playback interrupted")

const failureNotice = "Kunde inte spela upp AI-svaret."

type Config struct {
	// IOSFamily resumes playback after an unexpected pause.
	IOSFamily      bool
	ResumeDelay    time.Duration
	NoticeDuration time.Duration
	HTTPClient     *http.Client
}

type Coordinator struct {
	player ports.Player
	cfg    Config

	mu       sync.Mutex
	observer ports.SpeechObserver
	current  *activePlayback
	chunks   map[int][]byte
	speaking bool
	notice   *time.Timer
}

type activePlayback struct {
	playback    ports.Playback
	interrupted chan struct{}
	once        sync.Once
	ended       bool
}

func (a *activePlayback) interrupt() {
	a.once.Do(func() { close(a.interrupted) })
}

func NewCoordinator(player ports.Player, cfg Config) *Coordinator {
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = 300 * time.Millisecond
	}
	if cfg.NoticeDuration <= 0 {
		cfg.NoticeDuration = 4 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Coordinator{
		player:   player,
		cfg:      cfg,
		observer: noopObserver{},
		chunks:   make(map[int][]byte),
	}
}

func (c *Coordinator) SetObserver(observer ports.SpeechObserver) {
	if observer == nil {
		observer = noopObserver{}
	}
	c.mu.Lock()
	c.observer = observer
	c.mu.Unlock()
}

// Speaking reports whether an AI reply is currently audible.
func (c *Coordinator) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Play stops any current voice, then plays audio until it ends, fails, is
// replaced, or ctx is done.
func (c *Coordinator) Play(ctx context.Context, audio []byte) error {
	wait, err := c.Start(ctx, audio)
	if err != nil {
		return err
	}
	return wait()
}

// Start replaces any current voice with audio and returns once the player
// has started, so replies started in order become audible in order. wait
// blocks until the playback ends, fails, is replaced, or ctx is done.
func (c *Coordinator) Start(ctx context.Context, audio []byte) (wait func() error, err error) {
	c.stopCurrent()

	pb, err := c.player.Play(ctx, audio)
	if err != nil {
		c.fail(err)
		return nil, err
	}

	active := &activePlayback{playback: pb, interrupted: make(chan struct{})}
	c.mu.Lock()
	previous := c.current
	c.current = active
	c.mu.Unlock()
	if previous != nil {
		c.discard(previous)
	}

	return func() error { return c.watch(ctx, active) }, nil
}

// PlayBase64 plays an inline base64 payload.
func (c *Coordinator) PlayBase64(ctx context.Context, encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		err = fmt.Errorf("invalid audio payload: %w", err)
		c.fail(err)
		return err
	}
	return c.Play(ctx, data)
}

// PlayURL fetches audio from url and plays it.
func (c *Coordinator) PlayURL(ctx context.Context, url string) error {
	data, err := c.fetch(ctx, url)
	if err != nil {
		c.fail(err)
		return err
	}
	return c.Play(ctx, data)
}

// AddChunk stores one indexed chunk of a streamed reply.
func (c *Coordinator) AddChunk(index int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[index] = append([]byte(nil), data...)
}

// Reset discards buffered chunks.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = make(map[int][]byte)
}

// Close stops playback and drops all state.
func (c *Coordinator) Close() {
	c.Reset()
	c.stopCurrent()

	c.mu.Lock()
	if c.notice != nil {
		c.notice.Stop()
		c.notice = nil
	}
	c.mu.Unlock()
}

// TakeChunks joins buffered chunks in ascending index order and clears the
// buffer, so chunks arriving afterwards start the next reply.
func (c *Coordinator) TakeChunks() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	indexes := lo.Keys(c.chunks)
	sort.Ints(indexes)
	var payload []byte
	for _, index := range indexes {
		payload = append(payload, c.chunks[index]...)
	}
	c.chunks = make(map[int][]byte)
	return payload
}

func (c *Coordinator) watch(ctx context.Context, active *activePlayback) error {
	for {
		select {
		case <-ctx.Done():
			c.finish(active)
			c.discard(active)
			return ctx.Err()
		case <-active.interrupted:
			return ErrInterrupted
		case event, ok := <-active.playback.Events():
			if !ok {
				c.finish(active)
				return ErrInterrupted
			}
			switch event.Kind {
			case ports.PlaybackStarted:
				c.setSpeaking(active, true)
			case ports.PlaybackPaused:
				c.scheduleResume(active)
			case ports.PlaybackEnded:
				c.finish(active)
				metrics.Playbacks.WithLabelValues("ended").Inc()
				return nil
			case ports.PlaybackFailed:
				c.finish(active)
				err := event.Err
				if err == nil {
					err = errors.New("playback failed")
				}
				c.fail(err)
				return err
			}
		}
	}
}

func (c *Coordinator) scheduleResume(active *activePlayback) {
	if !c.cfg.IOSFamily {
		return
	}
	time.AfterFunc(c.cfg.ResumeDelay, func() {
		c.mu.Lock()
		resume := c.current == active && !active.ended
		c.mu.Unlock()
		if !resume {
			return
		}
		if err := active.playback.Resume(); err != nil {
			log.Debug().Err(err).Msg("failed to resume interrupted playback")
		}
	})
}

func (c *Coordinator) setSpeaking(active *activePlayback, speaking bool) {
	c.mu.Lock()
	if c.current != active || c.speaking == speaking {
		c.mu.Unlock()
		return
	}
	c.speaking = speaking
	observer := c.observer
	c.mu.Unlock()
	observer.AISpeaking(speaking)
}

// finish marks active as ended and clears the speaking flag if it is still
// the current playback.
func (c *Coordinator) finish(active *activePlayback) {
	c.setSpeaking(active, false)
	c.mu.Lock()
	active.ended = true
	if c.current == active {
		c.current = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) stopCurrent() {
	c.mu.Lock()
	active := c.current
	c.current = nil
	speaking := c.speaking
	c.speaking = false
	observer := c.observer
	c.mu.Unlock()

	if active == nil {
		return
	}
	c.discard(active)
	if speaking {
		observer.AISpeaking(false)
	}
}

func (c *Coordinator) discard(active *activePlayback) {
	c.mu.Lock()
	active.ended = true
	c.mu.Unlock()
	active.interrupt()
	if err := active.playback.Stop(); err != nil {
		log.Debug().Err(err).Msg("failed to stop playback")
	}
}

func (c *Coordinator) fail(err error) {
	log.Error().Err(err).Msg("tts playback failed")
	metrics.Playbacks.WithLabelValues("failed").Inc()

	c.mu.Lock()
	observer := c.observer
	if c.notice != nil {
		c.notice.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.cfg.NoticeDuration, func() {
		c.mu.Lock()
		current := c.notice == timer
		if current {
			c.notice = nil
		}
		c.mu.Unlock()
		if current {
			observer.Notice("")
		}
	})
	c.notice = timer
	c.mu.Unlock()

	observer.Notice(failureNotice)
}

func (c *Coordinator) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid audio url: %w", err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch audio: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	return data, nil
}

type noopObserver struct{}

func (noopObserver) AISpeaking(bool) {}
func (noopObserver) Notice(string)   {}
