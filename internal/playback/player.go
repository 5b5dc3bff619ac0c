// Package playback plays synthesized speech through an external audio
// player process fed on stdin.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"feedbackmic/internal/audio"
	"feedbackmic/internal/ports"
)

var ErrPauseUnsupported = errors.New("pause is not supported on this platform")

// ExecPlayer starts one player process per playback. Payloads are
// normalized to WAV before they reach the player.
type ExecPlayer struct {
	command string
	args    []string

	// pollInterval is how often a running player is checked for an
	// external suspension (SIGSTOP from a sound server or the shell).
	pollInterval time.Duration
}

// NewExecPlayer defaults to "aplay -q -" when command is empty.
func NewExecPlayer(command string, args ...string) *ExecPlayer {
	if command == "" {
		command = "aplay"
	}
	if len(args) == 0 && command == "aplay" {
		args = []string{"-q", "-"}
	}
	return &ExecPlayer{command: command, args: args, pollInterval: 250 * time.Millisecond}
}

func (p *ExecPlayer) Play(ctx context.Context, data []byte) (ports.Playback, error) {
	wav, err := audio.ToWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare audio for playback: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = bytes.NewReader(wav)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start audio player: %w", err)
	}

	pb := &execPlayback{
		id:      uuid.NewString(),
		cmd:     cmd,
		events:  make(chan ports.PlaybackEvent, 4),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	pb.emit(ports.PlaybackEvent{Kind: ports.PlaybackStarted})
	log.Debug().Str("playback_id", pb.id).Int("bytes", len(wav)).Msg("playback started")

	exited := make(chan struct{})
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		pb.watchSuspension(p.pollInterval, exited)
	}()

	go func() {
		defer close(pb.done)
		defer close(pb.events)

		err := cmd.Wait()
		close(exited)
		<-watching
		if pb.isStopped() {
			return
		}
		if err != nil {
			detail := bytes.TrimSpace(stderr.Bytes())
			pb.emit(ports.PlaybackEvent{Kind: ports.PlaybackFailed, Err: fmt.Errorf("audio player exited: %w: %s", err, detail)})
			return
		}
		pb.emit(ports.PlaybackEvent{Kind: ports.PlaybackEnded})
	}()

	return pb, nil
}

type execPlayback struct {
	id      string
	cmd     *exec.Cmd
	events  chan ports.PlaybackEvent
	stopped chan struct{}
	done    chan struct{}

	stopOnce sync.Once
}

func (p *execPlayback) Events() <-chan ports.PlaybackEvent {
	return p.events
}

func (p *execPlayback) Pause() error {
	return pauseProcess(p.cmd.Process)
}

func (p *execPlayback) Resume() error {
	return resumeProcess(p.cmd.Process)
}

// Stop kills the player and waits for it to exit. No further events are
// delivered.
func (p *execPlayback) Stop() error {
	p.stopOnce.Do(func() {
		close(p.stopped)
		_ = resumeProcess(p.cmd.Process)
		_ = p.cmd.Process.Kill()
	})
	<-p.done
	return nil
}

// watchSuspension reports the player being stopped from outside as Paused
// and its continuation as Started, until exited is closed.
func (p *execPlayback) watchSuspension(interval time.Duration, exited <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pid := p.cmd.Process.Pid
	suspended := false
	for {
		select {
		case <-exited:
			return
		case <-p.stopped:
			return
		case <-ticker.C:
		}

		now, err := processSuspended(pid)
		if err != nil {
			log.Debug().Err(err).Str("playback_id", p.id).Msg("suspension watch stopped")
			return
		}
		if now == suspended {
			continue
		}
		suspended = now
		if suspended {
			p.emit(ports.PlaybackEvent{Kind: ports.PlaybackPaused})
		} else {
			p.emit(ports.PlaybackEvent{Kind: ports.PlaybackStarted})
		}
	}
}

func (p *execPlayback) isStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

func (p *execPlayback) emit(event ports.PlaybackEvent) {
	select {
	case p.events <- event:
	case <-p.stopped:
	}
}
