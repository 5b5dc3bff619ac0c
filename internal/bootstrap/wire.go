package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"feedbackmic/internal/audio"
	"feedbackmic/internal/capabilities"
	"feedbackmic/internal/config"
	"feedbackmic/internal/gateway"
	"feedbackmic/internal/logging"
	"feedbackmic/internal/metrics"
	"feedbackmic/internal/observe"
	"feedbackmic/internal/platform"
	"feedbackmic/internal/playback"
	"feedbackmic/internal/ports"
	"feedbackmic/internal/realtime"
	"feedbackmic/internal/recorder"
	"feedbackmic/internal/rules"
	"feedbackmic/internal/tts"
	"feedbackmic/internal/usecase"
)

// Options carries what the embedding shell knows about its device.
type Options struct {
	// Client overrides the configured client profile when UserAgent is set.
	Client capabilities.ClientInfo
	// Probe replaces host probing, mainly in tests.
	Probe capabilities.Probe
	// LogOutput defaults to stderr.
	LogOutput *os.File
}

// Services is the assembled runtime graph.
type Services struct {
	Flow         *usecase.FlowController
	Gateway      *gateway.Client
	Visibility   *platform.Visibility
	Capabilities capabilities.DeviceCapabilities
	Config       config.Config

	cancel context.CancelFunc
}

// Build wires all backend dependencies for the current runtime. Background
// loops (memory pressure, metrics) stop when ctx ends or Close is called.
func Build(ctx context.Context, eventSink ports.EventSink, opts Options) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Services{}, err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, opts.LogOutput)

	rulesEngine, err := rules.NewEngine(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, fmt.Errorf("failed to load caption rules: %w", err)
	}

	client := opts.Client
	if client.UserAgent == "" {
		client = capabilities.ClientInfo{
			UserAgent:        cfg.Client.UserAgent,
			ScreenResolution: cfg.Client.ScreenResolution,
			Timezone:         cfg.Client.Timezone,
			Language:         cfg.Client.Language,
			CookieEnabled:    true,
		}
	}
	probe := opts.Probe
	if probe.FFMPEGCommand == "" {
		probe.FFMPEGCommand = cfg.Audio.RecorderCommand
	}
	if probe.PressurePath == "" {
		probe.PressurePath = cfg.Audio.PressurePath
	}
	caps := capabilities.Detect(ctx, client, probe)

	runCtx, cancel := context.WithCancel(ctx)

	visibility := platform.NewVisibility()
	var pressure realtime.PressureSource
	if caps.MemoryPressure {
		monitor := platform.NewPressureMonitor(probe.PressurePath, 0, 0)
		go monitor.Run(runCtx)
		pressure = monitor
	}

	recording := observe.NewValue(false)
	transport := realtime.NewClient(realtime.Config{
		URL:               cfg.API.WebSocketURL,
		IOSFamily:         caps.IOSFamily,
		KeepAlive:         cfg.Realtime.KeepAlive,
		ReconnectDelay:    cfg.Realtime.ReconnectDelay,
		MaxReconnectDelay: cfg.Realtime.MaxReconnectDelay,
		MaxReconnects:     cfg.Realtime.MaxReconnects,
	}, recording).WithPlatform(visibility, pressure)

	engine := recorder.NewEngine(audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand), transport, recording, recorder.Config{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		Container:     caps.PreferredContainer,
		ChunkInterval: cfg.Audio.ChunkInterval,
		FrameSize:     cfg.Audio.FrameSize,
		MaxDuration:   cfg.Recording.MaxDuration,
	})

	speech := tts.NewCoordinator(playback.NewExecPlayer(cfg.Playback.Command), tts.Config{
		IOSFamily:      caps.IOSFamily,
		ResumeDelay:    cfg.Playback.ResumeDelay,
		NoticeDuration: cfg.Playback.NoticeDuration,
		HTTPClient:     &http.Client{Timeout: cfg.API.Timeout},
	})

	api := gateway.NewClient(cfg.API.BaseURL, cfg.API.Timeout)
	poller := gateway.NewPoller(api, cfg.Polling.Interval, cfg.Polling.MaxAttempts)

	flow := usecase.NewFlowController(api, poller, engine, transport, speech, rulesEngine, eventSink, usecase.FlowConfig{
		Fingerprint: caps.Fingerprint,
	})
	engine.SetObserver(flow)
	engine.OnComplete(flow.OnRecordingComplete)
	transport.SetHandler(flow)
	speech.SetObserver(flow)

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.Serve(runCtx, cfg.Metrics.Address); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	log.Info().
		Str("api", cfg.API.BaseURL).
		Str("websocket", cfg.API.WebSocketURL).
		Str("rules", cfg.Rules.Path).
		Msg("feedback client ready")

	return Services{
		Flow:         flow,
		Gateway:      api,
		Visibility:   visibility,
		Capabilities: caps,
		Config:       cfg,
		cancel:       cancel,
	}, nil
}

// Close ends the session flow and the background loops.
func (s Services) Close() {
	if s.Flow != nil {
		s.Flow.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}
