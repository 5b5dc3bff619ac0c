package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the feedback client.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Audio     AudioConfig     `yaml:"audio"`
	Recording RecordingConfig `yaml:"recording"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Polling   PollingConfig   `yaml:"polling"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Client    ClientConfig    `yaml:"client"`
	Rules     RulesConfig     `yaml:"rules"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type APIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	WebSocketURL string        `yaml:"websocket_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AudioConfig struct {
	RecorderCommand string        `yaml:"recorder_command"`
	InputFormat     string        `yaml:"input_format"`
	InputDevice     string        `yaml:"input_device"`
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	ChunkInterval   time.Duration `yaml:"chunk_interval"`
	FrameSize       int           `yaml:"frame_size"`
	PressurePath    string        `yaml:"pressure_path"`
}

type RecordingConfig struct {
	MaxDuration time.Duration `yaml:"max_duration"`
}

type RealtimeConfig struct {
	KeepAlive         time.Duration `yaml:"keep_alive"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	MaxReconnects     int           `yaml:"max_reconnects"`
}

type PollingConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type PlaybackConfig struct {
	Command        string        `yaml:"command"`
	ResumeDelay    time.Duration `yaml:"resume_delay"`
	NoticeDuration time.Duration `yaml:"notice_duration"`
}

// ClientConfig describes the device the headless client reports as.
type ClientConfig struct {
	UserAgent        string `yaml:"user_agent"`
	ScreenResolution string `yaml:"screen_resolution"`
	Timezone         string `yaml:"timezone"`
	Language         string `yaml:"language"`
}

type RulesConfig struct {
	Path           string `yaml:"path"`
	IterationLimit int    `yaml:"iteration_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:      "http://localhost:3001",
			WebSocketURL: "ws://localhost:3001/ws",
			Timeout:      30 * time.Second,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkInterval:   500 * time.Millisecond,
			FrameSize:       4096,
			PressurePath:    "/proc/pressure/memory",
		},
		Recording: RecordingConfig{MaxDuration: 120 * time.Second},
		Realtime: RealtimeConfig{
			KeepAlive:         15 * time.Second,
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 16 * time.Second,
			MaxReconnects:     5,
		},
		Polling: PollingConfig{Interval: 2 * time.Second, MaxAttempts: 30},
		Playback: PlaybackConfig{
			Command:        "aplay",
			ResumeDelay:    300 * time.Millisecond,
			NoticeDuration: 4 * time.Second,
		},
		Client: ClientConfig{
			UserAgent:        "feedbackmic/1.0",
			ScreenResolution: "1920x1080",
			Language:         "sv-SE",
		},
		Rules:   RulesConfig{IterationLimit: 30},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
	}
}

// Load resolves configuration from defaults, an optional YAML file named by
// FEEDBACK_CONFIG_FILE, and environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("FEEDBACK_CONFIG_FILE")); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if cfg.Rules.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Rules.Path = firstExisting(filepath.Join(home, ".config", "feedbackmic", "captions.rules"))
		}
	}

	cfg.API.BaseURL = strings.TrimRight(envOrDefault("FEEDBACK_API_URL", cfg.API.BaseURL), "/")
	cfg.API.WebSocketURL = envOrDefault("FEEDBACK_WS_URL", cfg.API.WebSocketURL)
	cfg.API.Timeout = envOrDefaultDuration("FEEDBACK_API_TIMEOUT", cfg.API.Timeout)

	cfg.Audio.RecorderCommand = envOrDefault("FEEDBACK_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("FEEDBACK_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(
		os.Getenv("FEEDBACK_AUDIO_INPUT_DEVICE"),
		os.Getenv("PULSE_SOURCE"),
		cfg.Audio.InputDevice,
	)
	cfg.Audio.SampleRate = envOrDefaultInt("FEEDBACK_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("FEEDBACK_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.ChunkInterval = envOrDefaultDuration("FEEDBACK_CHUNK_INTERVAL", cfg.Audio.ChunkInterval)
	cfg.Audio.FrameSize = envOrDefaultInt("FEEDBACK_FRAME_SIZE", cfg.Audio.FrameSize)
	cfg.Audio.PressurePath = envOrDefault("FEEDBACK_PRESSURE_PATH", cfg.Audio.PressurePath)

	cfg.Recording.MaxDuration = envOrDefaultDuration("FEEDBACK_MAX_DURATION", cfg.Recording.MaxDuration)

	cfg.Realtime.KeepAlive = envOrDefaultDuration("FEEDBACK_KEEPALIVE", cfg.Realtime.KeepAlive)
	cfg.Realtime.ReconnectDelay = envOrDefaultDuration("FEEDBACK_RECONNECT_DELAY", cfg.Realtime.ReconnectDelay)
	cfg.Realtime.MaxReconnectDelay = envOrDefaultDuration("FEEDBACK_MAX_RECONNECT_DELAY", cfg.Realtime.MaxReconnectDelay)
	cfg.Realtime.MaxReconnects = envOrDefaultInt("FEEDBACK_MAX_RECONNECTS", cfg.Realtime.MaxReconnects)

	cfg.Polling.Interval = envOrDefaultDuration("FEEDBACK_POLL_INTERVAL", cfg.Polling.Interval)
	cfg.Polling.MaxAttempts = envOrDefaultInt("FEEDBACK_POLL_ATTEMPTS", cfg.Polling.MaxAttempts)

	cfg.Playback.Command = envOrDefault("FEEDBACK_PLAYER_COMMAND", cfg.Playback.Command)

	cfg.Client.UserAgent = envOrDefault("FEEDBACK_USER_AGENT", cfg.Client.UserAgent)
	cfg.Client.Language = envOrDefault("FEEDBACK_LANGUAGE", cfg.Client.Language)
	cfg.Client.Timezone = envOrDefault("TZ", cfg.Client.Timezone)

	cfg.Rules.Path = envOrDefault("FEEDBACK_RULES_FILE", cfg.Rules.Path)
	cfg.Rules.IterationLimit = envOrDefaultInt("FEEDBACK_RULE_ITERATION_LIMIT", cfg.Rules.IterationLimit)

	cfg.Logging.Level = envOrDefault("FEEDBACK_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOrDefault("FEEDBACK_LOG_FORMAT", cfg.Logging.Format)
	cfg.Metrics.Address = envOrDefault("FEEDBACK_METRICS_ADDR", cfg.Metrics.Address)

	cfg.normalize()
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	def := Default()
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = def.Audio.SampleRate
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = def.Audio.Channels
	}
	if c.Audio.FrameSize < 256 {
		c.Audio.FrameSize = def.Audio.FrameSize
	}
	if c.Audio.ChunkInterval <= 0 {
		c.Audio.ChunkInterval = def.Audio.ChunkInterval
	}
	if c.Recording.MaxDuration <= 0 {
		c.Recording.MaxDuration = def.Recording.MaxDuration
	}
	if c.Realtime.ReconnectDelay <= 0 {
		c.Realtime.ReconnectDelay = def.Realtime.ReconnectDelay
	}
	if c.Realtime.MaxReconnectDelay < c.Realtime.ReconnectDelay {
		c.Realtime.MaxReconnectDelay = c.Realtime.ReconnectDelay
	}
	if c.Realtime.MaxReconnects < 0 {
		c.Realtime.MaxReconnects = 0
	}
	if c.Polling.Interval <= 0 {
		c.Polling.Interval = def.Polling.Interval
	}
	if c.Polling.MaxAttempts <= 0 {
		c.Polling.MaxAttempts = def.Polling.MaxAttempts
	}
	if c.Rules.IterationLimit <= 0 {
		c.Rules.IterationLimit = def.Rules.IterationLimit
	}
}

// Validate reports configuration that cannot reach a gateway.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api base url is required")
	}
	if c.API.WebSocketURL == "" {
		return errors.New("websocket url is required")
	}
	return nil
}

// firstExisting returns the first path that exists, or "" when none does.
func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envOrDefaultDuration accepts Go durations ("500ms") or bare milliseconds.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
