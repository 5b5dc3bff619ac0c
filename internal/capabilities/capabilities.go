// Package capabilities probes the host once at startup and exposes the result
// as plain data so the rest of the client never feature-tests at runtime.
package capabilities

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/text/language"

	"feedbackmic/internal/domain"
)

// DefaultPressurePath is the Linux PSI file for memory stalls.
const DefaultPressurePath = "/proc/pressure/memory"

// ContainerFormat is a negotiated recorder container/codec pair.
type ContainerFormat struct {
	Container string
	Codec     string
	MIMEType  string
}

// DeviceCapabilities is computed once and consumed as data.
type DeviceCapabilities struct {
	// IOSFamily enables the keep-alive, visibility, memory and playback
	// resume policies that iOS Safari style clients need.
	IOSFamily bool
	// PreferredContainer is nil when no container codec is available and
	// capture must fall back to raw PCM.
	PreferredContainer *ContainerFormat
	// MemoryPressure reports whether the platform exposes a low-memory signal.
	MemoryPressure bool
	Fingerprint    domain.DeviceFingerprint
}

// ClientInfo is what the embedding client reports about itself.
type ClientInfo struct {
	UserAgent        string
	ScreenResolution string
	Timezone         string
	Language         string
	CookieEnabled    bool
	DoNotTrack       bool
	TouchSupport     bool
}

// Probe holds the host probes; zero values use the real host.
type Probe struct {
	FFMPEGCommand string
	PressurePath  string
	// ListEncoders returns `ffmpeg -encoders` output.
	ListEncoders func(ctx context.Context, command string) (string, error)
}

var iosFamilyPattern = regexp.MustCompile(`(?i)(iphone|ipad|ipod)|(macintosh.*mobile/)`)

// IsIOSFamily reports whether a user agent belongs to iOS Safari or a WebKit
// shell on iOS (including iPadOS desktop-mode agents).
func IsIOSFamily(userAgent string) bool {
	return iosFamilyPattern.MatchString(userAgent)
}

// Detect computes capabilities for the reported client on this host.
func Detect(ctx context.Context, info ClientInfo, probe Probe) DeviceCapabilities {
	if probe.FFMPEGCommand == "" {
		probe.FFMPEGCommand = "ffmpeg"
	}
	if probe.PressurePath == "" {
		probe.PressurePath = DefaultPressurePath
	}
	if probe.ListEncoders == nil {
		probe.ListEncoders = listEncoders
	}

	caps := DeviceCapabilities{
		IOSFamily:   IsIOSFamily(info.UserAgent),
		Fingerprint: Fingerprint(info),
	}

	encoders, err := probe.ListEncoders(ctx, probe.FFMPEGCommand)
	if err != nil {
		log.Warn().Err(err).Msg("encoder probe failed, using raw PCM capture")
	} else {
		caps.PreferredContainer = negotiateContainer(encoders)
	}

	if _, err := os.Stat(probe.PressurePath); err == nil {
		caps.MemoryPressure = true
	}

	log.Info().
		Bool("ios_family", caps.IOSFamily).
		Bool("container", caps.PreferredContainer != nil).
		Bool("memory_pressure", caps.MemoryPressure).
		Msg("device capabilities detected")
	return caps
}

var containerPreference = []ContainerFormat{
	{Container: "webm", Codec: "opus", MIMEType: "audio/webm;codecs=opus"},
	{Container: "ogg", Codec: "opus", MIMEType: "audio/ogg;codecs=opus"},
	{Container: "ogg", Codec: "vorbis", MIMEType: "audio/ogg;codecs=vorbis"},
}

func negotiateContainer(encoderList string) *ContainerFormat {
	available := parseEncoderNames(encoderList)
	format, ok := lo.Find(containerPreference, func(f ContainerFormat) bool {
		return lo.Contains(available, "lib"+f.Codec)
	})
	if !ok {
		return nil
	}
	return &format
}

// parseEncoderNames extracts encoder names from `ffmpeg -encoders` lines such
// as " A....D libopus    libopus Opus".
func parseEncoderNames(encoderList string) []string {
	var names []string
	for _, line := range strings.Split(encoderList, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 || fields[0][0] != 'A' {
			continue
		}
		names = append(names, fields[1])
	}
	return names
}

func listEncoders(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, command, "-hide_banner", "-encoders").Output()
	return string(out), err
}

// Fingerprint fills the device fingerprint from client-reported data,
// defaulting anything the client left out from the host.
func Fingerprint(info ClientInfo) domain.DeviceFingerprint {
	timezone := info.Timezone
	if timezone == "" {
		timezone = time.Local.String()
	}
	return domain.DeviceFingerprint{
		UserAgent:        info.UserAgent,
		ScreenResolution: info.ScreenResolution,
		Timezone:         timezone,
		Language:         normalizeLanguage(info.Language),
		Platform:         runtime.GOOS + "/" + runtime.GOARCH,
		CookieEnabled:    info.CookieEnabled,
		DoNotTrack:       info.DoNotTrack,
		TouchSupport:     info.TouchSupport,
	}
}

// normalizeLanguage turns POSIX locales ("sv_SE.UTF-8") or browser tags into
// BCP 47, defaulting to Swedish.
func normalizeLanguage(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexAny(raw, ".@"); idx >= 0 {
		raw = raw[:idx]
	}
	raw = strings.ReplaceAll(raw, "_", "-")
	if raw == "" || raw == "C" || raw == "POSIX" {
		return language.Swedish.String()
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return language.Swedish.String()
	}
	return tag.String()
}
