package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
)

// Mixer sets the system output volume. Failure is advisory only: the
// logical volume is tracked by the caller either way.
type Mixer interface {
	SetVolume(ctx context.Context, percent int) bool
}

// CommandFunc runs an external command and reports whether it succeeded
type CommandFunc func(ctx context.Context, name string, args ...string) error

// DefaultMixerControls are tried in order until amixer accepts one
var DefaultMixerControls = []string{"PCM", "Master", "Digital", "Speaker", "Headphone"}

// MixerConfig selects the ALSA card and the control names to try
type MixerConfig struct {
	Card     int
	Controls []string
}

// AlsaMixer drives the ALSA mixer through amixer
type AlsaMixer struct {
	config  MixerConfig
	enabled bool
	run     CommandFunc
	logger  *zap.Logger
}

// NewAlsaMixer creates a mixer. A disabled mixer never touches the system
// and always reports false.
func NewAlsaMixer(config MixerConfig, enabled bool, logger *zap.Logger) *AlsaMixer {
	if len(config.Controls) == 0 {
		config.Controls = DefaultMixerControls
	}
	return &AlsaMixer{
		config:  config,
		enabled: enabled,
		run:     runCommand,
		logger:  logger.Named("mixer"),
	}
}

// WithCommand replaces the command runner, for tests
func (m *AlsaMixer) WithCommand(run CommandFunc) *AlsaMixer {
	m.run = run
	return m
}

// SetVolume applies percent (clamped to 0-100) to the first control that
// accepts it
func (m *AlsaMixer) SetVolume(ctx context.Context, percent int) bool {
	if !m.enabled {
		return false
	}
	percent = max(0, min(100, percent))

	card := strconv.Itoa(m.config.Card)
	value := fmt.Sprintf("%d%%", percent)
	for _, control := range m.config.Controls {
		if err := m.run(ctx, "amixer", "-c", card, "sset", control, value); err != nil {
			m.logger.Debug("Mixer control rejected volume",
				zap.String("control", control),
				zap.Error(err))
			continue
		}
		m.logger.Debug("System volume set",
			zap.String("control", control),
			zap.Int("percent", percent))
		return true
	}

	m.logger.Warn("No mixer control accepted volume",
		zap.Strings("controls", m.config.Controls),
		zap.Int("percent", percent))
	return false
}

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Platform capability modes
const (
	ModeAuto   = "auto"
	ModeServer = "server"
	ModeClient = "client"
)

// DefaultProbePath exists on hosts with ALSA sound cards
const DefaultProbePath = "/proc/asound/cards"

// DetectCapable decides whether this host controls audio itself. In auto
// mode the host is capable when probePath is readable.
func DetectCapable(mode, probePath string) (bool, error) {
	switch mode {
	case ModeServer:
		return true, nil
	case ModeClient:
		return false, nil
	case ModeAuto, "":
		if probePath == "" {
			probePath = DefaultProbePath
		}
		f, err := os.Open(probePath)
		if err != nil {
			return false, nil
		}
		f.Close()
		return true, nil
	default:
		return false, fmt.Errorf("unknown audio mode %q", mode)
	}
}
