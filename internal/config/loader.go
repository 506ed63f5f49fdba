package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"soundmachine/internal/audio"
	"soundmachine/pkg/protocol"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when CONFIG_FILE is not set
const DefaultPath = "soundmachine.yaml"

// PlayerConfig represents the player section of the config file
type PlayerConfig struct {
	Binary    string   `yaml:"binary"`
	Args      []string `yaml:"args"`
	StopGrace string   `yaml:"stop_grace"`
}

// MixerConfig represents the mixer section of the config file
type MixerConfig struct {
	Card     int      `yaml:"card"`
	Controls []string `yaml:"controls"`
}

// Config represents the soundmachine.yaml structure
type Config struct {
	Port      int    `yaml:"port"`
	AssetsDir string `yaml:"assets_dir"`
	PublicDir string `yaml:"public_dir"`
	AudioMode string `yaml:"audio_mode"`
	ProbePath string `yaml:"probe_path"`
	LogLevel  string `yaml:"log_level"`

	Player PlayerConfig `yaml:"player"`
	Mixer  MixerConfig  `yaml:"mixer"`
	// Sounds overrides the audio file name per sound
	Sounds map[string]string `yaml:"sounds"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	player := audio.DefaultPlayerConfig()
	return &Config{
		Port:      3000,
		AssetsDir: player.AssetsDir,
		PublicDir: "public",
		AudioMode: audio.ModeAuto,
		ProbePath: audio.DefaultProbePath,
		LogLevel:  "info",
		Player: PlayerConfig{
			Binary:    player.Binary,
			Args:      player.Args,
			StopGrace: player.StopGrace.String(),
		},
		Mixer: MixerConfig{
			Card:     0,
			Controls: append([]string(nil), audio.DefaultMixerControls...),
		},
	}
}

// Loader reads the config file and applies environment overrides
type Loader struct {
	path      string
	lookupEnv func(string) (string, bool)
	logger    *zap.Logger
	config    *Config
}

// NewLoader creates a new configuration loader. An empty path means
// CONFIG_FILE, falling back to DefaultPath.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:      path,
		lookupEnv: os.LookupEnv,
		logger:    logger.Named("config"),
	}
}

// WithEnv replaces the environment lookup, for tests
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load builds the configuration: defaults, then the YAML file if it exists,
// then environment variables. The result is validated.
func (l *Loader) Load() (*Config, error) {
	config := Default()

	path := l.path
	explicit := path != ""
	if !explicit {
		if env := l.getenv("CONFIG_FILE"); env != "" {
			path = env
			explicit = true
		} else {
			path = DefaultPath
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		l.logger.Info("Config file loaded", zap.String("path", path))
	case errors.Is(err, os.ErrNotExist) && !explicit:
		l.logger.Info("No config file found, using defaults", zap.String("path", path))
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l.config = config
	return config, nil
}

// GetConfig returns the last loaded configuration
func (l *Loader) GetConfig() *Config {
	return l.config
}

func (l *Loader) applyEnv(config *Config) error {
	if v := l.getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		config.Port = port
	}
	if v := l.getenv("ASSETS_DIR"); v != "" {
		config.AssetsDir = v
	}
	if v, ok := l.lookupEnv("PUBLIC_DIR"); ok {
		// an empty PUBLIC_DIR disables the static UI
		config.PublicDir = v
	}
	if v := l.getenv("AUDIO_MODE"); v != "" {
		config.AudioMode = v
	}
	if v := l.getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	return nil
}

func (l *Loader) getenv(key string) string {
	v, _ := l.lookupEnv(key)
	return v
}

// Validate checks field values and sound names
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.AudioMode {
	case audio.ModeAuto, audio.ModeServer, audio.ModeClient:
	default:
		return fmt.Errorf("audio_mode must be auto, server or client, got %q", c.AudioMode)
	}
	if c.Player.Binary == "" {
		return errors.New("player binary must be set")
	}
	if _, err := c.StopGrace(); err != nil {
		return err
	}
	for name, file := range c.Sounds {
		if _, err := protocol.ParseSound(name); err != nil {
			return fmt.Errorf("sounds: %w", err)
		}
		if file == "" {
			return fmt.Errorf("sounds: empty file name for %q", name)
		}
	}
	return nil
}

// StopGrace parses player.stop_grace, falling back to the default when empty
func (c *Config) StopGrace() (time.Duration, error) {
	if c.Player.StopGrace == "" {
		return audio.DefaultStopGrace, nil
	}
	d, err := time.ParseDuration(c.Player.StopGrace)
	if err != nil {
		return 0, fmt.Errorf("invalid player.stop_grace %q: %w", c.Player.StopGrace, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("player.stop_grace must be positive, got %s", d)
	}
	return d, nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// PlayerSettings converts the config into supervisor settings
func (c *Config) PlayerSettings() audio.PlayerConfig {
	settings := audio.DefaultPlayerConfig()
	settings.Binary = c.Player.Binary
	if c.Player.Args != nil {
		settings.Args = append([]string(nil), c.Player.Args...)
	}
	settings.AssetsDir = c.AssetsDir
	if grace, err := c.StopGrace(); err == nil {
		settings.StopGrace = grace
	}
	for name, file := range c.Sounds {
		settings.Assets[protocol.Sound(name)] = file
	}
	return settings
}

// MixerSettings converts the config into mixer settings
func (c *Config) MixerSettings() audio.MixerConfig {
	controls := c.Mixer.Controls
	if len(controls) == 0 {
		controls = audio.DefaultMixerControls
	}
	return audio.MixerConfig{
		Card:     c.Mixer.Card,
		Controls: append([]string(nil), controls...),
	}
}
