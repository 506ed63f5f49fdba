// Package audio owns the local player subprocess and the system mixer.
package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"soundmachine/internal/clock"
	"soundmachine/pkg/protocol"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrAssetNotFound is returned when the sound's audio file is missing
	ErrAssetNotFound = errors.New("audio file not found")
	// ErrSpawnFailure is returned when the player process could not start
	ErrSpawnFailure = errors.New("failed to start player")
)

// DefaultStopGrace is how long Stop waits after SIGTERM for the OS to
// release the audio device
const DefaultStopGrace = 200 * time.Millisecond

// PlayerConfig describes how to launch the player for a sound
type PlayerConfig struct {
	Binary    string
	Args      []string
	AssetsDir string
	// Assets maps a sound to its file name inside AssetsDir
	Assets    map[protocol.Sound]string
	// StopGrace is the wait after SIGTERM; zero means DefaultStopGrace
	StopGrace time.Duration
}

// DefaultPlayerConfig returns the mpg123 setup used on the Raspberry Pi
func DefaultPlayerConfig() PlayerConfig {
	assets := make(map[protocol.Sound]string, len(protocol.AllSounds))
	for _, sound := range protocol.AllSounds {
		assets[sound] = sound.AssetName()
	}
	return PlayerConfig{
		Binary:    "mpg123",
		Args:      []string{"-o", "alsa", "--loop", "-1", "-f", "32768", "-q"},
		AssetsDir: "public/audio",
		Assets:    assets,
		StopGrace: DefaultStopGrace,
	}
}

// ExitHandler is called when the player exits without being stopped
type ExitHandler func(sound protocol.Sound, err error)

type handle struct {
	proc     Process
	sound    protocol.Sound
	stopping bool
}

// Supervisor owns at most one player process
type Supervisor struct {
	runner Runner
	clock  clock.Clock
	config PlayerConfig
	logger *zap.Logger

	mu      sync.Mutex
	current *handle
	onExit  ExitHandler
}

// NewSupervisor creates a Supervisor. No process is started.
func NewSupervisor(runner Runner, clk clock.Clock, config PlayerConfig, logger *zap.Logger) *Supervisor {
	if config.StopGrace <= 0 {
		config.StopGrace = DefaultStopGrace
	}
	return &Supervisor{
		runner: runner,
		clock:  clk,
		config: config,
		logger: logger.Named("supervisor"),
	}
}

// SetExitHandler registers the callback for unexpected player exits
func (s *Supervisor) SetExitHandler(fn ExitHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// AssetPath resolves and checks the file for a sound
func (s *Supervisor) AssetPath(sound protocol.Sound) (string, error) {
	name, ok := s.config.Assets[sound]
	if !ok || !sound.Valid() {
		return "", fmt.Errorf("%w: %q", protocol.ErrUnknownSound, string(sound))
	}

	path := filepath.Join(s.config.AssetsDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAssetNotFound, path)
	}
	return path, nil
}

// Start replaces any running player with one looping sound. Orphans are
// left alone; only the owned process is stopped first.
func (s *Supervisor) Start(sound protocol.Sound) error {
	if err := s.Stop(false); err != nil {
		s.logger.Warn("Failed to stop previous player", zap.Error(err))
	}

	path, err := s.AssetPath(sound)
	if err != nil {
		return err
	}

	args := append(append([]string(nil), s.config.Args...), path)
	proc, err := s.runner.Start(s.config.Binary, args...)
	if err != nil {
		s.logger.Error("Failed to spawn player",
			zap.String("binary", s.config.Binary),
			zap.String("sound", string(sound)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	h := &handle{proc: proc, sound: sound}
	s.mu.Lock()
	s.current = h
	s.mu.Unlock()

	go s.watch(h)

	s.logger.Info("Player started",
		zap.String("sound", string(sound)),
		zap.Int("pid", proc.Pid()))
	return nil
}

// Stop terminates the owned player and waits the grace period. With
// killOrphans it also terminates every other process running the player
// binary, which covers players left behind by an earlier crash.
func (s *Supervisor) Stop(killOrphans bool) error {
	s.mu.Lock()
	h := s.current
	s.current = nil
	if h != nil {
		h.stopping = true
	}
	s.mu.Unlock()

	stoppedPID := 0
	if h != nil {
		stoppedPID = h.proc.Pid()
		if err := h.proc.Terminate(); err != nil {
			s.logger.Debug("Terminate failed, player probably already gone",
				zap.Int("pid", stoppedPID),
				zap.Error(err))
		}
		s.clock.Sleep(s.config.StopGrace)
		s.logger.Info("Player stopped",
			zap.String("sound", string(h.sound)),
			zap.Int("pid", stoppedPID))
	}

	if !killOrphans {
		return nil
	}
	return s.killOrphans(stoppedPID)
}

func (s *Supervisor) killOrphans(exclude int) error {
	pids, err := s.runner.FindPIDs(s.config.Binary)
	if err != nil {
		return fmt.Errorf("failed to list orphaned players: %w", err)
	}

	var errs error
	killed := 0
	for _, pid := range pids {
		if pid == exclude {
			continue
		}
		if err := s.runner.Terminate(pid); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pid %d: %w", pid, err))
			continue
		}
		killed++
	}

	if killed > 0 {
		s.logger.Info("Terminated orphaned players", zap.Int("count", killed))
	}
	return errs
}

// Healthy reports whether the owned player is still alive. A dead handle
// is dropped so the caller can reconcile its state.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return false
	}
	if !s.current.proc.Alive() {
		s.logger.Warn("Player no longer alive",
			zap.String("sound", string(s.current.sound)),
			zap.Int("pid", s.current.proc.Pid()))
		s.current = nil
		return false
	}
	return true
}

// Playing reports whether a player handle is held, without probing it
func (s *Supervisor) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// watch reaps the process and reports exits that Stop did not cause
func (s *Supervisor) watch(h *handle) {
	err := h.proc.Wait()

	s.mu.Lock()
	unexpected := !h.stopping
	if s.current == h {
		s.current = nil
	}
	onExit := s.onExit
	s.mu.Unlock()

	if !unexpected {
		return
	}

	s.logger.Warn("Player exited unexpectedly",
		zap.String("sound", string(h.sound)),
		zap.Int("pid", h.proc.Pid()),
		zap.Error(err))
	if onExit != nil {
		onExit(h.sound, err)
	}
}
