// Package state holds the single shared playback record and every
// operation that mutates it.
package state

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"soundmachine/internal/audio"
	"soundmachine/internal/broadcast"
	"soundmachine/internal/timer"
	"soundmachine/pkg/protocol"

	"go.uber.org/zap"
)

// ErrPlatformUnavailable is returned by play and stop on hosts where the
// server does not control audio. Clients play locally instead.
var ErrPlatformUnavailable = errors.New("audio control not available on this host")

// DefaultVolume is the volume at process start
const DefaultVolume = 0.7

// mixerTimeout bounds a single amixer invocation
const mixerTimeout = 3 * time.Second

// Publisher delivers snapshots to viewers
type Publisher interface {
	Add(id string, sub broadcast.Subscriber, initial protocol.Snapshot)
	Remove(id string)
	Publish(snap protocol.Snapshot)
}

// Store owns the playback state. One mutex serialises every mutation,
// including its process and mixer side effects and the timer's expiry, and
// each successful mutation publishes a snapshot before the lock is
// released so viewers see changes in order.
type Store struct {
	supervisor *audio.Supervisor
	mixer      audio.Mixer
	timer      *timer.Scheduler
	publisher  Publisher
	capable    bool
	logger     *zap.Logger

	mu           sync.Mutex
	isPlaying    bool
	currentSound protocol.Sound
	volume       float64
	activeTab    protocol.Tab
}

// NewStore creates the store with default state and takes over the exit
// handler of supervisor and the fire handler of scheduler. capable is false
// on hosts without server-side audio.
func NewStore(supervisor *audio.Supervisor, mixer audio.Mixer, scheduler *timer.Scheduler, publisher Publisher, capable bool, logger *zap.Logger) *Store {
	s := &Store{
		supervisor: supervisor,
		mixer:      mixer,
		timer:      scheduler,
		publisher:  publisher,
		capable:    capable,
		logger:     logger.Named("state"),
		volume:     DefaultVolume,
		activeTab:  protocol.TabPlay,
	}
	supervisor.SetExitHandler(s.handlePlayerExit)
	scheduler.SetFireHandler(s.handleTimerFire)
	return s
}

// Capable reports whether the server drives audio on this host
func (s *Store) Capable() bool {
	return s.capable
}

// Snapshot returns the current state without probing the player
func (s *Store) Snapshot() protocol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Status probes the player first, so a process that died without notice
// is reflected in the returned snapshot
func (s *Store) Status() protocol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCheckLocked()
	return s.snapshotLocked()
}

// HealthCheck reconciles isPlaying with the player's liveness and returns
// the resulting isPlaying
func (s *Store) HealthCheck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthCheckLocked()
}

// Subscribe registers a viewer and queues the current snapshot for it
func (s *Store) Subscribe(id string, sub broadcast.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher.Add(id, sub, s.snapshotLocked())
}

// Unsubscribe removes a viewer
func (s *Store) Unsubscribe(id string) {
	s.publisher.Remove(id)
}

// SetTab switches the shared tab. Moving from play to timer while a sound
// plays stops it, since the timer tab starts silent. An armed timer is
// never cancelled by a tab switch.
func (s *Store) SetTab(name string) (protocol.Tab, error) {
	tab, err := protocol.ParseTab(name)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.activeTab
	s.activeTab = tab
	if tab == protocol.TabTimer && previous == protocol.TabPlay && s.isPlaying {
		s.logger.Info("Stopping playback on switch to timer tab")
		s.stopLocked(true)
	}

	s.publishLocked()
	return tab, nil
}

// Play starts looping sound, replacing whatever plays now
func (s *Store) Play(name string) (protocol.Sound, error) {
	if !s.capable {
		return protocol.SoundNone, ErrPlatformUnavailable
	}
	sound, err := protocol.ParseSound(name)
	if err != nil {
		return protocol.SoundNone, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.supervisor.Start(sound); err != nil {
		changed := s.isPlaying
		s.isPlaying = false
		s.currentSound = protocol.SoundNone
		if changed {
			s.publishLocked()
		}
		return protocol.SoundNone, err
	}

	s.isPlaying = true
	s.currentSound = sound
	s.publishLocked()
	return sound, nil
}

// Stop ends playback and cleans up orphaned players
func (s *Store) Stop() error {
	if !s.capable {
		return ErrPlatformUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked(true)
	s.publishLocked()
	return nil
}

// SetVolume stores v clamped to [0,1] and, on capable hosts, applies it to
// the system mixer. The logical volume is kept even if the mixer refuses.
func (s *Store) SetVolume(v float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := s.setVolumeLocked(v)
	s.publishLocked()
	return s.volume, applied
}

// StartTimer plays sound now and stops it at stopTime. volume, when set,
// is applied first. Any armed timer is replaced. On failure the timer is
// left idle.
func (s *Store) StartTimer(name string, stopTime time.Time, volume *float64) (time.Duration, error) {
	sound, err := protocol.ParseSound(name)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lead, err := s.timer.Arm(sound, stopTime, func() error {
		if volume != nil {
			s.setVolumeLocked(*volume)
		}
		if !s.capable {
			// the browser plays the sound; the server only keeps time
			return nil
		}
		if err := s.supervisor.Start(sound); err != nil {
			s.isPlaying = false
			s.currentSound = protocol.SoundNone
			return err
		}
		s.isPlaying = true
		s.currentSound = sound
		return nil
	})
	if err != nil {
		// a rejected stop time changes nothing; a failed start may have
		// replaced the old timer and stopped its sound
		if !errors.Is(err, timer.ErrPastOrTooSoon) {
			s.publishLocked()
		}
		return 0, err
	}

	s.activeTab = protocol.TabTimer
	s.publishLocked()
	return lead, nil
}

// CancelTimer disarms the timer and stops its sound. Cancelling an idle
// timer succeeds and changes nothing.
func (s *Store) CancelTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer.Cancel() && s.capable {
		s.stopLocked(true)
	}
	s.publishLocked()
}

// Shutdown disarms the timer and stops any player before the process exits
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer.Cancel()
	if s.capable {
		s.stopLocked(true)
	}
	s.logger.Info("Playback shut down")
}

func (s *Store) handleTimerFire(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.timer.Expire(token) {
		return
	}
	if s.capable {
		s.stopLocked(true)
	}
	s.publishLocked()
}

func (s *Store) handlePlayerExit(sound protocol.Sound, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A newer player may already have replaced the one that exited
	if s.supervisor.Playing() || !s.isPlaying {
		return
	}
	s.logger.Warn("Player exited, marking as stopped",
		zap.String("sound", string(sound)),
		zap.Error(err))
	s.isPlaying = false
	s.currentSound = protocol.SoundNone
	s.publishLocked()
}

func (s *Store) healthCheckLocked() bool {
	if !s.isPlaying {
		return false
	}
	if s.supervisor.Healthy() {
		return true
	}
	s.logger.Warn("Health check found no live player, reconciling",
		zap.String("sound", string(s.currentSound)))
	s.isPlaying = false
	s.currentSound = protocol.SoundNone
	s.publishLocked()
	return false
}

func (s *Store) stopLocked(killOrphans bool) {
	if err := s.supervisor.Stop(killOrphans); err != nil {
		s.logger.Warn("Problem stopping players", zap.Error(err))
	}
	s.isPlaying = false
	s.currentSound = protocol.SoundNone
}

func (s *Store) setVolumeLocked(v float64) bool {
	s.volume = clampVolume(v)
	if !s.capable {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), mixerTimeout)
	defer cancel()
	return s.mixer.SetVolume(ctx, int(math.Round(s.volume*100)))
}

func (s *Store) publishLocked() {
	s.publisher.Publish(s.snapshotLocked())
}

func (s *Store) snapshotLocked() protocol.Snapshot {
	return protocol.Snapshot{
		IsPlaying:    s.isPlaying,
		CurrentSound: s.currentSound,
		Volume:       s.volume,
		ActiveTab:    s.activeTab,
		Timer:        s.timer.State(),
		IsPi:         s.capable,
	}
}

func clampVolume(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
