// Package timer implements the sleep timer: play a sound now, stop it at a
// fixed wall-clock time.
package timer

import (
	"errors"
	"fmt"
	"time"

	"soundmachine/internal/clock"
	"soundmachine/pkg/protocol"

	"go.uber.org/zap"
)

// ErrPastOrTooSoon is returned when the stop time is not far enough ahead
var ErrPastOrTooSoon = errors.New("stop time must be in the future")

// MinLead is the smallest accepted distance between now and the stop time
const MinLead = time.Second

// FireHandler runs when a scheduled stop time is reached. token identifies
// the arm that scheduled it; pass it to Expire.
type FireHandler func(token uint64)

// Scheduler holds the single sleep timer. It is not safe for concurrent
// use: the owner serialises Arm, Cancel and Expire, and the fire handler
// must take the same lock before calling Expire.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger
	onFire FireHandler

	armed    bool
	sound    protocol.Sound
	stopTime time.Time
	pending  clock.Timer
	// token is bumped on every arm and cancel so a callback that was
	// already in flight can tell it is stale
	token uint64
}

// NewScheduler creates an idle Scheduler
func NewScheduler(clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:  clk,
		logger: logger.Named("timer"),
	}
}

// SetFireHandler registers the expiry callback
func (s *Scheduler) SetFireHandler(fn FireHandler) {
	s.onFire = fn
}

// Validate checks stopTime against the clock and returns the time left
func (s *Scheduler) Validate(stopTime time.Time) (time.Duration, error) {
	now := s.clock.Now()
	lead := stopTime.Sub(now)
	if lead <= MinLead {
		return 0, fmt.Errorf("%w. Current: %s, Requested: %s",
			ErrPastOrTooSoon, now.UTC().Format(time.RFC3339), stopTime.UTC().Format(time.RFC3339))
	}
	return lead, nil
}

// Arm replaces any armed timer with one for sound that stops at stopTime.
// start runs after the old timer is cancelled and before the new one is
// scheduled; if it fails the scheduler stays idle and its error is
// returned. A rejected stop time leaves an existing timer untouched.
func (s *Scheduler) Arm(sound protocol.Sound, stopTime time.Time, start func() error) (time.Duration, error) {
	lead, err := s.Validate(stopTime)
	if err != nil {
		return 0, err
	}

	s.Cancel()

	if err := start(); err != nil {
		s.logger.Warn("Timer not armed, start failed",
			zap.String("sound", string(sound)),
			zap.Error(err))
		return 0, err
	}

	s.token++
	token := s.token
	s.armed = true
	s.sound = sound
	s.stopTime = stopTime
	s.pending = s.clock.AfterFunc(lead, func() {
		if s.onFire != nil {
			s.onFire(token)
		}
	})

	s.logger.Info("Timer armed",
		zap.String("sound", string(sound)),
		zap.Time("stop_time", stopTime),
		zap.Duration("duration", lead))
	return lead, nil
}

// Cancel disarms the timer. Returns false when it was already idle.
func (s *Scheduler) Cancel() bool {
	if !s.armed {
		return false
	}
	if s.pending != nil {
		s.pending.Stop()
	}
	s.reset()
	s.logger.Info("Timer cancelled")
	return true
}

// Expire transitions to idle if token belongs to the current arm. It
// returns false for stale callbacks, which must then do nothing.
func (s *Scheduler) Expire(token uint64) bool {
	if !s.armed || token != s.token {
		s.logger.Debug("Ignoring stale timer callback", zap.Uint64("token", token))
		return false
	}
	s.reset()
	s.logger.Info("Timer expired")
	return true
}

// Armed reports whether a stop is scheduled
func (s *Scheduler) Armed() bool {
	return s.armed
}

// State returns the public view of the timer
func (s *Scheduler) State() protocol.TimerSnapshot {
	if !s.armed {
		return protocol.TimerSnapshot{}
	}
	stopTime := s.stopTime
	return protocol.TimerSnapshot{
		IsActive:      true,
		SelectedSound: s.sound,
		StopTime:      &stopTime,
	}
}

func (s *Scheduler) reset() {
	s.token++
	s.armed = false
	s.sound = protocol.SoundNone
	s.stopTime = time.Time{}
	s.pending = nil
}
