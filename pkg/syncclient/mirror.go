// Package syncclient keeps a local view of the sound machine state in step
// with the server and sends user actions to it.
package syncclient

import (
	"math"
	"sync"
	"time"

	"soundmachine/internal/clock"
	"soundmachine/pkg/protocol"
)

const (
	// VolumeEditTail is how long server volume stays ignored after the user
	// lets go of the volume control
	VolumeEditTail = 600 * time.Millisecond
	// VolumeThreshold is the smallest server volume change that moves the
	// displayed volume; smaller differences are jitter from rounding
	VolumeThreshold = 0.02
)

// Mirror is the client's copy of the server snapshot plus selections that
// exist only in the UI
type Mirror struct {
	clock clock.Clock

	mu        sync.Mutex
	snap      protocol.Snapshot
	synced    bool
	editing   bool
	editUntil time.Time
	display   float64
	// localPlayback keeps the playing fields on client-only hosts, where a
	// LocalPlayer owns them
	localPlayback bool

	timerSound protocol.Sound
	alarm      time.Time
}

// NewMirror creates a mirror holding the server's start-up defaults
func NewMirror(clk clock.Clock) *Mirror {
	return &Mirror{
		clock: clk,
		snap: protocol.Snapshot{
			Volume:    0.7,
			ActiveTab: protocol.TabPlay,
		},
		display: 0.7,
	}
}

// SetLocalPlayback marks the playing fields as owned by a local player on
// client-only hosts
func (m *Mirror) SetLocalPlayback(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localPlayback = on
}

// Apply replaces the mirrored state with snap and returns the resulting
// view. While the user edits the volume the local volume is kept. With
// local playback on a client-only host the local playing fields are kept
// as well.
func (m *Mirror) Apply(snap protocol.Snapshot) protocol.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	local := m.snap
	next := snap
	switch {
	case m.synced && m.suppressedLocked():
		next.Volume = local.Volume
	case !m.synced || math.Abs(next.Volume-m.display) > VolumeThreshold:
		m.display = next.Volume
	}
	if !next.IsPi && m.localPlayback {
		next.IsPlaying = local.IsPlaying
		next.CurrentSound = local.CurrentSound
	}

	m.snap = next
	m.synced = true
	return next
}

// DisplayVolume returns the volume to show. It follows local edits at once
// and ignores server changes within VolumeThreshold.
func (m *Mirror) DisplayVolume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display
}

// Snapshot returns the current view
func (m *Mirror) Snapshot() protocol.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Synced reports whether any server snapshot has been applied yet
func (m *Mirror) Synced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced
}

// Update changes the view optimistically, before the server confirms
func (m *Mirror) Update(fn func(snap *protocol.Snapshot)) protocol.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.snap)
	m.display = m.snap.Volume
	return m.snap
}

// BeginVolumeEdit suppresses server volume until EndVolumeEdit plus the tail
func (m *Mirror) BeginVolumeEdit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editing = true
}

// EndVolumeEdit keeps suppressing server volume for VolumeEditTail
func (m *Mirror) EndVolumeEdit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editing = false
	m.editUntil = m.clock.Now().Add(VolumeEditTail)
}

// VolumeSuppressed reports whether server volume is currently ignored
func (m *Mirror) VolumeSuppressed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressedLocked()
}

func (m *Mirror) suppressedLocked() bool {
	return m.editing || m.clock.Now().Before(m.editUntil)
}

// SelectTimerSound records the sound picked for the next timer
func (m *Mirror) SelectTimerSound(sound protocol.Sound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timerSound = sound
}

// SelectAlarm records the stop time picked for the next timer
func (m *Mirror) SelectAlarm(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarm = t
}

// TimerSelection returns the picked sound and stop time
func (m *Mirror) TimerSelection() (protocol.Sound, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerSound, m.alarm
}

// CanStartTimer reports whether a sound and time are picked and no timer
// is running
func (m *Mirror) CanStartTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerSound != protocol.SoundNone && !m.alarm.IsZero() && !m.snap.Timer.IsActive
}

// Remaining returns the time left on the active timer. ok is false when no
// timer runs or it is already due.
func (m *Mirror) Remaining() (remaining time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.snap.Timer
	if !t.IsActive || t.StopTime == nil {
		return 0, false
	}
	remaining = t.StopTime.Sub(m.clock.Now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// UntilAlarm returns the time left until the picked stop time
func (m *Mirror) UntilAlarm() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.alarm.IsZero() {
		return 0, false
	}
	d := m.alarm.Sub(m.clock.Now())
	return d, d > 0
}
