package state

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"soundmachine/internal/audio"
	"soundmachine/internal/broadcast"
	"soundmachine/internal/clock"
	"soundmachine/internal/timer"
	"soundmachine/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingPublisher captures snapshots synchronously
type recordingPublisher struct {
	mu        sync.Mutex
	published []protocol.Snapshot
	added     map[string]protocol.Snapshot
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{added: make(map[string]protocol.Snapshot)}
}

func (p *recordingPublisher) Add(id string, sub broadcast.Subscriber, initial protocol.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added[id] = initial
}

func (p *recordingPublisher) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.added, id)
}

func (p *recordingPublisher) Publish(snap protocol.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, snap)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *recordingPublisher) last() protocol.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[len(p.published)-1]
}

type testEnv struct {
	store     *Store
	runner    *audio.MockRunner
	mixer     *audio.MockMixer
	clock     *clock.MockClock
	publisher *recordingPublisher
	sup       *audio.Supervisor
}

func newTestEnv(t *testing.T, capable bool) *testEnv {
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC))
	runner := audio.NewMockRunner()
	mixer := audio.NewMockMixer(true)

	dir := t.TempDir()
	for _, sound := range protocol.AllSounds {
		require.NoError(t, os.WriteFile(filepath.Join(dir, sound.AssetName()), []byte("ID3"), 0644))
	}
	config := audio.DefaultPlayerConfig()
	config.AssetsDir = dir

	sup := audio.NewSupervisor(runner, clk, config, logger)
	scheduler := timer.NewScheduler(clk, logger)
	publisher := newRecordingPublisher()

	return &testEnv{
		store:     NewStore(sup, mixer, scheduler, publisher, capable, logger),
		runner:    runner,
		mixer:     mixer,
		clock:     clk,
		publisher: publisher,
		sup:       sup,
	}
}

func TestStore_Defaults(t *testing.T) {
	env := newTestEnv(t, true)

	snap := env.store.Snapshot()
	assert.False(t, snap.IsPlaying)
	assert.Equal(t, protocol.SoundNone, snap.CurrentSound)
	assert.Equal(t, 0.7, snap.Volume)
	assert.Equal(t, protocol.TabPlay, snap.ActiveTab)
	assert.Equal(t, protocol.TimerSnapshot{}, snap.Timer)
	assert.True(t, snap.IsPi)
}

func TestStore_SetVolumeClamps(t *testing.T) {
	env := newTestEnv(t, true)

	v, applied := env.store.SetVolume(1.5)
	assert.Equal(t, 1.0, v)
	assert.True(t, applied)
	assert.Equal(t, 1.0, env.store.Snapshot().Volume)

	v, _ = env.store.SetVolume(-0.2)
	assert.Equal(t, 0.0, v)
	assert.Equal(t, 0.0, env.store.Snapshot().Volume)

	v, _ = env.store.SetVolume(0.456)
	assert.Equal(t, 0.456, v)

	assert.Equal(t, []int{100, 0, 46}, env.mixer.Calls())
	assert.Equal(t, 3, env.publisher.count())
}

func TestStore_SetVolumeKeepsLogicalVolumeWhenMixerRefuses(t *testing.T) {
	env := newTestEnv(t, false)

	v, applied := env.store.SetVolume(0.3)

	assert.Equal(t, 0.3, v)
	assert.False(t, applied)
	assert.Empty(t, env.mixer.Calls(), "client-only host never touches the mixer")
	assert.Equal(t, 0.3, env.publisher.last().Volume)
}

func TestStore_Play(t *testing.T) {
	env := newTestEnv(t, true)

	sound, err := env.store.Play("ocean")
	require.NoError(t, err)
	assert.Equal(t, protocol.SoundOcean, sound)

	snap := env.publisher.last()
	assert.True(t, snap.IsPlaying)
	assert.Equal(t, protocol.SoundOcean, snap.CurrentSound)
	assert.Equal(t, 1, env.runner.LiveCount())
}

func TestStore_PlayUnknownSound(t *testing.T) {
	env := newTestEnv(t, true)
	_, err := env.store.Play("white")
	require.NoError(t, err)
	before := env.store.Snapshot()
	published := env.publisher.count()

	_, err = env.store.Play("thunder")

	assert.ErrorIs(t, err, protocol.ErrUnknownSound)
	assert.Equal(t, before, env.store.Snapshot())
	assert.Equal(t, published, env.publisher.count())
	assert.Len(t, env.runner.Starts(), 1)
}

func TestStore_PlayClientOnly(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.store.Play("white")
	assert.ErrorIs(t, err, ErrPlatformUnavailable)
	assert.ErrorIs(t, env.store.Stop(), ErrPlatformUnavailable)
	assert.Empty(t, env.runner.Starts())
	assert.Equal(t, 0, env.publisher.count())
}

func TestStore_PlaySpawnFailureReconciles(t *testing.T) {
	env := newTestEnv(t, true)
	_, err := env.store.Play("white")
	require.NoError(t, err)

	env.runner.FailStarts(errors.New("no such file"))
	_, err = env.store.Play("brown")

	assert.ErrorIs(t, err, audio.ErrSpawnFailure)
	snap := env.publisher.last()
	assert.False(t, snap.IsPlaying)
	assert.Equal(t, protocol.SoundNone, snap.CurrentSound)
	assert.Equal(t, 0, env.runner.LiveCount())
}

func TestStore_Stop(t *testing.T) {
	env := newTestEnv(t, true)
	env.runner.SetOrphans(4242)
	_, err := env.store.Play("pink")
	require.NoError(t, err)

	require.NoError(t, env.store.Stop())

	assert.False(t, env.store.Snapshot().IsPlaying)
	assert.Equal(t, 0, env.runner.LiveCount())
	assert.Contains(t, env.runner.Terminated(), 4242)
}

func TestStore_SetTab(t *testing.T) {
	t.Run("play to timer while playing stops", func(t *testing.T) {
		env := newTestEnv(t, true)
		_, err := env.store.Play("white")
		require.NoError(t, err)
		published := env.publisher.count()

		tab, err := env.store.SetTab("timer")
		require.NoError(t, err)
		assert.Equal(t, protocol.TabTimer, tab)

		assert.Equal(t, published+1, env.publisher.count(), "one broadcast for tab change and stop")
		snap := env.publisher.last()
		assert.Equal(t, protocol.TabTimer, snap.ActiveTab)
		assert.False(t, snap.IsPlaying)
		assert.Equal(t, 0, env.runner.LiveCount())
	})

	t.Run("timer to play keeps playing", func(t *testing.T) {
		env := newTestEnv(t, true)
		_, err := env.store.SetTab("timer")
		require.NoError(t, err)
		_, err = env.store.Play("white")
		require.NoError(t, err)

		_, err = env.store.SetTab("play")
		require.NoError(t, err)
		assert.True(t, env.store.Snapshot().IsPlaying)
	})

	t.Run("switching tabs never cancels an armed timer", func(t *testing.T) {
		env := newTestEnv(t, true)
		_, err := env.store.StartTimer("brown", env.clock.Now().Add(time.Hour), nil)
		require.NoError(t, err)

		_, err = env.store.SetTab("play")
		require.NoError(t, err)

		snap := env.store.Snapshot()
		assert.True(t, snap.Timer.IsActive)
		assert.True(t, snap.IsPlaying)
		assert.Equal(t, protocol.TabPlay, snap.ActiveTab)
	})

	t.Run("invalid tab", func(t *testing.T) {
		env := newTestEnv(t, true)

		_, err := env.store.SetTab("settings")
		assert.ErrorIs(t, err, protocol.ErrInvalidTab)
		assert.Equal(t, protocol.TabPlay, env.store.Snapshot().ActiveTab)
		assert.Equal(t, 0, env.publisher.count())
	})
}

func TestStore_StartTimerTooSoon(t *testing.T) {
	env := newTestEnv(t, true)

	_, err := env.store.StartTimer("white", env.clock.Now().Add(500*time.Millisecond), nil)

	assert.ErrorIs(t, err, timer.ErrPastOrTooSoon)
	assert.False(t, env.store.Snapshot().Timer.IsActive)
	assert.Empty(t, env.runner.Starts())
	assert.Equal(t, 0, env.publisher.count())
}

func TestStore_TimerExpires(t *testing.T) {
	env := newTestEnv(t, true)
	stop := env.clock.Now().Add(2 * time.Second)

	lead, err := env.store.StartTimer("white", stop, nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, lead)

	armed := env.store.Snapshot()
	assert.True(t, armed.Timer.IsActive)
	assert.Equal(t, protocol.SoundWhite, armed.Timer.SelectedSound)
	assert.True(t, armed.IsPlaying)
	assert.Equal(t, protocol.TabTimer, armed.ActiveTab)

	published := env.publisher.count()
	env.clock.Advance(2500 * time.Millisecond)

	assert.Equal(t, published+1, env.publisher.count(), "exactly one broadcast for the expiry")
	snap := env.publisher.last()
	assert.False(t, snap.Timer.IsActive)
	assert.Nil(t, snap.Timer.StopTime)
	assert.Equal(t, protocol.SoundNone, snap.Timer.SelectedSound)
	assert.False(t, snap.IsPlaying)
	assert.Equal(t, 0, env.runner.LiveCount())
}

func TestStore_RearmLeavesOneExpiry(t *testing.T) {
	env := newTestEnv(t, true)
	now := env.clock.Now()

	_, err := env.store.StartTimer("white", now.Add(10*time.Second), nil)
	require.NoError(t, err)
	_, err = env.store.StartTimer("brown", now.Add(20*time.Second), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, env.clock.Pending())
	assert.Equal(t, 1, env.runner.LiveCount())

	env.clock.Advance(15 * time.Second)
	snap := env.store.Snapshot()
	assert.True(t, snap.Timer.IsActive, "first expiry was replaced")
	assert.Equal(t, protocol.SoundBrown, snap.CurrentSound)

	env.clock.Advance(5 * time.Second)
	assert.False(t, env.store.Snapshot().Timer.IsActive)
	assert.False(t, env.store.Snapshot().IsPlaying)
}

func TestStore_StartTimerAppliesVolume(t *testing.T) {
	env := newTestEnv(t, true)
	volume := 0.25

	_, err := env.store.StartTimer("dryer", env.clock.Now().Add(time.Hour), &volume)
	require.NoError(t, err)

	assert.Equal(t, 0.25, env.store.Snapshot().Volume)
	assert.Equal(t, []int{25}, env.mixer.Calls())
}

func TestStore_StartTimerFailureLeavesIdle(t *testing.T) {
	env := newTestEnv(t, true)
	env.runner.FailStarts(errors.New("device busy"))

	_, err := env.store.StartTimer("white", env.clock.Now().Add(time.Hour), nil)

	assert.ErrorIs(t, err, audio.ErrSpawnFailure)
	snap := env.store.Snapshot()
	assert.False(t, snap.Timer.IsActive)
	assert.False(t, snap.IsPlaying)
	assert.Equal(t, protocol.TabPlay, snap.ActiveTab)
	assert.Equal(t, 0, env.clock.Pending())
}

func TestStore_StartTimerClientOnly(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.store.StartTimer("ocean", env.clock.Now().Add(time.Minute), nil)
	require.NoError(t, err)

	snap := env.store.Snapshot()
	assert.True(t, snap.Timer.IsActive)
	assert.False(t, snap.IsPlaying, "the browser plays in client-only mode")
	assert.Empty(t, env.runner.Starts())

	env.clock.Advance(time.Minute)
	assert.False(t, env.store.Snapshot().Timer.IsActive)
}

func TestStore_CancelTimer(t *testing.T) {
	env := newTestEnv(t, true)

	env.store.CancelTimer()
	assert.False(t, env.store.Snapshot().Timer.IsActive, "idle cancel is a no-op")
	assert.Empty(t, env.runner.Terminated())

	_, err := env.store.StartTimer("white", env.clock.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	env.store.CancelTimer()
	snap := env.store.Snapshot()
	assert.False(t, snap.Timer.IsActive)
	assert.False(t, snap.IsPlaying)
	assert.Equal(t, 0, env.clock.Pending())

	env.store.CancelTimer()
	assert.False(t, env.store.Snapshot().Timer.IsActive)
}

func TestStore_HealthCheckReconciles(t *testing.T) {
	env := newTestEnv(t, true)
	_, err := env.store.Play("white")
	require.NoError(t, err)
	assert.True(t, env.store.HealthCheck())

	env.runner.Last().Vanish()
	published := env.publisher.count()

	snap := env.store.Status()
	assert.False(t, snap.IsPlaying)
	assert.Equal(t, protocol.SoundNone, snap.CurrentSound)
	assert.Equal(t, published+1, env.publisher.count())
	assert.False(t, env.store.HealthCheck())
}

func TestStore_PlayerCrashReconciles(t *testing.T) {
	env := newTestEnv(t, true)
	_, err := env.store.Play("brown")
	require.NoError(t, err)

	env.runner.Last().Crash(errors.New("exit status 1"))

	require.Eventually(t, func() bool {
		return !env.store.Snapshot().IsPlaying
	}, time.Second, 5*time.Millisecond)
	assert.False(t, env.publisher.last().IsPlaying)
}

func TestStore_Subscribe(t *testing.T) {
	env := newTestEnv(t, true)
	env.store.SetVolume(0.4)

	env.store.Subscribe("viewer-1", nil)

	assert.Equal(t, 0.4, env.publisher.added["viewer-1"].Volume)
	env.store.Unsubscribe("viewer-1")
	assert.NotContains(t, env.publisher.added, "viewer-1")
}

func TestStore_Shutdown(t *testing.T) {
	env := newTestEnv(t, true)
	_, err := env.store.StartTimer("white", env.clock.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	env.store.Shutdown()

	assert.Equal(t, 0, env.runner.LiveCount())
	assert.Equal(t, 0, env.clock.Pending())
	assert.False(t, env.store.Snapshot().IsPlaying)
}

func TestStore_ConcurrentMutationsKeepInvariant(t *testing.T) {
	env := newTestEnv(t, true)
	sounds := []string{"white", "brown", "pink", "dryer", "ocean"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				env.store.Play(sounds[i%len(sounds)])
			case 1:
				env.store.SetVolume(float64(i) / 20)
			case 2:
				env.store.StartTimer(sounds[i%len(sounds)], env.clock.Now().Add(time.Hour), nil)
			case 3:
				env.store.Stop()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, env.runner.LiveCount(), 1, "never more than one player")
	assert.LessOrEqual(t, env.clock.Pending(), 1, "never more than one timer callback")
	snap := env.store.Status()
	if snap.IsPlaying {
		assert.True(t, env.sup.Healthy())
	}
}
