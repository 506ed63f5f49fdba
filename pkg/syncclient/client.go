package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"soundmachine/internal/clock"
	"soundmachine/pkg/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClientMode is returned for play and stop when the server does not
// control audio and no LocalPlayer is configured
var ErrClientMode = errors.New("server has no audio output, play locally")

// LocalPlayer plays sounds on the client's own device. It is used when the
// server reports isPi=false.
type LocalPlayer interface {
	Play(sound protocol.Sound, volume float64) error
	Stop() error
	SetVolume(volume float64) error
}

// Client sends actions to the server and keeps a Mirror up to date
type Client struct {
	base     *url.URL
	http     *http.Client
	dialer   *websocket.Dialer
	clock    clock.Clock
	logger   *zap.Logger
	mirror   *Mirror
	local    LocalPlayer
	onChange func(protocol.Snapshot)

	pollInterval  time.Duration
	retryInterval time.Duration

	mu         sync.Mutex
	localTimer bool
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLocalPlayer sets the player used on client-only hosts
func WithLocalPlayer(p LocalPlayer) Option {
	return func(c *Client) { c.local = p }
}

// WithClock replaces the real clock
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithOnChange registers a callback run after every applied snapshot
func WithOnChange(fn func(protocol.Snapshot)) Option {
	return func(c *Client) { c.onChange = fn }
}

// WithIntervals overrides the polling and push retry intervals
func WithIntervals(poll, retry time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = poll
		c.retryInterval = retry
	}
}

// NewClient creates a client for the server at baseURL, e.g.
// http://soundmachine.local:3000
func NewClient(baseURL string, logger *zap.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:          base,
		http:          &http.Client{Timeout: 10 * time.Second},
		dialer:        websocket.DefaultDialer,
		clock:         clock.NewRealClock(),
		logger:        logger.Named("syncclient"),
		pollInterval:  PollInterval,
		retryInterval: PushRetryInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mirror = NewMirror(c.clock)
	c.mirror.SetLocalPlayback(c.local != nil)
	return c, nil
}

// Mirror returns the client's view of the state
func (c *Client) Mirror() *Mirror {
	return c.mirror
}

// Status fetches the current snapshot and applies it
func (c *Client) Status(ctx context.Context) (protocol.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/status"), nil)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("failed to fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return protocol.Snapshot{}, fmt.Errorf("status request failed: %s", resp.Status)
	}
	var snap protocol.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return c.apply(snap), nil
}

// Play starts sound, on the server or on the LocalPlayer in client-only mode
func (c *Client) Play(ctx context.Context, sound protocol.Sound) error {
	if !sound.Valid() {
		return fmt.Errorf("%w: %q", protocol.ErrUnknownSound, string(sound))
	}

	view := c.mirror.Snapshot()
	if c.localMode(view) {
		if err := c.local.Play(sound, view.Volume); err != nil {
			return fmt.Errorf("local playback failed: %w", err)
		}
		c.notify(c.mirror.Update(func(s *protocol.Snapshot) {
			s.IsPlaying = true
			s.CurrentSound = sound
		}))
		return nil
	}

	c.notify(c.mirror.Update(func(s *protocol.Snapshot) {
		s.IsPlaying = true
		s.CurrentSound = sound
	}))
	_, err := c.post(ctx, "/api/play", protocol.PlayRequest{Sound: string(sound)})
	if errors.Is(err, ErrClientMode) {
		c.notify(c.mirror.Update(func(s *protocol.Snapshot) {
			s.IsPlaying = view.IsPlaying
			s.CurrentSound = view.CurrentSound
		}))
	}
	return err
}

// Toggle stops sound if it is the one playing, otherwise plays it
func (c *Client) Toggle(ctx context.Context, sound protocol.Sound) error {
	view := c.mirror.Snapshot()
	if view.IsPlaying && view.CurrentSound == sound {
		return c.Stop(ctx)
	}
	return c.Play(ctx, sound)
}

// Stop ends playback
func (c *Client) Stop(ctx context.Context) error {
	view := c.mirror.Snapshot()
	if c.localMode(view) {
		c.stopLocal()
		return nil
	}

	c.notify(c.mirror.Update(func(s *protocol.Snapshot) {
		s.IsPlaying = false
		s.CurrentSound = protocol.SoundNone
	}))
	_, err := c.post(ctx, "/api/stop", nil)
	return err
}

// SetVolume changes the shared volume. Local playback follows it in
// client-only mode.
func (c *Client) SetVolume(ctx context.Context, volume float64) (*protocol.Result, error) {
	volume = clamp(volume)
	view := c.mirror.Update(func(s *protocol.Snapshot) { s.Volume = volume })
	c.notify(view)

	if c.localMode(view) {
		if err := c.local.SetVolume(volume); err != nil {
			c.logger.Warn("Local volume change failed", zap.Error(err))
		}
	}
	return c.post(ctx, "/api/volume", protocol.VolumeRequest{Volume: &volume})
}

// SetTab switches the shared tab
func (c *Client) SetTab(ctx context.Context, tab protocol.Tab) error {
	if _, err := protocol.ParseTab(string(tab)); err != nil {
		return err
	}
	c.notify(c.mirror.Update(func(s *protocol.Snapshot) { s.ActiveTab = tab }))
	_, err := c.post(ctx, "/api/tab", protocol.TabRequest{Tab: string(tab)})
	return err
}

// StartTimer plays sound until stopTime at the given volume, replacing any
// running timer. In client-only mode the sound plays locally and stops when
// the server reports the timer has ended.
func (c *Client) StartTimer(ctx context.Context, sound protocol.Sound, stopTime time.Time, volume *float64) (*protocol.TimerInfo, error) {
	req := protocol.TimerStartRequest{
		Sound:    string(sound),
		StopTime: stopTime.UTC().Format(time.RFC3339Nano),
		Volume:   volume,
	}
	result, err := c.post(ctx, "/api/timer/start", req)
	if err != nil {
		return nil, err
	}

	view := c.mirror.Update(func(s *protocol.Snapshot) {
		if volume != nil {
			s.Volume = clamp(*volume)
		}
		s.ActiveTab = protocol.TabTimer
		s.Timer = protocol.TimerSnapshot{IsActive: true, SelectedSound: sound, StopTime: &stopTime}
	})
	if c.localMode(view) {
		if err := c.local.Play(sound, view.Volume); err != nil {
			return result.Timer, fmt.Errorf("local playback failed: %w", err)
		}
		c.mu.Lock()
		c.localTimer = true
		c.mu.Unlock()
		view = c.mirror.Update(func(s *protocol.Snapshot) {
			s.IsPlaying = true
			s.CurrentSound = sound
		})
	}
	c.notify(view)
	return result.Timer, nil
}

// CancelTimer disarms the timer and stops its sound
func (c *Client) CancelTimer(ctx context.Context) error {
	view := c.mirror.Update(func(s *protocol.Snapshot) {
		s.Timer = protocol.TimerSnapshot{}
	})
	if c.localMode(view) && c.takeLocalTimer() {
		c.stopLocal()
	} else {
		c.notify(view)
	}
	_, err := c.post(ctx, "/api/timer/cancel", nil)
	return err
}

// apply mirrors a server snapshot, ending local timer playback once the
// server reports the timer gone
func (c *Client) apply(snap protocol.Snapshot) protocol.Snapshot {
	view := c.mirror.Apply(snap)
	if c.localMode(view) && !view.Timer.IsActive && c.takeLocalTimer() {
		c.logger.Info("Timer ended, stopping local playback")
		c.stopLocal()
		return c.mirror.Snapshot()
	}
	c.notify(view)
	return view
}

func (c *Client) stopLocal() {
	if err := c.local.Stop(); err != nil {
		c.logger.Warn("Local stop failed", zap.Error(err))
	}
	c.notify(c.mirror.Update(func(s *protocol.Snapshot) {
		s.IsPlaying = false
		s.CurrentSound = protocol.SoundNone
	}))
}

func (c *Client) takeLocalTimer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.localTimer
	c.localTimer = false
	return was
}

func (c *Client) localMode(view protocol.Snapshot) bool {
	return c.local != nil && c.mirror.Synced() && !view.IsPi
}

func (c *Client) notify(view protocol.Snapshot) {
	if c.onChange != nil {
		c.onChange(view)
	}
}

// post sends body as JSON and decodes the common result. Non-2xx replies
// and client-mode replies are errors.
func (c *Client) post(ctx context.Context, path string, body any) (*protocol.Result, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	var result protocol.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("POST %s: failed to decode response (%s): %w", path, resp.Status, err)
	}
	if resp.StatusCode/100 != 2 {
		return &result, fmt.Errorf("POST %s: %s: %s", path, resp.Status, result.Error)
	}
	if result.ClientMode && !result.Success {
		return &result, ErrClientMode
	}
	return &result, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) wsEndpoint() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String() + "/api/ws"
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
