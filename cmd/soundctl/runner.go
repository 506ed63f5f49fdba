package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"soundmachine/pkg/protocol"
	"soundmachine/pkg/syncclient"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// Runner holds the dependencies of every command action
type Runner struct {
	httpClient *http.Client
	output     io.Writer
	now        func() time.Time
}

// RunnerOpts contains configuration options for creating a Runner
type RunnerOpts struct {
	HTTPClient *http.Client
	Output     io.Writer
	Now        func() time.Time
}

// NewRunner creates a Runner, filling unset options with defaults
func NewRunner(opts RunnerOpts) *Runner {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		httpClient: opts.HTTPClient,
		output:     opts.Output,
		now:        opts.Now,
	}
}

func (r *Runner) client(cmd *cli.Command, opts ...syncclient.Option) (*syncclient.Client, error) {
	logger := zap.NewNop()
	if cmd.Bool("verbose") {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		logger = dev
	}
	opts = append([]syncclient.Option{syncclient.WithHTTPClient(r.httpClient)}, opts...)
	return syncclient.NewClient(cmd.String("server"), logger, opts...)
}

// connect creates a client and syncs it once so actions see the server mode
func (r *Runner) connect(ctx context.Context, cmd *cli.Command) (*syncclient.Client, error) {
	c, err := r.client(cmd)
	if err != nil {
		return nil, err
	}
	if _, err := c.Status(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Status prints the current state
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	c, err := r.connect(ctx, cmd)
	if err != nil {
		return err
	}
	snap := c.Mirror().Snapshot()

	if cmd.Bool("json") {
		enc := json.NewEncoder(r.output)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	r.printSnapshot(snap)
	return nil
}

// Play starts a sound
func (r *Runner) Play(ctx context.Context, cmd *cli.Command) error {
	sound, err := protocol.ParseSound(cmd.StringArg("sound"))
	if err != nil {
		return err
	}
	c, err := r.connect(ctx, cmd)
	if err != nil {
		return err
	}
	if err := c.Play(ctx, sound); err != nil {
		return r.explain(err)
	}
	fmt.Fprintf(r.output, "Playing %s\n", sound.DisplayName())
	return nil
}

// Stop ends playback
func (r *Runner) Stop(ctx context.Context, cmd *cli.Command) error {
	c, err := r.connect(ctx, cmd)
	if err != nil {
		return err
	}
	if err := c.Stop(ctx); err != nil {
		return r.explain(err)
	}
	fmt.Fprintln(r.output, "Stopped")
	return nil
}

// Volume sets the shared volume
func (r *Runner) Volume(ctx context.Context, cmd *cli.Command) error {
	volume, err := parsePercent(cmd.StringArg("level"))
	if err != nil {
		return err
	}
	c, err := r.client(cmd)
	if err != nil {
		return err
	}
	result, err := c.SetVolume(ctx, volume)
	if err != nil {
		return err
	}

	if result.Volume != nil {
		volume = *result.Volume
	}
	applied := result.SystemVolumeSet != nil && *result.SystemVolumeSet
	fmt.Fprintf(r.output, "Volume %d%%", percent(volume))
	switch {
	case result.ClientMode:
		fmt.Fprintln(r.output, " (client-only, browsers apply it)")
	case !applied:
		fmt.Fprintln(r.output, " (system mixer did not accept it)")
	default:
		fmt.Fprintln(r.output)
	}
	return nil
}

// Tab switches the shared tab
func (r *Runner) Tab(ctx context.Context, cmd *cli.Command) error {
	tab, err := protocol.ParseTab(cmd.StringArg("tab"))
	if err != nil {
		return err
	}
	c, err := r.client(cmd)
	if err != nil {
		return err
	}
	if err := c.SetTab(ctx, tab); err != nil {
		return err
	}
	fmt.Fprintf(r.output, "Active tab: %s\n", tab)
	return nil
}

// TimerStart plays a sound until the --at time
func (r *Runner) TimerStart(ctx context.Context, cmd *cli.Command) error {
	sound, err := protocol.ParseSound(cmd.StringArg("sound"))
	if err != nil {
		return err
	}
	stopTime, err := syncclient.NextOccurrence(r.now(), cmd.String("at"))
	if err != nil {
		return err
	}
	var volume *float64
	if v := cmd.String("volume"); v != "" {
		parsed, err := parsePercent(v)
		if err != nil {
			return err
		}
		volume = &parsed
	}

	c, err := r.connect(ctx, cmd)
	if err != nil {
		return err
	}
	info, err := c.StartTimer(ctx, sound, stopTime, volume)
	if err != nil {
		return err
	}

	minutes := int(stopTime.Sub(r.now()).Round(time.Minute) / time.Minute)
	if info != nil {
		minutes = info.DurationMinutes
	}
	fmt.Fprintf(r.output, "Playing %s until %s (%d minutes)\n",
		sound.DisplayName(), stopTime.Format("15:04"), minutes)
	return nil
}

// TimerCancel disarms the timer
func (r *Runner) TimerCancel(ctx context.Context, cmd *cli.Command) error {
	c, err := r.client(cmd)
	if err != nil {
		return err
	}
	if err := c.CancelTimer(ctx); err != nil {
		return err
	}
	fmt.Fprintln(r.output, "Timer cancelled")
	return nil
}

// Watch prints a line for every state change until interrupted
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	c, err := r.client(cmd, syncclient.WithOnChange(func(snap protocol.Snapshot) {
		fmt.Fprintf(r.output, "%s  %s\n", r.now().Format("15:04:05"), summary(snap))
	}))
	if err != nil {
		return err
	}

	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (r *Runner) printSnapshot(snap protocol.Snapshot) {
	playing := "stopped"
	if snap.IsPlaying {
		playing = snap.CurrentSound.DisplayName()
	}
	mode := "server audio"
	if !snap.IsPi {
		mode = "client-only"
	}

	fmt.Fprintf(r.output, "Playing: %s\n", playing)
	fmt.Fprintf(r.output, "Volume:  %d%%\n", percent(snap.Volume))
	fmt.Fprintf(r.output, "Tab:     %s\n", snap.ActiveTab)
	fmt.Fprintf(r.output, "Timer:   %s\n", r.timerLine(snap.Timer))
	fmt.Fprintf(r.output, "Mode:    %s\n", mode)
}

func (r *Runner) timerLine(t protocol.TimerSnapshot) string {
	if !t.IsActive || t.StopTime == nil {
		return "off"
	}
	left := t.StopTime.Sub(r.now())
	return fmt.Sprintf("%s until %s (%s left)",
		t.SelectedSound.DisplayName(),
		t.StopTime.Local().Format("15:04"),
		syncclient.FormatCountdown(left))
}

func (r *Runner) explain(err error) error {
	if errors.Is(err, syncclient.ErrClientMode) {
		return fmt.Errorf("%w; open the web UI on the device that should play", err)
	}
	return err
}

func summary(snap protocol.Snapshot) string {
	playing := "stopped"
	if snap.IsPlaying {
		playing = "playing " + string(snap.CurrentSound)
	}
	line := fmt.Sprintf("%s, volume %d%%, tab %s", playing, percent(snap.Volume), snap.ActiveTab)
	if snap.Timer.IsActive && snap.Timer.StopTime != nil {
		line += ", timer until " + snap.Timer.StopTime.Local().Format("15:04")
	}
	return line
}

// parsePercent reads "40" or "40%" as 0.4
func parsePercent(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" {
		return 0, errors.New("volume level is required")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid volume %q: %w", s, err)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("volume must be between 0 and 100, got %g", v)
	}
	return v / 100, nil
}

func percent(v float64) int {
	return int(v*100 + 0.5)
}
