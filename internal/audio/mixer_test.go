package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedCommand struct {
	calls  []string
	accept string
}

func (r *recordedCommand) run(ctx context.Context, name string, args ...string) error {
	line := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, line)
	if r.accept != "" && strings.Contains(line, " "+r.accept+" ") {
		return nil
	}
	return errors.New("exit status 1")
}

func TestAlsaMixer_TriesControlsInOrder(t *testing.T) {
	logger := zap.NewNop()
	rec := &recordedCommand{accept: "Digital"}
	mixer := NewAlsaMixer(MixerConfig{Card: 0}, true, logger).WithCommand(rec.run)

	ok := mixer.SetVolume(context.Background(), 70)

	assert.True(t, ok)
	assert.Equal(t, []string{
		"amixer -c 0 sset PCM 70%",
		"amixer -c 0 sset Master 70%",
		"amixer -c 0 sset Digital 70%",
	}, rec.calls)
}

func TestAlsaMixer_AllControlsFail(t *testing.T) {
	rec := &recordedCommand{}
	mixer := NewAlsaMixer(MixerConfig{Card: 1, Controls: []string{"PCM", "Master"}}, true, zap.NewNop()).
		WithCommand(rec.run)

	assert.False(t, mixer.SetVolume(context.Background(), 50))
	assert.Len(t, rec.calls, 2)
}

func TestAlsaMixer_ClampsPercent(t *testing.T) {
	rec := &recordedCommand{accept: "PCM"}
	mixer := NewAlsaMixer(MixerConfig{}, true, zap.NewNop()).WithCommand(rec.run)

	mixer.SetVolume(context.Background(), 150)
	mixer.SetVolume(context.Background(), -5)

	assert.Equal(t, []string{"amixer -c 0 sset PCM 100%", "amixer -c 0 sset PCM 0%"}, rec.calls)
}

func TestAlsaMixer_Disabled(t *testing.T) {
	rec := &recordedCommand{accept: "PCM"}
	mixer := NewAlsaMixer(MixerConfig{}, false, zap.NewNop()).WithCommand(rec.run)

	assert.False(t, mixer.SetVolume(context.Background(), 70))
	assert.Empty(t, rec.calls)
}

func TestDetectCapable(t *testing.T) {
	dir := t.TempDir()
	cards := filepath.Join(dir, "cards")
	require.NoError(t, os.WriteFile(cards, []byte(" 0 [ALSA ]: bcm2835"), 0644))

	tests := []struct {
		name    string
		mode    string
		probe   string
		want    bool
		wantErr bool
	}{
		{name: "auto with sound card", mode: ModeAuto, probe: cards, want: true},
		{name: "auto without sound card", mode: ModeAuto, probe: filepath.Join(dir, "missing"), want: false},
		{name: "empty mode is auto", mode: "", probe: cards, want: true},
		{name: "forced server", mode: ModeServer, probe: filepath.Join(dir, "missing"), want: true},
		{name: "forced client", mode: ModeClient, probe: cards, want: false},
		{name: "unknown mode", mode: "pi", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectCapable(tt.mode, tt.probe)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePIDs(t *testing.T) {
	assert.Equal(t, []int{101, 202}, parsePIDs([]byte("101\n202\n\n")))
	assert.Empty(t, parsePIDs([]byte("")))
	assert.Equal(t, []int{5}, parsePIDs([]byte("abc\n5")))
}
