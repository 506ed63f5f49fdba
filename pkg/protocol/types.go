// Package protocol defines the wire types shared by the sound machine server
// and its clients: the state snapshot pushed to viewers and the request and
// response bodies of the HTTP API.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownSound is returned for a sound identifier outside the fixed set
	ErrUnknownSound = errors.New("unknown sound")
	// ErrInvalidTab is returned for a tab other than play or timer
	ErrInvalidTab = errors.New("invalid tab")
)

// Sound identifies one of the looping ambient sounds. The zero value means
// no sound and is encoded as JSON null.
type Sound string

const (
	SoundNone  Sound = ""
	SoundWhite Sound = "white"
	SoundBrown Sound = "brown"
	SoundPink  Sound = "pink"
	SoundDryer Sound = "dryer"
	SoundOcean Sound = "ocean"
)

// AllSounds lists every playable sound in display order
var AllSounds = []Sound{SoundWhite, SoundBrown, SoundPink, SoundDryer, SoundOcean}

var soundNames = map[Sound]string{
	SoundWhite: "White Noise",
	SoundBrown: "Brown Noise",
	SoundPink:  "Pink Noise",
	SoundDryer: "Dryer Sound",
	SoundOcean: "Ocean Waves",
}

// ParseSound validates a sound identifier
func ParseSound(s string) (Sound, error) {
	sound := Sound(s)
	if _, ok := soundNames[sound]; !ok {
		return SoundNone, fmt.Errorf("%w: %q", ErrUnknownSound, s)
	}
	return sound, nil
}

// Valid reports whether s is one of AllSounds
func (s Sound) Valid() bool {
	_, ok := soundNames[s]
	return ok
}

// DisplayName returns the human readable name, or the raw identifier
func (s Sound) DisplayName() string {
	if name, ok := soundNames[s]; ok {
		return name
	}
	return string(s)
}

// AssetName returns the default asset file name for the sound
func (s Sound) AssetName() string {
	return string(s) + "-noise.mp3"
}

func (s Sound) MarshalJSON() ([]byte, error) {
	if s == SoundNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

func (s *Sound) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = SoundNone
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Sound(raw)
	return nil
}

// Tab is the UI tab shared by every viewer
type Tab string

const (
	TabPlay  Tab = "play"
	TabTimer Tab = "timer"
)

// ParseTab validates a tab name
func ParseTab(s string) (Tab, error) {
	switch Tab(s) {
	case TabPlay, TabTimer:
		return Tab(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTab, s)
	}
}

// TimerSnapshot is the public part of the sleep timer
type TimerSnapshot struct {
	IsActive      bool       `json:"isActive"`
	SelectedSound Sound      `json:"selectedSound"`
	StopTime      *time.Time `json:"stopTime"`
}

// Snapshot is the full state pushed to every viewer
type Snapshot struct {
	IsPlaying    bool          `json:"isPlaying"`
	CurrentSound Sound         `json:"currentSound"`
	Volume       float64       `json:"volume"`
	ActiveTab    Tab           `json:"activeTab"`
	Timer        TimerSnapshot `json:"timer"`
	// IsPi reports whether the server controls audio itself. When false
	// clients play sounds locally.
	IsPi bool `json:"isPi"`
}
