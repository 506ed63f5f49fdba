package protocol

// PlayRequest is the body of POST /api/play
type PlayRequest struct {
	Sound string `json:"sound"`
}

// VolumeRequest is the body of POST /api/volume
type VolumeRequest struct {
	Volume *float64 `json:"volume"`
}

// TabRequest is the body of POST /api/tab
type TabRequest struct {
	Tab string `json:"tab"`
}

// TimerStartRequest is the body of POST /api/timer/start. StopTime is an
// RFC 3339 timestamp; Volume is optional.
type TimerStartRequest struct {
	Sound    string   `json:"sound"`
	StopTime string   `json:"stopTime"`
	Volume   *float64 `json:"volume,omitempty"`
}

// TimerInfo describes a freshly armed timer
type TimerInfo struct {
	Sound           Sound  `json:"sound"`
	StopTime        string `json:"stopTime"`
	DurationMinutes int    `json:"durationMinutes"`
}

// Result is the common response body of the mutating endpoints
type Result struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	ClientMode bool   `json:"clientMode,omitempty"`

	Playing         Sound      `json:"playing,omitempty"`
	Volume          *float64   `json:"volume,omitempty"`
	SystemVolumeSet *bool      `json:"systemVolumeSet,omitempty"`
	ActiveTab       Tab        `json:"activeTab,omitempty"`
	Timer           *TimerInfo `json:"timer,omitempty"`
}
