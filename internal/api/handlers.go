package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"soundmachine/internal/audio"
	"soundmachine/internal/state"
	"soundmachine/internal/timer"
	"soundmachine/pkg/protocol"

	"go.uber.org/zap"
)

// maxBodyBytes caps request bodies; every command body is tiny
const maxBodyBytes = 1 << 14

var errBadRequest = errors.New("bad request")

// clientModeResult is the reply to play and stop on hosts without audio
var clientModeResult = protocol.Result{Success: false, Message: "Pi only", ClientMode: true}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Status())
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if !s.store.Capable() {
		writeJSON(w, http.StatusOK, clientModeResult)
		return
	}

	var req protocol.PlayRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	sound, err := s.store.Play(req.Sound)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Result{Success: true, Playing: sound})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.store.Stop()
	if errors.Is(err, state.ErrPlatformUnavailable) {
		writeJSON(w, http.StatusOK, clientModeResult)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Result{Success: true})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req protocol.VolumeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Volume == nil || math.IsNaN(*req.Volume) {
		s.writeError(w, fmt.Errorf("%w: volume must be a number", errBadRequest))
		return
	}

	volume, applied := s.store.SetVolume(*req.Volume)
	writeJSON(w, http.StatusOK, protocol.Result{
		Success:         true,
		ClientMode:      !s.store.Capable(),
		Volume:          &volume,
		SystemVolumeSet: &applied,
	})
}

func (s *Server) handleTab(w http.ResponseWriter, r *http.Request) {
	var req protocol.TabRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	tab, err := s.store.SetTab(req.Tab)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid tab")
		return
	}
	writeJSON(w, http.StatusOK, protocol.Result{Success: true, ActiveTab: tab})
}

func (s *Server) handleTimerStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.TimerStartRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	stopTime, err := time.Parse(time.RFC3339, req.StopTime)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: stopTime must be an RFC 3339 timestamp", errBadRequest))
		return
	}

	lead, err := s.store.StartTimer(req.Sound, stopTime, req.Volume)
	switch {
	case err == nil:
	case errors.Is(err, audio.ErrSpawnFailure), errors.Is(err, audio.ErrAssetNotFound):
		s.logger.Error("Failed to start timer audio", zap.Error(err))
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to start audio for timer: "+err.Error())
		return
	default:
		s.writeError(w, err)
		return
	}

	s.logger.Info("Timer started",
		zap.String("sound", req.Sound),
		zap.Time("stop_time", stopTime),
		zap.Duration("lead", lead))
	writeJSON(w, http.StatusOK, protocol.Result{
		Success: true,
		Timer: &protocol.TimerInfo{
			Sound:           protocol.Sound(req.Sound),
			StopTime:        stopTime.UTC().Format(time.RFC3339Nano),
			DurationMinutes: int(math.Round(lead.Minutes())),
		},
	})
}

func (s *Server) handleTimerCancel(w http.ResponseWriter, r *http.Request) {
	s.store.CancelTimer()
	writeJSON(w, http.StatusOK, protocol.Result{Success: true})
}

// decodeBody reads a JSON body into v. An empty body leaves v zero.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// writeError maps a store error to a status code: caller mistakes are 400,
// everything else 500
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, protocol.ErrUnknownSound),
		errors.Is(err, protocol.ErrInvalidTab),
		errors.Is(err, timer.ErrPastOrTooSoon):
		status = http.StatusBadRequest
	default:
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSONError(w, status, err.Error())
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.Result{Success: false, Error: message})
}
