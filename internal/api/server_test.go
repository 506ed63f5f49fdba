package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"soundmachine/internal/audio"
	"soundmachine/internal/broadcast"
	"soundmachine/internal/clock"
	"soundmachine/internal/state"
	"soundmachine/internal/timer"
	"soundmachine/pkg/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	server      *Server
	runner      *audio.MockRunner
	clock       *clock.MockClock
	broadcaster *broadcast.Broadcaster
}

func newTestServer(t *testing.T, capable bool, publicDir string) *testServer {
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC))
	runner := audio.NewMockRunner()

	assets := t.TempDir()
	for _, sound := range protocol.AllSounds {
		require.NoError(t, os.WriteFile(filepath.Join(assets, sound.AssetName()), []byte("ID3"), 0644))
	}
	config := audio.DefaultPlayerConfig()
	config.AssetsDir = assets

	broadcaster := broadcast.NewBroadcaster(logger)
	t.Cleanup(broadcaster.Close)

	store := state.NewStore(
		audio.NewSupervisor(runner, clk, config, logger),
		audio.NewMockMixer(true),
		timer.NewScheduler(clk, logger),
		broadcaster,
		capable,
		logger,
	)

	return &testServer{
		server:      NewServer(store, logger, ":8080", publicDir),
		runner:      runner,
		clock:       clk,
		broadcaster: broadcaster,
	}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) protocol.Result {
	var result protocol.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	return result
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, true, "")

	w := ts.do(http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", response["status"])
	}
}

func TestSitemapWithoutPublicDir(t *testing.T) {
	ts := newTestServer(t, true, "")

	w := ts.do(http.MethodGet, "/", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/status")
	assert.Contains(t, w.Body.String(), "/api/timer/start")
}

func TestServesPublicDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>Sound Machine</h1>"), 0644))
	ts := newTestServer(t, true, dir)

	w := ts.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Sound Machine")

	w = ts.do(http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, w.Code, "API routes win over the file server")
}

func TestHandleStatus(t *testing.T) {
	ts := newTestServer(t, true, "")

	w := ts.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var raw map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&raw))
	assert.Equal(t, false, raw["isPlaying"])
	assert.Nil(t, raw["currentSound"])
	assert.Equal(t, 0.7, raw["volume"])
	assert.Equal(t, "play", raw["activeTab"])
	assert.Equal(t, true, raw["isPi"])
	assert.Equal(t, map[string]any{"isActive": false, "selectedSound": nil, "stopTime": nil}, raw["timer"])
}

func TestHandlePlay(t *testing.T) {
	ts := newTestServer(t, true, "")

	w := ts.do(http.MethodPost, "/api/play", `{"sound":"white"}`)
	require.Equal(t, http.StatusOK, w.Code)
	result := decodeResult(t, w)
	assert.True(t, result.Success)
	assert.Equal(t, protocol.SoundWhite, result.Playing)
	assert.Equal(t, 1, ts.runner.LiveCount())

	w = ts.do(http.MethodPost, "/api/play", `{"sound":"thunder"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, decodeResult(t, w).Success)

	w = ts.do(http.MethodPost, "/api/play", `{"sound":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.runner.FailStarts(errors.New("exec: mpg123 not found"))
	w = ts.do(http.MethodPost, "/api/play", `{"sound":"brown"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decodeResult(t, w).Error, "failed to start player")
}

func TestHandleStop(t *testing.T) {
	ts := newTestServer(t, true, "")
	ts.do(http.MethodPost, "/api/play", `{"sound":"pink"}`)

	w := ts.do(http.MethodPost, "/api/stop", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeResult(t, w).Success)
	assert.Equal(t, 0, ts.runner.LiveCount())
}

func TestClientMode(t *testing.T) {
	ts := newTestServer(t, false, "")

	for _, path := range []string{"/api/play", "/api/stop"} {
		w := ts.do(http.MethodPost, path, `{"sound":"white"}`)
		require.Equal(t, http.StatusOK, w.Code, path)
		result := decodeResult(t, w)
		assert.False(t, result.Success)
		assert.True(t, result.ClientMode)
		assert.Equal(t, "Pi only", result.Message)
	}
	assert.Empty(t, ts.runner.Starts())

	w := ts.do(http.MethodPost, "/api/volume", `{"volume":0.4}`)
	require.Equal(t, http.StatusOK, w.Code)
	result := decodeResult(t, w)
	assert.True(t, result.Success)
	assert.True(t, result.ClientMode)
	require.NotNil(t, result.SystemVolumeSet)
	assert.False(t, *result.SystemVolumeSet)

	w = ts.do(http.MethodGet, "/api/status", "")
	var snap protocol.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, 0.4, snap.Volume)
	assert.False(t, snap.IsPi)
}

func TestHandleVolume(t *testing.T) {
	ts := newTestServer(t, true, "")

	w := ts.do(http.MethodPost, "/api/volume", `{"volume":1.5}`)
	require.Equal(t, http.StatusOK, w.Code)
	result := decodeResult(t, w)
	require.NotNil(t, result.Volume)
	assert.Equal(t, 1.0, *result.Volume)
	require.NotNil(t, result.SystemVolumeSet)
	assert.True(t, *result.SystemVolumeSet)

	w = ts.do(http.MethodPost, "/api/volume", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/api/volume", `{"volume":"loud"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleTab(t *testing.T) {
	ts := newTestServer(t, true, "")

	w := ts.do(http.MethodPost, "/api/tab", `{"tab":"timer"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, protocol.TabTimer, decodeResult(t, w).ActiveTab)

	w = ts.do(http.MethodPost, "/api/tab", `{"tab":"settings"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid tab", decodeResult(t, w).Error)
}

func TestHandleTimerStart(t *testing.T) {
	ts := newTestServer(t, true, "")
	stop := ts.clock.Now().Add(30 * time.Minute).Format(time.RFC3339)

	w := ts.do(http.MethodPost, "/api/timer/start", `{"sound":"ocean","stopTime":"`+stop+`","volume":0.3}`)
	require.Equal(t, http.StatusOK, w.Code)
	result := decodeResult(t, w)
	assert.True(t, result.Success)
	require.NotNil(t, result.Timer)
	assert.Equal(t, protocol.SoundOcean, result.Timer.Sound)
	assert.Equal(t, 30, result.Timer.DurationMinutes)

	w = ts.do(http.MethodGet, "/api/status", "")
	var snap protocol.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.True(t, snap.Timer.IsActive)
	assert.True(t, snap.IsPlaying)
	assert.Equal(t, 0.3, snap.Volume)
	assert.Equal(t, protocol.TabTimer, snap.ActiveTab)

	w = ts.do(http.MethodPost, "/api/timer/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeResult(t, w).Success)
	assert.Equal(t, 0, ts.runner.LiveCount())
}

func TestHandleTimerStartErrors(t *testing.T) {
	ts := newTestServer(t, true, "")
	soon := ts.clock.Now().Add(500 * time.Millisecond).Format(time.RFC3339Nano)

	w := ts.do(http.MethodPost, "/api/timer/start", `{"sound":"white","stopTime":"`+soon+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeResult(t, w).Error, "must be in the future")

	w = ts.do(http.MethodPost, "/api/timer/start", `{"sound":"white","stopTime":"tonight"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	later := ts.clock.Now().Add(time.Hour).Format(time.RFC3339)
	w = ts.do(http.MethodPost, "/api/timer/start", `{"sound":"rain","stopTime":"`+later+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.runner.FailStarts(errors.New("device busy"))
	w = ts.do(http.MethodPost, "/api/timer/start", `{"sound":"white","stopTime":"`+later+`"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decodeResult(t, w).Error, "Failed to start audio for timer")

	w = ts.do(http.MethodGet, "/api/status", "")
	var snap protocol.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.False(t, snap.Timer.IsActive)
}

func readEvent(t *testing.T, reader *bufio.Reader) protocol.Snapshot {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			var snap protocol.Snapshot
			require.NoError(t, json.Unmarshal([]byte(data), &snap))
			return snap
		}
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, true, "")
	httpServer := httptest.NewServer(ts.server.Handler())
	defer httpServer.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(httpServer.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	reader := bufio.NewReader(resp.Body)
	initial := readEvent(t, reader)
	assert.Equal(t, 0.7, initial.Volume)

	ts.do(http.MethodPost, "/api/volume", `{"volume":0.25}`)
	assert.Equal(t, 0.25, readEvent(t, reader).Volume)

	ts.do(http.MethodPost, "/api/play", `{"sound":"dryer"}`)
	snap := readEvent(t, reader)
	assert.True(t, snap.IsPlaying)
	assert.Equal(t, protocol.SoundDryer, snap.CurrentSound)
}

func TestWebSocketStream(t *testing.T) {
	ts := newTestServer(t, true, "")
	httpServer := httptest.NewServer(ts.server.Handler())
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap protocol.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.False(t, snap.IsPlaying)

	ts.do(http.MethodPost, "/api/tab", `{"tab":"timer"}`)
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, protocol.TabTimer, snap.ActiveTab)

	require.Eventually(t, func() bool { return ts.broadcaster.Len() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return ts.broadcaster.Len() == 0 }, time.Second, 5*time.Millisecond,
		"viewer removed after disconnect")
}
