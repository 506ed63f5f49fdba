package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"soundmachine/pkg/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single snapshot write to a viewer
	writeWait = 5 * time.Second
	// pongWait is how long a websocket viewer may stay silent
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from any LAN address, same as the CORS policy
	CheckOrigin: func(r *http.Request) bool { return true },
}

// sseSubscriber writes snapshots as server-sent events
type sseSubscriber struct {
	w    http.ResponseWriter
	rc   *http.ResponseController
	done chan struct{}
	once sync.Once
}

func (s *sseSubscriber) Send(snap protocol.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.rc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSubscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// handleEvents streams a snapshot on connect and after every change
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// the server's WriteTimeout would cut the stream; Send sets its own
	rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("Streaming not supported", zap.Error(err))
		return
	}

	id := uuid.NewString()
	sub := &sseSubscriber{w: w, rc: rc, done: make(chan struct{})}
	s.store.Subscribe(id, sub)
	s.logger.Debug("Event stream opened", zap.String("id", id))

	select {
	case <-r.Context().Done():
		s.store.Unsubscribe(id)
	case <-sub.done:
	}
	s.logger.Debug("Event stream closed", zap.String("id", id))
}

// wsSubscriber writes snapshots as websocket text frames
type wsSubscriber struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (s *wsSubscriber) Send(snap protocol.Snapshot) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(snap)
}

func (s *wsSubscriber) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
}

// handleWebSocket streams the same snapshots as handleEvents over a
// websocket. Incoming messages are read only to detect disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	sub := &wsSubscriber{conn: conn, done: make(chan struct{})}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.store.Subscribe(id, sub)
	s.logger.Debug("WebSocket viewer connected", zap.String("id", id))
	defer func() {
		s.store.Unsubscribe(id)
		sub.Close()
		s.logger.Debug("WebSocket viewer disconnected", zap.String("id", id))
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-sub.done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
