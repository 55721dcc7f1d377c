// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
)

const (
	// subscriberQueue buffers per-connection sends; a full buffer marks the
	// subscriber slow and it is dropped rather than awaited.
	subscriberQueue = 32

	writeWait       = 5 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 50 * time.Second
	maxInboundBytes = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is the gateway's job; this service sits behind it.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans live audit records out to websocket subscribers. Broadcast never
// waits on a connection: each subscriber has a small buffer and is
// disconnected when it falls behind.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *logging.Logger

	slowDrops atomic.Uint64
}

// NewHub builds an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

// Broadcast sends a to every subscriber that is keeping up. Slow
// subscribers are dropped on the spot.
func (h *Hub) Broadcast(a *schema.TriageAudit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return
	}

	payload, err := json.Marshal(a)
	if err != nil {
		h.logger.Error("audit broadcast marshal failed", "request_id", a.RequestID, "error", err)
		return
	}

	for s := range h.subs {
		select {
		case s.send <- payload:
		default:
			delete(h.subs, s)
			close(s.send)
			h.slowDrops.Add(1)
			h.logger.Warn("dropped slow audit subscriber",
				"remote", s.conn.RemoteAddr().String())
		}
	}
}

// Subscribers reports the live connection count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SlowDrops reports subscribers disconnected for falling behind.
func (h *Hub) SlowDrops() uint64 { return h.slowDrops.Load() }

// Serve upgrades the request and streams audits until the client leaves.
// Authorization happens before this handler; the hub only moves bytes.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("audit stream upgrade failed", "error", err)
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, subscriberQueue)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("audit subscriber connected", "remote", conn.RemoteAddr().String())

	go h.writePump(s)
	h.readPump(s)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.send)
	}
}

// readPump discards inbound frames; its job is liveness and close
// detection. Returning unregisters the subscriber.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxInboundBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			h.logger.Info("audit subscriber disconnected", "reason", err.Error())
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
}
