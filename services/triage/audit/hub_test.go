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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewHub(logging.New(logging.Config{Quiet: true}))
	r := gin.New()
	r.GET("/stream", h.Serve)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastReachesSubscriber(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialHub(t, srv)

	waitFor(t, "subscriber registration", func() bool { return h.Subscribers() == 1 })

	h.Broadcast(testAudit("live-1"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var a schema.TriageAudit
	if err := json.Unmarshal(payload, &a); err != nil {
		t.Fatalf("broadcast payload is not an audit: %v", err)
	}
	if a.RequestID != "live-1" {
		t.Errorf("request_id = %q, want live-1", a.RequestID)
	}
}

func TestHub_FansOutToAllSubscribers(t *testing.T) {
	h, srv := newTestHub(t)
	first := dialHub(t, srv)
	second := dialHub(t, srv)

	waitFor(t, "2 subscribers", func() bool { return h.Subscribers() == 2 })

	h.Broadcast(testAudit("fan-1"))

	for i, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Errorf("subscriber %d ReadMessage() error = %v", i, err)
		}
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	h := NewHub(logging.New(logging.Config{Quiet: true}))

	// A hand-registered subscriber with no pump draining its buffer.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-r.Context().Done()
		conn.Close()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	s := &subscriber{conn: conn, send: make(chan []byte, 1)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	h.Broadcast(testAudit("fills-buffer"))
	h.Broadcast(testAudit("over-buffer"))

	if got := h.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d after overflow, want 0", got)
	}
	if got := h.SlowDrops(); got != 1 {
		t.Errorf("SlowDrops() = %d, want 1", got)
	}
}

func TestHub_UnregistersOnClientClose(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialHub(t, srv)

	waitFor(t, "subscriber registration", func() bool { return h.Subscribers() == 1 })

	conn.Close()
	waitFor(t, "subscriber removal", func() bool { return h.Subscribers() == 0 })
}

func TestHub_CloseDisconnectsSubscribers(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialHub(t, srv)

	waitFor(t, "subscriber registration", func() bool { return h.Subscribers() == 1 })

	h.Close()
	waitFor(t, "subscriber removal", func() bool { return h.Subscribers() == 0 })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestHub_BroadcastWithNoSubscribers(t *testing.T) {
	h := NewHub(logging.New(logging.Config{Quiet: true}))
	h.Broadcast(testAudit("nobody-home"))

	if got := h.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d, want 0", got)
	}
}
