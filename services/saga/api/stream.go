// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

const (
	subscriberBuffer = 256
	writeWait        = 10 * time.Second
	pingInterval     = 30 * time.Second
)

// newUpgrader builds the websocket upgrader for the allowed origins.
// Requests without an Origin header come from non-browser clients and pass.
func newUpgrader(allowed []string) websocket.Upgrader {
	u := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
	}
	if len(allowed) == 0 {
		// gorilla's default check: Origin host must equal the request Host.
		return u
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		return set[strings.ToLower(origin)]
	}
	return u
}

type subscriber struct {
	ch    chan dag.Event
	dagID string
	runID string
}

func (s *subscriber) wants(evt dag.Event) bool {
	if s.dagID != "" && s.dagID != evt.DAGID {
		return false
	}
	return s.runID == "" || s.runID == evt.RunID
}

// Hub fans engine events out to live subscribers.
//
// Description:
//
//	Hub implements dag.Observer. Delivery is best effort: a subscriber whose
//	buffer is full misses events rather than stalling the engine.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger}
}

// Subscribe returns a channel of events matching dagID and runID (empty
// matches everything) and a function that unsubscribes and closes it.
func (h *Hub) Subscribe(dagID, runID string) (<-chan dag.Event, func()) {
	sub := &subscriber{ch: make(chan dag.Event, subscriberBuffer), dagID: dagID, runID: runID}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// OnEvent implements dag.Observer.
func (h *Hub) OnEvent(_ context.Context, evt dag.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func terminal(evt dag.Event) bool {
	return evt.Type == dag.EventExecutionComplete || evt.Type == dag.EventExecutionError
}

// streamEvents upgrades to a websocket and writes matching events as JSON.
// With a run filter the socket closes after that run's terminal event.
func (s *Server) streamEvents(c *gin.Context) {
	runID := c.Query("run")
	// Subscribe before the handshake completes so no event after it is missed.
	events, unsubscribe := s.hub.Subscribe(c.Query("dag"), runID)
	defer unsubscribe()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-s.baseCtx.Done():
			s.closeSocket(ws, websocket.CloseGoingAway, "server shutting down")
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(evt); err != nil {
				s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
			if runID != "" && terminal(evt) {
				s.closeSocket(ws, websocket.CloseNormalClosure, "run finished")
				return
			}
		}
	}
}

func (s *Server) closeSocket(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
