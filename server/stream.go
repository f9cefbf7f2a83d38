// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/arbor/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// streamRequest is one client message on the viewport stream.
type streamRequest struct {
	Viewport engine.Viewport `json:"viewport"`
}

// streamError is an error frame on the stream; the connection stays open.
type streamError struct {
	Error string `json:"error"`
}

// wsClient is one open viewport stream.
type wsClient struct {
	// viewports carries the latest unprocessed viewport. Capacity 1 with
	// evict-on-full: plans are only ever computed for the newest snapshot.
	viewports chan engine.Viewport

	// notify is pulsed when async results invalidate the current frame.
	notify chan struct{}

	done chan struct{}
}

// handleStream runs the interactive viewport loop on a WebSocket.
//
// Description:
//
//	The client writes viewport snapshots at gesture rate; the server
//	evaluates and answers with render plans. Snapshots are latest-wins,
//	so a fast pan never queues behind stale evaluations. Invalidations
//	from async enrichment re-evaluate the last seen viewport and push an
//	unsolicited plan.
func (s *Server) handleStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	client := &wsClient{
		viewports: make(chan engine.Viewport, 1),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.addClient(client)
	defer s.removeClient(client)

	wsConnections.Inc()
	defer wsConnections.Dec()
	s.logger.Info("viewport stream connected", slog.String("remote", ws.RemoteAddr().String()))

	go s.readViewports(ws, client)
	s.writePlans(ws, client)
}

// readViewports pumps client messages into the latest-wins channel.
func (s *Server) readViewports(ws *websocket.Conn, client *wsClient) {
	defer close(client.done)
	for {
		var req streamRequest
		if err := ws.ReadJSON(&req); err != nil {
			s.logger.Info("viewport stream disconnected", slog.String("reason", err.Error()))
			return
		}
		for {
			select {
			case client.viewports <- req.Viewport:
			default:
				select {
				case <-client.viewports:
				default:
				}
				continue
			}
			break
		}
	}
}

// writePlans evaluates viewports and invalidations and writes plans back.
func (s *Server) writePlans(ws *websocket.Conn, client *wsClient) {
	var last *engine.Viewport
	for {
		select {
		case <-client.done:
			return

		case vp := <-client.viewports:
			last = &vp
			s.evaluateAndSend(ws, vp)

		case <-client.notify:
			if last == nil {
				continue
			}
			s.evaluateAndSend(ws, *last)
		}
	}
}

// evaluateAndSend runs one evaluation and writes the result frame.
func (s *Server) evaluateAndSend(ws *websocket.Conn, vp engine.Viewport) {
	plan, err := s.eng.Evaluate(vp)
	if err != nil {
		if werr := ws.WriteJSON(streamError{Error: err.Error()}); werr != nil {
			s.logger.Warn("stream write failed", slog.String("error", werr.Error()))
		}
		return
	}
	plansServed.WithLabelValues("ws").Inc()
	if err := ws.WriteJSON(plan); err != nil {
		s.logger.Warn("stream write failed", slog.String("error", err.Error()))
	}
}

// addClient registers a stream for invalidation broadcasts.
func (s *Server) addClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

// removeClient drops a stream from the broadcast set.
func (s *Server) removeClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
