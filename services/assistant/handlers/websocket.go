// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The service sits behind the deployment's own origin controls.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the frame format in both directions.
type wsMessage struct {
	Type      string              `json:"type"`
	Query     string              `json:"query,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	History   []wsHistoryMessage  `json:"history,omitempty"`
	Content   string              `json:"content,omitempty"`
	Response  interface{}         `json:"response,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type wsHistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// askStream serves one streamed question per connection: the client
// sends an ask frame, receives token frames in model order, then a final
// frame carrying the audited UnifiedResponse. The final answer is
// authoritative; the audit may have altered the streamed text.
func (s *Server) askStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	var req wsMessage
	if err := conn.ReadJSON(&req); err != nil {
		writeWS(conn, wsMessage{Type: "error", Error: "invalid request frame"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	history := make([]datatypes.Message, 0, len(req.History))
	for _, h := range req.History {
		history = append(history, datatypes.Message{Role: h.Role, Content: h.Content})
	}

	events := s.agent.ProcessStream(c.Request.Context(), req.Query, req.SessionID, history)
	for ev := range events {
		if ev.Final != nil {
			writeWS(conn, wsMessage{Type: "final", SessionID: req.SessionID, Response: ev.Final})
			continue
		}
		if !writeWS(conn, wsMessage{Type: "token", Content: ev.Token}) {
			// Client went away; keep draining so the agent finishes its
			// audit and session append.
			for range events {
			}
			return
		}
	}
}

func writeWS(conn *websocket.Conn, msg wsMessage) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		slog.Debug("Websocket write failed", "error", err)
		return false
	}
	return true
}
