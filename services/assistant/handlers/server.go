// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the agent over HTTP: a JSON ask endpoint, a
// websocket streaming endpoint, feedback recording, and the usual
// health/metrics surface.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/glycoassist/services/assistant/agent"
	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
	"github.com/AleutianAI/glycoassist/services/assistant/devices"
	"github.com/AleutianAI/glycoassist/services/assistant/knowledge"
	"github.com/AleutianAI/glycoassist/services/assistant/personalization"
)

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	agent     *agent.UnifiedAgent
	personal  *personalization.Manager
	devices   *devices.Registry
	staleness *knowledge.Monitor
}

// NewServer wires the HTTP surface. personal, devices, and staleness may
// be nil; their endpoints then return 404/empty results.
func NewServer(a *agent.UnifiedAgent, personal *personalization.Manager, registry *devices.Registry, staleness *knowledge.Monitor) *Server {
	return &Server{agent: a, personal: personal, devices: registry, staleness: staleness}
}

// Routes mounts all endpoints on a gin engine.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/ask", s.ask)
	api.POST("/feedback", s.feedback)
	api.GET("/devices", s.listDevices)
	api.GET("/knowledge/staleness", s.knowledgeStaleness)

	r.GET("/ws/ask", s.askStream)
}

// askRequest is the JSON body of POST /api/v1/ask.
type askRequest struct {
	Query     string              `json:"query" binding:"required"`
	SessionID string              `json:"session_id"`
	History   []datatypes.Message `json:"history"`
}

func (s *Server) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx, span := otel.Tracer("glycoassist/handlers").Start(c.Request.Context(), "handlers.ask",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	resp := s.agent.Process(ctx, req.Query, req.SessionID, req.History)

	status := http.StatusOK
	if !resp.Success && resp.ErrorType == "input_invalid" {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"session_id": req.SessionID,
		"response":   resp,
	})
}

// feedbackRequest records a thumbs-up/down on a previous answer.
type feedbackRequest struct {
	SessionID    string   `json:"session_id" binding:"required"`
	Query        string   `json:"query" binding:"required"`
	Helpful      bool     `json:"helpful"`
	DeviceType   string   `json:"device_type"`
	Manufacturer string   `json:"manufacturer"`
	RAGQuality   float64  `json:"rag_quality"`
	Sources      []string `json:"sources"`
}

func (s *Server) feedback(c *gin.Context) {
	if s.personal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "personalization is disabled"})
		return
	}
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	delta := 1.0
	if !req.Helpful {
		delta = -1.0
		s.personal.LogNegativeFeedback(req.SessionID, personalization.NegativeFeedback{
			QueryType:  personalization.ClassifyQuery(req.Query),
			RAGQuality: req.RAGQuality,
			Sources:    req.Sources,
		})
	}

	if req.DeviceType != "" && req.Manufacturer != "" {
		state, err := s.personal.RecordFeedback(req.SessionID, req.DeviceType, req.Manufacturer, delta)
		if err != nil {
			slog.Warn("Cannot record device feedback", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "feedback not recorded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"boost": state.CurrentBoost, "feedback_count": state.FeedbackCount})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

func (s *Server) listDevices(c *gin.Context) {
	if s.devices == nil {
		c.JSON(http.StatusOK, gin.H{"devices": []devices.Device{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": s.devices.Devices()})
}

func (s *Server) knowledgeStaleness(c *gin.Context) {
	if s.staleness == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "knowledge monitoring is disabled"})
		return
	}
	report, err := s.staleness.Report(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": report})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
