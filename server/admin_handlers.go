package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/signalpoll/pkg/audit"
	"github.com/haasonsaas/signalpoll/pkg/backoff"
	"github.com/haasonsaas/signalpoll/pkg/queue"
)

const maxItemBytes = 64 << 10

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/v1/admin", s.requireAdmin)
	admin.GET("/security-events", s.handleSecurityEvents)

	dev := admin.Group("/devices/:device_id")
	dev.GET("/revoke", s.handleRevocationStatus)
	dev.POST("/revoke", s.handleRevoke)
	dev.DELETE("/revoke", s.handleClearRevocation)
	dev.POST("/items", s.handleEnqueue)
	dev.GET("/items", s.handleListItems)
	dev.POST("/token", s.handleMintToken)
	dev.GET("/backoff", s.handleBackoffStatus)
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if s.adminToken == "" || !secureCompare(token, s.adminToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
		return
	}
	c.Next()
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleRevocationStatus(c *gin.Context) {
	id := c.Param("device_id")
	rev, err := s.keys.Revocation(c.Request.Context(), id)
	if err != nil {
		s.logError(c, err, "revocation lookup failed")
		respondError(c, http.StatusServiceUnavailable, "revocation store unavailable", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": id, "revoked": rev != nil, "revocation": rev})
}

func (s *Server) handleRevoke(c *gin.Context) {
	id := c.Param("device_id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked by operator"
	}
	if err := s.keys.Revoke(c.Request.Context(), id, req.Reason); err != nil {
		s.logError(c, err, "revoke failed")
		respondError(c, http.StatusServiceUnavailable, "revocation store unavailable", s.logger)
		return
	}
	s.recordSecurityEvent(c, audit.KindRevocationChanged, id, "revoked: "+req.Reason)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearRevocation(c *gin.Context) {
	id := c.Param("device_id")
	if err := s.keys.ClearRevocation(c.Request.Context(), id); err != nil {
		s.logError(c, err, "clear revocation failed")
		respondError(c, http.StatusServiceUnavailable, "revocation store unavailable", s.logger)
		return
	}
	s.recordSecurityEvent(c, audit.KindRevocationChanged, id, "revocation cleared")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEnqueue(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxItemBytes+1))
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to read body", s.logger)
		return
	}
	if len(body) > maxItemBytes {
		respondError(c, http.StatusRequestEntityTooLarge, "item too large", s.logger)
		return
	}
	item, err := s.queue.Enqueue(c.Request.Context(), c.Param("device_id"), json.RawMessage(body))
	if err != nil {
		if errors.Is(err, queue.ErrInvalidPayload) || errors.Is(err, queue.ErrMissingDevice) {
			respondError(c, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		s.logError(c, err, "enqueue failed")
		respondError(c, http.StatusInternalServerError, "failed to enqueue item", s.logger)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (s *Server) handleListItems(c *gin.Context) {
	items, err := s.queue.List(c.Request.Context(), c.Param("device_id"), c.Query("all") == "true")
	if err != nil {
		s.logError(c, err, "list items failed")
		respondError(c, http.StatusInternalServerError, "failed to list items", s.logger)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) handleMintToken(c *gin.Context) {
	id := c.Param("device_id")
	token, err := s.tokens.Mint(id)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid device id", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": id, "token": token})
}

type backoffStatus struct {
	DeviceID            string          `json:"device_id"`
	NextIntervalSeconds int             `json:"next_interval_s"`
	ConsecutiveEmpty    int             `json:"consecutive_empty"`
	History             []backoff.Entry `json:"history"`
	HistoryAvailable    bool            `json:"history_available"`
}

func (s *Server) handleBackoffStatus(c *gin.Context) {
	id := c.Param("device_id")
	ctx := c.Request.Context()
	status := backoffStatus{DeviceID: id, History: []backoff.Entry{}}
	history, err := s.backoff.History(ctx, id)
	if err == nil {
		status.HistoryAvailable = true
		status.History = history
		status.ConsecutiveEmpty = backoff.ConsecutiveEmpty(history)
		status.NextIntervalSeconds = backoff.Seconds(s.backoff.Policy().Interval(history))
	} else {
		status.NextIntervalSeconds = backoff.Seconds(s.backoff.Policy().Fallback)
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSecurityEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := s.audit.Recent(c.Request.Context(), c.Query("device_id"), limit)
	if err != nil {
		s.logError(c, err, "load security events failed")
		respondError(c, http.StatusInternalServerError, "failed to load events", s.logger)
		return
	}
	c.JSON(http.StatusOK, events)
}
