package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/signalpoll/pkg/audit"
	"github.com/haasonsaas/signalpoll/pkg/compression"
	"github.com/haasonsaas/signalpoll/pkg/envelope"
	"github.com/haasonsaas/signalpoll/pkg/keys"
	"github.com/haasonsaas/signalpoll/pkg/poll"
)

const maxAckItems = poll.MaxBatchSize

// requireDevice authenticates the device token. Failures get the same
// generic 401 as every other security rejection.
func (s *Server) requireDevice(c *gin.Context) {
	id, err := s.auth.Authenticate(c.Request)
	if err != nil {
		s.recordSecurityEvent(c, audit.KindAuthFailed, "", "invalid device token")
		respondUnauthorized(c, s.logger)
		return
	}
	setDevice(c, id, s.logger)
	c.Next()
}

func (s *Server) rateLimited(c *gin.Context) {
	d := s.limiter.Allow(deviceID(c))
	if d.Remaining >= 0 {
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.Allowed {
		secs := int(d.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
		return
	}
	c.Next()
}

func (s *Server) handlePoll(c *gin.Context) {
	batch, err := poll.ParseBatchSize(c.Query("batch_size"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	res, err := s.poll.Poll(c.Request.Context(), poll.Request{
		DeviceID:       deviceID(c),
		BatchSize:      batch,
		IfNoneMatch:    c.GetHeader("If-None-Match"),
		AcceptEncoding: c.GetHeader("Accept-Encoding"),
	})
	if err != nil {
		s.respondDeviceError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("ETag", res.ETag.Header())
	h.Set("X-Poll-Interval", strconv.Itoa(res.IntervalSeconds))
	h.Set("Cache-Control", "no-cache")
	h.Set("Vary", "Accept-Encoding")

	if res.NotModified {
		c.Status(http.StatusNotModified)
		return
	}
	if res.ContentEncoding != "" && res.ContentEncoding != compression.NameIdentity {
		h.Set("Content-Encoding", res.ContentEncoding)
	}
	c.Data(http.StatusOK, "application/json", res.Body)
}

type ackPayload struct {
	ItemIDs []string `json:"item_ids"`
}

// handleAck accepts an envelope sealed with the device's own key whose
// plaintext lists delivered item ids.
func (s *Server) handleAck(c *gin.Context) {
	id := deviceID(c)
	var env envelope.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		respondError(c, http.StatusBadRequest, "invalid envelope", s.logger)
		return
	}

	plaintext, err := s.sealer.Open(c.Request.Context(), id, &env)
	if err != nil {
		s.respondDeviceError(c, err)
		return
	}
	var ack ackPayload
	if err := json.Unmarshal(plaintext, &ack); err != nil {
		respondError(c, http.StatusBadRequest, "invalid acknowledgement", s.logger)
		return
	}
	if len(ack.ItemIDs) > maxAckItems {
		respondError(c, http.StatusBadRequest, "too many item ids", s.logger)
		return
	}

	if err := s.nonceStore.CheckAndStore(c.Request.Context(), id, env.Nonce); err != nil {
		if errors.Is(err, ErrNonceReplay) {
			s.recordSecurityEvent(c, audit.KindReplayDetected, id, "acknowledgement nonce reused")
			respondUnauthorized(c, s.logger)
			return
		}
		s.logError(c, err, "nonce store failed")
		respondError(c, http.StatusInternalServerError, "internal error", s.logger)
		return
	}

	n, err := s.queue.Acknowledge(c.Request.Context(), id, ack.ItemIDs)
	if err != nil {
		s.logError(c, err, "acknowledge failed")
		respondError(c, http.StatusInternalServerError, "internal error", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": n})
}

// respondDeviceError maps poll and envelope errors onto status codes.
func (s *Server) respondDeviceError(c *gin.Context, err error) {
	id := deviceID(c)
	logger := requestLogger(c, s.logger)
	switch {
	case errors.Is(err, poll.ErrInvalidBatchSize), errors.Is(err, poll.ErrInvalidCondition):
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
	case errors.Is(err, keys.ErrKeyRevoked):
		s.recordSecurityEvent(c, audit.KindRevokedAccess, id, "revoked device attempted access")
		respondUnauthorized(c, s.logger)
	case errors.Is(err, keys.ErrKeyExpired):
		s.recordSecurityEvent(c, audit.KindExpiredKey, id, "expired device key")
		respondUnauthorized(c, s.logger)
	case errors.Is(err, envelope.ErrTamperDetected):
		s.recordSecurityEvent(c, audit.KindTamperDetected, id, "envelope failed verification")
		respondUnauthorized(c, s.logger)
	case errors.Is(err, keys.ErrRevocationUnavailable):
		s.recordSecurityEvent(c, audit.KindRevocationUnavailable, id, err.Error())
		c.Header("Retry-After", "5")
		respondError(c, http.StatusServiceUnavailable, "service unavailable", s.logger)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		logger.Warn().Err(err).Msg("request abandoned before completion")
		respondError(c, http.StatusServiceUnavailable, "request timed out", s.logger)
	default:
		logger.Error().Err(err).Msg("poll failed")
		respondError(c, http.StatusInternalServerError, "internal error", s.logger)
	}
}

// recordSecurityEvent audits on a context detached from the request so an
// expiring deadline cannot drop the record.
func (s *Server) recordSecurityEvent(c *gin.Context, kind, id, detail string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 2*time.Second)
	defer cancel()
	s.audit.Record(ctx, audit.Event{
		Kind:      kind,
		DeviceID:  id,
		RequestID: requestID(c),
		RemoteIP:  c.ClientIP(),
		Detail:    detail,
	})
}
