package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	deviceIDContextKey      = "device_id"
	requestIDHeader         = "X-Request-ID"
	maxRequestIDLen         = 64
)

const tracerName = "github.com/haasonsaas/signalpoll/server"

// errorResponse is the body of every non-2xx JSON answer.
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// withRequestContext assigns the request id, opens the server span and writes
// one access log line per request. Successful polls log at debug level since
// every device produces one per interval.
func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := inboundRequestID(c.GetHeader(requestIDHeader))
		c.Set(requestIDContextKey, reqID)
		c.Header(requestIDHeader, reqID)

		route := c.FullPath()
		logger := base.With().Str("request_id", reqID).Str("method", c.Request.Method).Str("path", route).Logger()
		c.Set(requestLoggerContextKey, logger)

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("request.id", reqID),
			))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		reqLogger := requestLogger(c, logger)
		event := reqLogger.Debug()
		if status >= http.StatusBadRequest && status != http.StatusTooManyRequests {
			event = reqLogger.Info()
		}
		event = event.Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes", max(c.Writer.Size(), 0))
		if interval, err := strconv.Atoi(c.Writer.Header().Get("X-Poll-Interval")); err == nil {
			event = event.Int("interval_s", interval)
		}
		if enc := c.Writer.Header().Get("Content-Encoding"); enc != "" {
			event = event.Str("encoding", enc)
		}
		event.Msg("request")
	}
}

// inboundRequestID keeps a caller-supplied id only when it is short and
// printable ASCII; it ends up in logs and response headers.
func inboundRequestID(raw string) string {
	if raw == "" || len(raw) > maxRequestIDLen {
		return xid.New().String()
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] <= ' ' || raw[i] > '~' {
			return xid.New().String()
		}
	}
	return raw
}

// withTimeout bounds the whole request. Handlers see the deadline through
// c.Request.Context().
func withTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// setDevice binds the authenticated device to the request logger and span.
func setDevice(c *gin.Context, id string, fallback zerolog.Logger) {
	c.Set(deviceIDContextKey, id)
	logger := requestLogger(c, fallback).With().Str("device_id", id).Logger()
	c.Set(requestLoggerContextKey, logger)
	trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("device.id", id))
}

func deviceID(c *gin.Context) string {
	return c.GetString(deviceIDContextKey)
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return logger
		}
	}
	return fallback
}

// logError logs an internal failure on the request logger.
func (s *Server) logError(c *gin.Context, err error, msg string) {
	logger := requestLogger(c, s.logger)
	logger.Error().Err(err).Msg(msg)
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDContextKey)
}

// respondError aborts with a JSON error body. 5xx answers are logged at error
// level and marked on the span; everything else is a warning.
func respondError(c *gin.Context, status int, message string, fallback zerolog.Logger) {
	logger := requestLogger(c, fallback)
	span := trace.SpanFromContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Int("status", status).Msg(message)
		span.RecordError(errors.New(message))
	} else {
		logger.Warn().Int("status", status).Msg(message)
	}
	span.AddEvent("http.error", trace.WithAttributes(
		attribute.Int("http.status_code", status),
		attribute.String("error.message", message),
	))
	c.AbortWithStatusJSON(status, errorResponse{Error: message, RequestID: requestID(c)})
}

// respondUnauthorized sends the one response used for every security
// failure, so callers cannot tell which check rejected them.
func respondUnauthorized(c *gin.Context, fallback zerolog.Logger) {
	respondError(c, http.StatusUnauthorized, "unauthorized", fallback)
}
