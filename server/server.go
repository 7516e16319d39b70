package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/signalpoll/pkg/audit"
	"github.com/haasonsaas/signalpoll/pkg/auth"
	"github.com/haasonsaas/signalpoll/pkg/backoff"
	"github.com/haasonsaas/signalpoll/pkg/envelope"
	"github.com/haasonsaas/signalpoll/pkg/keys"
	"github.com/haasonsaas/signalpoll/pkg/poll"
	"github.com/haasonsaas/signalpoll/pkg/queue"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// TokenIssuer mints device tokens for the admin API.
type TokenIssuer interface {
	Mint(deviceID string) (string, error)
}

type Server struct {
	db          *gorm.DB
	logger      zerolog.Logger
	poll        *poll.Service
	keys        *keys.Manager
	sealer      *envelope.Sealer
	backoff     *backoff.Controller
	queue       *queue.Store
	audit       *audit.DBRecorder
	auth        auth.Authenticator
	tokens      TokenIssuer
	nonceStore  *NonceStore
	limiter     *PollLimiter

	adminToken     string
	requestTimeout time.Duration
	storeMode      string
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger), withTimeout(s.requestTimeout))

	r.GET("/v1/health", s.handleHealth)

	device := r.Group("/v1/poll", s.requireDevice, s.rateLimited)
	device.GET("", s.handlePoll)
	device.POST("/ack", s.handleAck)

	s.registerAdminRoutes(r)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"store":             s.storeMode,
		"throttled_devices": s.limiter.Tracked(),
		"time":              time.Now().UTC(),
	})
}
