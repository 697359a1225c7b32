package tokenservice

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/config"
	"github.com/mikeyg42/callsession/internal/logging"
)

// maxBodyBytes bounds a token request body.
const maxBodyBytes = 16 * 1024

// TokenRequest is the body of POST /token.
type TokenRequest struct {
	Room     string `json:"room" binding:"required"`
	Identity string `json:"identity" binding:"required"`
	Name     string `json:"name"`
}

type TokenResponse struct {
	JWT string `json:"jwt"`
}

// Server serves the token endpoint.
type Server struct {
	issuer  *Issuer
	limiter *RateLimiter
	engine  *gin.Engine
	logger  *zap.Logger
}

func New(cfg config.TokenServiceConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	issuer, err := NewIssuer(cfg.APIKey, cfg.APISecret, cfg.TTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		issuer: issuer,
		engine: gin.New(),
		logger: logging.OrNop(logger).Named("token-service"),
	}
	s.engine.Use(gin.Recovery(), s.logRequests())
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		s.engine.Use(s.limiter.Middleware())
	}

	s.engine.POST("/token", s.handleToken)
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Issuer() *Issuer {
	return s.issuer
}

func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

func (s *Server) handleToken(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room and identity are required"})
		return
	}
	req.Room = strings.TrimSpace(req.Room)
	req.Identity = strings.TrimSpace(req.Identity)
	if req.Room == "" || req.Identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room and identity are required"})
		return
	}

	token, exp, err := s.issuer.Issue(req.Room, req.Identity, req.Name)
	if err != nil {
		s.logger.Error("failed to issue token", zap.String("room", req.Room), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	s.logger.Info("issued token",
		zap.String("room", req.Room),
		zap.String("identity", req.Identity),
		zap.Bool("bearer", strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ")),
		zap.Time("expires", exp))
	c.JSON(http.StatusOK, TokenResponse{JWT: token})
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
