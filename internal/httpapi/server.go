// Package httpapi serves the daemon's REST sidecar: health, local file
// reads, voice transcription and the integration settings the web UI
// manages. The WebSocket gateway carries the conversation itself; this
// API covers everything around it.
package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/bridge"
	"github.com/middlemanhq/middleman/internal/common/config"
	"github.com/middlemanhq/middleman/internal/common/httpmw"
	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/state"
)

// Server wires the REST routes to the daemon's state and bridges.
type Server struct {
	cfg     *config.Config
	store   *state.Store
	bridges *bridge.Supervisor
	version string
	logger  *logger.Logger

	stt *http.Client
}

func NewServer(cfg *config.Config, store *state.Store, bridges *bridge.Supervisor, version string, log *logger.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		bridges: bridges,
		version: version,
		logger:  log.WithFields(zap.String("component", "httpapi")),
		stt:     &http.Client{Timeout: cfg.API.STTTimeout()},
	}
}

// RegisterRoutes mounts the REST endpoints on the shared router. Health
// stays open; everything else requires the local bearer token.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/health", s.handleHealth)

	api := router.Group("/api")
	api.Use(httpmw.RequestLogger(s.logger, "httpapi"))
	api.Use(httpmw.OtelTracing("middleman-api"))
	api.Use(s.requireAuth)

	api.POST("/read-file", s.handleReadFile)
	api.POST("/transcribe", s.handleTranscribe)

	api.GET("/managers/:managerId/integrations/slack", s.handleGetSlack)
	api.POST("/managers/:managerId/integrations/slack", s.handleConfigureSlack)
	api.PUT("/managers/:managerId/integrations/slack", s.handleConfigureSlack)
	api.DELETE("/managers/:managerId/integrations/slack", s.handleDeleteSlack)

	api.GET("/managers/:managerId/integrations/telegram", s.handleGetTelegram)
	api.POST("/managers/:managerId/integrations/telegram", s.handleConfigureTelegram)
	api.PUT("/managers/:managerId/integrations/telegram", s.handleConfigureTelegram)
	api.DELETE("/managers/:managerId/integrations/telegram", s.handleDeleteTelegram)

	api.GET("/integrations/gsuite", s.handleGetGSuite)
	api.POST("/integrations/gsuite", s.handleConfigureGSuite)
	api.PUT("/integrations/gsuite", s.handleConfigureGSuite)
	api.DELETE("/integrations/gsuite", s.handleDeleteGSuite)

	api.GET("/settings/env", s.handleListEnvSets)
	api.GET("/settings/env/:name", s.handleGetEnvSet)
	api.POST("/settings/env/:name", s.handleSaveEnvSet)
	api.PUT("/settings/env/:name", s.handleSaveEnvSet)
	api.DELETE("/settings/env/:name", s.handleDeleteEnvSet)

	api.GET("/settings/auth", s.handleGetAuth)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "middleman",
		"version": s.version,
	})
}

// requireAuth checks the bearer token against the stored one. The token
// is re-read per request so a token replaced on disk takes effect without
// a restart.
func (s *Server) requireAuth(c *gin.Context) {
	expected, err := s.store.AuthToken()
	if err != nil {
		s.logger.Error("failed to load auth token", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth unavailable"})
		return
	}
	token := bearerToken(c.Request)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// settingsResponse is the {config, status} pair every settings and
// integration endpoint returns.
type settingsResponse struct {
	Config interface{}    `json:"config"`
	Status settingsStatus `json:"status"`
}

type settingsStatus struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// storedStatus is the status of settings the daemon only stores, with no
// live connection behind them.
func storedStatus(configured bool) settingsStatus {
	if configured {
		return settingsStatus{State: "configured"}
	}
	return settingsStatus{State: "disabled"}
}
