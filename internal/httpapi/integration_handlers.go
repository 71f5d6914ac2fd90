package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/bridge"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// integrationStatus folds a bridge connection state into the REST status
// shape shared with the stored-only settings.
func integrationStatus(st wire.IntegrationState, detail string) settingsStatus {
	return settingsStatus{State: string(st), Detail: detail}
}

// writeConfigureError distinguishes rejected profiles (missing tokens) from
// persistence failures so the UI can show a form error instead of a toast.
func (s *Server) writeConfigureError(c *gin.Context, channel string, err error) {
	var perr *wire.ProtocolError
	if errors.As(err, &perr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": perr.Message, "code": perr.Code})
		return
	}
	s.logger.Error("failed to configure integration",
		zap.String("channel", channel), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save configuration"})
}

func (s *Server) handleGetSlack(c *gin.Context) {
	managerID := c.Param("managerId")
	profile, st, detail := s.bridges.SlackSettings(managerID)
	c.JSON(http.StatusOK, settingsResponse{Config: profile, Status: integrationStatus(st, detail)})
}

func (s *Server) handleConfigureSlack(c *gin.Context) {
	managerID := c.Param("managerId")
	var profile bridge.SlackProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	masked, err := s.bridges.ConfigureSlack(managerID, profile)
	if err != nil {
		s.writeConfigureError(c, "slack", err)
		return
	}
	_, st, detail := s.bridges.SlackSettings(managerID)
	c.JSON(http.StatusOK, settingsResponse{Config: masked, Status: integrationStatus(st, detail)})
}

func (s *Server) handleDeleteSlack(c *gin.Context) {
	managerID := c.Param("managerId")
	if err := s.bridges.DeleteSlack(managerID); err != nil {
		s.logger.Error("failed to delete slack profile",
			zap.String("manager_id", managerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleGetTelegram(c *gin.Context) {
	managerID := c.Param("managerId")
	profile, st, detail := s.bridges.TelegramSettings(managerID)
	c.JSON(http.StatusOK, settingsResponse{Config: profile, Status: integrationStatus(st, detail)})
}

func (s *Server) handleConfigureTelegram(c *gin.Context) {
	managerID := c.Param("managerId")
	var profile bridge.TelegramProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	masked, err := s.bridges.ConfigureTelegram(managerID, profile)
	if err != nil {
		s.writeConfigureError(c, "telegram", err)
		return
	}
	_, st, detail := s.bridges.TelegramSettings(managerID)
	c.JSON(http.StatusOK, settingsResponse{Config: masked, Status: integrationStatus(st, detail)})
}

func (s *Server) handleDeleteTelegram(c *gin.Context) {
	managerID := c.Param("managerId")
	if err := s.bridges.DeleteTelegram(managerID); err != nil {
		s.logger.Error("failed to delete telegram profile",
			zap.String("manager_id", managerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleGetGSuite(c *gin.Context) {
	cfg := s.bridges.GSuiteSettings()
	c.JSON(http.StatusOK, settingsResponse{Config: cfg, Status: storedStatus(cfg.Enabled)})
}

func (s *Server) handleConfigureGSuite(c *gin.Context) {
	var cfg bridge.GSuiteConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	masked, err := s.bridges.ConfigureGSuite(cfg)
	if err != nil {
		s.writeConfigureError(c, "gsuite", err)
		return
	}
	c.JSON(http.StatusOK, settingsResponse{Config: masked, Status: storedStatus(masked.Enabled)})
}

func (s *Server) handleDeleteGSuite(c *gin.Context) {
	if err := s.bridges.DeleteGSuite(); err != nil {
		s.logger.Error("failed to delete gsuite config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete configuration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleListEnvSets(c *gin.Context) {
	names, err := s.store.ListEnvNames()
	if err != nil {
		s.logger.Error("failed to list env sets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list env sets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"names": names})
}

func (s *Server) handleGetEnvSet(c *gin.Context) {
	name := c.Param("name")
	vars, err := s.store.LoadEnv(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid env set name"})
		return
	}
	c.JSON(http.StatusOK, settingsResponse{Config: vars, Status: storedStatus(len(vars) > 0)})
}

func (s *Server) handleSaveEnvSet(c *gin.Context) {
	name := c.Param("name")
	var vars map[string]string
	if err := c.ShouldBindJSON(&vars); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := s.store.SaveEnv(name, vars); err != nil {
		s.logger.Error("failed to save env set", zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to save env set"})
		return
	}
	c.JSON(http.StatusOK, settingsResponse{Config: vars, Status: storedStatus(len(vars) > 0)})
}

func (s *Server) handleDeleteEnvSet(c *gin.Context) {
	name := c.Param("name")
	if err := s.store.DeleteEnv(name); err != nil {
		s.logger.Error("failed to delete env set", zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to delete env set"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleGetAuth reports where the local token lives and a short preview,
// enough for the UI to point users at the file without ever serving the
// token itself.
func (s *Server) handleGetAuth(c *gin.Context) {
	token, err := s.store.AuthToken()
	if err != nil {
		s.logger.Error("failed to load auth token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auth unavailable"})
		return
	}
	c.JSON(http.StatusOK, settingsResponse{
		Config: gin.H{"path": s.store.AuthPath(), "tokenPreview": tokenPreview(token)},
		Status: settingsStatus{State: "configured"},
	})
}

// tokenPreview reduces a token to its last four characters, mirroring how
// integration secrets are masked.
func tokenPreview(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
