package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// maxReadFileBytes caps the read-file endpoint. The sidebar shows
	// sources and configs, not disk images.
	maxReadFileBytes = 10 << 20

	// maxTranscribeBytes caps one voice clip upload.
	maxTranscribeBytes = 4 << 20
)

type readFileRequest struct {
	Path string `json:"path"`
}

// handleReadFile returns the content of a local file so the UI can render
// files the agent talks about. Only absolute paths to regular files owned
// by the daemon's user are served.
func (s *Server) handleReadFile(c *gin.Context) {
	var body readFileRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	path := filepath.Clean(body.Path)
	if !filepath.IsAbs(path) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path must be absolute"})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if !info.Mode().IsRegular() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a regular file"})
		return
	}
	if !ownedByCurrentUser(info) {
		c.JSON(http.StatusForbidden, gin.H{"error": "file is not owned by the daemon user"})
		return
	}
	if info.Size() > maxReadFileBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("failed to read file", zap.String("path", path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "file not readable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "content": string(content)})
}

func ownedByCurrentUser(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return int(st.Uid) == os.Getuid()
}

// handleTranscribe forwards a voice clip to the configured speech-to-text
// service and returns the text. Disabled when no service is configured.
func (s *Server) handleTranscribe(c *gin.Context) {
	if s.cfg.API.STTProxyURL == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transcription is not configured"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxTranscribeBytes)
	file, header, err := c.Request.FormFile("audio")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio exceeds the 4 MB limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form needs an audio file"})
		return
	}
	defer file.Close()

	text, err := s.proxyTranscription(c.Request.Context(), file, header)
	if err != nil {
		s.logger.Error("transcription failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "transcription failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

func (s *Server) proxyTranscription(ctx context.Context, file multipart.File, header *multipart.FileHeader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", header.Filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.API.STTProxyURL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if s.cfg.API.STTAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.API.STTAPIKey)
	}

	resp, err := s.stt.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("stt service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("stt service sent invalid JSON: %w", err)
	}
	return out.Text, nil
}
