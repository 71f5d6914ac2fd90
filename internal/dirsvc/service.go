// Package dirsvc answers the directory RPCs used by the manager creation
// flow: listing candidate working directories, validating a chosen path
// and invoking an external directory picker.
package dirsvc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// Service resolves and inspects directories on the daemon host.
type Service struct {
	logger        *logger.Logger
	pickerCommand string
}

// NewService builds the directory service. pickerCommand may be empty, in
// which case Pick always reports cancelled.
func NewService(pickerCommand string, log *logger.Logger) *Service {
	return &Service{
		logger:        log.WithFields(zap.String("component", "dirsvc")),
		pickerCommand: pickerCommand,
	}
}

// expand resolves an empty path to the home directory and a leading ~ to
// the home directory prefix.
func expand(path string) (string, error) {
	if path == "" || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// List returns the visible subdirectories of path, or of the home
// directory when path is empty. Dotfile directories are skipped.
func (s *Service) List(path string) (string, []wire.DirectoryEntry, error) {
	resolved, err := expand(path)
	if err != nil {
		return "", nil, wire.NewProtocolError(wire.ErrorCodeInvalidDirectory, err.Error())
	}
	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return "", nil, wire.NewProtocolError(wire.ErrorCodeInvalidDirectory,
			fmt.Sprintf("cannot list %s: %v", resolved, err))
	}

	entries := make([]wire.DirectoryEntry, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		entries = append(entries, wire.DirectoryEntry{
			Name: d.Name(),
			Path: filepath.Join(resolved, d.Name()),
		})
	}
	return resolved, entries, nil
}

// Validate checks that a path exists, is a directory and is readable.
// The reason is empty when the path is valid.
func (s *Service) Validate(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "path is empty"
	}
	resolved, err := expand(path)
	if err != nil {
		return false, err.Error()
	}
	if !filepath.IsAbs(resolved) {
		return false, "path must be absolute"
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "path does not exist"
		}
		return false, fmt.Sprintf("cannot stat path: %v", err)
	}
	if !info.IsDir() {
		return false, "path is not a directory"
	}
	if _, err := os.ReadDir(resolved); err != nil {
		return false, "directory is not readable"
	}
	return true, ""
}

// Pick runs the configured picker command and returns the path it prints.
// With no command configured, or when the command exits non-zero or
// prints nothing, the pick is reported as cancelled.
func (s *Service) Pick(ctx context.Context, defaultPath string) (string, bool) {
	if s.pickerCommand == "" {
		return "", true
	}

	parts := strings.Fields(s.pickerCommand)
	args := parts[1:]
	if defaultPath != "" {
		args = append(args, defaultPath)
	}
	out, err := exec.CommandContext(ctx, parts[0], args...).Output()
	if err != nil {
		s.logger.Debug("directory picker did not return a path", zap.Error(err))
		return "", true
	}
	chosen := strings.TrimSpace(string(out))
	if chosen == "" {
		return "", true
	}
	return chosen, false
}
