// Package state persists the daemon's durable data under the swarm data
// directory: the agent registry, per-agent session transcripts, the local
// auth token and integration settings. All JSON writes go through an
// atomic temp-then-rename path so a crash never leaves a torn file.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
)

const (
	authDir         = "auth"
	sessionsDir     = "sessions"
	integrationsDir = "integrations"
	envDir          = "env"

	authFile    = "auth.json"
	agentsFile  = "agents.json"
	secretPerm  = os.FileMode(0o600)
	regularPerm = os.FileMode(0o644)
)

// Store owns the swarm data directory.
type Store struct {
	root   string
	logger *logger.Logger

	mu          sync.Mutex
	transcripts map[string]*os.File
}

// NewStore opens the data directory at root, creating the layout when it
// does not exist yet.
func NewStore(root string, log *logger.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("data directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	for dir, perm := range map[string]os.FileMode{
		authDir:         0o700,
		sessionsDir:     0o755,
		integrationsDir: 0o755,
		envDir:          0o700,
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), perm); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &Store{
		root:        root,
		logger:      log.WithFields(zap.String("component", "state-store")),
		transcripts: make(map[string]*os.File),
	}, nil
}

// Root returns the data directory path.
func (s *Store) Root() string {
	return s.root
}

// Close releases open transcript handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.transcripts {
		_ = f.Close()
		delete(s.transcripts, id)
	}
	return nil
}

// writeAtomic writes data to path via a temp file in the same directory,
// fsyncs it, then renames it into place.
func (s *Store) writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// saveJSON marshals v indented and writes it atomically.
func (s *Store) saveJSON(path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.writeAtomic(path, data, perm)
}

// loadJSON reads path into v. Returns false without error when the file
// does not exist.
func (s *Store) loadJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

type authRecord struct {
	Token string `json:"token"`
}

// AuthToken returns the local API token, generating and persisting one on
// first use. The auth file is private to the user.
func (s *Store) AuthToken() (string, error) {
	path := filepath.Join(s.root, authDir, authFile)

	var rec authRecord
	ok, err := s.loadJSON(path, &rec)
	if err != nil {
		return "", err
	}
	if ok && rec.Token != "" {
		return rec.Token, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate auth token: %w", err)
	}
	rec.Token = hex.EncodeToString(raw)
	if err := s.saveJSON(path, rec, secretPerm); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	s.logger.Info("generated new auth token", zap.String("path", path))
	return rec.Token, nil
}

// AuthPath returns the location of the auth token file.
func (s *Store) AuthPath() string {
	return filepath.Join(s.root, authDir, authFile)
}

// safeName rejects identifiers that would escape the data directory when
// used as file names.
func safeName(id string) error {
	if id == "" || id == "." || !filepath.IsLocal(id) || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid identifier %q", id)
	}
	return nil
}
