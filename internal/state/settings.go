package state

import (
	"os"
	"path/filepath"
	"strings"
)

// SaveIntegration persists one integration's settings, for example
// integrations/slack.json.
func (s *Store) SaveIntegration(name string, v interface{}) error {
	if err := safeName(name); err != nil {
		return err
	}
	return s.saveJSON(filepath.Join(s.root, integrationsDir, name+".json"), v, regularPerm)
}

// LoadIntegration reads one integration's settings into v. Returns false
// when no settings have been saved yet.
func (s *Store) LoadIntegration(name string, v interface{}) (bool, error) {
	if err := safeName(name); err != nil {
		return false, err
	}
	return s.loadJSON(filepath.Join(s.root, integrationsDir, name+".json"), v)
}

// DeleteIntegration removes one integration's settings.
func (s *Store) DeleteIntegration(name string) error {
	if err := safeName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, integrationsDir, name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SaveEnv persists a named environment variable set. Env files can hold
// API keys, so they are written user-only.
func (s *Store) SaveEnv(name string, vars map[string]string) error {
	if err := safeName(name); err != nil {
		return err
	}
	if vars == nil {
		vars = map[string]string{}
	}
	return s.saveJSON(filepath.Join(s.root, envDir, name+".json"), vars, secretPerm)
}

// LoadEnv reads a named environment variable set, empty when absent.
func (s *Store) LoadEnv(name string) (map[string]string, error) {
	if err := safeName(name); err != nil {
		return nil, err
	}
	vars := map[string]string{}
	if _, err := s.loadJSON(filepath.Join(s.root, envDir, name+".json"), &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// DeleteEnv removes a named environment variable set.
func (s *Store) DeleteEnv(name string) error {
	if err := safeName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, envDir, name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListEnvNames returns the names of all persisted env sets.
func (s *Store) ListEnvNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, envDir))
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}
