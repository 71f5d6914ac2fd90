package state

import (
	"path/filepath"

	"github.com/middlemanhq/middleman/pkg/wire"
)

// SaveAgents persists the agent registry. Called after every registry
// mutation so restart-on-boot sees the latest shape of the swarm.
func (s *Store) SaveAgents(agents []wire.AgentDescriptor) error {
	if agents == nil {
		agents = []wire.AgentDescriptor{}
	}
	return s.saveJSON(filepath.Join(s.root, agentsFile), agents, regularPerm)
}

// LoadAgents returns the persisted registry, empty when none exists.
func (s *Store) LoadAgents() ([]wire.AgentDescriptor, error) {
	var agents []wire.AgentDescriptor
	ok, err := s.loadJSON(filepath.Join(s.root, agentsFile), &agents)
	if err != nil {
		return nil, err
	}
	if !ok || agents == nil {
		return []wire.AgentDescriptor{}, nil
	}
	return agents, nil
}
