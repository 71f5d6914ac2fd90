package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/pkg/wire"
)

const transcriptExt = ".jsonl"

// Scanner limits match the runtime stream reader: single events can carry
// large tool output.
const (
	transcriptInitialBuf = 64 * 1024
	transcriptMaxBuf     = 10 * 1024 * 1024
)

func (s *Store) transcriptPath(agentID string) string {
	return filepath.Join(s.root, sessionsDir, agentID+transcriptExt)
}

// AppendTranscript appends one event to its agent's session transcript.
// The file handle stays open across appends.
func (s *Store) AppendTranscript(ev wire.Event) error {
	if err := safeName(ev.AgentID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.transcripts[ev.AgentID]
	if !ok {
		var err error
		f, err = os.OpenFile(s.transcriptPath(ev.AgentID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, regularPerm)
		if err != nil {
			return fmt.Errorf("failed to open transcript: %w", err)
		}
		s.transcripts[ev.AgentID] = f
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append transcript: %w", err)
	}
	return nil
}

// LoadTranscript reads an agent's transcript, returning at most the last
// limit events (all of them when limit <= 0). Unparseable lines are
// skipped; a half-written trailing line from a crash must not block boot.
func (s *Store) LoadTranscript(agentID string, limit int) ([]wire.Event, error) {
	if err := safeName(agentID); err != nil {
		return nil, err
	}

	f, err := os.Open(s.transcriptPath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return []wire.Event{}, nil
		}
		return nil, err
	}
	defer f.Close()

	events := []wire.Event{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, transcriptInitialBuf), transcriptMaxBuf)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev wire.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("skipping malformed transcript line",
				zap.String("agent_id", agentID),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// ResetTranscript truncates an agent's transcript, keeping the file.
func (s *Store) ResetTranscript(agentID string) error {
	if err := safeName(agentID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.transcripts[agentID]; ok {
		_ = f.Close()
		delete(s.transcripts, agentID)
	}
	if err := os.Truncate(s.transcriptPath(agentID), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reset transcript: %w", err)
	}
	return nil
}

// RemoveTranscript deletes an agent's transcript file entirely.
func (s *Store) RemoveTranscript(agentID string) error {
	if err := safeName(agentID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.transcripts[agentID]; ok {
		_ = f.Close()
		delete(s.transcripts, agentID)
	}
	if err := os.Remove(s.transcriptPath(agentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove transcript: %w", err)
	}
	return nil
}

// ListTranscriptIDs returns the agent ids that have a persisted transcript.
func (s *Store) ListTranscriptIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sessionsDir))
	if err != nil {
		return nil, err
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, transcriptExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, transcriptExt))
	}
	return ids, nil
}
