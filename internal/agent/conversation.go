// File: internal/agent/conversation.go
package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// ConversationStore is the append-only message log sent to the decision
// service. Turn 0 is always the system prompt. Every append rewrites the
// whole log to disk so a restart resumes with full memory.
type ConversationStore struct {
	mu     sync.RWMutex
	turns  []ConversationTurn
	path   string
	logger *zap.Logger
}

// NewConversationStore starts a log holding only the system prompt. An empty
// path disables persistence.
func NewConversationStore(path, systemPrompt string, logger *zap.Logger) *ConversationStore {
	return &ConversationStore{
		turns:  []ConversationTurn{{Role: RoleSystem, Content: systemPrompt}},
		path:   path,
		logger: logger.Named("conversation"),
	}
}

// Load replaces the in-memory log with the persisted one when the file exists
// and starts with a system turn. Unusable files are ignored with a warning.
func (s *ConversationStore) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		s.logger.Warn("Could not read conversation memory, starting fresh", zap.String("path", s.path), zap.Error(err))
		return nil
	}

	var saved []ConversationTurn
	if err := json.Unmarshal(data, &saved); err != nil {
		s.logger.Warn("Conversation memory is corrupt, starting fresh", zap.String("path", s.path), zap.Error(err))
		return nil
	}
	if len(saved) == 0 || saved[0].Role != RoleSystem {
		s.logger.Warn("Conversation memory does not start with a system turn, ignoring", zap.String("path", s.path))
		return nil
	}

	s.mu.Lock()
	s.turns = saved
	s.mu.Unlock()
	s.logger.Info("Loaded conversation memory", zap.Int("messages", len(saved)), zap.String("path", s.path))
	return nil
}

// Append adds a turn and persists the full history. The turn is kept in
// memory even if persisting fails.
func (s *ConversationStore) Append(turn ConversationTurn) error {
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	snapshot := make([]ConversationTurn, len(s.turns))
	copy(snapshot, s.turns)
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		s.logger.Error("Failed to persist conversation memory", zap.String("path", s.path), zap.Error(err))
		return err
	}
	return nil
}

// Reset truncates the log back to the system prompt and persists it.
func (s *ConversationStore) Reset() error {
	s.mu.Lock()
	s.turns = s.turns[:1:1]
	snapshot := []ConversationTurn{s.turns[0]}
	s.mu.Unlock()
	return s.persist(snapshot)
}

// Turns returns a copy of the full history.
func (s *ConversationStore) Turns() []ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationTurn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Window returns the system turn followed by the last n turns. n <= 0, or a
// window larger than the history, returns everything.
func (s *ConversationStore) Window(n int) []ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n >= len(s.turns)-1 {
		out := make([]ConversationTurn, len(s.turns))
		copy(out, s.turns)
		return out
	}
	out := make([]ConversationTurn, 0, n+1)
	out = append(out, s.turns[0])
	out = append(out, s.turns[len(s.turns)-n:]...)
	return out
}

// Len returns the number of turns, including the system prompt.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Path is where the log is persisted.
func (s *ConversationStore) Path() string { return s.path }

func (s *ConversationStore) persist(turns []ConversationTurn) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
