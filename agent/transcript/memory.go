package transcript

import (
	"context"
	"slices"
	"sync"

	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

// MemoryStore keeps transcripts for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]contractx.Turn
	audit []contractx.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]contractx.Turn)}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, turn contractx.Turn) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	turn.ToolCalls = slices.Clone(turn.ToolCalls)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) ([]contractx.Turn, error) {
	if err := validSession(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.turns[sessionID]
	out := make([]contractx.Turn, len(stored))
	for i, turn := range stored {
		turn.ToolCalls = slices.Clone(turn.ToolCalls)
		out[i] = turn
	}
	return out, nil
}

func (s *MemoryStore) RecordAudit(_ context.Context, entry contractx.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// AuditLog returns the entries recorded for sessionID in insertion order.
func (s *MemoryStore) AuditLog(_ context.Context, sessionID string) ([]contractx.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contractx.AuditEntry
	for _, e := range s.audit {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
