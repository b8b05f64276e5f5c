package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/m2tx/portfolio_lab/internal/model"
)

// MemoryConversationRepository keeps conversations in process memory. It is
// used when no MongoDB URI is configured.
type MemoryConversationRepository struct {
	mu       sync.RWMutex
	sessions map[string][]model.Content
}

func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{sessions: make(map[string][]model.Content)}
}

func (r *MemoryConversationRepository) Save(ctx context.Context, sessionID string, history []model.Content) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = cloneHistory(history)
	return nil
}

func (r *MemoryConversationRepository) Append(ctx context.Context, sessionID string, turns ...model.Content) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = append(r.sessions[sessionID], cloneHistory(turns)...)
	return nil
}

func (r *MemoryConversationRepository) Load(ctx context.Context, sessionID string) ([]model.Content, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return cloneHistory(history), nil
}

func (r *MemoryConversationRepository) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

func cloneHistory(history []model.Content) []model.Content {
	out := make([]model.Content, len(history))
	for i, c := range history {
		out[i] = model.Content{Role: c.Role, Parts: slices.Clone(c.Parts)}
	}
	return out
}
