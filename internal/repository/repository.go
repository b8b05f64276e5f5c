package repository

import (
	"context"

	"github.com/m2tx/portfolio_lab/internal/model"
)

// ConversationRepository keeps the chat history of browser sessions. The
// gateway itself is stateless; the HTTP layer owns history through this.
type ConversationRepository interface {
	// Save persists the full history for a given session.
	// Replaces any previously stored history for that sessionID.
	Save(ctx context.Context, sessionID string, history []model.Content) error

	// Append adds turns to the end of the stored history in one atomic step,
	// creating the session if needed. Concurrent appends never drop turns.
	Append(ctx context.Context, sessionID string, turns ...model.Content) error

	// Load retrieves the stored history for a given session.
	// Returns nil, nil if the session does not exist.
	Load(ctx context.Context, sessionID string) ([]model.Content, error)

	// Delete removes the stored history for a given session.
	// Is a no-op if the session does not exist.
	Delete(ctx context.Context, sessionID string) error
}
