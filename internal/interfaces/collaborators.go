package interfaces

import (
	"context"

	"char-chat/server/internal/models"
)

// PersonaSource resolves the persona a user presents in a room mode.
// A nil persona with a nil error means the user has none for that scope.
type PersonaSource interface {
	ActivePersona(ctx context.Context, userID string, mode models.RoomMode) (*models.Persona, error)
}

// LoreSource returns the user's lore notes about a character, most relevant
// to query first.
type LoreSource interface {
	RelevantNotes(ctx context.Context, userID, characterID, query string, limit int) ([]models.LoreNote, error)
}

// ChapterSource reads origin-work chapters and their summaries.
type ChapterSource interface {
	Chapter(ctx context.Context, workID string, no int) (*models.Chapter, error)
	Summary(ctx context.Context, workID string, no int) (*models.ChapterSummary, error)
	Summaries(ctx context.Context, workID string, from, to int) ([]models.ChapterSummary, error)
}

// CardCache stores relationship cards by (work, character, anchor chapter).
type CardCache interface {
	Get(ctx context.Context, workID, characterID string, anchor int) (string, bool, error)
	Set(ctx context.Context, workID, characterID string, anchor int, card string) error
}
