package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"char-chat/server/internal/logger"
	"char-chat/server/internal/models"
)

// NoteStore lists a user's active lore notes for a character, newest first.
type NoteStore interface {
	LoreNotes(ctx context.Context, userID, characterID string) ([]models.LoreNote, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorIndex interface {
	Search(ctx context.Context, userID, characterID string, vector []float32, limit int) ([]Hit, error)
}

// LoreRetriever picks the lore notes placed in a prompt. With a vector index
// attached, notes are ranked by similarity to the user's text; otherwise, or
// when the index fails, the newest notes win.
type LoreRetriever struct {
	notes    NoteStore
	embedder Embedder
	index    VectorIndex
	log      *zap.Logger
}

func NewLoreRetriever(notes NoteStore) *LoreRetriever {
	return &LoreRetriever{notes: notes, log: logger.Named("lore")}
}

// WithVectorSearch enables similarity ranking.
func (r *LoreRetriever) WithVectorSearch(embedder Embedder, index VectorIndex) *LoreRetriever {
	r.embedder = embedder
	r.index = index
	return r
}

func (r *LoreRetriever) RelevantNotes(ctx context.Context, userID, characterID, query string, limit int) ([]models.LoreNote, error) {
	notes, err := r.notes.LoreNotes(ctx, userID, characterID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || len(notes) <= limit {
		return notes, nil
	}
	if r.index == nil || r.embedder == nil || strings.TrimSpace(query) == "" {
		return notes[:limit], nil
	}

	ranked, err := r.rank(ctx, userID, characterID, query, notes, limit)
	if err != nil {
		r.log.Warn("lore ranking failed, using newest notes",
			zap.String("user_id", userID),
			zap.String("character_id", characterID),
			zap.Error(err))
		return notes[:limit], nil
	}
	return ranked, nil
}

func (r *LoreRetriever) rank(ctx context.Context, userID, characterID, query string, notes []models.LoreNote, limit int) ([]models.LoreNote, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.index.Search(ctx, userID, characterID, vector, limit)
	if err != nil {
		return nil, err
	}
	return mergeRanked(notes, hits, limit), nil
}

// mergeRanked orders notes by hit score, then fills the remaining slots with
// the newest notes the index did not return. Hits for notes that are no longer
// active are ignored.
func mergeRanked(notes []models.LoreNote, hits []Hit, limit int) []models.LoreNote {
	byID := make(map[string]int, len(notes))
	for i, n := range notes {
		byID[n.ID] = i
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	out := make([]models.LoreNote, 0, limit)
	used := make(map[string]bool, limit)
	for _, h := range hits {
		i, ok := byID[h.NoteID]
		if !ok || used[h.NoteID] {
			continue
		}
		used[h.NoteID] = true
		out = append(out, notes[i])
		if len(out) == limit {
			return out
		}
	}
	for _, n := range notes {
		if used[n.ID] {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out
}

// NotePager pages through every active lore note.
type NotePager interface {
	AllLoreNotes(ctx context.Context, afterID string, limit int) ([]models.LoreNote, error)
}

type VectorWriter interface {
	UpsertNote(ctx context.Context, note *models.LoreNote, vector []float32) error
}

// Reindex embeds every active note and writes it to the index. It returns the
// number of notes indexed.
func Reindex(ctx context.Context, pager NotePager, embedder Embedder, writer VectorWriter, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	total := 0
	after := ""
	for {
		page, err := pager.AllLoreNotes(ctx, after, pageSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}

		texts := make([]string, len(page))
		for i, n := range page {
			texts[i] = noteText(n)
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("failed to embed lore notes: %w", err)
		}
		for i := range page {
			if err := writer.UpsertNote(ctx, &page[i], vectors[i]); err != nil {
				return total, err
			}
			total++
		}
		after = page[len(page)-1].ID
		if len(page) < pageSize {
			return total, nil
		}
	}
}

func noteText(n models.LoreNote) string {
	if n.Title == "" {
		return n.Content
	}
	return n.Title + "\n" + n.Content
}
