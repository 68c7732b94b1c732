package rag

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"char-chat/server/internal/models"
)

type fakeNotes struct {
	notes []models.LoreNote
}

func (f *fakeNotes) LoreNotes(ctx context.Context, userID, characterID string) ([]models.LoreNote, error) {
	return f.notes, nil
}

func (f *fakeNotes) AllLoreNotes(ctx context.Context, afterID string, limit int) ([]models.LoreNote, error) {
	var out []models.LoreNote
	for _, n := range f.notes {
		if n.ID > afterID {
			out = append(out, n)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

type fakeIndex struct {
	hits    []Hit
	written []string
}

func (f *fakeIndex) Search(ctx context.Context, userID, characterID string, vector []float32, limit int) ([]Hit, error) {
	return f.hits, nil
}

func (f *fakeIndex) UpsertNote(ctx context.Context, note *models.LoreNote, vector []float32) error {
	f.written = append(f.written, note.ID)
	return nil
}

func notes(ids ...string) []models.LoreNote {
	out := make([]models.LoreNote, len(ids))
	for i, id := range ids {
		out[i] = models.LoreNote{ID: id, Content: "note " + id}
	}
	return out
}

func ids(ns []models.LoreNote) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func TestLoreRetriever_NewestWithoutIndex(t *testing.T) {
	r := NewLoreRetriever(&fakeNotes{notes: notes("n5", "n4", "n3")})
	got, err := r.RelevantNotes(context.Background(), "u", "c", "anything", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"n5", "n4"}, ids(got))
}

func TestLoreRetriever_RanksByScore(t *testing.T) {
	idx := &fakeIndex{hits: []Hit{{NoteID: "n1", Score: 0.4}, {NoteID: "gone", Score: 0.99}, {NoteID: "n3", Score: 0.8}}}
	r := NewLoreRetriever(&fakeNotes{notes: notes("n5", "n4", "n3", "n2", "n1")}).
		WithVectorSearch(&fakeEmbedder{}, idx)

	got, err := r.RelevantNotes(context.Background(), "u", "c", "the lighthouse", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"n3", "n1", "n5"}, ids(got))
}

func TestLoreRetriever_FallsBackOnEmbedError(t *testing.T) {
	r := NewLoreRetriever(&fakeNotes{notes: notes("n3", "n2", "n1")}).
		WithVectorSearch(&fakeEmbedder{err: errors.New("boom")}, &fakeIndex{})

	got, err := r.RelevantNotes(context.Background(), "u", "c", "query", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n3"}, ids(got))
}

func TestReindex_Pages(t *testing.T) {
	var all []models.LoreNote
	for i := 0; i < 5; i++ {
		all = append(all, models.LoreNote{ID: fmt.Sprintf("n%d", i), Content: "x"})
	}
	idx := &fakeIndex{}
	n, err := Reindex(context.Background(), &fakeNotes{notes: all}, &fakeEmbedder{}, idx, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4"}, idx.written)
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, NormalizeVector([]float32{0, 0}))
}
