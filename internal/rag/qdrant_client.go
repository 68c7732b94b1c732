package rag

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"char-chat/server/internal/config"
	"char-chat/server/internal/models"
)

// Hit is one scored lore note from a vector search.
type Hit struct {
	NoteID string
	Score  float32
}

// pointNamespace derives stable qdrant point ids from lore note ids.
var pointNamespace = uuid.MustParse("5b7c9f3e-2a41-4d8e-9c6a-0f1e2d3c4b5a")

// LoreIndex keeps one qdrant point per lore note, filtered by owner and character.
type LoreIndex struct {
	client     *qdrant.Client
	collection string
	vectorSize uint64
}

func NewLoreIndex(cfg config.QdrantConfig) (*LoreIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &LoreIndex{
		client:     client,
		collection: cfg.Collection,
		vectorSize: uint64(cfg.VectorSize),
	}, nil
}

// EnsureCollection creates the lore collection when it does not exist yet.
func (x *LoreIndex) EnsureCollection(ctx context.Context) error {
	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("failed to check qdrant collection: %w", err)
	}
	if exists {
		return nil
	}
	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     x.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create qdrant collection: %w", err)
	}
	return nil
}

func pointID(noteID string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(pointNamespace, []byte(noteID)).String())
}

// UpsertNote stores or replaces the vector of one note.
func (x *LoreIndex) UpsertNote(ctx context.Context, note *models.LoreNote, vector []float32) error {
	wait := true
	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      pointID(note.ID),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"note_id":      note.ID,
				"user_id":      note.UserID,
				"character_id": note.CharacterID,
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert lore note %s: %w", note.ID, err)
	}
	return nil
}

// Search returns the notes of (userID, characterID) closest to vector.
func (x *LoreIndex) Search(ctx context.Context, userID, characterID string, vector []float32, limit int) ([]Hit, error) {
	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("user_id", userID),
				qdrant.NewMatch("character_id", characterID),
			},
		},
		Limit:       qdrant.PtrOf(uint64(limit)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search lore notes: %w", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		v, ok := p.GetPayload()["note_id"]
		if !ok {
			continue
		}
		hits = append(hits, Hit{NoteID: v.GetStringValue(), Score: p.GetScore()})
	}
	return hits, nil
}

func (x *LoreIndex) DeleteNote(ctx context.Context, noteID string) error {
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Points:         qdrant.NewPointsSelector(pointID(noteID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete lore note %s: %w", noteID, err)
	}
	return nil
}

func (x *LoreIndex) Close() error {
	return x.client.Close()
}
