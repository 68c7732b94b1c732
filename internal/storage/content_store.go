package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"char-chat/server/internal/models"
	"char-chat/server/internal/scenario"
)

// ContentStore reads authored and user-owned content: characters, start sets,
// personas, lore notes and origin-work chapters.
type ContentStore struct {
	db *gorm.DB
}

func NewContentStore(db *gorm.DB) *ContentStore {
	return &ContentStore{db: db}
}

func (s *ContentStore) GetCharacter(ctx context.Context, id string) (*models.Character, error) {
	var c models.Character
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrCharacterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load character: %w", err)
	}
	return &c, nil
}

func (s *ContentStore) SaveCharacter(ctx context.Context, c *models.Character) error {
	return s.db.WithContext(ctx).Save(c).Error
}

// GetStartSet loads and decodes the start set of a character.
func (s *ContentStore) GetStartSet(ctx context.Context, characterID, id string) (*scenario.StartSet, error) {
	var rec models.StartSetRecord
	err := s.db.WithContext(ctx).Where("id = ? AND character_id = ?", id, characterID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrStartSetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load start set: %w", err)
	}
	return scenario.Decode(rec.ID, rec.Payload)
}

func (s *ContentStore) SaveStartSet(ctx context.Context, rec *models.StartSetRecord) error {
	if _, err := scenario.Decode(rec.ID, rec.Payload); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

// ActivePersona returns the user's most recently updated active persona whose
// scope covers mode, or nil.
func (s *ContentStore) ActivePersona(ctx context.Context, userID string, mode models.RoomMode) (*models.Persona, error) {
	var personas []models.Persona
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("updated_at DESC").
		Find(&personas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load personas: %w", err)
	}
	for i := range personas {
		if personas[i].Scope.Covers(mode) {
			return &personas[i], nil
		}
	}
	return nil, nil
}

func (s *ContentStore) SavePersona(ctx context.Context, p *models.Persona) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// LoreNotes returns active notes of a user for a character, newest first.
func (s *ContentStore) LoreNotes(ctx context.Context, userID, characterID string) ([]models.LoreNote, error) {
	var notes []models.LoreNote
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ? AND active = ?", userID, characterID, true).
		Order("updated_at DESC").
		Find(&notes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load lore notes: %w", err)
	}
	return notes, nil
}

// AllLoreNotes pages through every active note, for index rebuilds.
func (s *ContentStore) AllLoreNotes(ctx context.Context, afterID string, limit int) ([]models.LoreNote, error) {
	var notes []models.LoreNote
	err := s.db.WithContext(ctx).
		Where("active = ? AND id > ?", true, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&notes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to page lore notes: %w", err)
	}
	return notes, nil
}

func (s *ContentStore) SaveLoreNote(ctx context.Context, n *models.LoreNote) error {
	return s.db.WithContext(ctx).Save(n).Error
}

// Chapter loads one chapter of a work.
func (s *ContentStore) Chapter(ctx context.Context, workID string, no int) (*models.Chapter, error) {
	var ch models.Chapter
	err := s.db.WithContext(ctx).Where("work_id = ? AND no = ?", workID, no).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chapter: %w", err)
	}
	return &ch, nil
}

// Summary loads the summary row of one chapter.
func (s *ContentStore) Summary(ctx context.Context, workID string, no int) (*models.ChapterSummary, error) {
	var sum models.ChapterSummary
	err := s.db.WithContext(ctx).Where("work_id = ? AND no = ?", workID, no).First(&sum).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chapter summary: %w", err)
	}
	return &sum, nil
}

// Summaries returns chapter summaries with from <= no <= to, in order.
func (s *ContentStore) Summaries(ctx context.Context, workID string, from, to int) ([]models.ChapterSummary, error) {
	var out []models.ChapterSummary
	err := s.db.WithContext(ctx).
		Where("work_id = ? AND no BETWEEN ? AND ?", workID, from, to).
		Order("no ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load chapter summaries: %w", err)
	}
	return out, nil
}

func (s *ContentStore) SaveChapter(ctx context.Context, ch *models.Chapter) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "work_id"}, {Name: "no"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "content"}),
	}).Create(ch).Error
}

func (s *ContentStore) SaveSummary(ctx context.Context, sum *models.ChapterSummary) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "work_id"}, {Name: "no"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary", "cumulative", "updated_at"}),
	}).Create(sum).Error
}
