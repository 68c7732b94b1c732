package models

import (
	"time"

	"gorm.io/datatypes"
)

// Character is the persona profile the model plays.
type Character struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	Name        string `gorm:"size:128;not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	Personality string `gorm:"type:text" json:"personality"`
	SpeechStyle string `gorm:"type:text" json:"speech_style"`
	Greeting    string `gorm:"type:text" json:"greeting"`
	ModelHint   string `gorm:"size:64" json:"model_hint,omitempty"`
	// Origin-work characters point at their source work and their role in it.
	WorkID         string    `gorm:"size:64;index" json:"work_id,omitempty"`
	RoleInWork     string    `gorm:"type:text" json:"role_in_work,omitempty"`
	RelationToLead string    `gorm:"type:text" json:"relation_to_lead,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StartSetRecord stores an authored opening bundle as JSON. The engine only reads it.
type StartSetRecord struct {
	ID          string         `gorm:"primaryKey;size:64" json:"id"`
	CharacterID string         `gorm:"size:64;not null;index" json:"character_id"`
	Title       string         `gorm:"size:255" json:"title"`
	Payload     datatypes.JSON `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type PersonaScope string

const (
	PersonaScopeAll        PersonaScope = "all"
	PersonaScopePlain      PersonaScope = "plain"
	PersonaScopeOriginWork PersonaScope = "origin_work"
)

// Covers reports whether a persona with this scope applies to a room mode.
func (s PersonaScope) Covers(mode RoomMode) bool {
	switch s {
	case PersonaScopeAll, "":
		return true
	case PersonaScopePlain:
		return mode == ModePlain
	case PersonaScopeOriginWork:
		return mode == ModeOriginWork
	}
	return false
}

// Persona is how the user presents themself to characters.
type Persona struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	UserID      string       `gorm:"size:64;not null;index" json:"user_id"`
	Name        string       `gorm:"size:128" json:"name"`
	Description string       `gorm:"type:text" json:"description"`
	Scope       PersonaScope `gorm:"size:16;default:'all'" json:"scope"`
	Active      bool         `gorm:"index" json:"active"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// LoreNote is a user-written memory note attached to a character.
type LoreNote struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	UserID      string    `gorm:"size:64;not null;index:idx_lore_owner,priority:1" json:"user_id"`
	CharacterID string    `gorm:"size:64;not null;index:idx_lore_owner,priority:2" json:"character_id"`
	Title       string    `gorm:"size:255" json:"title"`
	Content     string    `gorm:"type:text" json:"content"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Chapter is one chapter of an origin work.
type Chapter struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	WorkID    string `gorm:"size:64;not null;uniqueIndex:idx_work_chapter,priority:1" json:"work_id"`
	No        int    `gorm:"not null;uniqueIndex:idx_work_chapter,priority:2" json:"no"`
	Title     string `gorm:"size:255" json:"title"`
	Content   string `gorm:"type:longtext" json:"content"`
	CreatedAt time.Time
}

// ChapterSummary holds the summary of one chapter and the cumulative recap
// of the work up to and including it.
type ChapterSummary struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	WorkID     string `gorm:"size:64;not null;uniqueIndex:idx_work_summary,priority:1" json:"work_id"`
	No         int    `gorm:"not null;uniqueIndex:idx_work_summary,priority:2" json:"no"`
	Summary    string `gorm:"type:text" json:"summary"`
	Cumulative string `gorm:"type:text" json:"cumulative"`
	UpdatedAt  time.Time
}

// AllModels lists every table the service migrates.
func AllModels() []interface{} {
	return []interface{}{
		&ChatRoom{},
		&ChatMessage{},
		&Character{},
		&StartSetRecord{},
		&Persona{},
		&LoreNote{},
		&Chapter{},
		&ChapterSummary{},
	}
}
