package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// RoomMode is the closed set of conversation modes a room can run in.
type RoomMode string

const (
	ModePlain      RoomMode = "plain"
	ModeOriginWork RoomMode = "origin_work"
)

// ParseRoomMode maps a stored or requested mode string onto RoomMode.
// The empty string is the plain mode.
func ParseRoomMode(s string) (RoomMode, error) {
	switch RoomMode(s) {
	case "", ModePlain:
		return ModePlain, nil
	case ModeOriginWork:
		return ModeOriginWork, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// CanTransitionTo reports whether a room in mode m may switch to next.
// A room keeps its mode, except that an origin-work room may drop its
// grounding and continue as a plain chat.
func (m RoomMode) CanTransitionTo(next RoomMode) bool {
	if m == next {
		return true
	}
	return m == ModeOriginWork && next == ModePlain
}

func (m RoomMode) IsOriginWork() bool { return m == ModeOriginWork }

// ChatRoom is one user<->character conversation.
type ChatRoom struct {
	ID          string   `gorm:"primaryKey;size:36" json:"id"`
	UserID      string   `gorm:"size:64;not null;index" json:"user_id"`
	CharacterID string   `gorm:"size:64;not null;index" json:"character_id"`
	StartSetID  string   `gorm:"size:64" json:"start_set_id"`
	Mode        RoomMode `gorm:"size:16;not null;default:'plain'" json:"mode"`
	// Origin-work grounding. ReadingTo is the user's current reading position
	// and the spoiler boundary for everything taken from the work.
	WorkID      string    `gorm:"size:64" json:"work_id,omitempty"`
	ReadingFrom int       `json:"reading_from,omitempty"`
	ReadingTo   int       `json:"reading_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type MessageKind string

const (
	KindUser      MessageKind = "user"
	KindChoice    MessageKind = "choice"
	KindIntro     MessageKind = "intro"
	KindSituation MessageKind = "situation"
	KindReply     MessageKind = "reply"
	KindContinue  MessageKind = "continue"
	KindEnding    MessageKind = "ending"
)

// Choice is a suggested next action offered to the user.
type Choice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// MessageMeta is the structured metadata stored with every message. The
// message log is the source of truth for room state, so assistant replies
// carry enough of it to rebuild the cache.
type MessageMeta struct {
	Kind            MessageKind    `json:"kind"`
	Turn            int            `json:"turn,omitempty"`
	EventID         string         `json:"event_id,omitempty"`
	EndingID        string         `json:"ending_id,omitempty"`
	MemoIDs         []string       `json:"memo_ids,omitempty"`
	DeferredMemoIDs []string       `json:"deferred_memo_ids,omitempty"`
	Stats           map[string]int `json:"stats,omitempty"`
	StatChanges     []StatChange   `json:"stat_changes,omitempty"`
	Choices         []Choice       `json:"choices,omitempty"`
	ChoiceID        string         `json:"choice_id,omitempty"`
}

// StatChange is one entry of a reply's parsed stat block. Replaying the
// changes of every reply in turn order rebuilds the stat vector.
type StatChange struct {
	StatID string `json:"stat_id"`
	Value  *int   `json:"value,omitempty"`
	Delta  *int   `json:"delta,omitempty"`
}

// ChatMessage is one entry of the append-only message log.
type ChatMessage struct {
	ID        string      `gorm:"primaryKey;size:36" json:"id"`
	RoomID    string      `gorm:"size:36;not null;index:idx_room_created,priority:1;uniqueIndex:idx_room_dedup,priority:1" json:"room_id"`
	Role      MessageRole `gorm:"size:16;not null" json:"role"`
	Content   string      `gorm:"type:text" json:"content"`
	TurnIndex int         `gorm:"not null;default:0" json:"turn_index"`
	// DedupKey is "turn:<n>" for counted user turns and "ending" for the
	// ending message; NULL otherwise. Unique per room.
	DedupKey  *string        `gorm:"size:64;uniqueIndex:idx_room_dedup,priority:2" json:"-"`
	Metadata  datatypes.JSON `json:"metadata"`
	CreatedAt time.Time      `gorm:"index:idx_room_created,priority:2" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func TurnDedupKey(turn int) *string {
	k := fmt.Sprintf("turn:%d", turn)
	return &k
}

func EndingDedupKey() *string {
	k := "ending"
	return &k
}

// Meta decodes the message metadata. An empty column decodes to a zero value.
func (m *ChatMessage) Meta() (MessageMeta, error) {
	var meta MessageMeta
	if len(m.Metadata) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(m.Metadata, &meta); err != nil {
		return meta, fmt.Errorf("failed to decode message metadata: %w", err)
	}
	return meta, nil
}

func (m *ChatMessage) SetMeta(meta MessageMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode message metadata: %w", err)
	}
	m.Metadata = datatypes.JSON(data)
	return nil
}
