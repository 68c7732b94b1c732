package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"char-chat/server/internal/models"
)

// ErrDuplicateKey is returned when a message collides with an existing turn
// or ending of the same room.
var ErrDuplicateKey = errors.New("message dedup key already used in room")

// ChatStore is the append-only message log plus room records. It is the
// source of truth the room state cache is rebuilt from.
type ChatStore struct {
	db *gorm.DB
}

func NewChatStore(db *gorm.DB) *ChatStore {
	return &ChatStore{db: db}
}

// CreateRoom inserts a room together with its opening messages.
func (s *ChatStore) CreateRoom(ctx context.Context, room *models.ChatRoom, opening []*models.ChatMessage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		for _, msg := range opening {
			msg.RoomID = room.ID
			if err := tx.Create(msg).Error; err != nil {
				return fmt.Errorf("failed to write opening message: %w", err)
			}
		}
		return nil
	})
}

func (s *ChatStore) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	return &room, nil
}

// UpdateRoomMode moves a room to a new mode, enforcing the allowed transitions.
func (s *ChatStore) UpdateRoomMode(ctx context.Context, roomID string, next models.RoomMode) (*models.ChatRoom, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Mode.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrModeTransition, room.Mode, next)
	}
	if room.Mode == next {
		return room, nil
	}
	if err := s.db.WithContext(ctx).Model(room).Update("mode", next).Error; err != nil {
		return nil, fmt.Errorf("failed to update room mode: %w", err)
	}
	room.Mode = next
	return room, nil
}

// UpdateReadingPosition moves the spoiler boundary of an origin-work room.
func (s *ChatStore) UpdateReadingPosition(ctx context.Context, roomID string, from, to int) error {
	res := s.db.WithContext(ctx).Model(&models.ChatRoom{}).Where("id = ?", roomID).
		Updates(map[string]interface{}{"reading_from": from, "reading_to": to})
	if res.Error != nil {
		return fmt.Errorf("failed to update reading position: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrRoomNotFound
	}
	return nil
}

// AppendMessage writes one message. A dedup key collision is reported as
// ErrDuplicateKey.
func (s *ChatStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	err := s.db.WithContext(ctx).Create(msg).Error
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// AppendMessages writes several messages in one transaction.
func (s *ChatStore) AppendMessages(ctx context.Context, msgs ...*models.ChatMessage) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, msg := range msgs {
			if err := tx.Create(msg).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	return nil
}

func (s *ChatStore) DeleteMessage(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ChatMessage{}).Error; err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// LastUserTurn returns the highest counted user turn in the log, 0 when the
// room has none.
func (s *ChatStore) LastUserTurn(ctx context.Context, roomID string) (int, error) {
	var last int
	err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("room_id = ? AND role = ? AND turn_index > 0", roomID, models.RoleUser).
		Select("COALESCE(MAX(turn_index), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count user turns: %w", err)
	}
	return last, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *ChatStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AllMessages returns the full log of a room in creation order.
func (s *ChatStore) AllMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).
		Order("created_at ASC, id ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load message log: %w", err)
	}
	return msgs, nil
}

func (s *ChatStore) LatestAssistant(ctx context.Context, roomID string) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND role = ?", roomID, models.RoleAssistant).
		Order("created_at DESC, id DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest assistant message: %w", err)
	}
	return &msg, nil
}

// UpdateMetadata rewrites the metadata column of msg.
func (s *ChatStore) UpdateMetadata(ctx context.Context, msg *models.ChatMessage) error {
	res := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ?", msg.ID).
		Update("metadata", msg.Metadata)
	if res.Error != nil {
		return fmt.Errorf("failed to update message metadata: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ReviseLatestAssistant rewrites the content of the newest assistant message.
// It is the only in-place edit the log allows.
func (s *ChatStore) ReviseLatestAssistant(ctx context.Context, roomID, content string) (*models.ChatMessage, error) {
	msg, err := s.LatestAssistant(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(msg).Update("content", content).Error; err != nil {
		return nil, fmt.Errorf("failed to revise message: %w", err)
	}
	msg.Content = content
	return msg, nil
}
