package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"char-chat/server/internal/models"
	"char-chat/server/internal/scenario"
	"char-chat/server/internal/storage"
)

// CreateRoom opens a room and writes the start set's intro and first line.
// Neither counts as a turn. The cache starts warm with the seeded stats.
func (e *TurnEngine) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.ChatRoom, []*models.ChatMessage, error) {
	character, err := e.content.GetCharacter(ctx, req.CharacterID)
	if err != nil {
		return nil, nil, err
	}
	mode, err := models.ParseRoomMode(req.Mode)
	if err != nil {
		return nil, nil, err
	}
	room := &models.ChatRoom{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		CharacterID: character.ID,
		StartSetID:  req.StartSetID,
		Mode:        mode,
	}
	if mode.IsOriginWork() {
		room.WorkID = req.WorkID
		if room.WorkID == "" {
			room.WorkID = character.WorkID
		}
		if room.WorkID == "" {
			return nil, nil, fmt.Errorf("%w: origin work mode needs a work", models.ErrInvalidMode)
		}
		if err := validateReading(req.ReadingFrom, req.ReadingTo); err != nil {
			return nil, nil, err
		}
		room.ReadingFrom, room.ReadingTo = req.ReadingFrom, req.ReadingTo
	}

	var set *scenario.StartSet
	if req.StartSetID != "" {
		if set, err = e.content.GetStartSet(ctx, character.ID, req.StartSetID); err != nil {
			return nil, nil, err
		}
	}

	var stats map[string]int
	intro, firstLine := character.Greeting, ""
	if set != nil {
		stats = scenario.Seed(set.Stats, nil)
		if set.Intro != "" {
			intro = set.Intro
		}
		firstLine = set.FirstLine
	}

	now := e.now()
	var opening []*models.ChatMessage
	for i, part := range []struct {
		kind    models.MessageKind
		content string
	}{
		{models.KindIntro, intro},
		{models.KindSituation, firstLine},
	} {
		if part.content == "" {
			continue
		}
		msg := &models.ChatMessage{
			ID:        newMessageID(),
			RoomID:    room.ID,
			Role:      models.RoleAssistant,
			Content:   part.content,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
		meta := models.MessageMeta{Kind: part.kind}
		if len(stats) > 0 {
			meta.Stats = stats
		}
		if err := msg.SetMeta(meta); err != nil {
			return nil, nil, err
		}
		opening = append(opening, msg)
	}

	if err := e.chats.CreateRoom(ctx, room, opening); err != nil {
		return nil, nil, err
	}
	if err := e.states.Save(ctx, &storage.RoomState{RoomID: room.ID, Stats: stats, UpdatedAt: now}); err != nil {
		e.log.Warn("failed to warm room state", zap.String("room_id", room.ID), zap.Error(err))
	}
	e.log.Info("room created",
		zap.String("room_id", room.ID),
		zap.String("character_id", character.ID),
		zap.String("mode", string(mode)))
	return room, opening, nil
}

func validateReading(from, to int) error {
	if to < 1 || from < 0 || from > to {
		return fmt.Errorf("%w: chapters %d..%d", models.ErrInvalidReading, from, to)
	}
	return nil
}

// ReviseLatestAssistant replaces the text of the newest assistant message.
// Any stat block in the new text is dropped.
func (e *TurnEngine) ReviseLatestAssistant(ctx context.Context, roomID, content string) (*models.ChatMessage, error) {
	clean, _, _ := scenario.NewMarkerParser().Extract(content)
	if clean == "" {
		return nil, fmt.Errorf("%w: empty message", models.ErrInvalidSettings)
	}
	return e.chats.ReviseLatestAssistant(ctx, roomID, clean)
}

// SwitchMode moves a room to another mode when the transition is allowed.
func (e *TurnEngine) SwitchMode(ctx context.Context, roomID, mode string) (*models.ChatRoom, error) {
	next, err := models.ParseRoomMode(mode)
	if err != nil {
		return nil, err
	}
	return e.chats.UpdateRoomMode(ctx, roomID, next)
}

// UpdateReadingPosition moves the spoiler boundary of an origin-work room.
func (e *TurnEngine) UpdateReadingPosition(ctx context.Context, roomID string, from, to int) error {
	if err := validateReading(from, to); err != nil {
		return err
	}
	room, err := e.chats.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.Mode.IsOriginWork() {
		return fmt.Errorf("%w: room %s is not in origin work mode", models.ErrInvalidMode, roomID)
	}
	return e.chats.UpdateReadingPosition(ctx, roomID, from, to)
}

// PatchSettings applies a settings patch without taking the room lock.
func (e *TurnEngine) PatchSettings(ctx context.Context, roomID string, p storage.SettingsPatch) (storage.RoomSettings, error) {
	if err := p.Validate(); err != nil {
		return storage.RoomSettings{}, err
	}
	if _, err := e.chats.GetRoom(ctx, roomID); err != nil {
		return storage.RoomSettings{}, err
	}
	return e.states.PatchSettings(ctx, roomID, p)
}

// State returns the visible state of a room, rebuilding it from the log when
// the cache is cold.
func (e *TurnEngine) State(ctx context.Context, roomID string) (*RoomView, error) {
	room, err := e.chats.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var maxTurns int
	var defs []scenario.StatDefinition
	if room.StartSetID != "" {
		set, err := e.content.GetStartSet(ctx, room.CharacterID, room.StartSetID)
		if err != nil {
			return nil, err
		}
		maxTurns, defs = set.MaxTurns, set.Stats
	}
	st, err := e.states.Load(ctx, roomID)
	if err != nil || st == nil {
		if st, err = e.rebuild(ctx, roomID, defs); err != nil {
			return nil, err
		}
	}
	settings, err := e.states.Settings(ctx, roomID)
	if err != nil {
		e.log.Warn("failed to read room settings", zap.String("room_id", roomID), zap.Error(err))
	}

	view := &RoomView{
		RoomID:    room.ID,
		Mode:      room.Mode,
		TurnCount: st.Turn,
		EndingID:  st.EndingID,
		ReadingTo: room.ReadingTo,
		Settings:  settings,
		MaxTurns:  maxTurns,
	}
	view.Completed = view.EndingID != "" || (view.MaxTurns > 0 && view.TurnCount >= view.MaxTurns)
	return view, nil
}

// Messages returns up to limit of the newest messages of a room, oldest first.
func (e *TurnEngine) Messages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	if _, err := e.chats.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return e.chats.RecentMessages(ctx, roomID, limit)
}
