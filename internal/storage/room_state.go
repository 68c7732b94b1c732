package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"char-chat/server/internal/config"
	"char-chat/server/internal/models"
)

// RoomState is the cached, derived state of a room. Every field can be
// rebuilt from the message log.
type RoomState struct {
	RoomID         string         `json:"room_id"`
	Turn           int            `json:"turn"`
	Stats          map[string]int `json:"stats,omitempty"`
	ConsumedEvents []string       `json:"consumed_events,omitempty"`
	AppliedMemos   []string       `json:"applied_memos,omitempty"`
	DeferredMemos  []string       `json:"deferred_memos,omitempty"`
	EndingID       string         `json:"ending_id,omitempty"`
	// StatTurns lists the turns whose stat changes are folded into Stats.
	StatTurns     []int     `json:"stat_turns,omitempty"`
	LastChoicesAt time.Time `json:"last_choices_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Merge folds update (the result of one turn) into s, the freshest cached
// record, and returns the merged state. Turn index and later-turn data win,
// id sets are unioned, and an ending once set is never replaced. The stat
// vector of s is kept: a turn's stat changes are applied to it separately so
// overlapping turns cannot overwrite each other.
func (s *RoomState) Merge(update *RoomState) *RoomState {
	if s == nil {
		cp := *update
		return &cp
	}
	out := *s
	if update.Turn >= s.Turn {
		out.Turn = update.Turn
		out.DeferredMemos = update.DeferredMemos
	}
	out.ConsumedEvents = union(s.ConsumedEvents, update.ConsumedEvents)
	out.AppliedMemos = union(s.AppliedMemos, update.AppliedMemos)
	out.StatTurns = append(append([]int(nil), s.StatTurns...), update.StatTurns...)
	if out.EndingID == "" {
		out.EndingID = update.EndingID
	}
	if update.LastChoicesAt.After(out.LastChoicesAt) {
		out.LastChoicesAt = update.LastChoicesAt
	}
	return &out
}

// HasStatTurn reports whether the stat changes of turn are already in Stats.
func (s *RoomState) HasStatTurn(turn int) bool {
	for _, t := range s.StatTurns {
		if t == turn {
			return true
		}
	}
	return false
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// Response lengths a room can ask for.
const (
	LengthShort  = "short"
	LengthMedium = "medium"
	LengthLong   = "long"
)

// RoomSettings are per-room generation preferences. They are written
// last-writer-wins, outside the room lock.
type RoomSettings struct {
	ResponseLength string   `json:"response_length,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	Model          string   `json:"model,omitempty"`
}

type SettingsPatch struct {
	ResponseLength *string  `json:"response_length,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	Model          *string  `json:"model,omitempty"`
}

func (p SettingsPatch) Empty() bool {
	return p.ResponseLength == nil && p.Temperature == nil && p.Model == nil
}

func (p SettingsPatch) Validate() error {
	if p.ResponseLength != nil {
		switch *p.ResponseLength {
		case "", LengthShort, LengthMedium, LengthLong:
		default:
			return fmt.Errorf("%w: response_length %q", models.ErrInvalidSettings, *p.ResponseLength)
		}
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("%w: temperature %.2f outside [0, 2]", models.ErrInvalidSettings, *p.Temperature)
	}
	return nil
}

func (s RoomSettings) Apply(p SettingsPatch) RoomSettings {
	if p.ResponseLength != nil {
		s.ResponseLength = *p.ResponseLength
	}
	if p.Temperature != nil {
		t := *p.Temperature
		s.Temperature = &t
	}
	if p.Model != nil {
		s.Model = *p.Model
	}
	return s
}

// RoomStateStore keeps RoomState records and the per-room lock in redis.
type RoomStateStore struct {
	redis   *RedisStore
	ttl     time.Duration
	lockTTL time.Duration
}

func NewRoomStateStore(r *RedisStore, cfg config.EngineConfig) *RoomStateStore {
	return &RoomStateStore{redis: r, ttl: cfg.StateTTL, lockTTL: cfg.LockTTL}
}

func (s *RoomStateStore) stateKey(roomID string) string {
	return s.redis.Key("room", roomID, "state")
}

func (s *RoomStateStore) settingsKey(roomID string) string {
	return s.redis.Key("room", roomID, "settings")
}

func (s *RoomStateStore) lockKey(roomID string) string {
	return s.redis.Key("room", roomID, "lock")
}

// Load returns the cached state, or nil when the cache is cold. A hit
// refreshes the TTL.
func (s *RoomStateStore) Load(ctx context.Context, roomID string) (*RoomState, error) {
	key := s.stateKey(roomID)
	raw, err := s.redis.Get(ctx, key)
	if IsMiss(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room state: %w", err)
	}
	var st RoomState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		// A corrupt record is treated as cold; the log rebuilds it.
		return nil, nil
	}
	if err := s.redis.Expire(ctx, key, s.ttl); err != nil {
		return nil, fmt.Errorf("failed to refresh room state ttl: %w", err)
	}
	return &st, nil
}

func (s *RoomStateStore) Save(ctx context.Context, st *RoomState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal room state: %w", err)
	}
	if err := s.redis.Set(ctx, s.stateKey(st.RoomID), data, s.ttl); err != nil {
		return fmt.Errorf("failed to save room state: %w", err)
	}
	return nil
}

// Invalidate drops the cached state so the next turn reconciles from the log.
func (s *RoomStateStore) Invalidate(ctx context.Context, roomID string) error {
	return s.redis.Del(ctx, s.stateKey(roomID))
}

// AcquireLock tries once to take the room lock. ok is false when another
// request holds it; that is not an error.
func (s *RoomStateStore) AcquireLock(ctx context.Context, roomID string) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = s.redis.SetNX(ctx, s.lockKey(roomID), token, s.lockTTL)
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire room lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock frees the lock if token still owns it. An expired lock that
// someone else re-acquired is left alone.
func (s *RoomStateStore) ReleaseLock(ctx context.Context, roomID, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.redis.DelIfEqual(ctx, s.lockKey(roomID), token); err != nil {
		return fmt.Errorf("failed to release room lock: %w", err)
	}
	return nil
}

// Settings returns the room's settings; zero value when none were stored.
func (s *RoomStateStore) Settings(ctx context.Context, roomID string) (RoomSettings, error) {
	var out RoomSettings
	raw, err := s.redis.Get(ctx, s.settingsKey(roomID))
	if IsMiss(err) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("failed to load room settings: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return RoomSettings{}, nil
	}
	return out, nil
}

// PatchSettings applies p last-writer-wins and returns the new settings.
func (s *RoomStateStore) PatchSettings(ctx context.Context, roomID string, p SettingsPatch) (RoomSettings, error) {
	if err := p.Validate(); err != nil {
		return RoomSettings{}, err
	}
	cur, err := s.Settings(ctx, roomID)
	if err != nil {
		return RoomSettings{}, err
	}
	next := cur.Apply(p)
	data, err := json.Marshal(next)
	if err != nil {
		return RoomSettings{}, fmt.Errorf("failed to marshal room settings: %w", err)
	}
	if err := s.redis.Set(ctx, s.settingsKey(roomID), data, s.ttl); err != nil {
		return RoomSettings{}, fmt.Errorf("failed to save room settings: %w", err)
	}
	return next, nil
}
