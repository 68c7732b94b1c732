package engine

import (
	"sort"

	"char-chat/server/internal/models"
	"char-chat/server/internal/scenario"
	"char-chat/server/internal/storage"
)

// reconcile rebuilds the cached room state from the message log. The stat
// vector is replayed from the base values through every reply's stat changes
// in turn order.
func reconcile(roomID string, msgs []models.ChatMessage, defs []scenario.StatDefinition) *storage.RoomState {
	st := &storage.RoomState{RoomID: roomID}
	seenEvent := map[string]bool{}
	seenMemo := map[string]bool{}
	var replies []models.MessageMeta

	for i := range msgs {
		m := &msgs[i]
		if m.Role == models.RoleUser {
			if m.TurnIndex > st.Turn {
				st.Turn = m.TurnIndex
			}
			continue
		}

		meta, err := m.Meta()
		if err != nil {
			continue
		}
		if meta.EventID != "" && !seenEvent[meta.EventID] {
			seenEvent[meta.EventID] = true
			st.ConsumedEvents = append(st.ConsumedEvents, meta.EventID)
		}
		for _, id := range meta.MemoIDs {
			if !seenMemo[id] {
				seenMemo[id] = true
				st.AppliedMemos = append(st.AppliedMemos, id)
			}
		}
		if meta.Kind == models.KindReply {
			st.DeferredMemos = meta.DeferredMemoIDs
			replies = append(replies, meta)
		}
		if meta.EndingID != "" && st.EndingID == "" {
			st.EndingID = meta.EndingID
		}
		if len(meta.Choices) > 0 {
			st.LastChoicesAt = m.CreatedAt
		}
	}

	if len(defs) > 0 {
		sort.SliceStable(replies, func(i, j int) bool { return replies[i].Turn < replies[j].Turn })
		stats := scenario.Seed(defs, nil)
		for _, meta := range replies {
			stats = scenario.ApplyUpdates(defs, stats, fromStatChanges(meta.StatChanges))
			st.StatTurns = append(st.StatTurns, meta.Turn)
		}
		st.Stats = stats
	}
	return st
}

func toStatChanges(updates []scenario.StatUpdate) []models.StatChange {
	if len(updates) == 0 {
		return nil
	}
	out := make([]models.StatChange, len(updates))
	for i, u := range updates {
		out[i] = models.StatChange{StatID: u.StatID, Value: u.Value, Delta: u.Delta}
	}
	return out
}

func fromStatChanges(changes []models.StatChange) []scenario.StatUpdate {
	out := make([]scenario.StatUpdate, len(changes))
	for i, c := range changes {
		out[i] = scenario.StatUpdate{StatID: c.StatID, Value: c.Value, Delta: c.Delta}
	}
	return out
}
