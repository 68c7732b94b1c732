package scenario

import "strings"

// DefaultMaxMemos is used when a Scheduler is built with no memo limit.
const DefaultMaxMemos = 2

// Scheduler decides what a turn injects: at most one scripted event, or a
// bounded set of setting memos.
type Scheduler struct {
	MaxMemos int
	// EventLookback lets an event whose turn was skipped fire up to this many
	// turns late. Zero means exact-turn only.
	EventLookback int
}

// SchedulerState is the part of room state the scheduler reads and advances.
type SchedulerState struct {
	ConsumedEvents []string
	AppliedMemos   []string
	DeferredMemos  []string
}

// Injection is the scheduler's decision for one turn.
type Injection struct {
	Event *TurnEvent
	Memos []SettingMemo
	// Deferred are memo ids that matched but were not injected; they are
	// offered again on the next turn without a competing event.
	Deferred []string
}

func (inj Injection) MemoIDs() []string {
	ids := make([]string, 0, len(inj.Memos))
	for _, m := range inj.Memos {
		ids = append(ids, m.ID)
	}
	return ids
}

func (inj Injection) Empty() bool {
	return inj.Event == nil && len(inj.Memos) == 0
}

// Plan returns the injection for turn. It never selects an event that was
// already consumed or a memo that was already applied.
func (s Scheduler) Plan(set *StartSet, turn int, userText string, st SchedulerState) Injection {
	if set == nil {
		return Injection{Deferred: append([]string(nil), st.DeferredMemos...)}
	}

	event := s.pickEvent(set, turn, st.ConsumedEvents)
	candidates := s.memoCandidates(set, userText, st)

	if event != nil {
		return Injection{Event: event, Deferred: memoIDs(candidates)}
	}

	limit := s.MaxMemos
	if limit <= 0 {
		limit = DefaultMaxMemos
	}
	if len(candidates) <= limit {
		return Injection{Memos: candidates}
	}
	return Injection{Memos: candidates[:limit], Deferred: memoIDs(candidates[limit:])}
}

// Advance folds an executed injection into the scheduler state.
func (s Scheduler) Advance(st SchedulerState, inj Injection) SchedulerState {
	next := SchedulerState{
		ConsumedEvents: append([]string(nil), st.ConsumedEvents...),
		AppliedMemos:   append([]string(nil), st.AppliedMemos...),
		DeferredMemos:  append([]string(nil), inj.Deferred...),
	}
	if inj.Event != nil && !contains(next.ConsumedEvents, inj.Event.ID) {
		next.ConsumedEvents = append(next.ConsumedEvents, inj.Event.ID)
	}
	for _, m := range inj.Memos {
		if !contains(next.AppliedMemos, m.ID) {
			next.AppliedMemos = append(next.AppliedMemos, m.ID)
		}
	}
	return next
}

func (s Scheduler) pickEvent(set *StartSet, turn int, consumed []string) *TurnEvent {
	var best *TurnEvent
	for i := range set.TurnEvents {
		ev := &set.TurnEvents[i]
		if contains(consumed, ev.ID) {
			continue
		}
		if ev.Turn > turn || ev.Turn < turn-s.EventLookback {
			continue
		}
		if ev.Turn == turn {
			return ev
		}
		// Oldest missed event first.
		if best == nil || ev.Turn < best.Turn {
			best = ev
		}
	}
	return best
}

func (s Scheduler) memoCandidates(set *StartSet, userText string, st SchedulerState) []SettingMemo {
	var out []SettingMemo
	taken := map[string]bool{}

	for _, id := range st.DeferredMemos {
		m, ok := set.MemoByID(id)
		if !ok || taken[id] || contains(st.AppliedMemos, id) || !memoInScope(m, set.ID) {
			continue
		}
		taken[id] = true
		out = append(out, m)
	}

	text := strings.ToLower(userText)
	for _, m := range set.SettingMemos {
		if taken[m.ID] || contains(st.AppliedMemos, m.ID) || !memoInScope(m, set.ID) {
			continue
		}
		if triggerMatches(m.Triggers, text) {
			taken[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}

func memoInScope(m SettingMemo, setID string) bool {
	return len(m.Scope) == 0 || contains(m.Scope, setID)
}

func triggerMatches(triggers []string, lowerText string) bool {
	if lowerText == "" {
		return false
	}
	for _, t := range triggers {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.Contains(lowerText, t) {
			return true
		}
	}
	return false
}

func memoIDs(memos []SettingMemo) []string {
	if len(memos) == 0 {
		return nil
	}
	ids := make([]string, 0, len(memos))
	for _, m := range memos {
		ids = append(ids, m.ID)
	}
	return ids
}
