package scenario

import "strings"

// EndingInput is the state an ending is evaluated against after a turn has
// been generated and its stat block applied.
type EndingInput struct {
	Turn          int
	Stats         map[string]int
	UserText      string
	AssistantText string
	FiredMemoIDs  []string
	// FiredEndingID is the ending already recorded for the room, if any.
	FiredEndingID string
}

// EvaluateEnding returns the ending that fires for in, or nil. Endings whose
// conditions hold are checked first in authored order, then every ending
// scheduled for exactly this turn, with or without conditions. A room that
// already has an ending never gets another.
func EvaluateEnding(set *StartSet, in EndingInput) *EndingDefinition {
	if set == nil || in.FiredEndingID != "" {
		return nil
	}
	for i := range set.Endings {
		e := &set.Endings[i]
		if len(e.Conditions) > 0 && e.conditionsMet(in) {
			return e
		}
	}
	for i := range set.Endings {
		e := &set.Endings[i]
		if e.Turn > 0 && e.Turn == in.Turn {
			return e
		}
	}
	return nil
}

// conditionsMet reports whether any one of the conditions holds.
func (e *EndingDefinition) conditionsMet(in EndingInput) bool {
	for _, c := range e.Conditions {
		if c.Satisfied(in) {
			return true
		}
	}
	return false
}

// Satisfied reports whether a single condition holds for in.
func (c EndingCondition) Satisfied(in EndingInput) bool {
	switch c.Type {
	case ConditionStat:
		v, ok := in.Stats[c.StatID]
		if !ok {
			return false
		}
		return compare(v, c.Op, c.Value)
	case ConditionText:
		needle := strings.TrimSpace(c.Text)
		if needle == "" {
			return false
		}
		if strings.HasPrefix(needle, MemoConditionPrefix) {
			return contains(in.FiredMemoIDs, strings.TrimPrefix(needle, MemoConditionPrefix))
		}
		needle = strings.ToLower(needle)
		return strings.Contains(strings.ToLower(in.UserText), needle) ||
			strings.Contains(strings.ToLower(in.AssistantText), needle)
	}
	return false
}

func compare(v int, op CompareOp, target int) bool {
	switch op {
	case OpGTE:
		return v >= target
	case OpGT:
		return v > target
	case OpEQ:
		return v == target
	case OpLTE:
		return v <= target
	}
	return false
}
