// Package scenario holds the authored start-set bundle and the pure rules
// evaluated against it every turn: event scheduling, the stat ledger and
// branch endings.
package scenario

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StartSet is an authored opening: intro, scripted beats, stats and endings.
type StartSet struct {
	ID           string             `json:"id"`
	Title        string             `json:"title,omitempty"`
	Intro        string             `json:"intro"`
	FirstLine    string             `json:"first_line"`
	TurnEvents   []TurnEvent        `json:"turn_events"`
	SettingMemos []SettingMemo      `json:"setting_memos"`
	Stats        []StatDefinition   `json:"stats"`
	Endings      []EndingDefinition `json:"endings"`
	MinTurns     int                `json:"min_turns"`
	MaxTurns     int                `json:"max_turns"`
}

// TurnEvent is a scripted beat whose text must appear at its target turn.
type TurnEvent struct {
	ID        string `json:"id"`
	Turn      int    `json:"turn"`
	Title     string `json:"title,omitempty"`
	Narration string `json:"narration"`
	Dialogue  string `json:"dialogue"`
}

// SettingMemo is lore injected when one of its triggers shows up in user text.
type SettingMemo struct {
	ID       string   `json:"id"`
	Title    string   `json:"title,omitempty"`
	Triggers []string `json:"triggers"`
	// Scope lists the start sets the memo applies to; empty means all.
	Scope []string `json:"scope,omitempty"`
	Body  string   `json:"body"`
}

type StatDefinition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Min  int    `json:"min"`
	Max  int    `json:"max"`
	Base int    `json:"base"`
	Unit string `json:"unit,omitempty"`
}

// Clamp bounds v to [Min, Max].
func (d StatDefinition) Clamp(v int) int {
	if v < d.Min {
		return d.Min
	}
	if v > d.Max {
		return d.Max
	}
	return v
}

type EndingDefinition struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Epilogue string `json:"epilogue"`
	// Turn, when positive, fires the ending at exactly that turn.
	Turn       int               `json:"turn,omitempty"`
	Conditions []EndingCondition `json:"conditions,omitempty"`
}

type ConditionType string

const (
	ConditionStat ConditionType = "stat"
	ConditionText ConditionType = "text"
)

type CompareOp string

const (
	OpGTE CompareOp = ">="
	OpGT  CompareOp = ">"
	OpEQ  CompareOp = "="
	OpLTE CompareOp = "<="
)

// MemoConditionPrefix marks a text condition that checks fired memo ids
// instead of message text, e.g. "memo:storm-warning".
const MemoConditionPrefix = "memo:"

type EndingCondition struct {
	Type   ConditionType `json:"type"`
	StatID string        `json:"stat_id,omitempty"`
	Op     CompareOp     `json:"op,omitempty"`
	Value  int           `json:"value,omitempty"`
	Text   string        `json:"text,omitempty"`
}

// Decode parses a stored start-set payload. The record id wins over any id in
// the payload.
func Decode(id string, payload []byte) (*StartSet, error) {
	var set StartSet
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, fmt.Errorf("failed to decode start set %s: %w", id, err)
	}
	if id != "" {
		set.ID = id
	}
	set.normalize()
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *StartSet) normalize() {
	for i := range s.Endings {
		for j := range s.Endings[i].Conditions {
			c := &s.Endings[i].Conditions[j]
			c.Op = normalizeOp(c.Op)
			if c.Type == "" {
				if c.StatID != "" {
					c.Type = ConditionStat
				} else {
					c.Type = ConditionText
				}
			}
		}
	}
}

func normalizeOp(op CompareOp) CompareOp {
	switch strings.ToLower(strings.TrimSpace(string(op))) {
	case ">=", "≥", "gte", "":
		return OpGTE
	case ">", "gt":
		return OpGT
	case "=", "==", "eq":
		return OpEQ
	case "<=", "≤", "lte":
		return OpLTE
	}
	return op
}

// Validate checks the authored bundle for ids and ranges the engine relies on.
func (s *StartSet) Validate() error {
	seen := map[string]bool{}
	for _, ev := range s.TurnEvents {
		if ev.ID == "" || ev.Turn < 1 {
			return fmt.Errorf("start set %s: turn event needs an id and a turn >= 1", s.ID)
		}
		if seen["event:"+ev.ID] {
			return fmt.Errorf("start set %s: duplicate turn event %s", s.ID, ev.ID)
		}
		seen["event:"+ev.ID] = true
	}
	for _, m := range s.SettingMemos {
		if m.ID == "" {
			return fmt.Errorf("start set %s: setting memo without id", s.ID)
		}
	}
	for _, st := range s.Stats {
		if st.ID == "" {
			return fmt.Errorf("start set %s: stat without id", s.ID)
		}
		if st.Min > st.Max {
			return fmt.Errorf("start set %s: stat %s has min %d > max %d", s.ID, st.ID, st.Min, st.Max)
		}
	}
	for _, e := range s.Endings {
		if e.ID == "" {
			return fmt.Errorf("start set %s: ending without id", s.ID)
		}
		for _, c := range e.Conditions {
			switch c.Op {
			case OpGTE, OpGT, OpEQ, OpLTE:
			default:
				return fmt.Errorf("start set %s: ending %s has unknown operator %q", s.ID, e.ID, c.Op)
			}
		}
	}
	if s.MaxTurns > 0 && s.MinTurns > s.MaxTurns {
		return fmt.Errorf("start set %s: min_turns %d > max_turns %d", s.ID, s.MinTurns, s.MaxTurns)
	}
	return nil
}

func (s *StartSet) StatByID(id string) (StatDefinition, bool) {
	for _, d := range s.Stats {
		if d.ID == id {
			return d, true
		}
	}
	return StatDefinition{}, false
}

func (s *StartSet) EventByID(id string) (TurnEvent, bool) {
	for _, ev := range s.TurnEvents {
		if ev.ID == id {
			return ev, true
		}
	}
	return TurnEvent{}, false
}

func (s *StartSet) MemoByID(id string) (SettingMemo, bool) {
	for _, m := range s.SettingMemos {
		if m.ID == id {
			return m, true
		}
	}
	return SettingMemo{}, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
