package scenario

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Markers delimiting the hidden stat block a reply may carry.
const (
	StatBlockStart = "<<STATS>>"
	StatBlockEnd   = "<</STATS>>"
)

var (
	ErrNoStatBlock  = errors.New("no stat block in reply")
	ErrBadStatBlock = errors.New("malformed stat block")
)

// StatUpdate is one entry of a stat block. Value is applied before Delta.
type StatUpdate struct {
	StatID string
	Delta  *int
	Value  *int
}

// StatBlockParser extracts the hidden stat side channel from a model reply.
// Extract always returns the reply with every block removed, even when the
// block itself fails to parse.
type StatBlockParser interface {
	Extract(raw string) (clean string, updates []StatUpdate, err error)
}

// MarkerParser reads stat blocks delimited by fixed marker strings. When a
// reply carries several blocks the last one wins.
type MarkerParser struct {
	Start string
	End   string
}

func NewMarkerParser() MarkerParser {
	return MarkerParser{Start: StatBlockStart, End: StatBlockEnd}
}

func (p MarkerParser) Extract(raw string) (string, []StatUpdate, error) {
	cleaned, payloads := p.strip(raw)
	if len(payloads) == 0 {
		return cleaned, nil, ErrNoStatBlock
	}
	updates, err := decodeStatPayload(payloads[len(payloads)-1])
	if err != nil {
		return cleaned, nil, err
	}
	return cleaned, updates, nil
}

func (p MarkerParser) strip(raw string) (string, []string) {
	var payloads []string
	out := raw
	for {
		i := strings.Index(out, p.Start)
		if i < 0 {
			break
		}
		rest := out[i+len(p.Start):]
		j := strings.Index(rest, p.End)
		if j < 0 {
			// Unterminated block: drop everything after the start marker.
			payloads = append(payloads, rest)
			out = out[:i]
			break
		}
		payloads = append(payloads, rest[:j])
		out = out[:i] + rest[j+len(p.End):]
	}
	out = strings.ReplaceAll(out, p.End, "")
	return strings.TrimSpace(out), payloads
}

type wireStatBlock struct {
	Stats []wireStatUpdate `json:"stats"`
}

type wireStatUpdate struct {
	StatID json.RawMessage `json:"stat_id"`
	Delta  *float64        `json:"delta"`
	Value  *float64        `json:"value"`
}

func decodeStatPayload(payload string) ([]StatUpdate, error) {
	payload = strings.TrimSpace(payload)
	payload = strings.TrimPrefix(payload, "```json")
	payload = strings.TrimPrefix(payload, "```")
	payload = strings.TrimSuffix(payload, "```")
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrBadStatBlock)
	}

	var block wireStatBlock
	if err := json.Unmarshal([]byte(payload), &block); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStatBlock, err)
	}

	updates := make([]StatUpdate, 0, len(block.Stats))
	for _, w := range block.Stats {
		id := decodeStatID(w.StatID)
		if id == "" || (w.Delta == nil && w.Value == nil) {
			continue
		}
		u := StatUpdate{StatID: id}
		if w.Value != nil {
			v := roundFloat(*w.Value)
			u.Value = &v
		}
		if w.Delta != nil {
			d := roundFloat(*w.Delta)
			u.Delta = &d
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// decodeStatID accepts both "trust" and 3 as ids.
func decodeStatID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n.String()
}

func roundFloat(f float64) int {
	return int(math.Round(f))
}

// LedgerResult is the outcome of applying one reply to the stat vector.
type LedgerResult struct {
	Text    string
	Stats   map[string]int
	Updates []StatUpdate
	Changed bool
	// Err is set when the reply had no usable stat block. The vector is then
	// returned unchanged.
	Err error
}

// Ledger maintains the hidden stat vector of a room.
type Ledger struct {
	parser StatBlockParser
}

func NewLedger(parser StatBlockParser) *Ledger {
	if parser == nil {
		parser = NewMarkerParser()
	}
	return &Ledger{parser: parser}
}

// Seed returns the vector for defs, filling missing stats with their base
// value and clamping everything into range. Unknown keys are dropped.
func Seed(defs []StatDefinition, current map[string]int) map[string]int {
	out := make(map[string]int, len(defs))
	for _, d := range defs {
		v, ok := current[d.ID]
		if !ok {
			v = d.Base
		}
		out[d.ID] = d.Clamp(v)
	}
	return out
}

// ApplyUpdates returns current with updates applied in order. Each entry sets
// Value before adding Delta and is clamped into its range; unknown ids are
// ignored. current is not modified.
func ApplyUpdates(defs []StatDefinition, current map[string]int, updates []StatUpdate) map[string]int {
	stats := Seed(defs, current)
	byID := make(map[string]StatDefinition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	for _, u := range updates {
		def, ok := byID[u.StatID]
		if !ok {
			continue
		}
		v := stats[def.ID]
		if u.Value != nil {
			v = *u.Value
		}
		if u.Delta != nil {
			v += *u.Delta
		}
		stats[def.ID] = def.Clamp(v)
	}
	return stats
}

// Apply strips stat blocks from raw and applies the last one to current.
// Stat blocks are removed from the text even when the room has no stats.
func (l *Ledger) Apply(defs []StatDefinition, current map[string]int, raw string) LedgerResult {
	clean, updates, err := l.parser.Extract(raw)
	seeded := Seed(defs, current)
	res := LedgerResult{Text: clean, Stats: seeded}
	if err != nil {
		res.Err = err
		return res
	}
	res.Updates = updates
	res.Stats = ApplyUpdates(defs, seeded, updates)
	for id, v := range res.Stats {
		if seeded[id] != v {
			res.Changed = true
		}
	}
	return res
}
