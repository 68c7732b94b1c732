package prompts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"char-chat/server/internal/config"
	"char-chat/server/internal/interfaces"
	"char-chat/server/internal/logger"
	"char-chat/server/internal/models"
	"char-chat/server/internal/scenario"
)

// NeverImpersonateRule is part of every system prompt, whatever the templates say.
const NeverImpersonateRule = "Never write the user's lines, thoughts or actions, and never decide what the user does. Never refer to the user in the third person; address them directly as \"you\". Stop and wait for the user instead."

// TurnInput is everything the assembler needs for one model call.
type TurnInput struct {
	Room      *models.ChatRoom
	Character *models.Character
	StartSet  *scenario.StartSet
	// History is the recent log, oldest first, without the current user message.
	History      []models.ChatMessage
	UserText     string
	Continuation bool
	Injection    scenario.Injection
	Stats        map[string]int
	Length       string
}

// Assembler builds the bounded model context for a turn.
type Assembler struct {
	templates *TemplateSet
	personas  interfaces.PersonaSource
	lore      interfaces.LoreSource
	chapters  interfaces.ChapterSource
	cards     interfaces.CardCache
	generator interfaces.Generator
	cfg       config.EngineConfig
	log       *zap.Logger
}

func NewAssembler(
	templates *TemplateSet,
	personas interfaces.PersonaSource,
	lore interfaces.LoreSource,
	chapters interfaces.ChapterSource,
	cards interfaces.CardCache,
	cfg config.EngineConfig,
) *Assembler {
	return &Assembler{
		templates: templates,
		personas:  personas,
		lore:      lore,
		chapters:  chapters,
		cards:     cards,
		cfg:       cfg,
		log:       logger.Named("assembler"),
	}
}

// WithCardGenerator lets the assembler write missing relationship cards.
func (a *Assembler) WithCardGenerator(g interfaces.Generator) *Assembler {
	a.generator = g
	return a
}

func (a *Assembler) Templates() *TemplateSet { return a.templates }

// Build returns the system prompt, the history and the current user message.
func (a *Assembler) Build(ctx context.Context, in TurnInput) ([]interfaces.ModelMessage, error) {
	system, err := a.systemPrompt(ctx, in)
	if err != nil {
		return nil, err
	}

	msgs := make([]interfaces.ModelMessage, 0, len(in.History)+2)
	msgs = append(msgs, interfaces.ModelMessage{Role: interfaces.RoleSystem, Content: system})
	for _, m := range in.History {
		role := interfaces.RoleAssistant
		if m.Role == models.RoleUser {
			role = interfaces.RoleUser
		}
		msgs = append(msgs, interfaces.ModelMessage{Role: role, Content: m.Content})
	}

	last := in.UserText
	if in.Continuation {
		if last, err = a.templates.Render(TmplContinue, nil); err != nil {
			return nil, err
		}
	}
	msgs = append(msgs, interfaces.ModelMessage{Role: interfaces.RoleUser, Content: last})
	return msgs, nil
}

func (a *Assembler) systemPrompt(ctx context.Context, in TurnInput) (string, error) {
	length := in.Length
	if length == "" {
		length = "medium"
	}
	head, err := a.templates.Render(TmplSystem, map[string]string{
		"character_name":    in.Character.Name,
		"character_profile": characterProfile(in.Character),
		"length":            length,
	})
	if err != nil {
		return "", err
	}

	sections := []string{head, NeverImpersonateRule}
	budget := newBudget(a.cfg.ContextCharBudget)

	if s := a.personaSection(ctx, in); s != "" {
		budget.add(&sections, s)
	}
	if in.Room.Mode.IsOriginWork() {
		if s := a.originWorkSection(ctx, in); s != "" {
			budget.add(&sections, s)
		}
	}
	if s := a.loreSection(ctx, in, budget); s != "" {
		budget.add(&sections, s)
	}

	if !in.Continuation {
		if s, err := a.injectionSection(in.Injection); err != nil {
			return "", err
		} else if s != "" {
			sections = append(sections, s)
		}
	}
	if in.StartSet != nil && len(in.StartSet.Stats) > 0 {
		s, err := a.statsSection(in.StartSet.Stats, in.Stats)
		if err != nil {
			return "", err
		}
		sections = append(sections, s)
	}
	return strings.Join(sections, "\n\n"), nil
}

func characterProfile(c *models.Character) string {
	var b strings.Builder
	line := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	line("Description", c.Description)
	line("Personality", c.Personality)
	line("Speech style", c.SpeechStyle)
	return strings.TrimSpace(b.String())
}

func (a *Assembler) personaSection(ctx context.Context, in TurnInput) string {
	if a.personas == nil {
		return ""
	}
	p, err := a.personas.ActivePersona(ctx, in.Room.UserID, in.Room.Mode)
	if err != nil {
		a.log.Warn("persona lookup failed", zap.String("room_id", in.Room.ID), zap.Error(err))
		return ""
	}
	if p == nil {
		return ""
	}
	s, _ := a.templates.Render(TmplPersona, map[string]string{
		"persona_name":        p.Name,
		"persona_description": p.Description,
	})
	return s
}

func (a *Assembler) loreSection(ctx context.Context, in TurnInput, b *budget) string {
	if a.lore == nil || a.cfg.MaxLoreNotes <= 0 {
		return ""
	}
	notes, err := a.lore.RelevantNotes(ctx, in.Room.UserID, in.Character.ID, in.UserText, a.cfg.MaxLoreNotes)
	if err != nil {
		a.log.Warn("lore lookup failed", zap.String("room_id", in.Room.ID), zap.Error(err))
		return ""
	}
	var lines []string
	used := 0
	for _, n := range notes {
		line := "- " + strings.TrimSpace(n.Content)
		if n.Title != "" {
			line = "- " + n.Title + ": " + strings.TrimSpace(n.Content)
		}
		if !b.fits(used + runeLen(line) + 64) {
			break
		}
		used += runeLen(line) + 1
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	s, _ := a.templates.Render(TmplLore, map[string]string{
		"character_name": in.Character.Name,
		"lore_lines":     strings.Join(lines, "\n"),
	})
	return s
}

// originWorkSection grounds the reply in the source work. Nothing past the
// room's reading position is requested or included.
func (a *Assembler) originWorkSection(ctx context.Context, in TurnInput) string {
	room := in.Room
	if a.chapters == nil || room.WorkID == "" || room.ReadingTo <= 0 {
		return ""
	}
	boundary := room.ReadingTo

	recap := a.recap(ctx, room.WorkID, boundary)
	excerpt := ""
	if ch, err := a.chapters.Chapter(ctx, room.WorkID, boundary); err == nil && ch.No <= boundary {
		excerpt = tail(ch.Content, a.cfg.ExcerptCharBudget)
	} else if err != nil && !errors.Is(err, models.ErrNotFound) {
		a.log.Warn("chapter lookup failed", zap.String("work_id", room.WorkID), zap.Int("chapter", boundary), zap.Error(err))
	}
	card := a.relationshipCard(ctx, in.Character, room.WorkID, boundary, recap)

	if recap == "" && excerpt == "" && card == "" {
		return ""
	}
	role := ""
	if in.Character.RoleInWork != "" {
		role = in.Character.Name + "'s role: " + in.Character.RoleInWork
	}
	s, _ := a.templates.Render(TmplOriginWork, map[string]string{
		"reading_to":     strconv.Itoa(boundary),
		"character_role": role,
		"recap":          orNone(recap),
		"card":           orNone(card),
		"excerpt":        orNone(excerpt),
	})
	return s
}

// recap prefers the cumulative summary at the boundary and falls back to the
// last few per-chapter summaries.
func (a *Assembler) recap(ctx context.Context, workID string, boundary int) string {
	sum, err := a.chapters.Summary(ctx, workID, boundary)
	if err == nil && sum.No <= boundary && strings.TrimSpace(sum.Cumulative) != "" {
		return tail(sum.Cumulative, a.cfg.RecapCharBudget)
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		a.log.Warn("summary lookup failed", zap.String("work_id", workID), zap.Error(err))
	}

	from := boundary - a.cfg.SummaryLookbackChapters + 1
	if from < 1 {
		from = 1
	}
	sums, err := a.chapters.Summaries(ctx, workID, from, boundary)
	if err != nil {
		a.log.Warn("summaries lookup failed", zap.String("work_id", workID), zap.Error(err))
		return ""
	}
	var parts []string
	for _, s := range sums {
		if s.No > boundary || strings.TrimSpace(s.Summary) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("Chapter %d: %s", s.No, strings.TrimSpace(s.Summary)))
	}
	return tail(strings.Join(parts, "\n"), a.cfg.RecapCharBudget)
}

func (a *Assembler) relationshipCard(ctx context.Context, c *models.Character, workID string, anchor int, recap string) string {
	if a.cards == nil {
		return strings.TrimSpace(c.RelationToLead)
	}
	card, ok, err := a.cards.Get(ctx, workID, c.ID, anchor)
	if err != nil {
		a.log.Warn("relationship card read failed", zap.String("character_id", c.ID), zap.Error(err))
	}
	if ok {
		return card
	}
	if a.generator == nil || recap == "" {
		return strings.TrimSpace(c.RelationToLead)
	}

	prompt, err := a.templates.Render(TmplCard, map[string]string{
		"character_name": c.Name,
		"character_role": c.RoleInWork,
		"anchor":         strconv.Itoa(anchor),
		"recap":          recap,
	})
	if err != nil {
		return strings.TrimSpace(c.RelationToLead)
	}
	card, err = a.generator.Generate(ctx, interfaces.GenerateRequest{
		Purpose:  interfaces.PurposeCard,
		Messages: []interfaces.ModelMessage{{Role: interfaces.RoleUser, Content: prompt}},
		Length:   "short",
	})
	if err != nil {
		a.log.Warn("relationship card generation failed", zap.String("character_id", c.ID), zap.Error(err))
		return strings.TrimSpace(c.RelationToLead)
	}
	card = strings.TrimSpace(card)
	if err := a.cards.Set(ctx, workID, c.ID, anchor, card); err != nil {
		a.log.Warn("relationship card write failed", zap.String("character_id", c.ID), zap.Error(err))
	}
	return card
}

func (a *Assembler) injectionSection(inj scenario.Injection) (string, error) {
	if inj.Event != nil {
		return a.templates.Render(TmplEvent, map[string]string{
			"narration": inj.Event.Narration,
			"dialogue":  inj.Event.Dialogue,
		})
	}
	if len(inj.Memos) == 0 {
		return "", nil
	}
	lines := make([]string, 0, len(inj.Memos))
	for _, m := range inj.Memos {
		if m.Title != "" {
			lines = append(lines, "- "+m.Title+": "+m.Body)
		} else {
			lines = append(lines, "- "+m.Body)
		}
	}
	return a.templates.Render(TmplMemo, map[string]string{"memo_lines": strings.Join(lines, "\n")})
}

func (a *Assembler) statsSection(defs []scenario.StatDefinition, current map[string]int) (string, error) {
	vec := scenario.Seed(defs, current)
	lines := make([]string, 0, len(defs))
	for _, d := range defs {
		lines = append(lines, fmt.Sprintf("- %s (%s): %d, range %d..%d", d.ID, d.Name, vec[d.ID], d.Min, d.Max))
	}
	return a.templates.Render(TmplStats, map[string]string{
		"stat_lines":  strings.Join(lines, "\n"),
		"block_start": scenario.StatBlockStart,
		"block_end":   scenario.StatBlockEnd,
	})
}

// budget bounds the grounding sections of the system prompt.
type budget struct {
	left int
}

func newBudget(total int) *budget {
	return &budget{left: total}
}

func (b *budget) fits(n int) bool {
	return n <= b.left
}

// add appends s when it fits, a truncated s when at least a useful part fits,
// and nothing otherwise.
func (b *budget) add(sections *[]string, s string) {
	n := runeLen(s)
	switch {
	case n <= b.left:
		*sections = append(*sections, s)
		b.left -= n
	case b.left >= 200:
		*sections = append(*sections, head(s, b.left))
		b.left = 0
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func runeLen(s string) int {
	return len([]rune(s))
}

func head(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}

// tail keeps the last n runes, the most recent part of a recap or chapter.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n:])
}
