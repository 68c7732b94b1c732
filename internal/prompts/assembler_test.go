package prompts

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"char-chat/server/internal/config"
	"char-chat/server/internal/interfaces"
	"char-chat/server/internal/models"
	"char-chat/server/internal/scenario"
)

type fakePersonas struct{ persona *models.Persona }

func (f *fakePersonas) ActivePersona(ctx context.Context, userID string, mode models.RoomMode) (*models.Persona, error) {
	if f.persona == nil || !f.persona.Scope.Covers(mode) {
		return nil, nil
	}
	return f.persona, nil
}

type fakeLore struct{ notes []models.LoreNote }

func (f *fakeLore) RelevantNotes(ctx context.Context, userID, characterID, query string, limit int) ([]models.LoreNote, error) {
	if len(f.notes) > limit {
		return f.notes[:limit], nil
	}
	return f.notes, nil
}

// fakeChapters holds a work with chapters 1..10 and records what was asked for.
type fakeChapters struct {
	requested  []int
	cumulative bool
}

func (f *fakeChapters) Chapter(ctx context.Context, workID string, no int) (*models.Chapter, error) {
	f.requested = append(f.requested, no)
	return &models.Chapter{WorkID: workID, No: no, Content: "scene text of chapter " + itoa(no)}, nil
}

func (f *fakeChapters) Summary(ctx context.Context, workID string, no int) (*models.ChapterSummary, error) {
	f.requested = append(f.requested, no)
	if !f.cumulative {
		return nil, models.ErrNotFound
	}
	return &models.ChapterSummary{WorkID: workID, No: no, Cumulative: "everything up to chapter " + itoa(no)}, nil
}

func (f *fakeChapters) Summaries(ctx context.Context, workID string, from, to int) ([]models.ChapterSummary, error) {
	f.requested = append(f.requested, to)
	// Misbehaving source: also returns a chapter past the boundary.
	var out []models.ChapterSummary
	for no := from; no <= to+2; no++ {
		out = append(out, models.ChapterSummary{WorkID: workID, No: no, Summary: "summary " + itoa(no)})
	}
	return out, nil
}

type fakeCards struct{ cards map[string]string }

func (f *fakeCards) Get(ctx context.Context, workID, characterID string, anchor int) (string, bool, error) {
	c, ok := f.cards[workID+characterID+itoa(anchor)]
	return c, ok, nil
}

func (f *fakeCards) Set(ctx context.Context, workID, characterID string, anchor int, card string) error {
	f.cards[workID+characterID+itoa(anchor)] = card
	return nil
}

type fakeGenerator struct {
	reply string
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, req interfaces.GenerateRequest) (string, error) {
	f.calls++
	return f.reply, nil
}

func itoa(n int) string { return strconv.Itoa(n) }

func testEngineConfig() config.EngineConfig {
	return config.Default().Engine
}

func character() *models.Character {
	return &models.Character{ID: "c1", Name: "Mira", Description: "A lighthouse keeper.", Personality: "Wry", RoleInWork: "the keeper"}
}

func systemOf(t *testing.T, msgs []interfaces.ModelMessage) string {
	t.Helper()
	require.NotEmpty(t, msgs)
	require.Equal(t, interfaces.RoleSystem, msgs[0].Role)
	return msgs[0].Content
}

func TestAssembler_PlainTurn(t *testing.T) {
	personas := &fakePersonas{persona: &models.Persona{Name: "Jun", Description: "A sailor.", Scope: models.PersonaScopePlain}}
	lore := &fakeLore{notes: []models.LoreNote{{ID: "n1", Title: "Ring", Content: "Jun lost a ring."}}}
	a := NewAssembler(DefaultTemplates(), personas, lore, nil, nil, testEngineConfig())

	set := &scenario.StartSet{Stats: []scenario.StatDefinition{{ID: "trust", Name: "Trust", Min: 0, Max: 10, Base: 5}}}
	in := TurnInput{
		Room:      &models.ChatRoom{ID: "r", UserID: "u", Mode: models.ModePlain},
		Character: character(),
		StartSet:  set,
		History: []models.ChatMessage{
			{Role: models.RoleAssistant, Content: "intro"},
			{Role: models.RoleUser, Content: "hello"},
			{Role: models.RoleAssistant, Content: "hi there"},
		},
		UserText:  "where is the ring?",
		Injection: scenario.Injection{Memos: []scenario.SettingMemo{{ID: "m", Body: "The lamp is never lit on Sundays."}}},
		Stats:     map[string]int{"trust": 7},
	}
	msgs, err := a.Build(context.Background(), in)
	require.NoError(t, err)

	sys := systemOf(t, msgs)
	assert.Contains(t, sys, "You are Mira")
	assert.Contains(t, sys, NeverImpersonateRule)
	assert.Contains(t, sys, "Never refer to the user in the third person")
	assert.Contains(t, sys, "The user plays Jun")
	assert.Contains(t, sys, "Jun lost a ring.")
	assert.Contains(t, sys, "The lamp is never lit on Sundays.")
	assert.Contains(t, sys, "trust (Trust): 7")
	assert.Contains(t, sys, scenario.StatBlockStart)
	assert.Contains(t, sys, scenario.StatBlockStart+`{"stats":[]}`+scenario.StatBlockEnd)
	assert.NotContains(t, sys, "{{")

	require.Len(t, msgs, 5)
	assert.Equal(t, interfaces.RoleAssistant, msgs[1].Role)
	assert.Equal(t, interfaces.RoleUser, msgs[2].Role)
	assert.Equal(t, "where is the ring?", msgs[4].Content)
}

func TestAssembler_EventAndContinuation(t *testing.T) {
	a := NewAssembler(DefaultTemplates(), nil, nil, nil, nil, testEngineConfig())
	ev := &scenario.TurnEvent{ID: "e", Turn: 12, Narration: "The lights die.", Dialogue: "\"Stay close.\""}
	base := TurnInput{
		Room:      &models.ChatRoom{ID: "r", Mode: models.ModePlain},
		Character: character(),
		UserText:  "go on",
		Injection: scenario.Injection{Event: ev},
	}

	msgs, err := a.Build(context.Background(), base)
	require.NoError(t, err)
	assert.Contains(t, systemOf(t, msgs), "The lights die.")
	assert.NotContains(t, systemOf(t, msgs), "Hidden state", "no stats, no stat instructions")

	base.Continuation = true
	msgs, err = a.Build(context.Background(), base)
	require.NoError(t, err)
	assert.NotContains(t, systemOf(t, msgs), "The lights die.")
	assert.Contains(t, msgs[len(msgs)-1].Content, "Continue the scene")
	assert.Contains(t, systemOf(t, msgs), NeverImpersonateRule)
}

func TestAssembler_OriginWorkRespectsReadingPosition(t *testing.T) {
	chapters := &fakeChapters{}
	a := NewAssembler(DefaultTemplates(), nil, nil, chapters, nil, testEngineConfig())
	room := &models.ChatRoom{ID: "r", Mode: models.ModeOriginWork, WorkID: "work-0042", ReadingTo: 3}

	msgs, err := a.Build(context.Background(), TurnInput{Room: room, Character: character(), UserText: "hi"})
	require.NoError(t, err)
	sys := systemOf(t, msgs)

	assert.Contains(t, sys, "inside the story the user is reading")
	assert.NotContains(t, sys, "work-0042", "ids are not titles")
	assert.Contains(t, sys, "chapter 3")
	assert.Contains(t, sys, "summary 3")
	assert.NotContains(t, sys, "summary 4")
	assert.NotContains(t, sys, "summary 5")
	assert.Contains(t, sys, "scene text of chapter 3")
	for _, no := range chapters.requested {
		assert.LessOrEqual(t, no, 3)
	}
}

func TestAssembler_OriginWorkCardIsGeneratedOnce(t *testing.T) {
	chapters := &fakeChapters{cumulative: true}
	cards := &fakeCards{cards: map[string]string{}}
	gen := &fakeGenerator{reply: "Old friends who no longer trust each other."}
	a := NewAssembler(DefaultTemplates(), nil, nil, chapters, cards, testEngineConfig()).WithCardGenerator(gen)
	room := &models.ChatRoom{ID: "r", Mode: models.ModeOriginWork, WorkID: "w", ReadingTo: 2}

	for i := 0; i < 2; i++ {
		msgs, err := a.Build(context.Background(), TurnInput{Room: room, Character: character(), UserText: "hi"})
		require.NoError(t, err)
		sys := systemOf(t, msgs)
		assert.Contains(t, sys, "Old friends")
		assert.Contains(t, sys, "everything up to chapter 2")
	}
	assert.Equal(t, 1, gen.calls)
}

func TestAssembler_PlainModeSkipsWork(t *testing.T) {
	chapters := &fakeChapters{}
	a := NewAssembler(DefaultTemplates(), nil, nil, chapters, nil, testEngineConfig())
	room := &models.ChatRoom{ID: "r", Mode: models.ModePlain, WorkID: "w", ReadingTo: 3}

	_, err := a.Build(context.Background(), TurnInput{Room: room, Character: character(), UserText: "hi"})
	require.NoError(t, err)
	assert.Empty(t, chapters.requested)
}

func TestAssembler_LoreWithinBudget(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ContextCharBudget = 300
	var notes []models.LoreNote
	for i := 0; i < 5; i++ {
		notes = append(notes, models.LoreNote{ID: itoa(i), Content: strings.Repeat("x", 100)})
	}
	a := NewAssembler(DefaultTemplates(), nil, &fakeLore{notes: notes}, nil, nil, cfg)

	msgs, err := a.Build(context.Background(), TurnInput{
		Room: &models.ChatRoom{ID: "r", Mode: models.ModePlain}, Character: character(), UserText: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(systemOf(t, msgs), strings.Repeat("x", 100)))
}

func TestLoadTemplates_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`templates:
  - name: ending
    content: "*** {{title}} ***"
`), 0o644))

	set, err := LoadTemplates(path)
	require.NoError(t, err)
	out, err := set.Render(TmplEnding, map[string]string{"title": "Dawn"})
	require.NoError(t, err)
	assert.Equal(t, "*** Dawn ***", out)

	_, err = set.Get(TmplSystem)
	assert.NoError(t, err, "defaults survive an override file")

	tmpl, err := set.Get(TmplEnding)
	require.NoError(t, err)
	assert.Equal(t, []string{"title"}, tmpl.Variables)
}

func TestRender_UnknownTemplate(t *testing.T) {
	_, err := DefaultTemplates().Render("nope", nil)
	assert.Error(t, err)
}
