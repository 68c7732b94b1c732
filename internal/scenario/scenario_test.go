package scenario

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSet() *StartSet {
	return &StartSet{
		ID:        "rainy-night",
		Intro:     "Rain hammers the shop window.",
		FirstLine: "You came back.",
		TurnEvents: []TurnEvent{
			{ID: "blackout", Turn: 12, Narration: "The lights die all at once.", Dialogue: "\"Stay close to me.\""},
			{ID: "knock", Turn: 3, Narration: "Someone knocks twice.", Dialogue: "\"Expecting anyone?\""},
		},
		SettingMemos: []SettingMemo{
			{ID: "umbrella", Triggers: []string{"Umbrella"}, Body: "The umbrella belonged to her sister."},
			{ID: "shop", Triggers: []string{"shop", "store"}, Body: "The shop closed ten years ago."},
			{ID: "radio", Triggers: []string{"radio"}, Body: "The radio only plays one station."},
			{ID: "elsewhere", Triggers: []string{"radio"}, Scope: []string{"other-set"}, Body: "not here"},
		},
		Stats: []StatDefinition{
			{ID: "trust", Name: "Trust", Min: 0, Max: 100, Base: 50},
			{ID: "fear", Name: "Fear", Min: -10, Max: 10, Base: 0},
		},
		Endings: []EndingDefinition{
			{ID: "bonded", Title: "Bonded", Conditions: []EndingCondition{{Type: ConditionStat, StatID: "trust", Op: OpGTE, Value: 90}}},
			{ID: "curtain", Title: "Curtain", Turn: 20},
			{ID: "secret", Title: "Secret", Conditions: []EndingCondition{{Type: ConditionText, Text: "memo:radio"}}},
		},
	}
}

func TestDecode_NormalizesOperators(t *testing.T) {
	payload := []byte(`{
		"intro": "hi",
		"endings": [{"id": "e1", "conditions": [{"stat_id": "trust", "op": "gte", "value": 3}]}],
		"stats": [{"id": "trust", "min": 0, "max": 10, "base": 5}]
	}`)
	set, err := Decode("set-1", payload)
	require.NoError(t, err)
	assert.Equal(t, "set-1", set.ID)
	assert.Equal(t, OpGTE, set.Endings[0].Conditions[0].Op)
	assert.Equal(t, ConditionStat, set.Endings[0].Conditions[0].Type)
}

func TestDecode_RejectsBadBundles(t *testing.T) {
	_, err := Decode("s", []byte(`{"stats":[{"id":"x","min":5,"max":1}]}`))
	assert.Error(t, err)

	_, err = Decode("s", []byte(`{"turn_events":[{"id":"a","turn":0}]}`))
	assert.Error(t, err)

	_, err = Decode("s", []byte(`{"endings":[{"id":"e","conditions":[{"stat_id":"x","op":"!="}]}]}`))
	assert.Error(t, err)

	_, err = Decode("s", []byte(`not json`))
	assert.Error(t, err)
}

func TestScheduler_EventAtExactTurn(t *testing.T) {
	s := Scheduler{MaxMemos: 2}
	set := testSet()

	inj := s.Plan(set, 12, "hello", SchedulerState{})
	require.NotNil(t, inj.Event)
	assert.Equal(t, "blackout", inj.Event.ID)

	inj = s.Plan(set, 11, "hello", SchedulerState{})
	assert.Nil(t, inj.Event)
}

func TestScheduler_EventFiresAtMostOnce(t *testing.T) {
	s := Scheduler{MaxMemos: 2}
	set := testSet()

	inj := s.Plan(set, 3, "", SchedulerState{})
	require.NotNil(t, inj.Event)
	st := s.Advance(SchedulerState{}, inj)
	assert.Equal(t, []string{"knock"}, st.ConsumedEvents)

	inj = s.Plan(set, 3, "", st)
	assert.Nil(t, inj.Event)
}

func TestScheduler_LookbackPicksMissedEvent(t *testing.T) {
	set := testSet()

	inj := Scheduler{EventLookback: 2}.Plan(set, 5, "", SchedulerState{})
	require.NotNil(t, inj.Event)
	assert.Equal(t, "knock", inj.Event.ID)

	inj = Scheduler{EventLookback: 1}.Plan(set, 5, "", SchedulerState{})
	assert.Nil(t, inj.Event)
}

func TestScheduler_EventDefersMatchingMemos(t *testing.T) {
	s := Scheduler{MaxMemos: 2}
	set := testSet()

	inj := s.Plan(set, 12, "where is my umbrella?", SchedulerState{})
	require.NotNil(t, inj.Event)
	assert.Empty(t, inj.Memos)
	assert.Equal(t, []string{"umbrella"}, inj.Deferred)

	st := s.Advance(SchedulerState{}, inj)
	inj = s.Plan(set, 13, "nothing relevant", st)
	require.Len(t, inj.Memos, 1)
	assert.Equal(t, "umbrella", inj.Memos[0].ID)
	assert.Empty(t, inj.Deferred)

	st = s.Advance(st, inj)
	assert.Equal(t, []string{"umbrella"}, st.AppliedMemos)
	assert.Empty(t, st.DeferredMemos)
}

func TestScheduler_MemoLimitAndScope(t *testing.T) {
	s := Scheduler{MaxMemos: 1}
	set := testSet()

	inj := s.Plan(set, 1, "the RADIO in the shop", SchedulerState{})
	require.Len(t, inj.Memos, 1)
	assert.Equal(t, "shop", inj.Memos[0].ID)
	assert.Equal(t, []string{"radio"}, inj.Deferred)

	st := s.Advance(SchedulerState{}, inj)
	inj = s.Plan(set, 2, "the shop again", st)
	require.Len(t, inj.Memos, 1)
	assert.Equal(t, "radio", inj.Memos[0].ID, "deferred memo is offered first, applied memo is not repeated")
}

func TestScheduler_NilSet(t *testing.T) {
	inj := Scheduler{}.Plan(nil, 1, "umbrella", SchedulerState{DeferredMemos: []string{"x"}})
	assert.True(t, inj.Empty())
	assert.Equal(t, []string{"x"}, inj.Deferred)
}

func TestMarkerParser_StripsBlock(t *testing.T) {
	p := NewMarkerParser()
	raw := "She smiles.\n<<STATS>>{\"stats\":[{\"stat_id\":\"trust\",\"delta\":5}]}<</STATS>>"

	clean, updates, err := p.Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "She smiles.", clean)
	require.Len(t, updates, 1)
	assert.Equal(t, "trust", updates[0].StatID)
	assert.Equal(t, 5, *updates[0].Delta)
}

func TestMarkerParser_TolerantDecoding(t *testing.T) {
	p := NewMarkerParser()
	raw := "ok <<STATS>>```json\n{\"stats\":[{\"stat_id\":7,\"value\":2.6},{\"stat_id\":\"fear\",\"delta\":-1.4},{\"stat_id\":\"x\"}]}\n```<</STATS>>"

	clean, updates, err := p.Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", clean)
	require.Len(t, updates, 2)
	assert.Equal(t, "7", updates[0].StatID)
	assert.Equal(t, 3, *updates[0].Value)
	assert.Equal(t, -1, *updates[1].Delta)
}

func TestMarkerParser_LastBlockWins(t *testing.T) {
	p := NewMarkerParser()
	raw := "a <<STATS>>{\"stats\":[{\"stat_id\":\"trust\",\"delta\":1}]}<</STATS>> b <<STATS>>{\"stats\":[{\"stat_id\":\"trust\",\"delta\":9}]}<</STATS>>"

	clean, updates, err := p.Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "a  b", clean)
	require.Len(t, updates, 1)
	assert.Equal(t, 9, *updates[0].Delta)
}

func TestMarkerParser_UnterminatedAndMissing(t *testing.T) {
	p := NewMarkerParser()

	clean, _, err := p.Extract("line one\n<<STATS>>{\"stats\":[")
	assert.True(t, errors.Is(err, ErrBadStatBlock))
	assert.Equal(t, "line one", clean)

	clean, _, err = p.Extract("just text")
	assert.True(t, errors.Is(err, ErrNoStatBlock))
	assert.Equal(t, "just text", clean)
}

func TestLedger_ClampsAndIgnoresUnknown(t *testing.T) {
	set := testSet()
	l := NewLedger(nil)

	raw := "reply<<STATS>>{\"stats\":[{\"stat_id\":\"trust\",\"delta\":500},{\"stat_id\":\"fear\",\"value\":-50},{\"stat_id\":\"ghost\",\"delta\":1}]}<</STATS>>"
	res := l.Apply(set.Stats, nil, raw)
	require.NoError(t, res.Err)
	assert.True(t, res.Changed)
	assert.Equal(t, "reply", res.Text)
	assert.Equal(t, map[string]int{"trust": 100, "fear": -10}, res.Stats)
}

func TestLedger_ValueThenDelta(t *testing.T) {
	set := testSet()
	res := NewLedger(nil).Apply(set.Stats, map[string]int{"trust": 10},
		"x<<STATS>>{\"stats\":[{\"stat_id\":\"trust\",\"value\":40,\"delta\":5}]}<</STATS>>")
	require.NoError(t, res.Err)
	assert.Equal(t, 45, res.Stats["trust"])
}

func TestLedger_MalformedBlockLeavesVectorUnchanged(t *testing.T) {
	set := testSet()
	current := map[string]int{"trust": 61, "fear": 2}

	res := NewLedger(nil).Apply(set.Stats, current, "text <<STATS>>{oops}<</STATS>> tail")
	assert.Error(t, res.Err)
	assert.False(t, res.Changed)
	assert.Equal(t, current, res.Stats)
	assert.Equal(t, "text  tail", res.Text)
	assert.NotContains(t, res.Text, StatBlockStart)
}

func TestSeed_BaseValues(t *testing.T) {
	set := testSet()
	assert.Equal(t, map[string]int{"trust": 50, "fear": 0}, Seed(set.Stats, map[string]int{"stale": 4}))
	assert.Equal(t, map[string]int{"trust": 100, "fear": 0}, Seed(set.Stats, map[string]int{"trust": 400}))
}

func TestEvaluateEnding_ConditionBeforeTurn(t *testing.T) {
	set := testSet()

	e := EvaluateEnding(set, EndingInput{Turn: 20, Stats: map[string]int{"trust": 95}})
	require.NotNil(t, e)
	assert.Equal(t, "bonded", e.ID)

	e = EvaluateEnding(set, EndingInput{Turn: 20, Stats: map[string]int{"trust": 50}})
	require.NotNil(t, e)
	assert.Equal(t, "curtain", e.ID)

	e = EvaluateEnding(set, EndingInput{Turn: 19, Stats: map[string]int{"trust": 50}})
	assert.Nil(t, e)
}

func TestEvaluateEnding_OnlyOnce(t *testing.T) {
	set := testSet()
	e := EvaluateEnding(set, EndingInput{Turn: 20, Stats: map[string]int{"trust": 95}, FiredEndingID: "bonded"})
	assert.Nil(t, e)
}

func TestEvaluateEnding_TextAndMemoConditions(t *testing.T) {
	set := testSet()
	e := EvaluateEnding(set, EndingInput{Turn: 2, FiredMemoIDs: []string{"radio"}})
	require.NotNil(t, e)
	assert.Equal(t, "secret", e.ID)

	cond := EndingCondition{Type: ConditionText, Text: "Goodbye"}
	assert.True(t, cond.Satisfied(EndingInput{AssistantText: "well, goodbye then"}))
	assert.False(t, cond.Satisfied(EndingInput{UserText: "hello"}))
}

func TestEvaluateEnding_AnyConditionSelects(t *testing.T) {
	set := &StartSet{Endings: []EndingDefinition{{
		ID: "either",
		Conditions: []EndingCondition{
			{Type: ConditionStat, StatID: "trust", Op: OpGTE, Value: 90},
			{Type: ConditionText, Text: "farewell"},
		},
	}}}
	e := EvaluateEnding(set, EndingInput{Stats: map[string]int{"trust": 10}, UserText: "Farewell, then."})
	require.NotNil(t, e)
	assert.Equal(t, "either", e.ID)
	assert.Nil(t, EvaluateEnding(set, EndingInput{Stats: map[string]int{"trust": 10}, UserText: "hello"}))
}

func TestEvaluateEnding_TurnEndingWithConditionsFiresOnItsTurn(t *testing.T) {
	set := &StartSet{Endings: []EndingDefinition{{
		ID:         "deadline",
		Turn:       10,
		Conditions: []EndingCondition{{Type: ConditionStat, StatID: "trust", Op: OpGTE, Value: 90}},
	}}}

	e := EvaluateEnding(set, EndingInput{Turn: 10, Stats: map[string]int{"trust": 10}})
	require.NotNil(t, e)
	assert.Equal(t, "deadline", e.ID)

	e = EvaluateEnding(set, EndingInput{Turn: 4, Stats: map[string]int{"trust": 95}})
	require.NotNil(t, e, "conditions still fire early")
	assert.Equal(t, "deadline", e.ID)

	assert.Nil(t, EvaluateEnding(set, EndingInput{Turn: 9, Stats: map[string]int{"trust": 10}}))
}

func TestApplyUpdates(t *testing.T) {
	defs := []StatDefinition{{ID: "trust", Min: 0, Max: 10, Base: 5}}
	n := func(v int) *int { return &v }
	cur := map[string]int{"trust": 6}

	out := ApplyUpdates(defs, cur, []StatUpdate{
		{StatID: "trust", Value: n(2), Delta: n(3)},
		{StatID: "trust", Delta: n(9)},
		{StatID: "ghost", Delta: n(1)},
	})
	assert.Equal(t, map[string]int{"trust": 10}, out)
	assert.Equal(t, map[string]int{"trust": 6}, cur, "input is not mutated")
	assert.Equal(t, map[string]int{"trust": 5}, ApplyUpdates(defs, nil, nil))
}

func TestEvaluateEnding_Operators(t *testing.T) {
	stats := map[string]int{"trust": 5}
	cases := []struct {
		op   CompareOp
		v    int
		want bool
	}{
		{OpGTE, 5, true},
		{OpGT, 5, false},
		{OpEQ, 5, true},
		{OpLTE, 4, false},
	}
	for _, c := range cases {
		cond := EndingCondition{Type: ConditionStat, StatID: "trust", Op: c.op, Value: c.v}
		assert.Equal(t, c.want, cond.Satisfied(EndingInput{Stats: stats}), "op %s %d", c.op, c.v)
	}
	missing := EndingCondition{Type: ConditionStat, StatID: "none", Op: OpLTE, Value: 100}
	assert.False(t, missing.Satisfied(EndingInput{Stats: stats}))
}
