package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"char-chat/server/internal/config"
	"char-chat/server/internal/interfaces"
	"char-chat/server/internal/logger"
	"char-chat/server/internal/metrics"
	"char-chat/server/internal/models"
	"char-chat/server/internal/prompts"
	"char-chat/server/internal/scenario"
	"char-chat/server/internal/storage"
)

var errLockBusy = errors.New("room lock busy")

// TurnRequest is one user submission to a room. Text "" or "continue" asks
// the character to go on without starting a new turn.
type TurnRequest struct {
	RoomID      string
	CharacterID string
	Text        string
	Continue    bool
	ChoiceID    string
	Settings    *storage.SettingsPatch
	WantChoices bool
}

type TurnMeta struct {
	TurnCount int             `json:"turn_count"`
	MaxTurns  int             `json:"max_turns"`
	Completed bool            `json:"completed"`
	Choices   []models.Choice `json:"choices,omitempty"`
}

type TurnResult struct {
	RoomID    string
	Assistant *models.ChatMessage
	Ending    *models.ChatMessage
	Meta      TurnMeta
}

// CreateRoomRequest opens a new conversation.
type CreateRoomRequest struct {
	UserID      string
	CharacterID string
	StartSetID  string
	Mode        string
	WorkID      string
	ReadingFrom int
	ReadingTo   int
}

// RoomView is the user-visible state of a room. The stat vector is not part of it.
type RoomView struct {
	RoomID    string               `json:"room_id"`
	Mode      models.RoomMode      `json:"mode"`
	TurnCount int                  `json:"turn_count"`
	MaxTurns  int                  `json:"max_turns"`
	Completed bool                 `json:"completed"`
	EndingID  string               `json:"ending_id,omitempty"`
	ReadingTo int                  `json:"reading_to,omitempty"`
	Settings  storage.RoomSettings `json:"settings"`
}

// Deps are the collaborators of a TurnEngine.
type Deps struct {
	Chats     *storage.ChatStore
	Content   *storage.ContentStore
	States    *storage.RoomStateStore
	Assembler *prompts.Assembler
	Generator interfaces.Generator
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// TurnEngine runs conversational turns. The message log is authoritative;
// the room state cache only speeds up index resolution and is rebuilt from
// the log whenever it is cold.
type TurnEngine struct {
	chats     *storage.ChatStore
	content   *storage.ContentStore
	states    *storage.RoomStateStore
	assembler *prompts.Assembler
	generator interfaces.Generator
	scheduler scenario.Scheduler
	ledger    *scenario.Ledger
	cfg       config.EngineConfig
	metrics   *metrics.Metrics
	log       *zap.Logger
	inflight  *atomic.Int64
	now       func() time.Time
}

func NewTurnEngine(cfg config.EngineConfig, deps Deps) *TurnEngine {
	m := deps.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	log := deps.Logger
	if log == nil {
		log = logger.Named("engine")
	}
	return &TurnEngine{
		chats:     deps.Chats,
		content:   deps.Content,
		states:    deps.States,
		assembler: deps.Assembler,
		generator: deps.Generator,
		scheduler: scenario.Scheduler{MaxMemos: cfg.MaxMemosPerTurn, EventLookback: cfg.EventLookbackTurns},
		ledger:    scenario.NewLedger(scenario.NewMarkerParser()),
		cfg:       cfg,
		metrics:   m,
		log:       log,
		inflight:  atomic.NewInt64(0),
		now:       time.Now,
	}
}

// Inflight returns the number of turns being processed right now.
func (e *TurnEngine) Inflight() int64 {
	return e.inflight.Load()
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// turnContext is everything a turn needs that does not depend on the index.
type turnContext struct {
	room      *models.ChatRoom
	character *models.Character
	set       *scenario.StartSet
	settings  storage.RoomSettings
}

func (tc *turnContext) statDefs() []scenario.StatDefinition {
	if tc.set == nil {
		return nil
	}
	return tc.set.Stats
}

func (tc *turnContext) maxTurns() int {
	if tc.set == nil {
		return 0
	}
	return tc.set.MaxTurns
}

// Process runs one turn and returns the persisted assistant output.
func (e *TurnEngine) Process(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	e.inflight.Inc()
	e.metrics.InflightTurns.Inc()
	defer func() {
		e.inflight.Dec()
		e.metrics.InflightTurns.Dec()
	}()

	tc, err := e.load(ctx, req)
	if err != nil {
		e.metrics.Turns.WithLabelValues("rejected").Inc()
		return nil, err
	}

	text, kind := req.Text, models.KindUser
	if req.ChoiceID != "" {
		latest, err := e.chats.LatestAssistant(ctx, tc.room.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if text, err = resolveChoice(latest, req.ChoiceID); err != nil {
			e.metrics.Turns.WithLabelValues("rejected").Inc()
			return nil, err
		}
		kind = models.KindChoice
	} else if req.Continue || isContinuation(req.Text) {
		res, err := e.continueTurn(ctx, tc, req)
		e.countOutcome("continue", err)
		return res, err
	}

	res, err := e.runTurn(ctx, tc, req, text, kind)
	e.countOutcome("ok", err)
	return res, err
}

func (e *TurnEngine) countOutcome(ok string, err error) {
	switch {
	case err == nil:
		e.metrics.Turns.WithLabelValues(ok).Inc()
	case errors.Is(err, models.ErrModelUnavailable):
		e.metrics.Turns.WithLabelValues("model_error").Inc()
	default:
		e.metrics.Turns.WithLabelValues("failed").Inc()
	}
}

func (e *TurnEngine) load(ctx context.Context, req TurnRequest) (*turnContext, error) {
	room, err := e.chats.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	if req.CharacterID != "" && req.CharacterID != room.CharacterID {
		return nil, fmt.Errorf("%w: room %s, character %s", models.ErrCharacterMismatch, room.ID, req.CharacterID)
	}
	character, err := e.content.GetCharacter(ctx, room.CharacterID)
	if err != nil {
		return nil, err
	}
	tc := &turnContext{room: room, character: character}
	if room.StartSetID != "" {
		if tc.set, err = e.content.GetStartSet(ctx, room.CharacterID, room.StartSetID); err != nil {
			return nil, err
		}
	}

	if req.Settings != nil && !req.Settings.Empty() {
		if err := req.Settings.Validate(); err != nil {
			return nil, err
		}
		tc.settings, err = e.states.PatchSettings(ctx, room.ID, *req.Settings)
	} else {
		tc.settings, err = e.states.Settings(ctx, room.ID)
	}
	if err != nil {
		e.log.Warn("failed to read room settings", zap.String("room_id", room.ID), zap.Error(err))
	}
	return tc, nil
}

// runTurn handles a counted turn: index resolution, generation, stats,
// ending and commit. Any failure after the user message is written deletes it
// again so the log never counts a failed turn.
func (e *TurnEngine) runTurn(ctx context.Context, tc *turnContext, req TurnRequest, text string, kind models.MessageKind) (*TurnResult, error) {
	defs := tc.statDefs()
	userMsg, state, err := e.beginTurn(ctx, tc.room.ID, defs, text, kind, req.ChoiceID)
	if err != nil {
		return nil, err
	}
	turn := userMsg.TurnIndex
	log := e.log.With(zap.String("room_id", tc.room.ID), zap.Int("turn", turn))

	fail := func(err error) (*TurnResult, error) {
		log.Warn("turn failed, rolling back user message", zap.Error(err))
		e.rollback(ctx, userMsg)
		return nil, err
	}

	schedState := scenario.SchedulerState{
		ConsumedEvents: state.ConsumedEvents,
		AppliedMemos:   state.AppliedMemos,
		DeferredMemos:  state.DeferredMemos,
	}
	inj := e.scheduler.Plan(tc.set, turn, text, schedState)
	stats := scenario.Seed(defs, state.Stats)

	history, err := e.history(ctx, tc.room.ID, userMsg.ID)
	if err != nil {
		return fail(err)
	}
	msgs, err := e.assembler.Build(ctx, prompts.TurnInput{
		Room:      tc.room,
		Character: tc.character,
		StartSet:  tc.set,
		History:   history,
		UserText:  text,
		Injection: inj,
		Stats:     stats,
		Length:    tc.settings.ResponseLength,
	})
	if err != nil {
		return fail(err)
	}
	raw, err := e.generate(ctx, tc, msgs)
	if err != nil {
		return fail(err)
	}

	applied := e.ledger.Apply(defs, stats, raw)
	if applied.Err != nil && len(defs) > 0 {
		e.metrics.StatParseFailures.Inc()
		log.Warn("stat block not applied", zap.Error(applied.Err))
	}
	reply, _ := sanitizeReply(applied.Text, text)
	reply, repaired := ensureEventText(reply, inj.Event)
	if repaired {
		e.metrics.EventsRepaired.Inc()
		log.Info("appended missing event text", zap.String("event_id", inj.Event.ID))
	}
	if reply == "" {
		return fail(fmt.Errorf("%w: empty reply", models.ErrModelUnavailable))
	}

	ending := scenario.EvaluateEnding(tc.set, scenario.EndingInput{
		Turn:          turn,
		Stats:         applied.Stats,
		UserText:      text,
		AssistantText: reply,
		FiredMemoIDs:  inj.MemoIDs(),
		FiredEndingID: state.EndingID,
	})

	var choices []models.Choice
	if req.WantChoices && ending == nil && e.choicesDue(state) {
		choices = e.suggestChoices(ctx, tc.character, reply, tc.settings.Temperature)
	}

	meta := models.MessageMeta{
		Kind:            models.KindReply,
		Turn:            turn,
		MemoIDs:         inj.MemoIDs(),
		DeferredMemoIDs: inj.Deferred,
		Choices:         choices,
	}
	if inj.Event != nil {
		meta.EventID = inj.Event.ID
	}
	if len(defs) > 0 {
		meta.Stats = applied.Stats
		meta.StatChanges = toStatChanges(applied.Updates)
	}
	assistant, endingMsg, err := e.persistReply(ctx, tc, reply, meta, ending)
	if err != nil {
		return fail(err)
	}
	if endingMsg == nil {
		ending = nil
	}

	next := e.scheduler.Advance(schedState, inj)
	update := &storage.RoomState{
		RoomID:         tc.room.ID,
		Turn:           turn,
		Stats:          applied.Stats,
		ConsumedEvents: next.ConsumedEvents,
		AppliedMemos:   next.AppliedMemos,
		DeferredMemos:  next.DeferredMemos,
		EndingID:       state.EndingID,
	}
	if ending != nil {
		update.EndingID = ending.ID
		e.metrics.EndingsFired.Inc()
		log.Info("ending fired", zap.String("ending_id", ending.ID))
	}
	if len(choices) > 0 {
		update.LastChoicesAt = assistant.CreatedAt
	}
	committed := e.commitState(ctx, update, statCommit{defs: defs, turn: turn, updates: applied.Updates})
	if len(defs) > 0 && committed != nil && !maps.Equal(committed, meta.Stats) {
		e.resnapshot(ctx, assistant, meta, committed)
	}

	return &TurnResult{
		RoomID:    tc.room.ID,
		Assistant: assistant,
		Ending:    endingMsg,
		Meta: TurnMeta{
			TurnCount: turn,
			MaxTurns:  tc.maxTurns(),
			Completed: update.EndingID != "" || (tc.maxTurns() > 0 && turn >= tc.maxTurns()),
			Choices:   choices,
		},
	}, nil
}

// beginTurn resolves the turn index and writes the user message while
// holding the room lock when it can get it. A dedup key conflict means the
// cache was stale, so the next attempt recounts from the log.
func (e *TurnEngine) beginTurn(ctx context.Context, roomID string, defs []scenario.StatDefinition, text string, kind models.MessageKind, choiceID string) (*models.ChatMessage, *storage.RoomState, error) {
	for attempt := 0; attempt <= e.cfg.IndexConflictRetries; attempt++ {
		token, locked, err := e.states.AcquireLock(ctx, roomID)
		if err != nil {
			e.log.Warn("room lock unavailable", zap.String("room_id", roomID), zap.Error(err))
			locked = false
		}

		var state *storage.RoomState
		if locked && attempt == 0 {
			if state, err = e.states.Load(ctx, roomID); err != nil {
				e.log.Warn("failed to load room state", zap.String("room_id", roomID), zap.Error(err))
				state = nil
			}
		}

		var last int
		if state != nil {
			last = state.Turn
		} else {
			e.metrics.IndexFallbacks.Inc()
			last, err = e.chats.LastUserTurn(ctx, roomID)
		}

		var msg *models.ChatMessage
		if err == nil {
			msg, err = e.appendUserMessage(ctx, roomID, last+1, text, kind, choiceID)
		}
		if locked {
			if rerr := e.states.ReleaseLock(context.WithoutCancel(ctx), roomID, token); rerr != nil {
				e.log.Warn("failed to release room lock", zap.String("room_id", roomID), zap.Error(rerr))
			}
		}

		if errors.Is(err, storage.ErrDuplicateKey) {
			e.metrics.IndexConflicts.Inc()
			e.log.Info("turn index conflict, recounting", zap.String("room_id", roomID), zap.Int("turn", last+1))
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		if state == nil {
			if state, err = e.rebuild(ctx, roomID, defs); err != nil {
				e.rollback(ctx, msg)
				return nil, nil, err
			}
		}
		return msg, state, nil
	}
	return nil, nil, fmt.Errorf("%w: room %s", models.ErrTurnConflict, roomID)
}

func (e *TurnEngine) appendUserMessage(ctx context.Context, roomID string, turn int, text string, kind models.MessageKind, choiceID string) (*models.ChatMessage, error) {
	msg := &models.ChatMessage{
		ID:        newMessageID(),
		RoomID:    roomID,
		Role:      models.RoleUser,
		Content:   text,
		TurnIndex: turn,
		DedupKey:  models.TurnDedupKey(turn),
	}
	if err := msg.SetMeta(models.MessageMeta{Kind: kind, Turn: turn, ChoiceID: choiceID}); err != nil {
		return nil, err
	}
	if err := e.chats.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (e *TurnEngine) rollback(ctx context.Context, msg *models.ChatMessage) {
	if err := e.chats.DeleteMessage(context.WithoutCancel(ctx), msg.ID); err != nil {
		e.log.Error("failed to roll back user message", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// rebuild reconstructs room state from the full message log.
func (e *TurnEngine) rebuild(ctx context.Context, roomID string, defs []scenario.StatDefinition) (*storage.RoomState, error) {
	msgs, err := e.chats.AllMessages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return reconcile(roomID, msgs, defs), nil
}

// history returns the recent window without the message being answered.
func (e *TurnEngine) history(ctx context.Context, roomID, excludeID string) ([]models.ChatMessage, error) {
	msgs, err := e.chats.RecentMessages(ctx, roomID, e.cfg.HistoryWindow+1)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID != excludeID {
			out = append(out, m)
		}
	}
	if len(out) > e.cfg.HistoryWindow {
		out = out[len(out)-e.cfg.HistoryWindow:]
	}
	return out, nil
}

func (e *TurnEngine) generate(ctx context.Context, tc *turnContext, msgs []interfaces.ModelMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout)
	defer cancel()

	model := tc.settings.Model
	if model == "" {
		model = tc.character.ModelHint
	}
	raw, err := e.generator.Generate(ctx, interfaces.GenerateRequest{
		Purpose:     interfaces.PurposeReply,
		Model:       model,
		Messages:    msgs,
		Temperature: tc.settings.Temperature,
		Length:      tc.settings.ResponseLength,
	})
	if err != nil {
		if errors.Is(err, models.ErrModelUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	return raw, nil
}

func (e *TurnEngine) choicesDue(state *storage.RoomState) bool {
	return state.LastChoicesAt.IsZero() || e.now().Sub(state.LastChoicesAt) >= e.cfg.ChoiceCooldown
}

// persistReply writes the assistant reply and, when one fired, the ending
// message in one transaction. If another turn already recorded an ending the
// reply is written alone and the returned ending message is nil.
func (e *TurnEngine) persistReply(ctx context.Context, tc *turnContext, reply string, meta models.MessageMeta, ending *scenario.EndingDefinition) (*models.ChatMessage, *models.ChatMessage, error) {
	assistant := &models.ChatMessage{
		ID:        newMessageID(),
		RoomID:    tc.room.ID,
		Role:      models.RoleAssistant,
		Content:   reply,
		TurnIndex: meta.Turn,
	}
	if err := assistant.SetMeta(meta); err != nil {
		return nil, nil, err
	}
	if ending == nil {
		if err := e.chats.AppendMessage(ctx, assistant); err != nil {
			return nil, nil, err
		}
		return assistant, nil, nil
	}

	content, err := e.assembler.Templates().Render(prompts.TmplEnding, map[string]string{
		"title":    ending.Title,
		"epilogue": ending.Epilogue,
	})
	if err != nil {
		return nil, nil, err
	}
	endingMsg := &models.ChatMessage{
		ID:        newMessageID(),
		RoomID:    tc.room.ID,
		Role:      models.RoleAssistant,
		Content:   content,
		TurnIndex: meta.Turn,
		DedupKey:  models.EndingDedupKey(),
	}
	if err := endingMsg.SetMeta(models.MessageMeta{Kind: models.KindEnding, Turn: meta.Turn, EndingID: ending.ID, Stats: meta.Stats}); err != nil {
		return nil, nil, err
	}

	err = e.chats.AppendMessages(ctx, assistant, endingMsg)
	if errors.Is(err, storage.ErrDuplicateKey) {
		e.log.Info("ending already recorded", zap.String("room_id", tc.room.ID), zap.String("ending_id", ending.ID))
		if err := e.chats.AppendMessage(ctx, assistant); err != nil {
			return nil, nil, err
		}
		return assistant, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return assistant, endingMsg, nil
}

// statCommit is the parsed stat block of one counted turn. A zero turn
// carries no changes.
type statCommit struct {
	defs    []scenario.StatDefinition
	turn    int
	updates []scenario.StatUpdate
}

// commitState merges update into the cached record under the room lock and
// applies the turn's stat changes to the freshest vector there, once. A cold
// record is rebuilt from the log first; the log already holds this turn's
// reply, so its changes are part of the rebuilt vector. When the lock stays
// busy the record is dropped so the next turn rebuilds it from the log.
// It returns the committed stat vector, or nil when the commit failed.
func (e *TurnEngine) commitState(ctx context.Context, update *storage.RoomState, sc statCommit) map[string]int {
	ctx = context.WithoutCancel(ctx)
	var committed map[string]int
	op := func() error {
		token, ok, err := e.states.AcquireLock(ctx, update.RoomID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockBusy
		}
		defer func() {
			if err := e.states.ReleaseLock(ctx, update.RoomID, token); err != nil {
				e.log.Warn("failed to release room lock", zap.String("room_id", update.RoomID), zap.Error(err))
			}
		}()

		cur, err := e.states.Load(ctx, update.RoomID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if cur == nil {
			e.metrics.IndexFallbacks.Inc()
			if cur, err = e.rebuild(ctx, update.RoomID, sc.defs); err != nil {
				return backoff.Permanent(err)
			}
		}
		merged := cur.Merge(update)
		if len(sc.defs) > 0 {
			merged.Stats = scenario.Seed(sc.defs, merged.Stats)
			if sc.turn > 0 && !merged.HasStatTurn(sc.turn) {
				merged.Stats = scenario.ApplyUpdates(sc.defs, merged.Stats, sc.updates)
				merged.StatTurns = append(merged.StatTurns, sc.turn)
			}
		}
		merged.UpdatedAt = e.now()
		if err := e.states.Save(ctx, merged); err != nil {
			return backoff.Permanent(err)
		}
		committed = merged.Stats
		return nil
	}

	retries := e.cfg.CommitLockAttempts - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.CommitLockBackoff), uint64(retries))
	if err := backoff.Retry(op, policy); err != nil {
		e.log.Warn("room state commit failed, invalidating", zap.String("room_id", update.RoomID), zap.Error(err))
		if err := e.states.Invalidate(ctx, update.RoomID); err != nil {
			e.log.Error("failed to invalidate room state", zap.String("room_id", update.RoomID), zap.Error(err))
		}
		return nil
	}
	return committed
}

// resnapshot rewrites the stat snapshot of a reply once its changes have been
// applied on top of turns that committed while it was being generated.
func (e *TurnEngine) resnapshot(ctx context.Context, msg *models.ChatMessage, meta models.MessageMeta, stats map[string]int) {
	meta.Stats = stats
	if err := msg.SetMeta(meta); err != nil {
		e.log.Warn("failed to encode stat snapshot", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if err := e.chats.UpdateMetadata(context.WithoutCancel(ctx), msg); err != nil {
		e.log.Warn("failed to rewrite stat snapshot", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// continueTurn extends the last reply. It writes no user message, does not
// advance the index and skips events, stat changes and endings.
func (e *TurnEngine) continueTurn(ctx context.Context, tc *turnContext, req TurnRequest) (*TurnResult, error) {
	state, err := e.states.Load(ctx, tc.room.ID)
	if err != nil {
		e.log.Warn("failed to load room state", zap.String("room_id", tc.room.ID), zap.Error(err))
		state = nil
	}
	if state == nil {
		e.metrics.IndexFallbacks.Inc()
		if state, err = e.rebuild(ctx, tc.room.ID, tc.statDefs()); err != nil {
			return nil, err
		}
	}

	defs := tc.statDefs()
	stats := scenario.Seed(defs, state.Stats)
	history, err := e.history(ctx, tc.room.ID, "")
	if err != nil {
		return nil, err
	}
	msgs, err := e.assembler.Build(ctx, prompts.TurnInput{
		Room:         tc.room,
		Character:    tc.character,
		StartSet:     tc.set,
		History:      history,
		Continuation: true,
		Stats:        stats,
		Length:       tc.settings.ResponseLength,
	})
	if err != nil {
		return nil, err
	}
	raw, err := e.generate(ctx, tc, msgs)
	if err != nil {
		return nil, err
	}

	// Stat blocks are stripped but not applied.
	applied := e.ledger.Apply(defs, stats, raw)
	reply, _ := sanitizeReply(applied.Text, "")
	if reply == "" {
		return nil, fmt.Errorf("%w: empty reply", models.ErrModelUnavailable)
	}

	var choices []models.Choice
	if req.WantChoices && state.EndingID == "" && e.choicesDue(state) {
		choices = e.suggestChoices(ctx, tc.character, reply, tc.settings.Temperature)
	}
	meta := models.MessageMeta{Kind: models.KindContinue, Turn: state.Turn, Choices: choices}
	if len(defs) > 0 {
		meta.Stats = stats
	}
	assistant, _, err := e.persistReply(ctx, tc, reply, meta, nil)
	if err != nil {
		return nil, err
	}

	update := &storage.RoomState{
		RoomID:         tc.room.ID,
		Turn:           state.Turn,
		Stats:          stats,
		ConsumedEvents: state.ConsumedEvents,
		AppliedMemos:   state.AppliedMemos,
		DeferredMemos:  state.DeferredMemos,
		EndingID:       state.EndingID,
	}
	if len(choices) > 0 {
		update.LastChoicesAt = assistant.CreatedAt
	}
	e.commitState(ctx, update, statCommit{defs: defs})

	return &TurnResult{
		RoomID:    tc.room.ID,
		Assistant: assistant,
		Meta: TurnMeta{
			TurnCount: state.Turn,
			MaxTurns:  tc.maxTurns(),
			Completed: state.EndingID != "" || (tc.maxTurns() > 0 && state.Turn >= tc.maxTurns()),
			Choices:   choices,
		},
	}, nil
}
