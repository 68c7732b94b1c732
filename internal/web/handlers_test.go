package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"char-chat/server/internal/engine"
	"char-chat/server/internal/models"
	"char-chat/server/internal/storage"
)

type fakeRooms struct {
	processErr error
	lastTurn   engine.TurnRequest
	messages   []models.ChatMessage
}

func assistantMessage(t *testing.T, content string) *models.ChatMessage {
	t.Helper()
	m := &models.ChatMessage{ID: "a1", Role: models.RoleAssistant, Content: content, TurnIndex: 1}
	require.NoError(t, m.SetMeta(models.MessageMeta{
		Kind:            models.KindReply,
		Stats:           map[string]int{"trust": 7},
		DeferredMemoIDs: []string{"radio"},
		Choices:         []models.Choice{{ID: "c1", Text: "Wait"}},
	}))
	return m
}

func (f *fakeRooms) CreateRoom(ctx context.Context, req engine.CreateRoomRequest) (*models.ChatRoom, []*models.ChatMessage, error) {
	if req.CharacterID == "ghost" {
		return nil, nil, models.ErrCharacterNotFound
	}
	room := &models.ChatRoom{ID: "r1", UserID: req.UserID, CharacterID: req.CharacterID, Mode: models.ModePlain}
	intro := &models.ChatMessage{ID: "i1", Role: models.RoleAssistant, Content: "Hello."}
	_ = intro.SetMeta(models.MessageMeta{Kind: models.KindIntro, Stats: map[string]int{"trust": 5}})
	return room, []*models.ChatMessage{intro}, nil
}

func (f *fakeRooms) Process(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error) {
	f.lastTurn = req
	if f.processErr != nil {
		return nil, f.processErr
	}
	msg := &models.ChatMessage{ID: "a1", Role: models.RoleAssistant, Content: "She nods.", TurnIndex: 1}
	_ = msg.SetMeta(models.MessageMeta{
		Kind:            models.KindReply,
		Stats:           map[string]int{"trust": 7},
		DeferredMemoIDs: []string{"radio"},
		Choices:         []models.Choice{{ID: "c1", Text: "Wait"}},
	})
	return &engine.TurnResult{
		RoomID:    req.RoomID,
		Assistant: msg,
		Meta:      engine.TurnMeta{TurnCount: 1, MaxTurns: 8, Choices: []models.Choice{{ID: "c1", Text: "Wait"}}},
	}, nil
}

func (f *fakeRooms) PatchSettings(ctx context.Context, roomID string, p storage.SettingsPatch) (storage.RoomSettings, error) {
	if err := p.Validate(); err != nil {
		return storage.RoomSettings{}, err
	}
	return storage.RoomSettings{}.Apply(p), nil
}

func (f *fakeRooms) State(ctx context.Context, roomID string) (*engine.RoomView, error) {
	if roomID != "r1" {
		return nil, models.ErrRoomNotFound
	}
	return &engine.RoomView{RoomID: roomID, Mode: models.ModePlain, TurnCount: 3}, nil
}

func (f *fakeRooms) Messages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	if limit < len(f.messages) {
		return f.messages[len(f.messages)-limit:], nil
	}
	return f.messages, nil
}

func (f *fakeRooms) ReviseLatestAssistant(ctx context.Context, roomID, content string) (*models.ChatMessage, error) {
	return &models.ChatMessage{ID: "a1", Role: models.RoleAssistant, Content: content}, nil
}

func (f *fakeRooms) SwitchMode(ctx context.Context, roomID, mode string) (*models.ChatRoom, error) {
	if mode == "origin_work" {
		return nil, models.ErrModeTransition
	}
	return &models.ChatRoom{ID: roomID, Mode: models.ModePlain}, nil
}

func (f *fakeRooms) UpdateReadingPosition(ctx context.Context, roomID string, from, to int) error {
	if from > to {
		return models.ErrInvalidReading
	}
	return nil
}

func newTestServer(t *testing.T, rooms *fakeRooms) (*httptest.Server, *RoomHub) {
	t.Helper()
	hub := NewRoomHub(zap.NewNop())
	go hub.Run()
	t.Cleanup(hub.Stop)

	h := NewHandlers(rooms, hub, zap.NewNop())
	srv := httptest.NewServer(NewRouter(h, prometheus.NewRegistry()))
	t.Cleanup(srv.Close)
	return srv, hub
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestPostTurn_HidesStats(t *testing.T) {
	rooms := &fakeRooms{}
	srv, _ := newTestServer(t, rooms)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rooms/r1/turns", map[string]interface{}{
		"character_id": "mira", "text": "hi", "want_choices": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "r1", rooms.lastTurn.RoomID)
	assert.True(t, rooms.lastTurn.WantChoices)

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "trust")
	assert.NotContains(t, string(raw), "radio")

	meta := body["meta"].(map[string]interface{})
	assert.Equal(t, float64(1), meta["turn_count"])
	assert.Equal(t, float64(8), meta["max_turns"])
	msg := body["assistant_message"].(map[string]interface{})
	assert.Equal(t, "She nods.", msg["content"])
	assert.Equal(t, "reply", msg["kind"])
}

func TestPostTurn_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{models.ErrRoomNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: x", models.ErrCharacterMismatch), http.StatusConflict},
		{models.ErrInvalidChoice, http.StatusBadRequest},
		{fmt.Errorf("%w: upstream", models.ErrModelUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		rooms := &fakeRooms{processErr: c.err}
		srv, _ := newTestServer(t, rooms)
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rooms/r1/turns", map[string]string{"text": "hi"})
		assert.Equal(t, c.status, resp.StatusCode, c.err.Error())
		assert.Equal(t, false, body["success"])
	}

	rooms := &fakeRooms{processErr: fmt.Errorf("%w: secret upstream detail", models.ErrModelUnavailable)}
	srv, _ := newTestServer(t, rooms)
	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rooms/r1/turns", map[string]string{"text": "hi"})
	assert.NotContains(t, body["error"], "secret")
	assert.Contains(t, body["error"], "try again")
}

func TestCreateRoom(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRooms{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rooms", map[string]string{"user_id": "u1", "character_id": "mira"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msgs := body["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "intro", msgs[0].(map[string]interface{})["kind"])
	raw, _ := json.Marshal(body)
	assert.NotContains(t, string(raw), "trust")

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/rooms", map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/rooms", map[string]string{"user_id": "u1", "character_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomEndpoints(t *testing.T) {
	rooms := &fakeRooms{}
	for i := 0; i < 3; i++ {
		rooms.messages = append(rooms.messages, *assistantMessage(t, fmt.Sprintf("line %d", i)))
	}
	srv, _ := newTestServer(t, rooms)
	base := srv.URL + "/api/v1/rooms/r1"

	resp, body := doJSON(t, http.MethodPatch, base+"/settings", map[string]interface{}{"response_length": "short", "temperature": 0.5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "short", body["settings"].(map[string]interface{})["response_length"])

	resp, _ = doJSON(t, http.MethodPatch, base+"/settings", map[string]interface{}{"temperature": 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, base+"/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["state"].(map[string]interface{})["turn_count"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/rooms/nope/state", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, base+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "line 2", msgs[1].(map[string]interface{})["content"])
	raw, _ := json.Marshal(body)
	assert.NotContains(t, string(raw), "trust")

	resp, _ = doJSON(t, http.MethodGet, base+"/messages?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPut, base+"/messages/latest", map[string]string{"content": "Fixed."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Fixed.", body["message"].(map[string]interface{})["content"])

	resp, _ = doJSON(t, http.MethodPut, base+"/mode", map[string]string{"mode": "origin_work"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, base+"/reading", map[string]int{"from": 5, "to": 2})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRooms{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStream_ReceivesTurns(t *testing.T) {
	srv, hub := newTestServer(t, &fakeRooms{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/rooms/r1/stream"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "connected", ev.Type)
	assert.Equal(t, 1, hub.ClientCount())

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rooms/r1/turns", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "turn", ev.Type)
	assert.Equal(t, "r1", ev.RoomID)
	assert.Contains(t, string(data), "She nods.")
	assert.NotContains(t, string(data), "trust")
}

func TestStream_UnknownRoom(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRooms{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/rooms/nope/stream"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
