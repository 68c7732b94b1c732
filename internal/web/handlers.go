package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"char-chat/server/internal/engine"
	"char-chat/server/internal/models"
	"char-chat/server/internal/storage"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RoomService is what the HTTP layer needs from the turn engine.
type RoomService interface {
	CreateRoom(ctx context.Context, req engine.CreateRoomRequest) (*models.ChatRoom, []*models.ChatMessage, error)
	Process(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
	PatchSettings(ctx context.Context, roomID string, p storage.SettingsPatch) (storage.RoomSettings, error)
	State(ctx context.Context, roomID string) (*engine.RoomView, error)
	Messages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
	ReviseLatestAssistant(ctx context.Context, roomID, content string) (*models.ChatMessage, error)
	SwitchMode(ctx context.Context, roomID, mode string) (*models.ChatRoom, error)
	UpdateReadingPosition(ctx context.Context, roomID string, from, to int) error
}

type Handlers struct {
	rooms RoomService
	hub   *RoomHub
	log   *zap.Logger
}

func NewHandlers(rooms RoomService, hub *RoomHub, log *zap.Logger) *Handlers {
	return &Handlers{rooms: rooms, hub: hub, log: log}
}

// MessageView is a message as the user sees it. Stat snapshots and memo
// bookkeeping stay server side.
type MessageView struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Kind      string          `json:"kind"`
	Content   string          `json:"content"`
	TurnIndex int             `json:"turn_index"`
	EventID   string          `json:"event_id,omitempty"`
	EndingID  string          `json:"ending_id,omitempty"`
	Choices   []models.Choice `json:"choices,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func newMessageView(m *models.ChatMessage) *MessageView {
	if m == nil {
		return nil
	}
	meta, _ := m.Meta()
	return &MessageView{
		ID:        m.ID,
		Role:      string(m.Role),
		Kind:      string(meta.Kind),
		Content:   m.Content,
		TurnIndex: m.TurnIndex,
		EventID:   meta.EventID,
		EndingID:  meta.EndingID,
		Choices:   meta.Choices,
		CreatedAt: m.CreatedAt,
	}
}

type CreateRoomRequest struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	StartSetID  string `json:"start_set_id"`
	Mode        string `json:"mode"`
	WorkID      string `json:"work_id"`
	ReadingFrom int    `json:"reading_from"`
	ReadingTo   int    `json:"reading_to"`
}

type CreateRoomResponse struct {
	Success  bool             `json:"success"`
	Room     *models.ChatRoom `json:"room,omitempty"`
	Messages []*MessageView   `json:"messages,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type TurnRequest struct {
	CharacterID string                 `json:"character_id"`
	Text        string                 `json:"text"`
	Continue    bool                   `json:"continue"`
	ChoiceID    string                 `json:"choice_id"`
	Settings    *storage.SettingsPatch `json:"settings,omitempty"`
	WantChoices bool                   `json:"want_choices"`
}

type TurnResponse struct {
	Success          bool             `json:"success"`
	AssistantMessage *MessageView     `json:"assistant_message,omitempty"`
	EndingMessage    *MessageView     `json:"ending_message,omitempty"`
	Meta             *engine.TurnMeta `json:"meta,omitempty"`
	Error            string           `json:"error,omitempty"`
}

type ReviseRequest struct {
	Content string `json:"content"`
}

type ModeRequest struct {
	Mode string `json:"mode"`
}

type ReadingRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP statuses. Unexpected errors are
// logged and reported without detail.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, models.ErrRoomNotFound),
		errors.Is(err, models.ErrCharacterNotFound),
		errors.Is(err, models.ErrStartSetNotFound),
		errors.Is(err, models.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, models.ErrCharacterMismatch),
		errors.Is(err, models.ErrModeTransition),
		errors.Is(err, models.ErrTurnConflict):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrInvalidChoice),
		errors.Is(err, models.ErrInvalidMode),
		errors.Is(err, models.ErrInvalidSettings),
		errors.Is(err, models.ErrInvalidReading):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrModelUnavailable):
		status, msg = http.StatusServiceUnavailable, "The character could not answer right now, please try again."
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "char-chat",
		"watchers": h.hub.ClientCount(),
	})
}

func (h *Handlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.UserID == "" || req.CharacterID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id and character_id are required"})
		return
	}

	room, opening, err := h.rooms.CreateRoom(r.Context(), engine.CreateRoomRequest{
		UserID:      req.UserID,
		CharacterID: req.CharacterID,
		StartSetID:  req.StartSetID,
		Mode:        req.Mode,
		WorkID:      req.WorkID,
		ReadingFrom: req.ReadingFrom,
		ReadingTo:   req.ReadingTo,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]*MessageView, 0, len(opening))
	for _, m := range opening {
		views = append(views, newMessageView(m))
	}
	writeJSON(w, http.StatusCreated, CreateRoomResponse{Success: true, Room: room, Messages: views})
}

func (h *Handlers) PostTurn(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := h.rooms.Process(r.Context(), engine.TurnRequest{
		RoomID:      roomID,
		CharacterID: req.CharacterID,
		Text:        req.Text,
		Continue:    req.Continue,
		ChoiceID:    req.ChoiceID,
		Settings:    req.Settings,
		WantChoices: req.WantChoices,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := TurnResponse{
		Success:          true,
		AssistantMessage: newMessageView(res.Assistant),
		EndingMessage:    newMessageView(res.Ending),
		Meta:             &res.Meta,
	}
	h.hub.Publish(roomID, "turn", resp)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) PatchSettings(w http.ResponseWriter, r *http.Request) {
	var p storage.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	settings, err := h.rooms.PatchSettings(r.Context(), chi.URLParam(r, "room_id"), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "settings": settings})
}

func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	view, err := h.rooms.State(r.Context(), chi.URLParam(r, "room_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "state": view})
}

func (h *Handlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	msgs, err := h.rooms.Messages(r.Context(), chi.URLParam(r, "room_id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]*MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, newMessageView(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "messages": views})
}

func (h *Handlers) ReviseLatest(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")
	var req ReviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	msg, err := h.rooms.ReviseLatestAssistant(r.Context(), roomID, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view := newMessageView(msg)
	h.hub.Publish(roomID, "revised", view)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": view})
}

func (h *Handlers) SwitchMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	room, err := h.rooms.SwitchMode(r.Context(), chi.URLParam(r, "room_id"), req.Mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "room": room})
}

func (h *Handlers) UpdateReading(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := h.rooms.UpdateReadingPosition(r.Context(), chi.URLParam(r, "room_id"), req.From, req.To); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Stream upgrades to a websocket that receives the room's turn results.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")
	if _, err := h.rooms.State(r.Context(), roomID); err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &Client{
		ID:     uuid.NewString(),
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		Hub:    h.hub,
	}
	h.hub.register <- client

	welcome, _ := json.Marshal(Event{Type: "connected", RoomID: roomID, Data: client.ID, Time: time.Now().Unix()})
	select {
	case client.Send <- welcome:
	default:
	}
	go client.readPump()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// NewRouter wires the room API, health and metrics endpoints.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/rooms", func(r chi.Router) {
		r.Post("/", h.CreateRoom)
		r.Route("/{room_id}", func(r chi.Router) {
			r.Post("/turns", h.PostTurn)
			r.Patch("/settings", h.PatchSettings)
			r.Put("/mode", h.SwitchMode)
			r.Put("/reading", h.UpdateReading)
			r.Get("/state", h.GetState)
			r.Get("/messages", h.GetMessages)
			r.Put("/messages/latest", h.ReviseLatest)
			r.Get("/stream", h.Stream)
		})
	})
	return r
}
