package interfaces

import "context"

// Roles of a model conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// What a model call is for; used for metrics and token limits.
const (
	PurposeReply   = "reply"
	PurposeChoices = "choices"
	PurposeCard    = "card"
)

type ModelMessage struct {
	Role    string
	Content string
}

// GenerateRequest is one call to the inference service.
type GenerateRequest struct {
	Purpose  string
	Model    string
	Messages []ModelMessage
	// Temperature overrides the configured default when set.
	Temperature *float64
	// Length is a response length hint: "short", "medium" or "long".
	Length string
}

// Generator is the inference boundary. Implementations return
// models.ErrModelUnavailable (wrapped) when the service cannot answer.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}
