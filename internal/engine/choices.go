package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"char-chat/server/internal/interfaces"
	"char-chat/server/internal/models"
	"char-chat/server/internal/prompts"
)

const maxChoices = 3

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)]|[A-Ca-c][.)]|[①②③])\s*`)

// suggestChoices asks the model for a few next actions. Failures are logged
// and yield no choices.
func (e *TurnEngine) suggestChoices(ctx context.Context, character *models.Character, reply string, temperature *float64) []models.Choice {
	prompt, err := e.assembler.Templates().Render(prompts.TmplChoices, map[string]string{
		"count":          strconv.Itoa(maxChoices),
		"character_name": character.Name,
		"last_reply":     reply,
	})
	if err != nil {
		e.log.Warn("choices template failed", zap.Error(err))
		return nil
	}
	raw, err := e.generator.Generate(ctx, interfaces.GenerateRequest{
		Purpose:     interfaces.PurposeChoices,
		Messages:    []interfaces.ModelMessage{{Role: interfaces.RoleUser, Content: prompt}},
		Temperature: temperature,
		Length:      "short",
	})
	if err != nil {
		e.log.Warn("choice suggestion failed", zap.Error(err))
		return nil
	}
	return parseChoices(raw)
}

// parseChoices reads a JSON array of strings, or failing that one choice per line.
func parseChoices(raw string) []models.Choice {
	var texts []string
	if start, end := strings.Index(raw, "["), strings.LastIndex(raw, "]"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), &texts); err != nil {
			texts = nil
		}
	}
	if len(texts) == 0 {
		for _, line := range strings.Split(raw, "\n") {
			texts = append(texts, listMarker.ReplaceAllString(line, ""))
		}
	}

	choices := make([]models.Choice, 0, maxChoices)
	for _, t := range texts {
		t = strings.Trim(strings.TrimSpace(t), `"`)
		if t == "" {
			continue
		}
		choices = append(choices, models.Choice{ID: fmt.Sprintf("c%d", len(choices)+1), Text: t})
		if len(choices) == maxChoices {
			break
		}
	}
	return choices
}

// resolveChoice maps a choice id to the text offered in the latest assistant message.
func resolveChoice(latest *models.ChatMessage, choiceID string) (string, error) {
	if latest == nil {
		return "", models.ErrInvalidChoice
	}
	meta, err := latest.Meta()
	if err != nil {
		return "", models.ErrInvalidChoice
	}
	for _, c := range meta.Choices {
		if c.ID == choiceID {
			return c.Text, nil
		}
	}
	return "", fmt.Errorf("%w: %s", models.ErrInvalidChoice, choiceID)
}
