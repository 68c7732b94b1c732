package engine

import (
	"regexp"
	"strings"

	"char-chat/server/internal/scenario"
)

// Phrases that break character: the model talking about itself as an AI or
// losing track of the scene it is in.
var breakdownPhrases = []string{
	"as an ai",
	"as a language model",
	"i'm an ai",
	"i am an ai",
	"ai language model",
	"ai assistant",
	"i'm just an ai",
	"large language model",
	"my training data",
	"my programming",
	"system prompt",
	"openai",
	"as a chatbot",
	"인공지능으로서",
	"언어 모델",
	"ai로서",
	"ai 어시스턴트",
	"저는 ai",
	"나는 ai",
	"시스템 프롬프트",
	"know where i am",
	"where am i?",
	"what is this place?",
	"여기가 어디",
	"여긴 어디",
}

var identityQuestion = regexp.MustCompile(`(?i)(are you (an? )?(ai|bot|robot|machine|real|human|person)|who (made|created|built) you|what are you\b|너\s*(ai|인공지능|봇|로봇)|사람이야|사람이에요|누가 (너를|널) 만들)`)

var sentenceSplit = regexp.MustCompile(`[^.!?。！？]+[.!?。！？]*["'”’)]*\s*`)

// asksIdentity reports whether the user asked what the character really is.
func asksIdentity(userText string) bool {
	return identityQuestion.MatchString(userText)
}

// sanitizeReply drops sentences in which the model breaks character. When
// every sentence would go, the reply is kept as is.
func sanitizeReply(reply, userText string) (string, bool) {
	if asksIdentity(userText) {
		return reply, false
	}
	lines := strings.Split(reply, "\n")
	out := make([]string, 0, len(lines))
	changed := false
	for _, line := range lines {
		if !containsBreakdown(line) {
			out = append(out, line)
			continue
		}
		changed = true
		var kept strings.Builder
		for _, s := range sentenceSplit.FindAllString(line, -1) {
			if !containsBreakdown(s) {
				kept.WriteString(s)
			}
		}
		if k := strings.TrimSpace(kept.String()); k != "" {
			out = append(out, k)
		}
	}
	if !changed {
		return reply, false
	}
	cleaned := strings.TrimSpace(strings.Join(out, "\n"))
	if cleaned == "" {
		return reply, false
	}
	return cleaned, true
}

func containsBreakdown(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range breakdownPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ensureEventText appends any part of the scripted beat the reply left out,
// so the persisted message always carries it verbatim.
func ensureEventText(reply string, ev *scenario.TurnEvent) (string, bool) {
	if ev == nil {
		return reply, false
	}
	repaired := false
	for _, part := range []string{ev.Narration, ev.Dialogue} {
		part = strings.TrimSpace(part)
		if part == "" || strings.Contains(reply, part) {
			continue
		}
		reply = strings.TrimRight(reply, " \n") + "\n\n" + part
		repaired = true
	}
	return reply, repaired
}

// isContinuation reports whether the user text asks the character to go on
// without a new turn.
func isContinuation(text string) bool {
	t := strings.TrimSpace(text)
	return t == "" || strings.EqualFold(t, "continue")
}
