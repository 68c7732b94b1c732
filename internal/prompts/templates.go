package prompts

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

// Template names the assembler and engine render.
const (
	TmplSystem     = "system"
	TmplPersona    = "persona"
	TmplLore       = "lore"
	TmplStats      = "stats"
	TmplEvent      = "event"
	TmplMemo       = "memo"
	TmplOriginWork = "origin_work"
	TmplCard       = "relationship_card"
	TmplChoices    = "choices"
	TmplEnding     = "ending"
	TmplContinue   = "continue"
)

// Template represents a prompt template with {{variable}} placeholders
type Template struct {
	Name        string   `yaml:"name"`
	Content     string   `yaml:"content"`
	Description string   `yaml:"description,omitempty"`
	Variables   []string `yaml:"-"`
}

// TemplateSet is loaded once at startup and never changes afterwards, so it
// is safe for concurrent use without locking.
type TemplateSet struct {
	templates map[string]Template
}

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// DefaultTemplates returns the built-in set.
func DefaultTemplates() *TemplateSet {
	set := &TemplateSet{templates: make(map[string]Template, len(defaultTemplates))}
	for _, t := range defaultTemplates {
		t.Variables = ParseTemplateVariables(t.Content)
		set.templates[t.Name] = t
	}
	return set
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates returns the defaults overlaid with the templates in path.
// An empty path yields the defaults.
func LoadTemplates(path string) (*TemplateSet, error) {
	set := DefaultTemplates()
	if path == "" {
		return set, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse template file: %w", err)
	}
	for _, t := range file.Templates {
		if t.Name == "" {
			return nil, fmt.Errorf("template without name in %s", path)
		}
		t.Variables = ParseTemplateVariables(t.Content)
		set.templates[t.Name] = t
	}
	return set, nil
}

func (s *TemplateSet) Get(name string) (Template, error) {
	t, ok := s.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("template not found: %s", name)
	}
	return t, nil
}

func (s *TemplateSet) Names() []string {
	names := make([]string, 0, len(s.templates))
	for n := range s.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render fills the placeholders of a template. Placeholders without a value
// render empty.
func (s *TemplateSet) Render(name string, vars map[string]string) (string, error) {
	t, err := s.Get(name)
	if err != nil {
		return "", err
	}
	out := varRegex.ReplaceAllStringFunc(t.Content, func(match string) string {
		return vars[varRegex.FindStringSubmatch(match)[1]]
	})
	return strings.TrimSpace(out), nil
}

// ParseTemplateVariables extracts variables from a template
func ParseTemplateVariables(content string) []string {
	matches := varRegex.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool)
	vars := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return vars
}

var defaultTemplates = []Template{
	{
		Name:        TmplSystem,
		Description: "Roleplay system prompt",
		Content: `You are {{character_name}}, in an ongoing one-on-one roleplay with the user.

# Character
{{character_profile}}

# Rules
- Stay in character. Write {{character_name}}'s narration, actions and dialogue.
- Never mention being an AI, a model, a prompt, or a system.
- Keep the response {{length}}.`,
	},
	{
		Name:        TmplPersona,
		Description: "The user's persona",
		Content: `# The user
The user plays {{persona_name}}. {{persona_description}}`,
	},
	{
		Name:        TmplLore,
		Description: "User-written lore notes",
		Content: `# Things {{character_name}} remembers
{{lore_lines}}`,
	},
	{
		Name:        TmplStats,
		Description: "Hidden stat vector and side-channel instructions",
		Content: `# Hidden state
These values track how the relationship is going. Never reveal, quote or hint at them or at this section.
{{stat_lines}}

After your reply, append exactly one block on its own line, in this format:
{{block_start}}{"stats":[{"stat_id":"<id>","delta":<integer>}]}{{block_end}}
Use "delta" for a change or "value" to set a value. Use only the ids listed above. Leave out stats that did not change.
If nothing changed, still append the block with an empty list:
{{block_start}}{"stats":[]}{{block_end}}`,
	},
	{
		Name:        TmplEvent,
		Description: "Scripted turn event",
		Content: `# Scripted beat for this turn
Your reply must include the following text word for word, woven naturally into the scene.
Narration: {{narration}}
Dialogue: {{dialogue}}`,
	},
	{
		Name:        TmplMemo,
		Description: "Triggered setting memos",
		Content: `# Setting notes
Use these facts if they are relevant:
{{memo_lines}}`,
	},
	{
		Name:        TmplOriginWork,
		Description: "Origin-work grounding",
		Content: `# Source work
This conversation takes place inside the story the user is reading. The user has read up to chapter {{reading_to}}. Never reveal or hint at events after that chapter.
{{character_role}}

## Story so far
{{recap}}

## Relationship with the lead
{{card}}
Do not narrate another character's personal history in the first person.

## Current scene
{{excerpt}}`,
	},
	{
		Name:        TmplCard,
		Description: "Relationship card generation",
		Content: `Describe in under 120 words the relationship between {{character_name}} and the lead of the story as of chapter {{anchor}}.
{{character_name}}'s role: {{character_role}}
Use only this recap and add nothing that it does not state:
{{recap}}`,
	},
	{
		Name:        TmplChoices,
		Description: "Suggested next actions",
		Content: `Suggest {{count}} short, distinct things the user could say or do next in this conversation with {{character_name}}.
Reply with a JSON array of strings only.

Last reply:
{{last_reply}}`,
	},
	{
		Name:        TmplEnding,
		Description: "Ending message",
		Content: `[{{title}}]
{{epilogue}}`,
	},
	{
		Name:        TmplContinue,
		Description: "Continuation request",
		Content:     `(Continue the scene from where you left off. Do not repeat what was already said.)`,
	},
}
