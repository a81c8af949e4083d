package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/modeguard/internal/models"
	"github.com/joescharf/modeguard/internal/template"
)

// Client wraps the Anthropic API for drafting mode templates.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// DraftRequest describes the mode to draft.
type DraftRequest struct {
	Description string
	// ModeID is the id the template should use; empty lets the model pick.
	ModeID string
	// Example is an existing definition shown to the model as a reference.
	Example *models.ModeDefinition
}

// Draft is a generated template that passed validation.
type Draft struct {
	Document []byte
	Template *template.Template
}

// buildDraftPrompt constructs the system and user prompts for template drafting.
func buildDraftPrompt(req DraftRequest) (system string, user string) {
	system = `You write workflow mode templates for an AI coding agent. A template is a markdown document that starts with YAML front matter between "---" lines, followed by instructions for the agent.

Front matter fields:
- "id": short lowercase identifier (letters, digits, hyphens)
- "name": human readable name
- "description": one sentence
- "phases": list of phases, in the order the work should happen. Each phase has:
  - "id": short lowercase identifier, unique within the template
  - "name": human readable name
  - "task_config": {"title": imperative task title, "description": what done looks like, "depends_on": [ids of phases that must finish first]}

Rules:
- 2 to 6 phases
- depends_on may only reference phase ids declared in the same template and must not form a cycle
- A phase never depends on itself
- The body after the front matter tells the agent how to behave in this mode, in second person, under 200 words
- Return the document only, no markdown fencing or explanation`

	var sb strings.Builder
	if req.ModeID != "" {
		fmt.Fprintf(&sb, "Use id %q.\n\n", req.ModeID)
	}
	if req.Example != nil {
		sb.WriteString("Here is an existing mode for reference (id, phases and dependencies):\n")
		fmt.Fprintf(&sb, "id: %s\n", req.Example.ID)
		for _, p := range req.Example.Phases {
			fmt.Fprintf(&sb, "- %s: %s", p.ID, p.TaskConfig.Title)
			if len(p.TaskConfig.DependsOn) > 0 {
				fmt.Fprintf(&sb, " (after %s)", strings.Join(p.TaskConfig.DependsOn, ", "))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Write a mode template for:\n\n")
	sb.WriteString(req.Description)
	user = sb.String()
	return
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// finishDraft validates the model's answer with the template parser.
func finishDraft(text string, modeID string) (*Draft, error) {
	doc := stripFences(text) + "\n"
	tmpl, err := template.Parse([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("generated template is invalid: %w\nraw response:\n%s", err, doc)
	}
	if modeID != "" && tmpl.Metadata.ID != modeID {
		return nil, fmt.Errorf("generated template has id %q, want %q", tmpl.Metadata.ID, modeID)
	}
	return &Draft{Document: []byte(doc), Template: tmpl}, nil
}

// DraftTemplate asks the model for a template and returns it only if it
// parses and validates.
func (c *Client) DraftTemplate(ctx context.Context, req DraftRequest) (*Draft, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("description is required")
	}
	systemPrompt, userPrompt := buildDraftPrompt(req)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	return finishDraft(text, req.ModeID)
}
