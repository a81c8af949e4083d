// Package hook translates Claude Code hook events into modeguard decisions.
//
// A hook invocation reads one JSON payload from stdin and writes one JSON
// decision to stdout. The payload's session id is the only session id used.
package hook

import (
	"encoding/json"
	"fmt"
	"io"
)

// Claude Code hook event names handled by the dispatcher.
const (
	EventSessionStart     = "SessionStart"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventStop             = "Stop"
	EventSubagentStop     = "SubagentStop"
)

// Events lists the events modeguard registers for.
var Events = []string{EventSessionStart, EventUserPromptSubmit, EventStop, EventSubagentStop}

const maxPayloadBytes = 1 << 20

// Payload is the subset of the hook input modeguard reads.
type Payload struct {
	HookEventName  string `json:"hook_event_name"`
	SessionID      string `json:"session_id"`
	CWD            string `json:"cwd"`
	Prompt         string `json:"prompt,omitempty"`
	Source         string `json:"source,omitempty"`
	StopHookActive bool   `json:"stop_hook_active,omitempty"`
}

// Decode reads a payload. Unknown fields are ignored.
func Decode(r io.Reader) (Payload, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPayloadBytes))
	if err != nil {
		return Payload{}, fmt.Errorf("read hook payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode hook payload: %w", err)
	}
	return p, nil
}

// Action is what the agent should do with the event.
type Action int

const (
	// Allow lets the event proceed unchanged.
	Allow Action = iota
	// Block stops the event and shows Reason to the agent.
	Block
	// Inject lets the event proceed and adds Context to the conversation.
	Inject
)

func (a Action) String() string {
	switch a {
	case Block:
		return "block"
	case Inject:
		return "inject"
	default:
		return "allow"
	}
}

// Decision is the dispatcher's answer for one event.
type Decision struct {
	Action  Action
	Reason  string
	Context string
}

// AllowDecision lets the event through.
func AllowDecision() Decision { return Decision{Action: Allow} }

// BlockDecision stops the event with reason.
func BlockDecision(reason string) Decision { return Decision{Action: Block, Reason: reason} }

// InjectDecision adds context to the conversation. Empty context allows.
func InjectDecision(context string) Decision {
	if context == "" {
		return AllowDecision()
	}
	return Decision{Action: Inject, Context: context}
}

type blockOutput struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

type contextOutput struct {
	HookSpecificOutput hookSpecific `json:"hookSpecificOutput"`
}

type hookSpecific struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext"`
}

// Encode writes the decision in the shape Claude Code expects for the
// payload's event.
func Encode(w io.Writer, p Payload, d Decision) error {
	var out any
	switch d.Action {
	case Block:
		out = blockOutput{Decision: "block", Reason: d.Reason}
	case Inject:
		out = contextOutput{HookSpecificOutput: hookSpecific{
			HookEventName:     p.HookEventName,
			AdditionalContext: d.Context,
		}}
	default:
		out = struct{}{}
	}
	return json.NewEncoder(w).Encode(out)
}
