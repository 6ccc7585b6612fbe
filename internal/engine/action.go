package engine

import (
	"encoding/json"
	"strings"
)

type ActionType string

const (
	ActionAnswer   ActionType = "answer"
	ActionToolCall ActionType = "tool_call"
	ActionThought  ActionType = "thought"
)

// Action is the tagged union a model response parses into. Exactly one
// variant's fields are meaningful, selected by Type.
type Action struct {
	Type     ActionType
	Answer   string
	Thought  string
	ToolName string
	ToolArgs map[string]any
}

// rawAction mirrors the JSON object the model is instructed to emit.
type rawAction struct {
	Type    string         `json:"type"`
	Answer  string         `json:"answer"`
	Thought string         `json:"thought"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args"`
}

// ParseAction maps model output onto the action union. Anything that
// does not parse into a recognized variant becomes a thought carrying
// the raw content: malformed output costs an iteration, never a crash.
func ParseAction(content string) Action {
	raw, ok := extractJSON(content)
	if !ok {
		return Action{Type: ActionThought, Thought: content}
	}

	var a rawAction
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Action{Type: ActionThought, Thought: content}
	}

	switch ActionType(a.Type) {
	case ActionAnswer:
		return Action{Type: ActionAnswer, Answer: a.Answer}
	case ActionToolCall:
		if a.Tool == "" {
			return Action{Type: ActionThought, Thought: content}
		}
		args := a.Args
		if args == nil {
			args = map[string]any{}
		}
		return Action{Type: ActionToolCall, ToolName: a.Tool, ToolArgs: args}
	case ActionThought:
		thought := a.Thought
		if thought == "" {
			thought = content
		}
		return Action{Type: ActionThought, Thought: thought}
	default:
		return Action{Type: ActionThought, Thought: content}
	}
}

// extractJSON pulls the outermost JSON object out of the content,
// tolerating surrounding prose and markdown code fences.
func extractJSON(content string) (string, bool) {
	s := strings.TrimSpace(content)

	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
