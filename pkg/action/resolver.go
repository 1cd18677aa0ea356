package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Mode selects whether unmatched input may be sent to an AI parser.
type Mode string

const (
	ModeSimple Mode = "simple"
	ModeShared Mode = "shared"
	ModeCustom Mode = "custom"
)

// UsesAI reports whether the mode permits the AI fallback.
func (m Mode) UsesAI() bool {
	return m == ModeShared || m == ModeCustom
}

// AIParser sends a message to the AI parse collaborator and returns the raw
// JSON response body.
type AIParser interface {
	ParseCommand(ctx context.Context, message, systemPrompt string) ([]byte, error)
}

const aiResponseSchemaURL = "mem://proofgate/ai-parse-response.json"

const aiResponseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "parsed_command": {
      "type": ["object", "null"],
      "required": ["action", "args"],
      "properties": {
        "action": {"type": "string", "minLength": 1},
        "args": {"type": "object"}
      }
    }
  },
  "if": {"properties": {"success": {"const": true}}},
  "then": {"required": ["parsed_command"], "properties": {"parsed_command": {"type": "object"}}}
}`

var compiledAIResponse = mustCompile(aiResponseSchemaURL, aiResponseSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("action: add schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// Resolver turns raw text into an Action. It is safe for concurrent use and
// has no side effects beyond the AI call.
type Resolver struct {
	Mode         Mode
	AI           AIParser
	SystemPrompt string
	Logger       *slog.Logger
}

// Resolve returns nil when the text cannot be resolved. It never returns an
// error; AI transport and schema failures are logged and treated as no match.
func (r *Resolver) Resolve(ctx context.Context, text string) Action {
	if a := Parse(text); a != nil {
		return a
	}
	if !r.Mode.UsesAI() || r.AI == nil || strings.TrimSpace(text) == "" {
		return nil
	}

	a, err := r.resolveWithAI(ctx, text)
	if err != nil {
		r.logger().WarnContext(ctx, "ai command parse failed", "mode", r.Mode, "error", err)
		return nil
	}
	return a
}

func (r *Resolver) resolveWithAI(ctx context.Context, text string) (Action, error) {
	raw, err := r.AI.ParseCommand(ctx, text, r.SystemPrompt)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode ai response: %w", err)
	}
	if err := compiledAIResponse.Validate(doc); err != nil {
		return nil, fmt.Errorf("ai response schema: %w", err)
	}

	var resp struct {
		Success       bool `json:"success"`
		ParsedCommand *struct {
			Action string         `json:"action"`
			Args   map[string]any `json:"args"`
		} `json:"parsed_command"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode ai response: %w", err)
	}
	if !resp.Success || resp.ParsedCommand == nil {
		return nil, nil
	}

	a := FromParsed(resp.ParsedCommand.Action, resp.ParsedCommand.Args)
	if a == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, resp.ParsedCommand.Action)
	}
	return a, nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
