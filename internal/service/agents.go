package service

import (
	"context"
	"errors"
	"fmt"

	mcpbridge "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/mcp"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/config"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/agent"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/task"
)

// ToolCaller is the slice of the MCP bridge the tool agent uses.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpbridge.Result, error)
}

// EchoAgent returns the built-in fallback agent. It replies with the text
// parts of the incoming message, prefixed.
func EchoAgent() (agent.Identity, Handler) {
	id := agent.Identity{
		Name:        "echo",
		Description: "Echoes received text back to the sender",
		Executor:    agent.ExecutorLocal,
		Skills: []agent.Skill{{
			ID:          "echo",
			Name:        "Echo",
			Description: "Repeat the message text",
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
		}},
	}
	return id, echoHandler
}

func echoHandler(_ context.Context, _ *task.Task, msg *message.Message) (*message.Message, error) {
	return msg.Reply(message.TextPart("Echo: " + msg.JoinedText())), nil
}

// ToolAgent returns the built-in tool agent. Its predicate claims messages
// whose first data part carries a "tool" key; the handler forwards the call
// to the MCP bridge and renders the outcome. Register it only when a bridge
// is configured.
func ToolAgent(bridge ToolCaller) (agent.Identity, MatchFunc, Handler) {
	id := agent.Identity{
		Name:        "tool",
		Description: "Invokes remote tools over MCP",
		Executor:    agent.ExecutorLocal,
		Skills: []agent.Skill{{
			ID:          "tool_call",
			Name:        "Tool call",
			Description: "Run a named tool with JSON arguments",
			InputModes:  []string{"text", "data"},
			OutputModes: []string{"text", "data"},
		}},
	}
	return id, toolMatch, toolHandler(bridge)
}

func toolMatch(msg *message.Message) bool {
	name, _, ok := toolRequest(msg)
	return ok && name != ""
}

// toolRequest extracts {tool, arguments} from the first data part. Only the
// first data part is consulted; later parts never rescue a malformed one.
func toolRequest(msg *message.Message) (string, map[string]any, bool) {
	for _, p := range msg.Parts {
		if p.Type != message.PartData {
			continue
		}
		data, err := p.Data()
		if err != nil {
			return "", nil, false
		}
		name, _ := data["tool"].(string)
		if name == "" {
			return "", nil, false
		}
		args, _ := data["arguments"].(map[string]any)
		return name, args, true
	}
	return "", nil, false
}

func toolHandler(bridge ToolCaller) Handler {
	return func(ctx context.Context, _ *task.Task, msg *message.Message) (*message.Message, error) {
		name, args, ok := toolRequest(msg)
		if !ok {
			return nil, fmt.Errorf("%w: message carries no tool request", domain.ErrValidation)
		}

		res, err := bridge.CallTool(ctx, name, args)
		if err != nil {
			var te *mcpbridge.ToolError
			if !errors.As(err, &te) {
				return nil, err
			}
			// Tool failures are answers, not task failures.
			detail, dErr := message.DataPart(map[string]any{"tool": name, "error": te})
			if dErr != nil {
				return nil, dErr
			}
			return msg.Reply(message.TextPart(te.Message), detail), nil
		}

		var payload any = res.Text
		if res.Data != nil {
			payload = res.Data
		}
		detail, dErr := message.DataPart(map[string]any{"tool": name, "result": payload})
		if dErr != nil {
			return nil, dErr
		}
		text := res.Text
		if text == "" {
			text = fmt.Sprintf("tool %s returned no text", name)
		}
		return msg.Reply(message.TextPart(text), detail), nil
	}
}

// RegisterRemoteAgents registers the worker-executor agents listed in
// configuration. Their tasks stay pending until a remote worker claims them.
func RegisterRemoteAgents(reg *Registry, defs []config.RemoteAgent) error {
	for _, def := range defs {
		id := agent.Identity{
			Name:        def.Name,
			Description: def.Description,
			Executor:    agent.ExecutorWorker,
		}
		for _, s := range def.Skills {
			id.Skills = append(id.Skills, agent.Skill{
				ID:          s.ID,
				Name:        s.Name,
				Description: s.Description,
			})
		}
		if err := reg.Register(id, nil, nil); err != nil {
			return fmt.Errorf("register agent %s: %w", def.Name, err)
		}
	}
	return nil
}
