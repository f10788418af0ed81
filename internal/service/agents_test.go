package service

import (
	"context"
	"errors"
	"testing"

	mcpbridge "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/mcp"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/config"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/agent"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain/message"
)

type fakeToolCaller struct {
	res     *mcpbridge.Result
	err     error
	gotName string
	gotArgs map[string]any
}

func (f *fakeToolCaller) CallTool(_ context.Context, name string, args map[string]any) (*mcpbridge.Result, error) {
	f.gotName = name
	f.gotArgs = args
	return f.res, f.err
}

func mustDataPart(t *testing.T, data map[string]any) message.Part {
	t.Helper()
	p, err := message.DataPart(data)
	if err != nil {
		t.Fatalf("DataPart: %v", err)
	}
	return p
}

func TestEchoReply(t *testing.T) {
	_, h := EchoAgent()

	msg := userMsg("Hello")
	msg.TaskID = "t-1"
	msg.ContextID = "c-1"

	reply, err := h(context.Background(), nil, msg)
	if err != nil {
		t.Fatalf("echo handler: %v", err)
	}
	if reply.Role != message.RoleAgent {
		t.Fatalf("got role %s, want agent", reply.Role)
	}
	if got := reply.JoinedText(); got != "Echo: Hello" {
		t.Fatalf("got %q, want Echo: Hello", got)
	}
	if reply.TaskID != "t-1" || reply.ContextID != "c-1" {
		t.Fatalf("reply not bound: %+v", reply)
	}
}

func TestEchoJoinsTextParts(t *testing.T) {
	_, h := EchoAgent()

	msg := message.New(message.RoleUser, message.TextPart("Hello"), message.TextPart("World"))
	reply, err := h(context.Background(), nil, msg)
	if err != nil {
		t.Fatalf("echo handler: %v", err)
	}
	if got := reply.JoinedText(); got != "Echo: Hello World" {
		t.Fatalf("got %q", got)
	}
}

func TestToolMatchPredicate(t *testing.T) {
	tests := []struct {
		name string
		msg  *message.Message
		want bool
	}{
		{
			name: "text only",
			msg:  userMsg("just text"),
			want: false,
		},
		{
			name: "data with tool key",
			msg:  message.New(message.RoleUser, mustDataPart(t, map[string]any{"tool": "divide"})),
			want: true,
		},
		{
			name: "data without tool key",
			msg:  message.New(message.RoleUser, mustDataPart(t, map[string]any{"other": 1})),
			want: false,
		},
		{
			name: "first data part decides",
			msg: message.New(message.RoleUser,
				mustDataPart(t, map[string]any{"other": 1}),
				mustDataPart(t, map[string]any{"tool": "divide"})),
			want: false,
		},
		{
			name: "text before data is fine",
			msg: message.New(message.RoleUser,
				message.TextPart("please divide"),
				mustDataPart(t, map[string]any{"tool": "divide"})),
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toolMatch(tt.msg); got != tt.want {
				t.Fatalf("toolMatch = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolHandlerRendersResult(t *testing.T) {
	caller := &fakeToolCaller{res: &mcpbridge.Result{
		Text: "4",
		Data: map[string]any{"value": 4.0},
	}}
	_, _, h := ToolAgent(caller)

	msg := message.New(message.RoleUser, mustDataPart(t, map[string]any{
		"tool":      "divide",
		"arguments": map[string]any{"a": 8.0, "b": 2.0},
	}))
	reply, err := h(context.Background(), nil, msg)
	if err != nil {
		t.Fatalf("tool handler: %v", err)
	}

	if caller.gotName != "divide" {
		t.Fatalf("called %q, want divide", caller.gotName)
	}
	if caller.gotArgs["a"] != 8.0 {
		t.Fatalf("arguments not forwarded: %v", caller.gotArgs)
	}
	if got := reply.JoinedText(); got != "4" {
		t.Fatalf("got text %q, want 4", got)
	}

	if len(reply.Parts) != 2 {
		t.Fatalf("got %d parts, want text + data", len(reply.Parts))
	}
	data, err := reply.Parts[1].Data()
	if err != nil {
		t.Fatalf("data part: %v", err)
	}
	if data["tool"] != "divide" {
		t.Fatalf("data part names tool %v", data["tool"])
	}
	result, ok := data["result"].(map[string]any)
	if !ok || result["value"] != 4.0 {
		t.Fatalf("data part result: %v", data["result"])
	}
}

func TestToolHandlerRendersToolError(t *testing.T) {
	caller := &fakeToolCaller{err: &mcpbridge.ToolError{
		Kind:    mcpbridge.KindTool,
		Tool:    "divide",
		Message: "division by zero",
	}}
	_, _, h := ToolAgent(caller)

	msg := message.New(message.RoleUser, mustDataPart(t, map[string]any{
		"tool":      "divide",
		"arguments": map[string]any{"a": 1.0, "b": 0.0},
	}))
	reply, err := h(context.Background(), nil, msg)
	if err != nil {
		t.Fatalf("tool errors must render, not fail: %v", err)
	}
	if got := reply.JoinedText(); got != "division by zero" {
		t.Fatalf("got text %q", got)
	}
	data, dErr := reply.Parts[1].Data()
	if dErr != nil {
		t.Fatalf("data part: %v", dErr)
	}
	detail, ok := data["error"].(map[string]any)
	if !ok || detail["kind"] != "tool" {
		t.Fatalf("error detail: %v", data["error"])
	}
}

func TestToolHandlerUnexpectedErrorPropagates(t *testing.T) {
	caller := &fakeToolCaller{err: errors.New("not a tool error")}
	_, _, h := ToolAgent(caller)

	msg := message.New(message.RoleUser, mustDataPart(t, map[string]any{"tool": "divide"}))
	if _, err := h(context.Background(), nil, msg); err == nil {
		t.Fatal("expected the error to propagate")
	}
}

func TestToolHandlerRejectsNonToolMessage(t *testing.T) {
	_, _, h := ToolAgent(&fakeToolCaller{})

	_, err := h(context.Background(), nil, userMsg("no tool here"))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRegisterRemoteAgents(t *testing.T) {
	svc, _, _ := newTestTaskService(3)
	reg := NewRegistry(svc, &mockBus{}, 4)

	defs := []config.RemoteAgent{
		{Name: "coder", Description: "Writes code", Skills: []config.RemoteSkill{{ID: "code", Name: "Code"}}},
		{Name: "reviewer"},
	}
	if err := RegisterRemoteAgents(reg, defs); err != nil {
		t.Fatalf("RegisterRemoteAgents: %v", err)
	}

	id, ok := reg.Get("coder")
	if !ok {
		t.Fatal("coder not registered")
	}
	if id.Executor != agent.ExecutorWorker {
		t.Fatalf("executor %s, want worker", id.Executor)
	}
	if len(id.Skills) != 1 || id.Skills[0].ID != "code" {
		t.Fatalf("skills: %+v", id.Skills)
	}

	// Worker agents are reachable only by explicit target.
	msg := userMsg("do work")
	msg.Metadata = map[string]any{message.MetadataTargetAgent: "coder"}
	got, err := reg.Resolve(msg)
	if err != nil || got.Name != "coder" {
		t.Fatalf("Resolve: %v %+v", err, got)
	}
}
