package agentloop

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
)

type scriptedLLM struct {
	responses []CompletionResponse
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if s.calls >= len(s.responses) {
		return CompletionResponse{Message: Message{Role: RoleAssistant, Content: "done"}}, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func TestInvokeNoToolCallsReturnsImmediately(t *testing.T) {
	llm := &scriptedLLM{responses: []CompletionResponse{
		{Message: Message{Role: RoleAssistant, Content: "final answer"}},
	}}
	tools := NewToolExecutor(zap.NewNop())
	inv := New(zap.NewNop(), llm, tools, DefaultAgentConfig())

	result, err := inv.Invoke(context.Background(), "system", "user", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.FinalMessage != "final answer" {
		t.Fatalf("unexpected final message: %s", result.FinalMessage)
	}
	if result.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", result.Iterations)
	}
}

func TestInvokeDispatchesToolCallThenTerminates(t *testing.T) {
	llm := &scriptedLLM{responses: []CompletionResponse{
		{
			Message: Message{Role: RoleAssistant, Content: "let me check"},
			ToolCalls: []ToolCall{
				{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"msg":"hi"}`)},
			},
		},
		{Message: Message{Role: RoleAssistant, Content: "done, saw hi"}},
	}}
	tools := NewToolExecutor(zap.NewNop())
	tools.Register(&fakeTool{name: "echo", result: json.RawMessage(`"hi"`)}, DefaultToolConfig())
	inv := New(zap.NewNop(), llm, tools, DefaultAgentConfig())

	result, err := inv.Invoke(context.Background(), "system", "user", []string{"echo"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call recorded, got %d", len(result.ToolCalls))
	}
	if result.FinalMessage != "done, saw hi" {
		t.Fatalf("unexpected final message: %s", result.FinalMessage)
	}
	if result.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", result.Iterations)
	}
}

func TestInvokeStopsAtMaxIterations(t *testing.T) {
	responses := make([]CompletionResponse, 0, 10)
	for i := 0; i < 10; i++ {
		responses = append(responses, CompletionResponse{
			Message:   Message{Role: RoleAssistant, Content: "still thinking"},
			ToolCalls: []ToolCall{{ID: "call", Name: "echo", Arguments: json.RawMessage(`{}`)}},
		})
	}
	llm := &scriptedLLM{responses: responses}
	tools := NewToolExecutor(zap.NewNop())
	tools.Register(&fakeTool{name: "echo", result: json.RawMessage(`"ok"`)}, DefaultToolConfig())
	cfg := AgentConfig{MaxIterations: 3, Timeout: DefaultAgentConfig().Timeout}
	inv := New(zap.NewNop(), llm, tools, cfg)

	result, err := inv.Invoke(context.Background(), "system", "user", []string{"echo"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Iterations != 3 {
		t.Fatalf("expected exactly MaxIterations=3 iterations, got %d", result.Iterations)
	}
	if len(result.ToolCalls) != 3 {
		t.Fatalf("expected 3 tool calls recorded, got %d", len(result.ToolCalls))
	}
}
