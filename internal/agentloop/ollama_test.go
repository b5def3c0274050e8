package agentloop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaClientCompleteParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "llama3" {
			t.Fatalf("expected model llama3, got %q", req.Model)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "current_positions" {
			t.Fatalf("expected current_positions tool declared, got %+v", req.Tools)
		}

		resp := ollamaChatResponse{
			Message: ollamaMessage{
				Role: "assistant",
				ToolCalls: []ollamaToolCall{
					{Function: ollamaFunctionCall{Name: "current_positions", Arguments: json.RawMessage(`{}`)}},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "llama3", 0.2, 1024, 5*time.Second)
	resp, err := client.Complete(context.Background(), CompletionRequest{
		Messages:  []Message{{Role: RoleUser, Content: "what's open right now?"}},
		ToolNames: []string{"current_positions"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "current_positions" {
		t.Fatalf("expected one current_positions tool call, got %+v", resp.ToolCalls)
	}
}

func TestOllamaClientCompleteTerminalMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ollamaChatResponse{Message: ollamaMessage{Role: "assistant", Content: "no tools needed"}, Done: true}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "llama3", 0.2, 1024, 5*time.Second)
	resp, err := client.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "status?"}}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Message.Content != "no tools needed" {
		t.Fatalf("unexpected content: %q", resp.Message.Content)
	}
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %+v", resp.ToolCalls)
	}
}
