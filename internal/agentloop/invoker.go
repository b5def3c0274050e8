package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Role is a conversation message's author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation sent to the LLM.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CompletionRequest is sent to the LLM client for one iteration.
type CompletionRequest struct {
	Messages  []Message
	ToolNames []string
}

// CompletionResponse is what the LLM client returns for one iteration.
type CompletionResponse struct {
	Message   Message
	ToolCalls []ToolCall
}

// LLMClient abstracts the model provider behind a single completion
// capability; the invoker never depends on provider internals.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// AgentConfig controls one agent's invocation bound.
type AgentConfig struct {
	MaxIterations int
	Timeout       time.Duration
}

// DefaultAgentConfig bounds an invocation at six iterations with a
// whole-invocation cancellation timeout.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{MaxIterations: 6, Timeout: 90 * time.Second}
}

// InvocationResult is what one stage invocation produces: the final
// assistant message (the stage's artifact content) plus every tool
// call made along the way, for audit/mailbox logging.
type InvocationResult struct {
	FinalMessage string
	ToolCalls    []ToolCallResult
	Iterations   int
}

// Invoker is the Agent Invoker: for a given stage it builds a
// conversation, streams completions from llm, and dispatches any tool
// calls the model emits through tools, iterating until the model emits
// a message with no further tool calls or MaxIterations is reached.
type Invoker struct {
	logger *zap.Logger
	llm    LLMClient
	tools  *ToolExecutor
	cfg    AgentConfig
}

// New builds an Agent Invoker bound to llm and the given tool registry.
func New(logger *zap.Logger, llm LLMClient, tools *ToolExecutor, cfg AgentConfig) *Invoker {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Invoker{logger: logger.Named("agentloop.invoker"), llm: llm, tools: tools, cfg: cfg}
}

// Invoke runs one stage to completion: systemPrompt + userPrompt seed
// the conversation; toolNames lists the tools available this stage.
func (inv *Invoker) Invoke(ctx context.Context, systemPrompt, userPrompt string, toolNames []string) (InvocationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	messages := []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: userPrompt},
	}

	var calls []ToolCallResult
	var last Message

	for i := 0; i < inv.cfg.MaxIterations; i++ {
		resp, err := inv.llm.Complete(ctx, CompletionRequest{Messages: messages, ToolNames: toolNames})
		if err != nil {
			return InvocationResult{ToolCalls: calls, Iterations: i}, fmt.Errorf("agentloop: llm completion failed: %w", err)
		}
		last = resp.Message

		if len(resp.ToolCalls) == 0 {
			return InvocationResult{FinalMessage: resp.Message.Content, ToolCalls: calls, Iterations: i + 1}, nil
		}

		if resp.Message.Content != "" {
			messages = append(messages, Message{Role: RoleAssistant, Content: resp.Message.Content})
		}

		for _, tc := range resp.ToolCalls {
			result := inv.tools.Execute(ctx, tc.Name, tc.Arguments)
			calls = append(calls, result)

			content := string(result.Result)
			if result.Error != "" {
				content = "error: " + result.Error
			}
			messages = append(messages, Message{Role: RoleTool, Content: content, ToolCallID: tc.ID})
		}
	}

	inv.logger.Warn("agent invocation hit max iterations without a terminal message")
	return InvocationResult{FinalMessage: last.Content, ToolCalls: calls, Iterations: inv.cfg.MaxIterations}, nil
}
