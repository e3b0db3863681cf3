// Package toolcall implements the iterative model↔tool loop orchestrator
// (), its IdempotencyCache (idempotency.go), and the streaming
// ToolCallAssembler (assembler.go).
package toolcall

import (
	"time"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

// Role is a conversation message role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is one model-emitted tool invocation.
type ToolCallRequest struct {
	ID        string
	ToolName  string
	Arguments []byte // canonical JSON
}

// Message is one turn of the conversation the orchestrator threads
// through the model.
type Message struct {
	Role      Role
	Content   string
	ToolCalls []ToolCallRequest
	ToolCallID string // set on RoleTool messages
}

// ModelResponse is what invoking the model returns for one turn.
type ModelResponse struct {
	Message ModelMessage
}

// ModelMessage is the assistant turn the model produced.
type ModelMessage struct {
	Content   string
	ToolCalls []ToolCallRequest
}

// ModelInvoker is the port the orchestrator calls to advance the
// conversation by one model turn.
type ModelInvoker interface {
	Invoke(agent string, conversation []Message) (ModelResponse, error)
}

// ToolDefinition describes one callable tool made available to the model.
type ToolDefinition struct {
	Name   string
	Schema any
}

// ToolExecutor is the port the orchestrator calls to run a tool.
type ToolExecutor interface {
	Execute(toolName string, arguments []byte) (result any, err error)
}

// Limits are the safety limits of . MaxIterations and
// MaxConsecutiveFailures take their defaults when zero; a zero WallTimeMs
// disables the wall-time check.
type Limits struct {
	MaxIterations           int
	MaxConsecutiveFailures  int
	WallTimeMs              int64
}

const (
	DefaultMaxIterations          = 10
	DefaultMaxConsecutiveFailures = 3
)

func (l Limits) withDefaults() Limits {
	if l.MaxIterations <= 0 {
		l.MaxIterations = DefaultMaxIterations
	}
	if l.MaxConsecutiveFailures <= 0 {
		l.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return l
}

// Orchestrator runs the iterative model↔tool loop for one agent
// invocation.
type Orchestrator struct {
	model ModelInvoker
	tools ToolExecutor
	cache *IdempotencyCache
}

// NewOrchestrator constructs an Orchestrator against the given ports and
// idempotency cache.
func NewOrchestrator(model ModelInvoker, tools ToolExecutor, cache *IdempotencyCache) *Orchestrator {
	return &Orchestrator{model: model, tools: tools, cache: cache}
}

// Run executes the loop described in and returns the final
// model response once it produces a turn without tool_calls.
func (o *Orchestrator) Run(tenant, agent string, initial Message, defs []ToolDefinition, limits Limits) (ModelMessage, error) {
	limits = limits.withDefaults()

	conversation := []Message{initial}
	consecutiveFailures := 0
	start := time.Now()

	for iteration := 1; ; iteration++ {
		if iteration > limits.MaxIterations {
			return ModelMessage{}, gatewayerr.New(gatewayerr.CodeToolMaxIterations, "tool-call loop exceeded max_iterations").
				WithContext("max_iterations", limits.MaxIterations)
		}
		if limits.WallTimeMs > 0 && time.Since(start) > time.Duration(limits.WallTimeMs)*time.Millisecond {
			return ModelMessage{}, gatewayerr.New(gatewayerr.CodeToolWallTimeExceeded, "tool-call loop exceeded wall_time_ms").
				WithContext("wall_time_ms", limits.WallTimeMs)
		}

		resp, err := o.model.Invoke(agent, conversation)
		if err != nil {
			return ModelMessage{}, err
		}

		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message, nil
		}

		conversation = append(conversation, Message{Role: RoleAssistant, Content: resp.Message.Content, ToolCalls: resp.Message.ToolCalls})

		for _, call := range resp.Message.ToolCalls {
			result, failed, err := o.invokeOne(tenant, call)
			if err != nil {
				return ModelMessage{}, err
			}

			if failed {
				consecutiveFailures++
				if consecutiveFailures >= limits.MaxConsecutiveFailures {
					return ModelMessage{}, gatewayerr.New(gatewayerr.CodeToolConsecutiveFailures, "tool-call loop exceeded max_consecutive_failures").
						WithContext("max_consecutive_failures", limits.MaxConsecutiveFailures)
				}
			} else {
				consecutiveFailures = 0
			}

			conversation = append(conversation, toolResultMessage(call, result))
		}
	}
}

// invokeOne looks up a cached result by idempotency key and short-
// circuits, else invokes the tool and caches the result.
func (o *Orchestrator) invokeOne(tenant string, call ToolCallRequest) (result any, failed bool, err error) {
	key := Key(tenant, call.ToolName, call.Arguments)

	if cached, ok := o.cache.Get(key); ok {
		return cached, false, nil
	}

	result, execErr := o.tools.Execute(call.ToolName, call.Arguments)
	if execErr != nil {
		if gatewayerr.CodeOf(execErr) == gatewayerr.CodeToolValidationFailed {
			return nil, false, execErr
		}
		return errorResult(execErr), true, nil
	}

	o.cache.Set(key, result)
	return result, false, nil
}

func errorResult(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

func toolResultMessage(call ToolCallRequest, result any) Message {
	content, err := canonicalJSON(result)
	if err != nil {
		content = []byte(`{"error":"result not serializable"}`)
	}
	return Message{Role: RoleTool, Content: string(content), ToolCallID: call.ID}
}
