package toolcall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

type fakeModel struct {
	turns []ModelResponse
	n     int
}

func (m *fakeModel) Invoke(agent string, conversation []Message) (ModelResponse, error) {
	resp := m.turns[m.n]
	if m.n < len(m.turns)-1 {
		m.n++
	}
	return resp, nil
}

type fakeExecutor struct {
	calls   int
	fail    bool
	failN   int
	results map[string]any
}

func (e *fakeExecutor) Execute(toolName string, arguments []byte) (any, error) {
	e.calls++
	if e.fail && e.calls <= e.failN {
		return nil, gatewayerr.New(gatewayerr.CodeInternal, "tool exploded")
	}
	return map[string]any{"ok": true}, nil
}

func TestRun_ReturnsImmediatelyWithNoToolCalls(t *testing.T) {
	model := &fakeModel{turns: []ModelResponse{{Message: ModelMessage{Content: "hello"}}}}
	o := NewOrchestrator(model, &fakeExecutor{}, NewIdempotencyCache(10, time.Minute))

	msg, err := o.Run("tenant-a", "agent-a", Message{Role: RoleUser, Content: "hi"}, nil, Limits{})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
}

func TestRun_LoopsThroughToolCallThenReturns(t *testing.T) {
	model := &fakeModel{turns: []ModelResponse{
		{Message: ModelMessage{ToolCalls: []ToolCallRequest{{ID: "c1", ToolName: "search", Arguments: []byte(`{"q":"x"}`)}}}},
		{Message: ModelMessage{Content: "done"}},
	}}
	exec := &fakeExecutor{}
	o := NewOrchestrator(model, exec, NewIdempotencyCache(10, time.Minute))

	msg, err := o.Run("tenant-a", "agent-a", Message{Role: RoleUser, Content: "hi"}, nil, Limits{})
	require.NoError(t, err)
	assert.Equal(t, "done", msg.Content)
	assert.Equal(t, 1, exec.calls)
}

func TestRun_IdempotentCallShortCircuitsExecutor(t *testing.T) {
	call := ToolCallRequest{ID: "c1", ToolName: "search", Arguments: []byte(`{"q":"x"}`)}
	model := &fakeModel{turns: []ModelResponse{
		{Message: ModelMessage{ToolCalls: []ToolCallRequest{call}}},
		{Message: ModelMessage{ToolCalls: []ToolCallRequest{call}}},
		{Message: ModelMessage{Content: "done"}},
	}}
	exec := &fakeExecutor{}
	o := NewOrchestrator(model, exec, NewIdempotencyCache(10, time.Minute))

	_, err := o.Run("tenant-a", "agent-a", Message{Role: RoleUser, Content: "hi"}, nil, Limits{})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.calls)
}

func TestRun_MaxIterationsExceeded(t *testing.T) {
	call := ToolCallRequest{ID: "c1", ToolName: "search", Arguments: []byte(`{"q":"x"}`)}
	model := &fakeModel{turns: []ModelResponse{{Message: ModelMessage{ToolCalls: []ToolCallRequest{call}}}}}
	exec := &fakeExecutor{}
	o := NewOrchestrator(model, exec, NewIdempotencyCache(10, time.Minute))

	_, err := o.Run("tenant-a", "agent-a", Message{Role: RoleUser, Content: "hi"}, nil, Limits{MaxIterations: 2})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeToolMaxIterations, gatewayerr.CodeOf(err))
}

func TestRun_ConsecutiveFailuresExceeded(t *testing.T) {
	call := ToolCallRequest{ID: "c1", ToolName: "search", Arguments: []byte(`{"q":"x"}`)}
	model := &fakeModel{turns: []ModelResponse{{Message: ModelMessage{ToolCalls: []ToolCallRequest{call}}}}}
	exec := &fakeExecutor{fail: true, failN: 100}
	o := NewOrchestrator(model, exec, NewIdempotencyCache(10, time.Minute))

	_, err := o.Run("tenant-a", "agent-a", Message{Role: RoleUser, Content: "hi"}, nil, Limits{MaxIterations: 10, MaxConsecutiveFailures: 2})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeToolConsecutiveFailures, gatewayerr.CodeOf(err))
}

func TestIdempotencyCache_EvictsLRUWhenFull(t *testing.T) {
	c := NewIdempotencyCache(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // evicts "a" unless accessed

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestIdempotencyCache_ExpiresAfterTTL(t *testing.T) {
	c := NewIdempotencyCache(10, 10*time.Millisecond)
	c.Set("a", 1)
	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestAssembler_GroupsByIndexAndAppendsDeltas(t *testing.T) {
	a := NewToolCallAssembler()
	a.Feed(Fragment{Index: 0, ID: "c1", ToolName: "search", ArgumentsDelta: `{"q":`})
	a.Feed(Fragment{Index: 0, ArgumentsDelta: `"x"}`})

	calls := a.Finalize()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"q":"x"}`, calls[0].Arguments)
	assert.False(t, calls[0].ParseError)
}

func TestAssembler_MarksUnparseableArgumentsButStillEmits(t *testing.T) {
	a := NewToolCallAssembler()
	a.Feed(Fragment{Index: 0, ID: "c1", ToolName: "search", ArgumentsDelta: `{"q": not-json`})

	calls := a.Finalize()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].ParseError)
}

func TestAssembler_LenientTrailingCommaTolerance(t *testing.T) {
	a := NewToolCallAssembler()
	a.Feed(Fragment{Index: 0, ID: "c1", ToolName: "search", ArgumentsDelta: `{"q":"x",}`})

	calls := a.Finalize()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].ParseError)
}

func TestAssembler_EarlyFinalizeWhenLaterIndexBegins(t *testing.T) {
	a := NewToolCallAssembler()
	a.Feed(Fragment{Index: 0, ID: "c1", ToolName: "search", ArgumentsDelta: `{"q":"x"}`})
	a.Feed(Fragment{Index: 1, ID: "c2", ToolName: "fetch", ArgumentsDelta: `{"url":`})

	call, ok := a.EarlyFinalize(0)
	require.True(t, ok)
	assert.Equal(t, `{"q":"x"}`, call.Arguments)
}
