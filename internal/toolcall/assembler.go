package toolcall

import (
	"encoding/json"
	"regexp"
	"sort"
)

// Fragment is one streamed tool-call delta, keyed by index within the
// response's tool_calls array.
type Fragment struct {
	Index        int
	ID           string
	ToolName     string
	ArgumentsDelta string
}

// AssembledCall is one fully- (or partially-) reassembled tool call.
type AssembledCall struct {
	Index      int
	ID         string
	ToolName   string
	Arguments  string
	ParseError bool
}

// trailingCommaRe strips a trailing comma before a closing brace/bracket,
// the "lenient trailing-comma tolerance" calls for.
var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

func lenientJSONValid(s string) bool {
	cleaned := trailingCommaRe.ReplaceAllString(s, "$1")
	var v any
	return json.Unmarshal([]byte(cleaned), &v) == nil
}

// ToolCallAssembler groups streamed fragments by index, appending
// argument deltas. Feed never finalizes a call on its own; EarlyFinalize
// lets the caller finalize an earlier index once a later one begins.
type ToolCallAssembler struct {
	order   []int
	byIndex map[int]*AssembledCall
}

// NewToolCallAssembler constructs an empty assembler.
func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{byIndex: make(map[int]*AssembledCall)}
}

// Feed appends one streamed fragment.
func (a *ToolCallAssembler) Feed(f Fragment) {
	call, ok := a.byIndex[f.Index]
	if !ok {
		call = &AssembledCall{Index: f.Index, ID: f.ID, ToolName: f.ToolName}
		a.byIndex[f.Index] = call
		a.order = append(a.order, f.Index)
	}
	if f.ID != "" {
		call.ID = f.ID
	}
	if f.ToolName != "" {
		call.ToolName = f.ToolName
	}
	call.Arguments += f.ArgumentsDelta
}

// Finalize returns every assembled call in index order, marking
// unparseable arguments with ParseError rather than dropping them — the
// call is still emitted.
func (a *ToolCallAssembler) Finalize() []AssembledCall {
	indices := append([]int(nil), a.order...)
	sort.Ints(indices)

	out := make([]AssembledCall, 0, len(indices))
	for _, idx := range indices {
		call := *a.byIndex[idx]
		call.ParseError = !lenientJSONValid(call.Arguments)
		out = append(out, call)
	}
	return out
}

// EarlyFinalize checks whether earlierIndex's accumulated arguments
// already parse as valid JSON (with trailing-comma tolerance). It does not
// itself check that a later index has begun; the caller decides when to
// call it. Returns the finalized call and true if the arguments parse.
func (a *ToolCallAssembler) EarlyFinalize(earlierIndex int) (AssembledCall, bool) {
	call, ok := a.byIndex[earlierIndex]
	if !ok {
		return AssembledCall{}, false
	}
	if !lenientJSONValid(call.Arguments) {
		return AssembledCall{}, false
	}
	result := *call
	result.ParseError = false
	return result, true
}
