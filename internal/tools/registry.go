package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/finassist/ragagent/internal/llm"
	"github.com/finassist/ragagent/internal/retrieval"
)

// Handler executes one tool invocation within a turn.
type Handler func(ctx context.Context, inv Invocation, tc *Context) (*Result, error)

// Definition describes one callable tool: schema plus handler.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Spec renders the definition in the OpenAI tool-calling shape.
func (d Definition) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Type: "function",
		Function: llm.FunctionSpec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		},
	}
}

// Invocation is a parsed tool call.
type Invocation struct {
	Name      string
	Arguments map[string]any
}

// Result is the immutable outcome of one tool execution.
type Result struct {
	Content     map[string]any
	UsedResults []retrieval.Result
}

// Context carries turn-scoped state into tool handlers. It is read-only
// for the duration of the turn.
type Context struct {
	OwnerID             int64
	ChatID              int64
	History             []llm.Message
	SelectedDocumentIDs []int64
	Scenario            int
	Instructions        string
	Intent              string
	CurrentDatetime     string
	UseQueryExpansion   *bool
}

// ArgumentError marks a missing or invalid tool argument. It is surfaced
// to the model as a structured error payload, not treated as fatal.
type ArgumentError struct {
	Tool   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Reason)
}

// NewArgumentError builds an ArgumentError for a tool.
func NewArgumentError(tool, reason string) error {
	return &ArgumentError{Tool: tool, Reason: reason}
}

// Registry maps tool names to schema and handler.
type Registry struct {
	definitions map[string]Definition
	order       []string
}

func NewRegistry(definitions []Definition) *Registry {
	r := &Registry{definitions: make(map[string]Definition, len(definitions))}
	for _, d := range definitions {
		if _, exists := r.definitions[d.Name]; !exists {
			r.order = append(r.order, d.Name)
		}
		r.definitions[d.Name] = d
	}
	return r
}

// Describe returns tool specs for the allowed names, or all tools in
// registration order when allowed is nil. Unknown names are skipped.
func (r *Registry) Describe(allowed []string) []llm.ToolSpec {
	names := allowed
	if names == nil {
		names = r.order
	}
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		if d, ok := r.definitions[name]; ok {
			specs = append(specs, d.Spec())
		}
	}
	return specs
}

// Has reports whether the registry knows a tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.definitions[name]
	return ok
}

// Execute parses the raw JSON arguments and dispatches the named tool.
func (r *Registry) Execute(ctx context.Context, name, argumentsJSON string, tc *Context) (*Result, error) {
	d, ok := r.definitions[name]
	if !ok {
		return nil, NewArgumentError(name, "unknown tool")
	}
	args, err := parseArguments(argumentsJSON)
	if err != nil {
		return nil, &ArgumentError{Tool: name, Reason: err.Error()}
	}
	return d.Handler(ctx, Invocation{Name: name, Arguments: args}, tc)
}

func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool arguments must be an object")
	}
	return obj, nil
}
