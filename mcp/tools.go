package mcp

import (
	"context"
	"fmt"
	"strconv"
)

// ArgumentError signals that tool arguments failed schema validation. The
// gateway maps it to JSON-RPC error -32602.
type ArgumentError struct {
	msg string
}

func (e *ArgumentError) Error() string {
	return e.msg
}

// NewArgumentError creates an ArgumentError with the given message
func NewArgumentError(msg string) *ArgumentError {
	return &ArgumentError{msg: msg}
}

// Handler executes a tool call and returns the text content of the result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool describes an invocable tool: its catalog entry and its handler.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Handler     Handler        `json:"-"`
}

// Registry holds the tool catalog in registration order.
type Registry struct {
	order []string
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the catalog, replacing any previous tool of the
// same name.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get looks up a tool by name
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns the catalog in registration order
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// DefaultRegistry returns the built-in tool catalog.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Tool{
		Name:        "add_numbers",
		Description: "Adds two numbers together and returns the sum",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number", "description": "First number to add"},
				"b": map[string]any{"type": "number", "description": "Second number to add"},
			},
			"required": []string{"a", "b"},
		},
		Handler: addNumbers,
	})
	return r
}

// addNumbers implements the add_numbers tool. JSON numbers decode as
// float64; anything else fails validation.
func addNumbers(_ context.Context, args map[string]any) (string, error) {
	a, okA := args["a"].(float64)
	b, okB := args["b"].(float64)
	if !okA || !okB {
		return "", NewArgumentError("Invalid arguments. Both a and b must be numbers.")
	}

	sum := a + b
	return fmt.Sprintf("The sum of %s and %s is %s",
		formatNumber(a), formatNumber(b), formatNumber(sum)), nil
}

// formatNumber renders a float the way JSON does: no exponent, no trailing
// zeros, integers without a decimal point.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
