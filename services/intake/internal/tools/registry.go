// Package tools declares the assistant's callable tools and executes the
// calls a model turn produces.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"balungpisah/pkg/ai"
	"balungpisah/pkg/domain"
)

// Invocation is the caller context a tool runs with.
type Invocation struct {
	User   domain.AuthenticatedUser
	Thread domain.Thread
}

// HandlerFunc runs one tool call. The returned value is JSON encoded into the
// tool_result block.
type HandlerFunc func(ctx context.Context, inv Invocation, req mcp.CallToolRequest) (any, error)

// Tool pairs an MCP tool definition with its handler. ReadOnly tools may run
// concurrently with each other.
type Tool struct {
	Def      mcp.Tool
	ReadOnly bool
	Handler  HandlerFunc
}

type Registry struct {
	tools map[string]Tool
	names []string
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := r.tools[t.Def.Name]; !dup {
			r.names = append(r.names, t.Def.Name)
		}
		r.tools[t.Def.Name] = t
	}
	sort.Strings(r.names)
	return r
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Specs advertises every tool to the model.
func (r *Registry) Specs() []ai.ToolSpec {
	if r == nil {
		return nil
	}
	out := make([]ai.ToolSpec, 0, len(r.names))
	for _, name := range r.names {
		t := r.tools[name]
		params, err := json.Marshal(t.Def.InputSchema)
		if err != nil {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, ai.ToolSpec{Name: name, Description: t.Def.Description, Parameters: params})
	}
	return out
}

// ParseArguments decodes raw tool-call arguments and checks them against the
// tool's declared parameters. Unknown tools are only checked for JSON syntax;
// the coordinator reports them.
func (r *Registry) ParseArguments(name, raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", ErrInvalidArguments)
	}
	t, ok := r.Lookup(name)
	if !ok {
		return args, nil
	}
	if err := checkSchema(t.Def.InputSchema, args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return args, nil
}

func checkSchema(schema mcp.ToolInputSchema, args map[string]any) error {
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("missing required argument %q", key)
		}
	}
	for key, value := range args {
		prop, ok := schema.Properties[key].(map[string]any)
		if !ok {
			continue
		}
		want, _ := prop["type"].(string)
		if want != "" && !matchesType(want, value) {
			return fmt.Errorf("argument %q must be %s", key, want)
		}
		if allowed := enumValues(prop["enum"]); len(allowed) > 0 {
			s, _ := value.(string)
			if _, ok := allowed[s]; !ok {
				return fmt.Errorf("argument %q must be one of %s", key, strings.Join(sortedKeys(allowed), ", "))
			}
		}
	}
	return nil
}

func matchesType(want string, value any) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func enumValues(raw any) map[string]struct{} {
	out := make(map[string]struct{})
	switch vals := raw.(type) {
	case []string:
		for _, v := range vals {
			out[v] = struct{}{}
		}
	case []any:
		for _, v := range vals {
			if s, ok := v.(string); ok {
				out[s] = struct{}{}
			}
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}
