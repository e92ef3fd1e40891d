// Package tools defines the tools available to the model and the
// registry that dispatches calls to them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RespondToUser is the terminal tool. Its argument is the reply.
const RespondToUser = "respond_to_user"

// Handler executes a tool on behalf of owner.
type Handler func(ctx context.Context, owner int64, args map[string]any) (Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// Remote marks tools served by an external tool server.
	Remote bool `json:"-"`
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates a registry holding only respond_to_user.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.tools[RespondToUser] = &Tool{
		Name:        RespondToUser,
		Description: "Send the final reply to the user. Every turn must end with exactly one call to this tool.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"response": map[string]any{
					"type":        "string",
					"description": "The complete reply shown to the user, plain text",
				},
			},
			"required": []string{"response"},
		},
		Handler: func(_ context.Context, _ int64, args map[string]any) (Result, error) {
			return Terminal(String(args, "response")), nil
		},
	}
	return r
}

// Register adds a tool. A name already in use is an *ErrNameCollision.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return &ErrNameCollision{Name: t.Name}
	}
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in OpenAI function form, sorted by name.
func (r *Registry) List() []map[string]any {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]map[string]any, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name for owner.
func (r *Registry) Execute(ctx context.Context, name string, owner int64, args map[string]any) (Result, error) {
	tool := r.Get(name)
	if tool == nil {
		return Result{}, &ErrToolNotFound{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Handler(ctx, owner, args)
}

// DecodeArguments parses a model-supplied argument string. Empty or
// malformed input yields an empty object and ok=false.
func DecodeArguments(raw string) (args map[string]any, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, true
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}, false
	}
	return args, true
}

// String returns args[key] as a string, "" if absent.
func String(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns args[key] as an int. JSON numbers and numeric strings are
// accepted.
func Int(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// Strings returns args[key] as a string slice. A single string is
// split on commas.
func Strings(args map[string]any, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []any:
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Ints returns args[key] as an int slice. Entries that are not whole
// numbers are dropped. A single number yields a one-element slice.
func Ints(args map[string]any, key string) []int {
	switch args[key].(type) {
	case []any, []string, string:
		var out []int
		for _, s := range Strings(args, key) {
			if n, err := strconv.Atoi(s); err == nil {
				out = append(out, n)
			}
		}
		return out
	}
	if n, ok := Int(args, key); ok {
		return []int{n}
	}
	return nil
}
