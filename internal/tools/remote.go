package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// OwnerArg is the argument remote tool servers identify the owner by.
// The registry fills it in; the model never sees it.
const OwnerArg = "user_id"

// Caller invokes a tool on a remote tool server and returns its text
// output.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// RemoteSpec describes a tool advertised by a remote server.
type RemoteSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// RegisterRemote adds a tool served by caller. The owner argument is
// stripped from the schema and injected on every call. Each call is
// bounded by timeout.
func (r *Registry) RegisterRemote(spec RemoteSpec, caller Caller, timeout time.Duration) error {
	return r.Register(&Tool{
		Name:        spec.Name,
		Description: spec.Description,
		Parameters:  stripOwnerArg(spec.InputSchema),
		Remote:      true,
		Handler:     remoteHandler(spec.Name, caller, timeout),
	})
}

func remoteHandler(name string, caller Caller, timeout time.Duration) Handler {
	return func(ctx context.Context, owner int64, args map[string]any) (Result, error) {
		callArgs := make(map[string]any, len(args)+1)
		for k, v := range args {
			callArgs[k] = v
		}
		callArgs[OwnerArg] = owner

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		text, err := caller.CallTool(ctx, name, callArgs)
		if err != nil {
			return Result{}, fmt.Errorf("remote tool %s: %w", name, err)
		}
		return ParseRemoteResult(text), nil
	}
}

// ParseRemoteResult interprets the text a remote tool returned. A JSON
// envelope {"success":false,"error":"not_authorized"} becomes
// AuthRequired; JSON passes through untouched; anything else is
// returned as a string.
func ParseRemoteResult(text string) Result {
	var env struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(text), &env); err == nil {
		if env.Success != nil && !*env.Success && env.Error == NotAuthorized {
			return AuthRequired(env.Message)
		}
		return Data(json.RawMessage(text))
	}
	if json.Valid([]byte(text)) {
		return Data(json.RawMessage(text))
	}
	return Data(text)
}

// stripOwnerArg returns a copy of schema without the owner argument in
// properties or required.
func stripOwnerArg(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	if len(out) == 0 {
		out["type"] = "object"
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		cp := make(map[string]any, len(props))
		for k, v := range props {
			if k != OwnerArg {
				cp[k] = v
			}
		}
		out["properties"] = cp
	}

	switch req := schema["required"].(type) {
	case []any:
		var cp []any
		for _, v := range req {
			if s, _ := v.(string); s != OwnerArg {
				cp = append(cp, v)
			}
		}
		out["required"] = cp
	case []string:
		out["required"] = slices.DeleteFunc(slices.Clone(req), func(s string) bool { return s == OwnerArg })
	}
	if req, ok := out["required"]; ok {
		switch v := req.(type) {
		case []any:
			if len(v) == 0 {
				delete(out, "required")
			}
		case []string:
			if len(v) == 0 {
				delete(out, "required")
			}
		}
	}
	return out
}
