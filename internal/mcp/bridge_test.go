package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/aide/internal/tools"
)

func newBridgeClient() (*Client, *mockTransport) {
	mt := newMockTransport()
	mt.addResponse("tools/list", map[string]any{
		"tools": []map[string]any{
			{
				"name":        "get_tasks",
				"description": "List tasks",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"user_id":     map[string]any{"type": "integer"},
						"max_results": map[string]any{"type": "integer"},
					},
					"required": []any{"user_id"},
				},
			},
			{"name": "delete_task", "description": "Delete a task", "inputSchema": map[string]any{"type": "object"}},
		},
	})
	mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: `{"success":true,"tasks":[]}`}}})
	return NewClient("google", mt, nil), mt
}

func TestBridgeTools_RegistersBareNames(t *testing.T) {
	c, mt := newBridgeClient()
	reg := tools.NewRegistry()

	n, err := BridgeTools(context.Background(), c, reg, nil, nil, time.Second, nil)
	if err != nil || n != 2 {
		t.Fatalf("BridgeTools = %d, %v", n, err)
	}
	tool := reg.Get("get_tasks")
	if tool == nil || !tool.Remote {
		t.Fatalf("get_tasks not registered as remote: %+v", tool)
	}
	if _, ok := tool.Parameters["properties"].(map[string]any)["user_id"]; ok {
		t.Error("user_id visible to the model")
	}

	res, err := reg.Execute(context.Background(), "get_tasks", 321, map[string]any{"max_results": float64(3)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content() != `{"success":true,"tasks":[]}` {
		t.Errorf("Content = %s", res.Content())
	}
	call := mt.sent[len(mt.sent)-1]
	args := call.Params.(map[string]any)["arguments"].(map[string]any)
	if args["user_id"] != int64(321) {
		t.Errorf("user_id = %v, want 321", args["user_id"])
	}
}

func TestBridgeTools_Filters(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{name: "include", include: []string{"delete_task"}, want: []string{"delete_task"}},
		{name: "exclude", exclude: []string{"delete_task"}, want: []string{"get_tasks"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newBridgeClient()
			reg := tools.NewRegistry()
			n, err := BridgeTools(context.Background(), c, reg, tt.include, tt.exclude, 0, nil)
			if err != nil || n != len(tt.want) {
				t.Fatalf("BridgeTools = %d, %v", n, err)
			}
			for _, name := range tt.want {
				if reg.Get(name) == nil {
					t.Errorf("%s not registered", name)
				}
			}
		})
	}
}

func TestBridgeTools_CollisionIsError(t *testing.T) {
	c, _ := newBridgeClient()
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{Name: "get_tasks"})

	_, err := BridgeTools(context.Background(), c, reg, nil, nil, 0, nil)
	var coll *tools.ErrNameCollision
	if !errors.As(err, &coll) {
		t.Errorf("err = %v, want *tools.ErrNameCollision", err)
	}
}
