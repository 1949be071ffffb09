package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/registry"
)

// registerDemoComponents installs the built-in examples: a counter, a chat
// room and an upload drop zone.
func registerDemoComponents(reg *registry.Registry) error {
	types := []*registry.Type{
		counterType(),
		chatRoomType(),
		dropZoneType(),
	}
	for _, t := range types {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func counterType() *registry.Type {
	return &registry.Type{
		Name:          "Counter",
		SchemaVersion: 1,
		InitialState: func(props map[string]any) (map[string]any, error) {
			initial := float64(0)
			if v, ok := asNumber(props["initial"]); ok {
				initial = v
			}
			return map[string]any{"count": initial}, nil
		},
		Methods: map[string]*registry.Method{
			"increment": {
				Name:  "increment",
				Arity: 1,
				Handler: func(ctx registry.Context, params []any) (any, error) {
					amount, ok := asNumber(params[0])
					if !ok {
						return nil, fmt.Errorf("increment: amount must be a number")
					}
					count := float64(0)
					if v, exists := ctx.ReadState("count"); exists {
						count, _ = asNumber(v)
					}
					count += amount
					ctx.SetState(map[string]any{"count": count})
					return count, nil
				},
			},
			"reset": {
				Name:  "reset",
				Arity: 0,
				Handler: func(ctx registry.Context, params []any) (any, error) {
					ctx.SetState(map[string]any{"count": float64(0)})
					return nil, nil
				},
			},
		},
	}
}

func chatRoomType() *registry.Type {
	return &registry.Type{
		Name:          "ChatRoom",
		SchemaVersion: 1,
		InitialState: func(props map[string]any) (map[string]any, error) {
			room, _ := props["room"].(string)
			if room == "" {
				room = "lobby"
			}
			return map[string]any{"room": room, "messages": []any{}}, nil
		},
		Lifecycle: registry.Lifecycle{
			Mount: func(ctx registry.Context) error {
				if room, ok := ctx.ReadState("room"); ok {
					if name, ok := room.(string); ok {
						ctx.JoinRoom(name)
					}
				}
				return nil
			},
		},
		Events: []string{"chat:message"},
		Methods: map[string]*registry.Method{
			"sendMessage": {
				Name:  "sendMessage",
				Arity: 1,
				Handler: func(ctx registry.Context, params []any) (any, error) {
					text, ok := params[0].(string)
					if !ok || text == "" {
						return nil, fmt.Errorf("sendMessage: text must be a non-empty string")
					}
					msg := map[string]any{
						"from": ctx.Principal(),
						"text": text,
						"at":   time.Now().UTC().Format(time.RFC3339),
					}
					var history []any
					if v, exists := ctx.ReadState("messages"); exists {
						history, _ = v.([]any)
					}
					ctx.SetState(map[string]any{"messages": append(history, msg)})

					room := "lobby"
					if v, exists := ctx.ReadState("room"); exists {
						if name, ok := v.(string); ok {
							room = name
						}
					}
					ctx.EmitToRoom(room, "chat:message", msg)
					return nil, nil
				},
			},
		},
	}
}

func dropZoneType() *registry.Type {
	return &registry.Type{
		Name:          "DropZone",
		SchemaVersion: 1,
		InitialState: func(props map[string]any) (map[string]any, error) {
			return map[string]any{"files": []any{}}, nil
		},
		Events: []string{"file:stored"},
		Methods: map[string]*registry.Method{
			"onUploadComplete": {
				Name:  "onUploadComplete",
				Arity: 3,
				Handler: func(ctx registry.Context, params []any) (any, error) {
					uploadID, _ := params[0].(string)
					path, _ := params[1].(string)
					fileName, _ := params[2].(string)

					record := map[string]any{
						"uploadId": uploadID,
						"path":     path,
						"name":     fileName,
					}
					var files []any
					if v, exists := ctx.ReadState("files"); exists {
						files, _ = v.([]any)
					}
					ctx.SetState(map[string]any{"files": append(files, record)})
					ctx.Broadcast("file:stored", record)
					return nil, nil
				},
			},
		},
	}
}

// asNumber normalizes the numeric shapes a decoded param can take.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
