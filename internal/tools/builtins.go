package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/micgate"
	"github.com/nevil-robotics/nevil/pkg/memory"
)

const nodeName = "tools"

// Builtins wires the robot's own tools into a [Registry]. Memory tools are
// registered only when a store and embedder are configured.
type Builtins struct {
	Bus      *bus.Bus
	Gate     *micgate.Gate
	Memory   memory.Store
	Embedder memory.Embedder

	mu      sync.Mutex
	navHold *micgate.Hold
}

// RegisterAll adds every available builtin to r.
func (b *Builtins) RegisterAll(r *Registry) error {
	type builtin struct {
		def     Definition
		handler Handler
	}
	all := []builtin{
		{
			def: Definition{
				Name:        "take_snapshot",
				Description: "Capture a photo with the robot's camera. The image is described and injected into the conversation shortly after.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"reason": map[string]any{"type": "string", "description": "Why the snapshot is needed."},
					},
				},
			},
			handler: b.takeSnapshot,
		},
		{
			def: Definition{
				Name:        "set_navigation_mode",
				Description: "Change the robot's movement mode. Use 'stop' to halt all movement.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"mode": map[string]any{
							"type": "string",
							"enum": []string{"explore", "follow", "patrol", "stop"},
						},
					},
					"required": []string{"mode"},
				},
			},
			handler: b.setNavigationMode,
		},
		{
			def: Definition{
				Name:        "play_sound_effect",
				Description: "Play one of the robot's built-in sound effects.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string", "description": "Sound effect name, e.g. 'horn' or 'chirp'."},
					},
					"required": []string{"name"},
				},
			},
			handler: b.playSoundEffect,
		},
	}

	if b.Memory != nil && b.Embedder != nil {
		all = append(all,
			builtin{
				def: Definition{
					Name:        "remember",
					Description: "Store a fact in long-term memory.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"content":  map[string]any{"type": "string", "description": "The fact to remember."},
							"category": map[string]any{"type": "string", "description": "Optional grouping such as 'person' or 'place'."},
						},
						"required": []string{"content"},
					},
				},
				handler: b.remember,
			},
			builtin{
				def: Definition{
					Name:        "recall",
					Description: "Search long-term memory for facts related to a query.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"query": map[string]any{"type": "string"},
							"limit": map[string]any{"type": "integer", "description": "Maximum results, default 5."},
						},
						"required": []string{"query"},
					},
				},
				handler: b.recall,
			},
		)
	} else {
		slog.Info("tools: memory store not configured, remember/recall unavailable")
	}

	for _, t := range all {
		if err := r.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (b *Builtins) takeSnapshot(_ context.Context, argsJSON string) (string, error) {
	var args struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal([]byte(argsJSON), &args)

	captureID := uuid.NewString()
	b.Bus.Publish(nodeName, bus.TopicVisualRequest, bus.VisualRequest{
		CaptureID: captureID,
		Reason:    args.Reason,
	})
	return fmt.Sprintf(`{"status":"ok","capture_id":%q}`, captureID), nil
}

func (b *Builtins) setNavigationMode(_ context.Context, argsJSON string) (string, error) {
	var args struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Mode == "" {
		return "", fmt.Errorf("mode is required")
	}

	// Driving is audible; hold the mic gate while the robot moves so it
	// does not hear its own motors.
	b.mu.Lock()
	switch {
	case args.Mode == "stop" && b.navHold != nil:
		b.navHold.Release()
		b.navHold = nil
	case args.Mode != "stop" && b.navHold == nil && b.Gate != nil:
		b.navHold = b.Gate.Acquire("navigating")
	}
	b.mu.Unlock()

	b.Bus.Publish(nodeName, bus.TopicRobotAction, bus.RobotAction{
		Actions:   []string{"navigation:" + args.Mode},
		Priority:  1,
		Timestamp: time.Now(),
	})
	return fmt.Sprintf(`{"status":"ok","mode":%q}`, args.Mode), nil
}

func (b *Builtins) playSoundEffect(_ context.Context, argsJSON string) (string, error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Name == "" {
		return "", fmt.Errorf("name is required")
	}
	b.Bus.Publish(nodeName, bus.TopicRobotAction, bus.RobotAction{
		Actions:   []string{"sound:" + args.Name},
		Timestamp: time.Now(),
	})
	return `{"status":"ok"}`, nil
}

func (b *Builtins) remember(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Content  string `json:"content"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Content == "" {
		return "", fmt.Errorf("content is required")
	}

	embedding, err := b.Embedder.Embed(ctx, args.Content)
	if err != nil {
		return "", fmt.Errorf("embed: %w", err)
	}
	entry := memory.Entry{
		ID:        uuid.NewString(),
		Content:   args.Content,
		Category:  args.Category,
		Embedding: embedding,
		CreatedAt: time.Now(),
	}
	if err := b.Memory.Remember(ctx, entry); err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"status":"ok","id":%q}`, entry.ID), nil
}

func (b *Builtins) recall(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	embedding, err := b.Embedder.Embed(ctx, args.Query)
	if err != nil {
		return "", fmt.Errorf("embed: %w", err)
	}
	results, err := b.Memory.Recall(ctx, embedding, args.Limit)
	if err != nil {
		return "", err
	}

	type hit struct {
		Content  string `json:"content"`
		Category string `json:"category,omitempty"`
	}
	hits := make([]hit, len(results))
	for i, r := range results {
		hits[i] = hit{Content: r.Content, Category: r.Category}
	}
	out, err := json.Marshal(map[string]any{"status": "ok", "memories": hits})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
