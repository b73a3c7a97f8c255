package worker

import (
	"context"
	"strings"

	"github.com/syncwell/graphsync/internal/graph"
	"github.com/syncwell/graphsync/internal/model"
)

// PostHook runs after an event's primary query succeeds. Hooks keep
// entity-specific relationship maintenance out of the generic loop; their
// failures are logged and swallowed, since the primary mutation already
// committed and must not be re-flagged.
type PostHook func(ctx context.Context, exec graph.Executor, ev model.OutboxEvent, payload map[string]any) error

// HookRegistry maps lowercase entity types to their post-processing hook.
type HookRegistry map[string]PostHook

// DefaultHooks registers the one documented side-channel: task rows whose
// update carries (or clears) a decision reference get an IMPLEMENTS edge
// synced after the primary update.
func DefaultHooks() HookRegistry {
	return HookRegistry{
		"task": taskDecisionHook,
	}
}

func (h HookRegistry) forEntity(entityType string) (PostHook, bool) {
	hook, ok := h[strings.ToLower(entityType)]
	return hook, ok
}

const (
	mergeImplementsQ = "MATCH (t:Task {id: $taskId}), (d:Decision {id: $decisionId}) " +
		"MERGE (t)-[:IMPLEMENTS]->(d)"
	dropImplementsQ = "MATCH (t:Task {id: $taskId})-[r:IMPLEMENTS]->(:Decision) DELETE r"
)

func taskDecisionHook(ctx context.Context, exec graph.Executor, ev model.OutboxEvent, payload map[string]any) error {
	if ev.Operation != model.OpUpdate {
		return nil
	}

	ref, present := payload["decision_id"]
	if !present {
		return nil
	}

	if id, ok := ref.(string); ok && id != "" {
		// MERGE keeps redelivery from duplicating the edge
		return exec.Execute(ctx, ev.GraphName, mergeImplementsQ, map[string]any{
			"taskId":     ev.EntityID,
			"decisionId": id,
		})
	}

	// reference cleared: drop the existing edge only
	return exec.Execute(ctx, ev.GraphName, dropImplementsQ, map[string]any{
		"taskId": ev.EntityID,
	})
}
