package graph

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/syncwell/graphsync/internal/model"
)

// Query is a parameterized Cypher statement ready for the executor.
type Query struct {
	Text   string
	Params map[string]any
}

var (
	// ErrUnknownOperation is a hard error: an operation the builder does not
	// recognize must never be silently skipped.
	ErrUnknownOperation = errors.New("unknown graph operation")

	ErrBadPayload = errors.New("malformed event payload")
)

// Labels, relation types, and property/parameter names are spliced into the
// query text and therefore cannot be Cypher parameters. Anything else is
// rejected before it reaches the graph.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func safeIdent(s string) (string, error) {
	if !identRe.MatchString(s) {
		return "", fmt.Errorf("%w: invalid identifier %q", ErrBadPayload, s)
	}
	return s, nil
}

// groupingEdges maps entity types whose CREATE should also attach an
// idempotent membership edge when the payload carries the grouping key.
// MERGE on the grouping node and edge keeps retried creates from duplicating
// either, even though the primary node statement is a fresh CREATE.
var groupingEdges = map[string]struct{}{
	"Task":  {},
	"Issue": {},
	"Story": {},
	"Bug":   {},
}

const (
	groupingKey      = "sprint_id"
	groupingLabel    = "Sprint"
	groupingRelation = "IN_SPRINT"
)

// Build maps an outbox event onto a parameterized Cypher query. It is pure:
// same inputs, same query, no I/O.
func Build(op model.Operation, entityType, entityID string, payload map[string]any) (Query, error) {
	label, err := safeIdent(entityType)
	if err != nil {
		return Query{}, err
	}

	switch op {
	case model.OpCreate:
		return buildCreate(label, entityID, payload)
	case model.OpUpdate:
		return buildUpdate(label, entityID, payload)
	case model.OpDelete:
		return Query{
			Text:   fmt.Sprintf("MATCH (n:%s {id: $id}) DETACH DELETE n", label),
			Params: map[string]any{"id": entityID},
		}, nil
	case model.OpMerge:
		return buildMerge(label, entityID, payload)
	case model.OpLink:
		return buildLink(payload)
	case model.OpUnlink:
		return buildUnlink(payload)
	default:
		return Query{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
}

// propKeys returns payload keys except "id", validated and sorted so the
// generated query text is deterministic.
func propKeys(payload map[string]any) ([]string, error) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k == "id" {
			continue
		}
		if _, err := safeIdent(k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func buildCreate(label, entityID string, payload map[string]any) (Query, error) {
	keys, err := propKeys(payload)
	if err != nil {
		return Query{}, err
	}

	params := map[string]any{"id": entityID}
	props := make([]string, 0, len(keys)+1)
	props = append(props, "id: $id")
	for _, k := range keys {
		props = append(props, fmt.Sprintf("%s: $%s", k, k))
		params[k] = payload[k]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE (n:%s {%s})", label, strings.Join(props, ", "))

	// grouping side: merge, never create, so a replayed CREATE cannot
	// duplicate the grouping node or the membership edge
	if _, ok := groupingEdges[label]; ok {
		if gid, ok := payload[groupingKey]; ok && gid != nil && gid != "" {
			fmt.Fprintf(&sb, " MERGE (g:%s {id: $%s}) MERGE (n)-[:%s]->(g)",
				groupingLabel, groupingKey, groupingRelation)
		}
	}

	return Query{Text: sb.String(), Params: params}, nil
}

func buildUpdate(label, entityID string, payload map[string]any) (Query, error) {
	keys, err := propKeys(payload)
	if err != nil {
		return Query{}, err
	}

	params := map[string]any{"id": entityID}
	if len(keys) == 0 {
		// nothing to set; keep the statement valid and side-effect free
		return Query{
			Text:   fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n.id", label),
			Params: params,
		}, nil
	}

	sets := make([]string, 0, len(keys))
	for _, k := range keys {
		sets = append(sets, fmt.Sprintf("n.%s = $%s", k, k))
		params[k] = payload[k]
	}

	return Query{
		Text:   fmt.Sprintf("MATCH (n:%s {id: $id}) SET %s", label, strings.Join(sets, ", ")),
		Params: params,
	}, nil
}

func buildMerge(label, entityID string, payload map[string]any) (Query, error) {
	keys, err := propKeys(payload)
	if err != nil {
		return Query{}, err
	}

	params := map[string]any{"id": entityID}
	if len(keys) == 0 {
		return Query{
			Text:   fmt.Sprintf("MERGE (n:%s {id: $id})", label),
			Params: params,
		}, nil
	}

	sets := make([]string, 0, len(keys))
	for _, k := range keys {
		sets = append(sets, fmt.Sprintf("n.%s = $%s", k, k))
		params[k] = payload[k]
	}
	assign := strings.Join(sets, ", ")

	// identical assignment on both branches: the node converges to the same
	// state whether or not it existed, which is what makes replay safe
	return Query{
		Text: fmt.Sprintf("MERGE (n:%s {id: $id}) ON CREATE SET %s ON MATCH SET %s",
			label, assign, assign),
		Params: params,
	}, nil
}

// endpoint pulls a string field out of a LINK/UNLINK payload.
func endpoint(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrBadPayload, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrBadPayload, key)
	}
	return s, nil
}

func linkParts(payload map[string]any) (fromType, fromID, toType, toID, relType string, err error) {
	if fromType, err = endpoint(payload, "fromType"); err != nil {
		return
	}
	if fromID, err = endpoint(payload, "fromId"); err != nil {
		return
	}
	if toType, err = endpoint(payload, "toType"); err != nil {
		return
	}
	if toID, err = endpoint(payload, "toId"); err != nil {
		return
	}
	if relType, err = endpoint(payload, "relationType"); err != nil {
		return
	}
	if fromType, err = safeIdent(fromType); err != nil {
		return
	}
	if toType, err = safeIdent(toType); err != nil {
		return
	}
	relType, err = safeIdent(relType)
	return
}

func buildLink(payload map[string]any) (Query, error) {
	fromType, fromID, toType, toID, relType, err := linkParts(payload)
	if err != nil {
		return Query{}, err
	}

	params := map[string]any{"fromId": fromID, "toId": toID}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MATCH (a:%s {id: $fromId}), (b:%s {id: $toId}) MERGE (a)-[r:%s]->(b)",
		fromType, toType, relType)

	// relationship properties ride along under a prefix to avoid clashing
	// with the endpoint ids
	if raw, ok := payload["properties"].(map[string]any); ok && len(raw) > 0 {
		keys := make([]string, 0, len(raw))
		for k := range raw {
			if _, err := safeIdent(k); err != nil {
				return Query{}, err
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sets := make([]string, 0, len(keys))
		for _, k := range keys {
			sets = append(sets, fmt.Sprintf("r.%s = $p_%s", k, k))
			params["p_"+k] = raw[k]
		}
		fmt.Fprintf(&sb, " SET %s", strings.Join(sets, ", "))
	}

	return Query{Text: sb.String(), Params: params}, nil
}

func buildUnlink(payload map[string]any) (Query, error) {
	fromType, fromID, toType, toID, relType, err := linkParts(payload)
	if err != nil {
		return Query{}, err
	}

	return Query{
		Text: fmt.Sprintf("MATCH (a:%s {id: $fromId})-[r:%s]->(b:%s {id: $toId}) DELETE r",
			fromType, relType, toType),
		Params: map[string]any{"fromId": fromID, "toId": toID},
	}, nil
}
