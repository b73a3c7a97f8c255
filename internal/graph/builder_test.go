package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwell/graphsync/internal/model"
)

func TestBuildCreate(t *testing.T) {
	q, err := Build(model.OpCreate, "Task", "t1", map[string]any{"title": "x"})
	require.NoError(t, err)

	assert.Contains(t, q.Text, "CREATE (n:Task")
	assert.Contains(t, q.Text, "id: $id")
	assert.Contains(t, q.Text, "title: $title")
	assert.Equal(t, "t1", q.Params["id"])
	assert.Equal(t, "x", q.Params["title"])
}

func TestBuildCreate_GroupingEdgeIsMerged(t *testing.T) {
	q, err := Build(model.OpCreate, "Task", "t1", map[string]any{
		"title":     "x",
		"sprint_id": "s9",
	})
	require.NoError(t, err)

	// the primary node is created fresh, but the grouping node and its
	// membership edge must be merged so a replayed CREATE cannot duplicate them
	assert.Contains(t, q.Text, "CREATE (n:Task")
	assert.Contains(t, q.Text, "MERGE (g:Sprint {id: $sprint_id})")
	assert.Contains(t, q.Text, "MERGE (n)-[:IN_SPRINT]->(g)")
}

func TestBuildCreate_NoGroupingForUnlistedType(t *testing.T) {
	q, err := Build(model.OpCreate, "Person", "p1", map[string]any{"sprint_id": "s9"})
	require.NoError(t, err)

	assert.NotContains(t, q.Text, "IN_SPRINT")
}

func TestBuildCreate_NoGroupingWithoutKey(t *testing.T) {
	q, err := Build(model.OpCreate, "Task", "t1", map[string]any{"title": "x"})
	require.NoError(t, err)

	assert.NotContains(t, q.Text, "MERGE")
}

func TestBuildUpdate_ExcludesID(t *testing.T) {
	q, err := Build(model.OpUpdate, "Task", "t1", map[string]any{
		"id":    "should-not-be-set",
		"title": "y",
		"done":  true,
	})
	require.NoError(t, err)

	assert.Contains(t, q.Text, "MATCH (n:Task {id: $id})")
	assert.Contains(t, q.Text, "n.done = $done")
	assert.Contains(t, q.Text, "n.title = $title")
	assert.NotContains(t, q.Text, "n.id =")
	assert.Equal(t, "t1", q.Params["id"])
}

func TestBuildUpdate_EmptyPayloadIsSideEffectFree(t *testing.T) {
	q, err := Build(model.OpUpdate, "Task", "t1", nil)
	require.NoError(t, err)

	assert.NotContains(t, q.Text, "SET")
	assert.NotContains(t, q.Text, "DELETE")
}

func TestBuildDelete(t *testing.T) {
	q, err := Build(model.OpDelete, "Task", "t1", nil)
	require.NoError(t, err)

	assert.Equal(t, "MATCH (n:Task {id: $id}) DETACH DELETE n", q.Text)
	assert.Equal(t, "t1", q.Params["id"])
}

func TestBuildMerge_IdenticalBranches(t *testing.T) {
	q, err := Build(model.OpMerge, "Decision", "d1", map[string]any{
		"summary": "go with plan B",
		"weight":  3,
	})
	require.NoError(t, err)

	require.Contains(t, q.Text, "MERGE (n:Decision {id: $id})")
	onCreate := q.Text[strings.Index(q.Text, "ON CREATE SET"):strings.Index(q.Text, " ON MATCH SET")]
	onMatch := q.Text[strings.Index(q.Text, "ON MATCH SET"):]

	// the node must converge to the same state whether or not it existed
	assert.Equal(t,
		strings.TrimPrefix(onCreate, "ON CREATE SET"),
		strings.TrimPrefix(onMatch, "ON MATCH SET"))
}

func TestBuildLink_MergesRelationship(t *testing.T) {
	q, err := Build(model.OpLink, "KNOWS", "", map[string]any{
		"fromType":     "Person",
		"fromId":       "p1",
		"toType":       "Person",
		"toId":         "p2",
		"relationType": "KNOWS",
	})
	require.NoError(t, err)

	assert.Contains(t, q.Text, "MATCH (a:Person {id: $fromId}), (b:Person {id: $toId})")
	assert.Contains(t, q.Text, "MERGE (a)-[r:KNOWS]->(b)")
	assert.NotContains(t, q.Text, "CREATE")
	assert.Equal(t, "p1", q.Params["fromId"])
	assert.Equal(t, "p2", q.Params["toId"])
}

func TestBuildLink_RelationshipProperties(t *testing.T) {
	q, err := Build(model.OpLink, "KNOWS", "", map[string]any{
		"fromType":     "Person",
		"fromId":       "p1",
		"toType":       "Person",
		"toId":         "p2",
		"relationType": "KNOWS",
		"properties":   map[string]any{"since": 2020},
	})
	require.NoError(t, err)

	assert.Contains(t, q.Text, "SET r.since = $p_since")
	assert.Equal(t, 2020, q.Params["p_since"])
}

func TestBuildLink_MissingEndpoint(t *testing.T) {
	_, err := Build(model.OpLink, "KNOWS", "", map[string]any{
		"fromType": "Person",
		"fromId":   "p1",
	})
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestBuildUnlink_DeletesRelationshipOnly(t *testing.T) {
	q, err := Build(model.OpUnlink, "KNOWS", "", map[string]any{
		"fromType":     "Person",
		"fromId":       "p1",
		"toType":       "Person",
		"toId":         "p2",
		"relationType": "KNOWS",
	})
	require.NoError(t, err)

	assert.Contains(t, q.Text, "-[r:KNOWS]->")
	assert.True(t, strings.HasSuffix(q.Text, "DELETE r"))
	assert.NotContains(t, q.Text, "DETACH")
}

func TestBuildUnknownOperation(t *testing.T) {
	_, err := Build(model.Operation("UPSERT"), "Task", "t1", nil)
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestBuildRejectsUnsafeLabel(t *testing.T) {
	_, err := Build(model.OpCreate, "Task) DETACH DELETE (m", "t1", nil)
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestBuildRejectsUnsafePropertyKey(t *testing.T) {
	_, err := Build(model.OpUpdate, "Task", "t1", map[string]any{"a b": 1})
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestBuildIsDeterministic(t *testing.T) {
	payload := map[string]any{"c": 1, "a": 2, "b": 3}
	q1, err := Build(model.OpUpdate, "Task", "t1", payload)
	require.NoError(t, err)
	q2, err := Build(model.OpUpdate, "Task", "t1", payload)
	require.NoError(t, err)

	assert.Equal(t, q1.Text, q2.Text)
}
