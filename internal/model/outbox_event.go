package model

import "time"

// Operation is the closed set of graph mutations an outbox event can carry.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpMerge  Operation = "MERGE"
	OpLink   Operation = "LINK"
	OpUnlink Operation = "UNLINK"
)

func (o Operation) String() string {
	return string(o)
}

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpMerge, OpLink, OpUnlink:
		return true
	}
	return false
}

// ParseOperation maps a raw string to an Operation.
func ParseOperation(s string) (Operation, bool) {
	op := Operation(s)
	return op, op.Valid()
}

type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
	StatusDeadLetter EventStatus = "dead_letter"
)

func (s EventStatus) String() string {
	return string(s)
}

func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Terminal reports whether the status is never re-claimed.
func (s EventStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// OutboxEvent is one intended graph mutation, written in the same MySQL
// transaction as the relational change it mirrors.
type OutboxEvent struct {
	ID           int64       `db:"id"`
	EventID      string      `db:"event_id"` // caller-assigned idempotency key, unique
	EventType    string      `db:"event_type"`
	ProjectID    string      `db:"project_id"`
	GraphName    string      `db:"graph_name"`
	Operation    Operation   `db:"operation"`
	EntityType   string      `db:"entity_type"`
	EntityID     string      `db:"entity_id"`
	Payload      []byte      `db:"payload"`       // JSON object of properties
	CypherQuery  *string     `db:"cypher_query"`  // precomputed query, bypasses the builder
	CypherParams []byte      `db:"cypher_params"` // JSON params for CypherQuery
	Status       EventStatus `db:"status"`
	Attempts     int         `db:"attempts"`
	NextRetryAt  *time.Time  `db:"next_retry_at"`
	LastError    *string     `db:"last_error"`
	CreatedBy    *string     `db:"created_by"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}
