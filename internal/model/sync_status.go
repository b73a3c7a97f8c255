package model

import "time"

// SyncStatus is the cached per-(project, graph) view of outbox backlog,
// maintained with ±delta updates rather than full scans.
type SyncStatus struct {
	ProjectID    string    `db:"project_id"`
	GraphName    string    `db:"graph_name"`
	PendingCount int64     `db:"pending_count"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Stats is the aggregate count-by-status snapshot used by the health check
// and the ops API.
type Stats struct {
	Pending    int64 `db:"pending" json:"pending"`
	Processing int64 `db:"processing" json:"processing"`
	Completed  int64 `db:"completed" json:"completed"`
	Failed     int64 `db:"failed" json:"failed"`
	DeadLetter int64 `db:"dead_letter" json:"dead_letter"`
}

// SyncAuditRecord is the ClickHouse row written after each terminal
// transition, for the sync history report.
type SyncAuditRecord struct {
	EventID    string    `db:"event_id" json:"event_id"`
	ProjectID  string    `db:"project_id" json:"project_id"`
	GraphName  string    `db:"graph_name" json:"graph_name"`
	Operation  string    `db:"operation" json:"operation"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Outcome    string    `db:"outcome" json:"outcome"` // completed | failed
	Attempts   int       `db:"attempts" json:"attempts"`
	Error      string    `db:"error" json:"error,omitempty"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}
