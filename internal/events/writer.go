package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the task manager.
const (
	ProjectCreated     = "project.created"
	CategoriesAdded    = "project.categories_added"
	MediaIngested      = "media.ingested"
	TaskLeased         = "task.leased"
	TaskRenewed        = "task.renewed"
	TaskCommitted      = "task.committed"
	TaskAbandoned      = "task.abandoned"
	TaskReleased       = "task.released"
	SessionOpened      = "session.opened"
	SessionClosed      = "session.closed"
	SessionsTerminated = "session.terminated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, projectID int64, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var project any
	if projectID > 0 {
		project = projectID
	}
	var entity any
	if entityID != "" {
		entity = entityID
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, project, entityKind, entity, actorID, string(data)); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}
