package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Writer appends audit entries and notification intents. Both writes take
// the caller's transaction so they commit or roll back with the mutation
// they describe.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) now() string {
	if w.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return w.Now().UTC().Format(time.RFC3339)
}

func marshal(p Payload) (string, error) {
	if p == nil {
		p = Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// Audit appends one entry to the audit trail.
func (w Writer) Audit(ctx context.Context, tx *sql.Tx, actorID, action, entityKind, entityID string, detail Payload) error {
	data, err := marshal(detail)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries(id,ts,actor_id,action,entity_kind,entity_id,detail_json) VALUES (?,?,?,?,?,?,?)`,
		uuid.NewString(), w.now(), actorID, action, entityKind, entityID, data)
	return err
}

// Enqueue appends a notification intent. Delivery happens elsewhere.
func (w Writer) Enqueue(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload Payload) error {
	data, err := marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO notifications(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		w.now(), evtType, entityKind, entityID, data)
	return err
}
