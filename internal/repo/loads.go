package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pipeyard/internal/domain"
)

const loadColumns = `id,request_id,company_id,direction,sequence_number,status,planned_quantity,completed_quantity,rack_id,
rejection_reason,correction_issues_json,created_at,updated_at,approved_at,departed_at,completed_at,rejected_at`

func scanLoad(s rowScanner) (domain.Load, error) {
	var l domain.Load
	var direction, status string
	var completed sql.NullInt64
	var rackID, reason, issues, approved, departed, completedAt, rejected sql.NullString
	err := s.Scan(&l.ID, &l.RequestID, &l.CompanyID, &direction, &l.SequenceNumber, &status, &l.PlannedQuantity, &completed, &rackID,
		&reason, &issues, &l.CreatedAt, &l.UpdatedAt, &approved, &departed, &completedAt, &rejected)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Direction = domain.Direction(direction)
	l.Status = domain.LoadStatus(status)
	if completed.Valid {
		v := int(completed.Int64)
		l.CompletedQuantity = &v
	}
	if issues.Valid && issues.String != "" {
		if err := json.Unmarshal([]byte(issues.String), &l.CorrectionIssues); err != nil {
			return l, fmt.Errorf("load %s correction issues: %w", l.ID, err)
		}
	}
	l.RackID = stringPtr(rackID)
	l.RejectionReason = stringPtr(reason)
	l.ApprovedAt = stringPtr(approved)
	l.DepartedAt = stringPtr(departed)
	l.CompletedAt = stringPtr(completedAt)
	l.RejectedAt = stringPtr(rejected)
	return l, nil
}

func issuesJSON(issues []string) (any, error) {
	if len(issues) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(issues)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertLoad(ctx context.Context, tx *sql.Tx, l domain.Load) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO loads(id,request_id,company_id,direction,sequence_number,status,planned_quantity,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.RequestID, l.CompanyID, string(l.Direction), l.SequenceNumber, string(l.Status), l.PlannedQuantity, l.CreatedAt, l.UpdatedAt)
	return err
}

// UpdateLoad writes the mutable load fields, guarded on the status the
// caller read.
func (r Repo) UpdateLoad(ctx context.Context, tx *sql.Tx, l domain.Load, fromStatus domain.LoadStatus) error {
	issues, err := issuesJSON(l.CorrectionIssues)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE loads SET status=?, completed_quantity=?, rack_id=?, rejection_reason=?, correction_issues_json=?,
updated_at=?, approved_at=?, departed_at=?, completed_at=?, rejected_at=? WHERE id=? AND status=?`,
		string(l.Status), nullableIntPtr(l.CompletedQuantity), nullableStringPtr(l.RackID), nullableStringPtr(l.RejectionReason), issues,
		l.UpdatedAt, nullableStringPtr(l.ApprovedAt), nullableStringPtr(l.DepartedAt), nullableStringPtr(l.CompletedAt),
		nullableStringPtr(l.RejectedAt), l.ID, string(fromStatus))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("load %s is no longer %s: %w", l.ID, fromStatus, ErrStale)
	}
	return nil
}

func (r Repo) GetLoad(ctx context.Context, id string) (domain.Load, error) {
	return r.GetLoadTx(ctx, r.DB, id)
}

func (r Repo) GetLoadTx(ctx context.Context, q Querier, id string) (domain.Load, error) {
	return scanLoad(q.QueryRowContext(ctx, `SELECT `+loadColumns+` FROM loads WHERE id=?`, id))
}

// ListLoads returns a request's loads ordered by direction and sequence.
func (r Repo) ListLoads(ctx context.Context, requestID string) ([]domain.Load, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+loadColumns+` FROM loads WHERE request_id=? ORDER BY direction, sequence_number`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Load
	for rows.Next() {
		l, err := scanLoad(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// CountActiveLoads counts loads for (request, direction) that have not
// reached a terminal state.
func (r Repo) CountActiveLoads(ctx context.Context, q Querier, requestID string, direction domain.Direction) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM loads WHERE request_id=? AND direction=? AND status IN ('new','approved','in_transit')`,
		requestID, string(direction)).Scan(&n)
	return n, err
}

func (r Repo) NextSequenceNumber(ctx context.Context, q Querier, requestID string, direction domain.Direction) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_number),0)+1 FROM loads WHERE request_id=? AND direction=?`,
		requestID, string(direction)).Scan(&n)
	return n, err
}
