package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pipeyard/internal/domain"
)

const requestColumns = `id,company_id,COALESCE(reference,''),status,required_quantity,delivered_quantity,joint_length_mm,
rejection_reason,approved_by,notes,created_at,updated_at,submitted_at,approved_at,rejected_at,completed_at`

func scanRequest(s rowScanner) (domain.StorageRequest, error) {
	var req domain.StorageRequest
	var status string
	var jointMM int64
	var reason, approvedBy, notes, submitted, approved, rejected, completed sql.NullString
	err := s.Scan(&req.ID, &req.CompanyID, &req.Reference, &status, &req.RequiredQuantity, &req.DeliveredQuantity, &jointMM,
		&reason, &approvedBy, &notes, &req.CreatedAt, &req.UpdatedAt, &submitted, &approved, &rejected, &completed)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Status = domain.RequestStatus(status)
	req.JointLength = domain.FromMillimetres(jointMM)
	req.RejectionReason = stringPtr(reason)
	req.ApprovedBy = stringPtr(approvedBy)
	req.Notes = stringPtr(notes)
	req.SubmittedAt = stringPtr(submitted)
	req.ApprovedAt = stringPtr(approved)
	req.RejectedAt = stringPtr(rejected)
	req.CompletedAt = stringPtr(completed)
	return req, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.StorageRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO storage_requests(id,company_id,reference,status,required_quantity,delivered_quantity,joint_length_mm,notes,created_at,updated_at,submitted_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.CompanyID, nullable(req.Reference), string(req.Status), req.RequiredQuantity, req.DeliveredQuantity,
		domain.ToMillimetres(req.JointLength), nullableStringPtr(req.Notes), req.CreatedAt, req.UpdatedAt, nullableStringPtr(req.SubmittedAt))
	return err
}

// UpdateRequest writes the mutable request fields. fromStatus guards against
// a concurrent transition having moved the request in the meantime.
func (r Repo) UpdateRequest(ctx context.Context, tx *sql.Tx, req domain.StorageRequest, fromStatus domain.RequestStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE storage_requests SET status=?, required_quantity=?, delivered_quantity=?, rejection_reason=?, approved_by=?, notes=?,
updated_at=?, submitted_at=?, approved_at=?, rejected_at=?, completed_at=? WHERE id=? AND status=?`,
		string(req.Status), req.RequiredQuantity, req.DeliveredQuantity, nullableStringPtr(req.RejectionReason), nullableStringPtr(req.ApprovedBy),
		nullableStringPtr(req.Notes), req.UpdatedAt, nullableStringPtr(req.SubmittedAt), nullableStringPtr(req.ApprovedAt),
		nullableStringPtr(req.RejectedAt), nullableStringPtr(req.CompletedAt), req.ID, string(fromStatus))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s is no longer %s: %w", req.ID, fromStatus, ErrStale)
	}
	return nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.StorageRequest, error) {
	return r.GetRequestTx(ctx, r.DB, id)
}

// GetRequestTx loads a request together with its assigned rack ids.
func (r Repo) GetRequestTx(ctx context.Context, q Querier, id string) (domain.StorageRequest, error) {
	req, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM storage_requests WHERE id=?`, id))
	if err != nil {
		return req, err
	}
	allocs, err := r.ListAllocations(ctx, q, id)
	if err != nil {
		return req, err
	}
	for _, a := range allocs {
		req.AssignedRackIDs = append(req.AssignedRackIDs, a.RackID)
	}
	return req, nil
}

type RequestFilters struct {
	CompanyID string
	Status    string
	Limit     int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.StorageRequest, error) {
	var clauses []string
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + requestColumns + ` FROM storage_requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.StorageRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, req)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		allocs, err := r.ListAllocations(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
		for _, a := range allocs {
			res[i].AssignedRackIDs = append(res[i].AssignedRackIDs, a.RackID)
		}
	}
	return res, nil
}

func (r Repo) InsertAllocation(ctx context.Context, tx *sql.Tx, a domain.Allocation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO request_allocations(request_id,rack_id,quantity,linear_mm,held,held_linear_mm) VALUES (?,?,?,?,?,?)`,
		a.RequestID, a.RackID, a.Quantity, domain.ToMillimetres(a.Linear), a.Held, domain.ToMillimetres(a.HeldLinear))
	return err
}

// SetAllocationHeld records how much of an allocation is still held.
func (r Repo) SetAllocationHeld(ctx context.Context, tx *sql.Tx, requestID, rackID string, held int, heldLinearMM int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE request_allocations SET held=?, held_linear_mm=? WHERE request_id=? AND rack_id=?`,
		held, heldLinearMM, requestID, rackID)
	return err
}

func (r Repo) ListAllocations(ctx context.Context, q Querier, requestID string) ([]domain.Allocation, error) {
	rows, err := q.QueryContext(ctx, `SELECT request_id,rack_id,quantity,linear_mm,held,held_linear_mm FROM request_allocations WHERE request_id=? ORDER BY rack_id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		var linMM, heldMM int64
		if err := rows.Scan(&a.RequestID, &a.RackID, &a.Quantity, &linMM, &a.Held, &heldMM); err != nil {
			return nil, err
		}
		a.Linear = domain.FromMillimetres(linMM)
		a.HeldLinear = domain.FromMillimetres(heldMM)
		res = append(res, a)
	}
	return res, rows.Err()
}

// SumCompletedInbound recomputes a request's delivered quantity from its
// completed inbound loads.
func (r Repo) SumCompletedInbound(ctx context.Context, q Querier, requestID string) (int, error) {
	var total int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(completed_quantity),0) FROM loads WHERE request_id=? AND direction='inbound' AND status='completed'`,
		requestID).Scan(&total)
	return total, err
}
