package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pipeyard/internal/domain"
)

const unitColumns = `id,company_id,request_id,rack_id,COALESCE(reference,''),COALESCE(grade,''),quantity,length_mm,status,
origin_load_id,disposal_load_id,created_at,picked_up_at`

func scanUnit(s rowScanner) (domain.InventoryUnit, error) {
	var u domain.InventoryUnit
	var status string
	var lengthMM int64
	var disposal, pickedUp sql.NullString
	err := s.Scan(&u.ID, &u.CompanyID, &u.RequestID, &u.RackID, &u.Reference, &u.Grade, &u.Quantity, &lengthMM, &status,
		&u.OriginLoadID, &disposal, &u.CreatedAt, &pickedUp)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Status = domain.UnitStatus(status)
	u.Length = domain.FromMillimetres(lengthMM)
	u.DisposalLoadID = stringPtr(disposal)
	u.PickedUpAt = stringPtr(pickedUp)
	return u, nil
}

func (r Repo) InsertInventoryUnit(ctx context.Context, tx *sql.Tx, u domain.InventoryUnit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO inventory_units(id,company_id,request_id,rack_id,reference,grade,quantity,length_mm,status,origin_load_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.CompanyID, u.RequestID, u.RackID, nullable(u.Reference), nullable(u.Grade), u.Quantity,
		domain.ToMillimetres(u.Length), string(u.Status), u.OriginLoadID, u.CreatedAt)
	return err
}

// MarkPickedUp moves in-storage units to picked_up. Every id must match.
func (r Repo) MarkPickedUp(ctx context.Context, tx *sql.Tx, ids []string, loadID, now string) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{loadID, now}, stringArgs(ids)...)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE inventory_units SET status='picked_up', disposal_load_id=?, picked_up_at=?
WHERE status='in_storage' AND id IN (%s)`, placeholders(len(ids))), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); int(n) != len(ids) {
		return fmt.Errorf("picked up %d of %d units", n, len(ids))
	}
	return nil
}

func (r Repo) GetInventoryUnit(ctx context.Context, id string) (domain.InventoryUnit, error) {
	return scanUnit(r.DB.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id=?`, id))
}

func (r Repo) UnitsByID(ctx context.Context, q Querier, ids []string) ([]domain.InventoryUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM inventory_units WHERE id IN (%s) ORDER BY id`, unitColumns, placeholders(len(ids)))
	return r.queryUnits(ctx, q, query, stringArgs(ids)...)
}

type InventoryFilters struct {
	CompanyID string
	RackID    string
	RequestID string
	LoadID    string
	Status    string
}

func (r Repo) ListInventory(ctx context.Context, f InventoryFilters) ([]domain.InventoryUnit, error) {
	var clauses []string
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.RackID != "" {
		clauses = append(clauses, "rack_id=?")
		args = append(args, f.RackID)
	}
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.LoadID != "" {
		clauses = append(clauses, "(origin_load_id=? OR disposal_load_id=?)")
		args = append(args, f.LoadID, f.LoadID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + unitColumns + ` FROM inventory_units`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at, id`
	return r.queryUnits(ctx, r.DB, query, args...)
}

func (r Repo) queryUnits(ctx context.Context, q Querier, query string, args ...any) ([]domain.InventoryUnit, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InventoryUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
