package repo

import (
	"context"
	"database/sql"
	"fmt"

	"pipeyard/internal/domain"
)

const rackColumns = `id,area,name,allocation_mode,capacity,occupied,reserved,capacity_linear_mm,occupied_linear_mm,reserved_linear_mm,slot_owner,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRack(s rowScanner) (domain.Rack, error) {
	var rk domain.Rack
	var mode string
	var capMM, occMM, resMM int64
	var owner sql.NullString
	err := s.Scan(&rk.ID, &rk.Area, &rk.Name, &mode, &rk.Capacity, &rk.Occupied, &rk.Reserved,
		&capMM, &occMM, &resMM, &owner, &rk.CreatedAt, &rk.UpdatedAt)
	if err == sql.ErrNoRows {
		return rk, ErrNotFound
	}
	if err != nil {
		return rk, err
	}
	rk.Mode = domain.AllocationMode(mode)
	rk.CapacityLinear = domain.FromMillimetres(capMM)
	rk.OccupiedLinear = domain.FromMillimetres(occMM)
	rk.ReservedLinear = domain.FromMillimetres(resMM)
	rk.SlotOwner = stringPtr(owner)
	return rk, nil
}

// UpsertRack creates a rack or updates its descriptive fields and capacity.
// Capacity may not drop below what is already in use, and linear tracking
// can only be switched on while the rack is empty.
func (r Repo) UpsertRack(ctx context.Context, tx *sql.Tx, rk domain.Rack) error {
	if rk.Mode == "" {
		rk.Mode = domain.AllocationCount
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO racks(id,area,name,allocation_mode,capacity,capacity_linear_mm,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET area=excluded.area, name=excluded.name, allocation_mode=excluded.allocation_mode,
  capacity=excluded.capacity, capacity_linear_mm=excluded.capacity_linear_mm, updated_at=excluded.updated_at
WHERE racks.occupied + racks.reserved <= excluded.capacity
  AND racks.occupied_linear_mm + racks.reserved_linear_mm <= excluded.capacity_linear_mm
  AND (racks.capacity_linear_mm > 0 OR excluded.capacity_linear_mm = 0 OR racks.occupied + racks.reserved = 0)`,
		rk.ID, rk.Area, rk.Name, string(rk.Mode), rk.Capacity, domain.ToMillimetres(rk.CapacityLinear), rk.CreatedAt, rk.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	cur, err := r.GetRackTx(ctx, tx, rk.ID)
	if err != nil {
		return err
	}
	if cur.CapacityLinear.IsZero() && rk.CapacityLinear.IsPositive() {
		return fmt.Errorf("rack %s: linear capacity cannot be enabled while %d joints are stored or held", rk.ID, cur.InUse())
	}
	return fmt.Errorf("rack %s: capacity below current use", rk.ID)
}

func (r Repo) GetRack(ctx context.Context, id string) (domain.Rack, error) {
	return r.GetRackTx(ctx, r.DB, id)
}

func (r Repo) GetRackTx(ctx context.Context, q Querier, id string) (domain.Rack, error) {
	return scanRack(q.QueryRowContext(ctx, `SELECT `+rackColumns+` FROM racks WHERE id=?`, id))
}

// ListRacks returns racks ordered by id, optionally filtered by area.
func (r Repo) ListRacks(ctx context.Context, area string) ([]domain.Rack, error) {
	query := `SELECT ` + rackColumns + ` FROM racks`
	var args []any
	if area != "" {
		query += ` WHERE area=?`
		args = append(args, area)
	}
	query += ` ORDER BY id`
	return r.queryRacks(ctx, r.DB, query, args...)
}

// RacksByID loads the named racks with a single statement, ordered by id.
func (r Repo) RacksByID(ctx context.Context, q Querier, ids []string) ([]domain.Rack, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM racks WHERE id IN (%s) ORDER BY id`, rackColumns, placeholders(len(ids)))
	return r.queryRacks(ctx, q, query, stringArgs(ids)...)
}

func (r Repo) queryRacks(ctx context.Context, q Querier, query string, args ...any) ([]domain.Rack, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rack
	for rows.Next() {
		rk, err := scanRack(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rk)
	}
	return res, rows.Err()
}

// CapacityByArea aggregates rack capacity per area. Slot racks held by a
// request count as unavailable.
func (r Repo) CapacityByArea(ctx context.Context) ([]domain.AreaCapacity, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT area, COUNT(*), SUM(capacity), SUM(occupied), SUM(reserved),
  SUM(CASE WHEN allocation_mode='slot' AND slot_owner IS NOT NULL THEN 0 ELSE capacity-occupied-reserved END),
  SUM(capacity_linear_mm), SUM(occupied_linear_mm), SUM(reserved_linear_mm)
FROM racks GROUP BY area ORDER BY area`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AreaCapacity
	for rows.Next() {
		var a domain.AreaCapacity
		var capMM, occMM, resMM int64
		if err := rows.Scan(&a.Area, &a.Racks, &a.Capacity, &a.Occupied, &a.Reserved, &a.Available, &capMM, &occMM, &resMM); err != nil {
			return nil, err
		}
		a.CapacityLinear = domain.FromMillimetres(capMM)
		a.OccupiedLinear = domain.FromMillimetres(occMM)
		a.ReservedLinear = domain.FromMillimetres(resMM)
		res = append(res, a)
	}
	return res, rows.Err()
}

// RackStockRow pairs a rack's recorded occupancy with its in-storage inventory.
type RackStockRow struct {
	RackID          string
	Occupied        int
	OccupiedLinear  int64
	InventoryCount  int
	InventoryLinear int64
}

func (r Repo) RackStock(ctx context.Context) ([]RackStockRow, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT rk.id, rk.occupied, rk.occupied_linear_mm,
  COALESCE(SUM(iu.quantity),0), COALESCE(SUM(iu.length_mm),0)
FROM racks rk
LEFT JOIN inventory_units iu ON iu.rack_id=rk.id AND iu.status='in_storage'
GROUP BY rk.id ORDER BY rk.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RackStockRow
	for rows.Next() {
		var s RackStockRow
		if err := rows.Scan(&s.RackID, &s.Occupied, &s.OccupiedLinear, &s.InventoryCount, &s.InventoryLinear); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RackDelta is a signed change to one rack's counters. Owner is the request
// acting on the rack, used for slot-mode exclusivity.
type RackDelta struct {
	RackID     string
	Owner      string
	Occupied   int
	OccupiedMM int64
	Reserved   int
	ReservedMM int64
}

// AdjustRack applies a delta as one guarded statement: the row only changes
// when every counter stays within [0, capacity] and a slot rack is free or
// already owned by the same request. It reports false when the guard
// rejected the change.
func (r Repo) AdjustRack(ctx context.Context, tx *sql.Tx, d RackDelta, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE racks SET
  occupied = occupied + ?1,
  occupied_linear_mm = occupied_linear_mm + ?2,
  reserved = reserved + ?3,
  reserved_linear_mm = reserved_linear_mm + ?4,
  slot_owner = CASE
    WHEN allocation_mode <> 'slot' THEN NULL
    WHEN occupied + ?1 + reserved + ?3 = 0 THEN NULL
    ELSE ?5 END,
  updated_at = ?6
WHERE id = ?7
  AND occupied + ?1 >= 0 AND reserved + ?3 >= 0
  AND occupied_linear_mm + ?2 >= 0 AND reserved_linear_mm + ?4 >= 0
  AND occupied + ?1 + reserved + ?3 <= capacity
  AND occupied_linear_mm + ?2 + reserved_linear_mm + ?4 <= capacity_linear_mm
  AND (allocation_mode <> 'slot' OR slot_owner IS NULL OR slot_owner = ?5)`,
		d.Occupied, d.OccupiedMM, d.Reserved, d.ReservedMM, nullable(d.Owner), now, d.RackID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
