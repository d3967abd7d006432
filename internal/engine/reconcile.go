package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"pipeyard/internal/domain"
)

// ReconciliationRow compares a rack's recorded stock with the in-storage
// inventory placed on it.
type ReconciliationRow struct {
	RackID          string          `json:"rack_id"`
	Occupied        int             `json:"occupied"`
	InventoryCount  int             `json:"inventory_count"`
	OccupiedLinear  decimal.Decimal `json:"occupied_linear"`
	InventoryLinear decimal.Decimal `json:"inventory_linear"`
	Mismatch        bool            `json:"mismatch"`
}

// Reconcile reports, per rack, whether occupancy matches inventory. Linear
// measure is only compared on racks that track it.
func (e Engine) Reconcile(ctx context.Context) ([]ReconciliationRow, error) {
	stock, err := e.Repo.RackStock(ctx)
	if err != nil {
		return nil, err
	}
	racks, err := e.Repo.ListRacks(ctx, "")
	if err != nil {
		return nil, err
	}
	tracksLinear := map[string]bool{}
	for _, rk := range racks {
		tracksLinear[rk.ID] = !rk.CapacityLinear.IsZero()
	}
	out := make([]ReconciliationRow, 0, len(stock))
	for _, s := range stock {
		row := ReconciliationRow{
			RackID:          s.RackID,
			Occupied:        s.Occupied,
			InventoryCount:  s.InventoryCount,
			OccupiedLinear:  domain.FromMillimetres(s.OccupiedLinear),
			InventoryLinear: domain.FromMillimetres(s.InventoryLinear),
		}
		row.Mismatch = row.Occupied != row.InventoryCount
		if tracksLinear[s.RackID] && s.OccupiedLinear != s.InventoryLinear {
			row.Mismatch = true
		}
		out = append(out, row)
	}
	return out, nil
}
