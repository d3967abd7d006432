package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	"pipeyard/internal/domain"
	"pipeyard/internal/events"
	"pipeyard/internal/ledger"
	"pipeyard/internal/repo"
)

type RackInput struct {
	ID             string
	Area           string
	Name           string
	Mode           domain.AllocationMode
	Capacity       int
	CapacityLinear decimal.Decimal
	OperatorID     string
}

// UpsertRack creates a rack or changes its capacity. Capacity cannot be cut
// below what the rack already holds.
func (e Engine) UpsertRack(ctx context.Context, in RackInput) (domain.Rack, error) {
	if err := e.authorize(ctx, in.OperatorID); err != nil {
		return domain.Rack{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Area) == "" {
		return domain.Rack{}, invalidInput("rack id and area are required")
	}
	if in.Mode == "" {
		in.Mode = domain.AllocationCount
	}
	if in.Mode != domain.AllocationCount && in.Mode != domain.AllocationSlot {
		return domain.Rack{}, invalidInput("unknown allocation mode %q", in.Mode)
	}
	if in.Capacity < 0 || in.CapacityLinear.IsNegative() {
		return domain.Rack{}, invalidInput("capacity must not be negative")
	}
	var rk domain.Rack
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := SeedRack(ctx, tx, e.Repo, in, e.stamp()); err != nil {
			return err
		}
		var err error
		rk, err = e.Repo.GetRackTx(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		return e.audit().Audit(ctx, tx, in.OperatorID, "UPSERT_RACK", "rack", rk.ID, events.Payload{
			"area":            rk.Area,
			"allocation_mode": rk.Mode,
			"capacity":        rk.Capacity,
			"capacity_linear": rk.CapacityLinear.String(),
		})
	})
	if err != nil {
		return domain.Rack{}, err
	}
	return rk, nil
}

// SeedRack writes a rack definition without authorization or audit. It is
// used for config seeding at startup.
func SeedRack(ctx context.Context, tx *sql.Tx, r repo.Repo, in RackInput, now string) error {
	name := in.Name
	if name == "" {
		name = in.ID
	}
	if err := r.UpsertRack(ctx, tx, domain.Rack{
		ID:             in.ID,
		Area:           in.Area,
		Name:           name,
		Mode:           in.Mode,
		Capacity:       in.Capacity,
		CapacityLinear: in.CapacityLinear,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return invalidInput("%v", err)
	}
	return nil
}

// Availability reports what the given racks can still accept.
func (e Engine) Availability(ctx context.Context, rackIDs []string) (ledger.Availability, error) {
	return e.ledger().Available(ctx, e.DB, rackIDs)
}
