package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pipeyard/internal/domain"
	"pipeyard/internal/events"
	"pipeyard/internal/ledger"
)

type InboundCompletion struct {
	LoadID         string
	RackID         string
	ActualQuantity int
	Manifest       domain.Manifest
	OperatorID     string
}

type OutboundCompletion struct {
	LoadID         string
	UnitIDs        []string
	ActualQuantity int
	OperatorID     string
}

type CompletionResult struct {
	Load    domain.Load            `json:"load"`
	Request domain.StorageRequest  `json:"request"`
	Units   []domain.InventoryUnit `json:"units"`
}

// CompleteInboundLoad is the arrive transition for an inbound load. It
// stores the delivered pipe on the rack, creates the matching inventory and
// completes the load in one transaction; any failure leaves the load in
// transit with nothing recorded.
func (e Engine) CompleteInboundLoad(ctx context.Context, in InboundCompletion) (CompletionResult, error) {
	if err := e.authorize(ctx, in.OperatorID); err != nil {
		return CompletionResult{}, err
	}
	if in.RackID == "" {
		return CompletionResult{}, invalidInput("rack is required")
	}
	if in.ActualQuantity <= 0 {
		return CompletionResult{}, invalidInput("actual quantity must be positive")
	}
	if err := checkManifest(in.Manifest, in.ActualQuantity); err != nil {
		return CompletionResult{}, err
	}
	var res CompletionResult
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		l, err := e.Repo.GetLoadTx(ctx, tx, in.LoadID)
		if err != nil {
			return err
		}
		if err := ensureLoadCompletion(l, domain.Inbound); err != nil {
			return err
		}
		req, err := e.Repo.GetRequestTx(ctx, tx, l.RequestID)
		if err != nil {
			return err
		}
		lines := manifestLines(in.Manifest, in.ActualQuantity, req.JointLength)
		total := decimal.Zero
		for _, line := range lines {
			total = total.Add(line.Length)
		}

		// The request's own hold on the rack is capacity it may use.
		led := e.ledger()
		avail, err := led.AvailableFor(ctx, tx, req.ID, []string{in.RackID})
		if err != nil {
			return err
		}
		held, err := e.heldOn(ctx, tx, req.ID, in.RackID)
		if err != nil {
			return err
		}
		capacity := avail.Count + held.Held
		if in.ActualQuantity > capacity {
			return &CapacityError{Code: ErrCapacityExceeded, RackIDs: []string{in.RackID}, Requested: in.ActualQuantity, Available: capacity}
		}
		if held.Held > 0 || held.HeldLinear.IsPositive() {
			use := ledger.Change{RackID: in.RackID, Quantity: min(held.Held, in.ActualQuantity), Linear: decimal.Min(held.HeldLinear, total)}
			if err := led.Unhold(ctx, tx, req.ID, []ledger.Change{use}); err != nil {
				return err
			}
			if err := e.Repo.SetAllocationHeld(ctx, tx, req.ID, in.RackID, held.Held-use.Quantity,
				domain.ToMillimetres(held.HeldLinear.Sub(use.Linear))); err != nil {
				return err
			}
		}
		if err := led.Reserve(ctx, tx, req.ID, []ledger.Change{{RackID: in.RackID, Quantity: in.ActualQuantity, Linear: total}}); err != nil {
			if errors.Is(err, ledger.ErrOverflow) {
				return &CapacityError{Code: ErrCapacityExceeded, RackIDs: []string{in.RackID}, Requested: in.ActualQuantity, Available: capacity}
			}
			return err
		}

		now := e.stamp()
		var units []domain.InventoryUnit
		for _, line := range lines {
			u := domain.InventoryUnit{
				ID:           uuid.NewString(),
				CompanyID:    l.CompanyID,
				RequestID:    req.ID,
				RackID:       in.RackID,
				Reference:    line.Reference,
				Grade:        line.Grade,
				Quantity:     line.Quantity,
				Length:       line.Length,
				Status:       domain.UnitInStorage,
				OriginLoadID: l.ID,
				CreatedAt:    now,
			}
			if err := e.Repo.InsertInventoryUnit(ctx, tx, u); err != nil {
				return err
			}
			units = append(units, u)
		}

		actual := in.ActualQuantity
		l.Status = domain.LoadCompleted
		l.CompletedQuantity = &actual
		l.RackID = &in.RackID
		l.CompletedAt = &now
		l.UpdatedAt = now
		if err := e.Repo.UpdateLoad(ctx, tx, l, domain.LoadInTransit); err != nil {
			return err
		}

		delivered, err := e.Repo.SumCompletedInbound(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		req.DeliveredQuantity = delivered
		req.UpdatedAt = now

		if err := e.audit().Audit(ctx, tx, in.OperatorID, "COMPLETE_INBOUND_LOAD", "load", l.ID, events.Payload{
			"from":               domain.LoadInTransit,
			"to":                 domain.LoadCompleted,
			"rack_id":            in.RackID,
			"planned_quantity":   l.PlannedQuantity,
			"completed_quantity": actual,
			"linear":             total.String(),
			"units":              len(units),
			"delivered_quantity": delivered,
		}); err != nil {
			return err
		}
		payload := loadPayload(l, domain.LoadInTransit)
		payload["rack_id"] = in.RackID
		payload["delivered_quantity"] = delivered
		if err := e.outbox().Enqueue(ctx, tx, "load.completed", "load", l.ID, payload); err != nil {
			return err
		}

		if req.Status == domain.RequestApproved && delivered >= req.RequiredQuantity {
			if err := e.completeRequest(ctx, tx, &req, in.OperatorID, ""); err != nil {
				return err
			}
		} else if err := e.Repo.UpdateRequest(ctx, tx, req, req.Status); err != nil {
			return err
		}
		res = CompletionResult{Load: l, Request: req, Units: units}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	return res, nil
}

// CompleteOutboundLoad is the arrive transition for a pickup: the selected
// units leave storage and their racks are released.
func (e Engine) CompleteOutboundLoad(ctx context.Context, in OutboundCompletion) (CompletionResult, error) {
	if err := e.authorize(ctx, in.OperatorID); err != nil {
		return CompletionResult{}, err
	}
	ids := uniqueIDs(in.UnitIDs)
	if len(ids) == 0 {
		return CompletionResult{}, invalidInput("at least one inventory unit is required")
	}
	if in.ActualQuantity <= 0 {
		return CompletionResult{}, invalidInput("actual quantity must be positive")
	}
	var res CompletionResult
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		l, err := e.Repo.GetLoadTx(ctx, tx, in.LoadID)
		if err != nil {
			return err
		}
		if err := ensureLoadCompletion(l, domain.Outbound); err != nil {
			return err
		}
		units, err := e.Repo.UnitsByID(ctx, tx, ids)
		if err != nil {
			return err
		}
		if len(units) != len(ids) {
			return fmt.Errorf("%w: %d of %d units found", ErrInvalidInventory, len(units), len(ids))
		}
		total := 0
		// owner -> rack -> change
		byOwner := map[string]map[string]ledger.Change{}
		for _, u := range units {
			if u.Status != domain.UnitInStorage {
				return fmt.Errorf("%w: unit %s is %s", ErrInvalidInventory, u.ID, u.Status)
			}
			if u.CompanyID != l.CompanyID {
				return fmt.Errorf("%w: unit %s belongs to another company", ErrInvalidInventory, u.ID)
			}
			total += u.Quantity
			racks := byOwner[u.RequestID]
			if racks == nil {
				racks = map[string]ledger.Change{}
				byOwner[u.RequestID] = racks
			}
			c := racks[u.RackID]
			if c.RackID == "" {
				c = ledger.Change{RackID: u.RackID, Linear: decimal.Zero}
			}
			c.Quantity += u.Quantity
			c.Linear = c.Linear.Add(u.Length)
			racks[u.RackID] = c
		}
		if total != in.ActualQuantity {
			return &QuantityError{What: "selected inventory", Expected: in.ActualQuantity, Actual: total}
		}
		owners := make([]string, 0, len(byOwner))
		for owner := range byOwner {
			owners = append(owners, owner)
		}
		sort.Strings(owners)
		led := e.ledger()
		var released []string
		for _, owner := range owners {
			var changes []ledger.Change
			for _, c := range byOwner[owner] {
				changes = append(changes, c)
				released = append(released, c.RackID)
			}
			if err := led.Release(ctx, tx, owner, changes); err != nil {
				return err
			}
		}
		sort.Strings(released)

		now := e.stamp()
		if err := e.Repo.MarkPickedUp(ctx, tx, ids, l.ID, now); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInventory, err)
		}
		for i := range units {
			units[i].Status = domain.UnitPickedUp
			units[i].DisposalLoadID = &l.ID
			units[i].PickedUpAt = &now
		}
		actual := in.ActualQuantity
		l.Status = domain.LoadCompleted
		l.CompletedQuantity = &actual
		l.CompletedAt = &now
		l.UpdatedAt = now
		if err := e.Repo.UpdateLoad(ctx, tx, l, domain.LoadInTransit); err != nil {
			return err
		}
		if err := e.audit().Audit(ctx, tx, in.OperatorID, "COMPLETE_OUTBOUND_LOAD", "load", l.ID, events.Payload{
			"from":               domain.LoadInTransit,
			"to":                 domain.LoadCompleted,
			"planned_quantity":   l.PlannedQuantity,
			"completed_quantity": actual,
			"unit_ids":           ids,
			"rack_ids":           released,
		}); err != nil {
			return err
		}
		payload := loadPayload(l, domain.LoadInTransit)
		payload["unit_ids"] = ids
		if err := e.outbox().Enqueue(ctx, tx, "load.completed", "load", l.ID, payload); err != nil {
			return err
		}
		req, err := e.Repo.GetRequestTx(ctx, tx, l.RequestID)
		if err != nil {
			return err
		}
		res = CompletionResult{Load: l, Request: req, Units: units}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	return res, nil
}

func (e Engine) heldOn(ctx context.Context, tx *sql.Tx, requestID, rackID string) (domain.Allocation, error) {
	allocs, err := e.Repo.ListAllocations(ctx, tx, requestID)
	if err != nil {
		return domain.Allocation{}, err
	}
	for _, a := range allocs {
		if a.RackID == rackID {
			return a, nil
		}
	}
	return domain.Allocation{RequestID: requestID, RackID: rackID, Linear: decimal.Zero, HeldLinear: decimal.Zero}, nil
}

// checkManifest requires the extracted manifest to agree with the declared
// quantity.
func checkManifest(m domain.Manifest, actual int) error {
	if m.TotalQuantity != 0 && m.TotalQuantity != actual {
		return &QuantityError{What: "manifest total", Expected: actual, Actual: m.TotalQuantity}
	}
	if len(m.LineItems) == 0 {
		return nil
	}
	sum := 0
	for i, line := range m.LineItems {
		if line.Quantity <= 0 {
			return invalidInput("manifest line %d has quantity %d", i+1, line.Quantity)
		}
		if line.Length.IsNegative() {
			return invalidInput("manifest line %d has negative length", i+1)
		}
		sum += line.Quantity
	}
	if sum != actual {
		return &QuantityError{What: "manifest line items", Expected: actual, Actual: sum}
	}
	return nil
}

// manifestLines turns the manifest into one line per inventory unit, with
// the total length filled in. Without line items the whole delivery becomes
// a single batch. Lengths are cut to whole millimetres per line, the
// resolution each unit is stored at, so the rack total equals the sum of
// its units.
func manifestLines(m domain.Manifest, actual int, jointLength decimal.Decimal) []domain.ManifestLine {
	lines := m.LineItems
	if len(lines) == 0 {
		lines = []domain.ManifestLine{{Quantity: actual}}
	}
	out := make([]domain.ManifestLine, 0, len(lines))
	for _, line := range lines {
		if line.Length.IsZero() {
			line.Length = jointLength.Mul(decimal.NewFromInt(int64(line.Quantity)))
		}
		line.Length = domain.FromMillimetres(domain.ToMillimetres(line.Length))
		out = append(out, line)
	}
	return out
}

func uniqueIDs(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
