// Package ledger is the only writer of rack occupancy. Every change is a
// single guarded UPDATE per rack inside the caller's transaction, so a
// capacity check and its increment can never be separated.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pipeyard/internal/domain"
	"pipeyard/internal/repo"
)

var (
	// ErrOverflow is returned when a change would push a rack past its
	// capacity or onto a slot owned by another request.
	ErrOverflow = errors.New("rack capacity exceeded")
	// ErrUnderflow is returned when a release would drive a counter negative.
	ErrUnderflow = errors.New("rack counter would go negative")
	ErrUnknownRack = errors.New("unknown rack")
)

// Change is the quantity applied to one rack.
type Change struct {
	RackID   string
	Quantity int
	Linear   decimal.Decimal
}

// RackError names the rack that rejected a change.
type RackError struct {
	RackID string
	Err    error
}

func (e *RackError) Error() string { return fmt.Sprintf("rack %s: %v", e.RackID, e.Err) }
func (e *RackError) Unwrap() error { return e.Err }

type RackAvailability struct {
	RackID string
	Count  int
	Linear decimal.Decimal
}

type Availability struct {
	Count   int
	Linear  decimal.Decimal
	PerRack []RackAvailability
}

type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (l Ledger) now() string {
	if l.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return l.Now().UTC().Format(time.RFC3339)
}

// Available sums free capacity over the racks with a single statement.
// Unknown rack ids are an error. Per-rack results follow ascending id order.
func (l Ledger) Available(ctx context.Context, q repo.Querier, rackIDs []string) (Availability, error) {
	ids := uniqueSorted(rackIDs)
	racks, err := l.Repo.RacksByID(ctx, q, ids)
	if err != nil {
		return Availability{}, err
	}
	if len(racks) != len(ids) {
		return Availability{}, missingRack(ids, racks)
	}
	out := Availability{Linear: decimal.Zero}
	for _, rk := range racks {
		ra := RackAvailability{RackID: rk.ID, Count: rk.Available(), Linear: rk.AvailableLinear()}
		out.Count += ra.Count
		out.Linear = out.Linear.Add(ra.Linear)
		out.PerRack = append(out.PerRack, ra)
	}
	return out, nil
}

// AvailableFor is Available as seen by one request: a slot rack the request
// already owns counts as free up to its remaining capacity.
func (l Ledger) AvailableFor(ctx context.Context, q repo.Querier, owner string, rackIDs []string) (Availability, error) {
	ids := uniqueSorted(rackIDs)
	racks, err := l.Repo.RacksByID(ctx, q, ids)
	if err != nil {
		return Availability{}, err
	}
	if len(racks) != len(ids) {
		return Availability{}, missingRack(ids, racks)
	}
	out := Availability{Linear: decimal.Zero}
	for _, rk := range racks {
		if rk.SlotOwner != nil && *rk.SlotOwner == owner {
			rk.SlotOwner = nil
		}
		ra := RackAvailability{RackID: rk.ID, Count: rk.Available(), Linear: rk.AvailableLinear()}
		out.Count += ra.Count
		out.Linear = out.Linear.Add(ra.Linear)
		out.PerRack = append(out.PerRack, ra)
	}
	return out, nil
}

// Reserve records physical stock arriving on racks.
func (l Ledger) Reserve(ctx context.Context, tx *sql.Tx, owner string, changes []Change) error {
	return l.apply(ctx, tx, owner, changes, func(c Change, mm int64) repo.RackDelta {
		return repo.RackDelta{Occupied: c.Quantity, OccupiedMM: mm}
	})
}

// Release records physical stock leaving racks.
func (l Ledger) Release(ctx context.Context, tx *sql.Tx, owner string, changes []Change) error {
	return l.apply(ctx, tx, owner, changes, func(c Change, mm int64) repo.RackDelta {
		return repo.RackDelta{Occupied: -c.Quantity, OccupiedMM: -mm}
	})
}

// Hold sets capacity aside for an approved request.
func (l Ledger) Hold(ctx context.Context, tx *sql.Tx, owner string, changes []Change) error {
	return l.apply(ctx, tx, owner, changes, func(c Change, mm int64) repo.RackDelta {
		return repo.RackDelta{Reserved: c.Quantity, ReservedMM: mm}
	})
}

// Unhold gives back held capacity, either because it was delivered or
// because the request no longer needs it.
func (l Ledger) Unhold(ctx context.Context, tx *sql.Tx, owner string, changes []Change) error {
	return l.apply(ctx, tx, owner, changes, func(c Change, mm int64) repo.RackDelta {
		return repo.RackDelta{Reserved: -c.Quantity, ReservedMM: -mm}
	})
}

// apply runs one guarded update per rack in ascending rack order. The first
// rejected rack aborts the call; the caller's rollback undoes the rest.
func (l Ledger) apply(ctx context.Context, tx *sql.Tx, owner string, changes []Change, delta func(Change, int64) repo.RackDelta) error {
	merged, err := merge(changes)
	if err != nil {
		return err
	}
	if len(merged) == 0 {
		return nil
	}
	ids := make([]string, 0, len(merged))
	for _, c := range merged {
		ids = append(ids, c.RackID)
	}
	racks, err := l.Repo.RacksByID(ctx, tx, ids)
	if err != nil {
		return err
	}
	if len(racks) != len(ids) {
		return missingRack(ids, racks)
	}
	now := l.now()
	for i, c := range merged {
		mm := domain.ToMillimetres(c.Linear)
		// Racks without a linear capacity do not track linear measure.
		if racks[i].CapacityLinear.IsZero() {
			mm = 0
		}
		d := delta(c, mm)
		d.RackID = c.RackID
		d.Owner = owner
		ok, err := l.Repo.AdjustRack(ctx, tx, d, now)
		if err != nil {
			return fmt.Errorf("adjust rack %s: %w", c.RackID, err)
		}
		if !ok {
			if d.Occupied < 0 || d.Reserved < 0 {
				return &RackError{RackID: c.RackID, Err: ErrUnderflow}
			}
			return &RackError{RackID: c.RackID, Err: ErrOverflow}
		}
	}
	return nil
}

// merge folds duplicate rack ids together, drops zero changes and sorts by
// rack id.
func merge(changes []Change) ([]Change, error) {
	byRack := map[string]Change{}
	for _, c := range changes {
		if c.RackID == "" {
			return nil, errors.New("rack id required")
		}
		if c.Quantity < 0 || c.Linear.IsNegative() {
			return nil, fmt.Errorf("rack %s: negative change", c.RackID)
		}
		cur, ok := byRack[c.RackID]
		if !ok {
			cur = Change{RackID: c.RackID, Linear: decimal.Zero}
		}
		cur.Quantity += c.Quantity
		cur.Linear = cur.Linear.Add(c.Linear)
		byRack[c.RackID] = cur
	}
	out := make([]Change, 0, len(byRack))
	for _, c := range byRack {
		if c.Quantity == 0 && c.Linear.IsZero() {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RackID < out[j].RackID })
	return out, nil
}

func uniqueSorted(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func missingRack(ids []string, racks []domain.Rack) error {
	found := map[string]bool{}
	for _, rk := range racks {
		found[rk.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return &RackError{RackID: id, Err: ErrUnknownRack}
		}
	}
	return ErrUnknownRack
}
