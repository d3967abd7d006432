package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type Policy string

const (
	// Proportional splits by each rack's share of the free space, rounding
	// with the largest-remainder method.
	Proportional Policy = "proportional"
	// FillFirst fills racks in the order the caller listed them.
	FillFirst Policy = "fill_first"
)

var ErrShortfall = errors.New("not enough free capacity")

// Distribute splits required across racks. The result is deterministic for a
// given input and never gives a rack more than its Count. Racks that receive
// nothing are left out. Linear per change is quantity times jointLength.
func Distribute(policy Policy, required int, racks []RackAvailability, jointLength decimal.Decimal) ([]Change, error) {
	if required <= 0 {
		return nil, fmt.Errorf("required quantity must be positive, got %d", required)
	}
	total := 0
	for _, r := range racks {
		if r.Count > 0 {
			total += r.Count
		}
	}
	if total < required {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrShortfall, required, total)
	}
	var qty map[string]int
	switch policy {
	case FillFirst:
		qty = fillFirst(required, racks)
	case Proportional, "":
		qty = proportional(required, total, racks)
	default:
		return nil, fmt.Errorf("unknown distribution policy %q", policy)
	}
	var out []Change
	for _, r := range racks {
		q := qty[r.RackID]
		if q == 0 {
			continue
		}
		out = append(out, Change{RackID: r.RackID, Quantity: q, Linear: jointLength.Mul(decimal.NewFromInt(int64(q)))})
		delete(qty, r.RackID)
	}
	return out, nil
}

// Split validates a caller-chosen split against the racks' free space.
func Split(required int, split map[string]int, racks []RackAvailability, jointLength decimal.Decimal) ([]Change, error) {
	free := map[string]int{}
	for _, r := range racks {
		free[r.RackID] = r.Count
	}
	sum := 0
	ids := make([]string, 0, len(split))
	for id, q := range split {
		avail, ok := free[id]
		if !ok {
			return nil, fmt.Errorf("split names rack %s outside the chosen racks", id)
		}
		if q < 0 {
			return nil, fmt.Errorf("split for rack %s is negative", id)
		}
		if q > avail {
			return nil, fmt.Errorf("%w: rack %s has %d free, split asks %d", ErrShortfall, id, avail, q)
		}
		sum += q
		ids = append(ids, id)
	}
	if sum != required {
		return nil, fmt.Errorf("split sums to %d, required %d", sum, required)
	}
	sort.Strings(ids)
	var out []Change
	for _, id := range ids {
		if split[id] == 0 {
			continue
		}
		out = append(out, Change{RackID: id, Quantity: split[id], Linear: jointLength.Mul(decimal.NewFromInt(int64(split[id])))})
	}
	return out, nil
}

func fillFirst(required int, racks []RackAvailability) map[string]int {
	out := map[string]int{}
	left := required
	for _, r := range racks {
		if left == 0 {
			break
		}
		if r.Count <= 0 {
			continue
		}
		take := min(r.Count, left)
		out[r.RackID] += take
		left -= take
	}
	return out
}

// proportional gives each rack floor(required*count/total) and hands the
// leftover units to the largest fractional parts. Ties go to the rack with
// more free space, then to the lower rack id.
func proportional(required, total int, racks []RackAvailability) map[string]int {
	type share struct {
		id    string
		count int
		rem   int
	}
	out := map[string]int{}
	var shares []share
	assigned := 0
	for _, r := range racks {
		if r.Count <= 0 {
			continue
		}
		num := required * r.Count
		q := num / total
		out[r.RackID] = q
		assigned += q
		shares = append(shares, share{id: r.RackID, count: r.Count, rem: num % total})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].rem != shares[j].rem {
			return shares[i].rem > shares[j].rem
		}
		if shares[i].count != shares[j].count {
			return shares[i].count > shares[j].count
		}
		return shares[i].id < shares[j].id
	})
	for i := 0; assigned < required; i++ {
		s := shares[i%len(shares)]
		if out[s.id] < s.count {
			out[s.id]++
			assigned++
		}
	}
	return out
}
