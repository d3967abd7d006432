package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quantities(changes []Change) map[string]int {
	out := map[string]int{}
	for _, c := range changes {
		out[c.RackID] = c.Quantity
	}
	return out
}

func TestDistributeProportional(t *testing.T) {
	racks := []RackAvailability{
		{RackID: "A-01", Count: 30},
		{RackID: "A-02", Count: 60},
		{RackID: "A-03", Count: 10},
	}
	got, err := Distribute(Proportional, 50, racks, decimal.RequireFromString("12"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A-01": 15, "A-02": 30, "A-03": 5}, quantities(got))
	for _, c := range got {
		assert.True(t, c.Linear.Equal(decimal.NewFromInt(int64(c.Quantity*12))), c.RackID)
	}
}

func TestDistributeProportionalRemainders(t *testing.T) {
	// 10 over 3 equal racks: one leftover unit, tie broken by rack id.
	racks := []RackAvailability{
		{RackID: "B", Count: 5},
		{RackID: "A", Count: 5},
		{RackID: "C", Count: 5},
	}
	got, err := Distribute(Proportional, 10, racks, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 4, "B": 3, "C": 3}, quantities(got))

	// Same fractional part: the larger rack wins.
	racks = []RackAvailability{
		{RackID: "A", Count: 1},
		{RackID: "B", Count: 3},
	}
	got, err = Distribute(Proportional, 2, racks, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"B": 2}, quantities(got))
}

func TestDistributeIsDeterministic(t *testing.T) {
	racks := []RackAvailability{
		{RackID: "A-01", Count: 7},
		{RackID: "A-02", Count: 13},
		{RackID: "A-03", Count: 3},
	}
	first, err := Distribute(Proportional, 17, racks, decimal.Zero)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Distribute(Proportional, 17, racks, decimal.Zero)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	total := 0
	for _, c := range first {
		total += c.Quantity
	}
	assert.Equal(t, 17, total)
}

func TestDistributeNeverExceedsRack(t *testing.T) {
	racks := []RackAvailability{
		{RackID: "A", Count: 1},
		{RackID: "B", Count: 1},
		{RackID: "C", Count: 98},
	}
	got, err := Distribute(Proportional, 100, racks, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 98}, quantities(got))
}

func TestDistributeFillFirst(t *testing.T) {
	racks := []RackAvailability{
		{RackID: "B", Count: 5},
		{RackID: "A", Count: 20},
	}
	got, err := Distribute(FillFirst, 12, racks, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].RackID)
	assert.Equal(t, map[string]int{"B": 5, "A": 7}, quantities(got))
}

func TestDistributeShortfall(t *testing.T) {
	_, err := Distribute(Proportional, 6, []RackAvailability{{RackID: "A", Count: 5}}, decimal.Zero)
	require.ErrorIs(t, err, ErrShortfall)
	_, err = Distribute("random", 1, []RackAvailability{{RackID: "A", Count: 5}}, decimal.Zero)
	require.Error(t, err)
}

func TestSplit(t *testing.T) {
	racks := []RackAvailability{{RackID: "A", Count: 5}, {RackID: "B", Count: 10}}
	got, err := Split(12, map[string]int{"A": 5, "B": 7}, racks, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 5, "B": 7}, quantities(got))
	assert.True(t, got[1].Linear.Equal(decimal.RequireFromString("3.5")))

	_, err = Split(12, map[string]int{"A": 6, "B": 6}, racks, decimal.Zero)
	require.ErrorIs(t, err, ErrShortfall)
	_, err = Split(12, map[string]int{"A": 5, "B": 5}, racks, decimal.Zero)
	require.Error(t, err)
	_, err = Split(1, map[string]int{"C": 1}, racks, decimal.Zero)
	require.Error(t, err)
}
