package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeyard/internal/db"
	"pipeyard/internal/domain"
	"pipeyard/internal/ledger"
	"pipeyard/internal/migrate"
	"pipeyard/internal/repo"
)

type testEnv struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{DB: conn, Repo: r, Ledger: ledger.Ledger{Repo: r, Now: now}, Ctx: context.Background()}
}

func (env testEnv) rack(t *testing.T, id string, mode domain.AllocationMode, capacity int, linear string) {
	t.Helper()
	env.inTx(t, func(tx *sql.Tx) error {
		return env.Repo.UpsertRack(env.Ctx, tx, domain.Rack{
			ID: id, Area: "A", Name: id, Mode: mode, Capacity: capacity,
			CapacityLinear: decimal.RequireFromString(linear),
			CreatedAt:      "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
		})
	})
}

func (env testEnv) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	require.NoError(t, env.try(fn))
}

func (env testEnv) try(fn func(tx *sql.Tx) error) error {
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (env testEnv) get(t *testing.T, id string) domain.Rack {
	t.Helper()
	rk, err := env.Repo.GetRack(env.Ctx, id)
	require.NoError(t, err)
	return rk
}

func change(id string, q int, linear string) ledger.Change {
	return ledger.Change{RackID: id, Quantity: q, Linear: decimal.RequireFromString(linear)}
}

func TestReserveAndRelease(t *testing.T) {
	env := newTestEnv(t)
	env.rack(t, "A-01", domain.AllocationCount, 100, "1200")

	env.inTx(t, func(tx *sql.Tx) error {
		return env.Ledger.Reserve(env.Ctx, tx, "req-1", []ledger.Change{change("A-01", 40, "480.5")})
	})
	rk := env.get(t, "A-01")
	assert.Equal(t, 40, rk.Occupied)
	assert.True(t, rk.OccupiedLinear.Equal(decimal.RequireFromString("480.5")))

	env.inTx(t, func(tx *sql.Tx) error {
		return env.Ledger.Release(env.Ctx, tx, "req-1", []ledger.Change{change("A-01", 15, "180")})
	})
	rk = env.get(t, "A-01")
	assert.Equal(t, 25, rk.Occupied)
	assert.True(t, rk.OccupiedLinear.Equal(decimal.RequireFromString("300.5")))
}

func TestReserveRejectsOverflow(t *testing.T) {
	env := newTestEnv(t)
	env.rack(t, "A-01", domain.AllocationCount, 10, "120")

	err := env.try(func(tx *sql.Tx) error {
		return env.Ledger.Reserve(env.Ctx, tx, "req-1", []ledger.Change{change("A-01", 11, "0")})
	})
	require.ErrorIs(t, err, ledger.ErrOverflow)
	var rackErr *ledger.RackError
	require.True(t, errors.As(err, &rackErr))
	assert.Equal(t, "A-01", rackErr.RackID)
	assert.Equal(t, 0, env.get(t, "A-01").Occupied)

	// Linear capacity is enforced on its own.
	err = env.try(func(tx *sql.Tx) error {
		return env.Ledger.Reserve(env.Ctx, tx, "req-1", []ledger.Change{change("A-01", 5, "120.001")})
	})
	require.ErrorIs(t, err, ledger.ErrOverflow)
}

func TestReleaseRejectsUnderflow(t *testing.T) {
	env := newTestEnv(t)
	env.rack(t, "A-01", domain.AllocationCount, 10, "120")
	err := env.try(func(tx *sql.Tx) error {
		return env.Ledger.Release(env.Ctx, tx, "req-1", []ledger.Change{change("A-01", 1, "0")})
	})
	require.ErrorIs(t, err, ledger.ErrUnderflow)
}

func TestMultiRackReserveIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	env.rack(t, "A-01", domain.AllocationCount, 10, "0")
	env.rack(t, "A-02", domain.AllocationCount, 5, "0")

	err := env.try(func(tx *sql.Tx) error {
		return env.Ledger.Reserve(env.Ctx, tx, "req-1", []ledger.Change{
			change("A-01", 8, "0"),
			change("A-02", 6, "0"),
		})
	})
	require.ErrorIs(t, err, ledger.ErrOverflow)
	assert.Equal(t, 0, env.get(t, "A-01").Occupied)
	assert.Equal(t, 0, env.get(t, "A-02").Occupied)
}

func TestHoldCountsAgainstCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.rack(t, "A-01", domain.AllocationCount, 100, "0")
	env.inTx(t, func(tx *sql.Tx) error {
		if err := env.Ledger.Reserve(env.Ctx, tx, "req-0", []ledger.Change{change("A-01", 75, "0")}); err != nil {
			return err
		}
		return env.Ledger.Hold(env.Ctx, tx, "req-1", []ledger.Change{change("A-01", 20, "0")})
	})
	avail, err := env.Ledger.Available(env.Ctx, env.DB, []string{"A-01"})
	require.NoError(t, err)
	assert.Equal(t, 5, avail.Count)

	err = env.try(func(tx *sql.Tx) error {
		return env.Ledger.Hold(env.Ctx, tx, "req-2", []ledger.Change{change("A-01", 10, "0")})
	})
	require.ErrorIs(t, err, ledger.ErrOverflow)

	env.inTx(t, func(tx *sql.Tx) error {
		return env.Ledger.Unhold(env.Ctx, tx, "req-1", []ledger.Change{change("A-01", 20, "0")})
	})
	rk := env.get(t, "A-01")
	assert.Equal(t, 75, rk.Occupied)
	assert.Equal(t, 0, rk.Reserved)
}

func TestSlotRackIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	env.rack(t, "S-01", domain.AllocationSlot, 60, "720")

	env.inTx(t, func(tx *sql.Tx) error {
		return env.Ledger.Hold(env.Ctx, tx, "req-1", []ledger.Change{change("S-01", 10, "120")})
	})
	rk := env.get(t, "S-01")
	require.NotNil(t, rk.SlotOwner)
	assert.Equal(t, "req-1", *rk.SlotOwner)
	assert.Equal(t, 0, rk.Available())

	err := env.try(func(tx *sql.Tx) error {
		return env.Ledger.Hold(env.Ctx, tx, "req-2", []ledger.Change{change("S-01", 1, "0")})
	})
	require.ErrorIs(t, err, ledger.ErrOverflow)

	// The owner can keep using the rest of the slot.
	env.inTx(t, func(tx *sql.Tx) error {
		return env.Ledger.Reserve(env.Ctx, tx, "req-1", []ledger.Change{change("S-01", 5, "60")})
	})
	avail, err := env.Ledger.AvailableFor(env.Ctx, env.DB, "req-1", []string{"S-01"})
	require.NoError(t, err)
	assert.Equal(t, 45, avail.Count)

	env.inTx(t, func(tx *sql.Tx) error {
		if err := env.Ledger.Unhold(env.Ctx, tx, "req-1", []ledger.Change{change("S-01", 10, "120")}); err != nil {
			return err
		}
		return env.Ledger.Release(env.Ctx, tx, "req-1", []ledger.Change{change("S-01", 5, "60")})
	})
	assert.Nil(t, env.get(t, "S-01").SlotOwner)
}

func TestUntrackedLinearIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.rack(t, "A-01", domain.AllocationCount, 10, "0")
	env.inTx(t, func(tx *sql.Tx) error {
		return env.Ledger.Reserve(env.Ctx, tx, "req-1", []ledger.Change{change("A-01", 3, "36")})
	})
	rk := env.get(t, "A-01")
	assert.Equal(t, 3, rk.Occupied)
	assert.True(t, rk.OccupiedLinear.IsZero())
}

func TestAvailableUnknownRack(t *testing.T) {
	env := newTestEnv(t)
	env.rack(t, "A-01", domain.AllocationCount, 10, "0")
	_, err := env.Ledger.Available(env.Ctx, env.DB, []string{"A-01", "Z-99"})
	require.ErrorIs(t, err, ledger.ErrUnknownRack)
}

func TestMergeFoldsDuplicateRacks(t *testing.T) {
	env := newTestEnv(t)
	env.rack(t, "A-01", domain.AllocationCount, 10, "0")
	env.inTx(t, func(tx *sql.Tx) error {
		return env.Ledger.Reserve(env.Ctx, tx, "req-1", []ledger.Change{change("A-01", 4, "0"), change("A-01", 6, "0")})
	})
	assert.Equal(t, 10, env.get(t, "A-01").Occupied)
}
