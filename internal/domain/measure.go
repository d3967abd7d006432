package domain

import "github.com/shopspring/decimal"

// Linear measures are metres in the domain and whole millimetres in storage,
// so the ledger's guarded updates compare integers.

func ToMillimetres(m decimal.Decimal) int64 {
	return m.Shift(3).Round(0).IntPart()
}

func FromMillimetres(mm int64) decimal.Decimal {
	return decimal.New(mm, -3)
}
