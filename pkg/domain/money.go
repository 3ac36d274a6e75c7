package domain

import "fmt"

// Amount is a monetary amount in minor units (cents for USD-like currencies).
// Fixed-point integers keep ledger arithmetic exact; floats never touch money.
type Amount int64

// Money pairs an amount with its currency code. The engine never converts
// between currencies; a contribution's currency must match its recipient's.
type Money struct {
	Amount   Amount `json:"amount"`
	Currency string `json:"currency"`
}

func (a Amount) IsPositive() bool { return a > 0 }

func (a Amount) String() string { return fmt.Sprintf("%d", int64(a)) }

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// BasisPoints expresses a milestone's share of a budget. 10000 bps == 100%.
type BasisPoints int32

const FullBudget BasisPoints = 10000

// ApplyTo computes the share of budget the basis points represent, rounding
// down so the sum of milestone targets never exceeds the budget.
func (bps BasisPoints) ApplyTo(budget Amount) Amount {
	return Amount(int64(budget) * int64(bps) / int64(FullBudget))
}

func (bps BasisPoints) Valid() bool { return bps > 0 && bps <= FullBudget }
