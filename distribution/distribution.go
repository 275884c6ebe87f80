// Package distribution splits one disbursed cash amount across the line items
// of a request. All math is on whole currency units; results always sum to the
// cash amount exactly.
package distribution

import (
	"fmt"
	"slices"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/shopspring/decimal"
)

// Line is the distribution view of a line item. Lines are given in insertion order.
type Line struct {
	Id        int
	AccountId int
	Amount    decimal.Decimal
}

// Allocation maps line item id to the amount allocated to it.
type Allocation map[int]decimal.Decimal

func (a Allocation) Total() decimal.Decimal {
	vals := make([]decimal.Decimal, 0, len(a))
	for _, v := range a {
		vals = append(vals, v)
	}
	return models.SumDecimals(vals...)
}

// ByAccount sums the allocation per account.
func (a Allocation) ByAccount(lines []Line) map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal)
	for _, l := range lines {
		if v, ok := a[l.Id]; ok {
			out[l.AccountId] = out[l.AccountId].Add(v)
		}
	}
	return out
}

// FromLineItems converts request line items into distribution lines.
func FromLineItems(items []*models.LineItem) []Line {
	lines := make([]Line, 0, len(items))
	for _, li := range items {
		lines = append(lines, Line{Id: li.ID, AccountId: li.AccountId, Amount: li.Amount})
	}
	return lines
}

// Distribute computes (or for manual, validates) the allocation of cash over lines.
func Distribute(cash decimal.Decimal, lines []Line, policy models.DistributionPolicy, manual map[int]decimal.Decimal) (Allocation, error) {
	if err := models.ValidateAmount(cash); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, models.ErrEmptyRequest
	}
	switch policy {
	case models.DistributionPolicyProportional:
		return Proportional(cash, lines)
	case models.DistributionPolicyEqual:
		return Equal(cash, lines), nil
	case models.DistributionPolicyManual:
		return Manual(cash, lines, manual)
	}
	return nil, fmt.Errorf("%w: distribution policy %q", models.ErrInvalidInput, policy)
}

// Proportional gives each line round-half-up(cash * amount / total) and puts the
// rounding drift on the line with the largest amount (lowest id on ties).
// If a negative drift would push that line below zero, every share is floored
// instead, which makes the drift non-negative.
func Proportional(cash decimal.Decimal, lines []Line) (Allocation, error) {
	total := decimal.Zero
	for _, l := range lines {
		if !l.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: line %d has no amount", models.ErrInvalidAmount, l.Id)
		}
		total = total.Add(l.Amount)
	}

	floors := make([]decimal.Decimal, len(lines))
	rounded := make([]decimal.Decimal, len(lines))
	two := decimal.NewFromInt(2)
	for i, l := range lines {
		q, r := cash.Mul(l.Amount).QuoRem(total, 0)
		floors[i] = q
		rounded[i] = q
		if r.Mul(two).GreaterThanOrEqual(total) {
			rounded[i] = q.Add(decimal.NewFromInt(1))
		}
	}

	target := largestLine(lines)
	alloc := withDrift(cash, lines, rounded, target)
	if alloc[lines[target].Id].IsNegative() {
		alloc = withDrift(cash, lines, floors, target)
	}
	return alloc, nil
}

// Equal gives every line floor(cash / n) and the drift to the first line.
func Equal(cash decimal.Decimal, lines []Line) Allocation {
	share, _ := cash.QuoRem(decimal.NewFromInt(int64(len(lines))), 0)
	shares := make([]decimal.Decimal, len(lines))
	for i := range lines {
		shares[i] = share
	}
	return withDrift(cash, lines, shares, 0)
}

// Manual accepts caller amounts as given after checking they are whole,
// non-negative, only reference known lines and sum to cash.
// Lines missing from the map get zero.
func Manual(cash decimal.Decimal, lines []Line, manual map[int]decimal.Decimal) (Allocation, error) {
	known := make(map[int]bool, len(lines))
	for _, l := range lines {
		known[l.Id] = true
	}
	alloc := make(Allocation, len(lines))
	for _, l := range lines {
		alloc[l.Id] = decimal.Zero
	}
	sum := decimal.Zero
	for id, v := range manual {
		if !known[id] {
			return nil, fmt.Errorf("%w: line item %d is not part of the request", models.ErrDistributionMismatch, id)
		}
		if v.IsNegative() || !v.IsInteger() {
			return nil, fmt.Errorf("%w: line item %d amount %s is not a whole non-negative amount", models.ErrDistributionMismatch, id, v.String())
		}
		alloc[id] = v
		sum = sum.Add(v)
	}
	if !sum.Equal(cash) {
		return nil, fmt.Errorf("%w: allocations sum to %s, cash amount is %s", models.ErrDistributionMismatch, sum.String(), cash.String())
	}
	return alloc, nil
}

// CheckAvailable fails with *models.InsufficientBudgetError when the amount allocated
// to an account (summed over its lines) is above that account's remaining.
// Accounts are checked in ascending id order.
func CheckAvailable(lines []Line, alloc Allocation, remaining map[int]decimal.Decimal) error {
	perAccount := alloc.ByAccount(lines)
	ids := make([]int, 0, len(perAccount))
	for id := range perAccount {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		available := remaining[id]
		if perAccount[id].GreaterThan(available) {
			return &models.InsufficientBudgetError{AccountId: id, Requested: perAccount[id], Available: available}
		}
	}
	return nil
}

func withDrift(cash decimal.Decimal, lines []Line, shares []decimal.Decimal, target int) Allocation {
	alloc := make(Allocation, len(lines))
	sum := decimal.Zero
	for i, l := range lines {
		alloc[l.Id] = shares[i]
		sum = sum.Add(shares[i])
	}
	drift := cash.Sub(sum)
	id := lines[target].Id
	alloc[id] = alloc[id].Add(drift)
	return alloc
}

func largestLine(lines []Line) int {
	best := 0
	for i := 1; i < len(lines); i++ {
		switch lines[i].Amount.Cmp(lines[best].Amount) {
		case 1:
			best = i
		case 0:
			if lines[i].Id < lines[best].Id {
				best = i
			}
		}
	}
	return best
}
