package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/shopspring/decimal"
)

// ReconcileResult is the conservation check of one account.
type ReconcileResult struct {
	AccountId      int             `json:"account_id"`
	Code           string          `json:"code"`
	Allocation     decimal.Decimal `json:"allocation"`
	Realized       decimal.Decimal `json:"realized"`
	Remaining      decimal.Decimal `json:"remaining"`
	RealizationSum decimal.Decimal `json:"realization_sum"`
	Consistent     bool            `json:"consistent"`
	Problems       []string        `json:"problems,omitempty"`
}

func reconcile(tx models.StoreTx, acc *models.Account) (ReconcileResult, error) {
	sum, err := tx.SumRealizations(acc.ID)
	if err != nil {
		return ReconcileResult{}, err
	}
	res := ReconcileResult{
		AccountId:      acc.ID,
		Code:           acc.Code,
		Allocation:     acc.Allocation,
		Realized:       acc.Realized,
		Remaining:      acc.Remaining,
		RealizationSum: sum,
	}
	if !acc.Realized.Equal(sum) {
		res.Problems = append(res.Problems, "realized does not equal the sum of realizations")
	}
	if err := acc.CheckConservation(); err != nil {
		res.Problems = append(res.Problems, err.Error())
	}
	if acc.Remaining.IsNegative() {
		res.Problems = append(res.Problems, "remaining is negative")
	}
	res.Consistent = len(res.Problems) == 0
	return res, nil
}

func (l *Ledger) ReconcileAccount(ctx context.Context, actor models.Actor, accountId int) (*ReconcileResult, error) {
	var res ReconcileResult
	err := l.store.InTx(ctx, func(tx models.StoreTx) error {
		acc, err := tx.GetAccount(accountId)
		if err != nil {
			return err
		}
		if acc.OrganizationId != actor.OrganizationId {
			return models.ErrRecordNotFound
		}
		res, err = reconcile(tx, acc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ReconcileFiscalYear checks every account of an organization for a fiscal year.
func (l *Ledger) ReconcileFiscalYear(ctx context.Context, organizationId int, fiscalYear int) ([]ReconcileResult, error) {
	var results []ReconcileResult
	err := l.store.InTx(ctx, func(tx models.StoreTx) error {
		accounts, err := tx.ListAccounts(organizationId, fiscalYear)
		if err != nil {
			return err
		}
		results = make([]ReconcileResult, 0, len(accounts))
		for _, acc := range accounts {
			res, err := reconcile(tx, acc)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}
