package closing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coopledger/coopledger/internal/ledger"
)

// TrialBalanceResult captures the global books-balance check.
type TrialBalanceResult struct {
	Balanced     bool
	Difference   decimal.Decimal
	TotalBalance decimal.Decimal
	DebitNormal  decimal.Decimal
	CreditNormal decimal.Decimal
}

// TrialBalance nets debit-normal against credit-normal balances over approved lines
// in the range. Balanced books net to zero within a cent.
func TrialBalance(ctx context.Context, reader ledger.Reader, cooperativeID int64, r ledger.DateRange) (TrialBalanceResult, error) {
	debitNormal, err := reader.AccountTypeBalance(ctx, cooperativeID, ledger.DebitNormalTypes, r)
	if err != nil {
		return TrialBalanceResult{}, err
	}
	creditNormal, err := reader.AccountTypeBalance(ctx, cooperativeID, ledger.CreditNormalTypes, r)
	if err != nil {
		return TrialBalanceResult{}, err
	}
	total := debitNormal.Sub(creditNormal)
	return TrialBalanceResult{
		Balanced:     ledger.WithinTolerance(total),
		Difference:   total.Abs(),
		TotalBalance: total,
		DebitNormal:  debitNormal,
		CreditNormal: creditNormal,
	}, nil
}
