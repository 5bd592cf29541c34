package closing

import (
	"context"
	"fmt"

	"github.com/coopledger/coopledger/internal/ledger"
)

// SnapshotBalances upserts the inception-to-date balance of every cooperative
// account as of the period end date. It returns the number of rows written.
func SnapshotBalances(ctx context.Context, tx ledger.TxStore, period ledger.FiscalPeriod) (int, error) {
	totals, err := tx.AccountTotals(ctx, period.CooperativeID, nil, ledger.DateRange{End: period.EndDate})
	if err != nil {
		return 0, err
	}
	for _, total := range totals {
		err := tx.UpsertAccountBalance(ctx, ledger.AccountBalance{
			AccountID:      total.Account.ID,
			FiscalPeriodID: period.ID,
			CooperativeID:  period.CooperativeID,
			EndingBalance:  total.Balance(),
			BalanceDate:    period.EndDate,
		})
		if err != nil {
			return 0, fmt.Errorf("closing: snapshot account %s: %w", total.Account.Code, err)
		}
	}
	return len(totals), nil
}
