package closing

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/coopledger/coopledger/internal/ledger"
)

var monthlyName = regexp.MustCompile(`^(\d{4})-(\d{2})$`)

// RolloverResult reports the successor period of a closed period.
type RolloverResult struct {
	Period  ledger.FiscalPeriod
	Created bool
}

// Rollover creates the period starting the day after period ends unless one exists.
func Rollover(ctx context.Context, tx ledger.TxStore, period ledger.FiscalPeriod) (RolloverResult, error) {
	start, end := NextPeriodRange(period.StartDate, period.EndDate)
	existing, found, err := tx.FindPeriodStartingOn(ctx, period.CooperativeID, start)
	if err != nil {
		return RolloverResult{}, err
	}
	if found {
		return RolloverResult{Period: existing}, nil
	}
	next, err := tx.InsertFiscalPeriod(ctx, ledger.FiscalPeriodInput{
		CooperativeID: period.CooperativeID,
		Name:          NextPeriodName(period.Name),
		StartDate:     start,
		EndDate:       end,
	})
	if err != nil {
		return RolloverResult{}, fmt.Errorf("closing: create next period: %w", err)
	}
	return RolloverResult{Period: next, Created: true}, nil
}

// NextPeriodRange starts the day after end and keeps the day distance between
// start and end. 2024-01-01..2024-01-31 yields 2024-02-01..2024-03-02.
func NextPeriodRange(start, end time.Time) (time.Time, time.Time) {
	s, e := dateOnly(start), dateOnly(end)
	days := int(e.Sub(s).Hours() / 24)
	nextStart := e.AddDate(0, 0, 1)
	return nextStart, nextStart.AddDate(0, 0, days)
}

// NextPeriodName increments YYYY-MM names by one month and appends " - Next" otherwise.
func NextPeriodName(name string) string {
	m := monthlyName.FindStringSubmatch(name)
	if m == nil {
		return name + " - Next"
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return name + " - Next"
	}
	month++
	if month > 12 {
		month = 1
		year++
	}
	return fmt.Sprintf("%04d-%02d", year, month)
}
