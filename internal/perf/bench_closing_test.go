package perf

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/coopledger/coopledger/internal/closing"
	jobmetrics "github.com/coopledger/coopledger/internal/jobs"
	"github.com/coopledger/coopledger/internal/ledger"
	"github.com/coopledger/coopledger/internal/ledger/memstore"
	_ "github.com/coopledger/coopledger/testing"
)

// seedCooperatives books a month of activity for n cooperatives with entries lines each.
func seedCooperatives(n, entries int) *memstore.Store {
	store := memstore.New()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for coop := int64(1); coop <= int64(n); coop++ {
		cash := store.AddAccount(ledger.Account{CooperativeID: coop, Code: "1100", Name: "Cash", Type: ledger.AccountTypeAsset, IsActive: true})
		interest := store.AddAccount(ledger.Account{CooperativeID: coop, Code: "4100", Name: "Loan Interest", Type: ledger.AccountTypeRevenue, IsActive: true})
		fees := store.AddAccount(ledger.Account{CooperativeID: coop, Code: "4200", Name: "Admin Fees", Type: ledger.AccountTypeRevenue, IsActive: true})
		salaries := store.AddAccount(ledger.Account{CooperativeID: coop, Code: "5100", Name: "Salaries", Type: ledger.AccountTypeExpense, IsActive: true})
		period := store.AddPeriod(ledger.FiscalPeriod{CooperativeID: coop, Name: "2024-01", StartDate: start, EndDate: start.AddDate(0, 1, -1)})
		for i := 0; i < entries; i++ {
			amount := decimal.NewFromInt(int64(10 + i))
			revenue := interest
			if i%2 == 1 {
				revenue = fees
			}
			store.AddEntry(ledger.JournalEntryInput{
				CooperativeID: coop, FiscalPeriodID: period.ID, IsApproved: true,
				ReferenceNumber: "JE-" + strconv.Itoa(i),
				TransactionDate: start.AddDate(0, 0, i%28),
				Lines: []ledger.JournalLineInput{
					{AccountID: cash.ID, DebitAmount: amount},
					{AccountID: revenue.ID, CreditAmount: amount},
				},
			})
			if i%5 == 0 {
				store.AddEntry(ledger.JournalEntryInput{
					CooperativeID: coop, FiscalPeriodID: period.ID, IsApproved: true,
					ReferenceNumber: "EXP-" + strconv.Itoa(i),
					TransactionDate: start.AddDate(0, 0, i%28),
					Lines: []ledger.JournalLineInput{
						{AccountID: salaries.ID, DebitAmount: decimal.NewFromInt(7)},
						{AccountID: cash.ID, CreditAmount: decimal.NewFromInt(7)},
					},
				})
			}
		}
	}
	return store
}

func newService(store ledger.Store, observer closing.OutcomeObserver) *closing.Service {
	svc := closing.NewService(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if observer != nil {
		svc.WithObserver(observer)
	}
	return svc
}

func TestCloseBatchOutcomesAndLatency(t *testing.T) {
	const cooperatives = 25
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	svc := newService(seedCooperatives(cooperatives, 120), metrics)

	tracker := metrics.Track("ledger:period_close")
	report, err := svc.Run(context.Background(), closing.RunOptions{Options: closing.Options{Auto: true}})
	if err := tracker.End(err); err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Succeeded != cooperatives || report.Failed != 0 {
		t.Fatalf("unexpected batch: succeeded=%d warned=%d failed=%d", report.Succeeded, report.Warned, report.Failed)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	closed := metricValue(t, families, "coopledger_period_close_outcomes_total", map[string]string{"outcome": "closed"})
	if closed != cooperatives {
		t.Fatalf("expected %d closed outcomes, got %f", cooperatives, closed)
	}
	runs := metricValue(t, families, "coopledger_jobs_total", map[string]string{"job": "ledger:period_close", "status": "success"})
	if runs != 1 {
		t.Fatalf("expected one successful run, got %f", runs)
	}
	// the in-memory store has no I/O; anything near a second per period is a regression
	mean := histogramMean(t, families, "coopledger_period_close_duration_seconds", map[string]string{"outcome": "closed"})
	if mean > 0.5 {
		t.Fatalf("period close duration above budget: %f", mean)
	}
}

func BenchmarkClosePeriod(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		svc := newService(seedCooperatives(1, 200), nil)
		b.StartTimer()
		report, err := svc.Run(context.Background(), closing.RunOptions{Options: closing.Options{CooperativeID: 1}})
		if err != nil || report.Succeeded != 1 {
			b.Fatalf("close failed: %v %+v", err, report)
		}
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
