package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// DebitNormalTypes lists account types whose balance grows with debits.
var DebitNormalTypes = []AccountType{AccountTypeAsset, AccountTypeExpense}

// CreditNormalTypes lists account types whose balance grows with credits.
var CreditNormalTypes = []AccountType{AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue}

// Tolerance is the cent-level threshold used for every balance comparison.
var Tolerance = decimal.New(1, -2)

// IsDebitNormal reports whether the account type carries a debit balance.
func (t AccountType) IsDebitNormal() bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	default:
		return false
	}
}

// SignedBalance applies the normal-balance convention of t to raw debit and credit totals.
func (t AccountType) SignedBalance(debit, credit decimal.Decimal) decimal.Decimal {
	if t.IsDebitNormal() {
		return debit.Sub(credit)
	}
	return credit.Sub(debit)
}

// Account models a chart of accounts node owned by a cooperative.
type Account struct {
	ID            int64
	CooperativeID int64
	Code          string
	Name          string
	Type          AccountType
	ParentID      *int64
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FiscalPeriod represents a bounded date range books are recorded in before closing.
type FiscalPeriod struct {
	ID            int64
	CooperativeID int64
	Name          string
	StartDate     time.Time
	EndDate       time.Time
	IsClosed      bool
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Range returns the inclusive date range covered by the period.
func (p FiscalPeriod) Range() DateRange {
	return DateRange{Start: p.StartDate, End: p.EndDate}
}

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID              int64
	CooperativeID   int64
	FiscalPeriodID  int64
	ReferenceNumber string
	TransactionDate time.Time
	Description     string
	IsApproved      bool
	IsClosingEntry  bool
	CreatedBy       *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Lines           []JournalLine
}

// JournalLine stores debit or credit amount for an account.
type JournalLine struct {
	ID             int64
	JournalEntryID int64
	AccountID      int64
	DebitAmount    decimal.Decimal
	CreditAmount   decimal.Decimal
	Description    string
}

// AccountBalance is the point-in-time snapshot of an account at period end.
type AccountBalance struct {
	AccountID      int64
	FiscalPeriodID int64
	CooperativeID  int64
	EndingBalance  decimal.Decimal
	BalanceDate    time.Time
}

// AccountTotal aggregates approved debits and credits of one account.
type AccountTotal struct {
	Account Account
	Debit   decimal.Decimal
	Credit  decimal.Decimal
}

// Balance returns the total signed by the account's normal balance.
func (a AccountTotal) Balance() decimal.Decimal {
	return a.Account.Type.SignedBalance(a.Debit, a.Credit)
}

// DateRange bounds balance queries. A zero Start means no lower bound.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Unbounded reports whether the range has no lower bound.
func (r DateRange) Unbounded() bool {
	return r.Start.IsZero()
}

// Contains reports whether d falls inside the range, comparing calendar dates.
func (r DateRange) Contains(d time.Time) bool {
	day := truncateDay(d)
	if !r.Unbounded() && day.Before(truncateDay(r.Start)) {
		return false
	}
	return !day.After(truncateDay(r.End))
}

// EntryRef identifies a journal entry surfaced by validation queries.
type EntryRef struct {
	ID              int64
	ReferenceNumber string
	Description     string
}

// PendingTransaction counts pending member transactions of one type.
type PendingTransaction struct {
	Type  string
	Count int
}

// Pending transaction types reported by the store.
const (
	PendingTypeSavings     = "savings"
	PendingTypeLoanPayment = "loan_payment"
)

// PeriodFilter narrows period selection.
type PeriodFilter struct {
	CooperativeID int64
	PeriodID      int64
	OnlyOverdue   bool
	AsOf          time.Time
}

// JournalLineInput describes a journal line for insertion.
type JournalLineInput struct {
	AccountID    int64           `validate:"required"`
	DebitAmount  decimal.Decimal
	CreditAmount decimal.Decimal
	Description  string `validate:"max=255"`
}

// JournalEntryInput groups fields required to create a journal entry.
type JournalEntryInput struct {
	CooperativeID   int64     `validate:"required"`
	FiscalPeriodID  int64     `validate:"required"`
	ReferenceNumber string    `validate:"required,max=64"`
	TransactionDate time.Time `validate:"required"`
	Description     string    `validate:"max=255"`
	IsApproved      bool
	IsClosingEntry  bool
	CreatedBy       *int64
	Lines           []JournalLineInput `validate:"dive"`
}

// FiscalPeriodInput captures fields for new periods.
type FiscalPeriodInput struct {
	CooperativeID int64     `validate:"required"`
	Name          string    `validate:"required,max=100"`
	StartDate     time.Time `validate:"required"`
	EndDate       time.Time `validate:"required"`
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("ledger: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("ledger: journal requires at least two lines")
	// ErrInvalidInput wraps struct validation failures.
	ErrInvalidInput = errors.New("ledger: invalid input")
	// ErrPeriodNotFound indicates a missing or foreign fiscal period.
	ErrPeriodNotFound = errors.New("ledger: fiscal period not found")
	// ErrAccountNotFound indicates a missing account.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

var validate = validator.New()

// Validate ensures the entry is structurally sound and balances within tolerance.
func (in JournalEntryInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	debit, credit := decimal.Zero, decimal.Zero
	for idx, line := range in.Lines {
		if line.DebitAmount.IsNegative() || line.CreditAmount.IsNegative() {
			return fmt.Errorf("ledger: line %d negative amount", idx)
		}
		if line.DebitAmount.IsPositive() && line.CreditAmount.IsPositive() {
			return fmt.Errorf("ledger: line %d cannot be both debit and credit", idx)
		}
		debit = debit.Add(line.DebitAmount)
		credit = credit.Add(line.CreditAmount)
	}
	if !WithinTolerance(debit.Sub(credit)) {
		return fmt.Errorf("%w: debit=%s credit=%s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}

// Totals returns the debit and credit sums of the entry lines.
func (in JournalEntryInput) Totals() (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range in.Lines {
		debit = debit.Add(line.DebitAmount)
		credit = credit.Add(line.CreditAmount)
	}
	return debit, credit
}

// Validate ensures the period input is coherent.
func (in FiscalPeriodInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.StartDate.After(in.EndDate) {
		return fmt.Errorf("%w: start date cannot be after end date", ErrInvalidInput)
	}
	return nil
}

// WithinTolerance reports whether |v| is below the cent tolerance.
func WithinTolerance(v decimal.Decimal) bool {
	return v.Abs().LessThan(Tolerance)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
