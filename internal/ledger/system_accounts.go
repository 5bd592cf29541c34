package ledger

import (
	"errors"
	"strings"
)

// SystemAccountKey names an account the closing engine maintains itself.
type SystemAccountKey string

const (
	IncomeSummary    SystemAccountKey = "income_summary"
	RetainedEarnings SystemAccountKey = "retained_earnings"
)

// SystemAccountSpec is the natural key used to find or create a system account.
type SystemAccountSpec struct {
	Code string
	Name string
}

// SystemAccounts maps system account keys to their configured natural keys.
type SystemAccounts map[SystemAccountKey]SystemAccountSpec

// DefaultSystemAccounts returns the stock Income Summary and Retained Earnings codes.
func DefaultSystemAccounts() SystemAccounts {
	return SystemAccounts{
		IncomeSummary:    {Code: "3900", Name: "Income Summary"},
		RetainedEarnings: {Code: "3200", Name: "Retained Earnings"},
	}
}

// Validate ensures both keys are configured with distinct codes.
func (s SystemAccounts) Validate() error {
	is, ok := s[IncomeSummary]
	if !ok || strings.TrimSpace(is.Code) == "" || strings.TrimSpace(is.Name) == "" {
		return errors.New("ledger: income summary account not configured")
	}
	re, ok := s[RetainedEarnings]
	if !ok || strings.TrimSpace(re.Code) == "" || strings.TrimSpace(re.Name) == "" {
		return errors.New("ledger: retained earnings account not configured")
	}
	if is.Code == re.Code {
		return errors.New("ledger: income summary and retained earnings must use different codes")
	}
	return nil
}
