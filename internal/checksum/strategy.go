package checksum

import (
	"github.com/openquant/dbmaint/internal/errors"
)

// Strategy decides when a checksummed row is due for re-verification.
// Implementations are pure decision functions; all I/O stays in the manager.
type Strategy interface {
	// ShouldVerify reports whether a record with the given ages (both in
	// fractional days) is due for re-verification.
	ShouldVerify(recordAgeDays, lastVerifiedDays float64) bool

	// Fields returns the ordered field names this strategy checksums.
	Fields() []string
}

// TimeBasedStrategy re-verifies whenever the last verification is older than
// a fixed interval. Record age is ignored.
type TimeBasedStrategy struct {
	fields       []string
	intervalDays float64
}

// NewTimeBased creates a time-based verification strategy.
func NewTimeBased(fields []string, verifyIntervalDays int) (*TimeBasedStrategy, error) {
	if len(fields) == 0 {
		return nil, errors.NewValidation("checksum fields", "must not be empty")
	}
	if verifyIntervalDays <= 0 {
		return nil, errors.NewValidation("verify_interval_days", "must be positive")
	}
	return &TimeBasedStrategy{
		fields:       fields,
		intervalDays: float64(verifyIntervalDays),
	}, nil
}

// ShouldVerify is true once lastVerifiedDays reaches the interval.
func (s *TimeBasedStrategy) ShouldVerify(recordAgeDays, lastVerifiedDays float64) bool {
	return lastVerifiedDays >= s.intervalDays
}

// Fields returns the checksummed field names.
func (s *TimeBasedStrategy) Fields() []string {
	return s.fields
}

// CriticalDataStrategy is the time-based predicate with a tighter default
// interval, intended for high-churn, high-value tables.
type CriticalDataStrategy struct {
	TimeBasedStrategy
}

// NewCriticalData creates a critical-data strategy. A zero interval takes the
// one-day default.
func NewCriticalData(fields []string, verifyIntervalDays int) (*CriticalDataStrategy, error) {
	if verifyIntervalDays == 0 {
		verifyIntervalDays = 1
	}
	base, err := NewTimeBased(fields, verifyIntervalDays)
	if err != nil {
		return nil, err
	}
	return &CriticalDataStrategy{TimeBasedStrategy: *base}, nil
}
