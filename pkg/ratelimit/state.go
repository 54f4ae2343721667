// Package ratelimit keeps a shared daily quota ledger in Redis.
// Every successful remote call is recorded against the day's budget, broken
// down by call kind and credential, so several harvester processes see one
// consistent picture of the remaining quota.
package ratelimit

import (
	"time"
)

// Redis key prefix for the ledger. Keys are harvest:quota:<date>:<suffix>.
const (
	redisKeyPrefix   = "harvest:quota:"
	redisSuffixTotal = "total"
	redisSuffixKinds = "kinds"
	redisSuffixCreds = "credentials"
	ledgerTTL        = 48 * time.Hour
	dateLayout       = "2006-01-02"
)

// Default budget values.
const (
	// DefaultDailyLimit is the daily unit budget of the remote API.
	DefaultDailyLimit = 10000

	// DefaultWarningThreshold logs warnings when fewer units remain.
	DefaultWarningThreshold = 1000

	// DefaultStopThreshold stops new work when fewer units remain.
	DefaultStopThreshold = 100
)

// Limits configures the ledger thresholds.
type Limits struct {
	DailyLimit       int64
	WarningThreshold int64
	StopThreshold    int64
}

// DefaultLimits returns the default thresholds.
func DefaultLimits() Limits {
	return Limits{
		DailyLimit:       DefaultDailyLimit,
		WarningThreshold: DefaultWarningThreshold,
		StopThreshold:    DefaultStopThreshold,
	}
}

// QuotaState is the day's quota usage.
type QuotaState struct {
	// Date is the ledger day (YYYY-MM-DD).
	Date string `json:"date"`

	// Used is the number of units consumed today.
	Used int64 `json:"used"`

	// Limit is the daily budget.
	Limit int64 `json:"limit"`

	// Remaining is Limit - Used, never negative.
	Remaining int64 `json:"remaining"`

	// ByKind breaks Used down by call kind.
	ByKind map[string]int64 `json:"by_kind"`

	// ByCredential breaks Used down by credential fingerprint.
	ByCredential map[string]int64 `json:"by_credential"`

	warning int64
	stop    int64
}

func newState(date string, used int64, limits Limits) *QuotaState {
	s := &QuotaState{
		Date:         date,
		Used:         used,
		Limit:        limits.DailyLimit,
		ByKind:       make(map[string]int64),
		ByCredential: make(map[string]int64),
		warning:      limits.WarningThreshold,
		stop:         limits.StopThreshold,
	}
	s.Remaining = max(s.Limit-s.Used, 0)
	return s
}

// NeedsStop returns true if no new work should start.
func (s *QuotaState) NeedsStop() bool {
	return s.Remaining < s.stop
}

// NeedsWarning returns true if the remaining budget is running low.
func (s *QuotaState) NeedsWarning() bool {
	return s.Remaining < s.warning && !s.NeedsStop()
}

// UsedPercent returns the share of the daily limit used, in percent.
func (s *QuotaState) UsedPercent() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Limit) * 100
}
