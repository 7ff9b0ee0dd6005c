package models

import (
	"fmt"
	"math"
	"time"
)

// UsageStatus is the lifecycle state of a usage record
type UsageStatus string

// UsageStatus constants
const (
	UsageStatusActive    UsageStatus = "active"
	UsageStatusExpired   UsageStatus = "expired"
	UsageStatusExhausted UsageStatus = "exhausted"
)

// Valid reports whether s is a known status
func (s UsageStatus) Valid() bool {
	switch s {
	case UsageStatusActive, UsageStatusExpired, UsageStatusExhausted:
		return true
	}
	return false
}

// Current reports whether a record in this status still counts as the
// user's package. Exhausted records stay current until they expire or the
// daily reset returns them to active.
func (s UsageStatus) Current() bool {
	return s == UsageStatusActive || s == UsageStatusExhausted
}

// UsageRecord tracks consumption against the quota of one activated package.
// Quotas and usage are in megabytes.
type UsageRecord struct {
	ID         string      `json:"id" db:"id"`
	UserID     string      `json:"user_id" db:"user_id"`
	PackageID  string      `json:"package_id" db:"package_id"`
	TotalQuota float64     `json:"total_quota" db:"total_quota"`
	UsedData   float64     `json:"used_data" db:"used_data"`
	Status     UsageStatus `json:"status" db:"status"`
	StartDate  time.Time   `json:"start_date" db:"start_date"`
	EndDate    *time.Time  `json:"end_date,omitempty" db:"end_date"`
	LastUsedAt *time.Time  `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" db:"updated_at"`
}

// RemainingData returns TotalQuota - UsedData. The result is negative while
// an overrun has not yet been flagged.
func (u *UsageRecord) RemainingData() float64 {
	return u.TotalQuota - u.UsedData
}

// PercentUsed returns the share of the quota consumed. ok is false when the
// record has no quota, in which case the percentage is undefined.
func (u *UsageRecord) PercentUsed() (percent float64, ok bool) {
	if u.TotalQuota == 0 {
		return 0, false
	}
	return u.UsedData / u.TotalQuota * 100, true
}

// IsExhausted reports whether no quota is left
func (u *UsageRecord) IsExhausted() bool {
	return u.RemainingData() <= 0
}

// IsExpired reports whether the validity window closed before now.
// Open-ended packages never expire.
func (u *UsageRecord) IsExpired(now time.Time) bool {
	return u.EndDate != nil && now.After(*u.EndDate)
}

// Track applies a consumption delta and returns the new used total
func (u *UsageRecord) Track(delta float64, at time.Time) (float64, error) {
	if err := ValidateConsumption(delta); err != nil {
		return u.UsedData, err
	}
	u.UsedData += delta
	u.LastUsedAt = &at
	return u.UsedData, nil
}

// ValidateConsumption checks that a consumption amount is a positive number
func ValidateConsumption(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return fmt.Errorf("consumption amount must be a positive number, got %v", amount)
	}
	return nil
}

// Snapshot returns the denormalized cache form of the record
func (u *UsageRecord) Snapshot() *UsageSnapshot {
	return &UsageSnapshot{
		UserID:        u.UserID,
		PackageID:     u.PackageID,
		TotalQuota:    u.TotalQuota,
		UsedData:      u.UsedData,
		RemainingData: u.RemainingData(),
		Status:        u.Status,
		EndDate:       u.EndDate,
	}
}

// UsageSnapshot is the cached mirror of a usage record
type UsageSnapshot struct {
	UserID        string      `json:"user_id"`
	PackageID     string      `json:"package_id"`
	TotalQuota    float64     `json:"total_quota"`
	UsedData      float64     `json:"used_data"`
	RemainingData float64     `json:"remaining_data"`
	Status        UsageStatus `json:"status,omitempty"`
	EndDate       *time.Time  `json:"end_date,omitempty"`
}

// Record expands the snapshot back into a usage record. RemainingData is
// always derived from the quota fields, never trusted from the cache.
func (s *UsageSnapshot) Record() *UsageRecord {
	status := s.Status
	if status == "" {
		status = UsageStatusActive
	}
	return &UsageRecord{
		UserID:     s.UserID,
		PackageID:  s.PackageID,
		TotalQuota: s.TotalQuota,
		UsedData:   s.UsedData,
		Status:     status,
		EndDate:    s.EndDate,
	}
}

// UsageStats aggregates usage over all records
type UsageStats struct {
	TotalQuota     float64 `json:"total_quota"`
	TotalUsedData  float64 `json:"total_used_data"`
	TotalRemaining float64 `json:"total_remaining"`
	AvgQuota       float64 `json:"avg_quota"`
	AvgUsedData    float64 `json:"avg_used_data"`
	MaxQuota       float64 `json:"max_quota"`
	MinQuota       float64 `json:"min_quota"`
	UserCount      int64   `json:"user_count"`
}

// TrendRange selects the bucket size of usage trends
type TrendRange string

// TrendRange constants
const (
	TrendDaily   TrendRange = "daily"
	TrendWeekly  TrendRange = "weekly"
	TrendMonthly TrendRange = "monthly"
)

// Valid reports whether r is a supported range
func (r TrendRange) Valid() bool {
	switch r {
	case TrendDaily, TrendWeekly, TrendMonthly:
		return true
	}
	return false
}

// UsageTrendPoint is the used data summed over one bucket
type UsageTrendPoint struct {
	Date     string  `json:"date"`
	UsedData float64 `json:"used_data"`
}

// UsageBreakdown counts current records by notification tier
type UsageBreakdown struct {
	TotalRecords       int64                `json:"total_records"`
	Exhausted          int64                `json:"exhausted"`
	NoQuota            int64                `json:"no_quota"`
	BelowNotice        int64                `json:"below_notice"`
	Levels             map[AlertLevel]int64 `json:"levels"`
	AveragePercentUsed float64              `json:"average_percent_used"`
	GeneratedAt        time.Time            `json:"generated_at"`
}
