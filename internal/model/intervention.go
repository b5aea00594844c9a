package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trend is the direction an intervention drives the price inside its band.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendRandom Trend = "random"
)

// ConflictResolution decides how a rule combines with other active rules
// on the same pair.
type ConflictResolution string

const (
	ResolveOverride ConflictResolution = "override"
	ResolveBlend    ConflictResolution = "blend"
	ResolveIgnore   ConflictResolution = "ignore"
)

// RecurrenceKind selects which calendar days a recurring rule applies on.
type RecurrenceKind string

const (
	RecurDaily    RecurrenceKind = "daily"
	RecurWeekdays RecurrenceKind = "weekdays"
	RecurWeekends RecurrenceKind = "weekends"
	RecurWeekly   RecurrenceKind = "weekly"
)

// Recurrence restricts a rule to matching days. Weekdays is only read for
// RecurWeekly.
type Recurrence struct {
	Kind     RecurrenceKind `json:"kind"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// Intervention is an administrator-defined price constraint for one pair.
// StartTime and EndTime are times of day ("HH:MM" or "HH:MM:SS"); when
// EndTime < StartTime the window wraps across midnight. StartDate/EndDate
// bound the calendar days (inclusive) and are optional.
type Intervention struct {
	ID                 string             `json:"id" db:"id"`
	Pair               string             `json:"pair" db:"pair"`
	StartTime          string             `json:"start_time" db:"start_time"`
	EndTime            string             `json:"end_time" db:"end_time"`
	StartDate          *time.Time         `json:"start_date,omitempty" db:"start_date"`
	EndDate            *time.Time         `json:"end_date,omitempty" db:"end_date"`
	Recurring          *Recurrence        `json:"recurring,omitempty" db:"recurring"`
	MinPrice           decimal.Decimal    `json:"min_price" db:"min_price"`
	MaxPrice           decimal.Decimal    `json:"max_price" db:"max_price"`
	Trend              Trend              `json:"trend" db:"trend"`
	Priority           int                `json:"priority" db:"priority"`
	ConflictResolution ConflictResolution `json:"conflict_resolution" db:"conflict_resolution"`
	IsActive           bool               `json:"is_active" db:"is_active"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// InterventionLog is the audit record of one applied override.
type InterventionLog struct {
	ID            string          `json:"id" db:"id"`
	RuleID        string          `json:"rule_id" db:"rule_id"`
	Pair          string          `json:"pair" db:"pair"`
	OriginalPrice decimal.Decimal `json:"original_price" db:"original_price"`
	AdjustedPrice decimal.Decimal `json:"adjusted_price" db:"adjusted_price"`
	Deviation     decimal.Decimal `json:"deviation" db:"deviation"` // |adjusted-original|/original
	HighSeverity  bool            `json:"high_severity" db:"high_severity"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
