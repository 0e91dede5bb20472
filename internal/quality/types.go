// Package quality scores flight state vectors along four data-quality
// dimensions, detects anomalies against recent history, and decides which
// records to quarantine.
package quality

import (
	"context"
	"time"

	"github.com/skyward/skyguard/pkg/models"
)

// ---------------------------------------------------------------------------
// Dimensions and Severities
// ---------------------------------------------------------------------------

// Dimension identifies one of the four quality dimensions.
type Dimension int

const (
	DimCompleteness Dimension = iota
	DimValidity
	DimConsistency
	DimTimeliness
)

func (d Dimension) String() string {
	switch d {
	case DimCompleteness:
		return "completeness"
	case DimValidity:
		return "validity"
	case DimConsistency:
		return "consistency"
	case DimTimeliness:
		return "timeliness"
	default:
		return "unknown"
	}
}

// Severity grades how bad a single issue or anomaly is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ---------------------------------------------------------------------------
// Issues and Scores
// ---------------------------------------------------------------------------

// Issue is one detected defect in a record. Immutable once created.
type Issue struct {
	Dimension   Dimension `json:"dimension"`
	Severity    Severity  `json:"severity"`
	Field       string    `json:"field"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Value       *float64  `json:"value,omitempty"`
	Expected    string    `json:"expected,omitempty"`
}

// Grade is the letter grade derived from the overall score.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// Score is the aggregate quality assessment of one record. Created once per
// validation call and never mutated afterwards.
type Score struct {
	Completeness     float64  `json:"completeness_score"`
	Validity         float64  `json:"validity_score"`
	Consistency      float64  `json:"consistency_score"`
	Timeliness       float64  `json:"timeliness_score"`
	Overall          float64  `json:"overall_score"`
	Grade            Grade    `json:"grade"`
	ShouldQuarantine bool     `json:"should_quarantine"`
	Issues           []Issue  `json:"issues_found"`
	Recommendations  []string `json:"recommendations,omitempty"`
}

// HasCritical reports whether any issue carries CRITICAL severity.
func (s *Score) HasCritical() bool {
	for _, iss := range s.Issues {
		if iss.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// dimensionsPresent returns the distinct dimensions with at least one issue.
func (s *Score) dimensionsPresent() map[Dimension]bool {
	dims := make(map[Dimension]bool, 4)
	for _, iss := range s.Issues {
		dims[iss.Dimension] = true
	}
	return dims
}

// ---------------------------------------------------------------------------
// Anomalies
// ---------------------------------------------------------------------------

// AnomalyType tags the kind of outlier detected.
type AnomalyType string

const (
	AnomalyAltitude     AnomalyType = "altitude_anomaly"
	AnomalyVelocity     AnomalyType = "velocity_anomaly"
	AnomalyPositionJump AnomalyType = "position_jump"
	AnomalyStuck        AnomalyType = "stuck_aircraft"
	AnomalyCorruption   AnomalyType = "data_corruption"
)

// Anomaly is one statistical or physical outlier. Metadata carries the raw
// numeric inputs so downstream alerting can explain the decision.
type Anomaly struct {
	Type        AnomalyType        `json:"type"`
	Severity    Severity           `json:"severity"`
	Description string             `json:"description"`
	Metadata    map[string]float64 `json:"metadata,omitempty"`
}

// ---------------------------------------------------------------------------
// Quarantine artifacts
// ---------------------------------------------------------------------------

// Reason is why a record was quarantined. A record can accumulate several;
// reasons form a set, not a priority order.
type Reason string

const (
	ReasonLowQualityScore   Reason = "LOW_QUALITY_SCORE"
	ReasonCriticalIssue     Reason = "CRITICAL_ISSUE"
	ReasonAnomalyDetected   Reason = "ANOMALY_DETECTED"
	ReasonDataCorruption    Reason = "DATA_CORRUPTION"
	ReasonValidationFailure Reason = "VALIDATION_FAILURE"
)

// Status is the review lifecycle state of a quarantined record.
type Status string

const (
	StatusQuarantined Status = "QUARANTINED"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusApproved    Status = "APPROVED_FOR_RELEASE"
	StatusRejected    Status = "REJECTED"
	StatusReprocessed Status = "REPROCESSED"
	StatusExpired     Status = "EXPIRED"
)

// CanTransitionTo reports whether a review transition is allowed. Terminal
// states (rejected, reprocessed, expired) accept no further transitions.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQuarantined:
		return next == StatusUnderReview || next == StatusRejected || next == StatusExpired
	case StatusUnderReview:
		return next == StatusApproved || next == StatusRejected || next == StatusExpired
	case StatusApproved:
		return next == StatusReprocessed
	default:
		return false
	}
}

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusQuarantined, StatusUnderReview, StatusApproved, StatusRejected, StatusReprocessed, StatusExpired:
		return true
	}
	return false
}

// QuarantineRecord is the persisted decision artifact for one quarantined
// record.
type QuarantineRecord struct {
	ID            string             `json:"quarantine_id"`
	ICAO24        string             `json:"icao24"`
	QuarantinedAt time.Time          `json:"quarantined_at"`
	Reasons       []Reason           `json:"reasons"`
	Status        Status             `json:"status"`
	Record        models.StateVector `json:"record"`
	Score         Score              `json:"quality_score"`
	Anomalies     []Anomaly          `json:"anomalies,omitempty"`
	Location      string             `json:"location,omitempty"`
	ExpiresAt     time.Time          `json:"expires_at"`
}

// ---------------------------------------------------------------------------
// Collaborator interfaces
// ---------------------------------------------------------------------------

// Store persists quarantined records. Persist returns an opaque storage
// location; failures are reported, not retried, by the caller.
type Store interface {
	Persist(ctx context.Context, rec QuarantineRecord) (location string, err error)
}

// Notifier announces a quarantine decision. Best-effort: a failure must not
// affect the decision already made.
type Notifier interface {
	Notify(ctx context.Context, rec QuarantineRecord, reasons []Reason) error
}

// MetricsSink receives named quality metrics.
type MetricsSink interface {
	Publish(name string, value float64, unit string, dims map[string]string)
}

// Alert is a batch-level threshold breach.
type Alert struct {
	Title     string    `json:"title"`
	Severity  Severity  `json:"severity"`
	Metric    string    `json:"metric"`
	Current   float64   `json:"current_value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertSink delivers alerts to an external channel.
type AlertSink interface {
	Raise(ctx context.Context, alert Alert) error
}
