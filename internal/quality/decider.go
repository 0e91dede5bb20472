package quality

import (
	"time"

	"github.com/google/uuid"

	"github.com/skyward/skyguard/pkg/models"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// DeciderConfig controls the quarantine policy.
type DeciderConfig struct {
	// Overall score below this forces quarantine regardless of issues.
	AutoQuarantineThreshold float64
	// Quarantine on any CRITICAL-severity anomaly.
	QuarantineOnCriticalAnomaly bool
	// Quarantine when this many HIGH or CRITICAL anomalies accumulate.
	HighAnomalyCount int
	// Quarantined records expire after this many days.
	RetentionDays int

	Now   func() time.Time
	NewID func() string
}

// DefaultDeciderConfig returns production defaults.
func DefaultDeciderConfig() DeciderConfig {
	return DeciderConfig{
		AutoQuarantineThreshold:     0.35,
		QuarantineOnCriticalAnomaly: true,
		HighAnomalyCount:            3,
		RetentionDays:               30,
	}
}

// ---------------------------------------------------------------------------
// Decider
// ---------------------------------------------------------------------------

// Decider combines a quality score and detected anomalies into a binary
// quarantine decision with a set of reasons.
type Decider struct {
	cfg DeciderConfig
}

// NewDecider builds a Decider with the given policy.
func NewDecider(cfg DeciderConfig) *Decider {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Decider{cfg: cfg}
}

// Evaluate applies the quarantine policy. Any single matching rule is
// sufficient; reasons are a set, not a priority order. If evaluation itself
// fails the record is quarantined with VALIDATION_FAILURE rather than letting
// the failure propagate.
func (d *Decider) Evaluate(score Score, anomalies []Anomaly) (quarantine bool, reasons []Reason) {
	defer func() {
		if r := recover(); r != nil {
			quarantine = true
			reasons = []Reason{ReasonValidationFailure}
		}
	}()

	seen := make(map[Reason]bool, 4)
	add := func(r Reason) {
		if !seen[r] {
			seen[r] = true
			reasons = append(reasons, r)
		}
	}

	if score.Overall < d.cfg.AutoQuarantineThreshold {
		add(ReasonLowQualityScore)
	}
	if score.HasCritical() {
		add(ReasonCriticalIssue)
	}

	severe := 0
	for _, a := range anomalies {
		if a.Severity >= SeverityHigh {
			severe++
		}
		if a.Severity == SeverityCritical && d.cfg.QuarantineOnCriticalAnomaly {
			add(ReasonAnomalyDetected)
		}
		if a.Type == AnomalyCorruption {
			add(ReasonDataCorruption)
		}
	}
	if d.cfg.HighAnomalyCount > 0 && severe >= d.cfg.HighAnomalyCount {
		add(ReasonAnomalyDetected)
	}

	// Fallback: the validator asked for quarantine but no specific rule
	// matched.
	if len(reasons) == 0 && score.ShouldQuarantine {
		add(ReasonValidationFailure)
	}

	return len(reasons) > 0, reasons
}

// BuildRecord packages a quarantine decision into its persisted artifact:
// fresh UUID, timestamps, and a retention-derived expiration.
func (d *Decider) BuildRecord(rec models.StateVector, score Score, anomalies []Anomaly, reasons []Reason) QuarantineRecord {
	now := d.cfg.Now().UTC()
	return QuarantineRecord{
		ID:            d.cfg.NewID(),
		ICAO24:        rec.ICAO24,
		QuarantinedAt: now,
		Reasons:       reasons,
		Status:        StatusQuarantined,
		Record:        rec,
		Score:         score,
		Anomalies:     anomalies,
		ExpiresAt:     now.Add(time.Duration(d.cfg.RetentionDays) * 24 * time.Hour),
	}
}
