package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyward/skyguard/pkg/models"
)

func newTestDecider() *Decider {
	cfg := DefaultDeciderConfig()
	cfg.Now = func() time.Time { return testNow }
	cfg.NewID = func() string { return "q-0001" }
	return NewDecider(cfg)
}

func TestEvaluateCleanRecord(t *testing.T) {
	d := newTestDecider()

	quarantine, reasons := d.Evaluate(Score{Overall: 0.98, Grade: GradeA}, nil)
	assert.False(t, quarantine)
	assert.Empty(t, reasons)
}

func TestEvaluateLowScore(t *testing.T) {
	d := newTestDecider()

	quarantine, reasons := d.Evaluate(Score{Overall: 0.30, Grade: GradeF}, nil)
	assert.True(t, quarantine)
	assert.Equal(t, []Reason{ReasonLowQualityScore}, reasons)
}

func TestEvaluateCriticalIssue(t *testing.T) {
	d := newTestDecider()

	score := Score{
		Overall: 0.70,
		Issues:  []Issue{{Severity: SeverityCritical, Type: "missing_critical_field"}},
	}
	quarantine, reasons := d.Evaluate(score, nil)
	assert.True(t, quarantine)
	assert.Equal(t, []Reason{ReasonCriticalIssue}, reasons)
}

func TestEvaluateCriticalAnomaly(t *testing.T) {
	d := newTestDecider()

	anomalies := []Anomaly{{Type: AnomalyAltitude, Severity: SeverityCritical}}
	quarantine, reasons := d.Evaluate(Score{Overall: 0.90}, anomalies)
	assert.True(t, quarantine)
	assert.Equal(t, []Reason{ReasonAnomalyDetected}, reasons)
}

func TestEvaluateCriticalAnomalyDisabled(t *testing.T) {
	cfg := DefaultDeciderConfig()
	cfg.QuarantineOnCriticalAnomaly = false
	d := NewDecider(cfg)

	anomalies := []Anomaly{{Type: AnomalyAltitude, Severity: SeverityCritical}}
	quarantine, _ := d.Evaluate(Score{Overall: 0.90}, anomalies)
	assert.False(t, quarantine)
}

func TestEvaluateDataCorruption(t *testing.T) {
	d := newTestDecider()

	anomalies := []Anomaly{{Type: AnomalyCorruption, Severity: SeverityMedium}}
	quarantine, reasons := d.Evaluate(Score{Overall: 0.90}, anomalies)
	assert.True(t, quarantine)
	assert.Equal(t, []Reason{ReasonDataCorruption}, reasons)
}

func TestEvaluateSevereAccumulation(t *testing.T) {
	d := newTestDecider()

	anomalies := []Anomaly{
		{Type: AnomalyPositionJump, Severity: SeverityHigh},
		{Type: AnomalyAltitude, Severity: SeverityHigh},
	}
	quarantine, _ := d.Evaluate(Score{Overall: 0.90}, anomalies)
	assert.False(t, quarantine, "two HIGH anomalies stay below the accumulation bound")

	anomalies = append(anomalies, Anomaly{Type: AnomalyVelocity, Severity: SeverityHigh})
	quarantine, reasons := d.Evaluate(Score{Overall: 0.90}, anomalies)
	assert.True(t, quarantine)
	assert.Equal(t, []Reason{ReasonAnomalyDetected}, reasons)
}

func TestEvaluateReasonsFormASet(t *testing.T) {
	d := newTestDecider()

	score := Score{
		Overall: 0.20,
		Issues:  []Issue{{Severity: SeverityCritical}},
	}
	anomalies := []Anomaly{
		{Type: AnomalyCorruption, Severity: SeverityCritical},
		{Type: AnomalyCorruption, Severity: SeverityCritical},
		{Type: AnomalyPositionJump, Severity: SeverityHigh},
		{Type: AnomalyAltitude, Severity: SeverityHigh},
	}
	quarantine, reasons := d.Evaluate(score, anomalies)
	require.True(t, quarantine)

	seen := make(map[Reason]bool)
	for _, r := range reasons {
		assert.False(t, seen[r], "duplicate reason %s", r)
		seen[r] = true
	}
	assert.ElementsMatch(t, []Reason{
		ReasonLowQualityScore,
		ReasonCriticalIssue,
		ReasonAnomalyDetected,
		ReasonDataCorruption,
	}, reasons)
}

func TestEvaluateFallbackToValidationFailure(t *testing.T) {
	d := newTestDecider()

	// The validator asked for quarantine without any rule here matching.
	score := Score{Overall: 0.50, ShouldQuarantine: true}
	quarantine, reasons := d.Evaluate(score, nil)
	assert.True(t, quarantine)
	assert.Equal(t, []Reason{ReasonValidationFailure}, reasons)
}

func TestBuildRecord(t *testing.T) {
	d := newTestDecider()

	rec := models.StateVector{ICAO24: "a1b2c3"}
	score := Score{Overall: 0.25, Grade: GradeF}
	anomalies := []Anomaly{{Type: AnomalyCorruption, Severity: SeverityCritical}}
	reasons := []Reason{ReasonLowQualityScore, ReasonDataCorruption}

	qr := d.BuildRecord(rec, score, anomalies, reasons)

	assert.Equal(t, "q-0001", qr.ID)
	assert.Equal(t, "a1b2c3", qr.ICAO24)
	assert.Equal(t, StatusQuarantined, qr.Status)
	assert.Equal(t, testNow, qr.QuarantinedAt)
	assert.Equal(t, testNow.Add(30*24*time.Hour), qr.ExpiresAt)
	assert.Equal(t, reasons, qr.Reasons)
	assert.Equal(t, score, qr.Score)
	assert.Equal(t, anomalies, qr.Anomalies)
}

func TestBuildRecordUniqueIDs(t *testing.T) {
	d := NewDecider(DefaultDeciderConfig())

	a := d.BuildRecord(models.StateVector{ICAO24: "a1b2c3"}, Score{}, nil, nil)
	b := d.BuildRecord(models.StateVector{ICAO24: "a1b2c3"}, Score{}, nil, nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEmpty(t, a.ID)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusQuarantined, StatusUnderReview, true},
		{StatusQuarantined, StatusRejected, true},
		{StatusQuarantined, StatusExpired, true},
		{StatusQuarantined, StatusApproved, false},
		{StatusQuarantined, StatusReprocessed, false},
		{StatusUnderReview, StatusApproved, true},
		{StatusUnderReview, StatusRejected, true},
		{StatusUnderReview, StatusExpired, true},
		{StatusUnderReview, StatusQuarantined, false},
		{StatusApproved, StatusReprocessed, true},
		{StatusApproved, StatusRejected, false},
		{StatusRejected, StatusUnderReview, false},
		{StatusReprocessed, StatusQuarantined, false},
		{StatusExpired, StatusUnderReview, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(StatusQuarantined))
	assert.True(t, ValidStatus(StatusReprocessed))
	assert.False(t, ValidStatus(Status("PENDING")))
	assert.False(t, ValidStatus(Status("")))
}
