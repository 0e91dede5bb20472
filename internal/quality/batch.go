package quality

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/skyward/skyguard/pkg/models"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// OrchestratorConfig holds batch-level alert thresholds.
type OrchestratorConfig struct {
	// Alert when the batch average quality score drops below this.
	MinAverageScore float64
	// Alert when these rates are exceeded.
	MaxQuarantineRate float64
	MaxAnomalyRate    float64
	MaxErrorRate      float64

	// Per-aircraft history samples kept within a batch for the detector.
	HistoryDepth int

	Now func() time.Time
}

// DefaultOrchestratorConfig returns production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MinAverageScore:   0.70,
		MaxQuarantineRate: 0.10,
		MaxAnomalyRate:    0.15,
		MaxErrorRate:      0.05,
		HistoryDepth:      32,
	}
}

// ---------------------------------------------------------------------------
// Batch report
// ---------------------------------------------------------------------------

// BatchReport aggregates the outcome of one batch. Partial failure stays
// visible: Failed counts records whose evaluation blew up and were treated
// conservatively.
type BatchReport struct {
	StartedAt         time.Time        `json:"started_at"`
	Duration          time.Duration    `json:"duration"`
	Processed         int              `json:"records_processed"`
	Quarantined       int              `json:"records_quarantined"`
	Failed            int              `json:"records_failed"`
	IssuesFound       int              `json:"quality_issues_found"`
	AnomaliesDetected int              `json:"anomalies_detected"`
	StoreFailures     int              `json:"store_failures"`
	QuarantineRate    float64          `json:"quarantine_rate"`
	AnomalyRate       float64          `json:"anomaly_rate"`
	ErrorRate         float64          `json:"error_rate"`
	AverageScore      float64          `json:"average_quality_score"`
	DimensionAverages map[string]float64 `json:"dimension_averages"`
	IssuesBySeverity  map[string]int   `json:"issues_by_severity"`
	AnomaliesByType   map[string]int   `json:"anomalies_by_type"`
	GradeCounts       map[string]int   `json:"grade_counts"`
}

// recordOutcome is the typed result of one record's evaluation, so batch
// processing branches explicitly instead of relying on panic unwinding.
type recordOutcome struct {
	score     Score
	anomalies []Anomaly
	err       error
}

// ---------------------------------------------------------------------------
// Orchestrator
// ---------------------------------------------------------------------------

// Orchestrator runs validator, detector, and decider over a batch of records,
// maintains the per-aircraft history used for cross-record checks, and
// publishes batch metrics and threshold alerts. A batch is processed
// sequentially; the history map is owned per invocation, never shared.
type Orchestrator struct {
	cfg       OrchestratorConfig
	validator *Validator
	detector  *Detector
	decider   *Decider

	store    Store
	notifier Notifier
	metrics  MetricsSink
	alerts   AlertSink
}

// NewOrchestrator wires the core components with their collaborators. Store,
// notifier, metrics, and alerts may each be nil, in which case that
// collaborator call is skipped.
func NewOrchestrator(cfg OrchestratorConfig, v *Validator, d *Detector, dec *Decider,
	store Store, notifier Notifier, metrics MetricsSink, alerts AlertSink) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 32
	}
	return &Orchestrator{
		cfg:       cfg,
		validator: v,
		detector:  d,
		decider:   dec,
		store:     store,
		notifier:  notifier,
		metrics:   metrics,
		alerts:    alerts,
	}
}

// ProcessBatch evaluates records in order. One record's failure never aborts
// the batch: it is logged, counted, and the record is quarantined
// conservatively.
func (o *Orchestrator) ProcessBatch(ctx context.Context, records []models.StateVector) BatchReport {
	started := o.cfg.Now()
	report := BatchReport{
		StartedAt:         started.UTC(),
		DimensionAverages: make(map[string]float64, 4),
		IssuesBySeverity:  make(map[string]int, 4),
		AnomaliesByType:   make(map[string]int, 8),
		GradeCounts:       make(map[string]int, 5),
	}

	// History lives for exactly one batch invocation.
	history := make(map[string][]*models.StateVector, len(records))

	var totalScore, totalComp, totalValid, totalCons, totalTime float64

	for i := range records {
		rec := &records[i]

		outcome := o.evaluateRecord(rec, history[rec.ICAO24])
		report.Processed++

		if outcome.err != nil {
			report.Failed++
			log.Printf("quality: record %d (icao24=%s) evaluation failed: %v", i, rec.ICAO24, outcome.err)
			// Fail toward quarantine, never toward a silent pass.
			o.quarantine(ctx, rec, outcome.score, nil, []Reason{ReasonValidationFailure}, &report)
			o.remember(history, rec)
			continue
		}

		score := outcome.score
		totalScore += score.Overall
		totalComp += score.Completeness
		totalValid += score.Validity
		totalCons += score.Consistency
		totalTime += score.Timeliness
		report.IssuesFound += len(score.Issues)
		report.AnomaliesDetected += len(outcome.anomalies)
		report.GradeCounts[string(score.Grade)]++
		for _, iss := range score.Issues {
			report.IssuesBySeverity[iss.Severity.String()]++
		}
		for _, a := range outcome.anomalies {
			report.AnomaliesByType[string(a.Type)]++
		}

		if should, reasons := o.decider.Evaluate(score, outcome.anomalies); should {
			o.quarantine(ctx, rec, score, outcome.anomalies, reasons, &report)
		}

		o.remember(history, rec)
	}

	scored := report.Processed - report.Failed
	if scored > 0 {
		report.AverageScore = totalScore / float64(scored)
		report.DimensionAverages[DimCompleteness.String()] = totalComp / float64(scored)
		report.DimensionAverages[DimValidity.String()] = totalValid / float64(scored)
		report.DimensionAverages[DimConsistency.String()] = totalCons / float64(scored)
		report.DimensionAverages[DimTimeliness.String()] = totalTime / float64(scored)
	}
	if report.Processed > 0 {
		report.QuarantineRate = float64(report.Quarantined) / float64(report.Processed)
		report.AnomalyRate = float64(countAnomalousRecords(report)) / float64(report.Processed)
		report.ErrorRate = float64(report.Failed) / float64(report.Processed)
	}
	report.Duration = o.cfg.Now().Sub(started)

	o.publishMetrics(report)
	o.checkAlerts(ctx, report)

	return report
}

// evaluateRecord runs validation and detection for one record, converting any
// panic into a typed error.
func (o *Orchestrator) evaluateRecord(rec *models.StateVector, hist []*models.StateVector) (out recordOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = recordOutcome{err: fmt.Errorf("panic during evaluation: %v", r)}
		}
	}()

	var prev *models.StateVector
	if len(hist) > 0 {
		prev = hist[len(hist)-1]
	}

	score := o.validator.Validate(rec, prev)
	anomalies := o.detector.Detect(rec, hist)
	return recordOutcome{score: score, anomalies: anomalies}
}

// quarantine persists and announces one quarantine decision. Collaborator
// failures are logged and counted but never undo the decision.
func (o *Orchestrator) quarantine(ctx context.Context, rec *models.StateVector, score Score,
	anomalies []Anomaly, reasons []Reason, report *BatchReport) {
	report.Quarantined++

	qr := o.decider.BuildRecord(*rec, score, anomalies, reasons)

	if o.store != nil {
		location, err := o.store.Persist(ctx, qr)
		if err != nil {
			report.StoreFailures++
			log.Printf("quality: persist quarantine %s failed: %v", qr.ID, err)
		} else {
			qr.Location = location
		}
	}
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, qr, reasons); err != nil {
			log.Printf("quality: quarantine notification %s failed: %v", qr.ID, err)
		}
	}
}

func (o *Orchestrator) remember(history map[string][]*models.StateVector, rec *models.StateVector) {
	h := append(history[rec.ICAO24], rec)
	if len(h) > o.cfg.HistoryDepth {
		h = h[len(h)-o.cfg.HistoryDepth:]
	}
	history[rec.ICAO24] = h
}

// countAnomalousRecords approximates the number of records with at least one
// anomaly from per-type counts; a record rarely trips more than one type, and
// the rate is only used for threshold alerting.
func countAnomalousRecords(report BatchReport) int {
	n := 0
	for _, c := range report.AnomaliesByType {
		n += c
	}
	if n > report.Processed {
		n = report.Processed
	}
	return n
}

// ---------------------------------------------------------------------------
// Metrics and alerts
// ---------------------------------------------------------------------------

func (o *Orchestrator) publishMetrics(report BatchReport) {
	if o.metrics == nil {
		return
	}

	o.metrics.Publish("OverallQualityScore", report.AverageScore, "None", nil)
	o.metrics.Publish("CompletenessScore", report.DimensionAverages[DimCompleteness.String()], "None", nil)
	o.metrics.Publish("ValidityScore", report.DimensionAverages[DimValidity.String()], "None", nil)
	o.metrics.Publish("ConsistencyScore", report.DimensionAverages[DimConsistency.String()], "None", nil)
	o.metrics.Publish("TimelinessScore", report.DimensionAverages[DimTimeliness.String()], "None", nil)
	o.metrics.Publish("QuarantineRate", report.QuarantineRate, "Percent", nil)
	o.metrics.Publish("AnomalyRate", report.AnomalyRate, "Percent", nil)
	o.metrics.Publish("RecordsProcessed", float64(report.Processed), "Count", nil)
	o.metrics.Publish("RecordsQuarantined", float64(report.Quarantined), "Count", nil)
	o.metrics.Publish("RecordsFailed", float64(report.Failed), "Count", nil)

	for sev, count := range report.IssuesBySeverity {
		o.metrics.Publish("QualityIssues", float64(count), "Count", map[string]string{"severity": sev})
	}
	for typ, count := range report.AnomaliesByType {
		o.metrics.Publish("Anomalies", float64(count), "Count", map[string]string{"type": typ})
	}
}

func (o *Orchestrator) checkAlerts(ctx context.Context, report BatchReport) {
	if o.alerts == nil || report.Processed == 0 {
		return
	}

	raise := func(a Alert) {
		a.Timestamp = o.cfg.Now().UTC()
		if err := o.alerts.Raise(ctx, a); err != nil {
			log.Printf("quality: alert %q not delivered: %v", a.Title, err)
		}
	}

	if report.AverageScore < o.cfg.MinAverageScore && report.Processed > report.Failed {
		raise(Alert{
			Title:     "Batch quality degraded",
			Severity:  SeverityHigh,
			Metric:    "OverallQualityScore",
			Current:   report.AverageScore,
			Threshold: o.cfg.MinAverageScore,
			Message:   fmt.Sprintf("average quality score %.2f below %.2f over %d records", report.AverageScore, o.cfg.MinAverageScore, report.Processed),
		})
	}
	if report.QuarantineRate > o.cfg.MaxQuarantineRate {
		raise(Alert{
			Title:     "Quarantine rate exceeded",
			Severity:  rateSeverity(report.QuarantineRate, o.cfg.MaxQuarantineRate),
			Metric:    "QuarantineRate",
			Current:   report.QuarantineRate,
			Threshold: o.cfg.MaxQuarantineRate,
			Message:   fmt.Sprintf("%d of %d records quarantined (%.1f%%)", report.Quarantined, report.Processed, report.QuarantineRate*100),
		})
	}
	if report.AnomalyRate > o.cfg.MaxAnomalyRate {
		raise(Alert{
			Title:     "Anomaly rate exceeded",
			Severity:  rateSeverity(report.AnomalyRate, o.cfg.MaxAnomalyRate),
			Metric:    "AnomalyRate",
			Current:   report.AnomalyRate,
			Threshold: o.cfg.MaxAnomalyRate,
			Message:   fmt.Sprintf("%d anomalies across %d records", report.AnomaliesDetected, report.Processed),
		})
	}
	if report.ErrorRate > o.cfg.MaxErrorRate {
		raise(Alert{
			Title:     "Record evaluation failures",
			Severity:  SeverityCritical,
			Metric:    "ErrorRate",
			Current:   report.ErrorRate,
			Threshold: o.cfg.MaxErrorRate,
			Message:   fmt.Sprintf("%d of %d records failed evaluation", report.Failed, report.Processed),
		})
	}
}

// rateSeverity escalates with how far past the threshold the rate landed.
func rateSeverity(current, threshold float64) Severity {
	if threshold > 0 && current > 2*threshold {
		return SeverityCritical
	}
	return SeverityHigh
}
