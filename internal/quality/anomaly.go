package quality

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/skyward/skyguard/pkg/models"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// OutlierMethod selects the statistical test applied to historical samples.
type OutlierMethod string

const (
	MethodZScore OutlierMethod = "zscore"
	MethodIQR    OutlierMethod = "iqr"
)

// DetectorConfig controls anomaly detection thresholds. The position-jump
// distance threshold is independent of the validator's teleportation bound so
// the two layers can be tuned separately.
type DetectorConfig struct {
	Method          OutlierMethod
	ZScoreThreshold float64
	IQRMultiplier   float64
	MinSampleSize   int

	PositionJumpKm     float64
	PositionJumpWindow time.Duration

	StuckWindow        time.Duration
	StuckMinSamples    int
	StuckPositionEpsKm float64
	StuckAltitudeEpsFt float64
	StuckSpeedEpsKt    float64

	// Data corruption bounds.
	MaxVerticalRateMPS float64
	MaxAltitudeSplitFt float64

	Now func() time.Time
}

// DefaultDetectorConfig returns production defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Method:          MethodZScore,
		ZScoreThreshold: 3.0,
		IQRMultiplier:   1.5,
		MinSampleSize:   10,

		PositionJumpKm:     100,
		PositionJumpWindow: 5 * time.Minute,

		StuckWindow:        10 * time.Minute,
		StuckMinSamples:    5,
		StuckPositionEpsKm: 0.1,
		StuckAltitudeEpsFt: 50,
		StuckSpeedEpsKt:    2,

		MaxVerticalRateMPS: 85,
		MaxAltitudeSplitFt: 10000,
	}
}

// ---------------------------------------------------------------------------
// Detector
// ---------------------------------------------------------------------------

// Detector flags records whose fields are statistically or physically
// implausible. It overlaps the validator's consistency checks in intent but
// reports a separate artifact for downstream routing, and additionally covers
// population-level outliers.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector builds a Detector with the given configuration.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Method == "" {
		cfg.Method = MethodZScore
	}
	return &Detector{cfg: cfg}
}

// Detect inspects one record given an optional historical window of earlier
// observations of the same aircraft, ordered oldest first. Missing fields are
// skipped, never fatal.
func (d *Detector) Detect(rec *models.StateVector, history []*models.StateVector) []Anomaly {
	var out []Anomaly

	out = append(out, d.physicalBounds(rec)...)
	out = append(out, d.corruption(rec)...)
	out = append(out, d.statisticalOutliers(rec, history)...)

	if jump, ok := d.positionJump(rec, history); ok {
		out = append(out, jump)
	}
	if stuck, ok := d.stuckAircraft(rec, history); ok {
		out = append(out, stuck)
	}
	return out
}

// ---------------------------------------------------------------------------
// Physical bounds
// ---------------------------------------------------------------------------

func (d *Detector) physicalBounds(rec *models.StateVector) []Anomaly {
	var out []Anomaly

	if altFt, ok := rec.AltitudeFt(); ok && isFinite(altFt) {
		if altFt < minAltitudeFt || altFt > maxAltitudeFt {
			sev := SeverityHigh
			if altFt < extremeMinAltitudeFt || altFt > extremeMaxAltitudeFt {
				sev = SeverityCritical
			}
			out = append(out, Anomaly{
				Type:        AnomalyAltitude,
				Severity:    sev,
				Description: fmt.Sprintf("altitude %.0f ft outside physical bounds", altFt),
				Metadata:    map[string]float64{"altitude_ft": altFt, "min_ft": minAltitudeFt, "max_ft": maxAltitudeFt},
			})
		}
	}

	if kt, ok := rec.VelocityKnots(); ok && isFinite(kt) {
		if kt < minVelocityKnots || kt > maxVelocityKnots {
			sev := SeverityHigh
			if kt > extremeVelocityKnots {
				sev = SeverityCritical
			}
			out = append(out, Anomaly{
				Type:        AnomalyVelocity,
				Severity:    sev,
				Description: fmt.Sprintf("ground speed %.0f kt outside physical bounds", kt),
				Metadata:    map[string]float64{"velocity_kt": kt, "min_kt": minVelocityKnots, "max_kt": maxVelocityKnots},
			})
		}
	}

	return out
}

// ---------------------------------------------------------------------------
// Data corruption
// ---------------------------------------------------------------------------

var squawkPattern = regexp.MustCompile(`^[0-7]{4}$`)

func (d *Detector) corruption(rec *models.StateVector) []Anomaly {
	var out []Anomaly

	if lat, lon, ok := rec.Position(); ok {
		if !isFinite(lat) || !isFinite(lon) {
			out = append(out, Anomaly{
				Type:        AnomalyCorruption,
				Severity:    SeverityCritical,
				Description: "non-finite coordinates",
				Metadata:    map[string]float64{},
			})
		} else if lat < minLatitude || lat > maxLatitude || lon < minLongitude || lon > maxLongitude {
			out = append(out, Anomaly{
				Type:        AnomalyCorruption,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("coordinates (%.4f, %.4f) outside valid ranges", lat, lon),
				Metadata:    map[string]float64{"latitude": lat, "longitude": lon},
			})
		} else if lat == 0 && lon == 0 {
			// Null island: a common default for broken GPS feeds.
			out = append(out, Anomaly{
				Type:        AnomalyCorruption,
				Severity:    SeverityMedium,
				Description: "position exactly (0, 0), likely an unset coordinate default",
				Metadata:    map[string]float64{"latitude": 0, "longitude": 0},
			})
		}
	}

	if rec.VerticalRate != nil && isFinite(*rec.VerticalRate) {
		if math.Abs(*rec.VerticalRate) > d.cfg.MaxVerticalRateMPS {
			out = append(out, Anomaly{
				Type:        AnomalyCorruption,
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("vertical rate %.0f m/s exceeds airframe limits", *rec.VerticalRate),
				Metadata:    map[string]float64{"vertical_rate_mps": *rec.VerticalRate, "max_mps": d.cfg.MaxVerticalRateMPS},
			})
		}
	}

	if rec.Squawk != nil && *rec.Squawk != "" && !squawkPattern.MatchString(*rec.Squawk) {
		out = append(out, Anomaly{
			Type:        AnomalyCorruption,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("squawk %q is not a 4-digit octal code", *rec.Squawk),
			Metadata:    map[string]float64{},
		})
	}

	// Barometric and geometric altitude should roughly agree.
	if baroFt, ok1 := rec.AltitudeFt(); ok1 && isFinite(baroFt) {
		if geoFt, ok2 := rec.GeoAltitudeFt(); ok2 && isFinite(geoFt) {
			if split := math.Abs(baroFt - geoFt); split > d.cfg.MaxAltitudeSplitFt {
				out = append(out, Anomaly{
					Type:        AnomalyCorruption,
					Severity:    SeverityMedium,
					Description: fmt.Sprintf("baro/geo altitude split %.0f ft", split),
					Metadata:    map[string]float64{"baro_ft": baroFt, "geo_ft": geoFt, "split_ft": split},
				})
			}
		}
	}

	return out
}

// ---------------------------------------------------------------------------
// Statistical outliers
// ---------------------------------------------------------------------------

func (d *Detector) statisticalOutliers(rec *models.StateVector, history []*models.StateVector) []Anomaly {
	var out []Anomaly

	if altFt, ok := rec.AltitudeFt(); ok && isFinite(altFt) {
		sample := collect(history, func(s *models.StateVector) (float64, bool) { return s.AltitudeFt() })
		if a, found := d.outlier(AnomalyAltitude, "altitude_ft", altFt, sample); found {
			out = append(out, a)
		}
	}
	if kt, ok := rec.VelocityKnots(); ok && isFinite(kt) {
		sample := collect(history, func(s *models.StateVector) (float64, bool) { return s.VelocityKnots() })
		if a, found := d.outlier(AnomalyVelocity, "velocity_kt", kt, sample); found {
			out = append(out, a)
		}
	}
	return out
}

func (d *Detector) outlier(typ AnomalyType, field string, value float64, sample []float64) (Anomaly, bool) {
	if len(sample) < d.cfg.MinSampleSize {
		return Anomaly{}, false
	}

	switch d.cfg.Method {
	case MethodIQR:
		lo, hi, q1, q3 := iqrFence(sample, d.cfg.IQRMultiplier)
		if value >= lo && value <= hi {
			return Anomaly{}, false
		}
		return Anomaly{
			Type:        typ,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("%s %.1f outside IQR fence [%.1f, %.1f]", field, value, lo, hi),
			Metadata:    map[string]float64{field: value, "fence_low": lo, "fence_high": hi, "q1": q1, "q3": q3},
		}, true
	default:
		mean, stddev := meanStddev(sample)
		if stddev == 0 {
			return Anomaly{}, false
		}
		z := math.Abs(value-mean) / stddev
		if z <= d.cfg.ZScoreThreshold {
			return Anomaly{}, false
		}
		sev := SeverityMedium
		if z > 2*d.cfg.ZScoreThreshold {
			sev = SeverityHigh
		}
		return Anomaly{
			Type:        typ,
			Severity:    sev,
			Description: fmt.Sprintf("%s %.1f deviates %.1f sigma from recent history", field, value, z),
			Metadata:    map[string]float64{field: value, "mean": mean, "stddev": stddev, "zscore": z},
		}, true
	}
}

// ---------------------------------------------------------------------------
// Position jump
// ---------------------------------------------------------------------------

func (d *Detector) positionJump(rec *models.StateVector, history []*models.StateVector) (Anomaly, bool) {
	prev := latestWithPosition(history)
	if prev == nil {
		return Anomaly{}, false
	}

	lat1, lon1, _ := prev.Position()
	lat2, lon2, ok := rec.Position()
	if !ok || !isFinite(lat2) || !isFinite(lon2) {
		return Anomaly{}, false
	}
	t1, ok1 := prev.ContactTime()
	t2, ok2 := rec.ContactTime()
	if !ok1 || !ok2 {
		return Anomaly{}, false
	}
	elapsed := t2.Sub(t1)
	if elapsed <= 0 || elapsed > d.cfg.PositionJumpWindow {
		return Anomaly{}, false
	}

	distKm := HaversineKm(lat1, lon1, lat2, lon2)
	if distKm <= d.cfg.PositionJumpKm {
		return Anomaly{}, false
	}
	return Anomaly{
		Type:        AnomalyPositionJump,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("position jumped %.0f km in %s", distKm, elapsed.Round(time.Second)),
		Metadata: map[string]float64{
			"distance_km":       distKm,
			"elapsed_s":         elapsed.Seconds(),
			"implied_speed_kmh": distKm / elapsed.Seconds() * 3600,
		},
	}, true
}

// ---------------------------------------------------------------------------
// Stuck aircraft
// ---------------------------------------------------------------------------

// stuckAircraft flags a sensor that keeps repeating the same airborne state:
// position, altitude, and speed all within tight bounds across the window.
func (d *Detector) stuckAircraft(rec *models.StateVector, history []*models.StateVector) (Anomaly, bool) {
	if rec.OnGround != nil && *rec.OnGround {
		return Anomaly{}, false
	}

	window := append(historyWithin(history, rec, d.cfg.StuckWindow), rec)
	if len(window) < d.cfg.StuckMinSamples {
		return Anomaly{}, false
	}
	first, okF := window[0].ContactTime()
	last, okL := window[len(window)-1].ContactTime()
	if !okF || !okL || last.Sub(first) < d.cfg.StuckWindow {
		return Anomaly{}, false
	}

	lat0, lon0, ok := window[0].Position()
	if !ok {
		return Anomaly{}, false
	}
	alt0, okAlt := window[0].AltitudeFt()
	kt0, okVel := window[0].VelocityKnots()
	if !okAlt || !okVel {
		return Anomaly{}, false
	}

	maxDistKm, maxAltDelta, maxSpeedDelta := 0.0, 0.0, 0.0
	for _, s := range window[1:] {
		lat, lon, okP := s.Position()
		alt, okA := s.AltitudeFt()
		kt, okV := s.VelocityKnots()
		if !okP || !okA || !okV {
			return Anomaly{}, false
		}
		maxDistKm = math.Max(maxDistKm, HaversineKm(lat0, lon0, lat, lon))
		maxAltDelta = math.Max(maxAltDelta, math.Abs(alt-alt0))
		maxSpeedDelta = math.Max(maxSpeedDelta, math.Abs(kt-kt0))
	}

	if maxDistKm > d.cfg.StuckPositionEpsKm ||
		maxAltDelta > d.cfg.StuckAltitudeEpsFt ||
		maxSpeedDelta > d.cfg.StuckSpeedEpsKt {
		return Anomaly{}, false
	}
	return Anomaly{
		Type:        AnomalyStuck,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("state frozen for %s, sensor likely stuck", last.Sub(first).Round(time.Second)),
		Metadata: map[string]float64{
			"window_s":        last.Sub(first).Seconds(),
			"samples":         float64(len(window)),
			"max_drift_km":    maxDistKm,
			"max_alt_delta":   maxAltDelta,
			"max_speed_delta": maxSpeedDelta,
		},
	}, true
}

// ---------------------------------------------------------------------------
// Sample helpers
// ---------------------------------------------------------------------------

func collect(history []*models.StateVector, get func(*models.StateVector) (float64, bool)) []float64 {
	out := make([]float64, 0, len(history))
	for _, s := range history {
		if v, ok := get(s); ok && isFinite(v) {
			out = append(out, v)
		}
	}
	return out
}

func latestWithPosition(history []*models.StateVector) *models.StateVector {
	for i := len(history) - 1; i >= 0; i-- {
		if lat, lon, ok := history[i].Position(); ok && isFinite(lat) && isFinite(lon) {
			if _, hasT := history[i].ContactTime(); hasT {
				return history[i]
			}
		}
	}
	return nil
}

func historyWithin(history []*models.StateVector, rec *models.StateVector, window time.Duration) []*models.StateVector {
	ref, ok := rec.ContactTime()
	if !ok {
		return nil
	}
	cutoff := ref.Add(-window)
	out := make([]*models.StateVector, 0, len(history))
	for _, s := range history {
		if t, ok := s.ContactTime(); ok && !t.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func meanStddev(sample []float64) (mean, stddev float64) {
	for _, v := range sample {
		mean += v
	}
	mean /= float64(len(sample))

	var sq float64
	for _, v := range sample {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(sample)))
}

func iqrFence(sample []float64, mult float64) (lo, hi, q1, q3 float64) {
	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)

	q1 = quantile(sorted, 0.25)
	q3 = quantile(sorted, 0.75)
	iqr := q3 - q1
	return q1 - mult*iqr, q3 + mult*iqr, q1, q3
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
