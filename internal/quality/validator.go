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

const weightTolerance = 0.01

// ValidatorConfig controls dimension weights, field requirements, and check
// thresholds. Weights must sum to 1.0 within ±0.01.
type ValidatorConfig struct {
	CompletenessWeight float64
	ValidityWeight     float64
	ConsistencyWeight  float64
	TimelinessWeight   float64

	CriticalFields  []string
	ImportantFields []string

	// Grade boundaries, descending.
	ExcellentThreshold  float64
	GoodThreshold       float64
	AcceptableThreshold float64
	PoorThreshold       float64

	// Overall score below this auto-quarantines the record.
	QuarantineThreshold float64
	// A CRITICAL issue alone also quarantines when set.
	QuarantineOnCritical bool

	// Consistency thresholds. SpeedAltitudeRatio is knots per thousand feet;
	// the historical default of 2.0 flags most normal cruise-phase traffic
	// and is kept configurable for recalibration.
	SpeedAltitudeRatio  float64
	MaxTaxiSpeedKnots   float64
	MaxGroundAltitudeFt float64
	MaxImpliedSpeedKmh  float64

	// Timeliness thresholds.
	FreshAge        time.Duration
	AcceptableAge   time.Duration
	StaleAge        time.Duration
	FutureTolerance time.Duration

	// Clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// DefaultValidatorConfig returns production defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		CompletenessWeight: 0.30,
		ValidityWeight:     0.30,
		ConsistencyWeight:  0.25,
		TimelinessWeight:   0.15,

		CriticalFields:  []string{"icao24", "longitude", "latitude", "baro_altitude", "last_contact"},
		ImportantFields: []string{"callsign", "origin_country", "velocity", "true_track", "vertical_rate", "squawk", "geo_altitude"},

		ExcellentThreshold:  0.95,
		GoodThreshold:       0.85,
		AcceptableThreshold: 0.75,
		PoorThreshold:       0.65,

		QuarantineThreshold:  0.35,
		QuarantineOnCritical: true,

		SpeedAltitudeRatio:  2.0,
		MaxTaxiSpeedKnots:   60,
		MaxGroundAltitudeFt: 1000,
		MaxImpliedSpeedKmh:  2000,

		FreshAge:        60 * time.Second,
		AcceptableAge:   5 * time.Minute,
		StaleAge:        30 * time.Minute,
		FutureTolerance: 30 * time.Second,
	}
}

// ---------------------------------------------------------------------------
// Validator
// ---------------------------------------------------------------------------

// Validator scores a single record along the four quality dimensions. Pure
// computation: no I/O, deterministic for a fixed clock.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator builds a Validator, rejecting configurations whose dimension
// weights do not sum to 1.0 within tolerance.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	sum := cfg.CompletenessWeight + cfg.ValidityWeight + cfg.ConsistencyWeight + cfg.TimelinessWeight
	if math.Abs(sum-1.0) > weightTolerance {
		return nil, fmt.Errorf("dimension weights sum to %.3f, want 1.0 ±%.2f", sum, weightTolerance)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{cfg: cfg}, nil
}

// Config returns the active configuration.
func (v *Validator) Config() ValidatorConfig { return v.cfg }

// Validate scores one record. prev, when non-nil, is the most recent earlier
// observation of the same aircraft and enables cross-record consistency
// checks. Absent, NaN, or Inf field values degrade the relevant dimension
// instead of failing.
func (v *Validator) Validate(rec *models.StateVector, prev *models.StateVector) Score {
	var issues []Issue

	completeness, compIssues := v.scoreCompleteness(rec)
	issues = append(issues, compIssues...)

	validity, validIssues := v.scoreValidity(rec)
	issues = append(issues, validIssues...)

	consistency, consIssues := v.scoreConsistency(rec, prev)
	issues = append(issues, consIssues...)

	timeliness, timeIssues := v.scoreTimeliness(rec)
	issues = append(issues, timeIssues...)

	overall := clamp01(completeness*v.cfg.CompletenessWeight +
		validity*v.cfg.ValidityWeight +
		consistency*v.cfg.ConsistencyWeight +
		timeliness*v.cfg.TimelinessWeight)

	score := Score{
		Completeness: completeness,
		Validity:     validity,
		Consistency:  consistency,
		Timeliness:   timeliness,
		Overall:      overall,
		Grade:        v.grade(overall),
		Issues:       issues,
	}
	score.ShouldQuarantine = overall < v.cfg.QuarantineThreshold ||
		(v.cfg.QuarantineOnCritical && score.HasCritical())
	score.Recommendations = v.recommendations(&score)
	return score
}

// ---------------------------------------------------------------------------
// Completeness
// ---------------------------------------------------------------------------

const (
	criticalFieldPenalty  = 0.20
	importantFieldPenalty = 0.05
)

func (v *Validator) scoreCompleteness(rec *models.StateVector) (float64, []Issue) {
	var issues []Issue
	penalty := 0.0

	for _, field := range v.cfg.CriticalFields {
		if fieldPresent(rec, field) {
			continue
		}
		penalty += criticalFieldPenalty
		issues = append(issues, Issue{
			Dimension:   DimCompleteness,
			Severity:    SeverityCritical,
			Field:       field,
			Type:        "missing_critical_field",
			Description: fmt.Sprintf("required field %q is missing", field),
		})
	}
	for _, field := range v.cfg.ImportantFields {
		if fieldPresent(rec, field) {
			continue
		}
		penalty += importantFieldPenalty
		issues = append(issues, Issue{
			Dimension:   DimCompleteness,
			Severity:    SeverityMedium,
			Field:       field,
			Type:        "missing_important_field",
			Description: fmt.Sprintf("optional field %q is missing", field),
		})
	}

	return clamp01(1.0 - penalty), issues
}

// fieldPresent reports whether the named field carries a usable value.
// Non-finite floats count as absent here; validity flags them separately.
func fieldPresent(rec *models.StateVector, field string) bool {
	switch field {
	case "icao24":
		return rec.ICAO24 != ""
	case "callsign":
		return rec.Callsign != nil && *rec.Callsign != ""
	case "origin_country":
		return rec.OriginCountry != nil && *rec.OriginCountry != ""
	case "time_position":
		return rec.TimePosition != nil
	case "last_contact":
		return rec.LastContact != nil
	case "longitude":
		return finitePtr(rec.Longitude)
	case "latitude":
		return finitePtr(rec.Latitude)
	case "baro_altitude":
		return finitePtr(rec.BaroAltitude)
	case "on_ground":
		return rec.OnGround != nil
	case "velocity":
		return finitePtr(rec.Velocity)
	case "true_track":
		return finitePtr(rec.TrueTrack)
	case "vertical_rate":
		return finitePtr(rec.VerticalRate)
	case "geo_altitude":
		return finitePtr(rec.GeoAltitude)
	case "squawk":
		return rec.Squawk != nil && *rec.Squawk != ""
	case "spi":
		return rec.SPI != nil
	case "position_source":
		return rec.PositionSource != nil
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Validity
// ---------------------------------------------------------------------------

var icao24Pattern = regexp.MustCompile(`^[0-9a-fA-F]{6}$`)

// Validity bounds, in the units aviation range checks use.
const (
	minLatitude   = -90.0
	maxLatitude   = 90.0
	minLongitude  = -180.0
	maxLongitude  = 180.0
	minAltitudeFt = -1000.0
	maxAltitudeFt = 60000.0
	// Beyond these the value is physically impossible, not merely suspect.
	extremeMinAltitudeFt = -5000.0
	extremeMaxAltitudeFt = 70000.0
	minVelocityKnots     = 0.0
	maxVelocityKnots     = 800.0
	extremeVelocityKnots = 1200.0
)

func (v *Validator) scoreValidity(rec *models.StateVector) (float64, []Issue) {
	var issues []Issue
	checked := 0

	// icao24: an empty value is a completeness problem, not a validity one.
	if rec.ICAO24 != "" {
		checked++
		if !icao24Pattern.MatchString(rec.ICAO24) {
			issues = append(issues, Issue{
				Dimension:   DimValidity,
				Severity:    SeverityHigh,
				Field:       "icao24",
				Type:        "invalid_icao24_format",
				Description: fmt.Sprintf("icao24 %q is not a 6-character hex address", rec.ICAO24),
				Expected:    "6 hex characters",
			})
		}
	}

	if rec.Latitude != nil {
		checked++
		if iss, bad := rangeIssue("latitude", *rec.Latitude, minLatitude, maxLatitude, SeverityHigh); bad {
			issues = append(issues, iss)
		}
	}
	if rec.Longitude != nil {
		checked++
		if iss, bad := rangeIssue("longitude", *rec.Longitude, minLongitude, maxLongitude, SeverityHigh); bad {
			issues = append(issues, iss)
		}
	}
	if rec.BaroAltitude != nil {
		checked++
		altFt, _ := rec.AltitudeFt()
		if !isFinite(altFt) {
			issues = append(issues, nonFiniteIssue("baro_altitude"))
		} else if altFt < minAltitudeFt || altFt > maxAltitudeFt {
			sev := SeverityHigh
			if altFt < extremeMinAltitudeFt || altFt > extremeMaxAltitudeFt {
				sev = SeverityCritical
			}
			issues = append(issues, Issue{
				Dimension:   DimValidity,
				Severity:    sev,
				Field:       "baro_altitude",
				Type:        "value_out_of_range",
				Description: fmt.Sprintf("barometric altitude %.0f ft outside [%.0f, %.0f]", altFt, minAltitudeFt, maxAltitudeFt),
				Value:       models.Float64(altFt),
				Expected:    "[-1000, 60000] ft",
			})
		}
	}
	if rec.Velocity != nil {
		checked++
		kt, _ := rec.VelocityKnots()
		if !isFinite(kt) {
			issues = append(issues, nonFiniteIssue("velocity"))
		} else if kt < minVelocityKnots || kt > maxVelocityKnots {
			sev := SeverityHigh
			if kt > extremeVelocityKnots {
				sev = SeverityCritical
			}
			issues = append(issues, Issue{
				Dimension:   DimValidity,
				Severity:    sev,
				Field:       "velocity",
				Type:        "value_out_of_range",
				Description: fmt.Sprintf("ground speed %.0f kt outside [%.0f, %.0f]", kt, minVelocityKnots, maxVelocityKnots),
				Value:       models.Float64(kt),
				Expected:    "[0, 800] kt",
			})
		}
	}

	if checked == 0 {
		return 1.0, issues
	}
	score := float64(checked-len(issues)) / float64(checked)
	return clamp01(score), issues
}

func rangeIssue(field string, value, lo, hi float64, sev Severity) (Issue, bool) {
	if !isFinite(value) {
		return nonFiniteIssue(field), true
	}
	if value >= lo && value <= hi {
		return Issue{}, false
	}
	return Issue{
		Dimension:   DimValidity,
		Severity:    sev,
		Field:       field,
		Type:        "value_out_of_range",
		Description: fmt.Sprintf("%s %.4f outside [%.1f, %.1f]", field, value, lo, hi),
		Value:       models.Float64(value),
		Expected:    fmt.Sprintf("[%.1f, %.1f]", lo, hi),
	}, true
}

func nonFiniteIssue(field string) Issue {
	return Issue{
		Dimension:   DimValidity,
		Severity:    SeverityCritical,
		Field:       field,
		Type:        "non_finite_value",
		Description: fmt.Sprintf("%s is NaN or Inf", field),
	}
}

// ---------------------------------------------------------------------------
// Consistency
// ---------------------------------------------------------------------------

const consistencyPenalty = 0.3

func (v *Validator) scoreConsistency(rec *models.StateVector, prev *models.StateVector) (float64, []Issue) {
	var issues []Issue

	// Speed vs altitude ratio. Only evaluable when both are reported and the
	// aircraft is meaningfully above ground.
	altFt, hasAlt := rec.AltitudeFt()
	kt, hasVel := rec.VelocityKnots()
	if hasAlt && hasVel && isFinite(altFt) && isFinite(kt) && altFt > 0 {
		ratio := kt / (altFt / 1000.0)
		if ratio > v.cfg.SpeedAltitudeRatio {
			issues = append(issues, Issue{
				Dimension:   DimConsistency,
				Severity:    SeverityHigh,
				Field:       "velocity",
				Type:        "inconsistent_speed_altitude",
				Description: fmt.Sprintf("speed/altitude ratio %.1f exceeds %.1f kt per 1000 ft", ratio, v.cfg.SpeedAltitudeRatio),
				Value:       models.Float64(ratio),
			})
		}
	}

	// On-ground flag vs reported altitude and speed.
	if rec.OnGround != nil && *rec.OnGround {
		grounded := true
		if hasAlt && isFinite(altFt) && altFt > v.cfg.MaxGroundAltitudeFt {
			grounded = false
		}
		if hasVel && isFinite(kt) && kt > v.cfg.MaxTaxiSpeedKnots {
			grounded = false
		}
		if !grounded {
			issues = append(issues, Issue{
				Dimension:   DimConsistency,
				Severity:    SeverityHigh,
				Field:       "on_ground",
				Type:        "inconsistent_ground_status",
				Description: fmt.Sprintf("on_ground reported with altitude %.0f ft and speed %.0f kt", altFt, kt),
			})
		}
	}

	// Position teleportation against the previous observation.
	if prev != nil {
		if iss, bad := v.teleportationIssue(rec, prev); bad {
			issues = append(issues, iss)
		}
	}

	score := 1.0 - consistencyPenalty*float64(len(issues))
	return clamp01(score), issues
}

func (v *Validator) teleportationIssue(rec, prev *models.StateVector) (Issue, bool) {
	lat1, lon1, ok1 := prev.Position()
	lat2, lon2, ok2 := rec.Position()
	if !ok1 || !ok2 || !isFinite(lat1) || !isFinite(lon1) || !isFinite(lat2) || !isFinite(lon2) {
		return Issue{}, false
	}
	t1, okT1 := prev.ContactTime()
	t2, okT2 := rec.ContactTime()
	if !okT1 || !okT2 {
		return Issue{}, false
	}
	elapsed := t2.Sub(t1).Seconds()
	if elapsed <= 0 {
		return Issue{}, false
	}

	distKm := HaversineKm(lat1, lon1, lat2, lon2)
	impliedKmh := distKm / elapsed * 3600.0
	if impliedKmh <= v.cfg.MaxImpliedSpeedKmh {
		return Issue{}, false
	}
	return Issue{
		Dimension:   DimConsistency,
		Severity:    SeverityHigh,
		Field:       "position",
		Type:        "position_teleportation",
		Description: fmt.Sprintf("moved %.0f km in %.0fs (%.0f km/h implied)", distKm, elapsed, impliedKmh),
		Value:       models.Float64(impliedKmh),
		Expected:    fmt.Sprintf("<= %.0f km/h", v.cfg.MaxImpliedSpeedKmh),
	}, true
}

// ---------------------------------------------------------------------------
// Timeliness
// ---------------------------------------------------------------------------

func (v *Validator) scoreTimeliness(rec *models.StateVector) (float64, []Issue) {
	contact, ok := rec.ContactTime()
	if !ok {
		return 0.5, []Issue{{
			Dimension:   DimTimeliness,
			Severity:    SeverityMedium,
			Field:       "last_contact",
			Type:        "missing_timestamp",
			Description: "last_contact is missing, data age unknown",
		}}
	}

	age := v.cfg.Now().Sub(contact)

	if age < -v.cfg.FutureTolerance {
		return 0.3, []Issue{{
			Dimension:   DimTimeliness,
			Severity:    SeverityMedium,
			Field:       "last_contact",
			Type:        "future_timestamp",
			Description: fmt.Sprintf("last_contact is %s in the future", (-age).Round(time.Second)),
			Value:       models.Float64(age.Seconds()),
		}}
	}

	switch {
	case age <= v.cfg.FreshAge:
		return 1.0, nil
	case age <= v.cfg.AcceptableAge:
		return 0.8, nil
	case age <= v.cfg.StaleAge:
		// Degrades linearly from 0.8 at the acceptable bound to 0.5 at stale.
		span := (v.cfg.StaleAge - v.cfg.AcceptableAge).Seconds()
		frac := (age - v.cfg.AcceptableAge).Seconds() / span
		return 0.8 - 0.3*frac, []Issue{{
			Dimension:   DimTimeliness,
			Severity:    SeverityMedium,
			Field:       "last_contact",
			Type:        "aged_data",
			Description: fmt.Sprintf("data is %s old", age.Round(time.Second)),
			Value:       models.Float64(age.Seconds()),
		}}
	default:
		return 0.2, []Issue{{
			Dimension:   DimTimeliness,
			Severity:    SeverityHigh,
			Field:       "last_contact",
			Type:        "stale_data",
			Description: fmt.Sprintf("data is %s old, beyond the stale bound", age.Round(time.Second)),
			Value:       models.Float64(age.Seconds()),
		}}
	}
}

// ---------------------------------------------------------------------------
// Grades and recommendations
// ---------------------------------------------------------------------------

func (v *Validator) grade(overall float64) Grade {
	switch {
	case overall >= v.cfg.ExcellentThreshold:
		return GradeA
	case overall >= v.cfg.GoodThreshold:
		return GradeB
	case overall >= v.cfg.AcceptableThreshold:
		return GradeC
	case overall >= v.cfg.PoorThreshold:
		return GradeD
	default:
		return GradeF
	}
}

func (v *Validator) recommendations(score *Score) []string {
	dims := score.dimensionsPresent()
	var recs []string
	if dims[DimCompleteness] {
		recs = append(recs, "check the upstream source for dropped fields")
	}
	if dims[DimValidity] {
		recs = append(recs, "verify sensor ranges and unit conversions at the source")
	}
	if dims[DimConsistency] {
		recs = append(recs, "check transponder and sensor calibration for this aircraft")
	}
	if dims[DimTimeliness] {
		recs = append(recs, "investigate ingestion lag or a stale upstream cache")
	}
	sort.Strings(recs)
	return recs
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// HaversineKm returns the great-circle distance in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0
	lat1r := lat1 * math.Pi / 180.0
	lat2r := lat2 * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1r)*math.Cos(lat2r)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finitePtr(p *float64) bool {
	return p != nil && isFinite(*p)
}
