package models

import "time"

// StateVector is one observation of one aircraft at one instant, in the
// OpenSky /states/all layout. ICAO24 is the only field guaranteed present;
// everything else may be absent. Optional fields are pointers so that "not
// reported" stays distinguishable from a legitimate zero value (on_ground
// false vs on_ground missing).
type StateVector struct {
	ICAO24         string   `json:"icao24"`
	Callsign       *string  `json:"callsign,omitempty"`
	OriginCountry  *string  `json:"origin_country,omitempty"`
	TimePosition   *int64   `json:"time_position,omitempty"` // Unix seconds
	LastContact    *int64   `json:"last_contact,omitempty"`  // Unix seconds
	Longitude      *float64 `json:"longitude,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	BaroAltitude   *float64 `json:"baro_altitude,omitempty"` // meters
	OnGround       *bool    `json:"on_ground,omitempty"`
	Velocity       *float64 `json:"velocity,omitempty"` // m/s over ground
	TrueTrack      *float64 `json:"true_track,omitempty"`
	VerticalRate   *float64 `json:"vertical_rate,omitempty"` // m/s
	GeoAltitude    *float64 `json:"geo_altitude,omitempty"`  // meters
	Squawk         *string  `json:"squawk,omitempty"`
	SPI            *bool    `json:"spi,omitempty"`
	PositionSource *int     `json:"position_source,omitempty"`
}

// Unit conversions. OpenSky reports metric units; aviation range checks work
// in feet and knots.
const (
	MetersToFeet = 3.28084
	MPSToKnots   = 1.943844
)

// Position returns the reported latitude/longitude, if both are present.
func (s *StateVector) Position() (lat, lon float64, ok bool) {
	if s.Latitude == nil || s.Longitude == nil {
		return 0, 0, false
	}
	return *s.Latitude, *s.Longitude, true
}

// AltitudeFt returns the barometric altitude in feet, if reported.
func (s *StateVector) AltitudeFt() (float64, bool) {
	if s.BaroAltitude == nil {
		return 0, false
	}
	return *s.BaroAltitude * MetersToFeet, true
}

// GeoAltitudeFt returns the geometric altitude in feet, if reported.
func (s *StateVector) GeoAltitudeFt() (float64, bool) {
	if s.GeoAltitude == nil {
		return 0, false
	}
	return *s.GeoAltitude * MetersToFeet, true
}

// VelocityKnots returns the ground speed in knots, if reported.
func (s *StateVector) VelocityKnots() (float64, bool) {
	if s.Velocity == nil {
		return 0, false
	}
	return *s.Velocity * MPSToKnots, true
}

// ContactTime returns LastContact as a time.Time, if reported.
func (s *StateVector) ContactTime() (time.Time, bool) {
	if s.LastContact == nil {
		return time.Time{}, false
	}
	return time.Unix(*s.LastContact, 0).UTC(), true
}

// Pointer helpers for building records from literals.

func String(v string) *string    { return &v }
func Float64(v float64) *float64 { return &v }
func Int64(v int64) *int64       { return &v }
func Int(v int) *int             { return &v }
func Bool(v bool) *bool          { return &v }
