package ingestion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyward/skyguard/pkg/models"
)

func fullRow(icao string) []interface{} {
	return []interface{}{
		icao,       // 0  icao24
		"UAL456 ",  // 1  callsign
		"United States", // 2 origin_country
		1700000000, // 3  time_position
		1700000000, // 4  last_contact
		-73.9,      // 5  longitude
		40.7,       // 6  latitude
		10000.0,    // 7  baro_altitude
		false,      // 8  on_ground
		250.0,      // 9  velocity
		180.0,      // 10 true_track
		0.0,        // 11 vertical_rate
		nil,        // 12 sensors
		10500.0,    // 13 geo_altitude
		"1234",     // 14 squawk
		false,      // 15 spi
		0,          // 16 position_source
	}
}

// ---------------------------------------------------------------------------
// Client Tests
// ---------------------------------------------------------------------------

func TestFetchAllStates(t *testing.T) {
	payload := map[string]interface{}{
		"time":   1700000000,
		"states": [][]interface{}{fullRow("abc123")},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/states/all", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	states, err := client.FetchAllStates(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)

	sv := states[0]
	assert.Equal(t, "abc123", sv.ICAO24)
	require.NotNil(t, sv.Callsign)
	assert.Equal(t, "UAL456", *sv.Callsign) // trailing padding stripped
	require.NotNil(t, sv.Latitude)
	assert.InDelta(t, 40.7, *sv.Latitude, 0.01)
	require.NotNil(t, sv.Velocity)
	assert.InDelta(t, 250.0, *sv.Velocity, 0.01)
	require.NotNil(t, sv.OnGround)
	assert.False(t, *sv.OnGround)
	require.NotNil(t, sv.Squawk)
	assert.Equal(t, "1234", *sv.Squawk)
	require.NotNil(t, sv.LastContact)
	assert.Equal(t, int64(1700000000), *sv.LastContact)
}

func TestParseStatesPreservesAbsence(t *testing.T) {
	row := fullRow("abc123")
	row[5] = nil  // longitude
	row[6] = nil  // latitude
	row[7] = nil  // baro_altitude
	row[8] = nil  // on_ground
	row[14] = nil // squawk

	states, malformed := ParseStates([][]interface{}{row})
	require.Len(t, states, 1)
	assert.Zero(t, malformed)

	sv := states[0]
	assert.Nil(t, sv.Latitude)
	assert.Nil(t, sv.Longitude)
	assert.Nil(t, sv.BaroAltitude)
	assert.Nil(t, sv.OnGround)
	assert.Nil(t, sv.Squawk)

	_, _, ok := sv.Position()
	assert.False(t, ok)
}

func TestParseStatesDropsUnusableRows(t *testing.T) {
	rows := [][]interface{}{
		fullRow("abc123"),
		{"short", "row"},             // too few fields
		fullRow(""),                  // missing icao24
		append(fullRow("def456"), 7), // trailing category field is fine
	}

	states, malformed := ParseStates(rows)
	assert.Len(t, states, 2)
	assert.Equal(t, 2, malformed)
}

func TestParseStatesEmptyCallsignIsAbsent(t *testing.T) {
	row := fullRow("abc123")
	row[1] = "        "

	states, _ := ParseStates([][]interface{}{row})
	require.Len(t, states, 1)
	assert.Nil(t, states[0].Callsign)
}

func TestFetchAllStatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.FetchAllStates(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status: 500")
}

func TestFetchWithRetrySuccess(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		payload := map[string]interface{}{"time": 1700000000, "states": [][]interface{}{}}
		json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.FetchStatesWithRetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestFetchWithRetryContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.FetchStatesWithRetry(ctx)
	assert.Error(t, err)
}

func TestClientWithCredentials(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{"time": 0, "states": [][]interface{}{}})
	}))
	defer srv.Close()

	client := NewClient(
		WithBaseURL(srv.URL),
		WithCredentials("user", "pass"),
	)
	_, err := client.FetchAllStates(context.Background())
	require.NoError(t, err)
	assert.Contains(t, gotAuth, "Basic")
}

// ---------------------------------------------------------------------------
// Rate Limiter Tests
// ---------------------------------------------------------------------------

func TestRateLimiterFirstCallImmediate(t *testing.T) {
	rl := NewRateLimiter(100 * time.Millisecond)
	start := time.Now()
	err := rl.Wait(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiterEnforcesInterval(t *testing.T) {
	rl := NewRateLimiter(100 * time.Millisecond)

	// First call
	err := rl.Wait(context.Background())
	require.NoError(t, err)

	// Second call should wait
	start := time.Now()
	err = rl.Wait(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRateLimiterContextCancel(t *testing.T) {
	rl := NewRateLimiter(1 * time.Second)
	rl.Wait(context.Background()) // First call

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Already cancelled

	err := rl.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Filter Tests
// ---------------------------------------------------------------------------

func TestEmptyFilterMatchesAll(t *testing.T) {
	f := Filter{}
	sv := models.StateVector{ICAO24: "abc123"}
	assert.True(t, f.Matches(&sv))
}

func TestFilterCallsignPrefix(t *testing.T) {
	f := Filter{CallsignPrefixes: []string{"DAL", "UAL"}}

	assert.True(t, f.Matches(&models.StateVector{ICAO24: "a", Callsign: models.String("DAL100")}))
	assert.True(t, f.Matches(&models.StateVector{ICAO24: "b", Callsign: models.String("UAL200  ")}))
	assert.False(t, f.Matches(&models.StateVector{ICAO24: "c", Callsign: models.String("ACA300")}))
	// A record without a callsign cannot match a callsign criterion.
	assert.False(t, f.Matches(&models.StateVector{ICAO24: "d"}))
}

func TestFilterOriginCountry(t *testing.T) {
	f := Filter{OriginCountries: []string{"United States"}}

	assert.True(t, f.Matches(&models.StateVector{ICAO24: "a", OriginCountry: models.String("United States")}))
	assert.False(t, f.Matches(&models.StateVector{ICAO24: "b", OriginCountry: models.String("Canada")}))
	assert.False(t, f.Matches(&models.StateVector{ICAO24: "c"}))
}

func TestFilterBoundingBox(t *testing.T) {
	f := Filter{BoundingBox: &[4]float64{40.0, 42.0, -75.0, -73.0}} // NYC area

	inside := models.StateVector{ICAO24: "a", Latitude: models.Float64(41.0), Longitude: models.Float64(-74.0)}
	outside := models.StateVector{ICAO24: "b", Latitude: models.Float64(49.0), Longitude: models.Float64(-123.0)}
	noPosition := models.StateVector{ICAO24: "c"}

	assert.True(t, f.Matches(&inside))
	assert.False(t, f.Matches(&outside))
	assert.False(t, f.Matches(&noPosition))
}

func TestFilterCriteriaCombineWithOR(t *testing.T) {
	f := Filter{
		CallsignPrefixes: []string{"DAL"},
		BoundingBox:      &[4]float64{40.0, 42.0, -75.0, -73.0},
	}

	// Matching callsign outside the box still passes.
	byCallsign := models.StateVector{
		ICAO24:    "a",
		Callsign:  models.String("DAL100"),
		Latitude:  models.Float64(49.0),
		Longitude: models.Float64(-123.0),
	}
	// Inside the box with a foreign callsign also passes.
	byPosition := models.StateVector{
		ICAO24:    "b",
		Callsign:  models.String("ACA300"),
		Latitude:  models.Float64(41.0),
		Longitude: models.Float64(-74.0),
	}
	neither := models.StateVector{
		ICAO24:    "c",
		Callsign:  models.String("ACA300"),
		Latitude:  models.Float64(49.0),
		Longitude: models.Float64(-123.0),
	}

	assert.True(t, f.Matches(&byCallsign))
	assert.True(t, f.Matches(&byPosition))
	assert.False(t, f.Matches(&neither))
}

// ---------------------------------------------------------------------------
// Metrics Tests
// ---------------------------------------------------------------------------

func TestMetricsRecordLatency(t *testing.T) {
	m := &Metrics{}

	m.RecordLatency(100 * time.Millisecond)
	assert.Equal(t, int64(100_000_000), m.LastLatencyNs.Load())
	assert.Equal(t, int64(100_000_000), m.AvgLatencyNs.Load())

	m.RecordLatency(200 * time.Millisecond)
	assert.Equal(t, int64(200_000_000), m.LastLatencyNs.Load())
	assert.Equal(t, int64(150_000_000), m.AvgLatencyNs.Load()) // Average of 100 and 200
}

func TestMetricsSnapshot(t *testing.T) {
	m := &Metrics{}
	m.TotalRequests.Store(10)
	m.SuccessRequests.Store(8)
	m.FailedRequests.Store(2)
	m.TotalStates.Store(1000)
	m.FilteredStates.Store(50)
	m.MalformedStates.Store(3)
	m.LastLatencyNs.Store(50_000_000)
	m.AvgLatencyNs.Store(45_000_000)

	snap := m.Snapshot()
	assert.Equal(t, int64(10), snap.TotalRequests)
	assert.Equal(t, int64(8), snap.SuccessRequests)
	assert.Equal(t, int64(2), snap.FailedRequests)
	assert.Equal(t, int64(1000), snap.TotalStates)
	assert.Equal(t, int64(50), snap.FilteredStates)
	assert.Equal(t, int64(3), snap.MalformedStates)
	assert.InDelta(t, 50.0, snap.LastLatencyMs, 0.1)
	assert.InDelta(t, 45.0, snap.AvgLatencyMs, 0.1)
}

// ---------------------------------------------------------------------------
// Poller Tests
// ---------------------------------------------------------------------------

func TestPollerPollOnce(t *testing.T) {
	rowACA := fullRow("abc123")
	rowACA[1] = "ACA100 "
	rowUAL := fullRow("def456")
	rowUAL[1] = "UAL200 "
	rowWJA := fullRow("ghi789")
	rowWJA[1] = "WJA300 "

	payload := map[string]interface{}{
		"time":   1700000000,
		"states": [][]interface{}{rowACA, rowUAL, rowWJA},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	var processed int32
	handler := func(ctx context.Context, states []models.StateVector) error {
		atomic.AddInt32(&processed, int32(len(states)))
		return nil
	}

	client := NewClient(WithBaseURL(srv.URL))
	config := PollerConfig{
		PollInterval: 10 * time.Second,
		Filter:       Filter{CallsignPrefixes: []string{"ACA", "WJA"}},
	}
	poller := NewPoller(client, config, handler)

	count, err := poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, count)
	assert.Equal(t, int32(2), atomic.LoadInt32(&processed))

	m := poller.Metrics().Snapshot()
	assert.Equal(t, int64(1), m.TotalRequests)
	assert.Equal(t, int64(1), m.SuccessRequests)
	assert.Equal(t, int64(3), m.TotalStates)
	assert.Equal(t, int64(2), m.FilteredStates)
}

func TestPollerHandlerOrderPreserved(t *testing.T) {
	// Two observations of the same aircraft in one response must reach the
	// handler in arrival order.
	row1 := fullRow("abc123")
	row1[4] = 1700000000
	row2 := fullRow("abc123")
	row2[4] = 1700000010

	payload := map[string]interface{}{
		"time":   1700000010,
		"states": [][]interface{}{row1, row2},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	var contacts []int64
	handler := func(ctx context.Context, states []models.StateVector) error {
		for _, sv := range states {
			contacts = append(contacts, *sv.LastContact)
		}
		return nil
	}

	poller := NewPoller(NewClient(WithBaseURL(srv.URL)), DefaultPollerConfig(), handler)
	_, err := poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1700000000, 1700000010}, contacts)
}

func TestPollerStartStop(t *testing.T) {
	payload := map[string]interface{}{"time": 0, "states": [][]interface{}{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	config := PollerConfig{
		PollInterval: 50 * time.Millisecond,
	}
	poller := NewPoller(client, config, nil)

	assert.False(t, poller.IsRunning())

	err := poller.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, poller.IsRunning())

	// Can't start twice
	err = poller.Start(context.Background())
	assert.Error(t, err)

	time.Sleep(100 * time.Millisecond)
	poller.Stop()

	// Give it time to stop
	time.Sleep(50 * time.Millisecond)
	assert.False(t, poller.IsRunning())
}
