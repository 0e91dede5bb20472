package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skyward/skyguard/pkg/models"
)

const (
	defaultBaseURL = "https://opensky-network.org/api"

	// OpenSky OAuth2 token endpoint
	defaultTokenURL = "https://auth.opensky-network.org/auth/realms/opensky-network/protocol/openid-connect/token"

	// OpenSky rate limits:
	// - Anonymous: 10 seconds between /states/all calls
	// - Authenticated: 5 seconds between /states/all calls
	defaultPollInterval = 10 * time.Second

	// Token refresh buffer - refresh before actual expiry
	tokenRefreshBuffer = 2 * time.Minute

	// Connection pool settings
	maxIdleConns        = 10
	maxConnsPerHost     = 5
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second

	// Retry settings
	maxRetries    = 5
	baseBackoff   = 1 * time.Second
	maxBackoff    = 60 * time.Second
	backoffFactor = 2.0

	// /states/all rows carry 17 elements; a trailing category field appears
	// on some deployments and is ignored.
	stateVectorFields = 17
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics collects ingestion performance data.
type Metrics struct {
	TotalRequests   atomic.Int64
	SuccessRequests atomic.Int64
	FailedRequests  atomic.Int64
	TotalStates     atomic.Int64
	FilteredStates  atomic.Int64
	MalformedStates atomic.Int64
	LastLatencyNs   atomic.Int64
	AvgLatencyNs    atomic.Int64
	StatesPerSecond atomic.Int64

	mu            sync.Mutex
	latencySum    int64
	latencyCount  int64
	lastEventTime time.Time
}

// RecordLatency updates latency metrics.
func (m *Metrics) RecordLatency(d time.Duration) {
	ns := d.Nanoseconds()
	m.LastLatencyNs.Store(ns)

	m.mu.Lock()
	m.latencySum += ns
	m.latencyCount++
	if m.latencyCount > 0 {
		m.AvgLatencyNs.Store(m.latencySum / m.latencyCount)
	}
	m.mu.Unlock()
}

// RecordEvents updates throughput metrics.
func (m *Metrics) RecordEvents(count int64) {
	m.FilteredStates.Add(count)

	m.mu.Lock()
	now := time.Now()
	if !m.lastEventTime.IsZero() {
		elapsed := now.Sub(m.lastEventTime).Seconds()
		if elapsed > 0 {
			m.StatesPerSecond.Store(int64(float64(count) / elapsed))
		}
	}
	m.lastEventTime = now
	m.mu.Unlock()
}

// Snapshot returns a copy of current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:   m.TotalRequests.Load(),
		SuccessRequests: m.SuccessRequests.Load(),
		FailedRequests:  m.FailedRequests.Load(),
		TotalStates:     m.TotalStates.Load(),
		FilteredStates:  m.FilteredStates.Load(),
		MalformedStates: m.MalformedStates.Load(),
		LastLatencyMs:   float64(m.LastLatencyNs.Load()) / 1e6,
		AvgLatencyMs:    float64(m.AvgLatencyNs.Load()) / 1e6,
		StatesPerSecond: m.StatesPerSecond.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of metrics.
type MetricsSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	SuccessRequests int64   `json:"success_requests"`
	FailedRequests  int64   `json:"failed_requests"`
	TotalStates     int64   `json:"total_states"`
	FilteredStates  int64   `json:"filtered_states"`
	MalformedStates int64   `json:"malformed_states"`
	LastLatencyMs   float64 `json:"last_latency_ms"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	StatesPerSecond int64   `json:"states_per_second"`
}

// ---------------------------------------------------------------------------
// Rate Limiter
// ---------------------------------------------------------------------------

// RateLimiter controls request frequency to respect OpenSky limits.
type RateLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	lastCall time.Time
}

// NewRateLimiter creates a rate limiter with the given interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

// Wait blocks until the next request is allowed.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastCall.IsZero() {
		r.lastCall = time.Now()
		return nil
	}

	elapsed := time.Since(r.lastCall)
	if elapsed < r.interval {
		wait := r.interval - elapsed
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.lastCall = time.Now()
	return nil
}

// ---------------------------------------------------------------------------
// Filter Configuration
// ---------------------------------------------------------------------------

// Filter defines criteria for selecting state vectors.
type Filter struct {
	// OriginCountries keeps only aircraft registered in these countries.
	OriginCountries []string

	// CallsignPrefixes filters by airline callsign prefix (e.g., "UAL").
	CallsignPrefixes []string

	// BoundingBox filters by geographic area [minLat, maxLat, minLon, maxLon].
	BoundingBox *[4]float64
}

// Matches checks if a state vector passes the filter criteria. Criteria are
// combined with OR: a record passes when any configured criterion accepts it.
// A record without the field a criterion needs cannot match that criterion,
// but it is never dropped for the missing field alone; the quality layer
// scores that.
func (f *Filter) Matches(sv *models.StateVector) bool {
	if f.BoundingBox == nil && len(f.CallsignPrefixes) == 0 && len(f.OriginCountries) == 0 {
		return true
	}

	if len(f.CallsignPrefixes) > 0 && sv.Callsign != nil {
		callsign := strings.TrimSpace(*sv.Callsign)
		for _, prefix := range f.CallsignPrefixes {
			if strings.HasPrefix(callsign, prefix) {
				return true
			}
		}
	}

	if len(f.OriginCountries) > 0 && sv.OriginCountry != nil {
		for _, country := range f.OriginCountries {
			if strings.EqualFold(*sv.OriginCountry, country) {
				return true
			}
		}
	}

	if f.BoundingBox != nil {
		if lat, lon, ok := sv.Position(); ok {
			bb := f.BoundingBox
			if lat >= bb[0] && lat <= bb[1] && lon >= bb[2] && lon <= bb[3] {
				return true
			}
		}
	}

	return false
}

// ---------------------------------------------------------------------------
// OAuth2 Token Management
// ---------------------------------------------------------------------------

// tokenResponse mirrors the JSON from the OpenSky token endpoint.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"` // seconds
	TokenType   string `json:"token_type"`
}

// TokenManager handles OAuth2 client-credentials token lifecycle.
type TokenManager struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewTokenManager creates a token manager for OAuth2 client credentials flow.
func NewTokenManager(clientID, clientSecret string) *TokenManager {
	return &TokenManager{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     defaultTokenURL,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Token returns a valid access token, refreshing if needed.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.RLock()
	if tm.token != "" && time.Now().Before(tm.expiresAt) {
		tok := tm.token
		tm.mu.RUnlock()
		return tok, nil
	}
	tm.mu.RUnlock()

	return tm.refresh(ctx)
}

// refresh fetches a new token from the OAuth2 endpoint.
func (tm *TokenManager) refresh(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Double-check after acquiring write lock
	if tm.token != "" && time.Now().Before(tm.expiresAt) {
		return tm.token, nil
	}

	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {tm.clientID},
		"client_secret": {tm.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.tokenURL,
		strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token request failed (status %d): %s", resp.StatusCode, string(body))
	}

	var tokResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokResp); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	tm.token = tokResp.AccessToken
	// Refresh before actual expiry to avoid edge-case failures
	tm.expiresAt = time.Now().Add(time.Duration(tokResp.ExpiresIn)*time.Second - tokenRefreshBuffer)

	return tm.token, nil
}

// Credentials holds OAuth2 client credentials loaded from credentials.json.
type Credentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// LoadCredentials reads OAuth2 credentials from a JSON file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}

	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("credentials file missing clientId or clientSecret")
	}

	return &creds, nil
}

// ---------------------------------------------------------------------------
// Client with Connection Pooling
// ---------------------------------------------------------------------------

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL sets the base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

// WithCredentials sets Basic Auth credentials (legacy, deprecated by OpenSky).
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithClientCredentials sets OAuth2 client credentials for token-based auth.
func WithClientCredentials(clientID, clientSecret string) ClientOption {
	return func(c *Client) {
		c.tokenManager = NewTokenManager(clientID, clientSecret)
	}
}

// WithTokenManager sets a custom token manager (useful for testing).
func WithTokenManager(tm *TokenManager) ClientOption {
	return func(c *Client) {
		c.tokenManager = tm
	}
}

// Client fetches live state vectors from the OpenSky Network API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	username     string
	password     string
	tokenManager *TokenManager
	metrics      *Metrics
}

// NewClient creates an OpenSky API client with connection pooling.
func NewClient(opts ...ClientOption) *Client {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		DisableCompression:  false,
	}

	c := &Client{
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		metrics: &Metrics{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// openSkyResponse mirrors the JSON shape returned by /states/all.
type openSkyResponse struct {
	Time   int64           `json:"time"`
	States [][]interface{} `json:"states"`
}

// FetchAllStates retrieves the current state vectors for all tracked aircraft.
// Rows without a transponder address are dropped and counted as malformed;
// every other field stays optional and passes through as-is.
func (c *Client) FetchAllStates(ctx context.Context) ([]models.StateVector, error) {
	url := fmt.Sprintf("%s/states/all", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	// Add auth: prefer OAuth2 Bearer token, fall back to Basic Auth (legacy)
	if c.tokenManager != nil {
		token, err := c.tokenManager.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtaining access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	} else if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	var raw openSkyResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	states, malformed := ParseStates(raw.States)
	c.metrics.MalformedStates.Add(int64(malformed))
	return states, nil
}

// FetchStatesWithRetry fetches states with exponential backoff on failure.
func (c *Client) FetchStatesWithRetry(ctx context.Context) ([]models.StateVector, error) {
	var lastErr error
	backoff := baseBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// Exponential backoff with cap
			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		states, err := c.FetchAllStates(ctx)
		if err == nil {
			return states, nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("after %d retries: %w", maxRetries, lastErr)
}

// ParseStates converts raw /states/all rows into state vectors, preserving
// absent fields as nil. Returns the parsed vectors and the count of rows too
// short or without an icao24 to be usable at all.
func ParseStates(rows [][]interface{}) ([]models.StateVector, int) {
	states := make([]models.StateVector, 0, len(rows))
	malformed := 0

	for _, row := range rows {
		if len(row) < stateVectorFields {
			malformed++
			continue
		}
		icao := stringVal(row[0])
		if icao == "" {
			malformed++
			continue
		}

		sv := models.StateVector{
			ICAO24:         icao,
			Callsign:       optString(row[1]),
			OriginCountry:  optString(row[2]),
			TimePosition:   optInt64(row[3]),
			LastContact:    optInt64(row[4]),
			Longitude:      optFloat(row[5]),
			Latitude:       optFloat(row[6]),
			BaroAltitude:   optFloat(row[7]),
			OnGround:       optBool(row[8]),
			Velocity:       optFloat(row[9]),
			TrueTrack:      optFloat(row[10]),
			VerticalRate:   optFloat(row[11]),
			GeoAltitude:    optFloat(row[13]),
			Squawk:         optString(row[14]),
			SPI:            optBool(row[15]),
			PositionSource: optInt(row[16]),
		}
		states = append(states, sv)
	}
	return states, malformed
}

func stringVal(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// optString keeps "present but empty" distinct from absent: OpenSky pads
// callsigns with trailing spaces, so the value is trimmed before the
// emptiness check.
func optString(v interface{}) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func optFloat(v interface{}) *float64 {
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}

func optInt64(v interface{}) *int64 {
	// JSON numbers decode as float64.
	if f, ok := v.(float64); ok {
		i := int64(f)
		return &i
	}
	return nil
}

func optInt(v interface{}) *int {
	if f, ok := v.(float64); ok {
		i := int(f)
		return &i
	}
	return nil
}

func optBool(v interface{}) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	return nil
}

// ---------------------------------------------------------------------------
// Poller
// ---------------------------------------------------------------------------

// BatchHandler processes one fetched batch of state vectors.
type BatchHandler func(ctx context.Context, states []models.StateVector) error

// PollerConfig configures the polling loop.
type PollerConfig struct {
	PollInterval time.Duration
	Filter       Filter
}

// DefaultPollerConfig returns sensible defaults: anonymous-tier polling with
// no filtering.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: defaultPollInterval,
	}
}

// Poller continuously ingests state vectors and hands each fetched batch to
// the handler in arrival order. Batches are processed sequentially: downstream
// quality checks compare consecutive observations of the same aircraft, so
// ordering matters more than fan-out here.
type Poller struct {
	client  *Client
	config  PollerConfig
	limiter *RateLimiter
	metrics *Metrics
	handler BatchHandler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewPoller creates a poller.
func NewPoller(client *Client, config PollerConfig, handler BatchHandler) *Poller {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	return &Poller{
		client:  client,
		config:  config,
		limiter: NewRateLimiter(config.PollInterval),
		metrics: client.metrics,
		handler: handler,
	}
}

// Metrics returns the poller's metrics collector.
func (p *Poller) Metrics() *Metrics {
	return p.metrics
}

// Start begins continuous ingestion. Non-blocking.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	go p.run(ctx)
	return nil
}

// Stop halts the poller.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.running = false
}

// IsRunning returns whether the poller is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// run is the main polling loop.
func (p *Poller) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		default:
		}

		if err := p.limiter.Wait(ctx); err != nil {
			continue
		}

		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() != nil {
			continue
		}
	}
}

// PollOnce fetches, filters, and hands off a single batch. Returns the number
// of records handed to the handler.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	start := time.Now()
	p.metrics.TotalRequests.Add(1)

	states, err := p.client.FetchStatesWithRetry(ctx)
	p.metrics.RecordLatency(time.Since(start))

	if err != nil {
		p.metrics.FailedRequests.Add(1)
		return 0, err
	}
	p.metrics.SuccessRequests.Add(1)
	p.metrics.TotalStates.Add(int64(len(states)))

	filtered := p.filterStates(states)
	if len(filtered) == 0 {
		return 0, nil
	}
	p.metrics.RecordEvents(int64(len(filtered)))

	if p.handler != nil {
		if err := p.handler(ctx, filtered); err != nil {
			return len(filtered), fmt.Errorf("handling batch: %w", err)
		}
	}
	return len(filtered), nil
}

// filterStates applies the configured filter.
func (p *Poller) filterStates(states []models.StateVector) []models.StateVector {
	filtered := make([]models.StateVector, 0, len(states))
	for i := range states {
		if p.config.Filter.Matches(&states[i]) {
			filtered = append(filtered, states[i])
		}
	}
	return filtered
}
