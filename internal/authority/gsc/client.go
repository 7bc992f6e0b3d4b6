// Package gsc implements the authority.Client interface against the
// Google Search Console URL Inspection API and the Indexing API.
package gsc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"

	"github.com/contentops/indexwatch/internal/authority"
	"github.com/contentops/indexwatch/internal/metrics"
)

const (
	defaultInspectionBaseURL = "https://searchconsole.googleapis.com"
	defaultIndexingBaseURL   = "https://indexing.googleapis.com"
	defaultSitemapBaseURL    = "https://www.googleapis.com/webmasters/v3"

	// Only submit the sitemap once per minute at most.
	sitemapThrottle = time.Minute
)

var scopes = []string{
	"https://www.googleapis.com/auth/webmasters",
	"https://www.googleapis.com/auth/webmasters.readonly",
	"https://www.googleapis.com/auth/indexing",
}

// Config controls the Search Console client.
type Config struct {
	SiteURL         string
	SitemapURL      string
	CredentialsJSON string
	Timeout         time.Duration

	// DailyLimit caps Indexing API publish calls per rolling day; Google
	// allows roughly 200, so the default config stays below that.
	DailyLimit  int
	MinInterval time.Duration

	InspectionBaseURL string
	IndexingBaseURL   string
	SitemapBaseURL    string
}

func (c *Config) applyDefaults() {
	if c.InspectionBaseURL == "" {
		c.InspectionBaseURL = defaultInspectionBaseURL
	}
	if c.IndexingBaseURL == "" {
		c.IndexingBaseURL = defaultIndexingBaseURL
	}
	if c.SitemapBaseURL == "" {
		c.SitemapBaseURL = defaultSitemapBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.DailyLimit <= 0 {
		c.DailyLimit = 180
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 10 * time.Second
	}
}

// Client talks to Search Console on behalf of a service account.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	mu                sync.Mutex
	dayStart          time.Time
	requestCount      int
	lastRequest       time.Time
	lastSitemapSubmit time.Time
}

// New builds a Client authenticated with the service-account credentials
// in cfg.CredentialsJSON.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.SiteURL == "" {
		return nil, fmt.Errorf("authority.site_url is required")
	}
	if cfg.CredentialsJSON == "" {
		return nil, fmt.Errorf("authority.credentials_json is required")
	}
	jwtCfg, err := google.JWTConfigFromJSON([]byte(cfg.CredentialsJSON), scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account credentials: %w", err)
	}
	cfg.applyDefaults()
	httpClient := jwtCfg.Client(ctx)
	httpClient.Timeout = cfg.Timeout
	return newClient(httpClient, cfg, logger), nil
}

// NewWithHTTPClient constructs a Client from an existing HTTP client
// (primarily for testing).
func NewWithHTTPClient(httpClient *http.Client, cfg Config, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	return newClient(httpClient, cfg, logger)
}

func newClient(httpClient *http.Client, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type indexStatusResult struct {
	Verdict       string `json:"verdict"`
	CoverageState string `json:"coverageState"`
}

type inspectResponse struct {
	InspectionResult struct {
		IndexStatusResult indexStatusResult `json:"indexStatusResult"`
	} `json:"inspectionResult"`
}

// Inspect queries the URL Inspection API for the coverage state of pageURL.
// HTTP-level failures from the authority come back as a structured
// unsuccessful Inspection; transport problems are returned as errors.
func (c *Client) Inspect(ctx context.Context, pageURL string) (authority.Inspection, error) {
	body, err := json.Marshal(map[string]string{
		"inspectionUrl": pageURL,
		"siteUrl":       c.cfg.SiteURL,
	})
	if err != nil {
		return authority.Inspection{}, fmt.Errorf("marshal inspection request: %w", err)
	}

	endpoint := c.cfg.InspectionBaseURL + "/v1/urlInspection/index:inspect"
	start := c.now()
	resp, err := c.post(ctx, endpoint, body)
	metrics.ObserveAuthorityRequest("inspect", c.now().Sub(start))
	if err != nil {
		return authority.Inspection{}, fmt.Errorf("inspect %s: %w", pageURL, err)
	}
	defer c.drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorBody(resp.Body)
		return authority.Inspection{
			Success: false,
			Error:   fmt.Sprintf("inspection HTTP %d: %s", resp.StatusCode, msg),
		}, nil
	}

	var parsed inspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return authority.Inspection{}, fmt.Errorf("decode inspection response: %w", err)
	}

	result := parsed.InspectionResult.IndexStatusResult
	return authority.Inspection{
		Success:       true,
		Verdict:       result.Verdict,
		CoverageState: result.CoverageState,
	}, nil
}

// RequestReindex publishes a URL_UPDATED notification through the Indexing
// API, subject to the daily cap and minimum spacing between requests.
func (c *Client) RequestReindex(ctx context.Context, pageURL string) (authority.Receipt, error) {
	if allowed, reason := c.checkRateLimit(); !allowed {
		c.logger.Info("indexing request rate-limited", zap.String("url", pageURL), zap.String("reason", reason))
		return authority.Receipt{Success: false, Message: "Rate limited: " + reason}, nil
	}

	body, err := json.Marshal(map[string]string{
		"url":  pageURL,
		"type": "URL_UPDATED",
	})
	if err != nil {
		return authority.Receipt{}, fmt.Errorf("marshal publish request: %w", err)
	}

	endpoint := c.cfg.IndexingBaseURL + "/v3/urlNotifications:publish"
	start := c.now()
	resp, err := c.post(ctx, endpoint, body)
	metrics.ObserveAuthorityRequest("reindex", c.now().Sub(start))
	if err != nil {
		return authority.Receipt{}, fmt.Errorf("request reindex %s: %w", pageURL, err)
	}
	defer c.drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorBody(resp.Body)
		return authority.Receipt{
			Success: false,
			Message: fmt.Sprintf("indexing HTTP %d: %s", resp.StatusCode, msg),
		}, nil
	}

	c.recordRequest()
	return authority.Receipt{Success: true, Message: "Indexing requested for " + pageURL}, nil
}

// SubmitSitemap pings Search Console with the configured sitemap, throttled
// to one submission per minute.
func (c *Client) SubmitSitemap(ctx context.Context) (authority.Receipt, error) {
	if c.cfg.SitemapURL == "" {
		return authority.Receipt{Success: false, Message: "no sitemap URL configured"}, nil
	}

	c.mu.Lock()
	if !c.lastSitemapSubmit.IsZero() && c.now().Sub(c.lastSitemapSubmit) < sitemapThrottle {
		c.mu.Unlock()
		return authority.Receipt{Success: true, Message: "Sitemap submission throttled (too recent)"}, nil
	}
	c.mu.Unlock()

	endpoint := fmt.Sprintf(
		"%s/sites/%s/sitemaps/%s",
		c.cfg.SitemapBaseURL,
		url.PathEscape(c.cfg.SiteURL),
		url.PathEscape(c.cfg.SitemapURL),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return authority.Receipt{}, fmt.Errorf("build sitemap request: %w", err)
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveAuthorityRequest("sitemap", c.now().Sub(start))
	if err != nil {
		return authority.Receipt{}, fmt.Errorf("submit sitemap: %w", err)
	}
	defer c.drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorBody(resp.Body)
		return authority.Receipt{
			Success: false,
			Message: fmt.Sprintf("sitemap HTTP %d: %s", resp.StatusCode, msg),
		}, nil
	}

	c.mu.Lock()
	c.lastSitemapSubmit = c.now()
	c.mu.Unlock()

	c.logger.Info("sitemap submitted", zap.String("sitemap", c.cfg.SitemapURL))
	return authority.Receipt{Success: true, Message: "Sitemap submitted to Search Console"}, nil
}

// checkRateLimit reports whether an Indexing API call is currently allowed.
func (c *Client) checkRateLimit() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.dayStart.IsZero() || now.Sub(c.dayStart) > 24*time.Hour {
		c.dayStart = now
		c.requestCount = 0
	}
	if c.requestCount >= c.cfg.DailyLimit {
		return false, fmt.Sprintf("Daily limit reached (%d)", c.cfg.DailyLimit)
	}
	if !c.lastRequest.IsZero() {
		if wait := c.cfg.MinInterval - now.Sub(c.lastRequest); wait > 0 {
			return false, fmt.Sprintf("Too soon (wait %ds)", int(wait.Seconds())+1)
		}
	}
	return true, ""
}

func (c *Client) recordRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRequest = c.now()
	c.requestCount++
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) drainAndClose(body io.ReadCloser) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		c.logger.Debug("drain response body failed", zap.Error(err))
	}
	if err := body.Close(); err != nil {
		c.logger.Debug("close response body failed", zap.Error(err))
	}
}

func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 2048))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	return string(data)
}
