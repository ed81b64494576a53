// Package apify implements ads.Searcher against the Apify Facebook Ad Library
// scraper actor, using the synchronous run-and-fetch-dataset endpoint.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
	"github.com/JakeFAU/adlibrary-insight/internal/classify"
	"github.com/JakeFAU/adlibrary-insight/internal/metrics"
	"github.com/JakeFAU/adlibrary-insight/internal/policy/ratelimit"
)

// Defaults applied by New.
const (
	DefaultBaseURL       = "https://api.apify.com/v2"
	DefaultActorID       = "curious_coder~facebook-ads-library-scraper"
	DefaultResultsPerURL = 100
	DefaultTimeout       = 5 * time.Minute
	maxResponseBytes     = 64 << 20
	maxErrorBody         = 512
)

// ErrMissingToken is returned when Search is called without a credential.
var ErrMissingToken = fmt.Errorf("apify token is not configured: %w", classify.ErrInvalidCredential)

// StatusError is a non-2xx response from Apify.
type StatusError struct {
	Op         string
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("apify %s: status %d", e.Op, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// StatusCode implements classify.StatusCoder.
func (e *StatusError) StatusCode() int { return e.Code }

// Unwrap exposes credential rejections as classify.ErrInvalidCredential.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return classify.ErrInvalidCredential
	}
	return nil
}

// Config controls the Apify client.
type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	ActorID        string        `mapstructure:"actor_id"`
	ResultsPerURL  int           `mapstructure:"results_per_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// Client calls the Apify API. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	retry   *RetryPolicy
	logger  *zap.Logger
}

// New builds a Client. httpClient, limiter and logger may be nil.
func New(cfg Config, httpClient *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ActorID == "" {
		cfg.ActorID = DefaultActorID
	}
	if cfg.ResultsPerURL <= 0 {
		cfg.ResultsPerURL = DefaultResultsPerURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		retry:   NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		logger:  logger.Named("apify"),
	}
}

type startURL struct {
	URL string `json:"url"`
}

type runInput struct {
	URLs         []startURL `json:"urls"`
	Count        int        `json:"count"`
	Period       string     `json:"period"`
	ActiveStatus string     `json:"scrapePageAds.activeStatus"`
	CountryCode  string     `json:"scrapePageAds.countryCode"`
}

// Search runs the actor once for all keywords and returns the raw dataset items.
func (c *Client) Search(
	ctx context.Context,
	credential string,
	keywords []string,
	filters ads.SearchFilters,
) ([]ads.RawItem, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, ErrMissingToken
	}
	if len(keywords) == 0 {
		return []ads.RawItem{}, nil
	}
	input := runInput{
		URLs:         make([]startURL, 0, len(keywords)),
		Count:        c.cfg.ResultsPerURL,
		Period:       ConvertPeriod(filters.DateRange),
		ActiveStatus: "all",
		CountryCode:  "ALL",
	}
	for _, kw := range keywords {
		input.URLs = append(input.URLs, startURL{URL: BuildSearchURL(kw, filters)})
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode actor input: %w", err)
	}
	endpoint := fmt.Sprintf("%s/acts/%s/run-sync-get-dataset-items?token=%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.ActorID), url.QueryEscape(credential))

	body, err := c.do(ctx, "run actor", http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("actor run finished", zap.Int("keywords", len(keywords)), zap.Int("items", len(items)))
	return items, nil
}

// VerifyToken reports whether the token is accepted by /users/me. Credential
// rejections return false with a nil error.
func (c *Client) VerifyToken(ctx context.Context, token string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}
	endpoint := c.cfg.BaseURL + "/users/me?token=" + url.QueryEscape(token)
	if _, err := c.do(ctx, "verify token", http.MethodGet, endpoint, nil); err != nil {
		if errors.Is(err, classify.ErrInvalidCredential) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, payload []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, err := c.once(ctx, op, method, endpoint, payload)
		if err == nil {
			return body, nil
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		wait := c.retry.Backoff(err, attempt)
		metrics.ObserveRetry(metrics.ServiceApify)
		c.logger.Info("retrying apify call", zap.String("op", op), zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("apify %s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, op, method, endpoint string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx, c.cfg.BaseURL); err != nil {
		return nil, err
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(metrics.ServiceApify, 0)
		return nil, fmt.Errorf("apify %s: %w", op, redact(err))
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream(metrics.ServiceApify, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Op:         op,
			Code:       resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	return body, nil
}

// decodeItems accepts a JSON array of objects. Any other well-formed JSON
// value means the actor produced no dataset and yields no items.
func decodeItems(body []byte) ([]ads.RawItem, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []ads.RawItem{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if trimmed[0] != '[' {
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode dataset items: %w", err)
		}
		return []ads.RawItem{}, nil
	}
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode dataset items: %w", err)
	}
	items := make([]ads.RawItem, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			items = append(items, ads.RawItem(m))
		}
	}
	return items, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// redact strips the token query parameter that net/http echoes in *url.Error.
func redact(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	if u, perr := url.Parse(ue.URL); perr == nil {
		q := u.Query()
		if q.Has("token") {
			q.Set("token", "REDACTED")
			u.RawQuery = q.Encode()
			return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
		}
	}
	return err
}
