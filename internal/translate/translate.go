// Package translate turns ad copy into a target language through a generative
// model. Translator implements ads.Translator; Batch fans chunks out with a
// bounded errgroup.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/JakeFAU/adlibrary-insight/internal/classify"
	"github.com/JakeFAU/adlibrary-insight/internal/metrics"
)

// Defaults applied by New.
const (
	DefaultModel     = "gemini-2.5-flash"
	DefaultTarget    = "zh-CN"
	DefaultCooldown  = time.Minute
	DefaultRetries   = 3
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 10 * time.Second
)

var languageNames = map[string]string{
	"zh-CN": "Simplified Chinese (简体中文)",
	"zh-TW": "Traditional Chinese (繁體中文)",
	"en":    "English",
	"es":    "Spanish",
	"fr":    "French",
	"de":    "German",
	"ja":    "Japanese",
	"ko":    "Korean",
}

// ErrMalformedResponse is returned when the model output is not a JSON array
// of the expected length.
var ErrMalformedResponse = errors.New("malformed translation response")

// QuotaError reports an exhausted upstream quota. Further calls are refused
// until the cooldown passes.
type QuotaError struct {
	Until time.Time
	Err   error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("translation quota exhausted until %s: %v", e.Until.Format(time.RFC3339), e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// Fatal implements classify.Fataler.
func (e *QuotaError) Fatal() bool { return true }

// Generator produces one text completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config controls the translator.
type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Target         string        `mapstructure:"target"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	Parallelism    int           `mapstructure:"parallelism"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Target == "" {
		c.Target = DefaultTarget
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultMaxDelay
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	return c
}

// GenAIGenerator calls the Gemini API with JSON output enabled.
type GenAIGenerator struct {
	client *genai.Client
	model  string
}

// NewGenAIGenerator dials the Gemini API. BaseURL may point at a compatible proxy.
func NewGenAIGenerator(ctx context.Context, cfg Config) (*GenAIGenerator, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("genai api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/v1"); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base + "/"}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIGenerator{client: client, model: cfg.Model}, nil
}

// Generate implements Generator.
func (g *GenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	if err != nil {
		metrics.ObserveUpstream(metrics.ServiceGenAI, statusOf(err))
		return "", fmt.Errorf("genai generate: %w", err)
	}
	metrics.ObserveUpstream(metrics.ServiceGenAI, http.StatusOK)
	return resp.Text(), nil
}

// Translator implements ads.Translator on top of a Generator.
type Translator struct {
	gen    Generator
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	coolUntil time.Time
}

// New builds a Translator. logger may be nil.
func New(gen Generator, cfg Config, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{
		gen:    gen,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("translate"),
		now:    time.Now,
	}
}

// Target returns the configured default target language.
func (t *Translator) Target() string { return t.cfg.Target }

// ChunkSize returns the configured texts per request.
func (t *Translator) ChunkSize() int { return t.cfg.ChunkSize }

// Parallelism returns the configured number of concurrent requests.
func (t *Translator) Parallelism() int { return t.cfg.Parallelism }

// Translate returns texts translated into target, index aligned with the
// input. Blank entries are passed through untouched.
func (t *Translator) Translate(ctx context.Context, texts []string, target string) ([]string, error) {
	out := append([]string(nil), texts...)
	if target == "" {
		target = t.cfg.Target
	}
	var idx []int
	var inputs []string
	for i, s := range texts {
		if strings.TrimSpace(s) != "" {
			idx = append(idx, i)
			inputs = append(inputs, s)
		}
	}
	if len(inputs) == 0 {
		return out, nil
	}
	if until, cooling := t.cooling(); cooling {
		return nil, &QuotaError{Until: until, Err: errors.New("cooldown active")}
	}

	prompt, err := buildPrompt(inputs, target)
	if err != nil {
		return nil, err
	}
	translated, err := t.generate(ctx, prompt, len(inputs))
	if err != nil {
		metrics.ObserveTranslations(metrics.OutcomeFailed, len(inputs))
		return nil, err
	}
	for j, s := range translated {
		if strings.TrimSpace(s) != "" {
			out[idx[j]] = s
		}
	}
	metrics.ObserveTranslations(metrics.OutcomeOK, len(inputs))
	return out, nil
}

func (t *Translator) generate(ctx context.Context, prompt string, want int) ([]string, error) {
	for attempt := 0; ; attempt++ {
		text, err := t.gen.Generate(ctx, prompt)
		if err == nil {
			return parseArray(text, want)
		}
		code := statusOf(err)
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %v", classify.ErrInvalidCredential, err)
		}
		if !transient(err, code) {
			return nil, err
		}
		if attempt >= t.cfg.MaxRetries {
			if code == http.StatusTooManyRequests || isQuota(err) {
				until := t.startCooldown()
				t.logger.Warn("translation quota exhausted", zap.Time("until", until), zap.Error(err))
				return nil, &QuotaError{Until: until, Err: err}
			}
			return nil, err
		}
		metrics.ObserveRetry(metrics.ServiceGenAI)
		wait := backoff(t.cfg.RetryBaseDelay, t.cfg.RetryMaxDelay, attempt)
		t.logger.Debug("retrying translation", zap.Int("attempt", attempt+1), zap.Duration("backoff", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *Translator) cooling() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.coolUntil, t.now().Before(t.coolUntil)
}

func (t *Translator) startCooldown() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.coolUntil = t.now().Add(t.cfg.Cooldown)
	return t.coolUntil
}

func buildPrompt(inputs []string, target string) (string, error) {
	payload, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("encode translation input: %w", err)
	}
	lang, ok := languageNames[target]
	if !ok {
		lang = target
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the following JSON array of ad copy strings to %s.\n", lang)
	b.WriteString("Rules:\n")
	b.WriteString("1. Output ONLY a valid JSON array of strings.\n")
	b.WriteString("2. No Markdown formatting.\n")
	b.WriteString("3. Maintain emojis and tone.\n")
	fmt.Fprintf(&b, "4. The output array length MUST be exactly %d.\n\n", len(inputs))
	b.WriteString("Input:\n")
	b.Write(payload)
	return b.String(), nil
}

func parseArray(text string, want int) ([]string, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)
	var out []string
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(out) != want {
		return nil, fmt.Errorf("%w: expected %d items, got %d", ErrMalformedResponse, want, len(out))
	}
	return out, nil
}

func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var pErr *genai.APIError
	if errors.As(err, &pErr) && pErr != nil {
		return pErr.Code
	}
	var sc classify.StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func isQuota(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(strings.ToLower(msg), "quota exceeded")
}

func transient(err error, code int) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return true
	}
	return isQuota(err)
}

func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	return d
}
