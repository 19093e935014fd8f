package triage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
)

var (
	ErrMissingAPIKey     = errors.New("classifier api key is not configured")
	ErrUnrecognizedClass = errors.New("classifier returned an unrecognized class")
)

const systemPrompt = `You triage appointment requests for a rural health clinic.
Classify the patient's reason for visit into exactly one of: critical, medium, normal.
critical: possibly life-threatening, needs attention today.
medium: needs attention within a few days.
normal: routine or administrative.
Answer with the single word only.`

type LLMConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
	RPS     float64
}

// LLMClassifier sends the reason to an OpenAI-compatible chat completions
// endpoint. Calls are rate limited and pass through a circuit breaker so an
// unhealthy provider fails fast.
type LLMClassifier struct {
	cfg     LLMConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewLLMClassifier(cfg LLMConfig, client *http.Client) *LLMClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	return &LLMClassifier{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "urgency-classifier",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

func (c *LLMClassifier) Classify(ctx context.Context, reason string) (appointment.Urgency, error) {
	if c.cfg.APIKey == "" {
		return "", ErrMissingAPIKey
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("classifier rate limit: %w", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, reason)
	})
	if err != nil {
		return "", err
	}
	return parseClass(out.(string))
}

func (c *LLMClassifier) complete(ctx context.Context, reason string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: reason},
		},
		MaxTokens: 5,
	})
	if err != nil {
		return "", fmt.Errorf("marshal classifier request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call classifier: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, gjson.GetBytes(raw, "error.message").String())
	}

	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("classifier response has no message content")
	}
	return content.String(), nil
}

// parseClass accepts the label with surrounding whitespace, quotes or
// punctuation. Anything else is an error and the caller falls back.
func parseClass(s string) (appointment.Urgency, error) {
	label := strings.ToLower(strings.Trim(strings.TrimSpace(s), "\"'`.!*"))
	switch u := appointment.Urgency(label); u {
	case appointment.UrgencyCritical, appointment.UrgencyMedium, appointment.UrgencyNormal:
		return u, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnrecognizedClass, s)
}
