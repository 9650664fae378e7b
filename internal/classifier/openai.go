package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const classifyPrompt = `You are a log analysis assistant. Your job is to:
1. Clean and format raw log lines for readability
2. Identify log level (INFO, WARN, ERROR, DEBUG)
3. Extract key information (timestamp, service, message)
4. Flag any anomalies or errors that need attention

Respond with a JSON object in this exact format:
{
  "level": "INFO|WARN|ERROR|DEBUG",
  "service": "extracted service name or unknown",
  "message": "cleaned, human-readable log message",
  "anomaly": true|false,
  "anomalyReason": "reason if anomaly, else null"
}`

const suggestPrompt = `You are a senior site reliability engineer. You receive a failing log entry from a
server and the entries that preceded it. Explain the most likely root cause in one or two sentences,
then give the concrete shell commands or configuration changes that fix it. Be brief and practical.
Answer in Markdown.`

const chatPrompt = `You are a senior site reliability engineer helping an operator investigate a log entry
from one of their servers. Use the entry and the preceding entries as context. Answer the operator's
question directly and concisely. Answer in Markdown.`

// Endpoint is one OpenAI-compatible provider in a fallback chain
type Endpoint struct {
	BaseURL string
	Model   string
	APIKey  string
}

type endpoint struct {
	name    string
	model   string
	client  *openai.Client
	breaker *CircuitBreaker
}

// Chain calls endpoints in order until one answers
type Chain struct {
	endpoints []endpoint
	logger    *zap.Logger
}

// NewChain builds a fallback chain. Each endpoint gets its own circuit breaker
// that skips it for breakerCooldown after breakerThreshold consecutive failures.
func NewChain(endpoints []Endpoint, httpClient *http.Client, breakerThreshold int, breakerCooldown time.Duration, logger *zap.Logger) *Chain {
	c := &Chain{logger: logger}
	for _, ep := range endpoints {
		cfg := openai.DefaultConfig(ep.APIKey)
		if ep.BaseURL != "" {
			cfg.BaseURL = strings.TrimSuffix(ep.BaseURL, "/")
		}
		if httpClient != nil {
			cfg.HTTPClient = httpClient
		}
		c.endpoints = append(c.endpoints, endpoint{
			name:    cfg.BaseURL,
			model:   ep.Model,
			client:  openai.NewClientWithConfig(cfg),
			breaker: NewCircuitBreaker(breakerThreshold, breakerCooldown),
		})
	}
	return c
}

// Len returns the number of configured endpoints
func (c *Chain) Len() int {
	return len(c.endpoints)
}

// Complete sends a chat completion to the first healthy endpoint.
// It returns ErrUnavailable if all of them fail.
func (c *Chain) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, maxTokens int, temperature float32) (string, error) {
	if len(c.endpoints) == 0 {
		return "", fmt.Errorf("%w: no endpoints configured", ErrUnavailable)
	}

	var lastErr error
	for i, ep := range c.endpoints {
		if ep.breaker.Open() {
			lastErr = fmt.Errorf("endpoint %s: circuit open", ep.name)
			continue
		}

		resp, err := ep.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       ep.model,
			Messages:    messages,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		})
		if err == nil && len(resp.Choices) == 0 {
			err = errors.New("empty response from API")
		}
		if err != nil {
			ep.breaker.Failure()
			lastErr = fmt.Errorf("endpoint %s: %w", ep.name, err)
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("Classifier endpoint failed, trying next",
				zap.Int("endpoint", i+1),
				zap.String("model", ep.model),
				zap.Error(err))
			continue
		}

		ep.breaker.Success()
		if i > 0 {
			c.logger.Info("Classifier fallback endpoint succeeded",
				zap.Int("endpoint", i+1),
				zap.String("model", ep.model))
		}
		return resp.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// AI is the Gateway backed by chat completion chains.
// Classification and suggestions may use different models.
type AI struct {
	classify *Chain
	suggest  *Chain
	timeout  time.Duration
	logger   *zap.Logger
}

// NewAI creates the gateway. suggest may be nil to reuse the classification chain.
// Every call is bounded by timeout.
func NewAI(classify, suggest *Chain, timeout time.Duration, logger *zap.Logger) *AI {
	if suggest == nil || suggest.Len() == 0 {
		suggest = classify
	}
	return &AI{
		classify: classify,
		suggest:  suggest,
		timeout:  timeout,
		logger:   logger,
	}
}

func (a *AI) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

// Classify implements Gateway
func (a *AI) Classify(ctx context.Context, raw string) (models.Classification, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	reply, err := a.classify.Complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt},
		{Role: openai.ChatMessageRoleUser, Content: "Clean and analyze this raw log line:\n\n" + raw},
	}, 300, 0.2)
	if err != nil {
		return models.Classification{}, err
	}
	return ParseClassification(reply, raw)
}

// SuggestFix implements Gateway
func (a *AI) SuggestFix(ctx context.Context, entry models.LogEntry, recent []models.LogEntry) (string, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	reply, err := a.suggest.Complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: suggestPrompt},
		{Role: openai.ChatMessageRoleUser, Content: describe(entry, recent)},
	}, 600, 0.3)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("%w: empty suggestion", ErrMalformedResponse)
	}
	return reply, nil
}

// Chat implements Gateway
func (a *AI) Chat(ctx context.Context, entry models.LogEntry, recent []models.LogEntry, question string) (string, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	reply, err := a.suggest.Complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: chatPrompt},
		{Role: openai.ChatMessageRoleUser, Content: describe(entry, recent) + "\n\nQuestion: " + question},
	}, 600, 0.3)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// describe renders the failing entry and its context window for a prompt
func describe(entry models.LogEntry, recent []models.LogEntry) string {
	var b strings.Builder
	b.WriteString("Failing entry:\n")
	b.WriteString(entry.Summary())
	if entry.Cleaned != nil && entry.Cleaned.Message != entry.Raw {
		b.WriteString("\nRaw line: ")
		b.WriteString(entry.Raw)
	}
	if entry.Cleaned != nil && entry.Cleaned.AnomalyReason != nil {
		b.WriteString("\nAnomaly: ")
		b.WriteString(*entry.Cleaned.AnomalyReason)
	}

	if len(recent) > 0 {
		b.WriteString("\n\nRecent entries (oldest first):\n")
		for _, e := range recent {
			b.WriteString("- ")
			b.WriteString(e.Summary())
			b.WriteString("\n")
		}
	}
	return b.String()
}
