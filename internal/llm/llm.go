package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pavelanni/examdesk/internal/llm/prompts"
	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/tokens"
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Call defaults.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second

	gradeMaxTokens   = 512
	gradeTemperature = 0.3
	coachMaxTokens   = 256
	coachTemperature = 0.7
)

var (
	// ErrUnavailable is returned when every attempt to reach the provider failed.
	ErrUnavailable = errors.New("AI service unavailable")
	// ErrNotConfigured is returned when no provider is set or the token
	// budget is exhausted.
	ErrNotConfigured = errors.New("AI provider not configured")
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single completion.
type Options struct {
	MaxTokens   int
	Temperature float32
}

// Validation reports whether a provider configuration is usable.
type Validation struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Provider is a chat completion backend.
type Provider interface {
	Name() string
	Send(ctx context.Context, messages []Message, opts Options) (string, error)
	ValidateConfig(ctx context.Context) Validation
}

// Gateway wraps a Provider with timeouts, retries, prompt building and
// response parsing. The provider can be swapped at runtime.
type Gateway struct {
	mu       sync.RWMutex
	provider Provider

	prompts *prompts.Set
	variant prompts.PromptVariant
	tracker *tokens.Tracker
	logger  *slog.Logger
	onUsage func(tokens.Usage)

	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithVariant selects the grading strictness.
func WithVariant(v prompts.PromptVariant) Option {
	return func(g *Gateway) { g.variant = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithTimeout bounds each provider attempt.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithRetry sets the attempt count and the base backoff delay.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(g *Gateway) {
		g.maxAttempts = attempts
		g.backoff = backoff
	}
}

// WithSleep replaces the wait between attempts. Tests use it to avoid real
// delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = fn }
}

// WithUsageHook is called with the new totals after every successful call.
func WithUsageHook(fn func(tokens.Usage)) Option {
	return func(g *Gateway) { g.onUsage = fn }
}

// WithPrompts replaces the embedded prompt templates.
func WithPrompts(s *prompts.Set) Option {
	return func(g *Gateway) { g.prompts = s }
}

// New creates a gateway. p may be nil, in which case grading falls back to
// manual review until SetProvider is called.
func New(p Provider, tracker *tokens.Tracker, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		provider:    p,
		variant:     prompts.PromptStandard,
		tracker:     tracker,
		logger:      slog.Default(),
		timeout:     DefaultTimeout,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.prompts == nil {
		set, err := prompts.Default()
		if err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
		g.prompts = set
	}
	if g.tracker == nil {
		g.tracker = tokens.NewTracker(tokens.DefaultBudget)
	}
	if g.maxAttempts < 1 {
		g.maxAttempts = 1
	}
	return g, nil
}

// SetProvider swaps the backend. A nil provider disables AI calls. The
// previous backend is closed if it holds resources.
func (g *Gateway) SetProvider(p Provider) {
	g.mu.Lock()
	old := g.provider
	g.provider = p
	g.mu.Unlock()

	if c, ok := old.(io.Closer); ok && old != p {
		if err := c.Close(); err != nil {
			g.logger.Warn("failed to close previous provider", "provider", old.Name(), "error", err)
		}
	}
}

// Provider returns the current backend, or nil.
func (g *Gateway) Provider() Provider {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.provider
}

// Tracker returns the token budget the gateway charges.
func (g *Gateway) Tracker() *tokens.Tracker {
	return g.tracker
}

// Available reports whether a call would be attempted.
func (g *Gateway) Available() bool {
	return g.Provider() != nil && !g.tracker.Disabled()
}

// GradeResponse asks the provider to grade a subjective answer. It returns
// nil without calling out when no provider is configured or the budget is
// exhausted. Provider failures after all retries are reported as an error
// wrapping ErrUnavailable.
func (g *Gateway) GradeResponse(ctx context.Context, q model.Question, answer *model.Answer) (*model.GradingResult, error) {
	p := g.Provider()
	if p == nil || g.tracker.Disabled() {
		return nil, nil
	}

	system, user, err := g.prompts.BuildGradePrompt(g.variant, q, answer)
	if err != nil {
		return nil, fmt.Errorf("build grading prompt: %w", err)
	}
	raw, err := g.send(ctx, p, system, user, Options{MaxTokens: gradeMaxTokens, Temperature: gradeTemperature})
	if err != nil {
		return nil, err
	}
	g.logger.Debug("grading response", "question_id", q.ID, "provider", p.Name(), "raw", raw)

	result := NormalizeGrade(ParseGrade(raw), q.Points)
	return &result, nil
}

// Coach returns a short hint for a practice answer without revealing the
// correct one. attempt is 1-based; later attempts get more specific hints.
func (g *Gateway) Coach(ctx context.Context, q model.Question, answer *model.Answer, attempt int, previousHints []string) (string, error) {
	p := g.Provider()
	if p == nil || g.tracker.Disabled() {
		return "", ErrNotConfigured
	}

	system, user, err := g.prompts.BuildCoachPrompt(q, answer, attempt, previousHints)
	if err != nil {
		return "", fmt.Errorf("build coaching prompt: %w", err)
	}
	reply, err := g.send(ctx, p, system, user, Options{MaxTokens: coachMaxTokens, Temperature: coachTemperature})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// Validate checks the current provider's configuration.
func (g *Gateway) Validate(ctx context.Context) Validation {
	p := g.Provider()
	if p == nil {
		return Validation{Valid: false, Error: ErrNotConfigured.Error()}
	}
	return p.ValidateConfig(ctx)
}

// send calls the provider with a per-attempt timeout, retrying with
// exponential backoff, and charges the token budget on success.
func (g *Gateway) send(ctx context.Context, p Provider, system, user string, opts Options) (string, error) {
	messages := []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		reply, err := g.attempt(ctx, p, messages, opts)
		if err == nil {
			g.charge(system+user, reply)
			return reply, nil
		}
		lastErr = err
		g.logger.Warn("AI call failed",
			"provider", p.Name(),
			"attempt", attempt,
			"max_attempts", g.maxAttempts,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
		if attempt < g.maxAttempts {
			delay := g.backoff * time.Duration(1<<(attempt-1))
			if err := g.sleep(ctx, delay); err != nil {
				break
			}
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, g.maxAttempts, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, p Provider, messages []Message, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return p.Send(ctx, messages, opts)
}

func (g *Gateway) charge(input, output string) {
	g.tracker.Add(tokens.Estimate(input), tokens.Estimate(output))
	usage := g.tracker.Usage()
	if usage.Warning && !usage.Disabled {
		g.logger.Warn("AI token budget nearly exhausted", "used", usage.Used, "max", usage.Max)
	}
	if g.onUsage != nil {
		g.onUsage(usage)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
