package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/tokens"
)

// fakeProvider replays scripted replies and records what it was sent.
type fakeProvider struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	sent    [][]Message
	opts    []Options
	block   bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Send(ctx context.Context, messages []Message, opts Options) (string, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.sent = append(f.sent, messages)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func (f *fakeProvider) ValidateConfig(context.Context) Validation {
	return Validation{Valid: true}
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

var essay = model.Question{
	ID:             "q5",
	Type:           model.QuestionShortAnswer,
	Text:           "Why is the sky blue?",
	Points:         5,
	ExpectedAnswer: "Rayleigh scattering",
}

func newGateway(t *testing.T, p Provider, opts ...Option) (*Gateway, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	g, err := New(p, tokens.NewTracker(tokens.DefaultBudget), opts...)
	require.NoError(t, err)
	return g, rec
}

func TestGradeResponseNoProvider(t *testing.T) {
	g, _ := newGateway(t, nil)
	res, err := g.GradeResponse(context.Background(), essay, model.TextAnswer("light"))
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, g.Available())
}

func TestGradeResponseBudgetExhausted(t *testing.T) {
	p := &fakeProvider{replies: []string{`{"score":5}`}}
	g, _ := newGateway(t, p)
	g.Tracker().Add(tokens.DefaultBudget, 0)

	res, err := g.GradeResponse(context.Background(), essay, model.TextAnswer("light"))
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, p.calls)
}

func TestGradeResponseSuccess(t *testing.T) {
	p := &fakeProvider{replies: []string{`{"score": 4, "feedback": "Good", "isCorrect": false, "misconceptions": ["color of ocean"]}`}}
	var hooked tokens.Usage
	g, _ := newGateway(t, p, WithUsageHook(func(u tokens.Usage) { hooked = u }))

	res, err := g.GradeResponse(context.Background(), essay, model.TextAnswer("scattering of light"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 4.0, res.Score)
	assert.False(t, res.IsCorrect)
	assert.Equal(t, "Good", res.Feedback)
	assert.Equal(t, []string{"color of ocean"}, res.Misconceptions)

	require.Len(t, p.sent, 1)
	assert.Equal(t, RoleSystem, p.sent[0][0].Role)
	assert.Equal(t, RoleUser, p.sent[0][1].Role)
	assert.Contains(t, p.sent[0][1].Content, "scattering of light")
	assert.Equal(t, Options{MaxTokens: 512, Temperature: 0.3}, p.opts[0])

	assert.Greater(t, g.Tracker().Usage().Used, 0)
	assert.Equal(t, g.Tracker().Usage(), hooked)
}

func TestGradeResponseRetries(t *testing.T) {
	boom := errors.New("boom")
	p := &fakeProvider{
		errs:    []error{boom, boom},
		replies: []string{"", "", `{"score": 5}`},
	}
	g, rec := newGateway(t, p)

	res, err := g.GradeResponse(context.Background(), essay, model.TextAnswer("x"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 5.0, res.Score)
	assert.True(t, res.IsCorrect)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestGradeResponseUnavailable(t *testing.T) {
	boom := errors.New("connection refused")
	p := &fakeProvider{errs: []error{boom, boom, boom}, replies: []string{""}}
	g, rec := newGateway(t, p)

	res, err := g.GradeResponse(context.Background(), essay, model.TextAnswer("x"))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, p.calls)
	assert.Len(t, rec.delays, 2)
	assert.Equal(t, 0, g.Tracker().Usage().Used)
}

func TestAttemptTimeout(t *testing.T) {
	p := &fakeProvider{block: true}
	g, _ := newGateway(t, p, WithTimeout(10*time.Millisecond), WithRetry(2, time.Millisecond))

	start := time.Now()
	_, err := g.GradeResponse(context.Background(), essay, model.TextAnswer("x"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, p.calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCoach(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		g, _ := newGateway(t, nil)
		_, err := g.Coach(context.Background(), essay, model.TextAnswer("x"), 1, nil)
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("returns trimmed text", func(t *testing.T) {
		p := &fakeProvider{replies: []string{"  Think about wavelengths.  \n"}}
		g, _ := newGateway(t, p)
		hint, err := g.Coach(context.Background(), essay, model.TextAnswer("x"), 3, []string{"earlier hint"})
		require.NoError(t, err)
		assert.Equal(t, "Think about wavelengths.", hint)
		assert.Equal(t, Options{MaxTokens: 256, Temperature: 0.7}, p.opts[0])
		user := p.sent[0][1].Content
		assert.Contains(t, user, "Attempt number: 3")
		assert.Contains(t, user, "earlier hint")
		assert.NotContains(t, user, "Rayleigh")
	})
}

func TestSetProvider(t *testing.T) {
	g, _ := newGateway(t, nil)
	assert.False(t, g.Validate(context.Background()).Valid)

	g.SetProvider(&fakeProvider{replies: []string{`{"score":1}`}})
	assert.True(t, g.Available())
	assert.True(t, g.Validate(context.Background()).Valid)
}

func TestParseGrade(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		score    float64
		feedback string
		correct  *bool
	}{
		{"plain json", `{"score": 3, "feedback": "ok", "isCorrect": true}`, 3, "ok", boolPtr(true)},
		{"fenced", "Here you go:\n```json\n{\"score\": 2, \"feedback\": \"fine\"}\n```\nThanks", 2, "fine", nil},
		{"fenced without language", "```\n{\"score\": 1}\n```", 1, "", nil},
		{"embedded object", `Sure! {"score": 4, "feedback": "nice"} hope that helps`, 4, "nice", nil},
		{"non-numeric score", `{"score": "7", "feedback": "x"}`, 0, "x", nil},
		{"garbage", "I cannot grade this.", 0, "I cannot grade this.", nil},
		{"empty", "", 0, unparseableFeedback, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := ParseGrade(tt.raw)
			assert.Equal(t, tt.score, g.Score)
			assert.Equal(t, tt.feedback, g.Feedback)
			assert.Equal(t, tt.correct, g.IsCorrect)
		})
	}
}

func TestNormalizeGrade(t *testing.T) {
	tests := []struct {
		name    string
		in      Grade
		max     int
		score   float64
		correct bool
	}{
		{"within range", Grade{Score: 3.456}, 5, 3.46, false},
		{"full marks", Grade{Score: 5}, 5, 5, true},
		{"percentage scale", Grade{Score: 80}, 10, 8, false},
		{"percentage full", Grade{Score: 100}, 10, 10, true},
		{"above 100 clamps", Grade{Score: 250}, 10, 10, true},
		{"negative clamps", Grade{Score: -2}, 10, 0, false},
		{"payload isCorrect wins", Grade{Score: 2, IsCorrect: boolPtr(true)}, 10, 2, true},
		{"payload false at full marks", Grade{Score: 10, IsCorrect: boolPtr(false)}, 10, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NormalizeGrade(tt.in, tt.max)
			assert.InDelta(t, tt.score, r.Score, 1e-9)
			assert.Equal(t, tt.correct, r.IsCorrect)
			assert.NotNil(t, r.Misconceptions)
		})
	}
}

func TestPromptUsesVariant(t *testing.T) {
	p := &fakeProvider{replies: []string{`{"score":1}`}}
	g, _ := newGateway(t, p, WithVariant("strict"))
	_, err := g.GradeResponse(context.Background(), essay, model.TextAnswer("x"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(p.sent[0][0].Content, "strict"))
}

func boolPtr(b bool) *bool { return &b }
