package llm

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/pavelanni/examdesk/internal/model"
)

const unparseableFeedback = "Unable to parse grading response from LLM."

var (
	fenceRegex  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	objectRegex = regexp.MustCompile(`(?s)\{.*"score".*\}`)
)

// Grade is a provider's grading payload before normalization.
type Grade struct {
	Score          float64
	Feedback       string
	IsCorrect      *bool
	Misconceptions []string
}

// ParseGrade extracts a grading payload from a model reply. It tries the
// whole text as JSON, then a fenced code block, then the first {...} span
// that mentions "score". When all fail the raw text becomes the feedback
// and the score is zero.
func ParseGrade(raw string) Grade {
	if g, ok := decodeGrade(raw); ok {
		return g
	}
	if m := fenceRegex.FindStringSubmatch(raw); m != nil {
		if g, ok := decodeGrade(m[1]); ok {
			return g
		}
	}
	if m := objectRegex.FindString(raw); m != "" {
		if g, ok := decodeGrade(m); ok {
			return g
		}
	}
	feedback := strings.TrimSpace(raw)
	if feedback == "" {
		feedback = unparseableFeedback
	}
	return Grade{Feedback: feedback}
}

func decodeGrade(s string) (Grade, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &payload); err != nil || payload == nil {
		return Grade{}, false
	}
	var g Grade
	g.Score, _ = payload["score"].(float64)
	g.Feedback, _ = payload["feedback"].(string)
	if b, ok := payload["isCorrect"].(bool); ok {
		g.IsCorrect = &b
	}
	if list, ok := payload["misconceptions"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				g.Misconceptions = append(g.Misconceptions, s)
			}
		}
	}
	return g, true
}

// NormalizeGrade maps a payload onto the question's point scale. A score
// above maxPoints is read as a 0-100 percentage and rescaled, then clamped
// to [0, maxPoints] and rounded to two decimals. IsCorrect comes from the
// payload when it has one, otherwise from reaching full points.
func NormalizeGrade(g Grade, maxPoints int) model.GradingResult {
	maxF := float64(max(maxPoints, 0))
	score := g.Score
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0
	}
	if score > maxF {
		score = score / 100 * maxF
	}
	score = math.Max(0, math.Min(score, maxF))
	score = math.Round(score*100) / 100

	correct := score >= maxF
	if g.IsCorrect != nil {
		correct = *g.IsCorrect
	}
	misconceptions := g.Misconceptions
	if misconceptions == nil {
		misconceptions = []string{}
	}
	return model.GradingResult{
		Score:          score,
		IsCorrect:      correct,
		Feedback:       g.Feedback,
		Misconceptions: misconceptions,
	}
}
