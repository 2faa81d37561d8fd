// Package grading scores objective answers and totals an attempt.
package grading

import (
	"math"

	"github.com/pavelanni/examdesk/internal/model"
)

const (
	// FeedbackUnanswered is attached to questions left without an answer.
	FeedbackUnanswered = "No answer provided."
	// FeedbackManualReview is attached when no AI grade could be produced.
	FeedbackManualReview = "This answer requires manual review."
)

// Grade scores a multiple-choice or true/false answer by exact match and
// attaches the review fields. Unanswered questions of any type score zero.
// Subjective types that reach Grade with an answer are sent to manual
// review.
func Grade(q model.Question, answer *model.Answer) model.GradingResult {
	if answer == nil {
		return model.GradingResult{
			Score:          0,
			IsCorrect:      false,
			Feedback:       FeedbackUnanswered,
			CorrectAnswer:  q.CorrectAnswer,
			ExpectedAnswer: q.ExpectedAnswer,
			Explanation:    q.Explanation,
			Hints:          q.Hints,
		}
	}
	if !q.Type.Objective() {
		return ManualReview(q, answer)
	}

	correct := q.CorrectAnswer != nil && answer.Equal(q.CorrectAnswer)
	score := 0.0
	if correct {
		score = float64(q.Points)
	}
	return model.GradingResult{
		Score:         score,
		IsCorrect:     correct,
		UserAnswer:    answer,
		CorrectAnswer: q.CorrectAnswer,
		Explanation:   q.Explanation,
		Hints:         q.Hints,
	}
}

// ManualReview is the placeholder result for a subjective answer that could
// not be graded automatically.
func ManualReview(q model.Question, answer *model.Answer) model.GradingResult {
	return model.GradingResult{
		Score:             0,
		IsCorrect:         false,
		Feedback:          FeedbackManualReview,
		NeedsManualReview: true,
		UserAnswer:        answer,
		ExpectedAnswer:    q.ExpectedAnswer,
		Explanation:       q.Explanation,
		Hints:             q.Hints,
	}
}

// WithReviewFields attaches the question's review material to an AI grade.
func WithReviewFields(q model.Question, answer *model.Answer, r model.GradingResult) model.GradingResult {
	r.UserAnswer = answer
	r.ExpectedAnswer = q.ExpectedAnswer
	r.Explanation = q.Explanation
	r.Hints = q.Hints
	return r
}

// Summary holds the totals of a graded attempt.
type Summary struct {
	TotalPoints  int
	EarnedPoints float64
	Percentage   int
	PassingScore float64
	Passed       bool
}

// Summarize totals the grading results over every question in exam.
func Summarize(exam *model.Exam, results map[string]model.GradingResult) Summary {
	s := Summary{
		TotalPoints:  exam.TotalPoints(),
		PassingScore: exam.PassingScore(),
	}
	for _, q := range exam.Questions {
		s.EarnedPoints += results[q.ID].Score
	}
	s.EarnedPoints = Round2(s.EarnedPoints)
	if s.TotalPoints > 0 {
		s.Percentage = int(math.Round(s.EarnedPoints / float64(s.TotalPoints) * 100))
	}
	s.Passed = float64(s.Percentage) >= s.PassingScore
	return s
}

// Round2 rounds to two decimal places.
func Round2(f float64) float64 {
	return math.Round(f*100) / 100
}
