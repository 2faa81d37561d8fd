package model

import (
	"slices"
	"time"
)

// SessionStatus represents the lifecycle state of an exam attempt.
type SessionStatus string

const (
	StatusNotStarted SessionStatus = "not_started"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusTimedOut   SessionStatus = "timed_out"
	StatusAbandoned  SessionStatus = "abandoned"
)

// Finished reports whether no further answers are accepted in status s.
func (s SessionStatus) Finished() bool {
	return s == StatusCompleted || s == StatusTimedOut || s == StatusAbandoned
}

// Response is the learner's answer slot for one question.
type Response struct {
	QuestionID string  `json:"questionId"`
	Answer     *Answer `json:"answer"`
	Submitted  bool    `json:"submitted"`
	Locked     bool    `json:"locked"`
}

// Answered reports whether a value has been given.
func (r Response) Answered() bool {
	return r.Answer != nil
}

// FlagSet is the set of question IDs marked for review.
type FlagSet map[string]struct{}

// Has reports whether id is flagged.
func (f FlagSet) Has(id string) bool {
	_, ok := f[id]
	return ok
}

// Ordered returns the flagged IDs in the order they appear in exam.
// IDs not present in the exam follow in lexical order.
func (f FlagSet) Ordered(exam *Exam) []string {
	out := make([]string, 0, len(f))
	seen := make(map[string]struct{}, len(f))
	if exam != nil {
		for _, q := range exam.Questions {
			if f.Has(q.ID) {
				out = append(out, q.ID)
				seen[q.ID] = struct{}{}
			}
		}
	}
	var rest []string
	for id := range f {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}

// NewFlagSet builds a set from a list of IDs.
func NewFlagSet(ids []string) FlagSet {
	f := make(FlagSet, len(ids))
	for _, id := range ids {
		f[id] = struct{}{}
	}
	return f
}

// Session is one learner's attempt at one exam.
type Session struct {
	ID             string                   `json:"id"`
	ExamID         string                   `json:"examId"`
	UserID         string                   `json:"userId"`
	Mode           Mode                     `json:"mode"`
	CurrentIndex   int                      `json:"currentIndex"`
	Responses      map[string]Response      `json:"responses"`
	Flagged        FlagSet                  `json:"-"`
	TimeRemaining  *int                     `json:"timeRemaining,omitempty"`
	Status         SessionStatus            `json:"status"`
	GradingResults map[string]GradingResult `json:"gradingResults,omitempty"`
	StartedAt      time.Time                `json:"startedAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
	CompletedAt    *time.Time               `json:"completedAt,omitempty"`
}

// GradingResult is the outcome of grading a single response.
type GradingResult struct {
	Score             float64  `json:"score"`
	IsCorrect         bool     `json:"isCorrect"`
	Feedback          string   `json:"feedback,omitempty"`
	Misconceptions    []string `json:"misconceptions,omitempty"`
	NeedsManualReview bool     `json:"needsManualReview,omitempty"`
	UserAnswer        *Answer  `json:"userAnswer,omitempty"`
	CorrectAnswer     *Answer  `json:"correctAnswer,omitempty"`
	ExpectedAnswer    string   `json:"expectedAnswer,omitempty"`
	Explanation       string   `json:"explanation,omitempty"`
	Hints             []string `json:"hints,omitempty"`
}

// Result is the immutable record of a submitted attempt.
type Result struct {
	ID             string                   `json:"id"`
	SessionID      string                   `json:"sessionId"`
	ExamID         string                   `json:"examId"`
	UserID         string                   `json:"userId"`
	Mode           Mode                     `json:"mode"`
	TotalPoints    int                      `json:"totalPoints"`
	EarnedPoints   float64                  `json:"earnedPoints"`
	Percentage     int                      `json:"percentage"`
	PassingScore   float64                  `json:"passingScore"`
	Passed         bool                     `json:"passed"`
	CompletedAt    time.Time                `json:"completedAt"`
	GradingResults map[string]GradingResult `json:"gradingResults"`
	Responses      map[string]Response      `json:"responses"`
}

// Snapshot is the autosave form of a session. Flags are an ordered list so
// the record round-trips through JSON.
type Snapshot struct {
	Session
	FlaggedQuestions []string  `json:"flaggedQuestions"`
	SavedAt          time.Time `json:"savedAt"`
}
