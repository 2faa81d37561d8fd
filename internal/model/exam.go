package model

import "strconv"

// QuestionType identifies how a question is answered and graded.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionTrueFalse      QuestionType = "true-false"
	QuestionShortAnswer    QuestionType = "short-answer"
	QuestionLongAnswer     QuestionType = "long-answer"
)

// Objective reports whether answers of this type are graded by exact match.
func (t QuestionType) Objective() bool {
	return t == QuestionMultipleChoice || t == QuestionTrueFalse
}

// Mode is the way an exam is taken.
type Mode string

const (
	// ModePractice allows coaching and repeated attempts.
	ModePractice Mode = "practice"
	// ModeAssessment is timed when the exam has a limit and graded once.
	ModeAssessment Mode = "assessment"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePractice || m == ModeAssessment
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// DefaultPassingScore applies when an exam does not set one.
const DefaultPassingScore = 70

// Rubric guides AI grading of subjective answers.
type Rubric struct {
	KeyPoints       []string          `json:"keyPoints,omitempty" validate:"omitempty,dive,required"`
	GradingCriteria map[string]string `json:"gradingCriteria,omitempty"`
}

// Question is one item of an exam.
type Question struct {
	ID             string       `json:"id" validate:"required,question_id"`
	Type           QuestionType `json:"type" validate:"required,question_type"`
	Text           string       `json:"question" validate:"required,max=2000"`
	Points         int          `json:"points" validate:"min=1,max=20"`
	Difficulty     Difficulty   `json:"difficulty,omitempty"`
	Category       string       `json:"category,omitempty"`
	Options        []string     `json:"options,omitempty"`
	CorrectAnswer  *Answer      `json:"correctAnswer,omitempty"`
	ExpectedAnswer string       `json:"expectedAnswer,omitempty"`
	Rubric         *Rubric      `json:"rubric,omitempty"`
	MaxLength      int          `json:"maxLength,omitempty"`
	Explanation    string       `json:"explanation,omitempty"`
	Hints          []string     `json:"hints,omitempty"`
}

// ExamMetadata describes an exam.
type ExamMetadata struct {
	ID           string   `json:"id" validate:"required,exam_id"`
	Title        string   `json:"title" validate:"required,max=200"`
	Subject      string   `json:"subject" validate:"required"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version,omitempty"`
	Author       string   `json:"author,omitempty"`
	TimeLimit    *int     `json:"timeLimit,omitempty" validate:"omitempty,min=1,max=480"`
	PassingScore *float64 `json:"passingScore,omitempty" validate:"omitempty,min=0,max=100"`
	AllowedModes []Mode   `json:"allowedModes,omitempty" validate:"omitempty,min=1,dive,oneof=practice assessment"`
}

// Exam is a full exam definition. Questions keep their authored order.
type Exam struct {
	Metadata  ExamMetadata   `json:"examMetadata"`
	Questions []Question     `json:"questions" validate:"required,min=1,max=100,dive"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// ID returns the exam identifier.
func (e *Exam) ID() string {
	return e.Metadata.ID
}

// Question looks up a question by ID and returns its position.
func (e *Exam) Question(id string) (Question, int, bool) {
	for i, q := range e.Questions {
		if q.ID == id {
			return q, i, true
		}
	}
	return Question{}, -1, false
}

// TotalPoints sums the points of all questions.
func (e *Exam) TotalPoints() int {
	total := 0
	for _, q := range e.Questions {
		total += q.Points
	}
	return total
}

// PassingScore returns the configured passing percentage or the default.
func (e *Exam) PassingScore() float64 {
	if e.Metadata.PassingScore != nil {
		return *e.Metadata.PassingScore
	}
	return DefaultPassingScore
}

// AllowsMode reports whether the exam may be taken in mode m. An exam that
// lists no modes allows both.
func (e *Exam) AllowsMode(m Mode) bool {
	if len(e.Metadata.AllowedModes) == 0 {
		return m.Valid()
	}
	for _, allowed := range e.Metadata.AllowedModes {
		if allowed == m {
			return true
		}
	}
	return false
}

// TimeLimitSeconds returns the countdown for mode m, or nil when untimed.
func (e *Exam) TimeLimitSeconds(m Mode) *int {
	if m != ModeAssessment || e.Metadata.TimeLimit == nil || *e.Metadata.TimeLimit <= 0 {
		return nil
	}
	secs := *e.Metadata.TimeLimit * 60
	return &secs
}

// OptionLabel returns the letter shown for the i-th option (A, B, ...).
func OptionLabel(i int) string {
	if i >= 0 && i < 26 {
		return string(rune('A' + i))
	}
	return strconv.Itoa(i + 1)
}

// DisplayAnswer renders a for humans: the labelled option for choices,
// True/False for booleans and the raw text otherwise. Nil renders empty.
func (q Question) DisplayAnswer(a *Answer) string {
	if i, ok := a.Choice(); ok {
		if i >= 0 && i < len(q.Options) {
			return OptionLabel(i) + ". " + q.Options[i]
		}
		return "Option " + strconv.Itoa(i+1)
	}
	if b, ok := a.Bool(); ok {
		if b {
			return "True"
		}
		return "False"
	}
	return a.String()
}
