package model

import "time"

// ResultsExport is the top-level JSON structure for result export.
type ResultsExport struct {
	ExamID     string         `json:"examId,omitempty"`
	ExamTitle  string         `json:"examTitle,omitempty"`
	ExportedAt time.Time      `json:"exportedAt"`
	Results    []ResultExport `json:"results"`
}

// ResultExport holds one submitted attempt with display fields resolved.
type ResultExport struct {
	ExamTitle string           `json:"examTitle"`
	UserName  string           `json:"userName"`
	Result    Result           `json:"result"`
	Questions []QuestionExport `json:"questions"`
}

// QuestionExport holds per-question data for the detailed export.
type QuestionExport struct {
	QuestionID    string       `json:"questionId"`
	Text          string       `json:"question"`
	Type          QuestionType `json:"type"`
	Points        int          `json:"points"`
	UserAnswer    string       `json:"userAnswer"`
	CorrectAnswer string       `json:"correctAnswer"`
	IsCorrect     bool         `json:"isCorrect"`
	Score         float64      `json:"score"`
	Feedback      string       `json:"feedback"`
	ManualReview  bool         `json:"needsManualReview,omitempty"`
}
