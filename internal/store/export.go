package store

import (
	"fmt"

	"github.com/pavelanni/examdesk/internal/model"
)

// ExportResults builds export-ready rows for the results matching f, with
// exam titles and user names resolved and questions in exam order.
func (s *Store) ExportResults(f ResultFilter) ([]model.ResultExport, error) {
	results, err := s.ListResults(f)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	exams := make(map[string]*model.Exam)
	names := make(map[string]string)

	var out []model.ResultExport
	for _, r := range results {
		exam, ok := exams[r.ExamID]
		if !ok {
			exam, err = s.GetExam(r.ExamID)
			if err != nil {
				return nil, fmt.Errorf("get exam %s: %w", r.ExamID, err)
			}
			exams[r.ExamID] = exam
		}

		name, ok := names[r.UserID]
		if !ok {
			user, err := s.GetUserByID(r.UserID)
			if err != nil {
				return nil, fmt.Errorf("get user %s: %w", r.UserID, err)
			}
			if user != nil {
				name = user.Name
			} else {
				name = r.UserID
			}
			names[r.UserID] = name
		}

		row := model.ResultExport{UserName: name, Result: r}
		if exam != nil {
			row.ExamTitle = exam.Metadata.Title
			row.Questions = questionRows(exam, r)
		} else {
			row.ExamTitle = r.ExamID
		}
		out = append(out, row)
	}
	return out, nil
}

func questionRows(exam *model.Exam, r model.Result) []model.QuestionExport {
	rows := make([]model.QuestionExport, 0, len(exam.Questions))
	for _, q := range exam.Questions {
		row := model.QuestionExport{
			QuestionID: q.ID,
			Text:       q.Text,
			Type:       q.Type,
			Points:     q.Points,
		}
		if resp, ok := r.Responses[q.ID]; ok {
			row.UserAnswer = q.DisplayAnswer(resp.Answer)
		}
		if q.Type.Objective() {
			row.CorrectAnswer = q.DisplayAnswer(q.CorrectAnswer)
		} else {
			row.CorrectAnswer = q.ExpectedAnswer
		}
		if g, ok := r.GradingResults[q.ID]; ok {
			row.IsCorrect = g.IsCorrect
			row.Score = g.Score
			row.Feedback = g.Feedback
			row.ManualReview = g.NeedsManualReview
		}
		rows = append(rows, row)
	}
	return rows
}
