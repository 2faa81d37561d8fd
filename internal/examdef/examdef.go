// Package examdef decodes and validates exam definition files.
package examdef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/examdesk/internal/model"
)

const (
	mcOptionsMin   = 2
	mcOptionsMax   = 10
	hintsMax       = 3
	descriptionMax = 1000
	saLengthMin    = 50
	saLengthMax    = 500
	laLengthMin    = 200
	laLengthMax    = 2000
)

var (
	examIDPattern     = regexp.MustCompile(`^[a-z0-9-]+$`)
	questionIDPattern = regexp.MustCompile(`^q[0-9]+$`)
	versionPattern    = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)

	// Long-answer rubrics must describe every grading level.
	gradingLevels = []string{"excellent", "good", "satisfactory", "needs-improvement", "incorrect"}
)

// ErrInvalid is wrapped by every *InvalidError.
var ErrInvalid = errors.New("invalid exam definition")

// InvalidError lists every problem found in a definition.
type InvalidError struct {
	Problems []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalid, strings.Join(e.Problems, "; "))
}

func (e *InvalidError) Unwrap() error { return ErrInvalid }

// Validator checks exam definitions against the authoring rules.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator with the exam-specific tags registered. It panics
// if a tag cannot be registered.
func New() *Validator {
	v := validator.New()
	tags := []struct {
		name string
		fn   validator.Func
	}{
		{"exam_id", matches(examIDPattern)},
		{"question_id", matches(questionIDPattern)},
		{"question_type", validateQuestionType},
	}
	for _, tag := range tags {
		if err := v.RegisterValidation(tag.name, tag.fn); err != nil {
			panic(fmt.Sprintf("examdef: register %q: %v", tag.name, err))
		}
	}
	v.RegisterStructValidation(validateQuestion, model.Question{})
	v.RegisterStructValidation(validateExam, model.Exam{})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// Parse decodes data and validates it. Warnings are returned even when the
// definition is valid.
func (v *Validator) Parse(data []byte) (*model.Exam, []string, error) {
	var exam model.Exam
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&exam); err != nil {
		return nil, nil, fmt.Errorf("decode exam: %w", err)
	}
	warnings, err := v.Validate(&exam)
	if err != nil {
		return nil, warnings, err
	}
	return &exam, warnings, nil
}

// Validate returns warnings and, when the definition is unusable, an
// *InvalidError.
func (v *Validator) Validate(exam *model.Exam) ([]string, error) {
	warnings := collectWarnings(exam)
	err := v.validate.Struct(exam)
	if err == nil {
		return warnings, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return warnings, err
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return warnings, &InvalidError{Problems: problems}
}

func matches(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

func validateQuestionType(fl validator.FieldLevel) bool {
	switch model.QuestionType(fl.Field().String()) {
	case model.QuestionMultipleChoice, model.QuestionTrueFalse,
		model.QuestionShortAnswer, model.QuestionLongAnswer:
		return true
	}
	return false
}

func validateQuestion(sl validator.StructLevel) {
	q := sl.Current().Interface().(model.Question)

	switch q.Type {
	case model.QuestionMultipleChoice:
		if len(q.Options) < mcOptionsMin || len(q.Options) > mcOptionsMax {
			sl.ReportError(q.Options, "options", "Options", "options_count", "")
		}
		for _, opt := range q.Options {
			if opt == "" {
				sl.ReportError(q.Options, "options", "Options", "options_text", "")
				break
			}
		}
		i, ok := q.CorrectAnswer.Choice()
		if !ok {
			sl.ReportError(q.CorrectAnswer, "correctAnswer", "CorrectAnswer", "correct_choice", "")
		} else if i >= len(q.Options) {
			sl.ReportError(q.CorrectAnswer, "correctAnswer", "CorrectAnswer", "choice_range", fmt.Sprint(len(q.Options)-1))
		}
	case model.QuestionTrueFalse:
		if _, ok := q.CorrectAnswer.Bool(); !ok {
			sl.ReportError(q.CorrectAnswer, "correctAnswer", "CorrectAnswer", "correct_bool", "")
		}
	case model.QuestionShortAnswer, model.QuestionLongAnswer:
		if q.ExpectedAnswer == "" {
			sl.ReportError(q.ExpectedAnswer, "expectedAnswer", "ExpectedAnswer", "required", "")
		}
		if q.Rubric == nil || len(q.Rubric.KeyPoints) == 0 {
			sl.ReportError(q.Rubric, "rubric", "Rubric", "key_points", "")
		}
		if q.Type == model.QuestionLongAnswer && q.Rubric != nil {
			for _, level := range gradingLevels {
				if q.Rubric.GradingCriteria[level] == "" {
					sl.ReportError(q.Rubric, "rubric", "Rubric", "grading_level", level)
				}
			}
		}
	}
}

func validateExam(sl validator.StructLevel) {
	exam := sl.Current().Interface().(model.Exam)
	seen := make(map[string]bool, len(exam.Questions))
	for _, q := range exam.Questions {
		if q.ID == "" {
			continue
		}
		if seen[q.ID] {
			sl.ReportError(exam.Questions, "questions", "Questions", "unique_id", q.ID)
		}
		seen[q.ID] = true
	}
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Exam.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "exam_id":
		return field + " must contain only lowercase letters, numbers and hyphens"
	case "question_id":
		return fmt.Sprintf("%s %q must be q followed by numbers (e.g. \"q1\")", field, fe.Value())
	case "question_type":
		return fmt.Sprintf("%s must be one of: multiple-choice, true-false, short-answer, long-answer", field)
	case "options_count":
		return fmt.Sprintf("%s must have between %d and %d items", field, mcOptionsMin, mcOptionsMax)
	case "options_text":
		return field + " must all be non-empty"
	case "correct_choice":
		return field + " must be an option index for multiple-choice"
	case "choice_range":
		return fmt.Sprintf("%s is out of range (0-%s)", field, fe.Param())
	case "correct_bool":
		return field + " must be a boolean for true-false"
	case "key_points":
		return field + ".keyPoints is required and must not be empty"
	case "grading_level":
		return fmt.Sprintf("%s.gradingCriteria.%s is required for long-answer", field, fe.Param())
	case "unique_id":
		return fmt.Sprintf("%s: id %q is duplicated", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func collectWarnings(exam *model.Exam) []string {
	var warnings []string
	meta := exam.Metadata
	if len(meta.Description) > descriptionMax {
		warnings = append(warnings, fmt.Sprintf("examMetadata.description exceeds %d characters", descriptionMax))
	}
	if meta.Version != "" && !versionPattern.MatchString(meta.Version) {
		warnings = append(warnings, `examMetadata.version should look like "1.0" or "2.1.3"`)
	}
	if meta.TimeLimit == nil {
		warnings = append(warnings, "examMetadata.timeLimit not set, assessment mode will have no timer")
	}

	for i, q := range exam.Questions {
		prefix := fmt.Sprintf("questions[%d]", i)
		switch q.Difficulty {
		case "", model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard:
		default:
			warnings = append(warnings, fmt.Sprintf("%s.difficulty %q is not one of: easy, medium, hard", prefix, q.Difficulty))
		}
		if len(q.Hints) > hintsMax {
			warnings = append(warnings, fmt.Sprintf("%s.hints exceeds maximum of %d", prefix, hintsMax))
		}
		switch q.Type {
		case model.QuestionMultipleChoice, model.QuestionTrueFalse:
			if q.Explanation == "" {
				warnings = append(warnings, fmt.Sprintf("%s: no explanation provided", prefix))
			}
		case model.QuestionShortAnswer:
			if q.MaxLength != 0 && (q.MaxLength < saLengthMin || q.MaxLength > saLengthMax) {
				warnings = append(warnings, fmt.Sprintf("%s.maxLength should be between %d and %d", prefix, saLengthMin, saLengthMax))
			}
		case model.QuestionLongAnswer:
			if q.MaxLength != 0 && (q.MaxLength < laLengthMin || q.MaxLength > laLengthMax) {
				warnings = append(warnings, fmt.Sprintf("%s.maxLength should be between %d and %d", prefix, laLengthMin, laLengthMax))
			}
		}
	}
	return warnings
}
