package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/examdesk/internal/model"
)

// Templates holds the default prompt files.
//
//go:embed templates/*.txt
var Templates embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for majors.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Set is a parsed collection of prompt templates.
type Set struct {
	gradeSystem map[PromptVariant]*template.Template
	gradeUser   *template.Template
	coachSystem *template.Template
	coachUser   *template.Template
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the set parsed from the embedded templates. Parsing
// happens once.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = Load(Templates)
	})
	return defaultSet, defaultErr
}

// Load parses prompt templates from fsys, which must contain a templates/
// directory with the grade_<variant>.txt, grade_user.txt, coach_system.txt
// and coach_user.txt files.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{gradeSystem: make(map[PromptVariant]*template.Template)}

	for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
		tmpl, err := parseFile(fsys, "templates/grade_"+string(v)+".txt")
		if err != nil {
			return nil, err
		}
		s.gradeSystem[v] = tmpl
	}

	var err error
	if s.gradeUser, err = parseFile(fsys, "templates/grade_user.txt"); err != nil {
		return nil, err
	}
	if s.coachSystem, err = parseFile(fsys, "templates/coach_system.txt"); err != nil {
		return nil, err
	}
	if s.coachUser, err = parseFile(fsys, "templates/coach_user.txt"); err != nil {
		return nil, err
	}
	return s, nil
}

func parseFile(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	QuestionText   string
	Type           model.QuestionType
	MaxPoints      int
	ExpectedAnswer string
	Rubric         string
	KeyPoints      []string
	Answer         string
}

// Option is one labelled choice shown in a coaching prompt.
type Option struct {
	Label string
	Text  string
}

// CoachData holds template data for coaching prompts.
type CoachData struct {
	QuestionText  string
	Type          model.QuestionType
	Options       []Option
	Answer        string
	Attempt       int
	Hints         []string
	PreviousHints []string
}

// BuildGradePrompt returns the system and user messages asking for a JSON
// grade of answer.
func (s *Set) BuildGradePrompt(variant PromptVariant, q model.Question, answer *model.Answer) (system, user string, err error) {
	tmpl, ok := s.gradeSystem[variant]
	if !ok {
		return "", "", errors.New("invalid prompt variant: " + string(variant))
	}

	data := GradeData{
		QuestionText: q.Text,
		Type:         q.Type,
		MaxPoints:    maxPoints(q),
		Answer:       sanitizeAnswer(FormatAnswer(q, answer)),
	}
	switch {
	case q.CorrectAnswer != nil:
		data.ExpectedAnswer = mustJSON(q.CorrectAnswer)
	case q.ExpectedAnswer != "":
		data.ExpectedAnswer = mustJSON(q.ExpectedAnswer)
	}
	if q.Rubric != nil {
		data.Rubric = mustJSON(q.Rubric)
		data.KeyPoints = q.Rubric.KeyPoints
	}

	if system, err = execute(tmpl, data); err != nil {
		return "", "", err
	}
	if user, err = execute(s.gradeUser, data); err != nil {
		return "", "", err
	}
	return system, user, nil
}

// BuildCoachPrompt returns the system and user messages asking for a hint.
// Options are listed for choice questions; the correct answer never is.
func (s *Set) BuildCoachPrompt(q model.Question, answer *model.Answer, attempt int, previousHints []string) (system, user string, err error) {
	data := CoachData{
		QuestionText:  q.Text,
		Type:          q.Type,
		Answer:        sanitizeAnswer(FormatAnswer(q, answer)),
		Attempt:       max(attempt, 1),
		Hints:         q.Hints,
		PreviousHints: previousHints,
	}
	if q.Type.Objective() {
		for i, opt := range q.Options {
			data.Options = append(data.Options, Option{Label: model.OptionLabel(i), Text: opt})
		}
	}

	if system, err = execute(s.coachSystem, data); err != nil {
		return "", "", err
	}
	if user, err = execute(s.coachUser, data); err != nil {
		return "", "", err
	}
	return system, user, nil
}

// FormatAnswer renders a learner answer in human terms: the labelled option
// for choices, True/False for booleans, and the raw text otherwise.
func FormatAnswer(q model.Question, a *model.Answer) string {
	return q.DisplayAnswer(a)
}

func maxPoints(q model.Question) int {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
