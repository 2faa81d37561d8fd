package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// AnswerKind tells which variant an Answer holds.
type AnswerKind uint8

const (
	AnswerChoice AnswerKind = iota + 1
	AnswerBool
	AnswerText
)

// Answer is a learner's value for one question: an option index, a boolean
// or free text. A nil *Answer means the question is unanswered. On the wire
// an Answer is the bare JSON scalar.
type Answer struct {
	kind   AnswerKind
	choice int
	flag   bool
	text   string
}

// ChoiceAnswer returns a multiple-choice answer selecting option i.
func ChoiceAnswer(i int) *Answer {
	return &Answer{kind: AnswerChoice, choice: i}
}

// BoolAnswer returns a true/false answer.
func BoolAnswer(b bool) *Answer {
	return &Answer{kind: AnswerBool, flag: b}
}

// TextAnswer returns a free-text answer. An empty string is still an answer.
func TextAnswer(s string) *Answer {
	return &Answer{kind: AnswerText, text: s}
}

// Kind returns the variant held by a.
func (a *Answer) Kind() AnswerKind {
	if a == nil {
		return 0
	}
	return a.kind
}

// Choice returns the option index if a is a choice answer.
func (a *Answer) Choice() (int, bool) {
	if a.Kind() != AnswerChoice {
		return 0, false
	}
	return a.choice, true
}

// Bool returns the value if a is a true/false answer.
func (a *Answer) Bool() (bool, bool) {
	if a.Kind() != AnswerBool {
		return false, false
	}
	return a.flag, true
}

// Text returns the text if a is a free-text answer.
func (a *Answer) Text() (string, bool) {
	if a.Kind() != AnswerText {
		return "", false
	}
	return a.text, true
}

// Equal reports whether a and b hold the same variant and value.
func (a *Answer) Equal(b *Answer) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// String renders the value the way it is shown in prompts and exports.
func (a *Answer) String() string {
	switch a.Kind() {
	case AnswerChoice:
		return strconv.Itoa(a.choice)
	case AnswerBool:
		return strconv.FormatBool(a.flag)
	case AnswerText:
		return a.text
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler.
func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case AnswerChoice:
		return json.Marshal(a.choice)
	case AnswerBool:
		return json.Marshal(a.flag)
	case AnswerText:
		return json.Marshal(a.text)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty answer")
	}
	switch data[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		*a = Answer{kind: AnswerBool, flag: b}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		*a = Answer{kind: AnswerText, text: s}
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		if f != math.Trunc(f) || f < 0 {
			return fmt.Errorf("answer option index must be a non-negative integer, got %v", f)
		}
		*a = Answer{kind: AnswerChoice, choice: int(f)}
	}
	return nil
}
