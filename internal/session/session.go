// Package session implements the exam attempt state machine. A State is a
// value: every transition returns a new State and leaves the receiver
// untouched, so callers can hold on to earlier states safely.
package session

import (
	"maps"
	"math"
	"time"

	"github.com/pavelanni/examdesk/internal/model"
)

// State pairs an exam definition with one attempt at it.
type State struct {
	exam *model.Exam
	s    model.Session
}

// Progress is derived from the responses on demand.
type Progress struct {
	Answered   int `json:"answered"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// New returns a not-started state for exam. Transitions other than Start
// are no-ops on it.
func New(exam *model.Exam) State {
	return State{exam: exam, s: model.Session{Status: model.StatusNotStarted}}
}

// Start begins a fresh attempt: one empty response per question, the first
// question selected, no flags, and a countdown only for timed assessments.
func Start(exam *model.Exam, mode model.Mode, sessionID, userID string, now time.Time) State {
	responses := make(map[string]model.Response, len(exam.Questions))
	for _, q := range exam.Questions {
		responses[q.ID] = model.Response{QuestionID: q.ID}
	}
	return State{
		exam: exam,
		s: model.Session{
			ID:             sessionID,
			ExamID:         exam.ID(),
			UserID:         userID,
			Mode:           mode,
			Responses:      responses,
			Flagged:        model.FlagSet{},
			TimeRemaining:  exam.TimeLimitSeconds(mode),
			Status:         model.StatusInProgress,
			GradingResults: map[string]model.GradingResult{},
			StartedAt:      now,
			UpdatedAt:      now,
		},
	}
}

// Restore rebuilds a state from an autosave snapshot. The snapshot is
// reconciled with the current exam definition: questions added since it was
// taken get an empty response, and entries for removed questions are dropped.
func Restore(exam *model.Exam, snap model.Snapshot) State {
	s := snap.Session
	s.Responses = make(map[string]model.Response, len(exam.Questions))
	s.GradingResults = map[string]model.GradingResult{}
	s.Flagged = model.FlagSet{}
	flagged := model.NewFlagSet(snap.FlaggedQuestions)
	for _, q := range exam.Questions {
		resp, ok := snap.Responses[q.ID]
		if !ok {
			resp = model.Response{QuestionID: q.ID}
		}
		s.Responses[q.ID] = resp
		if g, ok := snap.GradingResults[q.ID]; ok {
			s.GradingResults[q.ID] = g
		}
		if _, ok := flagged[q.ID]; ok {
			s.Flagged[q.ID] = struct{}{}
		}
	}
	if s.TimeRemaining != nil {
		t := *s.TimeRemaining
		s.TimeRemaining = &t
	}
	st := State{exam: exam, s: s}
	st.s.CurrentIndex = st.clampIndex(s.CurrentIndex)
	return st
}

// Exam returns the exam definition the state refers to.
func (st State) Exam() *model.Exam {
	return st.exam
}

// Session returns a copy of the attempt. Mutating the returned maps does not
// affect st.
func (st State) Session() model.Session {
	return st.clone().s
}

// Status returns the current lifecycle status.
func (st State) Status() model.SessionStatus {
	return st.s.Status
}

// ID returns the session identifier.
func (st State) ID() string {
	return st.s.ID
}

// Mode returns the mode the attempt runs in.
func (st State) Mode() model.Mode {
	return st.s.Mode
}

// CurrentIndex returns the position of the selected question.
func (st State) CurrentIndex() int {
	return st.s.CurrentIndex
}

// TimeRemaining returns the countdown in seconds, or nil when untimed.
func (st State) TimeRemaining() *int {
	if st.s.TimeRemaining == nil {
		return nil
	}
	t := *st.s.TimeRemaining
	return &t
}

// Response returns the slot for questionID.
func (st State) Response(questionID string) (model.Response, bool) {
	r, ok := st.s.Responses[questionID]
	return r, ok
}

// Flagged reports whether questionID is marked for review.
func (st State) Flagged(questionID string) bool {
	return st.s.Flagged.Has(questionID)
}

// FlaggedQuestions returns the flagged IDs in exam order.
func (st State) FlaggedQuestions() []string {
	return st.s.Flagged.Ordered(st.exam)
}

// GradingResults returns a copy of the grading results recorded so far.
func (st State) GradingResults() map[string]model.GradingResult {
	return maps.Clone(st.s.GradingResults)
}

func (st State) inProgress() bool {
	return st.s.Status == model.StatusInProgress
}

func (st State) questionCount() int {
	if st.exam == nil {
		return 0
	}
	return len(st.exam.Questions)
}

func (st State) clampIndex(i int) int {
	n := st.questionCount()
	if n == 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// clone copies every map so the result can be modified freely.
func (st State) clone() State {
	c := st
	c.s.Responses = maps.Clone(st.s.Responses)
	c.s.Flagged = maps.Clone(st.s.Flagged)
	c.s.GradingResults = maps.Clone(st.s.GradingResults)
	if st.s.TimeRemaining != nil {
		t := *st.s.TimeRemaining
		c.s.TimeRemaining = &t
	}
	if st.s.CompletedAt != nil {
		t := *st.s.CompletedAt
		c.s.CompletedAt = &t
	}
	return c
}

// SetAnswer records answer for questionID. It is a no-op unless the attempt
// is in progress and the response exists and is unlocked. A nil answer
// clears the slot.
func (st State) SetAnswer(questionID string, answer *model.Answer) State {
	if !st.inProgress() {
		return st
	}
	r, ok := st.s.Responses[questionID]
	if !ok || r.Locked {
		return st
	}
	next := st.clone()
	r.Answer = answer
	next.s.Responses[questionID] = r
	return next
}

// Next selects the following question, staying on the last one.
func (st State) Next() State {
	return st.GoTo(st.s.CurrentIndex + 1)
}

// Prev selects the preceding question, staying on the first one.
func (st State) Prev() State {
	return st.GoTo(st.s.CurrentIndex - 1)
}

// GoTo selects question i. Out-of-range indices are ignored.
func (st State) GoTo(i int) State {
	if i < 0 || i >= st.questionCount() || i == st.s.CurrentIndex {
		return st
	}
	next := st.clone()
	next.s.CurrentIndex = i
	return next
}

// ToggleFlag adds or removes questionID from the review set. Unknown IDs
// are ignored.
func (st State) ToggleFlag(questionID string) State {
	if st.exam == nil {
		return st
	}
	if _, _, ok := st.exam.Question(questionID); !ok {
		return st
	}
	next := st.clone()
	if next.s.Flagged == nil {
		next.s.Flagged = model.FlagSet{}
	}
	if next.s.Flagged.Has(questionID) {
		delete(next.s.Flagged, questionID)
	} else {
		next.s.Flagged[questionID] = struct{}{}
	}
	return next
}

// Tick counts down one second. Reaching zero moves the attempt to
// timed_out; the counter never goes negative. Untimed or finished attempts
// are unchanged.
func (st State) Tick() State {
	if !st.inProgress() || st.s.TimeRemaining == nil {
		return st
	}
	next := st.clone()
	remaining := *next.s.TimeRemaining - 1
	if remaining <= 0 {
		remaining = 0
		next.s.Status = model.StatusTimedOut
	}
	next.s.TimeRemaining = &remaining
	return next
}

// Lock freezes the response for questionID and marks it submitted.
func (st State) Lock(questionID string) State {
	r, ok := st.s.Responses[questionID]
	if !ok || r.Locked {
		return st
	}
	next := st.clone()
	r.Locked = true
	r.Submitted = true
	next.s.Responses[questionID] = r
	return next
}

// LockAll freezes every response.
func (st State) LockAll() State {
	next := st.clone()
	for id, r := range next.s.Responses {
		r.Locked = true
		r.Submitted = true
		next.s.Responses[id] = r
	}
	return next
}

// UnlockAll reopens every response for editing.
func (st State) UnlockAll() State {
	next := st.clone()
	for id, r := range next.s.Responses {
		r.Locked = false
		r.Submitted = false
		next.s.Responses[id] = r
	}
	return next
}

// RecordGrading stores the grading outcome for one question.
func (st State) RecordGrading(questionID string, result model.GradingResult) State {
	next := st.clone()
	if next.s.GradingResults == nil {
		next.s.GradingResults = map[string]model.GradingResult{}
	}
	next.s.GradingResults[questionID] = result
	return next
}

// Complete finishes the attempt after grading. An attempt that ran out of
// time keeps its timed_out status.
func (st State) Complete(now time.Time) State {
	if st.s.Status != model.StatusInProgress && st.s.Status != model.StatusTimedOut {
		return st
	}
	next := st.clone()
	if next.s.Status == model.StatusInProgress {
		next.s.Status = model.StatusCompleted
	}
	next.s.CompletedAt = &now
	next.s.UpdatedAt = now
	return next
}

// Abandon ends an in-progress attempt without grading.
func (st State) Abandon(now time.Time) State {
	if !st.inProgress() {
		return st
	}
	next := st.clone()
	next.s.Status = model.StatusAbandoned
	next.s.UpdatedAt = now
	return next
}

// Reopen puts a finished practice attempt back in progress with every
// response unlocked and previous grading cleared. Assessment attempts are
// unchanged.
func (st State) Reopen(now time.Time) State {
	if st.s.Mode != model.ModePractice || st.s.Status != model.StatusCompleted {
		return st
	}
	next := st.UnlockAll()
	next.s.Status = model.StatusInProgress
	next.s.GradingResults = map[string]model.GradingResult{}
	next.s.CompletedAt = nil
	next.s.UpdatedAt = now
	return next
}

// Touch records the time of the latest change.
func (st State) Touch(now time.Time) State {
	next := st.clone()
	next.s.UpdatedAt = now
	return next
}

// Progress counts answered questions.
func (st State) Progress() Progress {
	p := Progress{Total: st.questionCount()}
	if st.exam != nil {
		for _, q := range st.exam.Questions {
			if r, ok := st.s.Responses[q.ID]; ok && r.Answered() {
				p.Answered++
			}
		}
	}
	if p.Total > 0 {
		p.Percentage = int(math.Round(float64(p.Answered) / float64(p.Total) * 100))
	}
	return p
}

// Snapshot returns the autosave form of the attempt.
func (st State) Snapshot(now time.Time) model.Snapshot {
	c := st.clone()
	return model.Snapshot{
		Session:          c.s,
		FlaggedQuestions: st.s.Flagged.Ordered(st.exam),
		SavedAt:          now,
	}
}
