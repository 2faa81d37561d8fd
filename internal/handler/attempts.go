package handler

import (
	"context"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examdesk/internal/attempt"
	appI18n "github.com/pavelanni/examdesk/internal/i18n"
	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/session"
	"github.com/pavelanni/examdesk/internal/store"
)

// attemptView is the learner's view of an attempt.
type attemptView struct {
	Session      model.Session    `json:"session"`
	Flagged      []string         `json:"flaggedQuestions"`
	Progress     session.Progress `json:"progress"`
	ProgressText string           `json:"progressText"`
	Question     *questionView    `json:"currentQuestion,omitempty"`
	Resumed      bool             `json:"resumed,omitempty"`
	Result       *model.Result    `json:"result,omitempty"`
	Notice       string           `json:"notice,omitempty"`
}

func newAttemptView(ctx context.Context, st session.State, res *model.Result) attemptView {
	flagged := st.FlaggedQuestions()
	if flagged == nil {
		flagged = []string{}
	}
	p := st.Progress()
	v := attemptView{
		Session:      st.Session(),
		Flagged:      flagged,
		Progress:     p,
		ProgressText: appI18n.Tp(ctx, "QuestionsAnswered", p.Answered),
		Result:       res,
	}
	if exam := st.Exam(); exam != nil && len(exam.Questions) > 0 {
		q := newQuestionView(exam.Questions[st.CurrentIndex()], st.Mode() == model.ModePractice)
		v.Question = &q
	}
	if st.Status() == model.StatusTimedOut {
		v.Notice = appI18n.T(ctx, "TimeExpired")
	}
	return v
}

func (h *Handler) writeAttempt(w http.ResponseWriter, r *http.Request, st session.State, res *model.Result) {
	writeJSON(w, http.StatusOK, newAttemptView(r.Context(), st, res))
}

type startAttemptRequest struct {
	Mode model.Mode `json:"mode"`
}

// handleStartAttempt resumes the caller's in-progress attempt at the exam
// or starts a new one. An empty mode picks the first mode the exam allows.
func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.lookupExam(w, r)
	if !ok {
		return
	}
	var req startAttemptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Mode == "" {
		if modes := summarizeExam(exam).AllowedModes; len(modes) > 0 {
			req.Mode = modes[0]
		}
	}

	user := model.UserFromContext(r.Context())
	runner, err := h.attempts.StartOrResume(r.Context(), exam, user.ID, req.Mode)
	if err != nil {
		attemptError(w, r, err)
		return
	}
	v := newAttemptView(r.Context(), runner.State(), runner.Result())
	if runner.Resumed() {
		v.Resumed = true
		v.Notice = appI18n.T(r.Context(), "AttemptResumed")
	}
	writeJSON(w, http.StatusOK, v)
}

// handleActiveAttempt returns the caller's in-memory attempt at the exam
// without starting one.
func (h *Handler) handleActiveAttempt(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	runner, ok := h.attempts.Active(user.ID, chi.URLParam(r, "examID"))
	if !ok || runner.Status() != model.StatusInProgress {
		writeError(w, r, http.StatusNotFound, "NoActiveSession")
		return
	}
	h.writeAttempt(w, r, runner.State(), runner.Result())
}

// runner returns the caller's active attempt named in the URL. Attempts
// that belong to someone else are reported as missing.
func (h *Handler) runner(w http.ResponseWriter, r *http.Request) (*attempt.Runner, bool) {
	runner, ok := h.attempts.Runner(chi.URLParam(r, "sessionID"))
	user := model.UserFromContext(r.Context())
	if !ok || runner.UserID() != user.ID {
		writeError(w, r, http.StatusNotFound, "SessionNotFound")
		return nil, false
	}
	return runner, true
}

// handleGetAttempt serves active attempts from memory and older ones from
// their stored record. Administrators may view any attempt.
func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	user := model.UserFromContext(r.Context())

	if runner, ok := h.attempts.Runner(id); ok && (runner.UserID() == user.ID || isAdmin(user)) {
		h.writeAttempt(w, r, runner.State(), runner.Result())
		return
	}

	snap, err := h.store.GetSession(id)
	if err != nil {
		internalError(w, r, "failed to get session", err)
		return
	}
	if snap == nil || (snap.UserID != user.ID && !isAdmin(user)) {
		writeError(w, r, http.StatusNotFound, "SessionNotFound")
		return
	}
	exam, err := h.store.GetExam(snap.ExamID)
	if err != nil {
		internalError(w, r, "failed to get exam", err)
		return
	}
	res, err := h.latestResult(snap.UserID, snap.ExamID, snap.ID)
	if err != nil {
		internalError(w, r, "failed to get result", err)
		return
	}
	h.writeAttempt(w, r, session.Restore(exam, *snap), res)
}

func (h *Handler) latestResult(userID, examID, sessionID string) (*model.Result, error) {
	results, err := h.store.ListResults(store.ResultFilter{UserID: userID, ExamID: examID})
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].SessionID == sessionID {
			return &results[i], nil
		}
	}
	return nil, nil
}

type answerRequest struct {
	Answer *model.Answer `json:"answer"`
}

func (h *Handler) handleSetAnswer(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.runner(w, r)
	if !ok {
		return
	}
	var req answerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	questionID := chi.URLParam(r, "questionID")
	q, _, found := runner.State().Exam().Question(questionID)
	if !found {
		writeError(w, r, http.StatusNotFound, "UnknownQuestion")
		return
	}
	if !answerFits(q, req.Answer) {
		writeError(w, r, http.StatusBadRequest, "InvalidAnswer")
		return
	}
	st, err := runner.SetAnswer(questionID, req.Answer)
	if err != nil {
		attemptError(w, r, err)
		return
	}
	h.writeAttempt(w, r, st, nil)
}

// answerFits reports whether a is the right kind of answer for q. A nil
// answer clears the question and always fits.
func answerFits(q model.Question, a *model.Answer) bool {
	if a == nil {
		return true
	}
	switch q.Type {
	case model.QuestionMultipleChoice:
		i, ok := a.Choice()
		return ok && i >= 0 && i < len(q.Options)
	case model.QuestionTrueFalse:
		_, ok := a.Bool()
		return ok
	case model.QuestionShortAnswer, model.QuestionLongAnswer:
		text, ok := a.Text()
		return ok && (q.MaxLength == 0 || utf8.RuneCountInString(text) <= q.MaxLength)
	}
	return false
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	if runner, ok := h.runner(w, r); ok {
		h.writeAttempt(w, r, runner.Next(r.Context()), runner.Result())
	}
}

func (h *Handler) handlePrev(w http.ResponseWriter, r *http.Request) {
	if runner, ok := h.runner(w, r); ok {
		h.writeAttempt(w, r, runner.Prev(r.Context()), runner.Result())
	}
}

func (h *Handler) handleGoTo(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.runner(w, r)
	if !ok {
		return
	}
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	h.writeAttempt(w, r, runner.GoTo(r.Context(), i), runner.Result())
}

func (h *Handler) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.runner(w, r)
	if !ok {
		return
	}
	st, err := runner.ToggleFlag(chi.URLParam(r, "questionID"))
	if err != nil {
		attemptError(w, r, err)
		return
	}
	h.writeAttempt(w, r, st, runner.Result())
}

// handleSubmit grades the attempt. Grading continues if the client goes
// away so the result is not lost.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.runner(w, r)
	if !ok {
		return
	}
	res, err := runner.Submit(context.WithoutCancel(r.Context()))
	if err != nil {
		attemptError(w, r, err)
		return
	}
	h.writeAttempt(w, r, runner.State(), res)
}

func (h *Handler) handleContinue(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.runner(w, r)
	if !ok {
		return
	}
	st, err := runner.ContinuePractice(r.Context())
	if err != nil {
		attemptError(w, r, err)
		return
	}
	h.writeAttempt(w, r, st, nil)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.runner(w, r)
	if !ok {
		return
	}
	st, err := runner.Abandon(r.Context())
	if err != nil {
		attemptError(w, r, err)
		return
	}
	h.writeAttempt(w, r, st, nil)
}

type coachResponse struct {
	QuestionID string `json:"questionId"`
	Hint       string `json:"hint"`
}

func (h *Handler) handleCoach(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.runner(w, r)
	if !ok {
		return
	}
	questionID := chi.URLParam(r, "questionID")
	hint, err := runner.Coach(r.Context(), questionID)
	if err != nil {
		attemptError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coachResponse{QuestionID: questionID, Hint: hint})
}
