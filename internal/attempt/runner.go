package attempt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examdesk/internal/grading"
	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/session"
)

// Runner drives one attempt. All methods are safe for concurrent use.
type Runner struct {
	svc   *Service
	id    string
	owner ownerKey

	// status mirrors st.Status() so the service can read it without
	// taking mu.
	status  atomic.Value
	ticking atomic.Bool

	mu         sync.Mutex
	st         session.State
	resumed    bool
	result     *model.Result
	coaching   map[string]*coachHistory
	savedAt    time.Time
	finishedAt time.Time
}

type coachHistory struct {
	attempts int
	hints    []string
}

// ID returns the session ID.
func (r *Runner) ID() string { return r.id }

// UserID returns the learner the attempt belongs to.
func (r *Runner) UserID() string { return r.owner.userID }

// Status returns the current session status.
func (r *Runner) Status() model.SessionStatus {
	return r.status.Load().(model.SessionStatus)
}

// State returns the current attempt state.
func (r *Runner) State() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

// Resumed reports whether the attempt was restored from a snapshot.
func (r *Runner) Resumed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumed
}

// Result returns the result of the latest submission, or nil.
func (r *Runner) Result() *model.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Runner) setState(st session.State) {
	r.st = st
	r.status.Store(st.Status())
}

// SetAnswer records an answer for questionID. A nil answer clears it.
func (r *Runner) SetAnswer(questionID string, answer *model.Answer) (session.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st.Status() != model.StatusInProgress {
		return r.st, ErrNoActiveSession
	}
	if _, ok := r.st.Response(questionID); !ok {
		return r.st, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	r.setState(r.st.SetAnswer(questionID, answer).Touch(r.svc.now()))
	return r.st, nil
}

// Next moves to the following question and autosaves.
func (r *Runner) Next(ctx context.Context) session.State {
	return r.navigate(ctx, session.State.Next)
}

// Prev moves to the preceding question and autosaves.
func (r *Runner) Prev(ctx context.Context) session.State {
	return r.navigate(ctx, session.State.Prev)
}

// GoTo jumps to question i and autosaves. Out-of-range indices are ignored.
func (r *Runner) GoTo(ctx context.Context, i int) session.State {
	return r.navigate(ctx, func(st session.State) session.State { return st.GoTo(i) })
}

func (r *Runner) navigate(ctx context.Context, move func(session.State) session.State) session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setState(move(r.st))
	r.autosave(ctx)
	return r.st
}

// ToggleFlag marks or unmarks questionID for review.
func (r *Runner) ToggleFlag(questionID string) (session.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, _, ok := r.st.Exam().Question(questionID); !ok {
		return r.st, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	r.setState(r.st.ToggleFlag(questionID))
	return r.st, nil
}

// Tick advances the countdown by one second. When time runs out the attempt
// is submitted before Tick returns, and the result is returned with it. An
// automatic submission that failed is retried on the next tick.
func (r *Runner) Tick(ctx context.Context) (session.State, *model.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.st.Status()
	r.setState(r.st.Tick())
	if r.st.Status() != model.StatusTimedOut || r.result != nil {
		return r.st, nil, nil
	}
	if before == model.StatusInProgress {
		r.svc.logger.Info("time limit reached, submitting", "session_id", r.id)
	}
	res, err := r.submitLocked(ctx)
	return r.st, res, err
}

// Submit locks every response, grades the attempt and stores the result.
// Subjective answers are graded concurrently; any that cannot be graded by
// AI are marked for manual review. If the result cannot be stored the
// attempt is left as it was so Submit can be retried.
func (r *Runner) Submit(ctx context.Context) (*model.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitLocked(ctx)
}

func (r *Runner) submitLocked(ctx context.Context) (*model.Result, error) {
	switch status := r.st.Status(); {
	case status == model.StatusCompleted,
		status == model.StatusTimedOut && r.result != nil:
		return nil, ErrAlreadySubmitted
	case status != model.StatusInProgress && status != model.StatusTimedOut:
		return nil, ErrNoActiveSession
	}

	svc := r.svc
	st := r.st
	exam := st.Exam()
	for _, q := range exam.Questions {
		st = st.Lock(q.ID)
	}

	results := make([]model.GradingResult, len(exam.Questions))
	var g errgroup.Group
	g.SetLimit(svc.concurrency)
	for i, q := range exam.Questions {
		resp, _ := st.Response(q.ID)
		if q.Type.Objective() || resp.Answer == nil || svc.grader == nil {
			results[i] = grading.Grade(q, resp.Answer)
			continue
		}
		g.Go(func() error {
			results[i] = r.gradeSubjective(ctx, q, resp.Answer)
			return nil
		})
	}
	_ = g.Wait()

	now := svc.now()
	for i, q := range exam.Questions {
		st = st.RecordGrading(q.ID, results[i])
		resp, _ := st.Response(q.ID)
		if err := svc.records.SaveResponse(st.ID(), resp, now); err != nil {
			svc.logger.Error("failed to save response",
				"session_id", st.ID(), "question_id", q.ID, "error", err)
		}
	}

	sum := grading.Summarize(exam, st.GradingResults())
	sess := st.Session()
	res := model.Result{
		ID:             svc.newID(),
		SessionID:      sess.ID,
		ExamID:         sess.ExamID,
		UserID:         sess.UserID,
		Mode:           sess.Mode,
		TotalPoints:    sum.TotalPoints,
		EarnedPoints:   sum.EarnedPoints,
		Percentage:     sum.Percentage,
		PassingScore:   sum.PassingScore,
		Passed:         sum.Passed,
		CompletedAt:    now,
		GradingResults: sess.GradingResults,
		Responses:      sess.Responses,
	}
	if err := svc.records.SaveResult(res); err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}

	r.setState(st.Complete(now))
	r.result = &res
	r.finishedAt = now
	if err := svc.records.SaveSession(r.st.Snapshot(now)); err != nil {
		svc.logger.Error("failed to save session", "session_id", r.id, "error", err)
	}
	if err := svc.snapshots.ClearSnapshot(ctx, sess.UserID, sess.ExamID); err != nil {
		svc.logger.Warn("failed to clear snapshot", "session_id", r.id, "error", err)
	}
	svc.logger.Info("attempt submitted",
		"session_id", r.id, "result_id", res.ID,
		"earned", res.EarnedPoints, "total", res.TotalPoints,
		"percentage", res.Percentage, "passed", res.Passed)
	return &res, nil
}

func (r *Runner) gradeSubjective(ctx context.Context, q model.Question, answer *model.Answer) model.GradingResult {
	got, err := r.svc.grader.GradeResponse(ctx, q, answer)
	if err != nil {
		r.svc.logger.Warn("AI grading failed, marking for manual review",
			"session_id", r.id, "question_id", q.ID, "error", err)
		return grading.ManualReview(q, answer)
	}
	if got == nil {
		return grading.ManualReview(q, answer)
	}
	return grading.WithReviewFields(q, answer, *got)
}

// Autosave snapshots an in-progress attempt and updates its session record.
// Failures are logged and otherwise ignored.
func (r *Runner) Autosave(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autosave(ctx)
}

func (r *Runner) autosave(ctx context.Context) {
	if r.st.Status() != model.StatusInProgress {
		return
	}
	now := r.svc.now()
	snap := r.st.Snapshot(now)
	if err := r.svc.snapshots.SaveSnapshot(ctx, snap); err != nil {
		r.svc.logger.Warn("autosave failed", "session_id", r.id, "error", err)
	}
	if err := r.svc.records.SaveSession(snap); err != nil {
		r.svc.logger.Warn("failed to update session record", "session_id", r.id, "error", err)
	}
	r.savedAt = now
}

func (r *Runner) dueForAutosave(now time.Time, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return interval > 0 && r.st.Status() == model.StatusInProgress && now.Sub(r.savedAt) >= interval
}

func (r *Runner) expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.finishedAt.IsZero() && r.st.Status().Finished() && now.Sub(r.finishedAt) >= finishedRetention
}

// ContinuePractice reopens a submitted practice attempt under the same
// session ID so the learner can revise their answers.
func (r *Runner) ContinuePractice(ctx context.Context) (session.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st.Mode() != model.ModePractice {
		return r.st, ErrNotPractice
	}
	if r.st.Status() != model.StatusCompleted {
		return r.st, ErrNotSubmitted
	}
	if !r.svc.reactivate(r) {
		return r.st, ErrAttemptInProgress
	}

	now := r.svc.now()
	r.setState(r.st.Reopen(now))
	r.result = nil
	r.finishedAt = time.Time{}
	r.coaching = make(map[string]*coachHistory)
	r.autosave(ctx)
	r.svc.logger.Info("practice attempt reopened", "session_id", r.id)
	return r.st, nil
}

// Coach asks for a hint on the learner's current answer to questionID.
// Each call for the same question counts as a further attempt and gets a
// more specific hint.
func (r *Runner) Coach(ctx context.Context, questionID string) (string, error) {
	r.mu.Lock()
	if r.st.Mode() != model.ModePractice {
		r.mu.Unlock()
		return "", ErrNotPractice
	}
	q, _, ok := r.st.Exam().Question(questionID)
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	resp, _ := r.st.Response(questionID)
	if resp.Answer == nil {
		r.mu.Unlock()
		return "", ErrUnanswered
	}
	if r.svc.grader == nil {
		r.mu.Unlock()
		return "", ErrNoGrader
	}
	h := r.coaching[questionID]
	if h == nil {
		h = &coachHistory{}
		r.coaching[questionID] = h
	}
	attempt := h.attempts + 1
	previous := slices.Clone(h.hints)
	r.mu.Unlock()

	// The provider call can take a while; other actions on the attempt
	// proceed meanwhile.
	hint, err := r.svc.grader.Coach(ctx, q, resp.Answer, attempt, previous)
	if err != nil {
		return "", fmt.Errorf("coach: %w", err)
	}

	r.mu.Lock()
	h.attempts++
	h.hints = append(h.hints, hint)
	r.mu.Unlock()
	return hint, nil
}

// Abandon ends an in-progress attempt without grading it.
func (r *Runner) Abandon(ctx context.Context) (session.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st.Status() != model.StatusInProgress {
		return r.st, ErrNoActiveSession
	}
	now := r.svc.now()
	r.setState(r.st.Abandon(now))
	r.finishedAt = now

	sess := r.st.Session()
	if err := r.svc.records.SaveSession(r.st.Snapshot(now)); err != nil {
		r.svc.logger.Error("failed to save session", "session_id", r.id, "error", err)
	}
	if err := r.svc.snapshots.ClearSnapshot(ctx, sess.UserID, sess.ExamID); err != nil {
		r.svc.logger.Warn("failed to clear snapshot", "session_id", r.id, "error", err)
	}
	r.svc.logger.Info("attempt abandoned", "session_id", r.id)
	return r.st, nil
}

// IsUserError reports whether err comes from a learner action that is not
// valid in the attempt's current state.
func IsUserError(err error) bool {
	for _, target := range []error{
		ErrNoActiveSession, ErrAlreadySubmitted, ErrNotPractice, ErrModeNotAllowed,
		ErrUnknownQuestion, ErrUnanswered, ErrNotSubmitted, ErrAttemptInProgress,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
