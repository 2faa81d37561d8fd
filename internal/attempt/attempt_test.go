package attempt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examdesk/internal/grading"
	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/store"
)

type fakeGrader struct {
	mu         sync.Mutex
	grade      *model.GradingResult
	err        error
	gradeCalls int
	coachCalls []coachCall
	coachErr   error
}

type coachCall struct {
	questionID string
	attempt    int
	previous   []string
}

func (g *fakeGrader) GradeResponse(_ context.Context, _ model.Question, _ *model.Answer) (*model.GradingResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gradeCalls++
	if g.err != nil {
		return nil, g.err
	}
	if g.grade == nil {
		return nil, nil
	}
	res := *g.grade
	return &res, nil
}

func (g *fakeGrader) Coach(_ context.Context, q model.Question, _ *model.Answer, attempt int, previous []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.coachErr != nil {
		return "", g.coachErr
	}
	g.coachCalls = append(g.coachCalls, coachCall{questionID: q.ID, attempt: attempt, previous: previous})
	return fmt.Sprintf("hint %d", attempt), nil
}

// failingResults rejects results while fail is set.
type failingResults struct {
	*store.Store
	fail bool
}

func (f *failingResults) SaveResult(r model.Result) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.SaveResult(r)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testExam() *model.Exam {
	limit := 1
	return &model.Exam{
		Metadata: model.ExamMetadata{ID: "bio-101", Title: "Cell Biology", TimeLimit: &limit},
		Questions: []model.Question{
			{ID: "q1", Type: model.QuestionMultipleChoice, Text: "Powerhouse?", Points: 2,
				Options: []string{"Nucleus", "Mitochondria"}, CorrectAnswer: model.ChoiceAnswer(1)},
			{ID: "q2", Type: model.QuestionTrueFalse, Text: "Plants have walls.", Points: 1,
				CorrectAnswer: model.BoolAnswer(true)},
			{ID: "q3", Type: model.QuestionShortAnswer, Text: "Osmosis?", Points: 2,
				ExpectedAnswer: "Water crossing a membrane."},
		},
	}
}

type fixture struct {
	svc    *Service
	store  *store.Store
	grader *fakeGrader
	clock  *clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:  st,
		grader: &fakeGrader{},
		clock:  &clock{t: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)},
	}
	n := 0
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(f.clock.now),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }),
	}
	f.svc = NewService(st, st, f.grader, append(base, opts...)...)
	return f
}

func TestSubmitGradesAndStoresResult(t *testing.T) {
	f := newFixture(t)
	f.grader.err = errors.New("provider down")
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	assert.False(t, r.Resumed())

	_, err = r.SetAnswer("q1", model.ChoiceAnswer(1))
	require.NoError(t, err)
	_, err = r.SetAnswer("q2", model.BoolAnswer(false))
	require.NoError(t, err)
	_, err = r.SetAnswer("q3", model.TextAnswer("It is a kind of diffusion."))
	require.NoError(t, err)

	res, err := r.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalPoints)
	assert.Equal(t, 2.0, res.EarnedPoints)
	assert.Equal(t, 40, res.Percentage)
	assert.False(t, res.Passed)
	assert.Equal(t, 70.0, res.PassingScore)

	q3 := res.GradingResults["q3"]
	assert.True(t, q3.NeedsManualReview)
	assert.Equal(t, grading.FeedbackManualReview, q3.Feedback)
	assert.Equal(t, "Water crossing a membrane.", q3.ExpectedAnswer)
	assert.Equal(t, 1, f.grader.gradeCalls)

	st := r.State()
	assert.Equal(t, model.StatusCompleted, st.Status())
	for _, q := range testExam().Questions {
		resp, _ := st.Response(q.ID)
		assert.True(t, resp.Locked, q.ID)
		assert.True(t, resp.Submitted, q.ID)
	}

	stored, err := f.store.GetResult(res.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 40, stored.Percentage)

	responses, err := f.store.ListResponses(r.ID())
	require.NoError(t, err)
	assert.Len(t, responses, 3)

	snap, err := f.store.LoadSnapshot(ctx, "alice", "bio-101")
	require.NoError(t, err)
	assert.Nil(t, snap, "snapshot should be cleared after submit")

	sess, err := f.store.GetSession(r.ID())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, model.StatusCompleted, sess.Status)

	_, err = r.Submit(ctx)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	_, err = r.SetAnswer("q1", model.ChoiceAnswer(0))
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestSubmitUsesAIGrade(t *testing.T) {
	f := newFixture(t)
	f.grader.grade = &model.GradingResult{Score: 1.5, Feedback: "Mostly right."}
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModePractice)
	require.NoError(t, err)
	_, err = r.SetAnswer("q3", model.TextAnswer("water moves"))
	require.NoError(t, err)

	res, err := r.Submit(ctx)
	require.NoError(t, err)
	q3 := res.GradingResults["q3"]
	assert.Equal(t, 1.5, q3.Score)
	assert.False(t, q3.NeedsManualReview)
	assert.Equal(t, "water moves", q3.UserAnswer.String())
	assert.Equal(t, 1.5, res.EarnedPoints)

	// Unanswered questions are never sent to the grader.
	assert.Equal(t, 1, f.grader.gradeCalls)
	assert.Equal(t, grading.FeedbackUnanswered, res.GradingResults["q1"].Feedback)
}

func TestSubmitNilGraderFallsBackToManualReview(t *testing.T) {
	f := newFixture(t)
	f.svc.grader = nil
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	_, err = r.SetAnswer("q3", model.TextAnswer(""))
	require.NoError(t, err)

	res, err := r.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, res.GradingResults["q3"].NeedsManualReview)
}

func TestSubmitRetriesAfterResultFailure(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	records := &failingResults{Store: st, fail: true}
	svc := NewService(records, st, nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()

	r, err := svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	_, err = r.SetAnswer("q1", model.ChoiceAnswer(1))
	require.NoError(t, err)

	_, err = r.Submit(ctx)
	require.Error(t, err)
	assert.Equal(t, model.StatusInProgress, r.Status())
	resp, _ := r.State().Response("q1")
	assert.False(t, resp.Locked, "state must not change when the result was not stored")

	records.fail = false
	res, err := r.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.EarnedPoints)
	assert.Equal(t, model.StatusCompleted, r.Status())
}

func TestTimerExpirySubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	require.NotNil(t, r.State().TimeRemaining())
	assert.Equal(t, 60, *r.State().TimeRemaining())
	_, err = r.SetAnswer("q2", model.BoolAnswer(true))
	require.NoError(t, err)

	for i := 0; i < 59; i++ {
		_, res, err := r.Tick(ctx)
		require.NoError(t, err)
		require.Nil(t, res)
	}
	st, res, err := r.Tick(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.StatusTimedOut, st.Status())
	assert.Equal(t, 0, *st.TimeRemaining())
	assert.Equal(t, 1.0, res.EarnedPoints)

	// Edits after expiry are rejected and further ticks do nothing.
	_, err = r.SetAnswer("q1", model.ChoiceAnswer(1))
	assert.ErrorIs(t, err, ErrNoActiveSession)
	_, res, err = r.Tick(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)
	_, err = r.Submit(ctx)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestPracticeHasNoTimer(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.StartOrResume(context.Background(), testExam(), "alice", model.ModePractice)
	require.NoError(t, err)
	assert.Nil(t, r.State().TimeRemaining())
	st, res, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, model.StatusInProgress, st.Status())
}

func TestResumeFromSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModePractice)
	require.NoError(t, err)
	_, err = r.SetAnswer("q1", model.ChoiceAnswer(0))
	require.NoError(t, err)
	_, err = r.ToggleFlag("q3")
	require.NoError(t, err)
	r.Next(ctx) // navigation autosaves

	// A fresh service sharing the store simulates a restart.
	svc2 := NewService(f.store, f.store, f.grader,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r2, err := svc2.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	assert.True(t, r2.Resumed())
	assert.Equal(t, r.ID(), r2.ID())

	st := r2.State()
	assert.Equal(t, model.ModePractice, st.Mode(), "resume keeps the original mode")
	assert.Equal(t, 1, st.CurrentIndex())
	assert.True(t, st.Flagged("q3"))
	resp, _ := st.Response("q1")
	assert.True(t, resp.Answer.Equal(model.ChoiceAnswer(0)))
}

func TestResumeAfterExamReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exam := testExam()
	exam.Questions = exam.Questions[:2]
	r, err := f.svc.StartOrResume(ctx, exam, "alice", model.ModePractice)
	require.NoError(t, err)
	_, err = r.SetAnswer("q1", model.ChoiceAnswer(1))
	require.NoError(t, err)
	r.Autosave(ctx)
	f.svc.forget(r)

	r2, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModePractice)
	require.NoError(t, err)
	require.True(t, r2.Resumed())
	assert.Equal(t, r.ID(), r2.ID())

	_, err = r2.SetAnswer("q3", model.TextAnswer("water"))
	require.NoError(t, err)
	st := r2.State()
	assert.Equal(t, 3, st.Progress().Total)
	resp, _ := st.Response("q1")
	assert.True(t, resp.Answer.Equal(model.ChoiceAnswer(1)))
	resp, _ = st.Response("q3")
	assert.True(t, resp.Answer.Equal(model.TextAnswer("water")))
}

func TestConcurrentStartsShareOneAttempt(t *testing.T) {
	f := newFixture(t, WithIDGenerator(uuid.NewString))
	ctx := context.Background()

	const n = 8
	runners := make([]*Runner, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
			assert.NoError(t, err)
			runners[i] = r
		}()
	}
	wg.Wait()

	for _, r := range runners[1:] {
		assert.Same(t, runners[0], r)
	}
	sessions, err := f.store.ListSessions("alice", "bio-101")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, runners[0].ID(), sessions[0].ID)

	snap, err := f.store.LoadSnapshot(ctx, "alice", "bio-101")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, runners[0].ID(), snap.ID)
}

func TestStartOrResumeReturnsActiveRunner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	r2, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	assert.Same(t, r1, r2)

	got, ok := f.svc.Runner(r1.ID())
	require.True(t, ok)
	assert.Same(t, r1, got)
	got, ok = f.svc.Active("alice", "bio-101")
	require.True(t, ok)
	assert.Same(t, r1, got)
}

func TestModeNotAllowed(t *testing.T) {
	f := newFixture(t)
	exam := testExam()
	exam.Metadata.AllowedModes = []model.Mode{model.ModePractice}

	_, err := f.svc.StartOrResume(context.Background(), exam, "alice", model.ModeAssessment)
	assert.ErrorIs(t, err, ErrModeNotAllowed)
	_, err = f.svc.StartOrResume(context.Background(), exam, "alice", "exam")
	assert.ErrorIs(t, err, ErrModeNotAllowed)
}

func TestContinuePractice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModePractice)
	require.NoError(t, err)
	_, err = r.ContinuePractice(ctx)
	assert.ErrorIs(t, err, ErrNotSubmitted)

	_, err = r.SetAnswer("q1", model.ChoiceAnswer(0))
	require.NoError(t, err)
	first, err := r.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, first.EarnedPoints)

	st, err := r.ContinuePractice(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, st.Status())
	assert.Equal(t, r.ID(), st.ID())
	assert.Empty(t, st.GradingResults())
	assert.Nil(t, r.Result())
	resp, _ := st.Response("q1")
	assert.False(t, resp.Locked)
	assert.True(t, resp.Answer.Equal(model.ChoiceAnswer(0)), "answers are kept")

	_, err = r.SetAnswer("q1", model.ChoiceAnswer(1))
	require.NoError(t, err)
	second, err := r.Submit(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2.0, second.EarnedPoints)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestContinuePracticeRejectsAssessment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	_, err = r.Submit(ctx)
	require.NoError(t, err)
	_, err = r.ContinuePractice(ctx)
	assert.ErrorIs(t, err, ErrNotPractice)
}

func TestCoach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModePractice)
	require.NoError(t, err)

	_, err = r.Coach(ctx, "q3")
	assert.ErrorIs(t, err, ErrUnanswered)
	_, err = r.Coach(ctx, "q9")
	assert.ErrorIs(t, err, ErrUnknownQuestion)

	_, err = r.SetAnswer("q3", model.TextAnswer("water"))
	require.NoError(t, err)
	hint, err := r.Coach(ctx, "q3")
	require.NoError(t, err)
	assert.Equal(t, "hint 1", hint)
	hint, err = r.Coach(ctx, "q3")
	require.NoError(t, err)
	assert.Equal(t, "hint 2", hint)

	require.Len(t, f.grader.coachCalls, 2)
	assert.Empty(t, f.grader.coachCalls[0].previous)
	assert.Equal(t, []string{"hint 1"}, f.grader.coachCalls[1].previous)

	f.grader.coachErr = errors.New("timeout")
	_, err = r.Coach(ctx, "q3")
	assert.Error(t, err)
}

func TestCoachRequiresPractice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	_, err = r.SetAnswer("q3", model.TextAnswer("water"))
	require.NoError(t, err)
	_, err = r.Coach(ctx, "q3")
	assert.ErrorIs(t, err, ErrNotPractice)
}

func TestAbandon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModePractice)
	require.NoError(t, err)
	st, err := r.Abandon(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbandoned, st.Status())

	snap, err := f.store.LoadSnapshot(ctx, "alice", "bio-101")
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = r.Abandon(ctx)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	// A new start creates a new attempt.
	r2, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModePractice)
	require.NoError(t, err)
	assert.NotEqual(t, r.ID(), r2.ID())
}

func TestUnknownQuestion(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.StartOrResume(context.Background(), testExam(), "alice", model.ModePractice)
	require.NoError(t, err)
	_, err = r.SetAnswer("q42", model.TextAnswer("x"))
	assert.ErrorIs(t, err, ErrUnknownQuestion)
	_, err = r.ToggleFlag("q42")
	assert.ErrorIs(t, err, ErrUnknownQuestion)
	assert.True(t, IsUserError(err))
}

func TestAutosaveInterval(t *testing.T) {
	f := newFixture(t, WithAutosaveInterval(30*time.Second))
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModePractice)
	require.NoError(t, err)
	assert.False(t, r.dueForAutosave(f.clock.now(), f.svc.autosaveInterval))

	f.clock.advance(31 * time.Second)
	_, err = r.SetAnswer("q1", model.ChoiceAnswer(1))
	require.NoError(t, err)
	require.True(t, r.dueForAutosave(f.clock.now(), f.svc.autosaveInterval))

	f.svc.tickRunner(ctx, r)
	snap, err := f.store.LoadSnapshot(ctx, "alice", "bio-101")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.Responses["q1"].Answer.Equal(model.ChoiceAnswer(1)))
	assert.False(t, r.dueForAutosave(f.clock.now(), f.svc.autosaveInterval))
}

func TestFinishedRunnersAreForgotten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.StartOrResume(ctx, testExam(), "alice", model.ModeAssessment)
	require.NoError(t, err)
	_, err = r.Submit(ctx)
	require.NoError(t, err)

	f.svc.tickRunner(ctx, r)
	_, ok := f.svc.Runner(r.ID())
	assert.True(t, ok, "results stay available for a while")

	f.clock.advance(finishedRetention)
	f.svc.tickRunner(ctx, r)
	_, ok = f.svc.Runner(r.ID())
	assert.False(t, ok)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
