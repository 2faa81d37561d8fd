// Package attempt runs exam attempts: it starts or resumes sessions, routes
// learner actions through the session state machine, grades on submission
// and keeps autosave snapshots current.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/session"
	"github.com/pavelanni/examdesk/internal/snapshot"
)

var (
	ErrNoActiveSession   = errors.New("no active session")
	ErrAlreadySubmitted  = errors.New("session already submitted")
	ErrNotPractice       = errors.New("only available in practice mode")
	ErrModeNotAllowed    = errors.New("mode not allowed for this exam")
	ErrUnknownQuestion   = errors.New("unknown question")
	ErrUnanswered        = errors.New("question has no answer yet")
	ErrNotSubmitted      = errors.New("session not submitted yet")
	ErrAttemptInProgress = errors.New("another attempt at this exam is in progress")
	ErrNoGrader          = errors.New("AI coaching is not configured")
)

const (
	DefaultAutosaveInterval   = 30 * time.Second
	DefaultGradingConcurrency = 4

	// Finished runners stay in memory this long so results can be shown.
	finishedRetention = time.Hour
)

// RecordStore persists session records, submitted responses and results.
type RecordStore interface {
	SaveSession(snap model.Snapshot) error
	SaveResponse(sessionID string, r model.Response, at time.Time) error
	SaveResult(r model.Result) error
}

// Grader grades subjective answers and coaches practice answers.
// GradeResponse returns nil, nil when AI grading is not available.
type Grader interface {
	GradeResponse(ctx context.Context, q model.Question, answer *model.Answer) (*model.GradingResult, error)
	Coach(ctx context.Context, q model.Question, answer *model.Answer, attempt int, previousHints []string) (string, error)
}

// Service owns the dependencies shared by all attempts and tracks the
// runners that are active in memory.
type Service struct {
	records   RecordStore
	snapshots snapshot.Store
	grader    Grader
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	autosaveInterval time.Duration
	concurrency      int

	mu      sync.Mutex
	byID    map[string]*Runner
	byOwner map[ownerKey]*Runner

	ticks sync.WaitGroup
}

type ownerKey struct {
	userID string
	examID string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the session and result ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithAutosaveInterval sets how often Run snapshots in-progress attempts.
func WithAutosaveInterval(d time.Duration) Option {
	return func(s *Service) { s.autosaveInterval = d }
}

// WithGradingConcurrency bounds parallel AI grading calls per submission.
func WithGradingConcurrency(n int) Option {
	return func(s *Service) { s.concurrency = n }
}

// NewService creates a Service. grader may be nil, in which case every
// subjective answer goes to manual review.
func NewService(records RecordStore, snapshots snapshot.Store, grader Grader, opts ...Option) *Service {
	s := &Service{
		records:          records,
		snapshots:        snapshots,
		grader:           grader,
		logger:           slog.Default(),
		now:              time.Now,
		newID:            uuid.NewString,
		autosaveInterval: DefaultAutosaveInterval,
		concurrency:      DefaultGradingConcurrency,
		byID:             make(map[string]*Runner),
		byOwner:          make(map[ownerKey]*Runner),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// StartOrResume returns the learner's in-progress attempt at exam, restored
// from memory or from the autosave snapshot, or starts a new one in mode.
// A resumed attempt keeps the mode it was started in.
func (s *Service) StartOrResume(ctx context.Context, exam *model.Exam, userID string, mode model.Mode) (*Runner, error) {
	key := ownerKey{userID: userID, examID: exam.ID()}

	s.mu.Lock()
	if r, ok := s.byOwner[key]; ok && r.Status() == model.StatusInProgress {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	snap, err := s.snapshots.LoadSnapshot(ctx, userID, exam.ID())
	if err != nil {
		s.logger.Warn("failed to load snapshot, starting fresh",
			"user_id", userID, "exam_id", exam.ID(), "error", err)
		snap = nil
	}
	if snap != nil && snap.Status == model.StatusInProgress {
		r := s.newRunner(session.Restore(exam, *snap), true)
		s.logger.Info("resumed attempt", "session_id", snap.ID, "user_id", userID, "exam_id", exam.ID())
		return s.register(key, r), nil
	}

	if !mode.Valid() || !exam.AllowsMode(mode) {
		return nil, fmt.Errorf("%w: %s", ErrModeNotAllowed, mode)
	}

	now := s.now()
	st := session.Start(exam, mode, s.newID(), userID, now)
	r := s.newRunner(st, false)
	if got := s.register(key, r); got != r {
		return got, nil
	}
	if err := s.records.SaveSession(st.Snapshot(now)); err != nil {
		s.forget(r)
		return nil, fmt.Errorf("save session: %w", err)
	}
	r.Autosave(ctx)
	s.logger.Info("started attempt",
		"session_id", st.ID(), "user_id", userID, "exam_id", exam.ID(), "mode", mode)
	return r, nil
}

// Runner returns the in-memory attempt with the given session ID.
func (s *Service) Runner(sessionID string) (*Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[sessionID]
	return r, ok
}

// Active returns the learner's in-memory attempt at examID, if any.
func (s *Service) Active(userID, examID string) (*Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byOwner[ownerKey{userID: userID, examID: examID}]
	return r, ok
}

// Run drives every active attempt until ctx is done: timers count down
// once per second and in-progress attempts are autosaved on the configured
// interval. Run waits for in-flight ticks before returning.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer s.ticks.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickAll(ctx)
		}
	}
}

// tickAll ticks each runner on its own goroutine so a submission that is
// waiting on AI grading does not hold up the other timers. A runner whose
// previous tick has not finished is skipped.
func (s *Service) tickAll(ctx context.Context) {
	for _, r := range s.runners() {
		if !r.ticking.CompareAndSwap(false, true) {
			continue
		}
		s.ticks.Add(1)
		go func() {
			defer s.ticks.Done()
			defer r.ticking.Store(false)
			s.tickRunner(ctx, r)
		}()
	}
}

func (s *Service) tickRunner(ctx context.Context, r *Runner) {
	if _, _, err := r.Tick(ctx); err != nil {
		s.logger.Error("automatic submission failed", "session_id", r.ID(), "error", err)
	}
	now := s.now()
	if r.dueForAutosave(now, s.autosaveInterval) {
		r.Autosave(ctx)
	}
	if r.expired(now) {
		s.forget(r)
	}
}

func (s *Service) runners() []*Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Runner, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	return out
}

func (s *Service) newRunner(st session.State, resumed bool) *Runner {
	r := &Runner{
		svc:      s,
		id:       st.ID(),
		owner:    ownerKey{userID: st.Session().UserID, examID: st.Session().ExamID},
		resumed:  resumed,
		coaching: make(map[string]*coachHistory),
		savedAt:  s.now(),
	}
	r.setState(st)
	return r
}

// register indexes r, replacing any previous attempt by the same owner.
func (s *Service) register(key ownerKey, r *Runner) *Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byOwner[key]; ok && prev != r && prev.Status() == model.StatusInProgress {
		// Two starts raced; the first one registered wins.
		return prev
	}
	s.byOwner[key] = r
	s.byID[r.id] = r
	return r
}

func (s *Service) forget(r *Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, r.id)
	if s.byOwner[r.owner] == r {
		delete(s.byOwner, r.owner)
	}
}

// reactivate makes r the owner's current attempt again after practice
// continue. It fails if the owner has since started another attempt.
func (s *Service) reactivate(r *Runner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byOwner[r.owner]; ok && prev != r && prev.Status() == model.StatusInProgress {
		return false
	}
	s.byOwner[r.owner] = r
	s.byID[r.id] = r
	return true
}
