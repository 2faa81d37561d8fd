package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examdesk/internal/examdef"
	appI18n "github.com/pavelanni/examdesk/internal/i18n"
	"github.com/pavelanni/examdesk/internal/model"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		internalError(w, r, "failed to list users", err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Name string         `json:"name"`
	Role model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Role == "" {
		req.Role = model.UserRoleStudent
	}
	if req.Name == "" || !req.Role.Valid() {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	existing, err := h.store.GetUserByName(req.Name)
	if err != nil {
		internalError(w, r, "failed to get user", err)
		return
	}
	if existing != nil {
		writeError(w, r, http.StatusConflict, "UserExists")
		return
	}

	user, err := h.store.CreateUser(req.Name, req.Role)
	if err != nil {
		internalError(w, r, "failed to create user", err)
		return
	}
	slog.Info("created user", "user_id", user.ID, "name", user.Name, "role", user.Role)
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	user, err := h.store.GetUserByID(id)
	if err != nil {
		internalError(w, r, "failed to get user", err)
		return
	}
	if user == nil {
		writeError(w, r, http.StatusNotFound, "UserNotFound")
		return
	}
	if err := h.store.DeleteUser(id); err != nil {
		internalError(w, r, "failed to delete user", err)
		return
	}
	slog.Info("deleted user", "user_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// examSummary is the catalogue entry for an exam.
type examSummary struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Subject       string       `json:"subject"`
	Description   string       `json:"description,omitempty"`
	QuestionCount int          `json:"questionCount"`
	TotalPoints   int          `json:"totalPoints"`
	TimeLimit     *int         `json:"timeLimit,omitempty"`
	PassingScore  float64      `json:"passingScore"`
	AllowedModes  []model.Mode `json:"allowedModes"`
}

func summarizeExam(e *model.Exam) examSummary {
	s := examSummary{
		ID:            e.ID(),
		Title:         e.Metadata.Title,
		Subject:       e.Metadata.Subject,
		Description:   e.Metadata.Description,
		QuestionCount: len(e.Questions),
		TotalPoints:   e.TotalPoints(),
		TimeLimit:     e.Metadata.TimeLimit,
		PassingScore:  e.PassingScore(),
	}
	for _, m := range []model.Mode{model.ModePractice, model.ModeAssessment} {
		if e.AllowsMode(m) {
			s.AllowedModes = append(s.AllowedModes, m)
		}
	}
	return s
}

// questionView is a question as shown to a learner: no answer key, rubric
// or explanation.
type questionView struct {
	ID         string             `json:"id"`
	Type       model.QuestionType `json:"type"`
	Text       string             `json:"question"`
	Points     int                `json:"points"`
	Difficulty model.Difficulty   `json:"difficulty,omitempty"`
	Category   string             `json:"category,omitempty"`
	Options    []string           `json:"options,omitempty"`
	MaxLength  int                `json:"maxLength,omitempty"`
	Hints      []string           `json:"hints,omitempty"`
}

func newQuestionView(q model.Question, withHints bool) questionView {
	v := questionView{
		ID:         q.ID,
		Type:       q.Type,
		Text:       q.Text,
		Points:     q.Points,
		Difficulty: q.Difficulty,
		Category:   q.Category,
		Options:    q.Options,
		MaxLength:  q.MaxLength,
	}
	if withHints {
		v.Hints = q.Hints
	}
	return v
}

type examView struct {
	examSummary
	Questions []questionView `json:"questions"`
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams()
	if err != nil {
		internalError(w, r, "failed to list exams", err)
		return
	}
	out := make([]examSummary, 0, len(exams))
	for i := range exams {
		out = append(out, summarizeExam(&exams[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetExam returns the full definition to administrators and the
// learner view to everyone else.
func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.lookupExam(w, r)
	if !ok {
		return
	}
	if isAdmin(model.UserFromContext(r.Context())) {
		writeJSON(w, http.StatusOK, exam)
		return
	}
	v := examView{examSummary: summarizeExam(exam), Questions: make([]questionView, 0, len(exam.Questions))}
	for _, q := range exam.Questions {
		v.Questions = append(v.Questions, newQuestionView(q, false))
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) lookupExam(w http.ResponseWriter, r *http.Request) (*model.Exam, bool) {
	exam, err := h.store.GetExam(chi.URLParam(r, "examID"))
	if err != nil {
		internalError(w, r, "failed to get exam", err)
		return nil, false
	}
	if exam == nil {
		writeError(w, r, http.StatusNotFound, "ExamNotFound")
		return nil, false
	}
	return exam, true
}

type loadExamResponse struct {
	Exam     examSummary `json:"exam"`
	Warnings []string    `json:"warnings"`
	Message  string      `json:"message"`
}

// handleLoadExam validates and stores an exam definition posted as the
// request body. Loading an existing ID replaces the definition.
func (h *Handler) handleLoadExam(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	exam, warnings, err := h.validator.Parse(data)
	var invalid *examdef.InvalidError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:    appI18n.T(r.Context(), "InvalidExam"),
			Problems: invalid.Problems,
		})
		return
	case err != nil:
		slog.Debug("undecodable exam definition", "error", err)
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	if err := h.store.SaveExam(exam); err != nil {
		internalError(w, r, "failed to save exam", err)
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	slog.Info("loaded exam", "exam_id", exam.ID(), "questions", len(exam.Questions), "warnings", len(warnings))
	writeJSON(w, http.StatusCreated, loadExamResponse{
		Exam:     summarizeExam(exam),
		Warnings: warnings,
		Message:  appI18n.Tp(r.Context(), "ExamLoaded", len(warnings)),
	})
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.lookupExam(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteExam(exam.ID()); err != nil {
		internalError(w, r, "failed to delete exam", err)
		return
	}
	slog.Info("deleted exam", "exam_id", exam.ID())
	w.WriteHeader(http.StatusNoContent)
}

// handleListAssignments lists the caller's assignments. Administrators see
// everyone's, optionally filtered by the userId query parameter.
func (h *Handler) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	userID := user.ID
	if isAdmin(user) {
		userID = r.URL.Query().Get("userId")
	}
	list, err := h.store.ListAssignments(userID)
	if err != nil {
		internalError(w, r, "failed to list assignments", err)
		return
	}
	if list == nil {
		list = []model.Assignment{}
	}
	writeJSON(w, http.StatusOK, list)
}

type createAssignmentRequest struct {
	ExamID string     `json:"examId"`
	UserID string     `json:"userId"`
	Mode   model.Mode `json:"mode"`
	DueAt  *time.Time `json:"dueAt,omitempty"`
}

func (h *Handler) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	exam, err := h.store.GetExam(req.ExamID)
	if err != nil {
		internalError(w, r, "failed to get exam", err)
		return
	}
	if exam == nil {
		writeError(w, r, http.StatusNotFound, "ExamNotFound")
		return
	}
	user, err := h.store.GetUserByID(req.UserID)
	if err != nil {
		internalError(w, r, "failed to get user", err)
		return
	}
	if user == nil {
		writeError(w, r, http.StatusNotFound, "UserNotFound")
		return
	}
	if !exam.AllowsMode(req.Mode) {
		writeError(w, r, http.StatusBadRequest, "ModeNotAllowed")
		return
	}

	a, err := h.store.CreateAssignment(exam.ID(), user.ID, req.Mode, req.DueAt)
	if err != nil {
		internalError(w, r, "failed to create assignment", err)
		return
	}
	slog.Info("assigned exam", "assignment_id", a.ID, "exam_id", a.ExamID, "user_id", a.UserID, "mode", a.Mode)
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAssignment(chi.URLParam(r, "assignmentID")); err != nil {
		internalError(w, r, "failed to delete assignment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
