// Package handler exposes the JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/pavelanni/examdesk/internal/attempt"
	"github.com/pavelanni/examdesk/internal/examdef"
	appI18n "github.com/pavelanni/examdesk/internal/i18n"
	"github.com/pavelanni/examdesk/internal/llm"
	"github.com/pavelanni/examdesk/internal/llm/provider"
	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/store"
)

// maxBodyBytes bounds request bodies, exam definitions included.
const maxBodyBytes = 10 << 20

// Config holds the HTTP settings.
type Config struct {
	BasePath       string
	SecureCookies  bool
	AllowedOrigins []string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	attempts  *attempt.Service
	gateway   *llm.Gateway
	validator *examdef.Validator
	config    Config
	now       func() time.Time

	newProvider func(model.LLMConfig) (llm.Provider, error)
}

// New creates a new Handler.
func New(s *store.Store, svc *attempt.Service, gw *llm.Gateway, cfg Config) *Handler {
	return &Handler{
		store:     s,
		attempts:  svc,
		gateway:   gw,
		validator: examdef.New(),
		config:    cfg,
		now:       time.Now,
		newProvider: func(c model.LLMConfig) (llm.Provider, error) {
			return provider.New(c, http.DefaultClient)
		},
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	if len(h.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Accept-Language", "Content-Type", csrfHeaderName},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(h.csrfMiddleware)
	r.Use(h.loadProfile)

	r.Route("/api", func(r chi.Router) {
		r.Post("/profile", h.handleSelectProfile)

		r.Group(func(r chi.Router) {
			r.Use(requireProfile)

			r.Get("/profile", h.handleGetProfile)
			r.Delete("/profile", h.handleClearProfile)

			r.Get("/exams", h.handleListExams)
			r.Get("/exams/{examID}", h.handleGetExam)
			r.Post("/exams/{examID}/attempts", h.handleStartAttempt)
			r.Get("/exams/{examID}/attempts/active", h.handleActiveAttempt)
			r.Get("/assignments", h.handleListAssignments)

			r.Route("/attempts/{sessionID}", func(r chi.Router) {
				r.Get("/", h.handleGetAttempt)
				r.Put("/answers/{questionID}", h.handleSetAnswer)
				r.Post("/next", h.handleNext)
				r.Post("/prev", h.handlePrev)
				r.Post("/goto/{index}", h.handleGoTo)
				r.Post("/flags/{questionID}", h.handleToggleFlag)
				r.Post("/submit", h.handleSubmit)
				r.Post("/continue", h.handleContinue)
				r.Post("/abandon", h.handleAbandon)
				r.Post("/coach/{questionID}", h.handleCoach)
			})

			r.Get("/results", h.handleListResults)
			r.Get("/results/{resultID}", h.handleGetResult)
			r.Get("/llm/usage", h.handleTokenUsage)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))

				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Delete("/users/{userID}", h.handleDeleteUser)

				r.Post("/exams", h.handleLoadExam)
				r.Delete("/exams/{examID}", h.handleDeleteExam)

				r.Post("/assignments", h.handleCreateAssignment)
				r.Delete("/assignments/{assignmentID}", h.handleDeleteAssignment)

				r.Get("/results/export", h.handleExportResults)
				r.Delete("/results/{resultID}", h.handleDeleteResult)

				r.Get("/llm/config", h.handleGetLLMConfig)
				r.Put("/llm/config", h.handleSetLLMConfig)
				r.Post("/llm/validate", h.handleValidateLLM)
			})
		})
	})
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError responds with the localized message msgID.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errorBody{Error: appI18n.T(r.Context(), msgID)})
}

func internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, "InternalError")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		slog.Debug("bad request body", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return false
	}
	return true
}

// attemptError maps attempt and AI errors to a status and message.
func attemptError(w http.ResponseWriter, r *http.Request, err error) {
	if attempt.IsUserError(err) {
		slog.Debug("attempt action rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	switch {
	case errors.Is(err, attempt.ErrAlreadySubmitted):
		writeError(w, r, http.StatusConflict, "AlreadySubmitted")
	case errors.Is(err, attempt.ErrNoActiveSession):
		writeError(w, r, http.StatusConflict, "NoActiveSession")
	case errors.Is(err, attempt.ErrNotSubmitted):
		writeError(w, r, http.StatusConflict, "NotSubmitted")
	case errors.Is(err, attempt.ErrAttemptInProgress):
		writeError(w, r, http.StatusConflict, "AttemptInProgress")
	case errors.Is(err, attempt.ErrNotPractice):
		writeError(w, r, http.StatusBadRequest, "NotPractice")
	case errors.Is(err, attempt.ErrModeNotAllowed):
		writeError(w, r, http.StatusBadRequest, "ModeNotAllowed")
	case errors.Is(err, attempt.ErrUnanswered):
		writeError(w, r, http.StatusBadRequest, "Unanswered")
	case errors.Is(err, attempt.ErrUnknownQuestion):
		writeError(w, r, http.StatusNotFound, "UnknownQuestion")
	case errors.Is(err, attempt.ErrNoGrader), errors.Is(err, llm.ErrNotConfigured):
		writeError(w, r, http.StatusServiceUnavailable, "CoachingUnavailable")
	case errors.Is(err, llm.ErrUnavailable):
		writeError(w, r, http.StatusBadGateway, "AIUnavailable")
	default:
		internalError(w, r, "attempt action failed", err)
	}
}
