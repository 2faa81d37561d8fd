package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examdesk/internal/export"
	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/store"
)

// resultFilter reads the userId and examId query parameters. Students only
// ever see their own results.
func resultFilter(r *http.Request) store.ResultFilter {
	q := r.URL.Query()
	f := store.ResultFilter{UserID: q.Get("userId"), ExamID: q.Get("examId")}
	if user := model.UserFromContext(r.Context()); !isAdmin(user) {
		f.UserID = user.ID
	}
	return f
}

func (h *Handler) handleListResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.ListResults(resultFilter(r))
	if err != nil {
		internalError(w, r, "failed to list results", err)
		return
	}
	if results == nil {
		results = []model.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.GetResult(chi.URLParam(r, "resultID"))
	if err != nil {
		internalError(w, r, "failed to get result", err)
		return
	}
	user := model.UserFromContext(r.Context())
	if res == nil || (res.UserID != user.ID && !isAdmin(user)) {
		writeError(w, r, http.StatusNotFound, "ResultNotFound")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resultID")
	res, err := h.store.GetResult(id)
	if err != nil {
		internalError(w, r, "failed to get result", err)
		return
	}
	if res == nil {
		writeError(w, r, http.StatusNotFound, "ResultNotFound")
		return
	}
	if err := h.store.DeleteResult(id); err != nil {
		internalError(w, r, "failed to delete result", err)
		return
	}
	slog.Info("deleted result", "result_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleExportResults downloads results as CSV, XLSX or JSON. The format
// and detail query parameters default to a CSV summary.
func (h *Handler) handleExportResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	detail, err := export.ParseDetail(q.Get("detail"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	rows, err := h.store.ExportResults(resultFilter(r))
	if err != nil {
		internalError(w, r, "failed to export results", err)
		return
	}

	now := h.now()
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(format, detail, now)))
	if err := export.Write(w, format, detail, rows, now); err != nil {
		slog.Error("failed to write export", "format", format, "error", err)
	}
}
