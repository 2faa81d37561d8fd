package handler

import (
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/examdesk/internal/i18n"
	"github.com/pavelanni/examdesk/internal/model"
	"github.com/pavelanni/examdesk/internal/tokens"
)

// maskedKey is what clients send back when the API key is unchanged.
const maskedKey = "********"

type usageResponse struct {
	tokens.Usage
	Available bool   `json:"available"`
	Notice    string `json:"notice,omitempty"`
}

func (h *Handler) handleTokenUsage(w http.ResponseWriter, r *http.Request) {
	u := h.gateway.Tracker().Usage()
	resp := usageResponse{Usage: u, Available: h.gateway.Available()}
	switch {
	case u.Disabled:
		resp.Notice = appI18n.T(r.Context(), "TokenBudgetExhausted")
	case u.Warning:
		resp.Notice = appI18n.Td(r.Context(), "TokenBudgetWarning", map[string]any{"Percentage": u.Percentage})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetLLMConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetLLMConfig()
	if err != nil {
		internalError(w, r, "failed to get LLM config", err)
		return
	}
	if cfg == nil {
		writeJSON(w, http.StatusOK, model.LLMConfig{})
		return
	}
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

// handleSetLLMConfig replaces the provider configuration and switches the
// gateway over. A masked key keeps the stored one.
func (h *Handler) handleSetLLMConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.LLMConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if cfg.APIKey == maskedKey {
		prev, err := h.store.GetLLMConfig()
		if err != nil {
			internalError(w, r, "failed to get LLM config", err)
			return
		}
		cfg.APIKey = ""
		if prev != nil {
			cfg.APIKey = prev.APIKey
		}
	}

	p, err := h.newProvider(cfg)
	if err != nil {
		slog.Warn("rejected LLM config", "provider", cfg.Provider, "error", err)
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:    appI18n.T(r.Context(), "InvalidProvider"),
			Problems: []string{err.Error()},
		})
		return
	}
	if err := h.store.SaveLLMConfig(cfg); err != nil {
		internalError(w, r, "failed to save LLM config", err)
		return
	}
	h.gateway.SetProvider(p)
	slog.Info("LLM provider configured", "provider", cfg.Provider, "model", cfg.Model)
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

func (h *Handler) handleValidateLLM(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.Validate(r.Context()))
}
