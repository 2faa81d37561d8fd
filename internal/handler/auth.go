package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/pavelanni/examdesk/internal/model"
)

const (
	profileCookieName = "profile"
	csrfCookieName    = "csrf_token"
	csrfHeaderName    = "X-CSRF-Token"
)

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// csrfMiddleware implements the double-submit cookie pattern: safe requests
// receive a token cookie, and every other request must echo it back in the
// X-CSRF-Token header.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(csrfCookieName)
		hasCookie := err == nil && cookie.Value != ""

		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			if !hasCookie {
				token, err := generateCSRFToken()
				if err != nil {
					internalError(w, r, "failed to generate CSRF token", err)
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     csrfCookieName,
					Value:    token,
					Path:     h.cookiePath(),
					HttpOnly: false,
					Secure:   h.config.SecureCookies,
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r)
			return
		}

		if !hasCookie {
			slog.Warn("CSRF cookie missing", "path", r.URL.Path)
			writeError(w, r, http.StatusForbidden, "CSRFMismatch")
			return
		}
		token := r.Header.Get(csrfHeaderName)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
			slog.Warn("CSRF token mismatch", "path", r.URL.Path)
			writeError(w, r, http.StatusForbidden, "CSRFMismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loadProfile puts the selected profile, if any, in the request context.
func (h *Handler) loadProfile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(profileCookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		sess, err := h.store.GetProfileSession(cookie.Value)
		if err != nil {
			slog.Error("failed to get profile session", "error", err)
		}
		if sess == nil {
			next.ServeHTTP(w, r)
			return
		}
		user, err := h.store.GetUserByID(sess.UserID)
		if err != nil || user == nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(model.ContextWithUser(r.Context(), user)))
	})
}

// requireProfile rejects requests without a selected profile.
func requireProfile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if model.UserFromContext(r.Context()) == nil {
			writeError(w, r, http.StatusUnauthorized, "ProfileRequired")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeError(w, r, http.StatusUnauthorized, "ProfileRequired")
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, http.StatusForbidden, "AdminOnly")
		})
	}
}

func isAdmin(u *model.User) bool {
	return u != nil && u.Role == model.UserRoleAdmin
}

type profileRequest struct {
	Name string `json:"name"`
}

// handleSelectProfile switches the browser to an existing local profile.
// There are no passwords: profiles only separate learners' records.
func (h *Handler) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.store.GetUserByName(req.Name)
	if err != nil {
		internalError(w, r, "failed to get user", err)
		return
	}
	if user == nil {
		writeError(w, r, http.StatusNotFound, "UserNotFound")
		return
	}

	if old, err := r.Cookie(profileCookieName); err == nil && old.Value != "" {
		_ = h.store.DeleteProfileSession(old.Value)
	}
	token, err := h.store.CreateProfileSession(user.ID)
	if err != nil {
		internalError(w, r, "failed to create profile session", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     profileCookieName,
		Value:    token,
		Path:     h.cookiePath(),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
	})
	slog.Info("profile selected", "user_id", user.ID, "name", user.Name)
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.UserFromContext(r.Context()))
}

func (h *Handler) handleClearProfile(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(profileCookieName); err == nil && cookie.Value != "" {
		_ = h.store.DeleteProfileSession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     profileCookieName,
		Value:    "",
		Path:     h.cookiePath(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	w.WriteHeader(http.StatusNoContent)
}
