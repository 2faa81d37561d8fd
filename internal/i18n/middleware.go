package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

// Middleware picks a localizer for each request from its Accept-Language
// header, falling back to the language passed to Init, and reports the
// chosen language in Content-Language.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept-Language")
		w.Header().Set("Content-Language", negotiate(accept))
		ctx := WithLocalizer(r.Context(), NewLocalizer(accept))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func negotiate(accept string) string {
	supported := Languages()
	if len(supported) == 0 {
		return defaultLang
	}
	// The first entry is the matcher's fallback.
	tags := make([]language.Tag, 0, len(supported)+1)
	tags = append(tags, language.Make(defaultLang))
	tags = append(tags, supported...)

	wanted, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(wanted) == 0 {
		return defaultLang
	}
	_, i, _ := language.NewMatcher(tags).Match(wanted...)
	base, _ := tags[i].Base()
	return base.String()
}
