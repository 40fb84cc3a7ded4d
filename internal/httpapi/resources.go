package httpapi

import (
	"net/http"

	"learnhub.org/internal/auth"
)

// Resources is the stand-in content handler. It only reports which path was
// reached and by whom, which is enough to observe gate decisions end to end.
func Resources() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"path": r.URL.Path}
		if id, ok := auth.IdentityFromContext(r.Context()); ok {
			body["subject_id"] = id.SubjectID
			body["role"] = id.Role.String()
		}
		writeJSON(w, http.StatusOK, body)
	})
}
