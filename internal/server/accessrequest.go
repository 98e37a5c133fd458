package server

import (
	"encoding/json"
	"net/http"

	gateway "github.com/bodhi-local/bodhigate/internal"
	"github.com/bodhi-local/bodhigate/internal/bgerrors"
	"github.com/bodhi-local/bodhigate/internal/storage"
)

// entityIDLen is the length of a canonical UUID string ("xxxxxxxx-xxxx-...").
const entityIDLen = 36

// extractEntityID finds the first UUID-shaped path segment: 36 characters
// containing at least one hyphen. Routes this middleware guards always name
// their entity as a path parameter, so the first match is the one that
// matters.
func extractEntityID(path string) (string, bool) {
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			seg := path[start:i]
			if len(seg) == entityIDLen && containsHyphen(seg) {
				return seg, true
			}
			start = i + 1
		}
	}
	return "", false
}

func containsHyphen(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			return true
		}
	}
	return false
}

// approvedToolset is one entry in an access request's approved_json payload.
type approvedToolset struct {
	Status   string `json:"status"`
	Instance struct {
		ID string `json:"id"`
	} `json:"instance"`
}

type approvedPayload struct {
	Toolsets []approvedToolset `json:"toolsets"`
}

// validateApproved reports whether entityID appears in approvedJSON with
// status "approved".
func validateApproved(approvedJSON []byte, entityID string) error {
	if len(approvedJSON) == 0 {
		return bgerrors.EntityNotApproved(entityID)
	}
	var payload approvedPayload
	if err := json.Unmarshal(approvedJSON, &payload); err != nil {
		return bgerrors.ValidationErrors("malformed approved_json")
	}
	for _, t := range payload.Toolsets {
		if t.Instance.ID == entityID {
			if t.Status != "approved" {
				return bgerrors.EntityNotApproved(entityID)
			}
			return nil
		}
	}
	return bgerrors.EntityNotApproved(entityID)
}

// accessRequestValidator guards routes that operate on one entity belonging
// to an access-request-bound external app: a Session caller is exempt (this
// restriction is app-to-app only), an ExternalApp caller with no bound
// access request is rejected outright, and any other ExternalApp caller must
// hold an approved record naming both itself and this specific entity.
func (s *server) accessRequestValidator(store storage.AccessRequestStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := gateway.AuthFromContext(r.Context())
			if auth == nil || auth.Kind == gateway.AuthContextSession {
				next.ServeHTTP(w, r)
				return
			}
			if auth.Kind != gateway.AuthContextExternalApp || auth.AccessRequestID == nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse("missing access request binding"))
				return
			}

			entityID, ok := extractEntityID(r.URL.Path)
			if !ok {
				writeJSON(w, errorStatus(bgerrors.EntityNotFound("entity", r.URL.Path)),
					errorResponse("no entity id in path"))
				return
			}

			record, err := store.GetAccessRequest(r.Context(), *auth.AccessRequestID)
			if err != nil {
				writeErrorEnvelope(w, err)
				return
			}
			if record.Status != gateway.AccessRequestApproved {
				writeJSON(w, http.StatusForbidden, errorResponse("access request not approved"))
				return
			}
			if record.AppClientID != auth.AppClientID {
				writeJSON(w, http.StatusForbidden, errorResponse("access request app client mismatch"))
				return
			}
			if record.UserID == nil || *record.UserID != auth.UserID {
				writeJSON(w, http.StatusForbidden, errorResponse("access request user mismatch"))
				return
			}
			if err := validateApproved(record.ApprovedJSON, entityID); err != nil {
				writeJSON(w, http.StatusForbidden, errorResponse(err.Error()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
