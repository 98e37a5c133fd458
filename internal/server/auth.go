package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/bodhi-local/bodhigate/internal/bgerrors"
	"github.com/bodhi-local/bodhigate/internal/token"
)

const (
	oauthStateCookie    = "bodhiapp_oauth_state"
	oauthVerifierCookie = "bodhiapp_oauth_verifier"
	oauthFlowTTL        = 5 * time.Minute
	callbackPath        = "/bodhi/v1/auth/callback"
)

// callbackRedirectURL builds this gateway's own redirect_uri, the one the
// IdP redirects back to once the user authorizes the login.
func (s *server) callbackRedirectURL() string {
	return strings.TrimRight(s.deps.PublicBaseURL, "/") + callbackPath
}

func setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(oauthFlowTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// handleLogin starts a PKCE authorization-code flow: it generates state and
// a code_verifier, stashes both in short-lived cookies, and redirects the
// browser to the IdP's authorization endpoint.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	setFlowCookie(w, oauthStateCookie, state)
	setFlowCookie(w, oauthVerifierCookie, verifier)

	authURL := s.deps.IdP.AuthCodeURL(state, s.callbackRedirectURL(), oauth2.S256ChallengeOption(verifier))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// sessionClaims is the subset of an access token's claims the callback
// needs to create a browser session.
type sessionClaims struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
}

// handleCallback completes the authorization-code exchange, creates a
// browser session keyed by the exchanged tokens, and sets the session
// cookie.
func (s *server) handleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing oauth state"))
		return
	}
	verifierCookie, err := r.Cookie(oauthVerifierCookie)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing oauth verifier"))
		return
	}
	clearCookie(w, oauthStateCookie)
	clearCookie(w, oauthVerifierCookie)

	q := r.URL.Query()
	if q.Get("state") != stateCookie.Value {
		writeJSON(w, http.StatusBadRequest, errorResponse("oauth state mismatch"))
		return
	}
	code := q.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing authorization code"))
		return
	}

	result, err := s.deps.IdP.ExchangeCode(r.Context(), code, s.callbackRedirectURL(), verifierCookie.Value)
	if err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	var claims sessionClaims
	if err := token.DecodeClaims(result.AccessToken, &claims); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}
	if claims.Sub == "" {
		writeUpstreamError(w, r.Context(), bgerrors.InvalidToken("missing sub claim"))
		return
	}

	sessionID := uuid.NewString()
	if err := s.deps.Sessions.Create(r.Context(), sessionID, claims.Sub, result.AccessToken, result.RefreshToken); err != nil {
		writeUpstreamError(w, r.Context(), err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout deletes the browser session and clears its cookie.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := s.deps.Sessions.Delete(r.Context(), cookie.Value); err != nil {
			writeUpstreamError(w, r.Context(), err)
			return
		}
	}
	clearCookie(w, sessionCookieName)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
