package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"learnhub.org/internal/auth"
	"learnhub.org/internal/gate"
	"learnhub.org/internal/obs"
)

const (
	msgInvalidLogin   = "invalid email or password"
	msgInvalidSession = "invalid or expired session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type profileResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type tokenResponse struct {
	AccessToken      string          `json:"access_token"`
	RefreshToken     string          `json:"refresh_token"`
	AccessExpiresAt  time.Time       `json:"access_expires_at"`
	RefreshExpiresAt time.Time       `json:"refresh_expires_at"`
	User             profileResponse `json:"user"`
}

func profileOf(u *auth.User) profileResponse {
	return profileResponse{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role.String()}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, user, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.authError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusOK, pair, user)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := refreshTokenFrom(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if token == "" {
		gate.ClearSessionCookies(w, a.cookies)
		writeError(w, r, http.StatusUnauthorized, msgInvalidSession)
		return
	}
	pair, user, err := a.svc.Renew(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidOrConsumedRenewal) {
			gate.ClearSessionCookies(w, a.cookies)
		}
		a.authError(w, r, err)
		return
	}
	a.writeSession(w, http.StatusOK, pair, user)
}

// handleLogout always clears the cookies; a store failure is only logged
// because the client drops its credentials either way.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := refreshTokenFrom(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Logout(r.Context(), token); err != nil {
		obs.Logger().Warn("logout revoke failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
	}
	gate.ClearSessionCookies(w, a.cookies)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.authError(w, r, auth.ErrInvalidOrExpiredAccess)
		return
	}
	user, err := a.svc.WhoAmI(r.Context(), id.SubjectID)
	if err != nil {
		a.authError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileOf(user))
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		a.authError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, profileOf(user))
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req changeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unknown role")
		return
	}
	user, err := a.svc.ChangeRole(r.Context(), r.PathValue("id"), role)
	if err != nil {
		a.authError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileOf(user))
}

func (a *API) writeSession(w http.ResponseWriter, code int, pair auth.TokenPair, user *auth.User) {
	gate.SetSessionCookies(w, a.cookies, pair)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, code, tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             profileOf(user),
	})
}

// refreshTokenFrom takes the renewal credential from the JSON body, falling
// back to the refresh cookie.
func refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, error) {
	var req refreshRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		return "", err
	}
	if token := strings.TrimSpace(req.RefreshToken); token != "" {
		return token, nil
	}
	if c, err := r.Cookie(gate.RefreshCookie); err == nil {
		return strings.TrimSpace(c.Value), nil
	}
	return "", nil
}

func (a *API) authError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, msgInvalidLogin)
	case errors.Is(err, auth.ErrInvalidOrConsumedRenewal):
		writeError(w, r, http.StatusUnauthorized, msgInvalidSession)
	case errors.Is(err, auth.ErrInvalidOrExpiredAccess):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, msgInvalidSession)
	case errors.Is(err, auth.ErrRoleMismatch):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: "))
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "account already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, auth.ErrStoreUnavailable):
		obs.Logger().Error("credential store unavailable",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	default:
		obs.Logger().Error("auth handler failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
