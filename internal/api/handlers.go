package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
)

const maxBodyBytes = 1 << 16

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type DemoLoginRequest struct {
	Username string `json:"username"`
}

type LoginResponse struct {
	Token     string       `json:"token"`
	Type      string       `json:"type"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type AuthorizeResponse struct {
	View        models.View `json:"view"`
	Allowed     bool        `json:"allowed"`
	AccessLevel int         `json:"access_level"`
}

type errorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := a.auth.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	if !res.Success {
		var locked *apierr.LockedOutError
		if errors.As(res.Err, &locked) {
			seconds := int(math.Ceil(locked.Remaining.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeJSON(w, http.StatusLocked, errorResponse{
				Error:             "account is temporarily locked",
				RetryAfterSeconds: seconds,
			})
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	a.writeSession(w, res.User, res.Session)
}

func (a *API) handleDemoLogin(w http.ResponseWriter, r *http.Request) {
	var req DemoLoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, session, err := a.auth.Login(r.Context(), req.Username)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "demo login is not available for this user")
		return
	}

	a.writeSession(w, user, session)
}

func (a *API) writeSession(w http.ResponseWriter, user *models.User, session *models.Session) {
	token, expiresAt, err := a.tokens.Issue(user, session)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		Type:      "Bearer",
		ExpiresAt: expiresAt,
		User:      user,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Logout(r.Context()); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, authFrom(r.Context()).User)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user := authFrom(r.Context()).User
	err := a.auth.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword)

	var verr *apierr.ValidationError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, apierr.ErrInvalidCredentials):
		writeError(w, http.StatusForbidden, "current password is incorrect")
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	default:
		a.writeServiceError(w, err)
	}
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	configs, err := a.roles.Sorted(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	view, err := models.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := authFrom(r.Context()).User
	allowed, err := a.roles.CanAccess(r.Context(), user.Role, view)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthorizeResponse{
		View:        view,
		Allowed:     allowed,
		AccessLevel: user.AccessLevel,
	})
}
