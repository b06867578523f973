package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"datahub/identity"
	"datahub/session"
	"datahub/users"
)

const basicRealm = `Basic realm="ASSAS Data Hub"`

// handleBasicLoginPage shows the shared login page, which carries the
// username/password form.
func (a *App) handleBasicLoginPage(w http.ResponseWriter, r *http.Request) {
	a.renderLogin(w, r, http.StatusOK)
}

func (a *App) handleBasicLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	res, err := a.Basic.Authenticate(ctx, r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		a.basicFailed(w, r, err)
		return
	}
	if _, err := a.Sessions.Create(ctx, w, r, session.RecordFrom(res)); err != nil {
		a.Logger.Error("create session failed", "provider", identity.KindBasic, "error", err)
		a.flash(w, r, session.FlashError, identity.GenericMessage)
		http.Redirect(w, r, loginPath, http.StatusFound)
		return
	}

	a.Logger.Info("login succeeded", "provider", identity.KindBasic, "user", res.Claims.Username, "roles", res.Roles.Strings())
	a.flash(w, r, session.FlashSuccess, "Welcome, "+displayName(res.Claims)+"!")
	a.redirectAfterLogin(w, r, r.PostFormValue("next"))
}

func (a *App) basicFailed(w http.ResponseWriter, r *http.Request, err error) {
	msg := basicFailureMessage(err)
	if msg == identity.GenericMessage {
		a.Logger.Error("basic login failed", "error", err)
	} else {
		a.Logger.Info("basic login rejected", "error", err)
	}
	a.flash(w, r, session.FlashError, msg)
	http.Redirect(w, r, loginPath, http.StatusFound)
}

func basicFailureMessage(err error) string {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return "Invalid username or password."
	case errors.Is(err, identity.ErrInactive):
		return "This account has been disabled. Please contact an administrator."
	default:
		return identity.GenericMessage
	}
}

// handleBasicAPILogin authenticates HTTP Basic credentials and answers in JSON.
func (a *App) handleBasicAPILogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", basicRealm)
		writeError(w, http.StatusUnauthorized, "credentials required")
		return
	}

	res, err := a.Basic.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrInactive) {
			a.Logger.Info("basic api login rejected", "error", err)
			w.Header().Set("WWW-Authenticate", basicRealm)
			writeError(w, http.StatusUnauthorized, basicFailureMessage(err))
			return
		}
		a.Logger.Error("basic api login failed", "error", err)
		writeError(w, http.StatusInternalServerError, identity.GenericMessage)
		return
	}

	sess, err := a.Sessions.Create(ctx, w, r, session.RecordFrom(res))
	if err != nil {
		a.Logger.Error("create session failed", "provider", identity.KindBasic, "error", err)
		writeError(w, http.StatusInternalServerError, identity.GenericMessage)
		return
	}
	a.Logger.Info("login succeeded", "provider", identity.KindBasic, "user", res.Claims.Username, "api", true)
	writeJSON(w, map[string]any{
		"authenticated": true,
		"user":          viewOf(sess),
	})
}

type createUserRequest struct {
	Username string   `json:"username" validate:"required,min=3,max=64,printascii"`
	Email    string   `json:"email" validate:"required,email"`
	Name     string   `json:"name" validate:"max=128"`
	Password string   `json:"password" validate:"required,min=8,max=128"`
	Roles    []string `json:"roles" validate:"dive,oneof=admin writer researcher reader viewer"`
}

// handleCreateUser lets an administrator add a basic-tier account.
func (a *App) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	u, err := users.NewBasicUser(req.Username, req.Email, req.Name, req.Password, req.Roles)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Users.Create(r.Context(), u); err != nil {
		if errors.Is(err, users.ErrExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		a.Logger.Error("create user failed", "username", u.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create user")
		return
	}

	admin := SessionFromContext(r.Context())
	a.Logger.Info("user created", "username", u.Username, "roles", u.Roles, "by", admin.Claims.Username)
	writeJSONStatus(w, http.StatusCreated, u)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128,nefield=CurrentPassword"`
}

// handleChangePassword changes the password of the signed-in basic user.
func (a *App) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess.Kind != identity.KindBasic {
		writeError(w, http.StatusForbidden, "password change is only available for username/password accounts")
		return
	}

	var req changePasswordRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	err := a.Basic.ChangePassword(r.Context(), sess.Claims.Username, req.CurrentPassword, req.NewPassword)
	switch {
	case err == nil:
		a.Logger.Info("password changed", "user", sess.Claims.Username)
		writeJSON(w, map[string]string{"status": "password changed"})
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusForbidden, "current password is incorrect")
	case errors.Is(err, users.ErrPasswordTooShort):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.Logger.Error("change password failed", "user", sess.Claims.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "could not change password")
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSONStatus(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": fields,
	})
}
