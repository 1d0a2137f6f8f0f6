package auth

import (
	"net/http"
	"strings"
	"time"

	"account-service/internal/apperr"
	"account-service/internal/httpx"
	"account-service/internal/observability"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
)

type CookieConfig struct {
	Secure bool
	Domain string
}

type Handler struct {
	service *Service
	cookies CookieConfig
	logger  *observability.Logger
}

func NewHandler(service *Service, cookies CookieConfig, logger *observability.Logger) *Handler {
	return &Handler{service: service, cookies: cookies, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	session, err := h.service.Login(r.Context(), LoginInput{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	h.setTokenCookies(w, session.TokenPair)
	httpx.Respond(w, http.StatusOK, session, "User logged in successfully")
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	presented := ""
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil {
		presented = strings.TrimSpace(cookie.Value)
	}

	if presented == "" && r.ContentLength != 0 {
		var body refreshRequest
		if err := httpx.DecodeJSON(w, r, &body); err != nil {
			httpx.Fail(w, r, h.logger, err)
			return
		}
		presented = body.RefreshToken
	}

	pair, err := h.service.Refresh(r.Context(), presented)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	h.setTokenCookies(w, pair)
	httpx.Respond(w, http.StatusOK, pair, "Access token refreshed")
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	profile, ok := AccountFromContext(r.Context())
	if !ok {
		httpx.Fail(w, r, h.logger, apperr.Unauthorized("unauthorized request"))
		return
	}

	if err := h.service.Logout(r.Context(), profile.ID); err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	h.clearTokenCookies(w)
	httpx.Respond(w, http.StatusOK, map[string]any{}, "User logged out")
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	profile, ok := AccountFromContext(r.Context())
	if !ok {
		httpx.Fail(w, r, h.logger, apperr.Unauthorized("unauthorized request"))
		return
	}

	var body changePasswordRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	if err := h.service.ChangePassword(r.Context(), profile.ID, body.OldPassword, body.NewPassword); err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	httpx.Respond(w, http.StatusOK, map[string]any{}, "Password changed successfully")
}

func (h *Handler) setTokenCookies(w http.ResponseWriter, pair TokenPair) {
	http.SetCookie(w, h.cookie(accessTokenCookie, pair.AccessToken, pair.AccessExpiresAt))
	http.SetCookie(w, h.cookie(refreshTokenCookie, pair.RefreshToken, pair.RefreshExpiresAt))
}

func (h *Handler) clearTokenCookies(w http.ResponseWriter) {
	for _, name := range []string{accessTokenCookie, refreshTokenCookie} {
		c := h.cookie(name, "", time.Unix(0, 0))
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (h *Handler) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookies.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}
