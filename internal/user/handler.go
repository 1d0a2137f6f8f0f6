package user

import (
	"context"
	"net/http"

	"account-service/internal/account"
	"account-service/internal/apperr"
	"account-service/internal/auth"
	"account-service/internal/httpx"
	"account-service/internal/media"
	"account-service/internal/observability"
)

type Handler struct {
	service *Service
	logger  *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type updateAccountRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if err := media.ParseForm(w, r); err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	input := RegisterInput{
		Email:    r.FormValue("email"),
		Username: r.FormValue("username"),
		FullName: r.FormValue("fullName"),
		Password: r.FormValue("password"),
	}

	avatar, err := optionalImage(r, "avatar")
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	cover, err := optionalImage(r, "coverImage")
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	input.Avatar, input.CoverImage = avatar, cover

	profile, err := h.service.Register(r.Context(), input)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	httpx.Respond(w, http.StatusCreated, profile, "User registered successfully")
}

func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.viewer(w, r)
	if !ok {
		return
	}
	httpx.Respond(w, http.StatusOK, profile, "Current user fetched successfully")
}

func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}

	var body updateAccountRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	profile, err := h.service.UpdateDetails(r.Context(), viewer.ID, body.FullName, body.Email)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	httpx.Respond(w, http.StatusOK, profile, "Account details updated successfully")
}

func (h *Handler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	h.updateImage(w, r, "avatar", h.service.UpdateAvatar, "Avatar image updated successfully")
}

func (h *Handler) UpdateCoverImage(w http.ResponseWriter, r *http.Request) {
	h.updateImage(w, r, "coverImage", h.service.UpdateCoverImage, "Cover image updated successfully")
}

func (h *Handler) Channel(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}

	channel, err := h.service.Channel(r.Context(), r.PathValue("username"), viewer.ID)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	httpx.Respond(w, http.StatusOK, channel, "User channel fetched successfully")
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}

	channel, err := h.service.Subscribe(r.Context(), viewer.ID, r.PathValue("username"))
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	httpx.Respond(w, http.StatusOK, channel, "Subscribed successfully")
}

func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}

	channel, err := h.service.Unsubscribe(r.Context(), viewer.ID, r.PathValue("username"))
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	httpx.Respond(w, http.StatusOK, channel, "Unsubscribed successfully")
}

type imageUpdater func(ctx context.Context, accountID string, file *media.File) (account.Profile, error)

func (h *Handler) updateImage(w http.ResponseWriter, r *http.Request, field string, update imageUpdater, message string) {
	viewer, ok := h.viewer(w, r)
	if !ok {
		return
	}

	if err := media.ParseForm(w, r); err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	file, err := optionalImage(r, field)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}

	profile, err := update(r.Context(), viewer.ID, file)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	httpx.Respond(w, http.StatusOK, profile, message)
}

func (h *Handler) viewer(w http.ResponseWriter, r *http.Request) (account.Profile, bool) {
	profile, ok := auth.AccountFromContext(r.Context())
	if !ok {
		httpx.Fail(w, r, h.logger, apperr.Unauthorized("unauthorized request"))
		return account.Profile{}, false
	}
	return profile, true
}

func optionalImage(r *http.Request, field string) (*media.File, error) {
	file, ok, err := media.ImageFromForm(r, field)
	if err != nil || !ok {
		return nil, err
	}
	return &file, nil
}
