// Package user covers everything around an account except the session
// lifecycle: registration, profile edits and channel subscriptions.
package user

import (
	"context"
	"errors"
	"strings"

	"account-service/internal/account"
	"account-service/internal/apperr"
	"account-service/internal/auth"
	"account-service/internal/media"
	"account-service/internal/observability"
	"account-service/internal/validation"
)

type Store interface {
	Create(ctx context.Context, input account.NewAccount) (account.Account, error)
	FindByIdentifier(ctx context.Context, username, email string) (account.Account, error)
	UpdateDetails(ctx context.Context, id, fullName, email string) (account.Account, error)
	UpdateAvatar(ctx context.Context, id, url string) (account.Account, error)
	UpdateCoverImage(ctx context.Context, id, url string) (account.Account, error)
	ChannelProfile(ctx context.Context, username, viewerID string) (account.ChannelProfile, error)
	Subscribe(ctx context.Context, subscriberID, channelID string) error
	Unsubscribe(ctx context.Context, subscriberID, channelID string) error
}

// registrationForm field order is the order problems are reported in.
type registrationForm struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Username string `json:"username" validate:"required,max=64"`
	FullName string `json:"fullName" validate:"required,max=128"`
	Password string `json:"password" validate:"required,password"`
}

type detailsForm struct {
	FullName string `json:"fullName" validate:"required,max=128"`
	Email    string `json:"email" validate:"required,email,max=254"`
}

type RegisterInput struct {
	Email      string
	Username   string
	FullName   string
	Password   string
	Avatar     *media.File
	CoverImage *media.File
}

type Service struct {
	store  Store
	hasher *auth.PasswordHasher
	blobs  media.BlobStore
	logger *observability.Logger
}

func NewService(store Store, hasher *auth.PasswordHasher, blobs media.BlobStore, logger *observability.Logger) *Service {
	return &Service{store: store, hasher: hasher, blobs: blobs, logger: logger}
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (account.Profile, error) {
	form := registrationForm{
		Email:    account.Normalize(input.Email),
		Username: account.Normalize(input.Username),
		FullName: strings.TrimSpace(input.FullName),
		Password: input.Password,
	}
	if problems := validation.Struct(form); len(problems) > 0 {
		return account.Profile{}, apperr.BadRequest("data fields cannot be empty", problems...)
	}

	_, err := s.store.FindByIdentifier(ctx, form.Username, form.Email)
	switch {
	case err == nil:
		return account.Profile{}, apperr.Conflict("user with email or username already exists")
	case !errors.Is(err, account.ErrNotFound):
		return account.Profile{}, apperr.Internal("failed to check existing user", err)
	}

	if input.Avatar == nil {
		return account.Profile{}, apperr.BadRequest("avatar file is required")
	}
	avatarURL, err := s.upload(ctx, *input.Avatar)
	if err != nil {
		s.logger.Warn("avatar_upload_failed", map[string]any{"error": err.Error(), "username": form.Username})
		return account.Profile{}, apperr.BadRequest("avatar file is required")
	}

	// A failed cover upload does not block registration.
	coverURL := ""
	if input.CoverImage != nil {
		coverURL, err = s.upload(ctx, *input.CoverImage)
		if err != nil {
			s.logger.Warn("cover_image_upload_failed", map[string]any{"error": err.Error(), "username": form.Username})
			coverURL = ""
		}
	}

	hash, err := s.hasher.Hash(form.Password)
	if err != nil {
		return account.Profile{}, apperr.BadRequest("password is invalid")
	}

	created, err := s.store.Create(ctx, account.NewAccount{
		Username:      form.Username,
		Email:         form.Email,
		FullName:      form.FullName,
		AvatarURL:     avatarURL,
		CoverImageURL: coverURL,
		PasswordHash:  hash,
	})
	if err != nil {
		if errors.Is(err, account.ErrConflict) {
			return account.Profile{}, apperr.Conflict("user with email or username already exists")
		}
		return account.Profile{}, apperr.Internal("failed to create user", err)
	}

	s.logger.Info("user_registered", map[string]any{"user_id": created.ID})
	return created.Profile(), nil
}

func (s *Service) UpdateDetails(ctx context.Context, accountID, fullName, email string) (account.Profile, error) {
	form := detailsForm{FullName: strings.TrimSpace(fullName), Email: account.Normalize(email)}
	if problems := validation.Struct(form); len(problems) > 0 {
		return account.Profile{}, apperr.BadRequest("all fields are required", problems...)
	}

	updated, err := s.store.UpdateDetails(ctx, accountID, form.FullName, form.Email)
	if err != nil {
		return account.Profile{}, storeError(err, "failed to update account details")
	}
	return updated.Profile(), nil
}

func (s *Service) UpdateAvatar(ctx context.Context, accountID string, file *media.File) (account.Profile, error) {
	if file == nil {
		return account.Profile{}, apperr.BadRequest("avatar file is missing")
	}
	url, err := s.upload(ctx, *file)
	if err != nil {
		s.logger.Warn("avatar_upload_failed", map[string]any{"error": err.Error(), "user_id": accountID})
		return account.Profile{}, apperr.BadRequest("error while uploading avatar")
	}

	updated, err := s.store.UpdateAvatar(ctx, accountID, url)
	if err != nil {
		return account.Profile{}, storeError(err, "failed to update avatar")
	}
	return updated.Profile(), nil
}

func (s *Service) UpdateCoverImage(ctx context.Context, accountID string, file *media.File) (account.Profile, error) {
	if file == nil {
		return account.Profile{}, apperr.BadRequest("cover image file is missing")
	}
	url, err := s.upload(ctx, *file)
	if err != nil {
		s.logger.Warn("cover_image_upload_failed", map[string]any{"error": err.Error(), "user_id": accountID})
		return account.Profile{}, apperr.BadRequest("error while uploading cover image")
	}

	updated, err := s.store.UpdateCoverImage(ctx, accountID, url)
	if err != nil {
		return account.Profile{}, storeError(err, "failed to update cover image")
	}
	return updated.Profile(), nil
}

func (s *Service) Channel(ctx context.Context, username, viewerID string) (account.ChannelProfile, error) {
	username = account.Normalize(username)
	if username == "" {
		return account.ChannelProfile{}, apperr.BadRequest("username is missing")
	}

	profile, err := s.store.ChannelProfile(ctx, username, viewerID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.ChannelProfile{}, apperr.NotFound("channel does not exist")
		}
		return account.ChannelProfile{}, apperr.Internal("failed to load channel", err)
	}
	return profile, nil
}

func (s *Service) Subscribe(ctx context.Context, subscriberID, username string) (account.ChannelProfile, error) {
	channel, err := s.channelAccount(ctx, username)
	if err != nil {
		return account.ChannelProfile{}, err
	}
	if channel.ID == subscriberID {
		return account.ChannelProfile{}, apperr.BadRequest("cannot subscribe to your own channel")
	}

	if err := s.store.Subscribe(ctx, subscriberID, channel.ID); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.ChannelProfile{}, apperr.NotFound("channel does not exist")
		}
		return account.ChannelProfile{}, apperr.Internal("failed to subscribe", err)
	}
	return s.Channel(ctx, channel.Username, subscriberID)
}

func (s *Service) Unsubscribe(ctx context.Context, subscriberID, username string) (account.ChannelProfile, error) {
	channel, err := s.channelAccount(ctx, username)
	if err != nil {
		return account.ChannelProfile{}, err
	}

	if err := s.store.Unsubscribe(ctx, subscriberID, channel.ID); err != nil {
		return account.ChannelProfile{}, apperr.Internal("failed to unsubscribe", err)
	}
	return s.Channel(ctx, channel.Username, subscriberID)
}

func (s *Service) channelAccount(ctx context.Context, username string) (account.Account, error) {
	username = account.Normalize(username)
	if username == "" {
		return account.Account{}, apperr.BadRequest("username is missing")
	}

	channel, err := s.store.FindByIdentifier(ctx, username, "")
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Account{}, apperr.NotFound("channel does not exist")
		}
		return account.Account{}, apperr.Internal("failed to load channel", err)
	}
	return channel, nil
}

func (s *Service) upload(ctx context.Context, file media.File) (string, error) {
	if s.blobs == nil {
		return "", errors.New("blob store is not configured")
	}
	return s.blobs.Upload(ctx, file)
}

func storeError(err error, message string) error {
	switch {
	case errors.Is(err, account.ErrNotFound):
		return apperr.NotFound("user does not exist")
	case errors.Is(err, account.ErrConflict):
		return apperr.Conflict("email is already in use")
	default:
		return apperr.Internal(message, err)
	}
}
