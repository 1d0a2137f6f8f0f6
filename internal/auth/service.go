package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"account-service/internal/account"
	"account-service/internal/apperr"
)

// CredentialStore is the slice of account.Store the session lifecycle needs.
type CredentialStore interface {
	FindByIdentifier(ctx context.Context, username, email string) (account.Account, error)
	FindByID(ctx context.Context, id string) (account.Account, error)
	SetSessionSecret(ctx context.Context, id, token string, expiresAt time.Time) error
	SwapSessionSecret(ctx context.Context, id, current, next string, expiresAt time.Time) error
	ClearSessionSecret(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

type Session struct {
	User account.Profile `json:"user"`
	TokenPair
}

type LoginInput struct {
	Username string
	Email    string
	Password string
}

// Service owns the session secret of every account: login sets it, refresh
// rotates it and logout clears it. Nothing else writes it.
type Service struct {
	store  CredentialStore
	hasher *PasswordHasher
	tokens *TokenIssuer
}

func NewService(store CredentialStore, hasher *PasswordHasher, tokens *TokenIssuer) *Service {
	return &Service{store: store, hasher: hasher, tokens: tokens}
}

func (s *Service) Login(ctx context.Context, input LoginInput) (Session, error) {
	username := account.Normalize(input.Username)
	email := account.Normalize(input.Email)
	if username == "" && email == "" {
		return Session{}, apperr.BadRequest("username or email is required")
	}
	if input.Password == "" {
		return Session{}, apperr.BadRequest("password is required")
	}

	acct, err := s.store.FindByIdentifier(ctx, username, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Session{}, apperr.NotFound("user does not exist")
		}
		return Session{}, apperr.Internal("failed to load account", err)
	}

	if !s.hasher.Verify(input.Password, acct.PasswordHash) {
		return Session{}, apperr.Unauthorized("invalid user credentials")
	}

	pair, err := s.issuePair(acct.ID)
	if err != nil {
		return Session{}, err
	}

	// Overwrites any previous secret: one live session per account.
	if err := s.store.SetSessionSecret(ctx, acct.ID, pair.RefreshToken, pair.RefreshExpiresAt); err != nil {
		return Session{}, apperr.Internal("failed to persist session", err)
	}

	return Session{User: acct.Profile(), TokenPair: pair}, nil
}

func (s *Service) Refresh(ctx context.Context, presented string) (TokenPair, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return TokenPair{}, apperr.Unauthorized("unauthorized request")
	}

	claims, err := s.tokens.Verify(presented, RefreshToken)
	if err != nil {
		return TokenPair{}, apperr.Unauthorized("invalid refresh token")
	}

	acct, err := s.store.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return TokenPair{}, apperr.Unauthorized("invalid refresh token")
		}
		return TokenPair{}, apperr.Internal("failed to load account", err)
	}

	if !acct.HasSession() || subtle.ConstantTimeCompare([]byte(acct.RefreshToken), []byte(presented)) != 1 {
		return TokenPair{}, apperr.Unauthorized("refresh token is expired or used")
	}

	pair, err := s.issuePair(acct.ID)
	if err != nil {
		return TokenPair{}, err
	}

	// The swap is conditional on the secret we just compared against, so of
	// two refreshes racing on the same token only one gets here successfully.
	if err := s.store.SwapSessionSecret(ctx, acct.ID, presented, pair.RefreshToken, pair.RefreshExpiresAt); err != nil {
		if errors.Is(err, account.ErrSessionMismatch) || errors.Is(err, account.ErrNotFound) {
			return TokenPair{}, apperr.Unauthorized("refresh token is expired or used")
		}
		return TokenPair{}, apperr.Internal("failed to rotate session", err)
	}

	return pair, nil
}

// Logout drops the session secret. Repeating it is harmless.
func (s *Service) Logout(ctx context.Context, accountID string) error {
	if err := s.store.ClearSessionSecret(ctx, accountID); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return apperr.NotFound("user does not exist")
		}
		return apperr.Internal("failed to clear session", err)
	}
	return nil
}

// ChangePassword leaves the current session secret in place.
func (s *Service) ChangePassword(ctx context.Context, accountID, oldPassword, newPassword string) error {
	acct, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return apperr.NotFound("user does not exist")
		}
		return apperr.Internal("failed to load account", err)
	}

	if !s.hasher.Verify(oldPassword, acct.PasswordHash) {
		return apperr.Unauthorized("invalid old password")
	}
	if newPassword == "" {
		return apperr.BadRequest("new password is required")
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperr.BadRequest("new password is invalid")
	}

	if err := s.store.UpdatePasswordHash(ctx, acct.ID, hash); err != nil {
		return apperr.Internal("failed to update password", err)
	}
	return nil
}

func (s *Service) issuePair(accountID string) (TokenPair, error) {
	access, accessExp, err := s.tokens.Issue(AccessToken, accountID)
	if err != nil {
		return TokenPair{}, apperr.Internal("failed to generate access token", err)
	}
	refresh, refreshExp, err := s.tokens.Issue(RefreshToken, accountID)
	if err != nil {
		return TokenPair{}, apperr.Internal("failed to generate refresh token", err)
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}
