// Package account stores account records, their single session secret and
// channel subscriptions. Three backends implement Store: PostgreSQL, MongoDB
// and an in-process map.
package account

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("account not found")
	ErrConflict        = errors.New("account with email or username already exists")
	ErrSessionMismatch = errors.New("session secret does not match")
)

type Store interface {
	Create(ctx context.Context, input NewAccount) (Account, error)
	FindByIdentifier(ctx context.Context, username, email string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)

	SetSessionSecret(ctx context.Context, id, token string, expiresAt time.Time) error
	// SwapSessionSecret replaces the secret only while it still equals current.
	SwapSessionSecret(ctx context.Context, id, current, next string, expiresAt time.Time) error
	ClearSessionSecret(ctx context.Context, id string) error
	ClearExpiredSessions(ctx context.Context, before time.Time, batchSize int) (int64, error)

	UpdatePasswordHash(ctx context.Context, id, hash string) error
	UpdateDetails(ctx context.Context, id, fullName, email string) (Account, error)
	UpdateAvatar(ctx context.Context, id, url string) (Account, error)
	UpdateCoverImage(ctx context.Context, id, url string) (Account, error)

	ChannelProfile(ctx context.Context, username, viewerID string) (ChannelProfile, error)
	Subscribe(ctx context.Context, subscriberID, channelID string) error
	Unsubscribe(ctx context.Context, subscriberID, channelID string) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Normalize lower-cases and trims an identifier the way it is stored.
func Normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

const defaultCleanupBatch = 500
