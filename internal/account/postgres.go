package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const accountColumns = `id, username, email, full_name, avatar_url, cover_image_url, password_hash, refresh_token, session_expires_at, created_at, updated_at`

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var coverImage, refreshToken sql.NullString
	var sessionExpiresAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.Username, &a.Email, &a.FullName, &a.AvatarURL, &coverImage,
		&a.PasswordHash, &refreshToken, &sessionExpiresAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	a.CoverImageURL = coverImage.String
	a.RefreshToken = refreshToken.String
	if sessionExpiresAt.Valid {
		value := sessionExpiresAt.Time.UTC()
		a.SessionExpiresAt = &value
	}
	return a, nil
}

func (s *PostgresStore) Create(ctx context.Context, input NewAccount) (Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, username, email, full_name, avatar_url, cover_image_url, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $8)
		RETURNING `+accountColumns,
		id.String(), Normalize(input.Username), Normalize(input.Email), input.FullName,
		input.AvatarURL, input.CoverImageURL, input.PasswordHash, now,
	)

	a, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrConflict
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) FindByIdentifier(ctx context.Context, username, email string) (Account, error) {
	username = Normalize(username)
	email = Normalize(email)
	if username == "" && email == "" {
		return Account{}, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE ($1 <> '' AND username = $1) OR ($2 <> '' AND email = $2)
		ORDER BY (username = $1) DESC
		LIMIT 1
	`, username, email)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by identifier: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) SetSessionSecret(ctx context.Context, id, token string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET refresh_token = $2, session_expires_at = $3, updated_at = $4
		WHERE id = $1
	`, id, token, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set session secret: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}

func (s *PostgresStore) SwapSessionSecret(ctx context.Context, id, current, next string, expiresAt time.Time) error {
	if current == "" {
		return ErrSessionMismatch
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET refresh_token = $3, session_expires_at = $4, updated_at = $5
		WHERE id = $1 AND refresh_token = $2
	`, id, current, next, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("rotate session secret: %w", err)
	}
	return requireAffected(res, ErrSessionMismatch)
}

func (s *PostgresStore) ClearSessionSecret(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET refresh_token = NULL, session_expires_at = NULL, updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear session secret: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}

func (s *PostgresStore) ClearExpiredSessions(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultCleanupBatch
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM accounts
			WHERE refresh_token IS NOT NULL AND session_expires_at < $1
			ORDER BY session_expires_at ASC
			LIMIT $2
		)
		UPDATE accounts a
		SET refresh_token = NULL, session_expires_at = NULL
		FROM stale
		WHERE a.id = stale.id
	`, before.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("clear expired sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}

func (s *PostgresStore) UpdateDetails(ctx context.Context, id, fullName, email string) (Account, error) {
	return s.updateReturning(ctx, "update account details", `
		UPDATE accounts
		SET full_name = $2, email = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+accountColumns,
		id, fullName, Normalize(email), time.Now().UTC(),
	)
}

func (s *PostgresStore) UpdateAvatar(ctx context.Context, id, url string) (Account, error) {
	return s.updateReturning(ctx, "update avatar", `
		UPDATE accounts
		SET avatar_url = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+accountColumns,
		id, url, time.Now().UTC(),
	)
}

func (s *PostgresStore) UpdateCoverImage(ctx context.Context, id, url string) (Account, error) {
	return s.updateReturning(ctx, "update cover image", `
		UPDATE accounts
		SET cover_image_url = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+accountColumns,
		id, url, time.Now().UTC(),
	)
}

func (s *PostgresStore) updateReturning(ctx context.Context, op, query string, args ...any) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		if isUniqueViolation(err) {
			return Account{}, ErrConflict
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func (s *PostgresStore) ChannelProfile(ctx context.Context, username, viewerID string) (ChannelProfile, error) {
	var p ChannelProfile
	var coverImage sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT
			a.id, a.username, a.full_name, a.email, a.avatar_url, a.cover_image_url,
			(SELECT COUNT(*) FROM subscriptions s WHERE s.channel_id = a.id),
			(SELECT COUNT(*) FROM subscriptions s WHERE s.subscriber_id = a.id),
			EXISTS (SELECT 1 FROM subscriptions s WHERE s.channel_id = a.id AND s.subscriber_id::text = $2)
		FROM accounts a
		WHERE a.username = $1
	`, Normalize(username), viewerID).Scan(
		&p.ID, &p.Username, &p.FullName, &p.Email, &p.AvatarURL, &coverImage,
		&p.SubscribersCount, &p.ChannelsSubscribedToCount, &p.IsSubscribed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChannelProfile{}, ErrNotFound
		}
		return ChannelProfile{}, fmt.Errorf("query channel profile: %w", err)
	}

	p.CoverImageURL = coverImage.String
	return p, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, subscriberID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (subscriber_id, channel_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (subscriber_id, channel_id) DO NOTHING
	`, subscriberID, channelID, time.Now().UTC())
	if err != nil {
		if pgCode(err) == foreignKeyViolation {
			return ErrNotFound
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unsubscribe(ctx context.Context, subscriberID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions
		WHERE subscriber_id = $1 AND channel_id = $2
	`, subscriberID, channelID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close(context.Context) error {
	return s.db.Close()
}

func requireAffected(res sql.Result, noRows error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return noRows
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == uniqueViolation
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
