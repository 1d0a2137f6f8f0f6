package account

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create normalizes and rejects duplicates", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Create(ctx, NewAccount{Username: " Alice ", Email: "Alice@Example.com", FullName: "Alice A", AvatarURL: "https://cdn/a.png", PasswordHash: "h"})
		require.NoError(t, err)
		assert.Equal(t, "alice", a.Username)
		assert.Equal(t, "alice@example.com", a.Email)
		assert.False(t, a.HasSession())

		_, err = s.Create(ctx, NewAccount{Username: "ALICE", Email: "other@example.com", FullName: "x", AvatarURL: "u", PasswordHash: "h"})
		assert.ErrorIs(t, err, ErrConflict)
		_, err = s.Create(ctx, NewAccount{Username: "bob", Email: "alice@example.com", FullName: "x", AvatarURL: "u", PasswordHash: "h"})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("find by identifier matches username or email", func(t *testing.T) {
		s := newStore(t)
		created := mustCreate(t, s, "carol")

		byName, err := s.FindByIdentifier(ctx, "CAROL", "")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byName.ID)

		byEmail, err := s.FindByIdentifier(ctx, "", "carol@example.com")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byEmail.ID)

		_, err = s.FindByIdentifier(ctx, "", "")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindByIdentifier(ctx, "nobody", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find by identifier prefers the username match", func(t *testing.T) {
		s := newStore(t)
		erin := mustCreate(t, s, "erin")
		frank := mustCreate(t, s, "frank")

		for i := 0; i < 20; i++ {
			got, err := s.FindByIdentifier(ctx, "erin", frank.Email)
			require.NoError(t, err)
			require.Equal(t, erin.ID, got.ID)
		}

		got, err := s.FindByIdentifier(ctx, "nobody", frank.Email)
		require.NoError(t, err)
		assert.Equal(t, frank.ID, got.ID)
	})

	t.Run("session secret lifecycle", func(t *testing.T) {
		s := newStore(t)
		a := mustCreate(t, s, "dave")
		exp := time.Now().Add(time.Hour)

		require.NoError(t, s.SetSessionSecret(ctx, a.ID, "t1", exp))
		got, err := s.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "t1", got.RefreshToken)
		require.NotNil(t, got.SessionExpiresAt)

		assert.ErrorIs(t, s.SwapSessionSecret(ctx, a.ID, "stale", "t2", exp), ErrSessionMismatch)
		require.NoError(t, s.SwapSessionSecret(ctx, a.ID, "t1", "t2", exp))
		assert.ErrorIs(t, s.SwapSessionSecret(ctx, a.ID, "t1", "t3", exp), ErrSessionMismatch)

		require.NoError(t, s.ClearSessionSecret(ctx, a.ID))
		require.NoError(t, s.ClearSessionSecret(ctx, a.ID))
		got, err = s.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, got.RefreshToken)
		assert.Nil(t, got.SessionExpiresAt)
		assert.ErrorIs(t, s.SwapSessionSecret(ctx, a.ID, "", "t4", exp), ErrSessionMismatch)
	})

	t.Run("concurrent swaps have a single winner", func(t *testing.T) {
		s := newStore(t)
		a := mustCreate(t, s, "erin")
		require.NoError(t, s.SetSessionSecret(ctx, a.ID, "shared", time.Now().Add(time.Hour)))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := s.SwapSessionSecret(ctx, a.ID, "shared", "next-"+string(rune('a'+i)), time.Now().Add(time.Hour)); err == nil {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("clear expired sessions", func(t *testing.T) {
		s := newStore(t)
		expired := mustCreate(t, s, "frank")
		live := mustCreate(t, s, "grace")
		require.NoError(t, s.SetSessionSecret(ctx, expired.ID, "old", time.Now().Add(-time.Hour)))
		require.NoError(t, s.SetSessionSecret(ctx, live.ID, "fresh", time.Now().Add(time.Hour)))

		cleared, err := s.ClearExpiredSessions(ctx, time.Now(), 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), cleared)

		got, err := s.FindByID(ctx, expired.ID)
		require.NoError(t, err)
		assert.False(t, got.HasSession())
		got, err = s.FindByID(ctx, live.ID)
		require.NoError(t, err)
		assert.Equal(t, "fresh", got.RefreshToken)
	})

	t.Run("profile updates", func(t *testing.T) {
		s := newStore(t)
		a := mustCreate(t, s, "heidi")
		mustCreate(t, s, "ivan")

		updated, err := s.UpdateDetails(ctx, a.ID, "Heidi H", "HEIDI2@example.com")
		require.NoError(t, err)
		assert.Equal(t, "Heidi H", updated.FullName)
		assert.Equal(t, "heidi2@example.com", updated.Email)

		_, err = s.UpdateDetails(ctx, a.ID, "Heidi H", "ivan@example.com")
		assert.ErrorIs(t, err, ErrConflict)

		updated, err = s.UpdateAvatar(ctx, a.ID, "https://cdn/new.png")
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/new.png", updated.AvatarURL)

		updated, err = s.UpdateCoverImage(ctx, a.ID, "https://cdn/cover.png")
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/cover.png", updated.CoverImageURL)

		require.NoError(t, s.UpdatePasswordHash(ctx, a.ID, "new-hash"))
		got, err := s.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-hash", got.PasswordHash)
	})

	t.Run("channel profile counts subscriptions", func(t *testing.T) {
		s := newStore(t)
		channel := mustCreate(t, s, "judy")
		fan := mustCreate(t, s, "mallory")
		other := mustCreate(t, s, "oscar")

		require.NoError(t, s.Subscribe(ctx, fan.ID, channel.ID))
		require.NoError(t, s.Subscribe(ctx, fan.ID, channel.ID))
		require.NoError(t, s.Subscribe(ctx, other.ID, channel.ID))
		require.NoError(t, s.Subscribe(ctx, channel.ID, other.ID))

		p, err := s.ChannelProfile(ctx, "Judy", fan.ID)
		require.NoError(t, err)
		assert.Equal(t, channel.ID, p.ID)
		assert.Equal(t, int64(2), p.SubscribersCount)
		assert.Equal(t, int64(1), p.ChannelsSubscribedToCount)
		assert.True(t, p.IsSubscribed)

		require.NoError(t, s.Unsubscribe(ctx, fan.ID, channel.ID))
		p, err = s.ChannelProfile(ctx, "judy", fan.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.SubscribersCount)
		assert.False(t, p.IsSubscribed)

		_, err = s.ChannelProfile(ctx, "nobody", fan.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func mustCreate(t *testing.T, s Store, username string) Account {
	t.Helper()
	a, err := s.Create(context.Background(), NewAccount{
		Username:     username,
		Email:        username + "@example.com",
		FullName:     username,
		AvatarURL:    "https://cdn/" + username + ".png",
		PasswordHash: "hash",
	})
	require.NoError(t, err)
	return a
}
