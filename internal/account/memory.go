package account

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type subscriptionKey struct {
	subscriberID string
	channelID    string
}

// MemoryStore keeps everything in process. It backs STORE_DRIVER=memory and
// the service tests; one mutex gives it the per-record atomicity the other
// backends get from the database.
type MemoryStore struct {
	mu            sync.Mutex
	accounts      map[string]Account
	subscriptions map[subscriptionKey]time.Time
	now           func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]Account),
		subscriptions: make(map[subscriptionKey]time.Time),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, input NewAccount) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := Normalize(input.Username)
	email := Normalize(input.Email)
	for _, existing := range s.accounts {
		if existing.Username == username || existing.Email == email {
			return Account{}, ErrConflict
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, err
	}

	now := s.now()
	a := Account{
		ID:            id.String(),
		Username:      username,
		Email:         email,
		FullName:      input.FullName,
		AvatarURL:     input.AvatarURL,
		CoverImageURL: input.CoverImageURL,
		PasswordHash:  input.PasswordHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *MemoryStore) FindByIdentifier(_ context.Context, username, email string) (Account, error) {
	username = Normalize(username)
	email = Normalize(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	var byEmail *Account
	for _, a := range s.accounts {
		if username != "" && a.Username == username {
			return a, nil
		}
		if email != "" && a.Email == email {
			a := a
			byEmail = &a
		}
	}
	if byEmail != nil {
		return *byEmail, nil
	}
	return Account{}, ErrNotFound
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) SetSessionSecret(_ context.Context, id, token string, expiresAt time.Time) error {
	return s.mutate(id, func(a *Account) error {
		a.RefreshToken = token
		exp := expiresAt.UTC()
		a.SessionExpiresAt = &exp
		return nil
	})
}

func (s *MemoryStore) SwapSessionSecret(_ context.Context, id, current, next string, expiresAt time.Time) error {
	return s.mutate(id, func(a *Account) error {
		if current == "" || a.RefreshToken != current {
			return ErrSessionMismatch
		}
		a.RefreshToken = next
		exp := expiresAt.UTC()
		a.SessionExpiresAt = &exp
		return nil
	})
}

func (s *MemoryStore) ClearSessionSecret(_ context.Context, id string) error {
	return s.mutate(id, func(a *Account) error {
		a.RefreshToken = ""
		a.SessionExpiresAt = nil
		return nil
	})
}

func (s *MemoryStore) ClearExpiredSessions(_ context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultCleanupBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64
	for id, a := range s.accounts {
		if cleared >= int64(batchSize) {
			break
		}
		if a.SessionExpiresAt == nil || !a.SessionExpiresAt.Before(before) {
			continue
		}
		a.RefreshToken = ""
		a.SessionExpiresAt = nil
		s.accounts[id] = a
		cleared++
	}
	return cleared, nil
}

func (s *MemoryStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return s.mutate(id, func(a *Account) error {
		a.PasswordHash = hash
		return nil
	})
}

func (s *MemoryStore) UpdateDetails(_ context.Context, id, fullName, email string) (Account, error) {
	email = Normalize(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	for otherID, other := range s.accounts {
		if otherID != id && other.Email == email {
			return Account{}, ErrConflict
		}
	}
	return s.mutateLocked(id, func(a *Account) error {
		a.FullName = fullName
		a.Email = email
		return nil
	})
}

func (s *MemoryStore) UpdateAvatar(_ context.Context, id, url string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(id, func(a *Account) error {
		a.AvatarURL = url
		return nil
	})
}

func (s *MemoryStore) UpdateCoverImage(_ context.Context, id, url string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(id, func(a *Account) error {
		a.CoverImageURL = url
		return nil
	})
}

func (s *MemoryStore) ChannelProfile(_ context.Context, username, viewerID string) (ChannelProfile, error) {
	username = Normalize(username)

	s.mu.Lock()
	defer s.mu.Unlock()

	var channel *Account
	for _, a := range s.accounts {
		if a.Username == username {
			a := a
			channel = &a
			break
		}
	}
	if channel == nil {
		return ChannelProfile{}, ErrNotFound
	}

	profile := ChannelProfile{
		ID:            channel.ID,
		Username:      channel.Username,
		FullName:      channel.FullName,
		Email:         channel.Email,
		AvatarURL:     channel.AvatarURL,
		CoverImageURL: channel.CoverImageURL,
	}
	for key := range s.subscriptions {
		if key.channelID == channel.ID {
			profile.SubscribersCount++
			if key.subscriberID == viewerID {
				profile.IsSubscribed = true
			}
		}
		if key.subscriberID == channel.ID {
			profile.ChannelsSubscribedToCount++
		}
	}
	return profile, nil
}

func (s *MemoryStore) Subscribe(_ context.Context, subscriberID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[channelID]; !ok {
		return ErrNotFound
	}
	key := subscriptionKey{subscriberID: subscriberID, channelID: channelID}
	if _, ok := s.subscriptions[key]; !ok {
		s.subscriptions[key] = s.now()
	}
	return nil
}

func (s *MemoryStore) Unsubscribe(_ context.Context, subscriberID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subscriptions, subscriptionKey{subscriberID: subscriberID, channelID: channelID})
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) mutate(id string, fn func(*Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.mutateLocked(id, fn)
	return err
}

func (s *MemoryStore) mutateLocked(id string, fn func(*Account) error) (Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if err := fn(&a); err != nil {
		return Account{}, err
	}
	a.UpdatedAt = s.now()
	s.accounts[id] = a
	return a, nil
}
