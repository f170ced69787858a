// Package session resolves browser session tokens to users. Sessions are
// ephemeral: any request without a live token gets a fresh guest user, and a
// token whose user sat idle past the timeout is dead for good.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spacelis/portraitist/internal/cache"
	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/repo"
)

// ErrSessionDead reports a token whose user exceeded the idle timeout.
// Dead sessions never come back except through account inheritance.
var ErrSessionDead = errors.New("session dead")

type Store struct {
	Repo     repo.Repo
	Cache    *cache.Cache
	Timeout  time.Duration
	CacheTTL time.Duration
	Now      func() time.Time
}

func New(r repo.Repo, c *cache.Cache, timeout, cacheTTL time.Duration) *Store {
	return &Store{Repo: r, Cache: c, Timeout: timeout, CacheTTL: cacheTTL, Now: time.Now}
}

func cacheKey(token string) string {
	return "session/" + token
}

// IsDead reports whether the user's idle interval exceeds the timeout.
// A zero timeout disables expiry entirely.
func (s *Store) IsDead(u domain.User, now time.Time) bool {
	if s.Timeout <= 0 {
		return false
	}
	return now.Sub(u.LastSeen) > s.Timeout
}

// Resolve returns the live user for token. Unknown tokens return
// repo.ErrNotFound; known but expired ones return ErrSessionDead.
func (s *Store) Resolve(ctx context.Context, token string) (domain.User, error) {
	if token == "" {
		return domain.User{}, repo.ErrNotFound
	}
	u, err := s.lookup(ctx, token)
	if err != nil {
		return domain.User{}, err
	}
	if s.IsDead(u, s.Now()) {
		return domain.User{}, ErrSessionDead
	}
	return u, nil
}

func (s *Store) lookup(ctx context.Context, token string) (domain.User, error) {
	if raw, found, err := s.Cache.Get(cacheKey(token)); err == nil && found {
		var u domain.User
		if json.Unmarshal(raw, &u) == nil && u.SessionToken == token {
			return u, nil
		}
	}
	u, err := s.Repo.GetUserByToken(ctx, token)
	if err != nil {
		return domain.User{}, err
	}
	s.cachePut(u)
	return u, nil
}

// GetOrCreate resolves token, falling back to a fresh guest user when the
// token is unknown or its session is dead. The guest is persisted right away
// so judgements can reference it.
func (s *Store) GetOrCreate(ctx context.Context, token string) (domain.User, error) {
	u, err := s.Resolve(ctx, token)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) && !errors.Is(err, ErrSessionDead) {
		return domain.User{}, err
	}
	return s.NewGuest(ctx)
}

// NewGuest creates an anonymous user with a fresh session token.
func (s *Store) NewGuest(ctx context.Context) (domain.User, error) {
	now := s.Now()
	u := domain.User{
		ID:               domain.NewToken(),
		SessionToken:     domain.NewToken(),
		ShowInstructions: true,
		LastSeen:         now,
		CreatedAt:        now,
	}
	if err := s.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("create guest: %w", err)
	}
	s.cachePut(u)
	return u, nil
}

// Touch updates last_seen and persists the user durably and in cache.
func (s *Store) Touch(ctx context.Context, u *domain.User) error {
	u.LastSeen = s.Now()
	return s.Save(ctx, *u)
}

// Save writes the user to the database and refreshes the cache entry.
func (s *Store) Save(ctx context.Context, u domain.User) error {
	if err := s.Repo.UpsertUser(ctx, u); err != nil {
		return err
	}
	s.cachePut(u)
	return nil
}

// Inherit merges the guest session src into the account user dst: finished
// counters are summed, dst adopts src's token so the browser keeps its
// cookie, and dst is revived regardless of how stale it was. src keeps a
// rotated throwaway token since tokens are unique.
func (s *Store) Inherit(ctx context.Context, dst, src domain.User) (domain.User, error) {
	if dst.ID == src.ID {
		return dst, nil
	}
	oldDstToken := dst.SessionToken
	dst.Inherit(src, s.Now())

	// Retire the guest first so its old token is free for dst to adopt.
	src.SessionToken = domain.NewToken()
	if err := s.Repo.UpsertUser(ctx, src); err != nil {
		return domain.User{}, fmt.Errorf("retire guest session: %w", err)
	}
	if err := s.Repo.UpsertUser(ctx, dst); err != nil {
		return domain.User{}, fmt.Errorf("inherit session: %w", err)
	}
	_ = s.Cache.Delete(cacheKey(oldDstToken))
	s.cachePut(dst)
	return dst, nil
}

// RotateToken gives the user a fresh token, killing whatever cookie pointed
// at the old one. Used on logout.
func (s *Store) RotateToken(ctx context.Context, u domain.User) (domain.User, error) {
	old := u.SessionToken
	u.SessionToken = domain.NewToken()
	u.LastSeen = s.Now()
	if err := s.Repo.UpsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	_ = s.Cache.Delete(cacheKey(old))
	s.cachePut(u)
	return u, nil
}

func (s *Store) cachePut(u domain.User) {
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	_ = s.Cache.Set(cacheKey(u.SessionToken), raw, s.CacheTTL)
}
