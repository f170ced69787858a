package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spacelis/portraitist/internal/cache"
	"github.com/spacelis/portraitist/internal/db"
	"github.com/spacelis/portraitist/internal/migrate"
	"github.com/spacelis/portraitist/internal/repo"
	"github.com/spacelis/portraitist/internal/session"
)

func newStore(t *testing.T, timeout time.Duration) (*session.Store, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c, err := cache.Open("")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := session.New(repo.Repo{DB: conn}, c, timeout, time.Hour)
	s.Now = func() time.Time { return now }
	return s, &now
}

func TestGetOrCreateIssuesGuest(t *testing.T) {
	s, _ := newStore(t, 30*time.Minute)
	ctx := context.Background()
	u, err := s.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if u.SessionToken == "" || u.IsKnown {
		t.Fatalf("expected anonymous guest, got %+v", u)
	}
	again, err := s.GetOrCreate(ctx, u.SessionToken)
	if err != nil {
		t.Fatalf("resolve guest: %v", err)
	}
	if again.ID != u.ID {
		t.Fatalf("expected same user, got %s vs %s", again.ID, u.ID)
	}
}

func TestLivenessBoundary(t *testing.T) {
	s, now := newStore(t, 30*time.Minute)
	ctx := context.Background()
	u, err := s.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// exactly at the timeout is still alive
	*now = u.LastSeen.Add(30 * time.Minute)
	if _, err := s.Resolve(ctx, u.SessionToken); err != nil {
		t.Fatalf("at boundary: %v", err)
	}

	// one second past is dead
	*now = u.LastSeen.Add(30*time.Minute + time.Second)
	if _, err := s.Resolve(ctx, u.SessionToken); !errors.Is(err, session.ErrSessionDead) {
		t.Fatalf("expected dead session, got %v", err)
	}

	// a dead token yields a fresh guest, never the old user
	fresh, err := s.GetOrCreate(ctx, u.SessionToken)
	if err != nil {
		t.Fatalf("get or create after death: %v", err)
	}
	if fresh.ID == u.ID {
		t.Fatal("dead session must not be revived by a plain request")
	}
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	s, now := newStore(t, 0)
	ctx := context.Background()
	u, err := s.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	*now = u.LastSeen.Add(1000 * time.Hour)
	got, err := s.Resolve(ctx, u.SessionToken)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("expected same user, got %s", got.ID)
	}
}

func TestInheritSumsProgressAndRevives(t *testing.T) {
	s, now := newStore(t, 30*time.Minute)
	ctx := context.Background()

	account, err := s.NewGuest(ctx)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	account.IsKnown = true
	account.FinishedTasks = 3
	if err := s.Save(ctx, account); err != nil {
		t.Fatalf("save account: %v", err)
	}

	guest, err := s.NewGuest(ctx)
	if err != nil {
		t.Fatalf("guest: %v", err)
	}
	guest.FinishedTasks = 2
	if err := s.Save(ctx, guest); err != nil {
		t.Fatalf("save guest: %v", err)
	}

	// the account has long gone stale; inheritance must revive it anyway
	*now = now.Add(48 * time.Hour)
	merged, err := s.Inherit(ctx, account, guest)
	if err != nil {
		t.Fatalf("inherit: %v", err)
	}
	if merged.FinishedTasks != 5 {
		t.Fatalf("finished tasks not summed: %d", merged.FinishedTasks)
	}
	if merged.SessionToken != guest.SessionToken {
		t.Fatal("merged user must keep the guest's token so the cookie survives")
	}
	got, err := s.Resolve(ctx, merged.SessionToken)
	if err != nil {
		t.Fatalf("resolve merged: %v", err)
	}
	if got.ID != account.ID {
		t.Fatalf("token resolves to %s, want account %s", got.ID, account.ID)
	}
}

func TestRotateTokenKillsOldCookie(t *testing.T) {
	s, _ := newStore(t, 30*time.Minute)
	ctx := context.Background()
	u, err := s.NewGuest(ctx)
	if err != nil {
		t.Fatalf("guest: %v", err)
	}
	old := u.SessionToken
	rotated, err := s.RotateToken(ctx, u)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.SessionToken == old {
		t.Fatal("token unchanged")
	}
	if _, err := s.Resolve(ctx, old); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("old token should be unknown, got %v", err)
	}
}
