package pool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spacelis/portraitist/internal/cache"
	"github.com/spacelis/portraitist/internal/db"
	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/migrate"
	"github.com/spacelis/portraitist/internal/pool"
	"github.com/spacelis/portraitist/internal/repo"
)

func newPool(t *testing.T) (*pool.Pool, repo.Repo) {
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
	r := repo.Repo{DB: conn}
	p := pool.New(r, c, "taskpackage-pool", time.Hour, 5)
	p.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return p, r
}

func seedPackage(t *testing.T, r repo.Repo, id string, tasks, progress []string) {
	t.Helper()
	err := r.InsertPackage(context.Background(), domain.TaskPackage{
		ID:          id,
		Tasks:       tasks,
		Progress:    progress,
		ConfirmCode: "code-" + id,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed package %s: %v", id, err)
	}
}

func TestCheckoutPopsInOrder(t *testing.T) {
	p, r := newPool(t)
	ctx := context.Background()
	seedPackage(t, r, "tp-1", []string{"a", "b"}, []string{"a", "b"})
	seedPackage(t, r, "tp-2", []string{"c"}, []string{"c"})
	if _, err := p.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}

	first, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	second, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("same package handed out twice: %s", first.ID)
	}
	if first.ID != "tp-1" || second.ID != "tp-2" {
		t.Fatalf("expected tp-1 then tp-2, got %s then %s", first.ID, second.ID)
	}
}

func TestCheckoutExclusiveUnderContention(t *testing.T) {
	p, r := newPool(t)
	ctx := context.Background()
	seedPackage(t, r, "tp-only", []string{"a"}, []string{"a"})
	if _, err := p.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}

	type result struct {
		pkg domain.TaskPackage
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			pkg, err := p.Checkout(ctx)
			results <- result{pkg, err}
		}()
	}
	var won, lost int
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			won++
			if res.pkg.ID != "tp-only" {
				t.Errorf("unexpected package %s", res.pkg.ID)
			}
		} else if errors.Is(res.err, pool.ErrNoPackage) {
			lost++
		} else {
			t.Errorf("unexpected error: %v", res.err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one winner, got won=%d lost=%d", won, lost)
	}
}

func TestRefillRanksByRemainingWork(t *testing.T) {
	p, r := newPool(t)
	ctx := context.Background()
	// A is untouched with 10 tasks, B has 2 left of 20. A has more remaining
	// work so it must be handed out first.
	aTasks := []string{"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9"}
	seedPackage(t, r, "tp-a", aTasks, aTasks)
	seedPackage(t, r, "tp-b", []string{"b0", "b1", "b2", "b3"}, []string{"b2", "b3"})
	seedPackage(t, r, "tp-done", []string{"d0"}, nil)

	n, err := p.Refill(ctx)
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if n != 2 {
		t.Fatalf("drained package must not be queued, got %d", n)
	}
	first, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if first.ID != "tp-a" {
		t.Fatalf("expected tp-a first, got %s", first.ID)
	}
}

func TestEmptyPoolSchedulesRefill(t *testing.T) {
	p, r := newPool(t)
	ctx := context.Background()
	seedPackage(t, r, "tp-x", []string{"x"}, []string{"x"})

	scheduled := make(chan string, 1)
	p.Schedule = func(name string, fn func()) {
		scheduled <- name
		fn()
	}

	// pool never filled, first checkout fails but triggers a refill
	if _, err := p.Checkout(ctx); !errors.Is(err, pool.ErrNoPackage) {
		t.Fatalf("expected ErrNoPackage, got %v", err)
	}
	select {
	case <-scheduled:
	default:
		t.Fatal("refill not scheduled")
	}

	pkg, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("checkout after refill: %v", err)
	}
	if pkg.ID != "tp-x" {
		t.Fatalf("got %s", pkg.ID)
	}
}
