package cache_test

import (
	"errors"
	"testing"

	"github.com/spacelis/portraitist/internal/cache"
)

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open("")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetSetDelete(t *testing.T) {
	c := newCache(t)
	if _, found, err := c.Get("k"); err != nil || found {
		t.Fatalf("expected miss, got found=%v err=%v", found, err)
	}
	if err := c.Set("k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, found, err := c.Get("k")
	if err != nil || !found || string(got) != "v" {
		t.Fatalf("get after set: %q found=%v err=%v", got, found, err)
	}
	if err := c.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := c.Get("k"); found {
		t.Fatal("expected miss after delete")
	}
}

func TestUpdateReadModifyWrite(t *testing.T) {
	c := newCache(t)
	if err := c.Set("n", []byte("a"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := c.Update("n", 0, func(cur []byte, found bool) ([]byte, error) {
		if !found || string(cur) != "a" {
			t.Fatalf("unexpected current: %q found=%v", cur, found)
		}
		return []byte("ab"), nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ := c.Get("n")
	if string(got) != "ab" {
		t.Fatalf("got %q", got)
	}
}

func TestUpdateDeletesOnNil(t *testing.T) {
	c := newCache(t)
	if err := c.Set("gone", []byte("x"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := c.Update("gone", 0, func(cur []byte, found bool) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, found, _ := c.Get("gone"); found {
		t.Fatal("expected key deleted")
	}
}

func TestUpdateConflict(t *testing.T) {
	c := newCache(t)
	if err := c.Set("race", []byte("0"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// The interleaved Set commits after the Update transaction has read the
	// key, so the Update commit must fail with ErrConflict.
	err := c.Update("race", 0, func(cur []byte, found bool) ([]byte, error) {
		if err := c.Set("race", []byte("1"), 0); err != nil {
			t.Fatalf("interleaved set: %v", err)
		}
		return []byte("2"), nil
	})
	if !errors.Is(err, cache.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _, _ := c.Get("race")
	if string(got) != "1" {
		t.Fatalf("loser must not overwrite winner, got %q", got)
	}
}
