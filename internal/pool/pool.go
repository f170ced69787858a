// Package pool hands out task packages to judges. The pool itself is a
// cached queue of package ids; checkout pops the head under a
// compare-and-swap so two concurrent judges can never receive the same
// package.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spacelis/portraitist/internal/cache"
	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/repo"
)

// ErrNoPackage reports an empty pool. A refill has been scheduled; the
// caller should ask again later.
var ErrNoPackage = errors.New("no task package available")

var errPoolEmpty = errors.New("pool empty")

type Pool struct {
	Repo    repo.Repo
	Cache   *cache.Cache
	Key     string
	TTL     time.Duration
	Retries int
	Now     func() time.Time
	// Schedule runs a refill asynchronously. Nil means refills only happen
	// when called explicitly.
	Schedule func(name string, fn func())
}

func New(r repo.Repo, c *cache.Cache, key string, ttl time.Duration, retries int) *Pool {
	return &Pool{Repo: r, Cache: c, Key: key, TTL: ttl, Retries: retries, Now: time.Now}
}

// Checkout pops the next package id off the pool and assigns the package.
// Conflicting pops retry up to Retries times; ids pointing at drained or
// deleted packages are discarded and the next id is tried.
func (p *Pool) Checkout(ctx context.Context) (domain.TaskPackage, error) {
	for attempt := 0; attempt < p.Retries; attempt++ {
		var id string
		err := p.Cache.Update(p.Key, p.TTL, func(cur []byte, found bool) ([]byte, error) {
			ids := decodeIDs(cur, found)
			if len(ids) == 0 {
				return nil, errPoolEmpty
			}
			id = ids[0]
			return encodeIDs(ids[1:]), nil
		})
		if errors.Is(err, errPoolEmpty) {
			p.scheduleRefill()
			return domain.TaskPackage{}, ErrNoPackage
		}
		if errors.Is(err, cache.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.TaskPackage{}, err
		}

		pkg, err := p.Repo.GetPackage(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.TaskPackage{}, err
		}
		if pkg.State() == domain.PackageExhausted {
			// stale pool entry, the package drained after it was queued
			continue
		}
		pkg.AssignedAt = p.Now()
		if err := p.Repo.UpdatePackage(ctx, pkg); err != nil {
			return domain.TaskPackage{}, err
		}
		return pkg, nil
	}
	return domain.TaskPackage{}, fmt.Errorf("checkout contention after %d attempts: %w", p.Retries, ErrNoPackage)
}

// Refill rebuilds the pool from every package that still has work left,
// most remaining tasks first. Packages that sat unassigned longest break
// ties. Returns the number of packages queued.
func (p *Pool) Refill(ctx context.Context) (int, error) {
	pkgs, err := p.Repo.ListPackages(ctx)
	if err != nil {
		return 0, err
	}
	var open []domain.TaskPackage
	for _, pkg := range pkgs {
		if pkg.State() != domain.PackageExhausted {
			open = append(open, pkg)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if len(open[i].Progress) != len(open[j].Progress) {
			return len(open[i].Progress) > len(open[j].Progress)
		}
		if !open[i].AssignedAt.Equal(open[j].AssignedAt) {
			return open[i].AssignedAt.Before(open[j].AssignedAt)
		}
		return open[i].ID < open[j].ID
	})
	ids := make([]string, len(open))
	for i, pkg := range open {
		ids[i] = pkg.ID
	}
	if err := p.Cache.Set(p.Key, encodeIDs(ids), p.TTL); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Size returns how many package ids are currently queued.
func (p *Pool) Size() (int, error) {
	raw, found, err := p.Cache.Get(p.Key)
	if err != nil {
		return 0, err
	}
	return len(decodeIDs(raw, found)), nil
}

func (p *Pool) scheduleRefill() {
	if p.Schedule == nil {
		return
	}
	p.Schedule("pool-refill", func() {
		_, _ = p.Refill(context.Background())
	})
}

func decodeIDs(raw []byte, found bool) []string {
	if !found || len(raw) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

func encodeIDs(ids []string) []byte {
	if ids == nil {
		ids = []string{}
	}
	raw, _ := json.Marshal(ids)
	return raw
}
