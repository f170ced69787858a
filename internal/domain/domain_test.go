package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/spacelis/portraitist/internal/domain"
)

func newPackage(taskIDs ...string) *domain.TaskPackage {
	return &domain.TaskPackage{
		ID:          "tp-1",
		Tasks:       append([]string(nil), taskIDs...),
		Progress:    append([]string(nil), taskIDs...),
		ConfirmCode: "c0ffee",
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFinishInOrder(t *testing.T) {
	p := newPackage("t1", "t2")
	now := time.Now()

	next, err := p.NextTaskID(now)
	if err != nil || next != "t1" {
		t.Fatalf("next = %q, %v; want t1", next, err)
	}
	if err := p.FinishTask("t1"); err != nil {
		t.Fatalf("finish t1: %v", err)
	}
	if p.Remaining() != 1 {
		t.Fatalf("remaining = %d, want 1", p.Remaining())
	}
	next, err = p.NextTaskID(now)
	if err != nil || next != "t2" {
		t.Fatalf("next = %q, %v; want t2", next, err)
	}
	if err := p.FinishTask("t2"); err != nil {
		t.Fatalf("finish t2: %v", err)
	}
	if p.State() != domain.PackageExhausted {
		t.Fatalf("state = %s, want exhausted", p.State())
	}
}

func TestFinishOutOfOrderRejected(t *testing.T) {
	p := newPackage("t1", "t2")
	err := p.FinishTask("t2")
	var mismatch domain.HeadMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected HeadMismatchError, got %v", err)
	}
	if mismatch.Want != "t1" || mismatch.Got != "t2" {
		t.Fatalf("unexpected mismatch detail: %+v", mismatch)
	}
	// progress must be left untouched
	if p.Remaining() != 2 || p.Progress[0] != "t1" {
		t.Fatalf("progress changed after rejected finish: %v", p.Progress)
	}
}

func TestExhaustionIsTerminal(t *testing.T) {
	p := newPackage("t1")
	if err := p.FinishTask("t1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_, err := p.NextTaskID(time.Now())
		var exhausted domain.ExhaustedError
		if !errors.As(err, &exhausted) {
			t.Fatalf("call %d: expected ExhaustedError, got %v", i, err)
		}
		if exhausted.ConfirmCode != "c0ffee" {
			t.Fatalf("confirm code = %q, want c0ffee", exhausted.ConfirmCode)
		}
	}
}

func TestResetRestoresManifest(t *testing.T) {
	p := newPackage("t1", "t2", "t3")
	_ = p.FinishTask("t1")
	_ = p.FinishTask("t2")
	p.ResetProgress()
	if p.Remaining() != 3 || p.State() != domain.PackageFresh {
		t.Fatalf("reset did not restore manifest: %v", p.Progress)
	}
}

func TestProgressMonotonic(t *testing.T) {
	p := newPackage("t1", "t2", "t3")
	prev := p.Remaining()
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := p.FinishTask(id); err != nil {
			t.Fatal(err)
		}
		if p.Remaining() >= prev {
			t.Fatalf("progress grew: %d -> %d", prev, p.Remaining())
		}
		prev = p.Remaining()
	}
}

func TestStateTransitions(t *testing.T) {
	p := newPackage("t1", "t2")
	if p.State() != domain.PackageFresh {
		t.Fatalf("fresh package state = %s", p.State())
	}
	_ = p.FinishTask("t1")
	if p.State() != domain.PackageInProgress {
		t.Fatalf("in-progress package state = %s", p.State())
	}
	_ = p.FinishTask("t2")
	if p.State() != domain.PackageExhausted {
		t.Fatalf("exhausted package state = %s", p.State())
	}
}

func TestInheritSumsProgress(t *testing.T) {
	now := time.Now()
	known := domain.User{ID: "a", SessionToken: "tok-a", IsKnown: true, FinishedTasks: 3}
	guest := domain.User{ID: "b", SessionToken: "tok-b", FinishedTasks: 2, ShowInstructions: true}
	known.Inherit(guest, now)
	if known.FinishedTasks != 5 {
		t.Fatalf("finished = %d, want 5", known.FinishedTasks)
	}
	if !known.ShowInstructions {
		t.Fatalf("show_instructions should be ORed")
	}
	if known.SessionToken != "tok-b" {
		t.Fatalf("surviving session token not adopted: %s", known.SessionToken)
	}
	if !known.LastSeen.Equal(now) {
		t.Fatalf("inherit should revive liveness")
	}
}

func TestMarkDoneByIdempotent(t *testing.T) {
	p := newPackage("t1")
	p.MarkDoneBy("u1")
	p.MarkDoneBy("u1")
	p.MarkDoneBy("u2")
	if len(p.DoneBy) != 2 {
		t.Fatalf("done_by = %v", p.DoneBy)
	}
}

func TestTokensUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		tok := domain.NewToken()
		if seen[tok] {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = true
	}
	if code := domain.NewConfirmCode(); len(code) != 12 {
		t.Fatalf("confirm code %q has unexpected length", code)
	}
}
