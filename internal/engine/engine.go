// Package engine implements the annotation workflow: assigning task
// packages to judges, walking a judge through their package in order,
// recording judgements, and the bulk jobs that build tasks and packages
// from the ranking corpus.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spacelis/portraitist/internal/cache"
	"github.com/spacelis/portraitist/internal/config"
	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/ledger"
	"github.com/spacelis/portraitist/internal/pool"
	"github.com/spacelis/portraitist/internal/repo"
	"github.com/spacelis/portraitist/internal/session"
)

// ErrNoAssignment reports a user without a task package where one is
// required.
var ErrNoAssignment = errors.New("no task package assigned")

// ErrTaskNotFound reports a submission naming an unknown task.
var ErrTaskNotFound = errors.New("task not found")

// packageEpoch is the assigned_at placeholder for never-assigned packages.
var packageEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Sessions *session.Store
	Pool     *pool.Pool
	Ledger   ledger.Writer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, c *cache.Cache, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:       db,
		Repo:     r,
		Sessions: session.New(r, c, cfg.Session.Timeout.Std(), cfg.Session.CacheTTL.Std()),
		Pool:     pool.New(r, c, cfg.Pool.Key, cfg.Pool.TTL.Std(), cfg.Pool.CheckoutRetries),
		Ledger:   ledger.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SetNow pushes the given clock into the session store, pool and ledger so
// tests can freeze all of them at once.
func (e Engine) SetNow(now func() time.Time) Engine {
	e.Now = now
	e.Sessions.Now = now
	e.Pool.Now = now
	e.Ledger.Now = now
	return e
}

// AssignPackage checks the next package out of the pool and pins it to the
// user. An empty pool returns pool.ErrNoPackage after scheduling a refill.
func (e Engine) AssignPackage(ctx context.Context, u *domain.User) (domain.TaskPackage, error) {
	pkg, err := e.Pool.Checkout(ctx)
	if err != nil {
		return domain.TaskPackage{}, err
	}
	u.TaskPackageID = &pkg.ID
	if err := e.Sessions.Touch(ctx, u); err != nil {
		return domain.TaskPackage{}, err
	}
	return pkg, nil
}

// AssignSpecific pins a named package to the user, bypassing the pool.
// Used by distributed taskpackage links.
func (e Engine) AssignSpecific(ctx context.Context, u *domain.User, packageID string) (domain.TaskPackage, error) {
	pkg, err := e.Repo.GetPackage(ctx, packageID)
	if err != nil {
		return domain.TaskPackage{}, err
	}
	pkg.Touch(e.now())
	if err := e.Repo.UpdatePackage(ctx, pkg); err != nil {
		return domain.TaskPackage{}, err
	}
	u.TaskPackageID = &pkg.ID
	if err := e.Sessions.Touch(ctx, u); err != nil {
		return domain.TaskPackage{}, err
	}
	return pkg, nil
}

// CurrentTask returns the task at the head of the user's package. A drained
// package yields domain.ExhaustedError carrying the confirm code.
func (e Engine) CurrentTask(ctx context.Context, u domain.User) (domain.AnnotationTask, error) {
	if u.TaskPackageID == nil {
		return domain.AnnotationTask{}, ErrNoAssignment
	}
	pkg, err := e.Repo.GetPackage(ctx, *u.TaskPackageID)
	if err != nil {
		return domain.AnnotationTask{}, err
	}
	taskID, err := pkg.NextTaskID(e.now())
	if err != nil {
		return domain.AnnotationTask{}, err
	}
	if err := e.Repo.UpdatePackage(ctx, pkg); err != nil {
		return domain.AnnotationTask{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// SubmitOptions are the parameters of one annotation submission.
type SubmitOptions struct {
	TaskID string
	// Scores maps topic_id to the judged expertise score.
	Scores     map[string]int
	Provenance ledger.Provenance
}

// SubmitResult reports where the user's package stands after a submission.
type SubmitResult struct {
	Remaining   int
	Done        bool
	ConfirmCode string
}

// Submit records one judgement per scored topic and advances the user's
// package. The judgement batch commits in its own transaction before the
// progress update; a crash in between leaves an extra ledger entry rather
// than lost progress.
func (e Engine) Submit(ctx context.Context, u *domain.User, opts SubmitOptions) (SubmitResult, error) {
	now := e.now()
	if e.Sessions.IsDead(*u, now) {
		return SubmitResult{}, session.ErrSessionDead
	}
	task, err := e.Repo.GetTask(ctx, opts.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return SubmitResult{}, ErrTaskNotFound
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if u.TaskPackageID == nil {
		return SubmitResult{}, ErrNoAssignment
	}
	pkg, err := e.Repo.GetPackage(ctx, *u.TaskPackageID)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := pkg.FinishTask(task.ID); err != nil {
		return SubmitResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()
	if err := e.Ledger.AppendBatch(ctx, tx, u.ID, task.CandidateID, opts.Scores, opts.Provenance); err != nil {
		return SubmitResult{}, fmt.Errorf("append judgements: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}

	pkg.MarkDoneBy(u.ID)
	if err := e.Repo.UpdatePackage(ctx, pkg); err != nil {
		return SubmitResult{}, err
	}
	u.FinishedTasks++
	if err := e.Sessions.Touch(ctx, u); err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{Remaining: pkg.Remaining()}
	if pkg.State() == domain.PackageExhausted {
		res.Done = true
		res.ConfirmCode = pkg.ConfirmCode
	}
	return res, nil
}

// MakeTasks builds one annotation task per candidate from the loaded
// ranking corpus. Candidates that already have a task are skipped, so the
// job is safe to rerun after importing more rankings.
func (e Engine) MakeTasks(ctx context.Context) (int, error) {
	candidates, err := e.Repo.ListCandidates(ctx)
	if err != nil {
		return 0, err
	}
	made := 0
	for _, candidateID := range candidates {
		if _, err := e.Repo.GetTaskByCandidate(ctx, candidateID); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return made, err
		}
		ranks, err := e.Repo.ListRanksForCandidate(ctx, candidateID)
		if err != nil {
			return made, err
		}
		rankingIDs := make([]string, len(ranks))
		for i, r := range ranks {
			rankingIDs[i] = r.ID
		}
		t := domain.AnnotationTask{
			ID:          domain.NewToken(),
			CandidateID: candidateID,
			Rankings:    rankingIDs,
			CreatedAt:   e.now(),
		}
		if err := e.Repo.InsertTask(ctx, t); err != nil {
			return made, err
		}
		made++
	}
	return made, nil
}

// MakePackages partitions all tasks into packages of the configured size,
// ordered by the configured policy, and gives each a fresh confirm code.
func (e Engine) MakePackages(ctx context.Context) (int, error) {
	taskIDs, err := e.orderedTaskIDs(ctx, e.Config.Packages.Policy)
	if err != nil {
		return 0, err
	}
	size := e.Config.Packages.Size
	made := 0
	for start := 0; start < len(taskIDs); start += size {
		end := start + size
		if end > len(taskIDs) {
			end = len(taskIDs)
		}
		batch := append([]string(nil), taskIDs[start:end]...)
		pkg := domain.TaskPackage{
			ID:          domain.NewToken(),
			Tasks:       batch,
			Progress:    append([]string(nil), batch...),
			ConfirmCode: domain.NewConfirmCode(),
			AssignedAt:  packageEpoch,
			CreatedAt:   e.now(),
		}
		if err := e.Repo.InsertPackage(ctx, pkg); err != nil {
			return made, err
		}
		made++
	}
	return made, nil
}

// orderedTaskIDs lays tasks out for partitioning. sequence keeps creation
// order; topic and method group tasks so one package stays within one topic
// or one ranking method where possible.
func (e Engine) orderedTaskIDs(ctx context.Context, policy string) ([]string, error) {
	ids, err := e.Repo.ListTaskIDs(ctx)
	if err != nil {
		return nil, err
	}
	if policy == "sequence" || policy == "" {
		return ids, nil
	}
	keyOf := func(ranks []domain.ExpertiseRank) string {
		if len(ranks) == 0 {
			return ""
		}
		switch policy {
		case "topic":
			return ranks[0].TopicID
		case "method":
			return ranks[0].RankInfo.Method
		}
		return ""
	}
	type keyed struct {
		id  string
		key string
		pos int
	}
	items := make([]keyed, 0, len(ids))
	for pos, id := range ids {
		task, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		ranks, err := e.Repo.ListRanksForCandidate(ctx, task.CandidateID)
		if err != nil {
			return nil, err
		}
		items = append(items, keyed{id: id, key: keyOf(ranks), pos: pos})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].key != items[j].key {
			return items[i].key < items[j].key
		}
		return items[i].pos < items[j].pos
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out, nil
}

// ResetProgress restores one package, or every package when id is empty.
func (e Engine) ResetProgress(ctx context.Context, packageID string) (int64, error) {
	if packageID == "" {
		return e.Repo.ResetAllPackages(ctx)
	}
	pkg, err := e.Repo.GetPackage(ctx, packageID)
	if err != nil {
		return 0, err
	}
	pkg.ResetProgress()
	if err := e.Repo.UpdatePackage(ctx, pkg); err != nil {
		return 0, err
	}
	return 1, nil
}

// RouteAction tells the frontend where to send the user next.
type RouteAction string

const (
	RouteInstructions RouteAction = "instructions"
	RouteAssign       RouteAction = "assign"
	RouteTask         RouteAction = "task"
	RouteSurvey       RouteAction = "survey"
	RouteConfirm      RouteAction = "confirm"
)

// Route is a page routing decision for the current session state.
type Route struct {
	Action      RouteAction `json:"action"`
	TaskID      string      `json:"task_id,omitempty"`
	ConfirmCode string      `json:"confirm_code,omitempty"`
	Redirect    string      `json:"redirect"`
}

// NextRoute decides the next page for the user: instructions on first
// contact, a package assignment when they have none, the head task while
// work remains, then the exit survey and the confirmation screen once
// their package drains.
func (e Engine) NextRoute(ctx context.Context, u *domain.User) (Route, error) {
	if u.ShowInstructions {
		u.ShowInstructions = false
		if err := e.Sessions.Touch(ctx, u); err != nil {
			return Route{}, err
		}
		return Route{Action: RouteInstructions, Redirect: "/instructions"}, nil
	}
	if u.TaskPackageID == nil {
		return Route{Action: RouteAssign, Redirect: "/api/data/assign_taskpackage"}, nil
	}
	task, err := e.CurrentTask(ctx, *u)
	if err != nil {
		var exhausted domain.ExhaustedError
		if errors.As(err, &exhausted) {
			if !u.SurveyDone {
				return Route{Action: RouteSurvey, Redirect: "/survey"}, nil
			}
			return Route{
				Action:      RouteConfirm,
				ConfirmCode: exhausted.ConfirmCode,
				Redirect:    "/confirm_code/" + exhausted.ConfirmCode,
			}, nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			// package vanished, send them back for a new one
			u.TaskPackageID = nil
			if err := e.Sessions.Touch(ctx, u); err != nil {
				return Route{}, err
			}
			return Route{Action: RouteAssign, Redirect: "/api/data/assign_taskpackage"}, nil
		}
		return Route{}, err
	}
	return Route{Action: RouteTask, TaskID: task.ID, Redirect: "/task/" + task.ID}, nil
}

// CompleteSurvey marks the exit survey done so the router can hand out the
// confirm code.
func (e Engine) CompleteSurvey(ctx context.Context, u *domain.User) error {
	if e.Sessions.IsDead(*u, e.now()) {
		return session.ErrSessionDead
	}
	u.SurveyDone = true
	return e.Sessions.Touch(ctx, u)
}

// EmailSignup registers an email account bound to the current session user
// and marks the user known.
func (e Engine) EmailSignup(ctx context.Context, u *domain.User, email, password, name string) error {
	if _, err := e.Repo.GetEmailAccountByEmail(ctx, email); err == nil {
		return fmt.Errorf("email %s already registered", email)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	acct := domain.EmailAccount{
		ID:         domain.NewToken(),
		Email:      email,
		PasswdHash: domain.HashPassword(email, password),
		Name:       name,
		UserID:     u.ID,
		CreatedAt:  e.now(),
	}
	if err := e.Repo.InsertEmailAccount(ctx, acct); err != nil {
		return err
	}
	u.IsKnown = true
	u.EmailAccountID = &acct.ID
	return e.Sessions.Touch(ctx, u)
}

// EmailLogin verifies credentials and merges the current guest session into
// the account's user, reviving it no matter how stale it is.
func (e Engine) EmailLogin(ctx context.Context, guest domain.User, email, password string) (domain.User, error) {
	acct, err := e.Repo.GetEmailAccountByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, fmt.Errorf("unknown email or wrong password")
	}
	if err != nil {
		return domain.User{}, err
	}
	if acct.PasswdHash != domain.HashPassword(email, password) {
		return domain.User{}, fmt.Errorf("unknown email or wrong password")
	}
	owner, err := e.Repo.GetUser(ctx, acct.UserID)
	if err != nil {
		return domain.User{}, err
	}
	owner.IsKnown = true
	return e.Sessions.Inherit(ctx, owner, guest)
}
