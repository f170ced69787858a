package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a judging session, anonymous until linked to an account.
type User struct {
	ID               string    `json:"id"`
	SessionToken     string    `json:"session_token"`
	IsKnown          bool      `json:"is_known"`
	ShowInstructions bool      `json:"show_instructions"`
	SurveyDone       bool      `json:"survey_done"`
	LastSeen         time.Time `json:"last_seen"`
	FinishedTasks    int       `json:"finished_tasks"`
	TaskPackageID    *string   `json:"task_package_id,omitempty"`
	EmailAccountID   *string   `json:"email_account_id,omitempty"`
	TwitterAccountID *string   `json:"twitter_account_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Inherit merges the accumulated progress of an anonymous session into this
// user. Finished counters are summed, never replaced, and the surviving
// session keeps the other session's token so the browser cookie stays valid.
func (u *User) Inherit(other User, now time.Time) {
	u.FinishedTasks += other.FinishedTasks
	u.ShowInstructions = u.ShowInstructions || other.ShowInstructions
	u.SurveyDone = u.SurveyDone || other.SurveyDone
	if u.TaskPackageID == nil {
		u.TaskPackageID = other.TaskPackageID
	}
	u.SessionToken = other.SessionToken
	u.LastSeen = now
}

// TwitterAccount holds a candidate's crawled footprint plus, for judges who
// logged in via Twitter, their OAuth credentials.
type TwitterAccount struct {
	ID                string    `json:"id"`
	ScreenName        string    `json:"screen_name"`
	TwitterID         int64     `json:"twitter_id,omitempty"`
	CheckinsJSON      *string   `json:"checkins_json,omitempty"`
	AccessToken       *string   `json:"-"`
	AccessTokenSecret *string   `json:"-"`
	UserID            *string   `json:"user_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type EmailAccount struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	PasswdHash string    `json:"-"`
	Name       string    `json:"name,omitempty"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type GeoEntity struct {
	ID       string  `json:"id"`
	TFID     string  `json:"tfid"`
	Name     string  `json:"name"`
	Level    string  `json:"level,omitempty"`
	InfoJSON *string `json:"info_json,omitempty"`
	URL      string  `json:"url,omitempty"`
}

// ExpertiseRank is one offline-computed ranking point for a candidate.
type ExpertiseRank struct {
	ID          string  `json:"id"`
	TopicID     string  `json:"topic_id"`
	TopicRef    *string `json:"topic_ref,omitempty"`
	Region      string  `json:"region,omitempty"`
	CandidateID string  `json:"candidate_id"`
	Rank        int     `json:"rank"`
	RankInfo    RankInfo
}

// RankInfo describes how a ranking point was produced.
type RankInfo struct {
	Profile string `json:"profile,omitempty"`
	Method  string `json:"method,omitempty"`
}

// AnnotationTask bundles one candidate's rankings for judging together.
// Immutable once created.
type AnnotationTask struct {
	ID          string    `json:"id"`
	CandidateID string    `json:"candidate_id"`
	Rankings    []string  `json:"rankings"`
	CreatedAt   time.Time `json:"created_at"`
}

// PackageState describes where a TaskPackage is in its lifecycle.
type PackageState string

const (
	PackageFresh      PackageState = "fresh"
	PackageInProgress PackageState = "in_progress"
	PackageExhausted  PackageState = "exhausted"
)

// ExhaustedError reports that a package has no tasks left. It carries the
// confirm code so callers can render the completion screen.
type ExhaustedError struct {
	PackageID   string
	ConfirmCode string
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf("task package %s has no more tasks", e.PackageID)
}

// HeadMismatchError reports an attempt to finish a task out of order. This is
/// an integrity fault: accepting it would corrupt the package's ordering.
type HeadMismatchError struct {
	PackageID string
	Want      string
	Got       string
}

func (e HeadMismatchError) Error() string {
	return fmt.Sprintf("task package %s: finish expects head task %s, got %s", e.PackageID, e.Want, e.Got)
}

// TaskPackage is a fixed batch of annotation tasks handed to one judge at a
// time. Tasks is the full manifest and never changes after creation; Progress
// is the unfinished suffix and only ever shrinks from the front.
type TaskPackage struct {
	ID          string    `json:"id"`
	Tasks       []string  `json:"tasks"`
	Progress    []string  `json:"progress"`
	ConfirmCode string    `json:"confirm_code"`
	AssignedAt  time.Time `json:"assigned_at"`
	DoneBy      []string  `json:"done_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// State derives the lifecycle state from the progress queue.
func (p *TaskPackage) State() PackageState {
	switch {
	case len(p.Progress) == 0:
		return PackageExhausted
	case len(p.Progress) == len(p.Tasks):
		return PackageFresh
	default:
		return PackageInProgress
	}
}

// Remaining reports how many tasks are left unfinished.
func (p *TaskPackage) Remaining() int { return len(p.Progress) }

// Touch records a checkout so the pool can order packages by staleness.
func (p *TaskPackage) Touch(now time.Time) { p.AssignedAt = now }

// NextTaskID returns the current head of the progress queue, touching the
// package. Once the queue is empty every call returns ExhaustedError carrying
// the package's confirm code until ResetProgress.
func (p *TaskPackage) NextTaskID(now time.Time) (string, error) {
	if len(p.Progress) == 0 {
		return "", ExhaustedError{PackageID: p.ID, ConfirmCode: p.ConfirmCode}
	}
	p.Touch(now)
	return p.Progress[0], nil
}

// FinishTask removes the head of the progress queue. Tasks complete strictly
// in presented order; finishing anything but the head fails loudly and leaves
// the queue untouched.
func (p *TaskPackage) FinishTask(taskID string) error {
	if len(p.Progress) == 0 {
		return ExhaustedError{PackageID: p.ID, ConfirmCode: p.ConfirmCode}
	}
	if p.Progress[0] != taskID {
		return HeadMismatchError{PackageID: p.ID, Want: p.Progress[0], Got: taskID}
	}
	p.Progress = p.Progress[1:]
	return nil
}

// MarkDoneBy records a contributing judge. Idempotent.
func (p *TaskPackage) MarkDoneBy(userID string) {
	for _, id := range p.DoneBy {
		if id == userID {
			return
		}
	}
	p.DoneBy = append(p.DoneBy, userID)
}

// ResetProgress restores the full manifest. Admin recovery only.
func (p *TaskPackage) ResetProgress() {
	p.Progress = append([]string(nil), p.Tasks...)
}

// Judgement is one scored verdict on one topic within one task, with
// submission provenance. Append-only.
type Judgement struct {
	ID          int64     `json:"id"`
	JudgeID     string    `json:"judge_id"`
	CandidateID string    `json:"candidate_id"`
	TopicID     string    `json:"topic_id"`
	Score       int       `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
	IPAddr      string    `json:"ipaddr,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Traceback   string    `json:"traceback,omitempty"`
}

// OperatorKey authenticates an operator on admin endpoints.
type OperatorKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// HashPassword digests a password salted with the account email. Accounts
// here only gate progress inheritance, not anything sensitive.
func HashPassword(email, password string) string {
	sum := sha256.Sum256([]byte(email + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

// NewToken returns an opaque random token for sessions.
func NewToken() string {
	return uuid.New().String()
}

// NewConfirmCode returns a short opaque code handed out on package
// completion, used for offline payment verification.
func NewConfirmCode() string {
	parts := strings.Split(uuid.New().String(), "-")
	return parts[len(parts)-1]
}
