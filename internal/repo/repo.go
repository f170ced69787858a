package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spacelis/portraitist/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeStrings(in []string) string {
	if in == nil {
		in = []string{}
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func decodeStrings(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,session_token,is_known,show_instructions,survey_done,last_seen,finished_tasks,task_package_id,email_account_id,twitter_account_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.SessionToken, u.IsKnown, u.ShowInstructions, u.SurveyDone, fmtTime(u.LastSeen), u.FinishedTasks,
		nullableStringPtr(u.TaskPackageID), nullableStringPtr(u.EmailAccountID), nullableStringPtr(u.TwitterAccountID), fmtTime(u.CreatedAt))
	return err
}

// UpsertUser writes the whole user row, last writer wins.
func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,session_token,is_known,show_instructions,survey_done,last_seen,finished_tasks,task_package_id,email_account_id,twitter_account_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  session_token=excluded.session_token,
  is_known=excluded.is_known,
  show_instructions=excluded.show_instructions,
  survey_done=excluded.survey_done,
  last_seen=excluded.last_seen,
  finished_tasks=excluded.finished_tasks,
  task_package_id=excluded.task_package_id,
  email_account_id=excluded.email_account_id,
  twitter_account_id=excluded.twitter_account_id`,
		u.ID, u.SessionToken, u.IsKnown, u.ShowInstructions, u.SurveyDone, fmtTime(u.LastSeen), u.FinishedTasks,
		nullableStringPtr(u.TaskPackageID), nullableStringPtr(u.EmailAccountID), nullableStringPtr(u.TwitterAccountID), fmtTime(u.CreatedAt))
	return err
}

const userColumns = `id,session_token,is_known,show_instructions,survey_done,last_seen,finished_tasks,task_package_id,email_account_id,twitter_account_id,created_at`

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var lastSeen, createdAt string
	var tp, ea, ta sql.NullString
	err := row.Scan(&u.ID, &u.SessionToken, &u.IsKnown, &u.ShowInstructions, &u.SurveyDone, &lastSeen, &u.FinishedTasks, &tp, &ea, &ta, &createdAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.LastSeen = parseTime(lastSeen)
	u.CreatedAt = parseTime(createdAt)
	u.TaskPackageID = stringPtr(tp)
	u.EmailAccountID = stringPtr(ea)
	u.TwitterAccountID = stringPtr(ta)
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByToken(ctx context.Context, token string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE session_token=?`, token))
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}

// DeleteAll removes every row of the named table. Bulk admin reset only.
func (r Repo) DeleteAll(ctx context.Context, table string) (int64, error) {
	switch table {
	case "users", "twitter_accounts", "email_accounts", "geo_entities",
		"expertise_ranks", "annotation_tasks", "task_packages", "judgements":
	default:
		return 0, fmt.Errorf("refusing to clear unknown table %s", table)
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM `+table)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
