package repo

import (
	"context"
	"database/sql"

	"github.com/spacelis/portraitist/internal/domain"
)

func (r Repo) InsertTask(ctx context.Context, t domain.AnnotationTask) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO annotation_tasks(id,candidate_id,rankings_json,created_at) VALUES (?,?,?,?)`,
		t.ID, t.CandidateID, encodeStrings(t.Rankings), fmtTime(t.CreatedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.AnnotationTask, error) {
	var t domain.AnnotationTask
	var rankings, createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,candidate_id,rankings_json,created_at FROM annotation_tasks WHERE id=?`, id).
		Scan(&t.ID, &t.CandidateID, &rankings, &createdAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Rankings = decodeStrings(rankings)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

func (r Repo) GetTaskByCandidate(ctx context.Context, candidateID string) (domain.AnnotationTask, error) {
	var t domain.AnnotationTask
	var rankings, createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,candidate_id,rankings_json,created_at FROM annotation_tasks WHERE candidate_id=?`, candidateID).
		Scan(&t.ID, &t.CandidateID, &rankings, &createdAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Rankings = decodeStrings(rankings)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// ListTaskIDs returns all task ids in creation order, the order packages are
// partitioned from under the sequence policy.
func (r Repo) ListTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM annotation_tasks ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r Repo) CountTasks(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM annotation_tasks`).Scan(&n)
	return n, err
}
