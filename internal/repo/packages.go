package repo

import (
	"context"
	"database/sql"

	"github.com/spacelis/portraitist/internal/domain"
)

const packageColumns = `id,tasks_json,progress_json,confirm_code,assigned_at,done_by_json,created_at`

func scanPackage(scan func(dest ...any) error) (domain.TaskPackage, error) {
	var p domain.TaskPackage
	var tasks, progress, doneBy, assignedAt, createdAt string
	err := scan(&p.ID, &tasks, &progress, &p.ConfirmCode, &assignedAt, &doneBy, &createdAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Tasks = decodeStrings(tasks)
	p.Progress = decodeStrings(progress)
	p.DoneBy = decodeStrings(doneBy)
	p.AssignedAt = parseTime(assignedAt)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func (r Repo) GetPackage(ctx context.Context, id string) (domain.TaskPackage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM task_packages WHERE id=?`, id)
	return scanPackage(row.Scan)
}

func (r Repo) GetPackageByConfirmCode(ctx context.Context, code string) (domain.TaskPackage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM task_packages WHERE confirm_code=? LIMIT 1`, code)
	return scanPackage(row.Scan)
}

func (r Repo) ListPackages(ctx context.Context) ([]domain.TaskPackage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+packageColumns+` FROM task_packages ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskPackage
	for rows.Next() {
		p, err := scanPackage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r Repo) InsertPackage(ctx context.Context, p domain.TaskPackage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_packages(`+packageColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, encodeStrings(p.Tasks), encodeStrings(p.Progress), p.ConfirmCode,
		fmtTime(p.AssignedAt), encodeStrings(p.DoneBy), fmtTime(p.CreatedAt))
	return err
}

// UpdatePackage persists the mutable fields of a package. The task manifest
// and confirm code are fixed at creation, except for an explicit reset.
func (r Repo) UpdatePackage(ctx context.Context, p domain.TaskPackage) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE task_packages SET progress_json=?, assigned_at=?, done_by_json=? WHERE id=?`,
		encodeStrings(p.Progress), fmtTime(p.AssignedAt), encodeStrings(p.DoneBy), p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// ResetAllPackages restores every package's progress to its full manifest.
func (r Repo) ResetAllPackages(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE task_packages SET progress_json=tasks_json`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
