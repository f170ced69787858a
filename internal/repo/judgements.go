package repo

import (
	"context"
	"database/sql"

	"github.com/spacelis/portraitist/internal/domain"
)

const judgementColumns = `id,judge_id,candidate_id,topic_id,score,created_at,ipaddr,user_agent,traceback`

func scanJudgement(scan func(dest ...any) error) (domain.Judgement, error) {
	var j domain.Judgement
	var createdAt string
	var ipaddr, userAgent, traceback sql.NullString
	err := scan(&j.ID, &j.JudgeID, &j.CandidateID, &j.TopicID, &j.Score, &createdAt, &ipaddr, &userAgent, &traceback)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.CreatedAt = parseTime(createdAt)
	j.IPAddr = ipaddr.String
	j.UserAgent = userAgent.String
	j.Traceback = traceback.String
	return j, nil
}

// ListJudgements streams the whole ledger in insertion order.
func (r Repo) ListJudgements(ctx context.Context) ([]domain.Judgement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+judgementColumns+` FROM judgements ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Judgement
	for rows.Next() {
		j, err := scanJudgement(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r Repo) CountJudgements(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM judgements`).Scan(&n)
	return n, err
}
