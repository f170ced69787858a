package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/spacelis/portraitist/internal/domain"
)

// --- twitter accounts ---

func (r Repo) UpsertTwitterAccount(ctx context.Context, a domain.TwitterAccount) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO twitter_accounts(id,screen_name,twitter_id,checkins_json,access_token,access_token_secret,user_id,created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(screen_name) DO UPDATE SET
  twitter_id=excluded.twitter_id,
  checkins_json=excluded.checkins_json`,
		a.ID, a.ScreenName, a.TwitterID, nullableStringPtr(a.CheckinsJSON),
		nullableStringPtr(a.AccessToken), nullableStringPtr(a.AccessTokenSecret),
		nullableStringPtr(a.UserID), fmtTime(a.CreatedAt))
	return err
}

func (r Repo) GetTwitterAccount(ctx context.Context, id string) (domain.TwitterAccount, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,screen_name,twitter_id,checkins_json,access_token,access_token_secret,user_id,created_at
FROM twitter_accounts WHERE id=?`, id)
	return scanTwitterAccount(row.Scan)
}

func (r Repo) GetTwitterAccountByScreenName(ctx context.Context, screenName string) (domain.TwitterAccount, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,screen_name,twitter_id,checkins_json,access_token,access_token_secret,user_id,created_at
FROM twitter_accounts WHERE screen_name=?`, screenName)
	return scanTwitterAccount(row.Scan)
}

func scanTwitterAccount(scan func(dest ...any) error) (domain.TwitterAccount, error) {
	var a domain.TwitterAccount
	var twitterID sql.NullInt64
	var checkins, token, secret, userID sql.NullString
	var createdAt string
	err := scan(&a.ID, &a.ScreenName, &twitterID, &checkins, &token, &secret, &userID, &createdAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.TwitterID = twitterID.Int64
	a.CheckinsJSON = stringPtr(checkins)
	a.AccessToken = stringPtr(token)
	a.AccessTokenSecret = stringPtr(secret)
	a.UserID = stringPtr(userID)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// --- email accounts ---

func (r Repo) InsertEmailAccount(ctx context.Context, a domain.EmailAccount) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO email_accounts(id,email,passwd_hash,name,user_id,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Email, a.PasswdHash, nullable(a.Name), a.UserID, fmtTime(a.CreatedAt))
	return err
}

func (r Repo) GetEmailAccountByEmail(ctx context.Context, email string) (domain.EmailAccount, error) {
	var a domain.EmailAccount
	var name sql.NullString
	var createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,email,passwd_hash,name,user_id,created_at FROM email_accounts WHERE email=?`, email).
		Scan(&a.ID, &a.Email, &a.PasswdHash, &name, &a.UserID, &createdAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Name = name.String
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// --- geo entities ---

func (r Repo) UpsertGeoEntity(ctx context.Context, g domain.GeoEntity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO geo_entities(id,tfid,name,level,info_json,url) VALUES (?,?,?,?,?,?)
ON CONFLICT(tfid) DO UPDATE SET name=excluded.name, level=excluded.level, info_json=excluded.info_json, url=excluded.url`,
		g.ID, g.TFID, g.Name, nullable(g.Level), nullableStringPtr(g.InfoJSON), nullable(g.URL))
	return err
}

func (r Repo) GetGeoEntityByTFID(ctx context.Context, tfid string) (domain.GeoEntity, error) {
	var g domain.GeoEntity
	var level, info, url sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tfid,name,level,info_json,url FROM geo_entities WHERE tfid=?`, tfid).
		Scan(&g.ID, &g.TFID, &g.Name, &level, &info, &url)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Level = level.String
	g.InfoJSON = stringPtr(info)
	g.URL = url.String
	return g, nil
}

// --- expertise ranks ---

func (r Repo) InsertRank(ctx context.Context, e domain.ExpertiseRank) error {
	info, err := json.Marshal(e.RankInfo)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO expertise_ranks(id,topic_id,topic_ref,region,candidate_id,rank,rank_info_json) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.TopicID, nullableStringPtr(e.TopicRef), nullable(e.Region), e.CandidateID, e.Rank, string(info))
	return err
}

const rankColumns = `id,topic_id,topic_ref,region,candidate_id,rank,rank_info_json`

func scanRank(scan func(dest ...any) error) (domain.ExpertiseRank, error) {
	var e domain.ExpertiseRank
	var topicRef, region, info sql.NullString
	err := scan(&e.ID, &e.TopicID, &topicRef, &region, &e.CandidateID, &e.Rank, &info)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.TopicRef = stringPtr(topicRef)
	e.Region = region.String
	if info.Valid {
		_ = json.Unmarshal([]byte(info.String), &e.RankInfo)
	}
	return e, nil
}

func (r Repo) ListRanksForCandidate(ctx context.Context, candidateID string) ([]domain.ExpertiseRank, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+rankColumns+` FROM expertise_ranks WHERE candidate_id=? ORDER BY topic_id, rank`, candidateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ExpertiseRank
	for rows.Next() {
		e, err := scanRank(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListCandidates returns the distinct candidate ids with at least one rank,
// in first-seen insertion order.
func (r Repo) ListCandidates(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT candidate_id FROM expertise_ranks GROUP BY candidate_id ORDER BY min(rowid)`)
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

// RankStatistics summarizes the loaded ranking corpus per topic.
type RankStatistics struct {
	TopicID    string `json:"topic_id"`
	Region     string `json:"region,omitempty"`
	Candidates int    `json:"candidates"`
	Ranks      int    `json:"ranks"`
}

func (r Repo) RankingStatistics(ctx context.Context) ([]RankStatistics, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT topic_id, coalesce(region,''), count(DISTINCT candidate_id), count(*)
FROM expertise_ranks GROUP BY topic_id, region ORDER BY topic_id, region`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RankStatistics
	for rows.Next() {
		var s RankStatistics
		if err := rows.Scan(&s.TopicID, &s.Region, &s.Candidates, &s.Ranks); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
