// Package ledger appends judgements. The ledger is append-only: rows are
// never updated or deleted, exports read it as the system of record.
package ledger

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Provenance captures where a judgement batch came from.
type Provenance struct {
	IPAddr    string
	UserAgent string
	Traceback string
}

// AppendBatch writes one judgement row per topic score inside the caller's
// transaction. The whole batch shares a single created_at so a submission
// reads back as one event.
func (w Writer) AppendBatch(ctx context.Context, tx *sql.Tx, judgeID, candidateID string, scores map[string]int, prov Provenance) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	topics := make([]string, 0, len(scores))
	for topicID := range scores {
		topics = append(topics, topicID)
	}
	sort.Strings(topics)
	for _, topicID := range topics {
		_, err := tx.ExecContext(ctx, `INSERT INTO judgements(judge_id,candidate_id,topic_id,score,created_at,ipaddr,user_agent,traceback)
VALUES (?,?,?,?,?,?,?,?)`,
			judgeID, candidateID, topicID, scores[topicID], ts,
			nullable(prov.IPAddr), nullable(prov.UserAgent), nullable(prov.Traceback))
		if err != nil {
			return err
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
