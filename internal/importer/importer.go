// Package importer loads ranking corpora from CSV drops and exports the
// judgement ledger. Files live under a configured data directory and may be
// gzip-compressed.
package importer

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/repo"
)

type Importer struct {
	Repo    repo.Repo
	DataDir string
	Now     func() time.Time
}

func New(r repo.Repo, dataDir string) *Importer {
	return &Importer{Repo: r, DataDir: dataDir, Now: time.Now}
}

// ListDataFiles lists files available for import.
func (im *Importer) ListDataFiles() ([]string, error) {
	entries, err := os.ReadDir(im.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// flexOpen opens a data file, transparently decompressing .gz files.
func (im *Importer) flexOpen(filename string) (io.ReadCloser, error) {
	if filepath.Base(filename) != filename {
		return nil, fmt.Errorf("invalid data file name %q", filename)
	}
	f, err := os.Open(filepath.Join(im.DataDir, filename))
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(filename, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, f}, nil
}

// eachRecord streams CSV rows as header-keyed maps.
func (im *Importer) eachRecord(filename string, fn func(rec map[string]string) error) (int, error) {
	rc, err := im.flexOpen(filename)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read csv header: %w", err)
	}
	n := 0
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("row %d: %w", n+1, err)
		}
		rec := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		if err := fn(rec); err != nil {
			return n, fmt.Errorf("row %d: %w", n+1, err)
		}
		n++
	}
}

// ImportCandidates loads twitter accounts with their checkin histories.
// Expected columns: screen_name, checkins (json).
func (im *Importer) ImportCandidates(ctx context.Context, filename string) (int, error) {
	return im.eachRecord(filename, func(rec map[string]string) error {
		screenName := rec["screen_name"]
		if screenName == "" {
			return errors.New("missing screen_name")
		}
		checkins := rec["checkins"]
		a := domain.TwitterAccount{
			ID:         domain.NewToken(),
			ScreenName: screenName,
			CreatedAt:  im.Now(),
		}
		if checkins != "" {
			if !json.Valid([]byte(checkins)) {
				return fmt.Errorf("candidate %s: checkins is not valid json", screenName)
			}
			a.CheckinsJSON = &checkins
		}
		return im.Repo.UpsertTwitterAccount(ctx, a)
	})
}

// ImportRankings loads expertise ranking points. Expected columns: topic_id,
// associate_id, region, candidate, rank, profile_type, rank_method.
// Candidates must have been imported first.
func (im *Importer) ImportRankings(ctx context.Context, filename string) (int, error) {
	return im.eachRecord(filename, func(rec map[string]string) error {
		candidate, err := im.Repo.GetTwitterAccountByScreenName(ctx, rec["candidate"])
		if err != nil {
			return fmt.Errorf("candidate %q: %w", rec["candidate"], err)
		}
		rank, err := strconv.Atoi(rec["rank"])
		if err != nil {
			return fmt.Errorf("rank %q: %w", rec["rank"], err)
		}
		e := domain.ExpertiseRank{
			ID:          domain.NewToken(),
			TopicID:     rec["topic_id"],
			Region:      rec["region"],
			CandidateID: candidate.ID,
			Rank:        rank,
			RankInfo: domain.RankInfo{
				Profile: rec["profile_type"],
				Method:  rec["rank_method"],
			},
		}
		if tfid := rec["associate_id"]; tfid != "" {
			if geo, err := im.Repo.GetGeoEntityByTFID(ctx, tfid); err == nil {
				e.TopicRef = &geo.ID
			}
		}
		return im.Repo.InsertRank(ctx, e)
	})
}

// ImportGeoEntities loads topic geo entities. Expected columns: info (json
// with id and name), level, url.
func (im *Importer) ImportGeoEntities(ctx context.Context, filename string) (int, error) {
	return im.eachRecord(filename, func(rec map[string]string) error {
		info := rec["info"]
		var d struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(info), &d); err != nil {
			return fmt.Errorf("parse info: %w", err)
		}
		if d.ID == "" {
			return errors.New("info.id missing")
		}
		g := domain.GeoEntity{
			ID:       domain.NewToken(),
			TFID:     d.ID,
			Name:     d.Name,
			Level:    rec["level"],
			InfoJSON: &info,
			URL:      rec["url"],
		}
		return im.Repo.UpsertGeoEntity(ctx, g)
	})
}

// ExportJudgements writes the whole ledger as one json object per line.
func (im *Importer) ExportJudgements(ctx context.Context, w io.Writer) (int, error) {
	judgements, err := im.Repo.ListJudgements(ctx)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i, j := range judgements {
		if err := enc.Encode(j); err != nil {
			return i, err
		}
	}
	return len(judgements), nil
}

// ExportTaskPackageKeys writes all package ids as a one-column CSV, used to
// reconcile confirm codes offline.
func (im *Importer) ExportTaskPackageKeys(ctx context.Context, w io.Writer) (int, error) {
	pkgs, err := im.Repo.ListPackages(ctx)
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"tpkey"}); err != nil {
		return 0, err
	}
	for i, p := range pkgs {
		if err := cw.Write([]string{p.ID}); err != nil {
			return i, err
		}
	}
	cw.Flush()
	return len(pkgs), cw.Error()
}
