package importer_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spacelis/portraitist/internal/db"
	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/importer"
	"github.com/spacelis/portraitist/internal/migrate"
	"github.com/spacelis/portraitist/internal/repo"
)

func newImporter(t *testing.T) (*importer.Importer, repo.Repo, string) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	dataDir := t.TempDir()
	im := importer.New(r, dataDir)
	im.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return im, r, dataDir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const candidatesCSV = "screen_name,checkins\n" +
	"alice,\"[{\"\"place\"\": \"\"park\"\"}]\"\n" +
	"bob,[]\n"

func TestImportCandidates(t *testing.T) {
	im, r, dataDir := newImporter(t)
	ctx := context.Background()
	writeFile(t, dataDir, "candidates.csv", candidatesCSV)

	n, err := im.ImportCandidates(ctx, "candidates.csv")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d rows, want 2", n)
	}
	a, err := r.GetTwitterAccountByScreenName(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup alice: %v", err)
	}
	if a.CheckinsJSON == nil || !strings.Contains(*a.CheckinsJSON, "park") {
		t.Fatalf("checkins not stored: %+v", a.CheckinsJSON)
	}
}

func TestImportCandidatesGzip(t *testing.T) {
	im, _, dataDir := newImporter(t)
	ctx := context.Background()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(candidatesCSV)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	gz.Close()
	if err := os.WriteFile(filepath.Join(dataDir, "candidates.csv.gz"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := im.ImportCandidates(ctx, "candidates.csv.gz")
	if err != nil {
		t.Fatalf("import gz: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d rows, want 2", n)
	}
}

func TestImportRankingsResolvesReferences(t *testing.T) {
	im, r, dataDir := newImporter(t)
	ctx := context.Background()
	writeFile(t, dataDir, "candidates.csv", candidatesCSV)
	writeFile(t, dataDir, "geo.csv", "info,level,url\n"+
		"\"{\"\"id\"\": \"\"tf-100\"\", \"\"name\"\": \"\"London\"\"}\",city,http://example.org/london\n")
	writeFile(t, dataDir, "rankings.csv", "topic_id,associate_id,region,candidate,rank,profile_type,rank_method\n"+
		"food,tf-100,uk,alice,1,rankCheckinProfile,rankByMethod1\n")

	if _, err := im.ImportCandidates(ctx, "candidates.csv"); err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if _, err := im.ImportGeoEntities(ctx, "geo.csv"); err != nil {
		t.Fatalf("geo: %v", err)
	}
	n, err := im.ImportRankings(ctx, "rankings.csv")
	if err != nil {
		t.Fatalf("rankings: %v", err)
	}
	if n != 1 {
		t.Fatalf("imported %d rankings", n)
	}

	alice, _ := r.GetTwitterAccountByScreenName(ctx, "alice")
	ranks, err := r.ListRanksForCandidate(ctx, alice.ID)
	if err != nil || len(ranks) != 1 {
		t.Fatalf("ranks for alice: %v (%d)", err, len(ranks))
	}
	got := ranks[0]
	if got.TopicID != "food" || got.Rank != 1 || got.RankInfo.Method != "rankByMethod1" {
		t.Fatalf("unexpected rank: %+v", got)
	}
	if got.TopicRef == nil {
		t.Fatal("topic ref not resolved")
	}
}

func TestImportRankingsMissingCandidateFails(t *testing.T) {
	im, _, dataDir := newImporter(t)
	writeFile(t, dataDir, "rankings.csv", "topic_id,associate_id,region,candidate,rank,profile_type,rank_method\n"+
		"food,tf-1,uk,nobody,1,p,m\n")
	if _, err := im.ImportRankings(context.Background(), "rankings.csv"); err == nil {
		t.Fatal("expected error for unknown candidate")
	}
}

func TestExportJudgementsAndKeys(t *testing.T) {
	im, r, _ := newImporter(t)
	ctx := context.Background()
	if err := r.InsertPackage(ctx, domain.TaskPackage{
		ID: "tp-1", Tasks: []string{"t1"}, Progress: []string{"t1"}, ConfirmCode: "abc",
	}); err != nil {
		t.Fatalf("seed package: %v", err)
	}

	var keys bytes.Buffer
	n, err := im.ExportTaskPackageKeys(ctx, &keys)
	if err != nil || n != 1 {
		t.Fatalf("export keys: n=%d err=%v", n, err)
	}
	if got := keys.String(); got != "tpkey\ntp-1\n" {
		t.Fatalf("unexpected csv: %q", got)
	}

	var out bytes.Buffer
	n, err = im.ExportJudgements(ctx, &out)
	if err != nil || n != 0 {
		t.Fatalf("export empty ledger: n=%d err=%v", n, err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected empty output, got %q", out.String())
	}
}

func TestListDataFiles(t *testing.T) {
	im, _, dataDir := newImporter(t)
	writeFile(t, dataDir, "a.csv", "x\n")
	writeFile(t, dataDir, "b.csv.gz", "x\n")
	files, err := im.ListDataFiles()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %v", files)
	}
}
