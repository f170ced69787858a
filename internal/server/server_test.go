package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/spacelis/portraitist/internal/cache"
	"github.com/spacelis/portraitist/internal/config"
	"github.com/spacelis/portraitist/internal/db"
	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/engine"
	"github.com/spacelis/portraitist/internal/migrate"
	"github.com/spacelis/portraitist/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

const testOperatorKey = "op-key-123"

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c, err := cache.Open("")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}

	cfg := config.Default()
	cfg.Packages.Size = 2
	cfg.Data.Dir = t.TempDir()
	e := engine.New(conn, c, cfg)
	if err := e.Repo.InsertOperatorKey(context.Background(), domain.OperatorKey{
		ID:        "op-1",
		Name:      "test operator",
		KeyHash:   repo.HashOperatorKey(testOperatorKey),
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed operator key: %v", err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/api", Auth: AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{
			Jar: jar,
			// redirects are the page flow under test, follow them manually
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			c.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, ts *testServer, method, path string, body any, operator bool) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if operator {
		req.Header.Set("X-Api-Key", testOperatorKey)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

// seedWorkload imports a tiny corpus through the operator endpoints and
// fills the pool.
func seedWorkload(t *testing.T, ts *testServer) {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{"alice", "bob"} {
		if err := ts.Engine.Repo.UpsertTwitterAccount(ctx, domain.TwitterAccount{
			ID: "cand-" + name, ScreenName: name, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
		if err := ts.Engine.Repo.InsertRank(ctx, domain.ExpertiseRank{
			ID: "rank-" + name, TopicID: "food", CandidateID: "cand-" + name, Rank: 1,
			RankInfo: domain.RankInfo{Method: "m1"},
		}); err != nil {
			t.Fatalf("seed rank: %v", err)
		}
	}
	for _, op := range []string{"make_tasks", "make_taskpackages"} {
		resp, data := doJSON(t, ts, http.MethodPost, "/api/data/"+op, nil, true)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", op, resp.StatusCode, data)
		}
	}
	resp, data := doJSON(t, ts, http.MethodPost, "/api/data/refill_taskpool", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refill: %d %s", resp.StatusCode, data)
	}
}

func TestAdminEndpointsRequireOperator(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts, http.MethodPost, "/api/data/make_tasks", nil, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", resp.StatusCode, data)
	}
	resp, _ = doJSON(t, ts, http.MethodPost, "/api/data/make_tasks", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operator key rejected: %d", resp.StatusCode)
	}
}

func TestSessionCookieIssued(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts, http.MethodGet, "/api/user/self", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("self: %d %s", resp.StatusCode, data)
	}
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, c := range ts.Client().Jar.Cookies(u) {
		if c.Name == sessionCookie && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("session cookie not set")
	}

	var first struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// the cookie pins the same user across requests
	_, data = doJSON(t, ts, http.MethodGet, "/api/user/self", nil, false)
	var second struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("session not sticky: %s vs %s", first.ID, second.ID)
	}
}

func TestAnnotationFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	seedWorkload(t, ts)

	// assign a package
	resp, data := doJSON(t, ts, http.MethodPost, "/api/data/assign_taskpackage", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", resp.StatusCode, data)
	}
	var assign ActionResponse
	if err := json.Unmarshal(data, &assign); err != nil {
		t.Fatalf("decode assign: %v", err)
	}
	if !assign.Succeeded || assign.Redirect != "/pagerouter" {
		t.Fatalf("unexpected assign response: %+v", assign)
	}

	// skip the instructions redirect
	resp, _ = doJSON(t, ts, http.MethodGet, "/pagerouter", nil, false)
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("pagerouter: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/instructions" {
		t.Fatalf("expected instructions first, got %s", loc)
	}

	// now the router points at the head task
	resp, _ = doJSON(t, ts, http.MethodGet, "/pagerouter", nil, false)
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/task/") {
		t.Fatalf("expected task redirect, got %s", loc)
	}
	taskID := strings.TrimPrefix(loc, "/task/")

	// the task view resolves
	resp, data = doJSON(t, ts, http.MethodGet, loc, nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("task view: %d %s", resp.StatusCode, data)
	}
	var view TaskView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if view.ID != taskID || view.Candidate.ScreenName == "" {
		t.Fatalf("unexpected task view: %+v", view)
	}

	// submit judgements for both tasks in order
	for i := 0; i < 2; i++ {
		resp, _ = doJSON(t, ts, http.MethodGet, "/pagerouter", nil, false)
		loc := resp.Header.Get("Location")
		if !strings.HasPrefix(loc, "/task/") {
			t.Fatalf("round %d: expected task, got %s", i, loc)
		}
		form := url.Values{
			taskKeyField:             {strings.TrimPrefix(loc, "/task/")},
			judgementPrefix + "food": {"3"},
			tracebackField:           {"test-session"},
		}
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/data/submit_annotation",
			strings.NewReader(form.Encode()))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		sresp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		sresp.Body.Close()
		if sresp.StatusCode != http.StatusSeeOther {
			t.Fatalf("submit round %d: %d", i, sresp.StatusCode)
		}
	}

	// drained package routes to the exit survey first
	resp, _ = doJSON(t, ts, http.MethodGet, "/pagerouter", nil, false)
	if loc = resp.Header.Get("Location"); loc != "/survey" {
		t.Fatalf("expected survey redirect, got %s", loc)
	}
	resp, data = doJSON(t, ts, http.MethodPost, "/api/data/complete_survey", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete survey: %d %s", resp.StatusCode, data)
	}

	// then to the confirmation page
	resp, _ = doJSON(t, ts, http.MethodGet, "/pagerouter", nil, false)
	loc = resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/confirm_code/") {
		t.Fatalf("expected confirm redirect, got %s", loc)
	}
	resp, data = doJSON(t, ts, http.MethodGet, loc, nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm page: %d %s", resp.StatusCode, data)
	}

	// the ledger recorded one judgement per submission
	n, err := ts.Engine.Repo.CountJudgements(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("judgements: %v (%d)", err, n)
	}
}

func TestExportTPKeysCSV(t *testing.T) {
	ts := newTestServer(t)
	seedWorkload(t, ts)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/data/export_tpkeys", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", testOperatorKey)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", resp.StatusCode, data)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "tpkey" || len(lines) != 2 {
		t.Fatalf("unexpected csv: %q", data)
	}
}

func TestEmptyPoolRetryLater(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts, http.MethodPost, "/api/data/assign_taskpackage", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", resp.StatusCode, data)
	}
	var out ActionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Succeeded || !out.RetryLater {
		t.Fatalf("expected retry-later, got %+v", out)
	}
}
