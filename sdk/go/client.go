package portraitistsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Portraitist HTTP API client. Judge calls ride on the
// session cookie held in the client's jar; operator calls attach the API key
// or bearer token when set.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults and a fresh cookie jar.
func New(baseURL string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		HTTPClient: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Timeout: 10 * time.Second,
	}
}

// Action mirrors the server's action envelope.
type Action struct {
	Action     string `json:"action"`
	Succeeded  bool   `json:"succeeded"`
	Redirect   string `json:"redirect,omitempty"`
	RetryLater bool   `json:"retry_later,omitempty"`
	Num        int    `json:"num,omitempty"`
}

// User is the session owner as reported by the server.
type User struct {
	ID               string `json:"id"`
	IsKnown          bool   `json:"is_known"`
	ShowInstructions bool   `json:"show_instructions"`
	SurveyDone       bool   `json:"survey_done"`
	FinishedTasks    int    `json:"finished_tasks"`
	TaskPackageID    string `json:"task_package_id,omitempty"`
}

// Task is the annotation payload for one candidate.
type Task struct {
	ID        string `json:"id"`
	Candidate struct {
		ID         string `json:"id"`
		ScreenName string `json:"screen_name"`
		Checkins   string `json:"checkins,omitempty"`
	} `json:"candidate"`
	Rankings  []Ranking `json:"rankings"`
	Remaining int       `json:"remaining"`
}

// Ranking is one expertise ranking point shown alongside a task.
type Ranking struct {
	TopicID string `json:"topic_id"`
	Region  string `json:"region,omitempty"`
	Rank    int    `json:"rank"`
	Profile string `json:"profile,omitempty"`
	Method  string `json:"method,omitempty"`
}

// Confirmation is the completion receipt for an exhausted package.
type Confirmation struct {
	ConfirmCode string `json:"confirm_code"`
	TasksDone   int    `json:"tasks_done"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Self returns the user bound to the current session cookie, creating a
// guest session on first contact.
func (c *Client) Self(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, c.apiPath("user/self"), nil, &resp)
	return resp, err
}

// EmailSignup registers an email account for the current session's user.
func (c *Client) EmailSignup(ctx context.Context, email, passwd, name string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, c.apiPath("user/email_signup"), map[string]any{
		"email":  email,
		"passwd": passwd,
		"name":   name,
	}, &resp)
	return resp, err
}

// EmailLogin authenticates and inherits any guest progress into the
// account's user.
func (c *Client) EmailLogin(ctx context.Context, email, passwd string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, c.apiPath("user/email_login"), map[string]any{
		"email":  email,
		"passwd": passwd,
	}, &resp)
	return resp, err
}

// Logout rotates the session token, detaching this client from the user.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.apiPath("user/logout"), map[string]any{}, nil)
}

// AssignPackage checks a task package out of the pool for the session user.
// A drained pool is not an error: the returned action carries RetryLater.
func (c *Client) AssignPackage(ctx context.Context) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.apiPath("data/assign_taskpackage"), map[string]any{}, &resp)
	return resp, err
}

// RefillPool rebuilds the checkout pool from open packages.
func (c *Client) RefillPool(ctx context.Context) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.apiPath("data/refill_taskpool"), map[string]any{}, &resp)
	return resp, err
}

// NextPage resolves where the session user should go next and returns the
// redirect target, e.g. /instructions, /task/<key> or /confirm_code/<code>.
func (c *Client) NextPage(ctx context.Context) (string, error) {
	endpoint := c.base() + "/pagerouter"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		b, _ := io.ReadAll(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp.Header.Get("Location"), nil
}

// GetTask fetches the annotation payload for a task key.
func (c *Client) GetTask(ctx context.Context, key string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(key), nil, &resp)
	return resp, err
}

// SubmitAnnotation posts per-topic scores for a task. Scores are keyed by
// topic id and submitted as the form fields the annotation page would send.
func (c *Client) SubmitAnnotation(ctx context.Context, taskKey string, scores map[string]int) error {
	form := url.Values{}
	form.Set("pv-task-key", taskKey)
	for topic, score := range scores {
		form.Set("pv-judgements-"+topic, fmt.Sprintf("%d", score))
	}
	endpoint := c.base() + c.apiPath("data/submit_annotation")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// CompleteSurvey marks the exit survey done for the session user, unlocking
// the confirm code redirect.
func (c *Client) CompleteSurvey(ctx context.Context) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.apiPath("data/complete_survey"), map[string]any{}, &resp)
	return resp, err
}

// Confirmation looks up the completion receipt behind a confirm code.
func (c *Client) Confirmation(ctx context.Context, code string) (Confirmation, error) {
	var resp Confirmation
	err := c.do(ctx, http.MethodGet, "/confirm_code/"+url.PathEscape(code), nil, &resp)
	return resp, err
}

// MakeTasks builds one annotation task per candidate. Operator only.
func (c *Client) MakeTasks(ctx context.Context) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.apiPath("data/make_tasks"), map[string]any{}, &resp)
	return resp, err
}

// MakePackages partitions tasks into packages. Operator only.
func (c *Client) MakePackages(ctx context.Context) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.apiPath("data/make_taskpackages"), map[string]any{}, &resp)
	return resp, err
}

// ResetProgress restores package progress to the full manifest. An empty
// tpid resets every package. Operator only.
func (c *Client) ResetProgress(ctx context.Context, tpid string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, c.apiPath("data/reset_progress"), map[string]any{
		"tpid": tpid,
	}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+endpoint, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		jar, _ := cookiejar.New(nil)
		c.HTTPClient = &http.Client{Jar: jar, Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) apiPath(p string) string {
	return strings.TrimRight(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
