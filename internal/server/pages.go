package server

import (
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/spacelis/portraitist/internal/engine"
	"github.com/spacelis/portraitist/internal/importer"
	"github.com/spacelis/portraitist/internal/ledger"
)

// Form field names on the annotation page. Scores arrive as one field per
// topic, e.g. pv-judgements-food=3.
const (
	taskKeyField    = "pv-task-key"
	judgementPrefix = "pv-judgements-"
	tracebackField  = "pv-annotation-traceback"
)

// registerPages wires the redirect-driven routes judges follow in the
// browser, plus the form-encoded submission endpoint. These speak plain
// chi because the form field names are dynamic.
func registerPages(router chi.Router, basePath string, e engine.Engine) {
	router.Get("/pagerouter", func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromContext(r.Context())
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "no session", nil))
			return
		}
		u := s.User
		route, err := e.NextRoute(r.Context(), &u)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		http.Redirect(w, r, route.Redirect, http.StatusSeeOther)
	})

	// distributed package links: /taskpackage?tpid=...
	router.Get("/taskpackage", func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromContext(r.Context())
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "no session", nil))
			return
		}
		tpid := r.URL.Query().Get("tpid")
		if tpid == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "tpid is required", nil))
			return
		}
		u := s.User
		if _, err := e.AssignSpecific(r.Context(), &u, tpid); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		http.Redirect(w, r, "/pagerouter", http.StatusSeeOther)
	})

	router.Get("/task/{key}", func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "key")
		task, err := e.Repo.GetTask(r.Context(), taskID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		candidate, err := e.Repo.GetTwitterAccount(r.Context(), task.CandidateID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		ranks, err := e.Repo.ListRanksForCandidate(r.Context(), task.CandidateID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		view := TaskView{
			ID: task.ID,
			Candidate: CandidateView{
				ID:         candidate.ID,
				ScreenName: candidate.ScreenName,
			},
			Rankings: rankingViews(ranks),
		}
		if candidate.CheckinsJSON != nil {
			view.Candidate.CheckinsJSON = *candidate.CheckinsJSON
		}
		if s, ok := sessionFromContext(r.Context()); ok && s.User.TaskPackageID != nil {
			if pkg, err := e.Repo.GetPackage(r.Context(), *s.User.TaskPackageID); err == nil {
				view.Remaining = pkg.Remaining()
			}
		}
		writeJSON(w, http.StatusOK, view)
	})

	router.Get("/confirm_code/{code}", func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		pkg, err := e.Repo.GetPackageByConfirmCode(r.Context(), code)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"confirm_code": pkg.ConfirmCode,
			"tasks_done":   len(pkg.Tasks),
		})
	})

	router.Post(path.Join(basePath, "data", "submit_annotation"), func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromContext(r.Context())
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "no session", nil))
			return
		}
		if err := r.ParseForm(); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid form", nil))
			return
		}
		taskID := r.PostFormValue(taskKeyField)
		if taskID == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", taskKeyField+" is required", nil))
			return
		}
		scores := map[string]int{}
		for field, values := range r.PostForm {
			if !strings.HasPrefix(field, judgementPrefix) || len(values) == 0 {
				continue
			}
			score, err := strconv.Atoi(values[0])
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid score for "+field, nil))
				return
			}
			scores[strings.TrimPrefix(field, judgementPrefix)] = score
		}
		if len(scores) == 0 {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "no judgements submitted", nil))
			return
		}
		u := s.User
		_, err := e.Submit(r.Context(), &u, engine.SubmitOptions{
			TaskID: taskID,
			Scores: scores,
			Provenance: ledger.Provenance{
				IPAddr:    s.IP,
				UserAgent: s.UserAgent,
				Traceback: r.PostFormValue(tracebackField),
			},
		})
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		http.Redirect(w, r, "/pagerouter", http.StatusSeeOther)
	})
}

// registerExports serves the bulk download endpoints. They stream straight
// to the response, so they bypass the JSON envelope.
func registerExports(router chi.Router, basePath string, im *importer.Importer) {
	router.Get(path.Join(basePath, "data", "export_judgements"), func(w http.ResponseWriter, r *http.Request) {
		if err := requireOperator(r.Context()); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := im.ExportJudgements(r.Context(), w); err != nil {
			respondStatusError(w, handleError(err))
		}
	})

	router.Get(path.Join(basePath, "data", "export_tpkeys"), func(w http.ResponseWriter, r *http.Request) {
		if err := requireOperator(r.Context()); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		if _, err := im.ExportTaskPackageKeys(r.Context(), w); err != nil {
			respondStatusError(w, handleError(err))
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	writeJSON(w, status, err)
}
