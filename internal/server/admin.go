package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/spacelis/portraitist/internal/engine"
	"github.com/spacelis/portraitist/internal/importer"
	"github.com/spacelis/portraitist/internal/repo"
)

// registerAdmin wires the operator-gated corpus and package management
// endpoints.
func registerAdmin(api huma.API, e engine.Engine, im *importer.Importer) {
	huma.Register(api, huma.Operation{
		OperationID: "make-tasks",
		Method:      http.MethodPost,
		Path:        "/data/make_tasks",
		Summary:     "Build annotation tasks from the ranking corpus",
	}, func(ctx context.Context, _ *struct{}) (*actionOutput, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, handleError(err)
		}
		n, err := e.MakeTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return actionOut(ActionResponse{Action: "make_tasks", Succeeded: true, Num: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "make-taskpackages",
		Method:      http.MethodPost,
		Path:        "/data/make_taskpackages",
		Summary:     "Partition tasks into packages",
	}, func(ctx context.Context, _ *struct{}) (*actionOutput, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, handleError(err)
		}
		n, err := e.MakePackages(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return actionOut(ActionResponse{Action: "make_taskpackages", Succeeded: true, Num: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-progress",
		Method:      http.MethodPost,
		Path:        "/data/reset_progress",
		Summary:     "Restore package progress to the full manifest",
	}, func(ctx context.Context, input *struct {
		Body struct {
			TPID string `json:"tpid,omitempty" doc:"Package id; empty resets every package"`
		} `json:"body"`
	}) (*actionOutput, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, handleError(err)
		}
		n, err := e.ResetProgress(ctx, input.Body.TPID)
		if err != nil {
			return nil, handleError(err)
		}
		return actionOut(ActionResponse{Action: "reset_progress", Succeeded: true, Num: int(n)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-entities",
		Method:      http.MethodPost,
		Path:        "/data/clear_entities",
		Summary:     "Delete all rows of one corpus table",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Kind string `json:"kind" enum:"expertise_ranks,annotation_tasks,task_packages,geo_entities,twitter_accounts" doc:"Which corpus table to clear"`
		} `json:"body"`
	}) (*actionOutput, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, handleError(err)
		}
		n, err := e.Repo.DeleteAll(ctx, input.Body.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		return actionOut(ActionResponse{Action: "clear_entities", Succeeded: true, Num: int(n)}), nil
	})

	type importInput struct {
		Body struct {
			Filename string `json:"filename" doc:"File under the data directory, .gz accepted"`
		} `json:"body"`
	}
	importers := []struct {
		op  string
		run func(ctx context.Context, filename string) (int, error)
	}{
		{"import_candidates", im.ImportCandidates},
		{"import_rankings", im.ImportRankings},
		{"import_geoentities", im.ImportGeoEntities},
	}
	for _, spec := range importers {
		spec := spec
		huma.Register(api, huma.Operation{
			OperationID: "data-" + spec.op,
			Method:      http.MethodPost,
			Path:        "/data/" + spec.op,
			Summary:     "Load a corpus CSV drop",
		}, func(ctx context.Context, input *importInput) (*actionOutput, error) {
			if err := requireOperator(ctx); err != nil {
				return nil, handleError(err)
			}
			if input.Body.Filename == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "filename is required", nil)
			}
			n, err := spec.run(ctx, input.Body.Filename)
			if err != nil {
				return nil, handleError(err)
			}
			return actionOut(ActionResponse{Action: spec.op, Succeeded: true, Num: n}), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "rankings-statistics",
		Method:      http.MethodGet,
		Path:        "/data/rankings_statistics",
		Summary:     "Summarize the loaded ranking corpus",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []repo.RankStatistics `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, handleError(err)
		}
		stats, err := e.Repo.RankingStatistics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.RankStatistics `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-datafiles",
		Method:      http.MethodGet,
		Path:        "/data/list_datafiles",
		Summary:     "List importable files in the data directory",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, handleError(err)
		}
		files, err := im.ListDataFiles()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: files}, nil
	})
}
