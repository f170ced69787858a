package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spacelis/portraitist/internal/app"
	"github.com/spacelis/portraitist/internal/config"
	"github.com/spacelis/portraitist/internal/db"
	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/importer"
	"github.com/spacelis/portraitist/internal/repo"
	"github.com/spacelis/portraitist/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "portraitist",
	Short: "Portraitist crowdsourced annotation backend",
	Long: `Portraitist runs a crowdsourced annotation study: offline expertise
rankings are imported as CSV, grouped into annotation tasks and fixed-size
task packages, and handed out to judges through a checkout pool. Judges work
through their package strictly in order; finishing one earns a confirm code
used for offline reward verification.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PORTRAITIST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(operatorCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the annotation HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.HTTP.Addr
			}
			if basePath == "" {
				basePath = a.Config.HTTP.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:      a.Config.Auth.JWTSecret,
				LegacyAdminKey: a.Config.Auth.LegacyAdminKey,
			}
			if secret := os.Getenv("PORTRAITIST_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{
				Engine:       a.Engine,
				BasePath:     basePath,
				Auth:         authCfg,
				CookieMaxAge: a.Config.Session.CookieMaxAge.Std(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving annotation API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default portraitist.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			out, err := config.GenerateDefault()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Build tasks and packages from the corpus"}
	task.AddCommand(&cobra.Command{
		Use:   "make",
		Short: "Build one annotation task per candidate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.MakeTasks(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("made %d tasks\n", n)
				return nil
			})
		},
	})
	task.AddCommand(&cobra.Command{
		Use:   "packages",
		Short: "Partition tasks into packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.MakePackages(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("made %d packages of size %d (%s order)\n",
					n, a.Config.Packages.Size, a.Config.Packages.Policy)
				return nil
			})
		},
	})
	return task
}

func poolCmd() *cobra.Command {
	pool := &cobra.Command{Use: "pool", Short: "Manage the task package pool"}
	pool.AddCommand(&cobra.Command{
		Use:   "refill",
		Short: "Rebuild the checkout pool from open packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.Pool.Refill(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("queued %d packages\n", n)
				return nil
			})
		},
	})
	pool.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show every package and its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pkgs, err := a.Engine.Repo.ListPackages(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pkgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Remaining", "Tasks", "Judges", "Confirm"})
				for _, p := range pkgs {
					tw.AppendRow(table.Row{
						p.ID, string(p.State()), p.Remaining(), len(p.Tasks), len(p.DoneBy), p.ConfirmCode,
					})
				}
				tw.Render()
				return nil
			})
		},
	})
	return pool
}

func importCmd() *cobra.Command {
	imp := &cobra.Command{Use: "import", Short: "Load corpus CSV drops from the data directory"}
	runners := []struct {
		use   string
		short string
		run   func(*importer.Importer, context.Context, string) (int, error)
	}{
		{"candidates <file>", "Import twitter candidates with checkins",
			func(im *importer.Importer, ctx context.Context, f string) (int, error) { return im.ImportCandidates(ctx, f) }},
		{"rankings <file>", "Import expertise ranking points",
			func(im *importer.Importer, ctx context.Context, f string) (int, error) { return im.ImportRankings(ctx, f) }},
		{"geoentities <file>", "Import topic geo entities",
			func(im *importer.Importer, ctx context.Context, f string) (int, error) { return im.ImportGeoEntities(ctx, f) }},
	}
	for _, spec := range runners {
		spec := spec
		imp.AddCommand(&cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					im := importer.New(a.Engine.Repo, a.Config.Data.Dir)
					n, err := spec.run(im, ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("imported %d rows\n", n)
					return nil
				})
			},
		})
	}
	imp.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List importable files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				im := importer.New(a.Engine.Repo, a.Config.Data.Dir)
				files, err := im.ListDataFiles()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Println(f)
				}
				return nil
			})
		},
	})
	return imp
}

func exportCmd() *cobra.Command {
	exp := &cobra.Command{Use: "export", Short: "Export the ledger and package keys"}
	exp.AddCommand(&cobra.Command{
		Use:   "judgements",
		Short: "Write the judgement ledger to stdout as json lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				im := importer.New(a.Engine.Repo, a.Config.Data.Dir)
				_, err := im.ExportJudgements(ctx, os.Stdout)
				return err
			})
		},
	})
	exp.AddCommand(&cobra.Command{
		Use:   "tpkeys",
		Short: "Write all package ids to stdout as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				im := importer.New(a.Engine.Repo, a.Config.Data.Dir)
				_, err := im.ExportTaskPackageKeys(ctx, os.Stdout)
				return err
			})
		},
	})
	return exp
}

func resetCmd() *cobra.Command {
	var tpid string
	reset := &cobra.Command{Use: "reset", Short: "Recovery operations"}
	progress := &cobra.Command{
		Use:   "progress",
		Short: "Restore package progress to the full manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ResetProgress(ctx, tpid)
				if err != nil {
					return err
				}
				fmt.Printf("reset %d packages\n", n)
				return nil
			})
		},
	}
	progress.Flags().StringVar(&tpid, "tpid", "", "package id (empty resets all)")
	reset.AddCommand(progress)
	return reset
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <table>",
		Short: "Delete every row of a corpus table",
		Long: `Delete every row of one corpus table. Valid tables: expertise_ranks,
annotation_tasks, task_packages, geo_entities, twitter_accounts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.Repo.DeleteAll(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("cleared %d rows from %s\n", n, args[0])
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the loaded ranking corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Engine.Repo.RankingStatistics(ctx)
				if err != nil {
					return err
				}
				users, err := a.Engine.Repo.CountUsers(ctx)
				if err != nil {
					return err
				}
				tasks, err := a.Engine.Repo.CountTasks(ctx)
				if err != nil {
					return err
				}
				judgements, err := a.Engine.Repo.CountJudgements(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"users":      users,
						"tasks":      tasks,
						"judgements": judgements,
						"rankings":   stats,
					})
				}
				fmt.Printf("users=%d tasks=%d judgements=%d\n", users, tasks, judgements)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Topic", "Region", "Candidates", "Ranks"})
				for _, s := range stats {
					tw.AppendRow(table.Row{s.TopicID, s.Region, s.Candidates, s.Ranks})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func operatorCmd() *cobra.Command {
	op := &cobra.Command{Use: "operator", Short: "Manage operator credentials"}
	key := &cobra.Command{Use: "key", Short: "Manage operator API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a new operator key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := domain.NewToken()
				k := domain.OperatorKey{
					ID:        domain.NewToken(),
					Name:      name,
					KeyHash:   repo.HashOperatorKey(secret),
					CreatedAt: time.Now(),
				}
				if err := a.Engine.Repo.InsertOperatorKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("operator key %s created\n", k.ID)
				fmt.Printf("secret (store it now, it is not saved): %s\n", secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List operator keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListOperatorKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an operator key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteOperatorKey(ctx, args[0])
			})
		},
	}

	key.AddCommand(create, list, del)
	op.AddCommand(key)
	return op
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
