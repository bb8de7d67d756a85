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

	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/feed"
	"flowline/internal/migrate"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "flow",
	Short: "Flowline CLI",
	Long: `Flowline coordinates work items through a staged pipeline.
Items move backlog -> ready -> testing/implementing -> review -> verification -> done,
with per-stage WIP limits, dependency gating, exclusive worker claims, and
rejection escalation. The workspace is a .flowline directory holding the
database; 'flow serve' exposes the same engine over HTTP with a live event
stream.`,
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
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("mission", "", "mission id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("mission", rootCmd.PersistentFlags().Lookup("mission"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(depsCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("Initialized mission %s in %s\n", e.Config.Mission.ID, db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "The scoreboard: mission phase plus per-stage item counts against their WIP limits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Snapshot(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				if snap.Mission != nil {
					fmt.Printf("Mission: %s (%s)\n", snap.Mission.ID, snap.Mission.State)
				}
				counts := map[string]int{}
				for _, it := range snap.Items {
					counts[it.Stage]++
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Items", "WIP Limit"})
				for _, s := range snap.Stages {
					limit := "-"
					if s.WIPLimit != nil {
						limit = fmt.Sprintf("%d", *s.WIPLimit)
					}
					tw.AppendRow(table.Row{s.ID, counts[s.ID], limit})
				}
				tw.Render()
				fmt.Printf("Claims: %d\n", len(snap.Claims))
				return nil
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemUpdateCmd())
	item.AddCommand(itemMoveCmd())
	item.AddCommand(itemClaimCmd())
	item.AddCommand(itemReleaseCmd())
	item.AddCommand(itemRejectCmd())
	item.AddCommand(itemArchiveCmd())
	item.AddCommand(itemLogCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var id, title, itemType, output string
	var priority int
	var deps []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CreateItemOptions{
					ID:           id,
					Title:        title,
					Type:         itemType,
					Dependencies: deps,
					OutputPath:   output,
					Actor:        viper.GetString("actor"),
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				it, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&itemType, "type", "feature", "item type")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "dependency item ids")
	cmd.Flags().StringVar(&output, "output", "", "output path")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Worker", "Rejections", "Deps"})
				for _, it := range items {
					worker := ""
					if it.Worker != nil {
						worker = *it.Worker
					}
					tw.AppendRow(table.Row{it.ID, it.Title, it.Stage, worker, it.RejectionCount, strings.Join(it.DependsOn, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Worker, "worker", "", "worker filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived items")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max items")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Repo.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func itemUpdateCmd() *cobra.Command {
	var title, output string
	var priority int
	var addDeps, removeDeps []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update work item fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.UpdateItemOptions{
					ID:         args[0],
					AddDeps:    addDeps,
					RemoveDeps: removeDeps,
					Actor:      viper.GetString("actor"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				if cmd.Flags().Changed("output") {
					opts.OutputPath = &output
				}
				it, err := e.UpdateItemFields(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority")
	cmd.Flags().StringVar(&output, "output", "", "new output path")
	cmd.Flags().StringSliceVar(&addDeps, "add-dep", nil, "dependency ids to add")
	cmd.Flags().StringSliceVar(&removeDeps, "remove-dep", nil, "dependency ids to remove")
	return cmd
}

func itemMoveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "move <id> <stage>",
		Short: "Move item to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MoveItem(ctx, engine.MoveOptions{
					ID:    args[0],
					To:    args[1],
					Force: force,
					Actor: viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				limit := "-"
				if res.WIP.Limit != nil {
					limit = fmt.Sprintf("%d", *res.WIP.Limit)
				}
				fmt.Printf("%s: %s -> %s (%s at %d/%s)\n", res.Item.ID, res.PreviousStage, res.Item.Stage, res.WIP.Stage, res.WIP.Current, limit)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass WIP limit and readiness gate")
	return cmd
}

func itemClaimCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim item for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if worker == "" {
					worker = viper.GetString("actor")
				}
				claim, err := e.ClaimItem(ctx, args[0], worker)
				if err != nil {
					return err
				}
				return printJSONOrTable(claim)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to --actor)")
	return cmd
}

func itemReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release item claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReleaseItem(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.Released {
					fmt.Println("nothing to release")
					return nil
				}
				fmt.Printf("released from %s\n", *res.Worker)
				return nil
			})
		},
	}
	return cmd
}

func itemRejectCmd() *cobra.Command {
	var reason, rework string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject item back for rework",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RejectItem(ctx, engine.RejectOptions{
					ID:          args[0],
					Reason:      reason,
					Worker:      viper.GetString("actor"),
					ReworkStage: rework,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Escalated {
					fmt.Printf("%s escalated to blocked after %d rejections\n", res.Item.ID, res.RejectionCount)
				} else {
					fmt.Printf("%s rejected (%d) -> %s\n", res.Item.ID, res.RejectionCount, res.Item.Stage)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cmd.Flags().StringVar(&rework, "rework", "", "rework stage")
	return cmd
}

func itemArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.ArchiveItem(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func itemLogCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show item work log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetItem(ctx, args[0]); err != nil {
					return err
				}
				entries, err := e.Repo.ListWorkLog(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func depsCmd() *cobra.Command {
	deps := &cobra.Command{Use: "deps", Short: "Dependency graph"}
	deps.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the dependency graph and report readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.CheckDependencies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				if !rep.Valid {
					fmt.Printf("cycle: %s\n", strings.Join(rep.CyclePath, " -> "))
					return fmt.Errorf("dependency graph contains a cycle")
				}
				fmt.Printf("graph OK; ready: %v, waiting: %v\n", rep.ReadyItems, rep.BlockedItems)
				return nil
			})
		},
	})
	return deps
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{Use: "mission", Short: "Mission lifecycle"}
	mission.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMission(ctx, e.Config.Mission.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	mission.AddCommand(&cobra.Command{
		Use:   "advance",
		Short: "Advance mission to the next phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AdvanceMission(ctx, e.Config.Mission.ID, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	var reason string
	fail := &cobra.Command{
		Use:   "fail",
		Short: "Mark the mission failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.FailMission(ctx, e.Config.Mission.ID, reason, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	fail.Flags().StringVar(&reason, "reason", "", "failure reason")
	mission.AddCommand(fail)
	return mission
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Mission configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	})
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missionID := e.Config.Mission.ID
				cfg.Mission.ID = missionID
				return e.Repo.UpsertMissionConfig(ctx, missionID, cfg)
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "config file path")
	cfg.AddCommand(imp)
	return cfg
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The diary of everything that happened: creations, moves, claims, rejections, escalations.",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the activity log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.LatestActivity(ctx, n)
				if err != nil {
					return err
				}
				// LatestActivity returns newest first; print oldest first.
				var cursor int64
				for i := len(entries) - 1; i >= 0; i-- {
					printEntry(entries[i])
					if entries[i].ID > cursor {
						cursor = entries[i].ID
					}
				}
				if !follow {
					return nil
				}
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					fresh, err := e.Repo.ActivityAfter(ctx, 200, cursor)
					if err != nil {
						return err
					}
					for _, entry := range fresh {
						printEntry(entry)
						cursor = entry.ID
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep tailing new entries")
	return cmd
}

func printEntry(e domain.ActivityLogEntry) {
	if viper.GetBool("json") {
		b, _ := json.Marshal(e)
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%s [%s] %s: %s\n", e.TS, e.Level, e.Actor, e.Message)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the live event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveMissionAndConfig(cmd.Context(), viper.GetString("mission"), viper.GetString("actor"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			dist := feed.New(e, feed.Options{
				PollInterval:     cfg.PollInterval(),
				BackoffThreshold: cfg.Feed.FailureBackoffThreshold,
				TeardownAfter:    cfg.Feed.TeardownAfterFailures,
			})
			go dist.Run(ctx)
			server.StartWebhooks(ctx, e)

			handler, err := server.New(server.Config{
				Engine:    e,
				Feed:      dist,
				BasePath:  basePath,
				Heartbeat: cfg.HeartbeatInterval(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at %s/openapi.json, events at %s/events/stream)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveMissionAndConfig(ctx, viper.GetString("mission"), viper.GetString("actor"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
