package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"readyline/internal/catalog"
	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/migrate"
	"readyline/internal/readiness"
	"readyline/internal/repo"
	"readyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Readyline CLI",
	Long: `Readyline tracks how AI-ready each repository is.
A CI action scans repositories and posts reports here; Readyline grades every
report against a quest catalog (readme, linter, coverage, ...), keeps the
latest readiness snapshot per repo, and lets a human manually approve quests
the scanner cannot judge. The workspace is a .readyline directory holding the
SQLite database; the quest catalog lives in readyline.yml and is imported into
the database. View changes with 'rl log tail'.`,
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
	viper.SetEnvPrefix("READYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(readinessCmd())
	rootCmd.AddCommand(questCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func ingestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a scan report from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			payload, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, snap, err := e.IngestReport(ctx, payload, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"scan_run": run, "readiness": snap})
				}
				fmt.Printf("ingested scan %s for %s (%d quests, %.0f%% complete)\n",
					run.ID, run.RepoID, snap.TotalQuests(), snap.CompletionPercentage())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "report JSON file")
	return cmd
}

func readinessCmd() *cobra.Command {
	rd := &cobra.Command{
		Use:   "readiness",
		Short: "Repository readiness",
	}
	rd.AddCommand(readinessShowCmd())
	return rd
}

func readinessShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <repo-id>",
		Short: "Show a repository's readiness snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.GetReadiness(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				printReadinessTable(snap)
				return nil
			})
		},
	}
	return cmd
}

func printReadinessTable(snap readiness.RepoReadiness) {
	fmt.Printf("%s: %d/%d quests complete (%.0f%%), updated %s\n",
		snap.RepoID, snap.CompletedQuests(), snap.TotalQuests(), snap.CompletionPercentage(), snap.UpdatedAt)
	keys := make([]string, 0, len(snap.Quests))
	for k := range snap.Quests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Quest", "Status", "Level", "Source", "Last Seen", "Approved By"})
	for _, k := range keys {
		e := snap.Quests[k]
		approvedBy := ""
		if e.Approval != nil {
			approvedBy = e.Approval.ApprovedBy
			if e.Approval.RevokedAt != nil {
				approvedBy += " (revoked)"
			}
		}
		tw.AppendRow(table.Row{k, e.Status, e.Level, e.Source, e.LastSeenAt, approvedBy})
	}
	tw.Render()
}

func questCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "quest",
		Short: "Manual quest approval",
	}
	q.AddCommand(questApproveCmd())
	q.AddCommand(questRevokeCmd())
	return q
}

func questApproveCmd() *cobra.Command {
	var repoID, questKey, approvedBy string
	var level int
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Manually approve a quest for a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoID == "" || questKey == "" {
				return fmt.Errorf("--repo and --quest required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.ApproveQuest(ctx, engine.ApproveQuestOptions{
					RepoID:     repoID,
					QuestKey:   questKey,
					ApprovedBy: approvedBy,
					Level:      level,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				entry := snap.Quests[questKey]
				fmt.Printf("approved %s for %s at level %d\n", questKey, repoID, entry.Level)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().StringVar(&questKey, "quest", "", "quest key")
	cmd.Flags().StringVar(&approvedBy, "approved-by", "", "approver (defaults to actor-id)")
	cmd.Flags().IntVar(&level, "level", 0, "level (defaults to the manual tier)")
	return cmd
}

func questRevokeCmd() *cobra.Command {
	var repoID, questKey string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a manual approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoID == "" || questKey == "" {
				return fmt.Errorf("--repo and --quest required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.RevokeApproval(ctx, repoID, questKey, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("revoked approval of %s for %s\n", questKey, repoID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().StringVar(&questKey, "quest", "", "quest key")
	return cmd
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "catalog",
		Short: "Quest catalog",
	}
	c.AddCommand(catalogShowCmd())
	c.AddCommand(catalogImportCmd())
	c.AddCommand(catalogExportCmd())
	c.AddCommand(catalogValidateCmd())
	c.AddCommand(catalogInitCmd())
	return c
}

func catalogShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active quest catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.CatalogDoc(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(doc)
				}
				printCatalogTable(doc)
				return nil
			})
		},
	}
	return cmd
}

func printCatalogTable(doc catalog.Doc) {
	keys := make([]string, 0, len(doc.Quests))
	for k := range doc.Quests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Quest", "Title", "Manual", "Levels"})
	for _, k := range keys {
		q := doc.Quests[k]
		levels := make([]string, 0, len(q.Levels))
		for _, l := range q.Levels {
			spec := l.Condition.Type
			if l.Condition.Min != nil {
				spec = fmt.Sprintf("%s>=%g", spec, *l.Condition.Min)
			}
			levels = append(levels, fmt.Sprintf("%d:%s", l.Level, spec))
		}
		desc := strings.Join(levels, " ")
		if len(q.Levels) == 0 {
			desc = "legacy"
		}
		tw.AppendRow(table.Row{k, q.Title, q.ManualApproval, desc})
	}
	tw.Render()
}

func catalogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a catalog YAML into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportCatalog(ctx, cfg.Catalog, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("imported %d quests from %s\n", len(cfg.Catalog.Quests), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog YAML file (defaults to the workspace readyline.yml)")
	return cmd
}

func catalogExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the active catalog as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.CatalogDoc(ctx)
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(config.Config{Catalog: doc})
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	return cmd
}

func catalogValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a catalog YAML without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s: OK (%d quests, %d webhooks)\n", path, len(cfg.Catalog.Quests), len(cfg.Webhooks))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog YAML file (defaults to the workspace readyline.yml)")
	return cmd
}

func catalogInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default readyline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func teamCmd() *cobra.Command {
	t := &cobra.Command{Use: "team", Short: "Teams"}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTeams(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Owner, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return t
}

func repoCmd() *cobra.Command {
	var teamID string
	r := &cobra.Command{Use: "repo", Short: "Repositories"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRepos(ctx, teamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Team", "Full Name", "Created"})
				for _, rp := range items {
					tw.AppendRow(table.Row{rp.ID, rp.TeamID, rp.FullName, rp.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&teamID, "team", "", "team id filter")
	r.AddCommand(list)
	return r
}

func scanCmd() *cobra.Command {
	s := &cobra.Command{Use: "scan", Short: "Scan runs"}
	s.AddCommand(scanListCmd())
	s.AddCommand(scanShowCmd())
	return s
}

func scanListCmd() *cobra.Command {
	var repoID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a repository's scan runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoID == "" {
				return fmt.Errorf("--repo required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListScanRuns(ctx, repoID, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Commit", "Ref", "Scanned At"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.CommitSHA, s.RefName, s.ScannedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().IntVar(&limit, "n", 20, "number of scans")
	return cmd
}

func scanShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <scan-run-id>",
		Short: "Show a scan run with its raw results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetScanRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var teamID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, teamID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&teamID, "team", "", "team id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// the secret is shown once and never stored in clear
				fmt.Printf("id: %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("READYLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("READYLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Readyline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept the X-Actor-Id header without credentials")
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
