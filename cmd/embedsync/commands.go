package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/viant/embedsync/primary/sqlstore"
	"github.com/viant/embedsync/service"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow the change feed and serve the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		a, err := setup(ctx, cmd, true)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		if resync, _ := cmd.Flags().GetBool("resync"); resync {
			if _, err := a.svc.TriggerFullResync(ctx, ""); err != nil {
				return err
			}
		}
		if err := a.svc.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		serveErr := serve(ctx, a.cfg.HTTP.Addr, newRouter(a.svc, a.logger), a.logger)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout+time.Second)
		defer stopCancel()
		if err := a.svc.Stop(stopCtx); err != nil {
			a.logger.Error().Err(err).Msg("stop")
		}
		return serveErr
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync [collection]",
	Short: "Re-embed every document of a collection (or all watched collections)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		a, err := setup(ctx, cmd, false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		collection := ""
		if len(args) == 1 {
			collection = args[0]
		}
		result, err := a.svc.TriggerFullResync(ctx, collection)
		if result != nil {
			printJSON(result)
		}
		return err
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <collection> <query>",
	Short: "Semantic search over a synced collection",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, cmd, false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		limit, _ := cmd.Flags().GetInt("limit")
		minScore, _ := cmd.Flags().GetFloat32("min-score")
		results, err := a.svc.Search(ctx, service.SearchRequest{
			Collection: args[0],
			Query:      strings.Join(args[1:], " "),
			Limit:      limit,
			MinScore:   minScore,
		})
		if err != nil {
			return err
		}
		printJSON(results)
		return nil
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema [sqlite|mysql|postgres]",
	Short: "Print the document table, change log and trigger DDL for a SQL primary store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		driver := "sqlite"
		if len(args) == 1 {
			driver = args[0]
		}
		dialect, err := sqlstore.DialectFor(driver)
		if err != nil {
			return err
		}
		docTable, _ := cmd.Flags().GetString("doc-table")
		logTable, _ := cmd.Flags().GetString("log-table")
		for _, stmt := range sqlstore.SchemaDDL(dialect, docTable, logTable) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(stmt)+";")
			fmt.Fprintln(cmd.OutOrStdout())
		}
		return nil
	},
}

var replicateCmd = &cobra.Command{
	Use:   "replicate <collection>...",
	Short: "Pull an upstream index change log into the local index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		a, err := setup(ctx, cmd, false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		dsn, _ := cmd.Flags().GetString("upstream-dsn")
		driver, _ := cmd.Flags().GetString("upstream-driver")
		if driver == "" {
			detected, ok := detectDriver(dsn)
			if !ok || detected == "mongo" {
				return fmt.Errorf("replicate: unable to detect upstream driver from dsn")
			}
			driver = detected
		}
		upstream, err := openSQL(driver, dsn)
		if err != nil {
			return err
		}
		defer func() { _ = upstream.Close() }()
		shadow, _ := cmd.Flags().GetString("upstream-shadow")
		batch, _ := cmd.Flags().GetInt("batch")
		force, _ := cmd.Flags().GetBool("force")
		results, err := a.svc.Replicate(ctx, service.ReplicateRequest{
			Collections:    args,
			Upstream:       upstream,
			UpstreamShadow: shadow,
			BatchSize:      batch,
			Force:          force,
		})
		printJSON(results)
		return err
	},
}

var adminCmd = &cobra.Command{
	Use:   "admin <reset-breaker|replay-dead-letters|purge-dead-letters> [target]",
	Short: "Maintenance tasks",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, cmd, false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		req := service.AdminRequest{Action: args[0]}
		if len(args) == 2 {
			req.Target = args[1]
		}
		req.Limit, _ = cmd.Flags().GetInt("limit")
		if req.Action == service.ActionReplay {
			if err := a.svc.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = a.svc.Stop(context.Background()) }()
		}
		result, err := a.svc.Admin(ctx, req)
		if result != nil {
			printJSON(result)
		}
		return err
	},
}

func init() {
	runCmd.Flags().Bool("resync", false, "run a full resync before following the feed")
	searchCmd.Flags().Int("limit", 10, "max results")
	searchCmd.Flags().Float32("min-score", 0, "minimum similarity score")
	schemaCmd.Flags().String("doc-table", "sync_document", "document table name")
	schemaCmd.Flags().String("log-table", "sync_change_log", "change log table name")
	replicateCmd.Flags().String("upstream-driver", "", "upstream sql driver (auto-detected when empty)")
	replicateCmd.Flags().String("upstream-dsn", "", "upstream index dsn (required)")
	replicateCmd.Flags().String("upstream-shadow", "", "upstream shadow table name")
	replicateCmd.Flags().Int("batch", 200, "change log rows per batch")
	replicateCmd.Flags().Bool("force", false, "reset local collections whose log position diverged")
	_ = replicateCmd.MarkFlagRequired("upstream-dsn")
	adminCmd.Flags().Int("limit", 100, "max dead letters to replay or purge")
}

func setup(ctx context.Context, cmd *cobra.Command, withFeed bool) (*app, error) {
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	return buildApp(ctx, cfg, logger, withFeed)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}
