package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/adoption/internal/authz"
	"github.com/pitabwire/adoption/internal/config"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/internal/workflow"
	"github.com/pitabwire/adoption/model"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL entity store schema",
	}
	cmd.AddCommand(
		migrateAction("up", "Apply all pending migrations", (*workflow.Migrator).Up),
		migrateAction("down", "Roll back all migrations", (*workflow.Migrator).Down),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd.Context(), func(m *workflow.Migrator) error {
					v, dirty, err := m.Version()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", v, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func migrateAction(use, short string, fn func(*workflow.Migrator) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), fn)
		},
	}
}

func withMigrator(ctx context.Context, fn func(*workflow.Migrator) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Workflow.Store.Driver != "postgres" {
		return errors.New("migrations need workflow.store.driver: postgres")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := openPool(ctx, cfg.Workflow.Store)
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := workflow.NewMigrator(pool, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func sweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every contract whose signing window has closed, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.engine.ProcessExpirations(ctx, now)
			if cerr := a.dispatcher.Close(ctx); cerr != nil {
				logger.Warn("notification queue not drained", zap.Error(cerr))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d contract(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "treat this RFC 3339 time as now")
	return cmd
}

func policyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Print the effective transition allow-list",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := authz.DefaultPolicy()
			if file != "" {
				var err error
				if p, err = authz.LoadPolicy(file); err != nil {
					return err
				}
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Kind", "Transition", "Roles", "Conditions", "System"})
			for _, e := range p.Entries() {
				tw.AppendRow(table.Row{e.Kind, e.Transition, joinRoles(e.Roles), formatConditions(e.Conditions), yesNo(e.System)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "policy override file (defaults to the built-in policy)")
	return cmd
}

// loadConfig reads the config file and builds the logger for one-shot
// commands, which log to the console unless a format is configured.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	obs := cfg.Observability
	if obs.LogFormat == "" {
		obs.LogFormat = "console"
	}
	logger, err := observability.NewLogger(obs)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}

func joinRoles(roles []model.Role) string {
	if len(roles) == 0 {
		return "-"
	}
	s := make([]string, len(roles))
	for i, r := range roles {
		s[i] = string(r)
	}
	return strings.Join(s, ", ")
}

func formatConditions(conds map[model.Role][]string) string {
	roles := make([]string, 0, len(conds))
	for r := range conds {
		roles = append(roles, string(r))
	}
	sort.Strings(roles)

	var lines []string
	for _, r := range roles {
		for _, c := range conds[model.Role(r)] {
			lines = append(lines, r+": "+c)
		}
	}
	return strings.Join(lines, "\n")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
