package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/psi/internal/config"
	"github.com/ehr/psi/internal/domain/codeset"
	"github.com/ehr/psi/internal/domain/indicator"
	"github.com/ehr/psi/internal/platform/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator, w io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer pool.Close()
			return fn(ctx, db.NewMigrator(pool, db.Migrations()), cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator, w io.Writer) error {
			n, err := m.Up(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Applied %d migration(s)\n", n)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator, w io.Writer) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			for _, s := range statuses {
				state, at := "pending", "-"
				if s.Applied {
					state = "applied"
					at = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%03d\t%s\t%s\t%s\n", s.Version, s.Name, state, at)
			}
			return tw.Flush()
		}),
	})
	return cmd
}

func codesetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codesets",
		Short: "Inspect code-set files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load code sets and compile every indicator against them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return checkCodeSets(cfg, cmd.OutOrStdout())
		},
	})
	return cmd
}

var errMissingCodeSets = errors.New("code sets missing")

// checkCodeSets reports every referenced set that the registry lacks, rather
// than stopping at the first as compilation does.
func checkCodeSets(cfg *config.Config, w io.Writer) error {
	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	defs, err := loadDefinitions(cfg)
	if err != nil {
		return err
	}

	missing := 0
	for _, def := range defs {
		for _, name := range def.CodeSetNames() {
			if _, err := reg.Lookup(name); err != nil {
				var unknown *codeset.UnknownCodeSetError
				if !errors.As(err, &unknown) {
					return err
				}
				fmt.Fprintf(w, "%s: missing code set %s\n", def.ID, name)
				missing++
			}
		}
	}
	if missing > 0 {
		return fmt.Errorf("%w: %d reference(s) unresolved in %s", errMissingCodeSets, missing, cfg.CodeSetPath)
	}
	if _, err := indicator.NewCatalog(cfg.IndicatorVersion, defs, reg); err != nil {
		return fmt.Errorf("compile indicators: %w", err)
	}
	fmt.Fprintf(w, "%d code sets (version %s); %d indicators compile\n", len(reg.Names()), reg.Version(), len(defs))
	return nil
}

func indicatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indicators",
		Short: "Inspect indicator definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List indicator definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			defs, err := loadDefinitions(cfg)
			if err != nil {
				return err
			}
			return listIndicators(defs, cmd.OutOrStdout())
		},
	})
	return cmd
}

func listIndicators(defs []*indicator.Definition, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tELIGIBILITY\tEXCLUSIONS\tNUMERATOR\tNAME")
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", d.ID, d.Version,
			len(d.Eligibility), len(d.Exclusions), len(d.Numerator), d.Name)
	}
	return tw.Flush()
}

