package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var dbForce bool

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the job database schema",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the jobs and dependencies tables",
	Long: `Create the jobs and dependencies tables, including the extra fields
declared in the service configuration. Existing tables are left alone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := commandContext(cmd)
		cfg, err := loadServiceConfig()
		if err != nil {
			return err
		}
		db, err := openServiceDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := db.CreateTables(ctx); err != nil {
			return exitWith(ExitFailure, err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Initialized job database for %s\n", cfg.ServiceName)
		return nil
	},
}

var dbDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop the jobs and dependencies tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := commandContext(cmd)
		cfg, err := loadServiceConfig()
		if err != nil {
			return err
		}
		p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout(), dbForce)
		if !p.force && p.answer(fmt.Sprintf("Drop the job tables of %s? Type YES to continue: ", cfg.ServiceName)) != "YES" {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
			return nil
		}
		db, err := openServiceDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := db.DropTables(ctx); err != nil {
			return exitWith(ExitFailure, err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Dropped job tables")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd, dbDropCmd)
	dbDropCmd.Flags().BoolVarP(&dbForce, "force", "f", false, "Do not prompt for confirmation")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
