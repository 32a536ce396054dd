package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3leaps/webjobd/internal/assets"
)

var exampleOutput string

var exampleCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Print an example service configuration",
	Long: `Print an example service configuration, or write it to a new file.

Examples:
  webjobd example-config > service.yaml
  webjobd example-config -o /etc/webjobd/service.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if exampleOutput == "" {
			_, err := cmd.OutOrStdout().Write(assets.ServiceExample)
			return err
		}
		f, err := os.OpenFile(exampleOutput, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return exitWith(ExitUsage, fmt.Errorf("%s already exists", exampleOutput))
			}
			return exitWith(ExitFailure, err)
		}
		if _, err := f.Write(assets.ServiceExample); err != nil {
			_ = f.Close()
			return exitWith(ExitFailure, err)
		}
		if err := f.Close(); err != nil {
			return exitWith(ExitFailure, err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", exampleOutput)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exampleCmd)
	exampleCmd.Flags().StringVarP(&exampleOutput, "output", "o", "", "Write to this file instead of stdout (must not exist)")
}
