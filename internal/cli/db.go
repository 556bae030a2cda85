package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treefix50/watchguard/internal/storage"
)

func NewDBCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "SQLite maintenance",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Run an integrity check on the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBCheck(cmd, rootOpts)
		},
	}

	var into string
	vacuum := &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the database, in place or into a new file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBVacuum(cmd, rootOpts, into)
		},
	}
	vacuum.Flags().StringVar(&into, "into", "", "write the compacted copy to this path instead")

	cmd.AddCommand(check, vacuum)
	return cmd
}

func runDBCheck(cmd *cobra.Command, o *RootOptions) error {
	db, err := openSQLite(o.Config, true)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer db.Close()

	results, err := db.IntegrityCheck()
	if err != nil {
		return WrapExitError(ExitCommandError, "integrity check", err)
	}
	ok := len(results) == 1 && results[0] == "ok"
	if o.Format == "json" {
		if err := writeJSON(cmd.OutOrStdout(), map[string]any{
			"path":          o.Config.Storage.Path,
			"ok":            ok,
			"results":       results,
			"schemaVersion": storage.SchemaVersion(),
		}); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			fmt.Fprintln(cmd.OutOrStdout(), r)
		}
	}
	if !ok {
		return NewExitError(ExitFailure, "integrity check found problems")
	}
	return nil
}

func runDBVacuum(cmd *cobra.Command, o *RootOptions, into string) error {
	db, err := openSQLite(o.Config, false)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer db.Close()

	if err := db.Vacuum(into); err != nil {
		return WrapExitError(ExitCommandError, "vacuum", err)
	}
	target := o.Config.Storage.Path
	if into != "" {
		target = into
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "vacuumed into %s\n", target)
	return err
}
