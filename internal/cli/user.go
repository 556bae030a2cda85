package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treefix50/watchguard/internal/auth"
)

func NewUserCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage progress service accounts",
	}

	var addPassword string
	var addAdmin bool
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAdd(cmd, rootOpts, args[0], addPassword, addAdmin)
		},
	}
	add.Flags().StringVar(&addPassword, "password", "", "password (generated when empty)")
	add.Flags().BoolVar(&addAdmin, "admin", false, "grant admin rights")

	var resetPassword string
	reset := &cobra.Command{
		Use:   "reset-password [username]",
		Short: "Set a new password and end the account's sessions",
		Long: `Set a new password for an account (admin when no username is given) and
log out every session it has. The password is generated when --password is
not set and printed once.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := auth.AdminUsername
			if len(args) == 1 {
				username = args[0]
			}
			return runResetPassword(cmd, rootOpts, username, resetPassword)
		},
	}
	reset.Flags().StringVar(&resetPassword, "password", "", "new password (generated when empty)")

	cmd.AddCommand(add, reset)
	return cmd
}

func withAuthManager(o *RootOptions, fn func(*auth.Manager) error) error {
	db, err := openSQLite(o.Config, false)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer db.Close()
	mgr := auth.NewManager(db, auth.Options{SessionDuration: o.Config.Server.SessionTTL, Logger: o.Logger})
	defer mgr.Close()
	return fn(mgr)
}

func passwordOrGenerate(password string) (string, bool, error) {
	if password != "" {
		return password, false, nil
	}
	generated, err := auth.GeneratePassword()
	return generated, true, err
}

func runUserAdd(cmd *cobra.Command, o *RootOptions, username, password string, admin bool) error {
	password, generated, err := passwordOrGenerate(password)
	if err != nil {
		return err
	}
	return withAuthManager(o, func(mgr *auth.Manager) error {
		user, err := mgr.CreateUser(username, password, admin)
		if errors.Is(err, auth.ErrUserExists) {
			return NewExitError(ExitFailure, fmt.Sprintf("user %q already exists", username))
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "create user", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created user %s (admin: %t)\n", user.Username, user.IsAdmin)
		if generated {
			fmt.Fprintf(out, "Password: %s\n", password)
		}
		return nil
	})
}

func runResetPassword(cmd *cobra.Command, o *RootOptions, username, password string) error {
	password, generated, err := passwordOrGenerate(password)
	if err != nil {
		return err
	}
	return withAuthManager(o, func(mgr *auth.Manager) error {
		err := mgr.ResetPassword(username, password)
		if errors.Is(err, auth.ErrUserNotFound) {
			return NewExitError(ExitFailure, fmt.Sprintf("no user named %q", username))
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "reset password", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "========================================")
		fmt.Fprintln(out, "Password has been reset")
		fmt.Fprintf(out, "Username: %s\n", username)
		if generated {
			fmt.Fprintf(out, "Password: %s\n", password)
		}
		fmt.Fprintln(out, "========================================")
		return nil
	})
}
