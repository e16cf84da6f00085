// File: cmd/history.go
package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/config"
)

func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear the per-target attempt history",
	}

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded attempts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st schemas.RecordStore) error {
				attempts, err := st.ListAttempts(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TARGET\tSTATUS\tTIMESTAMP")
				shown := 0
				for _, a := range attempts {
					if status != "" && !strings.EqualFold(string(a.Status), status) {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", a.TargetID, a.Status, a.Timestamp.Local().Format(time.DateTime))
					shown++
				}
				if shown == 0 {
					fmt.Fprintln(out, "No attempts recorded.")
					return nil
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "only show attempts with this status (success, failed)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget every recorded attempt so all targets are processed again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st schemas.RecordStore) error {
				if err := st.ClearAttempts(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Attempt history cleared.")
				return nil
			})
		},
	}

	historyCmd.AddCommand(listCmd, clearCmd)
	return historyCmd
}

func newCookiesCmd() *cobra.Command {
	cookiesCmd := &cobra.Command{
		Use:   "cookies",
		Short: "Manage persisted session cookies",
	}

	clearCmd := &cobra.Command{
		Use:   "clear [domain]",
		Short: "Delete stored cookies for one domain, or for every domain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st schemas.RecordStore) error {
				domain := ""
				if len(args) == 1 {
					domain = args[0]
				}
				if err := st.ClearCookies(ctx, domain); err != nil {
					return err
				}
				if domain == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cookies cleared for all domains.")
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Cookies cleared for %s.\n", domain)
				}
				return nil
			})
		},
	}

	cookiesCmd.AddCommand(clearCmd)
	return cookiesCmd
}

func newSettingsCmd() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change the values remembered between runs",
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a remembered setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st schemas.RecordStore) error {
				value, err := st.GetSetting(ctx, args[0], "")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a remembered setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st schemas.RecordStore) error {
				return st.SetSetting(ctx, args[0], args[1])
			})
		},
	}

	settingsCmd.AddCommand(getCmd, setCmd)
	return settingsCmd
}
