package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/machinefabric/shieldwire-go/sites"
)

func newSitesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Manage which origins may connect",
	}
	cmd.AddCommand(newSitesSetCommand(opts, "approve", sites.Approved))
	cmd.AddCommand(newSitesSetCommand(opts, "deny", sites.Denied))
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <origin>",
		Short: "Forget the answer for an origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store *sites.Store) error {
				removed, err := store.Revoke(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("origin %s is not recorded", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorded origins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store *sites.Store) error {
				list, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ORIGIN\tCHOICE\tUPDATED")
				for _, s := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.Origin, s.Choice, s.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func newSitesSetCommand(opts *rootOptions, verb string, choice sites.Choice) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <origin>",
		Short: fmt.Sprintf("Record that an origin is %s", choice),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store *sites.Store) error {
				if err := store.Set(cmd.Context(), args[0], choice); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", choice, args[0])
				return nil
			})
		},
	}
}

func withStore(cmd *cobra.Command, opts *rootOptions, fn func(*sites.Store) error) error {
	store, err := sites.Open(cmd.Context(), opts.cfg.Sites.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
