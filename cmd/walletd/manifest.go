package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/machinefabric/shieldwire-go/provider"
)

func newManifestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "Print the manifest served at /manifest.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := manifest(opts.cfg)
			data, err := m.JSON()
			if err != nil {
				return err
			}
			// what pages will see must pass the schema they check it against
			if _, err := provider.ParseManifest(data); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}
