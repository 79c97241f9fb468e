package main

import (
	"github.com/spf13/cobra"

	"github.com/machinefabric/shieldwire-go/prover"
	"github.com/machinefabric/shieldwire-go/workers"
)

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Prove actions for a host over stdin and stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := &prover.DigestEngine{ProofDelay: opts.cfg.GetProofDelay()}
			return workers.Serve(cmd.Context(), workers.Stdio(), engine, opts.logger)
		},
	}
}
