// Command zos operates on a kernel's durable store: chain verification,
// offline replay, verified boot and checkpointing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	StorePath string
	Config    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "zos",
		Short: "Verification-gateway kernel store tooling",
		Long: `zos inspects and maintains a kernel's durable store: it verifies the
commit chain, replays it into a state hash, boots from the latest signed
checkpoint and takes new checkpoints.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.StorePath, "store", "zeros.db", "path to the sqlite store")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "optional YAML config file")

	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newBootCommand(opts))
	cmd.AddCommand(newCheckpointCommand(opts))

	return cmd
}
