package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"call_dashboard/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the call-dashboard command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "call-dashboard",
		Short: "Live dashboard for voice-agent phone calls",
		Long: `Receives voice-agent call events, keeps the live state of every call and
streams it to connected dashboard viewers. Operators mark finished calls as
accepted or declined leads.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewLeadsCommand(opts))

	return cmd
}

// loadConfig is swapped in tests.
var loadConfig = config.Load
