package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"call_dashboard/internal/leads"
)

// NewLeadsCommand creates the leads command group. A running server picks up
// changes made here through its leads file watcher.
func NewLeadsCommand(rootOpts *RootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "Inspect and record call dispositions",
	}
	cmd.PersistentFlags().StringVar(&path, "file", "", "leads file, overrides LEADS_PATH")

	open := func() (*leads.Store, error) {
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return nil, err
			}
			path = cfg.LeadsPath
		}
		return leads.Open(path)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print accepted and declined calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			l, err := s.GetAll()
			if err != nil {
				return err
			}
			return printLedger(cmd.OutOrStdout(), rootOpts.Format, l)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <call-id>",
		Short: "Print the disposition of one call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			d, err := s.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	})
	for _, d := range []leads.Disposition{leads.Accepted, leads.Declined} {
		verb := "accept"
		if d == leads.Declined {
			verb = "decline"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " <call-id>",
			Short: "Mark a call as " + string(d),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := open()
				if err != nil {
					return err
				}
				if d == leads.Accepted {
					err = s.Accept(args[0])
				} else {
					err = s.Decline(args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], d)
				return nil
			},
		})
	}
	return cmd
}

func printLedger(w io.Writer, format string, l leads.Ledger) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(l)
	}
	for _, d := range []leads.Disposition{leads.Accepted, leads.Declined} {
		for _, id := range l.IDs(d) {
			if _, err := fmt.Fprintf(w, "%s\t%s\n", d, id); err != nil {
				return err
			}
		}
	}
	return nil
}
