package app

import (
	"fmt"
	"io"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"cloupeer.io/transmitter/cmd/cpeer-transmitter/app/options"
	"cloupeer.io/transmitter/internal/transmitter/dispatcher"
	"cloupeer.io/transmitter/internal/transmitter/identity"
)

func newInspectCommand(opts *options.TransmitterOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show what the next dispatch cycle would do with the pending files",
		Long: `Lists the pending directory and shows, for every file, the vehicle it
belongs to, whether that vehicle is registered and whether the edge selector
admits it this cycle. Nothing is signed, uploaded or moved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			core, err := cfg.NewCore()
			if err != nil {
				return err
			}
			pending, err := core.Spool.ListPending()
			if err != nil {
				return err
			}
			writePlan(cmd.OutOrStdout(), dispatcher.NewPlan(pending, core.Resolver, core.Selector))
			return nil
		},
	}
}

func writePlan(w io.Writer, plan *dispatcher.Plan) {
	table := uitable.New()
	table.MaxColWidth = 80
	table.AddRow("FILE", "VEHICLE", "REGISTERED", "ADMITTED")

	for _, b := range plan.Batches {
		for _, f := range b.Files {
			table.AddRow(f.Name, b.VehicleID, "yes", "yes")
		}
	}
	for _, b := range plan.Deferred {
		for _, f := range b.Files {
			table.AddRow(f.Name, b.VehicleID, "yes", "no")
		}
	}
	for _, f := range plan.Unregistered {
		table.AddRow(f.Name, identity.Extract(f.Name), "no", "no")
	}
	for _, f := range plan.Unresolved {
		table.AddRow(f.Name, "-", "-", "no")
	}

	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "\n%d pending, %d vehicles admitted, %d deferred, %d unregistered files, %d unresolved files\n",
		len(plan.Pending), len(plan.Batches), len(plan.Deferred), len(plan.Unregistered), len(plan.Unresolved))
}
