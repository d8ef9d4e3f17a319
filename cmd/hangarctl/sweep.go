package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hangar/internal/hangar/api"
)

var sweepCmd = &cobra.Command{
	Use:       "sweep [expiry|orphans|drift]",
	Short:     "Run one maintenance sweep on the control plane",
	Long:      `Run one sweep pass. Uses --cron-secret as a bearer token.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{api.SweepExpiry, api.SweepOrphans, api.SweepDrift},
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().Sweep(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "%s sweep: examined %d, processed %d, skipped %d, failed %d\n",
				res.Kind, res.Examined, res.Processed, res.Skipped, res.Failed)
		})
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agent catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := newClient().Agents(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd, agents, func(w io.Writer) {
			t := newTable("SLUG", "NAME", "FAMILY", "CREDITS/H", "ACTIVE")
			for _, a := range agents {
				t.Row(a.Slug, a.Name, a.Family, strconv.FormatInt(a.CreditsPerHour, 10), strconv.FormatBool(a.Active))
			}
			fmt.Fprintln(w, t.Render())
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show control plane version and runtime counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd, st, func(w io.Writer) {
			fmt.Fprintf(w, "Hangar %s (%s): %s, up %.0fs\n", st.Version, st.Commit, st.Status, st.UptimeSecs)
			for status, n := range st.Runtimes {
				fmt.Fprintf(w, "  %-9s %d\n", status, n)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd, agentsCmd, statusCmd)
}
