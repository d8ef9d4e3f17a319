package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Grant credits and inspect the ledger",
}

var (
	grantDescription string
	ledgerLimit      int
)

var creditsGrantCmd = &cobra.Command{
	Use:   "grant [user] [amount]",
	Short: "Add credits to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer, got %q", args[1])
		}
		u, err := newClient().GrantCredits(cmd.Context(), args[0], amount, grantDescription)
		if err != nil {
			return err
		}
		return render(cmd, u, func(w io.Writer) {
			fmt.Fprintf(w, "Granted %d credits to %s; balance is now %d\n", amount, u.ID, u.Balance)
		})
	},
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance [user]",
	Short: "Show a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := newClient().GetUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, u, func(w io.Writer) {
			fmt.Fprintf(w, "%s: %d credits\n", u.ID, u.Balance)
		})
	},
}

var creditsVerifyCmd = &cobra.Command{
	Use:   "verify [user]",
	Short: "Check a user's balance against the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newClient().VerifyBalance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, v, func(w io.Writer) {
			fmt.Fprintf(w, "%s balance %d matches the ledger\n", okStyle.Render("OK"), v.Balance)
		})
	},
}

var creditsLedgerCmd = &cobra.Command{
	Use:   "ledger [user]",
	Short: "List a user's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := newClient().Ledger(cmd.Context(), args[0], ledgerLimit)
		if err != nil {
			return err
		}
		return render(cmd, entries, func(w io.Writer) {
			t := newTable("TIME", "TYPE", "AMOUNT", "RUNTIME", "DESCRIPTION")
			for _, e := range entries {
				t.Row(e.CreatedAt.Local().Format(timeLayout), e.Type, fmt.Sprintf("%+d", e.Amount), e.RuntimeID, e.Description)
			}
			fmt.Fprintln(w, t.Render())
		})
	},
}

func init() {
	creditsGrantCmd.Flags().StringVarP(&grantDescription, "description", "d", "", "Ledger description")
	creditsLedgerCmd.Flags().IntVar(&ledgerLimit, "limit", 0, "Maximum entries (default: server default)")

	creditsCmd.AddCommand(creditsGrantCmd, creditsBalanceCmd, creditsVerifyCmd, creditsLedgerCmd)
	rootCmd.AddCommand(creditsCmd)
}
