package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hangar/internal/hangar/api"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var (
	userUsername string
	userBalance  int64
	userBypass   bool
)

var userCreateCmd = &cobra.Command{
	Use:   "create [id]",
	Short: "Create a user with an opening balance",
	Long: `Create a user. The id is generated by the server when omitted;
--username defaults to the id.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.CreateUserRequest{
			Username:       userUsername,
			OpeningBalance: userBalance,
			Bypass:         userBypass,
		}
		if len(args) == 1 {
			req.ID = args[0]
		}
		if req.Username == "" {
			req.Username = req.ID
		}
		if req.Username == "" {
			return fmt.Errorf("--username is required when no id is given")
		}
		u, err := newClient().CreateUser(cmd.Context(), req)
		if err != nil {
			return err
		}
		return render(cmd, u, func(w io.Writer) {
			fmt.Fprintf(w, "Created user %s (%s) with %d credits\n", u.ID, u.Username, u.Balance)
		})
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := newClient().GetUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, u, func(w io.Writer) {
			fmt.Fprintf(w, "User:    %s (%s)\n", u.ID, u.Username)
			fmt.Fprintf(w, "Balance: %d credits\n", u.Balance)
			if u.Bypass {
				fmt.Fprintln(w, "Bypass:  yes")
			}
		})
	},
}

var userRuntimesCmd = &cobra.Command{
	Use:   "runtimes [id]",
	Short: "List a user's runtimes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rts, err := newClient().UserRuntimes(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, rts, func(w io.Writer) {
			t := newTable("ID", "AGENT", "STATUS", "CHARGED", "PAID_UNTIL", "URL")
			for _, rt := range rts {
				t.Row(rt.ID, rt.AgentSlug, statusCell(rt.Status), strconv.FormatInt(rt.CreditsCharged, 10),
					rt.PaidUntil.Local().Format(timeLayout), rt.URL)
			}
			fmt.Fprintln(w, t.Render())
			fmt.Fprintf(w, "%d runtime(s)\n", len(rts))
		})
	},
}

func init() {
	userCreateCmd.Flags().StringVar(&userUsername, "username", "", "Username used for subdomains (default: the id)")
	userCreateCmd.Flags().Int64Var(&userBalance, "balance", 0, "Opening credit balance")
	userCreateCmd.Flags().BoolVar(&userBypass, "bypass", false, "Exempt the user from credit charges")

	userCmd.AddCommand(userCreateCmd, userShowCmd, userRuntimesCmd)
	rootCmd.AddCommand(userCmd)
}
