package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hangar/internal/hangar/api"
)

var runtimeCmd = &cobra.Command{
	Use:     "runtime",
	Aliases: []string{"rt"},
	Short:   "Provision and manage agent runtimes",
}

var (
	provisionHours int
	provisionAsync bool
	extendHours    int
	logsTail       int
)

var runtimeProvisionCmd = &cobra.Command{
	Use:   "provision [user] [agent]",
	Short: "Provision a runtime and charge the user up front",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		u, err := c.GetUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		req := api.ProvisionRequest{
			UserID:    u.ID,
			Username:  u.Username,
			AgentSlug: args[1],
			Hours:     provisionHours,
		}

		if provisionAsync {
			task, err := c.EnqueueProvision(cmd.Context(), req)
			if err != nil {
				return err
			}
			return render(cmd, task, func(w io.Writer) {
				fmt.Fprintf(w, "Queued provisioning task %s\n", task.ID)
				fmt.Fprintf(w, "Follow it with: hangarctl runtime task %s\n", task.ID)
			})
		}

		h, err := c.Provision(cmd.Context(), req)
		if err != nil {
			return err
		}
		return render(cmd, h, func(w io.Writer) {
			fmt.Fprintf(w, "Runtime %s is up at %s\n", h.RuntimeID, h.URL)
			fmt.Fprintf(w, "Charged %d credits; paid until %s\n", h.CreditsCharged, h.PaidUntil.Local().Format(timeLayout))
			if h.Credential != "" {
				fmt.Fprintf(w, "Credential (shown once): %s\n", h.Credential)
			}
		})
	},
}

var runtimeShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a runtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newClient().GetRuntime(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, rt, func(w io.Writer) {
			fmt.Fprintf(w, "Runtime:    %s\n", rt.ID)
			fmt.Fprintf(w, "User:       %s\n", rt.UserID)
			fmt.Fprintf(w, "Agent:      %s\n", rt.AgentSlug)
			fmt.Fprintf(w, "Status:     %s\n", statusCell(rt.Status))
			fmt.Fprintf(w, "URL:        %s\n", rt.URL)
			fmt.Fprintf(w, "Charged:    %d credits\n", rt.CreditsCharged)
			fmt.Fprintf(w, "Paid until: %s", rt.PaidUntil.Local().Format(timeLayout))
			if rt.Status == "RUNNING" {
				fmt.Fprintf(w, " (%s left)", time.Until(rt.PaidUntil).Truncate(time.Minute))
			}
			fmt.Fprintln(w)
			if rt.StoppedAt != nil {
				fmt.Fprintf(w, "Stopped at: %s\n", rt.StoppedAt.Local().Format(timeLayout))
			}
			if rt.LastError != "" {
				fmt.Fprintf(w, "Last error: %s\n", rt.LastError)
			}
		})
	},
}

var runtimeStopCmd = &cobra.Command{
	Use:   "stop [id]",
	Short: "Stop a runtime and refund its unused time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().StopRuntime(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, res, func(w io.Writer) {
			if res.NoOp {
				fmt.Fprintf(w, "Runtime %s was already %s\n", args[0], res.Status)
				return
			}
			fmt.Fprintf(w, "Runtime %s stopped; refunded %d credits\n", args[0], res.Refund)
		})
	},
}

var runtimeExtendCmd = &cobra.Command{
	Use:   "extend [id]",
	Short: "Buy more hours for a running runtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().ExtendRuntime(cmd.Context(), args[0], extendHours)
		if err != nil {
			return err
		}
		return render(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Charged %d credits; paid until %s\n", res.CreditsCharged, res.NewExpiry.Local().Format(timeLayout))
		})
	},
}

var runtimeEnsureCmd = &cobra.Command{
	Use:   "ensure [id]",
	Short: "Start or unpause a runtime that should be running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := newClient().EnsureRunning(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, api.EnsureResult{Action: action}, func(w io.Writer) {
			fmt.Fprintf(w, "Runtime %s: %s\n", args[0], action)
		})
	},
}

var runtimeLogsCmd = &cobra.Command{
	Use:   "logs [id]",
	Short: "Print the tail of a runtime's logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logs, err := newClient().Logs(cmd.Context(), args[0], logsTail)
		if err != nil {
			return err
		}
		return render(cmd, api.Logs{Logs: logs}, func(w io.Writer) {
			fmt.Fprint(w, logs)
		})
	},
}

var runtimeTaskCmd = &cobra.Command{
	Use:   "task [task-id]",
	Short: "Show an asynchronous provisioning task",
	Long: `Show a provisioning task. For agents with a credential, the first read
after success prints it; later reads do not.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := newClient().GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, task, func(w io.Writer) {
			fmt.Fprintf(w, "Task %s: %s (attempts %d)\n", task.ID, statusCell(task.Status), task.Attempts)
			if task.RuntimeID != "" {
				fmt.Fprintf(w, "Runtime %s at %s\n", task.RuntimeID, task.URL)
			}
			if task.Credential != "" {
				fmt.Fprintf(w, "Credential (shown once): %s\n", task.Credential)
			}
			if task.LastError != "" {
				fmt.Fprintf(w, "Last error: %s\n", task.LastError)
			}
		})
	},
}

func init() {
	runtimeProvisionCmd.Flags().IntVar(&provisionHours, "hours", 1, "Hours to pay for")
	runtimeProvisionCmd.Flags().BoolVar(&provisionAsync, "async", false, "Queue the provision and return a task id")
	runtimeExtendCmd.Flags().IntVar(&extendHours, "hours", 1, "Hours to add")
	runtimeLogsCmd.Flags().IntVar(&logsTail, "tail", 0, "Lines to return (default: server default)")

	runtimeCmd.AddCommand(runtimeProvisionCmd, runtimeShowCmd, runtimeStopCmd, runtimeExtendCmd,
		runtimeEnsureCmd, runtimeLogsCmd, runtimeTaskCmd)
	rootCmd.AddCommand(runtimeCmd)
}
