package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/bdobrica/Hangar/common/environment"
	"github.com/bdobrica/Hangar/common/version"
	"github.com/bdobrica/Hangar/internal/hangar/api"
)

var (
	apiURL     string
	secret     string
	cronSecret string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "hangarctl",
	Short: "Operate a Hangar control plane",
	Long: `hangarctl talks to the Hangar control API: manage users and credits,
provision and stop agent runtimes, and trigger maintenance sweeps.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	// Flag defaults come from the environment, so .env has to be read first.
	_ = environment.LoadDotEnv()

	rootCmd.Version = version.Info()
	rootCmd.PersistentFlags().StringVar(&apiURL, "addr", environment.StringOr("HANGAR_API_URL", "http://127.0.0.1:8080"), "Control API base URL")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", environment.StringOr("HANGAR_INTERNAL_SECRET", ""), "Internal API secret")
	rootCmd.PersistentFlags().StringVar(&cronSecret, "cron-secret", environment.StringOr("HANGAR_CRON_SECRET", ""), "Secret for sweep routes")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output responses as raw JSON")
}

func newClient() *api.Client {
	return api.NewClient(apiURL, secret, api.WithCronSecret(cronSecret))
}

// render prints v as JSON when --json is set and calls human otherwise.
func render(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if outputJSON {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	human(w)
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00AA00"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#CC0000"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func statusCell(status string) string {
	switch status {
	case "RUNNING", "succeeded":
		return okStyle.Render(status)
	case "FAILED", "failed":
		return badStyle.Render(status)
	}
	return status
}

const timeLayout = "2006-01-02 15:04 MST"
