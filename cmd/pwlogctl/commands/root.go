// Package commands implements the pwlogctl operator CLI.
//
// pwlogctl talks to a running pwlog server through its admin API.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiAddr string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "pwlogctl",
	Short: "Manage a running pwlog server",
	Long: `pwlogctl inspects and manages a running pwlog server through its
admin API.

Use "pwlogctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8080", "pwlog admin API address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(invalidateCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// apiGet performs a GET against the admin API and decodes the JSON
// response into out.
func apiGet(path string, out any) error {
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(apiAddr + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// apiPost performs a POST against the admin API and decodes the JSON
// response into out (which may be nil).
func apiPost(path string, out any) error {
	client := &http.Client{Timeout: timeout}

	resp, err := client.Post(apiAddr+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, string(body))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
