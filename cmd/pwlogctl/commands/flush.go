package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Write every dirty entry back to the image",
	Long: `Force a full writeback: every dirty log entry is written down to the
lower image. The command returns once the log is clean.`,
	RunE: runFlush,
}

func runFlush(cmd *cobra.Command, args []string) error {
	var result struct {
		Status     string `json:"status"`
		DurationMs int64  `json:"duration_ms"`
	}
	if err := apiPost("/api/v1/flush", &result); err != nil {
		return err
	}

	fmt.Printf("Flush complete in %dms\n", result.DurationMs)
	return nil
}
