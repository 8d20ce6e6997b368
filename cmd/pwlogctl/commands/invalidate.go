package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/pwlog/internal/cli/prompt"
)

var invalidateYes bool

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Flush the log and drop every cached entry",
	Long: `Invalidate the write log: dirty entries are flushed to the image
first, then every cached entry is dropped and its space reclaimed.

Subsequent reads are served entirely from the lower image until new
writes repopulate the log.`,
	RunE: runInvalidate,
}

func init() {
	invalidateCmd.Flags().BoolVarP(&invalidateYes, "yes", "y", false, "Skip confirmation prompt")
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	if !invalidateYes {
		ok, err := prompt.Confirm("Invalidate the write log cache?", false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := apiPost("/api/v1/invalidate", nil); err != nil {
		return err
	}

	fmt.Println("Write log invalidated.")
	return nil
}
