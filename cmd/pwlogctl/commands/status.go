package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/pwlog/internal/cli/output"
	"github.com/marmos91/pwlog/pkg/writelog"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show write log status",
	Long: `Display the state of the running write log: ring occupancy, dirty
entries, lane usage, and durability mode.

Examples:
  # Human-readable table
  pwlogctl status

  # JSON for scripting
  pwlogctl status -o json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	var stats writelog.Stats
	if err := apiGet("/api/v1/stats", &stats); err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, stats)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, stats)
	}

	mode := "persist-on-write"
	if stats.PersistOnFlush {
		mode = "persist-on-flush"
	}

	return output.SimpleTable(os.Stdout, [][2]string{
		{"Mode", mode},
		{"Sync generation", strconv.FormatUint(stats.SyncGen, 10)},
		{"Ring entries", fmt.Sprintf("%d/%d free", stats.FreeEntries, stats.TotalEntries)},
		{"Ring pointers", fmt.Sprintf("valid=%d free=%d", stats.FirstValid, stats.FirstFree)},
		{"Live entries", strconv.Itoa(stats.LiveEntries)},
		{"Dirty entries", strconv.Itoa(stats.DirtyEntries)},
		{"Map entries", strconv.Itoa(stats.MapEntries)},
		{"Free lanes", strconv.FormatUint(uint64(stats.FreeLanes), 10)},
		{"Deferred writes", strconv.Itoa(stats.DeferredOps)},
		{"Payload free", humanize.IBytes(stats.PayloadFree)},
	})
}
