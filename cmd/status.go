// File: cmd/status.go
// Description: Reads the file-based run records another process wrote.
// Works entirely from the shared runs directory; the running engine is
// never contacted.

package cmd

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/observability"
	"github.com/xkilldash9x/promptpilot/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Print the persisted status (and result, when done) of a run.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadUnvalidated(viper.GetViper())
		if err != nil {
			return err
		}
		st, err := store.New(cfg.Runs.Dir, observability.GetLogger())
		if err != nil {
			return err
		}

		runID := args[0]
		status, err := st.LoadStatus(runID)
		if err != nil {
			return err
		}

		out := map[string]any{"status": status, "done": st.Done(runID)}
		if st.Done(runID) {
			if result, err := st.LoadResult(runID); err == nil {
				out["result"] = result
			}
		}

		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
