// File: cmd/cancel.go
// Description: Drops the cancel marker for a run. The running engine
// polls for it; cancellation is advisory and takes effect at the next
// poll, not instantly.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/observability"
	"github.com/xkilldash9x/promptpilot/internal/store"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a running run.",
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
		if err := st.RequestCancel(args[0]); err != nil {
			return err
		}
		fmt.Println("cancel requested:", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
