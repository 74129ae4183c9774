// File: cmd/run.go
// Description: The run subcommand: submit one prompt, wait for the reply,
// print it to stdout. All diagnostics go to stderr through the logger so
// stdout carries only the result (or the JSON outcome with --json).

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/browser"
	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/focus"
	"github.com/xkilldash9x/promptpilot/internal/observability"
	"github.com/xkilldash9x/promptpilot/internal/orchestrator"
	"github.com/xkilldash9x/promptpilot/internal/recovery"
	"github.com/xkilldash9x/promptpilot/internal/store"
	"github.com/xkilldash9x/promptpilot/internal/uploader"
)

var runFlags struct {
	runID        string
	promptFile   string
	attachments  []string
	conversation string
	attempts     int
	timeout      time.Duration
	allowRestart bool
	forceKill    bool
	visible      bool
	jsonOut      bool
}

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Submit a prompt and print the extracted reply.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.runID, "id", "", "run identifier (generated when empty)")
	f.StringVar(&runFlags.promptFile, "prompt-file", "", "read the prompt from a file instead of the argument")
	f.StringSliceVar(&runFlags.attachments, "attach", nil, "file to attach (repeatable)")
	f.StringVar(&runFlags.conversation, "conversation", "", "existing conversation URL to continue")
	f.IntVar(&runFlags.attempts, "attempts", 1, "maximum submission attempts")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "per-attempt reply timeout (default from config)")
	f.BoolVar(&runFlags.allowRestart, "allow-restart", false, "authorize recovery to restart the browser")
	f.BoolVar(&runFlags.forceKill, "force-kill", false, "authorize a process kill when a restart hangs")
	f.BoolVar(&runFlags.visible, "visible", false, "run the browser with a visible window")
	f.BoolVar(&runFlags.jsonOut, "json", false, "print the full outcome as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := observability.GetLogger()

	prompt, err := resolvePrompt(args)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.Runs.Dir, logger)
	if err != nil {
		return err
	}

	rc := schemas.RunConfig{
		ID:              runFlags.runID,
		Prompt:          prompt,
		ConversationURL: runFlags.conversation,
		MaxAttempts:     runFlags.attempts,
		Timeout:         runFlags.timeout,
		AllowRestart:    runFlags.allowRestart,
		ForceKill:       runFlags.forceKill,
		Visible:         runFlags.visible,
	}
	for _, path := range runFlags.attachments {
		rc.Attachments = append(rc.Attachments, schemas.Attachment{
			Path:        path,
			DisplayName: filepath.Base(path),
		})
	}
	if rc.ID == "" {
		rc.ID = schemas.NewRunID()
	}
	fmt.Fprintln(os.Stderr, "run id:", rc.ID)

	launcher := browser.NewLauncher(cfg.Browser, logger)
	defer launcher.Shutdown()
	rec := recovery.NewController(cfg.Recovery, cfg.Browser.ProfileDir, launcher, st, logger)
	orch := orchestrator.New(cfg, launcher, st, uploader.New(cfg.Chat, logger), focus.New(logger), rec, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	outcome := orch.RunOnce(ctx, rc)

	if runFlags.jsonOut {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			return err
		}
	} else if outcome.Kind == schemas.OutcomeCompleted {
		fmt.Println(outcome.Content)
	}

	switch outcome.Kind {
	case schemas.OutcomeCompleted:
		return nil
	case schemas.OutcomeNeedsUser:
		logger.Warn("Run needs user action.",
			zap.String("reason", string(outcome.Reason)), zap.String("detail", outcome.Detail))
		return fmt.Errorf("run %s needs user action: %s", rc.ID, outcome.Reason)
	case schemas.OutcomeCanceled:
		return fmt.Errorf("run %s canceled", rc.ID)
	default:
		return fmt.Errorf("run %s failed: %w", rc.ID, outcome.Err)
	}
}

// resolvePrompt picks the prompt from the argument, the prompt file, or
// stdin (when piped), in that order.
func resolvePrompt(args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}
	if runFlags.promptFile != "" {
		data, err := os.ReadFile(runFlags.promptFile)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt file: %w", err)
		}
		return string(data), nil
	}
	if info, err := os.Stdin.Stat(); err == nil && info.Mode()&os.ModeCharDevice == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err == nil && len(data) > 0 {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("no prompt given; pass it as an argument, --prompt-file, or stdin")
}
