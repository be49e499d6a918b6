package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/halbridge/halbridge/pkg/server"
	"github.com/spf13/cobra"
)

var (
	askSession string
	askJSON    bool
)

var askCmd = &cobra.Command{
	Use:   "ask <text...>",
	Short: "Run one utterance through the pipeline and print the outcome",
	Example: `  halbridge ask "turn on light 2"
  halbridge ask --json "open onet"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "session ID for conversation history")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full response as JSON")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := loadConfig()
	cfg.Webhooks.URLs = nil

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}
	defer srv.Close(ctx)

	resp, err := srv.Pipeline.Process(ctx, models.Utterance{
		ID:        uuid.NewString(),
		Text:      strings.Join(args, " "),
		Source:    "cli",
		SessionID: askSession,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(out, resp.Message)
	if resp.ErrorCode != "" {
		return fmt.Errorf("%s", resp.ErrorCode)
	}
	return nil
}
