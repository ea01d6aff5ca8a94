package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tableforge/arbiter/internal/archive"
	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/internal/config"
)

func archiveCmd() *cobra.Command {
	var (
		clientID string
		since    int64
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "List archived table events for a client",
		Long: "Reads the sqlite event archive and prints events as JSON lines, " +
			"oldest first. Safe against a running server; sqlite permits " +
			"concurrent readers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			store, err := archive.Open(config.ExpandHome(cfg.Archive.Path), slog.Default())
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.Events(clientID, since, limit)
			if err != nil {
				return err
			}
			for _, e := range events {
				fmt.Println(formatArchiveEvent(e))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "client id to list events for")
	cmd.Flags().Int64Var(&since, "since", 0, "only events newer than this ms timestamp")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to print")
	cmd.MarkFlagRequired("client")
	return cmd
}

func formatArchiveEvent(e collector.Entry) string {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return fmt.Sprintf(`{"kind":%q,"ts":%d,"payload":%s}`, e.Kind, e.Timestamp, payload)
}
