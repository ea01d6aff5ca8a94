package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tableforge/arbiter/pkg/client"
)

func clientCmd() *cobra.Command {
	var (
		url          string
		clientID     string
		token        string
		message      string
		speaker      string
		contextCount int
		timeoutSec   int
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a running arbiter as a probe client",
		Long: "Connects over WebSocket like a VTT frontend would: pings the server, " +
			"optionally submits a chat message, and requests a chat turn. Backend " +
			"tool frames are answered with empty stubs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			c, err := client.Dial(ctx, client.Options{
				URL:      url,
				ClientID: clientID,
				Token:    token,
			})
			if err != nil {
				return err
			}
			defer c.Close()

			rtt, err := c.Ping(ctx)
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			fmt.Printf("connected to %s as %s (rtt %s)\n", url, clientID, rtt.Round(time.Millisecond))

			if message == "" {
				return nil
			}

			if err := c.SendChat(ctx, speaker, message); err != nil {
				return fmt.Errorf("send chat: %w", err)
			}
			fmt.Printf("sent chat as %s, requesting turn...\n", speaker)

			reply, err := c.RequestChat(ctx, contextCount)
			if err != nil {
				return err
			}
			fmt.Printf("response: %s\n", reply)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:17320/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&clientID, "client-id", defaultClientID(), "client id for the handshake")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ARBITER_GATEWAY_TOKEN"), "gateway token")
	cmd.Flags().StringVarP(&message, "message", "m", "", "chat message to submit before requesting a turn")
	cmd.Flags().StringVar(&speaker, "speaker", "probe", "speaker name for the chat message")
	cmd.Flags().IntVar(&contextCount, "context-count", 15, "event window for the turn")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 120, "overall timeout in seconds")
	return cmd
}

func defaultClientID() string {
	host, err := os.Hostname()
	if err != nil {
		return "arbiter-probe"
	}
	return "probe-" + host
}
