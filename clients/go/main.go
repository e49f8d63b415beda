// kalenda CLI - command line client for a kalenda server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eldtechnologies/kalenda/clients/go/kalenda"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "kalenda",
		Short: "Command line client for a kalenda server",
		Long: `Command line client for a kalenda server.

The server URL is read from KALENDA_URL (default: http://localhost:8080).
Session, draft and clear-chats requests are signed with the operator key
from KALENDA_OPERATOR_KEY (base64 Ed25519 seed, printed by genkey).`,
		Version: Version,
	}
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(clearChatsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// clientFor builds a client and a context bounded by the --timeout flag.
func clientFor(cmd *cobra.Command) (*kalenda.Client, context.Context, context.CancelFunc, error) {
	client := kalenda.NewClient(os.Getenv("KALENDA_URL"))
	if key := os.Getenv("KALENDA_OPERATOR_KEY"); key != "" {
		if err := client.SetOperatorKey(key); err != nil {
			return nil, nil, nil, err
		}
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return client, ctx, cancel, nil
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [user] [message...]",
		Short: "Post an inbound message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := clientFor(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			media, _ := cmd.Flags().GetString("media")
			resp, err := client.Send(ctx, kalenda.Message{
				UserKey:  args[0],
				Text:     strings.Join(args[1:], " "),
				MediaURL: media,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d pending)\n", resp.Status, resp.Pending)
			return nil
		},
	}
	cmd.Flags().StringP("media", "m", "", "Attach a media URL (processed immediately)")
	return cmd
}

func sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session [user]",
		Short: "Show recent exchanges and draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := clientFor(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			resp, err := client.Session(ctx, args[0])
			if err != nil {
				return err
			}
			for _, ex := range resp.Exchanges {
				ts := ex.Timestamp.Local().Format("2006-01-02 15:04:05")
				fmt.Printf("[%s] user: %s\n", ts, ex.UserMessage)
				fmt.Printf("[%s]   ai: %s\n", ts, ex.AssistantMessage)
			}
			if len(resp.Draft) > 0 {
				fmt.Println("draft:")
				printJSON(resp.Draft)
			}
			return nil
		},
	}
}

func draftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft [user] [json]",
		Short: "Replace or discard a user's draft",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := clientFor(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			if del, _ := cmd.Flags().GetBool("delete"); del {
				if err := client.DeleteDraft(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Draft deleted")
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("draft JSON required (or pass --delete)")
			}

			var draft map[string]any
			if err := json.Unmarshal([]byte(args[1]), &draft); err != nil {
				return fmt.Errorf("draft must be a JSON object: %w", err)
			}
			resp, err := client.PutDraft(ctx, args[0], draft)
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().BoolP("delete", "d", false, "Discard the draft instead of replacing it")
	return cmd
}

func clearChatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-chats",
		Short: "Delete every user's history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := clientFor(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			n, err := client.ClearChats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %d histories\n", n)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show service statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := clientFor(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			resp, err := client.Stats(ctx)
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := clientFor(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			// A degraded server still reports its checks.
			resp, err := client.Health(ctx)
			if resp != nil && resp.Status != "" {
				printJSON(resp)
			}
			return err
		},
	}
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
