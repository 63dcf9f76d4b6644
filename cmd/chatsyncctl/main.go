package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/session"
)

var (
	profileFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

// rootCmd is the chatsyncctl entry point
var rootCmd = &cobra.Command{
	Use:   "chatsyncctl",
	Short: "Control a running chatsync daemon",
	Long: `chatsyncctl talks to the chatsync daemon of a profile over its Unix socket.

The daemon (chatsyncd) keeps conversations, timelines, unread counters and
presence in sync with the chat server; this tool inspects that state and
sends messages through it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 15*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// dial connects to the daemon of the selected profile.
func dial() (*api.Client, error) {
	profile := session.Resolve(profileFlag)
	if err := session.ValidateName(profile); err != nil {
		return nil, err
	}
	c, err := api.Dial(session.SocketPath(profile))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", profile, err)
	}
	return c, nil
}

// withClient runs fn with a connected client and a request timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
