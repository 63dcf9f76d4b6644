package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/model"
)

var (
	openUserFlag      string
	messagesLimitFlag int
	sendFilesFlag     []string
	searchUsersFlag   bool
	searchConvFlag    string
	searchLimitFlag   int
)

// statusCmd shows daemon status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and push channel status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// conversationsCmd lists the conversation directory
var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE:    runConversations,
}

var openCmd = &cobra.Command{
	Use:   "open [conversation-id]",
	Short: "Open a conversation (or start one with --user)",
	Long: `Make a conversation the active one. The daemon polls the active
conversation's messages and marks inbound messages read as they arrive.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOpen,
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Deactivate the open conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.CloseConversation(ctx)
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the timeline of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runMessages,
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message",
	Long: `Send a text message, optionally with attachments (--file, repeatable).
Messages with attachments always go over REST. A failed send is kept and can
be retried with 'chatsyncctl retry'.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

var retryCmd = &cobra.Command{
	Use:   "retry <conversation-id> <temp-id>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(2),
	RunE:  runRetry,
}

var discardCmd = &cobra.Command{
	Use:   "discard <conversation-id> <temp-id>",
	Short: "Drop a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			if err := c.Discard(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Discarded %s\n", args[1])
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			n, err := c.MarkRead(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Marked %d message(s) read\n", n)
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search cached messages (or users with --users)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace...]",
	Short: "Stream daemon events (e.g. timeline. unread. presence.)",
	RunE:  runWatch,
}

func init() {
	openCmd.Flags().StringVar(&openUserFlag, "user", "", "open the conversation with this user id")
	messagesCmd.Flags().IntVar(&messagesLimitFlag, "limit", 50, "number of messages to show")
	sendCmd.Flags().StringArrayVar(&sendFilesFlag, "file", nil, "attach a file (repeatable)")
	searchCmd.Flags().BoolVar(&searchUsersFlag, "users", false, "search the server's user directory")
	searchCmd.Flags().StringVar(&searchConvFlag, "conversation", "", "restrict message search to one conversation")
	searchCmd.Flags().IntVar(&searchLimitFlag, "limit", 20, "maximum results")

	rootCmd.AddCommand(statusCmd, conversationsCmd, openCmd, closeCmd, messagesCmd,
		sendCmd, retryCmd, discardCmd, readCmd, searchCmd, watchCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(ctx context.Context, c *api.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(st)
			return nil
		}
		fmt.Printf("Profile:       %s\n", st.Profile)
		fmt.Printf("Push:          %s (since %s)\n", st.PushState, st.PushStateSince.Local().Format(time.TimeOnly))
		fmt.Printf("Uptime:        %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
		fmt.Printf("Conversations: %d\n", st.Conversations)
		fmt.Printf("Unread:        %d\n", st.UnreadTotal)
		if st.ActiveConversation != "" {
			fmt.Printf("Active:        %s\n", st.ActiveConversation)
		}
		fmt.Printf("Online:        %d\n", len(st.Online))
		if st.Cache != nil {
			fmt.Printf("Cache:         %d conversations, %d messages, %d failed sends\n",
				st.Cache.Conversations, st.Cache.Messages, st.Cache.FailedSends)
		}
		return nil
	})
}

func runConversations(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(ctx context.Context, c *api.Client) error {
		convs, err := c.Conversations(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(convs)
			return nil
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, conv := range convs {
			name := conv.Participant.Name
			if name == "" {
				name = conv.Participant.ID
			}
			unread := ""
			if conv.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d)", conv.UnreadCount)
			}
			online := " "
			if conv.Online {
				online = "*"
			}
			fmt.Printf("%s %-24s %-20s%s  %s\n", online, conv.ID, name, unread, conv.LastMessage)
		}
		return nil
	})
}

func runOpen(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (openUserFlag == "") {
		return errors.New("give either a conversation id or --user")
	}
	return withClient(cmd, func(ctx context.Context, c *api.Client) error {
		var (
			conv model.Conversation
			err  error
		)
		if openUserFlag != "" {
			conv, err = c.OpenWithUser(ctx, openUserFlag)
		} else {
			conv, err = c.Open(ctx, args[0])
		}
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(conv)
			return nil
		}
		fmt.Printf("Opened %s with %s\n", conv.ID, conv.Participant.ID)
		return nil
	})
}

func runMessages(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *api.Client) error {
		msgs, more, err := c.Messages(ctx, args[0], messagesLimitFlag)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(msgs)
			return nil
		}
		if more {
			fmt.Println("...")
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	})
}

func printMessage(m model.Message) {
	state := ""
	switch m.State() {
	case model.StatePending:
		state = " [sending]"
	case model.StateFailed:
		state = " [failed: " + m.ID + "]"
	}
	fmt.Printf("%s %-12s %s%s\n", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.Content, state)
	for _, a := range m.Attachments {
		fmt.Printf("    + %s (%d bytes)\n", a.Filename, a.Size)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	text := ""
	if len(args) == 2 {
		text = args[1]
	}
	files, err := readFiles(sendFilesFlag)
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *api.Client) error {
		res, err := c.Send(ctx, args[0], text, files)
		if err != nil {
			return err
		}
		return reportSend(res)
	})
}

func runRetry(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *api.Client) error {
		res, err := c.Retry(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return reportSend(res)
	})
}

func reportSend(res api.SendResult) error {
	if jsonFlag {
		outputJSON(res)
	}
	if res.Failed() {
		if !jsonFlag {
			fmt.Printf("Send failed (%s): %s\nRetry with: chatsyncctl retry %s %s\n",
				res.ErrorCode, res.Error, res.Message.ConversationID, res.Message.ID)
		}
		return fmt.Errorf("send failed: %s", res.ErrorCode)
	}
	if !jsonFlag {
		fmt.Printf("Sent %s\n", res.Message.ID)
	}
	return nil
}

func readFiles(paths []string) ([]api.FileArg, error) {
	files := make([]api.FileArg, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, api.FileArg{
			Name:     filepath.Base(p),
			MimeType: mime.TypeByExtension(filepath.Ext(p)),
			Data:     data,
		})
	}
	return files, nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *api.Client) error {
		if searchUsersFlag {
			users, err := c.SearchUsers(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(users)
				return nil
			}
			for _, u := range users {
				fmt.Printf("%-24s %s\n", u.ID, u.Name)
			}
			return nil
		}

		results, err := c.SearchMessages(ctx, args[0], searchConvFlag, searchLimitFlag)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(results)
			return nil
		}
		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, r := range results {
			snippet := strings.NewReplacer("<<", "\x1b[1m", ">>", "\x1b[0m").Replace(r.Snippet)
			fmt.Printf("%s %-20s %s\n", r.Message.CreatedAt.Local().Format(time.DateTime), r.Message.ConversationID, snippet)
		}
		return nil
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := c.Watch(ctx, args...)
	if err != nil {
		return err
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if jsonFlag {
			outputJSON(evt)
			continue
		}
		fmt.Printf("%s %-24s %s\n", evt.OccurredAt.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
	}
}
