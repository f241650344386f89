package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	venturelink "github.com/venturelink/sdk/golang"
	"github.com/venturelink/sdk/golang/sqlitecache"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// history
	historyLimit  int
	historyBefore string
	historyJSON   bool

	// send
	sendReplyTo string
	sendJSON    bool

	// create
	createKind    string
	createTitle   string
	createMembers string
	createMessage string
	createJSON    bool

	// search
	searchConversation string
	searchLimit        int
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		venturelink.SortConversations(convs)
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Println(formatConversation(c))
		}
		return nil
	},
}

func formatConversation(c venturelink.Conversation) string {
	var b strings.Builder
	if c.Pinned {
		b.WriteString("* ")
	}
	b.WriteString(c.ID)
	b.WriteString("  ")
	b.WriteString(valueOrDefault(c.Title, string(c.Kind)))
	if c.UnreadCount > 0 {
		fmt.Fprintf(&b, " (%d unread)", c.UnreadCount)
	}
	if c.LastMessage != nil {
		fmt.Fprintf(&b, "  [%s] %s", c.LastMessage.CreatedAt.Local().Format(time.DateTime), truncate(c.LastMessage.Content, 60))
	}
	return b.String()
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.FetchHistory(ctx, args[0], historyBefore, historyLimit)
		if err != nil {
			cached, cerr := cachedHistory(ctx, cfg, args[0])
			if cerr != nil || len(cached.Messages) == 0 {
				return fmt.Errorf("request failed: %w", err)
			}
			logger.Warn().Err(err).Msg("showing cached history")
			page = cached
		}
		if historyJSON {
			return printJSON(page)
		}
		if len(page.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range page.Messages {
			fmt.Println(formatMessage(m))
		}
		if page.HasMore {
			fmt.Printf("\nOlder messages available: --before %s\n", page.Messages[0].ID)
		}
		return nil
	},
}

// cachedHistory reads the newest page of a conversation from the local cache.
// --before is ignored here; the cache pages by time, not by server id.
func cachedHistory(ctx context.Context, cfg *Config, conversationID string) (*venturelink.HistoryPage, error) {
	path, err := cachePath(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := sqlitecache.Open(path)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	msgs, err := cache.Messages(ctx, conversationID, historyLimit, time.Time{})
	if err != nil {
		return nil, err
	}
	return &venturelink.HistoryPage{Messages: msgs}, nil
}

func formatMessage(m venturelink.ChatMessage) string {
	sender := valueOrDefault(m.SenderName, m.SenderID)
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.DateTime), sender, m.Content)
	for _, a := range m.Attachments {
		line += fmt.Sprintf("\n    attachment: %s <%s>", a.Name, a.URL)
	}
	return line
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message through the REST API",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var opts *venturelink.SendOptions
		if sendReplyTo != "" {
			opts = &venturelink.SendOptions{ReplyTo: sendReplyTo}
		}
		msg, err := client.SendMessage(ctx, args[0], strings.Join(args[1:], " "), opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (id: %s)\n", msg.ID)
		return nil
	},
}

// ============================================================================
// create
// ============================================================================

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if createMembers == "" {
			return fmt.Errorf("--members is required")
		}
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var members []string
		for _, m := range strings.Split(createMembers, ",") {
			if m = strings.TrimSpace(m); m != "" {
				members = append(members, m)
			}
		}
		conv, err := client.CreateConversation(ctx, venturelink.CreateConversationOptions{
			Kind:           venturelink.ConversationKind(createKind),
			Title:          createTitle,
			ParticipantIDs: members,
			InitialMessage: createMessage,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if createJSON {
			return printJSON(conv)
		}
		fmt.Printf("Conversation created (id: %s)\n", conv.ID)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id> <message-id>...",
	Short: "Mark messages as read",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(mustConfig())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, args[0], args[1:]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %d message(s) as read.\n", len(args)-1)
		return nil
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search messages in the local cache",
	Long:  "Search messages stored in the local SQLite cache. The cache is filled by 'venturelink listen'.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, err := cachePath(cfg)
		if err != nil {
			return err
		}
		cache, err := sqlitecache.Open(path)
		if err != nil {
			return err
		}
		defer cache.Close()

		msgs, err := cache.SearchMessages(context.Background(), strings.Join(args, " "), searchConversation, searchLimit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("%s  %s\n", m.ConversationID, formatMessage(m))
		}
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of messages to return")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "Return messages older than this message id")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Id of the message being replied to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	createCmd.Flags().StringVar(&createKind, "kind", string(venturelink.KindDirect), "Conversation kind: direct, group or escrow")
	createCmd.Flags().StringVar(&createTitle, "title", "", "Conversation title")
	createCmd.Flags().StringVar(&createMembers, "members", "", "Comma-separated list of participant user IDs")
	createCmd.Flags().StringVar(&createMessage, "message", "", "Initial message")
	createCmd.Flags().BoolVar(&createJSON, "json", false, "Output JSON")

	searchCmd.Flags().StringVar(&searchConversation, "conversation", "", "Limit the search to one conversation")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(searchCmd)
}
