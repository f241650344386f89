package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	venturelink "github.com/venturelink/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the current configuration, check whether the token has expired, and count the conversations visible to it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := getClient(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", client.BaseURL())
		fmt.Printf("  Realtime URL: %s\n", realtimeURL(cfg, client))
		path, _ := cachePath(cfg)
		fmt.Printf("  Cache:        %s\n", path)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(selfID(cfg), "(not set)"))
		fmt.Printf("  User Name:    %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))

		tok := cfg.token()
		if tok == "" {
			fmt.Println("  Token:        (not set)")
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if strings.Count(tok, ".") == 2 {
			creds := &venturelink.JWTCredentials{Source: venturelink.StaticToken(tok)}
			if _, err := creds.Token(ctx); err != nil {
				fmt.Printf("  Token:        %s (%v)\n", maskKey(tok), err)
				return nil
			}
			fmt.Printf("  Token:        %s (valid)\n", maskKey(tok))
		} else {
			fmt.Printf("  Token:        %s (opaque)\n", maskKey(tok))
		}

		fmt.Println()
		fmt.Println("Live status:")
		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
