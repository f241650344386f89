package main

import (
	"fmt"

	"github.com/spf13/cobra"

	venturelink "github.com/venturelink/sdk/golang"
)

var loginName string

func init() {
	loginCmd.Flags().StringVar(&loginName, "name", "", "Display name used for optimistic messages")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a bearer token in ~/.venturelink/config.toml",
	Long:  "Store the chat bearer token in the local configuration file. The user id is taken from the token's sub claim when it is a JWT.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if sub := venturelink.TokenSubject(token); sub != "" {
			cfg.Auth.UserID = sub
		}
		if loginName != "" {
			cfg.Auth.UserName = loginName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("Token is opaque; set auth.user_id with 'venturelink config set'.")
		}
		return nil
	},
}
