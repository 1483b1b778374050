package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relay-chat/relay-go"
)

var authPassword string

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	loginCmd.Flags().StringVarP(&authPassword, "password", "p", "", "Password (prompted if omitted)")
	registerCmd.Flags().StringVarP(&authPassword, "password", "p", "", "Password (prompted if omitted)")
}

// readPassword resolves the password from the flag, the RELAY_PASSWORD
// environment variable, or an interactive prompt, in that order.
func readPassword() (string, error) {
	if authPassword != "" {
		return authPassword, nil
	}
	if v := os.Getenv("RELAY_PASSWORD"); v != "" {
		return v, nil
	}
	fmt.Print("Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// persistSession stores the token and user identity in the config file so
// later invocations can resume without re-authenticating.
func persistSession(cfg *Config, res *relay.AuthResult) error {
	cfg.Auth.Token = res.Token
	cfg.Auth.UserID = res.User.ID
	cfg.Auth.Email = res.User.Email
	return saveConfig(cfg)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and persist the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		password, err := readPassword()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := newClient(cfg)
		res, err := client.Auth.Login(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := persistSession(cfg, res); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s\n", res.User.Email)
		if exp, err := relay.TokenExpiry(res.Token); err == nil {
			fmt.Printf("Session valid until %s\n", exp.Local().Format(time.RFC1123))
		}
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create an account and persist the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		password, err := readPassword()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := newClient(cfg)
		res, err := client.Auth.Register(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if err := persistSession(cfg, res); err != nil {
			return err
		}

		fmt.Printf("Registered and logged in as %s\n", res.User.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the persisted session identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		fmt.Printf("Email:   %s\n", cfg.Auth.Email)
		fmt.Printf("User ID: %s\n", cfg.Auth.UserID)
		if exp, err := relay.TokenExpiry(cfg.Auth.Token); err == nil {
			state := "valid"
			if time.Now().After(exp) {
				state = "expired"
			}
			fmt.Printf("Session: %s (until %s)\n", state, exp.Local().Format(time.RFC1123))
		}
		return nil
	},
}
