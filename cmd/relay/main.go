package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	relay "github.com/relay-chat/relay-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.relay/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL        string `toml:"base_url"`
	UserServiceURL string `toml:"user_service_url"`
	ChatServiceURL string `toml:"chat_service_url"`
}

// ConfigAuth holds the persisted session.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
	Email  string `toml:"email"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.relay, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".relay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "user_service_url":
			cfg.Default.UserServiceURL = value
		case "chat_service_url":
			cfg.Default.ChatServiceURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "email":
			cfg.Auth.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Client construction
// ============================================================================

// resolveBaseURL applies precedence: environment, then config file, then the
// built-in default.
func resolveBaseURL(cfg *Config) (base, userSvc, chatSvc string) {
	base = cfg.Default.BaseURL
	userSvc = cfg.Default.UserServiceURL
	chatSvc = cfg.Default.ChatServiceURL
	if v := os.Getenv("RELAY_BASE_URL"); v != "" {
		base = v
	}
	if v := os.Getenv("RELAY_USER_SERVICE_URL"); v != "" {
		userSvc = v
	}
	if v := os.Getenv("RELAY_CHAT_SERVICE_URL"); v != "" {
		chatSvc = v
	}
	return base, userSvc, chatSvc
}

// newClient builds a REST client from the resolved configuration.
func newClient(cfg *Config) *relay.Client {
	base, userSvc, chatSvc := resolveBaseURL(cfg)
	var opts []relay.ClientOption
	if base != "" {
		opts = append(opts, relay.WithBaseURL(base))
	}
	if userSvc != "" {
		opts = append(opts, relay.WithUserServiceURL(userSvc))
	}
	if chatSvc != "" {
		opts = append(opts, relay.WithChatServiceURL(chatSvc))
	}
	return relay.NewClient(opts...)
}

// newAuthedClient builds a client carrying the persisted session token. It
// fails fast when no session is stored or the token has expired.
func newAuthedClient(cfg *Config) (*relay.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("not logged in (run 'relay login <email>')")
	}
	if relay.TokenExpired(cfg.Auth.Token) {
		return nil, fmt.Errorf("stored session expired (run 'relay login <email>')")
	}
	client := newClient(cfg)
	client.SetToken(cfg.Auth.Token)
	return client, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay chat CLI",
	Long:  "Command-line interface for the Relay chat platform.\nManage your account, groups, and contacts, send messages, and watch conversations live.",
}

func main() {
	// A .env in the working directory can supply RELAY_* overrides.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
