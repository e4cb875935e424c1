package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/heartline/chatsync"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configUnsetCmd, configPathCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, token included")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the effective configuration with defaults filled in and the token masked.\nUse --raw to print the file as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !configShowRaw {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			writeEffectiveConfig(os.Stdout, cfg, time.Now())
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init <base-url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one stored configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		value, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.log_level debug",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], args[1], func() { fmt.Printf("Set %s = %s\n", args[0], args[1]) })
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], "", func() { fmt.Printf("Unset %s\n", args[0]) })
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

func updateConfig(key, value string, done func()) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	done()
	if warning := credentialWarning(cfg, key, time.Now()); warning != "" {
		fmt.Fprintln(os.Stderr, "Warning:", warning)
	}
	return nil
}

func getConfigValue(cfg *Config, key string) (string, error) {
	values := map[string]string{
		"default.base_url":   cfg.Default.BaseURL,
		"default.log_format": cfg.Default.LogFormat,
		"default.log_level":  cfg.Default.LogLevel,
		"auth.token":         cfg.Auth.Token,
		"auth.user_id":       cfg.Auth.UserID,
		"auth.name":          cfg.Auth.Name,
		"auth.token_expires": cfg.Auth.TokenExpires,
	}
	value, ok := values[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return value, nil
}

// credentialWarning reports a stored token that cannot be used to connect
// after key was changed by hand.
func credentialWarning(cfg *Config, key string, now time.Time) string {
	if key != "auth.token" && key != "auth.user_id" {
		return ""
	}
	cred := chatsync.Credential{Identity: cfg.Auth.UserID, Token: cfg.Auth.Token}
	if cred.Token == "" || cred.Identity == "" {
		return ""
	}
	if err := cred.Validate(now); err != nil {
		return fmt.Sprintf("the stored token cannot be used for %s: %v", cred.Identity, err)
	}
	return ""
}

// writeEffectiveConfig prints the settings commands will actually use.
func writeEffectiveConfig(w io.Writer, cfg *Config, now time.Time) {
	withDefault := func(val, def string) string {
		if val == "" {
			return def + " (default)"
		}
		return val
	}
	fmt.Fprintln(w, "[default]")
	fmt.Fprintf(w, "base_url   = %s\n", withDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
	fmt.Fprintf(w, "log_format = %s\n", withDefault(cfg.Default.LogFormat, "text"))
	fmt.Fprintf(w, "log_level  = %s\n", withDefault(cfg.Default.LogLevel, "warn"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[auth]")
	fmt.Fprintf(w, "user_id    = %s\n", valueOrDefault(cfg.Auth.UserID, "(signed out)"))
	if cfg.Auth.Name != "" {
		fmt.Fprintf(w, "name       = %s\n", cfg.Auth.Name)
	}
	cred := chatsync.Credential{Identity: cfg.Auth.UserID, Token: cfg.Auth.Token}
	fmt.Fprintf(w, "token      = %s\n", tokenStatus(cred, now))
}
