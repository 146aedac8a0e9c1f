package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/cliprelay/internal/logging"
)

// envKeyReplacer maps flag names like max-sessions to CLIPRELAY_MAX_SESSIONS.
var envKeyReplacer = strings.NewReplacer("-", "_")

// bindViper wires a command's flags into a viper instance with the standard
// config file search order and CLIPRELAY_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → .env → CLIPRELAY_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	if err := loadEnvFile(cmd); err != nil {
		return err
	}

	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("cliprelay")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/cliprelay/")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(fmt.Sprintf("%s/.config/cliprelay", home))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("CLIPRELAY")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// loadEnvFile loads --env-file into the process environment without
// overriding variables that are already set. A missing default file is fine;
// a missing explicit one is not.
func loadEnvFile(cmd *cobra.Command) error {
	f := cmd.Flags().Lookup("env-file")
	if f == nil || f.Value.String() == "" {
		return nil
	}
	err := godotenv.Load(f.Value.String())
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) && !f.Changed {
		return nil
	}
	return fmt.Errorf("env file: %w", err)
}

// addLoggingFlags adds the standard logging flags to a command.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: tinter logs + debug level")
	cmd.Flags().String("log-format", "auto", "log format: auto|text|json")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default: info for service, debug for interactive)")
}

// addConfigFlags adds --config and --env-file to a command.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
	cmd.Flags().String("env-file", ".env", "dotenv file loaded before CLIPRELAY_* env vars")
}

// setupLogging reads logging flags from viper and configures slog.
func setupLogging(v *viper.Viper) {
	interactive := v.GetBool("no-background") || logging.IsTTY(os.Stderr)
	resolveLogging(interactive, v.GetString("log-format"), v.GetString("log-level"))
}
