package main

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and where each value comes from",
	Long: "Print every configuration key with the value commands will run with. " +
		"CHATSYNC_* variables (including those from .env files) override config.toml. " +
		"Exits non-zero when a value is invalid.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		loadDotEnv()
		values := effectiveValues(cfg, os.Getenv)
		problems := checkConfig(values)
		printConfig(cmd.OutOrStdout(), values, problems)
		if n := len(problems); n > 0 {
			return errors.Errorf("configuration has %d problem(s)", n)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.transport ws",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		for _, k := range configKeys {
			if k.name == key && k.secret {
				value = maskKey(value)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the path of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

// configValue is one key as a command would see it.
type configValue struct {
	key    configKey
	value  string
	source string
}

// effectiveValues resolves every key against cfg and the environment.
// Values are returned unmasked.
func effectiveValues(cfg *Config, getenv func(string) string) []configValue {
	out := make([]configValue, 0, len(configKeys))
	for _, k := range configKeys {
		v := configValue{key: k, value: k.get(cfg), source: "config.toml"}
		if k.env != "" {
			if e := getenv(k.env); e != "" {
				v.value, v.source = e, k.env
			}
		}
		if v.value == "" {
			v.source = "unset"
		}
		out = append(out, v)
	}
	return out
}

// checkConfig reports values commands would reject or misuse.
func checkConfig(values []configValue) []string {
	get := make(map[string]configValue, len(values))
	for _, v := range values {
		get[v.key.name] = v
	}

	var problems []string
	if base := get["default.base_url"]; base.value == "" {
		problems = append(problems, "default.base_url is not set; run 'chatsync init <base-url>'")
	} else if u, err := url.Parse(base.value); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("default.base_url %q (%s) is not an http(s) URL", base.value, base.source))
	}
	if tr := get["default.transport"]; tr.value != "" && tr.value != "sse" && tr.value != "ws" {
		problems = append(problems, fmt.Sprintf("default.transport %q (%s) must be sse or ws", tr.value, tr.source))
	}
	if lvl := get["default.log_level"]; lvl.value != "" {
		if _, err := log.ParseLevel(lvl.value); err != nil {
			problems = append(problems, fmt.Sprintf("default.log_level %q (%s) is not a log level", lvl.value, lvl.source))
		}
	}
	if get["auth.token"].value != "" && get["auth.user_id"].value == "" {
		problems = append(problems, "auth.token is set without auth.user_id; run 'chatsync login <email>'")
	}
	return problems
}

func printConfig(w io.Writer, values []configValue, problems []string) {
	for _, v := range values {
		shown := v.value
		switch {
		case shown == "" && v.key.name == "default.transport":
			shown = "sse"
			v.source = "default"
		case shown == "":
			shown = "(not set)"
		case v.key.secret:
			shown = maskKey(shown)
		}
		fmt.Fprintf(w, "%-18s %-40s %s\n", v.key.name, shown, v.source)
	}
	if len(problems) > 0 {
		fmt.Fprintln(w)
		for _, p := range problems {
			fmt.Fprintf(w, "warning: %s\n", p)
		}
	}
}
