package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/inodb/vibe-cacoa/internal/de"
	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/resample"
	"github.com/inodb/vibe-cacoa/internal/shift"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage vibe-cacoa configuration",
		Long: `Show, get, or set configuration values. Config is stored in ~/` + configName + `.yaml.
Keys are the long flag names of the de, shift and global options; a value in
the config file is used whenever the flag is not given.`,
		Example: `  vibe-cacoa config                         # show all config
  vibe-cacoa config set ref healthy          # default reference condition
  vibe-cacoa config set test edger           # default DE backend
  vibe-cacoa config get permutations         # get a value`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSet(cmd, args[0], args[1])
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigGet(cmd, args[0])
		},
	}
}

// notConfigurable are flags that only make sense on the command line.
var notConfigurable = map[string]bool{"config": true, "help": true, "version": true, "reuse": true}

// configKeys collects every flag of the command tree that can be set in the
// config file. Commands sharing a flag name share its key.
func configKeys(root *cobra.Command) map[string]*pflag.Flag {
	keys := make(map[string]*pflag.Flag)
	add := func(f *pflag.Flag) {
		if notConfigurable[f.Name] {
			return
		}
		if _, ok := keys[f.Name]; !ok {
			keys[f.Name] = f
		}
	}
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		c.PersistentFlags().VisitAll(add)
		c.LocalNonPersistentFlags().VisitAll(add)
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(root)
	return keys
}

func lookupKey(cmd *cobra.Command, key string) (*pflag.Flag, error) {
	keys := configKeys(cmd.Root())
	if f, ok := keys[key]; ok {
		return f, nil
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("%w: unknown config key %q (known: %s)",
		groups.ErrInvalidArgument, key, strings.Join(names, ", "))
}

// identifiers validate keys whose value names a method or mode.
var identifiers = map[string]func(string) error{
	"test":           func(v string) error { _, err := de.ParseTest(v); return err },
	"stat":           func(v string) error { _, err := de.ParseStatistic(v); return err },
	"resampling":     func(v string) error { _, err := resample.ParseMethod(v); return err },
	"distance":       func(v string) error { _, err := shift.ParseDistance(v); return err },
	"norm":           func(v string) error { _, err := shift.ParseNormalization(v); return err },
	"analysis":       func(v string) error { _, err := shift.ParseAnalysis(v); return err },
	"gene-selection": func(v string) error { _, err := shift.ParseGeneSelection(v); return err },
}

// parseConfigValue converts value to the type of the flag behind key.
func parseConfigValue(f *pflag.Flag, value string) (any, error) {
	invalid := func(err error) error {
		return fmt.Errorf("%w: %s expects a %s value, got %q: %v",
			groups.ErrInvalidArgument, f.Name, f.Value.Type(), value, err)
	}
	switch f.Value.Type() {
	case "bool":
		switch strings.ToLower(value) {
		case "true", "yes", "on":
			return true, nil
		case "false", "no", "off":
			return false, nil
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, invalid(err)
		}
		return b, nil
	case "int", "int64":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, invalid(err)
		}
		return n, nil
	case "float64":
		x, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, invalid(err)
		}
		return x, nil
	case "stringSlice":
		var out []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
	if check, ok := identifiers[f.Name]; ok && value != "" {
		if err := check(value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func runConfigShow(cmd *cobra.Command) error {
	settings := viper.AllSettings()
	if len(settings) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "# No configuration set. Config file: ~/"+configName+".yaml")
		return nil
	}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runConfigSet(cmd *cobra.Command, key, value string) error {
	f, err := lookupKey(cmd, key)
	if err != nil {
		return err
	}
	v, err := parseConfigValue(f, value)
	if err != nil {
		return err
	}
	viper.Set(key, v)

	cfgFile := viper.ConfigFileUsed()
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		cfgFile = filepath.Join(home, configName+".yaml")
	}

	if err := viper.WriteConfigAs(cfgFile); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v in %s\n", key, v, cfgFile)
	return nil
}

// runConfigGet prints the configured value, or the flag default when the
// key is not set.
func runConfigGet(cmd *cobra.Command, key string) error {
	f, err := lookupKey(cmd, key)
	if err != nil {
		return err
	}
	if !viper.IsSet(key) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (default)\n", f.DefValue)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), viper.Get(key))
	return nil
}
