// Package main provides the vibe-cacoa command-line tool.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/inodb/vibe-cacoa/internal/groups"
	"github.com/inodb/vibe-cacoa/internal/parallel"
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitUsage   = 2
)

// Version information (set at build time)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const configName = ".vibe-cacoa"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, groups.ErrInvalidArgument) {
			return ExitUsage
		}
		return ExitError
	}
	return ExitSuccess
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "vibe-cacoa",
		Short: "Case-control analysis of single-cell RNA-seq",
		Long: `vibe-cacoa compares two conditions across the cell types of a
single-cell dataset: pseudo-bulk differential expression with resampling
stability, and expression-shift magnitudes with permutation tests.`,
		Version:       fmt.Sprintf("%s (%s) built %s", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cfgFile)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default ~/"+configName+".yaml)")
	pf.IntP("workers", "j", 0, "Parallel workers (default: number of CPUs)")
	pf.BoolP("verbose", "v", false, "Debug logging")
	pf.Bool("fail-on-error", false, "Abort when any cell type fails instead of skipping it")
	pf.String("db", "", "DuckDB file to record runs in")
	for _, name := range []string{"workers", "verbose", "fail-on-error", "db"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	cmd.AddCommand(newDECmd())
	cmd.AddCommand(newShiftCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newTopCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

// initConfig reads the config file and VIBE_CACOA_* environment variables.
// A missing default config file is not an error.
func initConfig(cfgFile string) error {
	viper.SetEnvPrefix("VIBE_CACOA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	viper.SetConfigFile(filepath.Join(home, configName+".yaml"))
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// newLogger writes human-readable logs to stderr.
func newLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if viper.GetBool("verbose") {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	return zap.New(core)
}

// newExec builds the execution context from the global flags.
func newExec(log *zap.Logger, progress bool) parallel.Exec {
	e := parallel.Exec{
		Workers:     viper.GetInt("workers"),
		FailOnError: viper.GetBool("fail-on-error"),
		Logger:      log,
	}
	if progress {
		e.Progress = func(done, total int) {
			log.Debug("progress", zap.Int("done", done), zap.Int("total", total))
		}
	}
	return e
}

// openOutputTo returns stdout for "" or "-", otherwise creates path.
func openOutputTo(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, f.Close, nil
}
