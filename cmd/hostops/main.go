// Package main is the entrypoint for the hostops CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/eugenetaranov/hostops/internal/config"
	"github.com/eugenetaranov/hostops/internal/fsutil"
	"github.com/eugenetaranov/hostops/internal/logging"
	"github.com/eugenetaranov/hostops/internal/output"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	envFile    string
	debug      bool
	noColor    bool
	logDir     string
)

// exitCode ends the process with a status and no message.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	err := rootCmd.Execute()
	if app.log != nil {
		_ = app.log.Close()
	}

	var code exitCode
	switch {
	case err == nil:
	case errors.As(err, &code):
		os.Exit(int(code))
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hostops",
	Short: "hostops - resolve, probe and run commands on hosts",
	Long: `hostops resolves hosts, checks that they answer ping and SSH, and runs
command batches on them locally or over SSH.

Configuration is read from --config, then HOSTOPS_* environment variables,
then flags.`,
	Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: bootstrap,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before configuration")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging and detailed output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Base directory for run logs (overrides log.dir)")

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(reachCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(validateCmd)
}

// app holds what bootstrap builds for the subcommands.
var app struct {
	cfg config.Config
	log *logging.Logger
	out *output.Output
}

func bootstrap(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if noColor {
		cfg.Log.Color = false
	}
	if logDir != "" {
		cfg.Log.Dir = logDir
	}

	l, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	out := output.New(os.Stdout)
	out.SetColor(!noColor && term.IsTerminal(int(os.Stdout.Fd())))
	out.SetDebug(debug)

	app.cfg, app.log, app.out = cfg, l, out
	l.Zap().Debug("configuration loaded",
		zap.String("config", configPath),
		zap.String("log_dir", l.Paths().Dir))
	return nil
}

// loadEnvFile loads path into the environment without overriding variables
// already set. A missing default file is ignored.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(fsutil.ExpandHome(path))
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("failed to load env file %s: %w", path, err)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
