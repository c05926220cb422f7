package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eugenetaranov/hostops/internal/executor"
	"github.com/eugenetaranov/hostops/internal/fsutil"
	"github.com/eugenetaranov/hostops/internal/host"
	"github.com/eugenetaranov/hostops/internal/inventory"
)

var (
	runSSH        sshFlags
	runInventory  string
	runTimeout    time.Duration
	runVerify     bool
	runStream     bool
	runLogResults bool
	runSave       string
	runBackground bool
	runReachable  bool
	runEnv        map[string]string
)

// runCmd executes commands on one host or an inventory
var runCmd = &cobra.Command{
	Use:   "run [<host> <command>...]",
	Short: "Run commands on a host or an inventory",
	Long: `Run commands in order on one host, or on every host of an inventory.

Commands on the same host share one SSH connection. Local hosts
(localhost, loopback addresses) run through the local shell.

Examples:
  hostops run web-1 uptime "df -h /" -u deploy
  hostops run localhost "make build" --stream --verify-rc
  hostops run localhost 'echo $STAGE' -e STAGE=prod
  hostops run -i hosts.yaml --save results.yaml`,
	RunE: runCommands,
}

func init() {
	runSSH.register(runCmd)
	fl := runCmd.Flags()
	fl.StringVarP(&runInventory, "inventory", "i", "", "Inventory file")
	fl.DurationVarP(&runTimeout, "timeout", "t", 0, "Per-command timeout (0 means none)")
	fl.BoolVar(&runVerify, "verify-rc", false, "Fail when a command exits non-zero")
	fl.BoolVar(&runStream, "stream", false, "Echo command output as it arrives")
	fl.BoolVar(&runLogResults, "log-results", false, "Log each result")
	fl.StringVar(&runSave, "save", "", "Write results to a YAML file")
	fl.BoolVar(&runBackground, "background", false, "Start local commands without waiting")
	fl.BoolVar(&runReachable, "require-reachable", false, "Check ping and SSH before running each inventory host")
	fl.StringToStringVarP(&runEnv, "env", "e", nil, "Environment for local commands, KEY=VALUE (repeatable)")
}

func applyRunFlags(cmd *cobra.Command) {
	fl := cmd.Flags()
	run := &app.cfg.Run
	if fl.Changed("timeout") {
		run.Timeout = runTimeout
	}
	if fl.Changed("verify-rc") {
		run.VerifyExitCode = runVerify
	}
	if fl.Changed("stream") {
		run.Stream = runStream
	}
	if fl.Changed("log-results") {
		run.LogResults = runLogResults
	}
}

func runCommands(cmd *cobra.Command, args []string) error {
	runSSH.apply(cmd)
	applyRunFlags(cmd)
	if err := fsutil.SetEnv(runEnv); err != nil {
		return err
	}

	switch {
	case runInventory != "" && len(args) > 0:
		return errors.New("give either --inventory or <host> <command>..., not both")
	case runInventory != "":
		return runInventoryFile(runInventory)
	case len(args) < 2:
		return errors.New("need a host and at least one command")
	}

	ctx, cancel := signalContext()
	defer cancel()

	id, runner, err := resolveHost(ctx, args[0])
	if err != nil {
		return err
	}

	opts := app.cfg.RunOptions()
	if runBackground {
		if len(args) > 2 {
			return errors.New("--background takes a single command; join commands with && to run them in order")
		}
		if !id.IsLocal() {
			app.out.Warn("--background only applies to local hosts; waiting for %s", id)
		}
		opts = append(opts, host.WithBlocking(false))
	}

	app.out.HostStart(id.String())
	results, runErr := runner.Run(ctx, id, args[1:], opts...)
	for _, res := range results {
		app.out.CommandResult(res)
	}

	if err := saveResults(results); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if !runBackground && !results.Succeeded() {
		return exitCode(1)
	}
	return nil
}

func runInventoryFile(path string) error {
	inv, err := inventory.ParseFile(path)
	if err != nil {
		return err
	}

	runner, err := newRunner()
	if err != nil {
		return err
	}
	probe, err := app.cfg.Probe.HostOptions()
	if err != nil {
		return err
	}

	exec := executor.New(runner)
	exec.Output = app.out
	exec.Logger = app.log.Zap()
	exec.Credentials = app.cfg.SSH.Credentials()
	exec.HostOptions = probe
	exec.RunOptions = app.cfg.RunOptions()
	exec.RequireReachable = runReachable

	ctx, cancel := signalContext()
	defer cancel()

	result, err := exec.Run(ctx, inv)
	if saveErr := saveResults(result.Results()); saveErr != nil {
		return saveErr
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return exitCode(1)
	}
	return nil
}

func saveResults(results host.Results) error {
	if runSave == "" {
		return nil
	}
	if results == nil {
		results = host.Results{}
	}
	if err := fsutil.OS(app.log.Zap()).SaveData(fsutil.ExpandHome(runSave), results); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	app.log.Zap().Info("results saved", zap.String("path", runSave), zap.Int("results", len(results)))
	return nil
}

// showCmd renders saved results
var showCmd = &cobra.Command{
	Use:   "show <results.yaml>",
	Short: "Show results saved with run --save",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var results host.Results
		if err := fsutil.OS(app.log.Zap()).LoadData(fsutil.ExpandHome(args[0]), &results); err != nil {
			return err
		}
		app.out.Results(results)
		return nil
	},
}

// validateCmd checks inventories without running them
var validateCmd = &cobra.Command{
	Use:   "validate <inventory.yaml> [inventory2.yaml ...]",
	Short: "Validate one or more inventories",
	Long: `Parse and validate inventories without running them.

This checks for:
  - Valid YAML syntax
  - A name on every host, with no duplicates
  - At least one command per host
  - Host names that are valid hostnames or IP addresses

Examples:
  hostops validate hosts.yaml
  hostops validate inventories/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed int
		for _, path := range args {
			if err := validateInventory(path); err != nil {
				app.out.Error("%s: %v", path, err)
				failed++
				continue
			}
			app.out.Info("%s: ok", path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d inventories failed validation", failed, len(args))
		}
		return nil
	},
}

func validateInventory(path string) error {
	inv, err := inventory.ParseFile(path)
	if err != nil {
		return err
	}
	for _, h := range inv.Hosts {
		if err := host.ValidateHostname(h.Name); err != nil {
			return err
		}
	}
	return nil
}
